package reliability

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ClassifyWSClose maps a websocket read error to a short, metric-safe label.
func ClassifyWSClose(err error) string {
	if err == nil {
		return "none"
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure:
			return "normal"
		case websocket.CloseGoingAway:
			return "going_away"
		case websocket.CloseAbnormalClosure:
			return "abnormal"
		case websocket.ClosePolicyViolation:
			return "policy_violation"
		case websocket.CloseMessageTooBig:
			return "message_too_big"
		case websocket.CloseInternalServerErr:
			return "server_error"
		default:
			return "close_other"
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "eof"
	}
	if errors.Is(err, net.ErrClosed) {
		return "closed_locally"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	return "transport"
}

// IsExpectedClose reports whether a websocket ended the way a finished call normally ends.
func IsExpectedClose(err error) bool {
	switch ClassifyWSClose(err) {
	case "none", "normal", "going_away", "closed_locally", "eof":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Retry runs fn up to attempts times, sleeping with capped exponential backoff
// between failures. It returns the last error.
func Retry(ctx context.Context, attempts int, base, cap time.Duration, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(ExponentialBackoff(i, base, cap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

// Package convai connects calls to the conversational-AI provider over its
// realtime WebSocket API.
package convai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antoniostano/callbridge/internal/reliability"
	"github.com/gorilla/websocket"
)

const (
	defaultAPIBaseURL = "https://api.elevenlabs.io"
	defaultWSBaseURL  = "wss://api.elevenlabs.io"
	conversationPath  = "/v1/convai/conversation"
	signedURLPath     = "/v1/convai/conversation/get_signed_url"
)

var ErrMissingAgentID = errors.New("agent_id is required")

// APIError is a non-2xx answer from the provider's REST API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("convai api status %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

// ErrorCode maps a connect error to a metric label.
func ErrorCode(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &apiErr):
		return fmt.Sprintf("http_%d", apiErr.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, websocket.ErrBadHandshake):
		return "bad_handshake"
	case errors.Is(err, ErrMissingAgentID):
		return "missing_agent"
	default:
		return "dial"
	}
}

type Config struct {
	APIKey     string
	APIBaseURL string
	WSBaseURL  string
	HTTPClient *http.Client
	// OnMessage, when set, is called with the type of every received message
	// ("malformed" for undecodable ones).
	OnMessage func(msgType string)
}

type Client struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = defaultWSBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// SignedURL asks the provider for a short-lived, pre-authorised conversation URL.
func (c *Client) SignedURL(ctx context.Context, agentID string) (string, error) {
	if strings.TrimSpace(agentID) == "" {
		return "", ErrMissingAgentID
	}
	u, err := url.Parse(strings.TrimRight(c.cfg.APIBaseURL, "/") + signedURLPath)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request signed url: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payload struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode signed url: %w", err)
	}
	if strings.TrimSpace(payload.SignedURL) == "" {
		return "", fmt.Errorf("signed url missing in response")
	}
	return payload.SignedURL, nil
}

// Dial opens a conversation for agentID. With an API key configured the
// socket is opened on a signed URL, otherwise the public agent endpoint is used.
func (c *Client) Dial(ctx context.Context, agentID string) (*Conn, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, ErrMissingAgentID
	}

	target := ""
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		signed, err := c.SignedURL(ctx, agentID)
		if err != nil {
			return nil, err
		}
		target = signed
	} else {
		u, err := url.Parse(strings.TrimRight(c.cfg.WSBaseURL, "/") + conversationPath)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("agent_id", agentID)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	ws, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial convai websocket: %w", err)
	}
	return newConn(ws, c.cfg.OnMessage), nil
}

package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/callbridge/internal/audio"
	"github.com/antoniostano/callbridge/internal/protocol"
)

// callsim plays the telephony side of a call against a running relay and
// reports how long the agent takes to answer.

type options struct {
	baseURL    string
	agentID    string
	campaignID string
	wavPath    string
	recordPath string
	duration   time.Duration
	frameMS    int
	verbose    bool
}

type inboundFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     *struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type relayStats struct {
	MediaReceived  int
	Clears         int
	FirstAudio     time.Duration
	StoppedByRelay bool
}

type report struct {
	relayStats
	StreamSID  string
	FramesSent int
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.duration+30*time.Second)
	defer cancel()

	rep, err := run(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("callsim: stream=%s sent=%d received=%d clears=%d first_audio=%s relay_stop=%v\n",
		rep.StreamSID, rep.FramesSent, rep.MediaReceived, rep.Clears, rep.FirstAudio, rep.StoppedByRelay)
}

func parseFlags() (options, error) {
	var cfg options
	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "relay base URL")
	flag.StringVar(&cfg.agentID, "agent-id", "", "agent_id custom parameter (relay default when empty)")
	flag.StringVar(&cfg.campaignID, "campaign-id", "callsim", "campaign_id custom parameter")
	flag.StringVar(&cfg.wavPath, "wav", "", "caller audio as a 16-bit PCM or mu-law WAV file (silence when empty)")
	flag.StringVar(&cfg.recordPath, "record", "", "write the agent audio to this mu-law WAV file")
	flag.DurationVar(&cfg.duration, "duration", 20*time.Second, "how long to stream caller audio")
	flag.IntVar(&cfg.frameMS, "frame-ms", 20, "media frame size in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", false, "print every relay frame")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.frameMS < 10 || cfg.frameMS > 1000 {
		return options{}, fmt.Errorf("frame-ms must be in [10,1000]")
	}
	if cfg.duration <= 0 {
		return options{}, fmt.Errorf("duration must be positive")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options) (report, error) {
	ulaw, err := callerAudio(cfg)
	if err != nil {
		return report{}, fmt.Errorf("prepare caller audio: %w", err)
	}
	wsURL, err := mediaStreamURL(cfg.baseURL)
	if err != nil {
		return report{}, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return report{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	rep := report{StreamSID: "MZ" + strings.ReplaceAll(uuid.NewString(), "-", "")}
	if err := sendStart(conn, rep.StreamSID, cfg); err != nil {
		return rep, fmt.Errorf("send start: %w", err)
	}
	started := time.Now()

	var (
		mu       sync.Mutex
		stats    relayStats
		received []byte
	)
	stopped := make(chan struct{})
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			var frame inboundFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if cfg.verbose {
				fmt.Printf("callsim: <- %s\n", frame.Event)
			}
			mu.Lock()
			switch frame.Event {
			case string(protocol.EventMedia):
				stats.MediaReceived++
				if stats.FirstAudio == 0 {
					stats.FirstAudio = time.Since(started)
				}
				if frame.Media != nil {
					if chunk, err := base64.StdEncoding.DecodeString(frame.Media.Payload); err == nil {
						received = append(received, chunk...)
					}
				}
			case string(protocol.EventClear):
				stats.Clears++
			case string(protocol.EventStop):
				stats.StoppedByRelay = true
				mu.Unlock()
				close(stopped)
				return
			}
			mu.Unlock()
		}
	}()

	frameBytes := audio.TelephonySampleRate * cfg.frameMS / 1000
	ticker := time.NewTicker(time.Duration(cfg.frameMS) * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(cfg.duration)
	defer deadline.Stop()

	off := 0
	sending := true
	for sending {
		select {
		case <-ctx.Done():
			return rep, ctx.Err()
		case <-stopped:
			sending = false
		case <-readDone:
			sending = false
		case <-deadline.C:
			sending = false
		case <-ticker.C:
			chunk := make([]byte, frameBytes)
			for i := range chunk {
				chunk[i] = ulaw[(off+i)%len(ulaw)]
			}
			off = (off + frameBytes) % len(ulaw)
			msg := map[string]any{
				"event":     protocol.EventMedia,
				"streamSid": rep.StreamSID,
				"media":     map[string]string{"track": "inbound", "payload": base64.StdEncoding.EncodeToString(chunk)},
			}
			if err := conn.WriteJSON(msg); err != nil {
				return rep, fmt.Errorf("send media: %w", err)
			}
			rep.FramesSent++
		}
	}

	mu.Lock()
	relayStopped := stats.StoppedByRelay
	mu.Unlock()
	if !relayStopped {
		stop := map[string]any{"event": protocol.EventStop, "streamSid": rep.StreamSID}
		if err := conn.WriteJSON(stop); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			return rep, fmt.Errorf("send stop: %w", err)
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		_ = conn.Close()
		<-readDone
	}

	mu.Lock()
	defer mu.Unlock()
	rep.relayStats = stats
	if cfg.recordPath != "" && len(received) > 0 {
		if err := audio.WriteMuLawWAVFile(cfg.recordPath, received); err != nil {
			return rep, fmt.Errorf("write recording: %w", err)
		}
	}
	return rep, nil
}

func sendStart(conn *websocket.Conn, streamSID string, cfg options) error {
	if err := conn.WriteJSON(map[string]any{"event": protocol.EventConnected, "protocol": "Call", "version": "1.0.0"}); err != nil {
		return err
	}
	params := map[string]string{"campaign_id": cfg.campaignID}
	if cfg.agentID != "" {
		params["agent_id"] = cfg.agentID
	}
	return conn.WriteJSON(map[string]any{
		"event":     protocol.EventStart,
		"streamSid": streamSID,
		"start": map[string]any{
			"streamSid":        streamSID,
			"callSid":          "CA" + strings.ReplaceAll(uuid.NewString(), "-", ""),
			"customParameters": params,
		},
	})
}

func callerAudio(cfg options) ([]byte, error) {
	if cfg.wavPath == "" {
		silence := make([]byte, audio.TelephonySampleRate)
		for i := range silence {
			silence[i] = 0xFF
		}
		return silence, nil
	}
	data, err := os.ReadFile(cfg.wavPath)
	if err != nil {
		return nil, err
	}
	ulaw, err := audio.LoadTelephonyAudio(data)
	if err != nil {
		return nil, fmt.Errorf("wav %s: %w", cfg.wavPath, err)
	}
	return ulaw, nil
}

func mediaStreamURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/media-stream"
	return u.String(), nil
}

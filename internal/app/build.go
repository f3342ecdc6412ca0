package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/antoniostano/callbridge/internal/calllog"
	"github.com/antoniostano/callbridge/internal/config"
	"github.com/antoniostano/callbridge/internal/convai"
	"github.com/antoniostano/callbridge/internal/hangup"
	"github.com/antoniostano/callbridge/internal/httpapi"
	"github.com/antoniostano/callbridge/internal/observability"
	"github.com/antoniostano/callbridge/internal/session"
)

const callLogBuffer = 1024

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Calls   *session.Manager
	Metrics *observability.Metrics

	// Cleanup flushes the call log and releases the database pool.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := calllog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("call log store init failed: %w", err)
	}
	writer := calllog.NewWriter(store, callLogBuffer)
	writer.OnDrop(func() { metrics.CallEvent("call_log_dropped") })

	client := convai.NewClient(convai.Config{
		APIKey:     cfg.ElevenLabsAPIKey,
		APIBaseURL: cfg.ElevenLabsAPIBaseURL,
		WSBaseURL:  cfg.ElevenLabsWSBaseURL,
		OnMessage: func(msgType string) {
			metrics.WSMessage("agent", "in", msgType)
		},
	})
	if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
		log.Printf("convai: no API key set, dialing public agent endpoint")
	}

	guard := hangup.NewGuard(hangup.NewMatcher(cfg.ClosingPhrases, cfg.UtteranceEndWindow), cfg.EndCallTools)

	calls := session.NewManager(settingsFromConfig(cfg), session.Deps{
		Guard:    guard,
		Dialer:   agentDialer(client),
		Metrics:  metrics,
		Recorder: writer,
	}, cfg.EndedCallRetention)
	calls.SetEndHook(func(info session.Info) {
		metrics.ObserveCall(callOutcome(info))
	})

	api := httpapi.New(cfg, calls, metrics)

	cleanup := func() error {
		if err := writer.Close(); err != nil {
			return fmt.Errorf("call log close failed: %w", err)
		}
		return nil
	}

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Calls:   calls,
		Metrics: metrics,
		Cleanup: cleanup,
	}, nil
}

func settingsFromConfig(cfg config.Config) session.Settings {
	return session.Settings{
		DefaultAgentID:      cfg.ElevenLabsAgentID,
		TerminationGrace:    cfg.TerminationGrace,
		TrailingAudioWindow: cfg.TrailingAudioWindow,
		TrailingRecheck:     cfg.TrailingRecheck,
		MaxGraceExtensions:  cfg.MaxGraceExtensions,
		IdleTimeout:         cfg.IdleTimeout,
		MaxIdleResets:       cfg.MaxIdleResets,
		MaxCallDuration:     cfg.MaxCallDuration,
		PendingAudioLimit:   cfg.PendingAudioLimit,
		AgentConnectTimeout: cfg.AgentConnectTimeout,
	}
}

// callOutcome measures an ended call from its final snapshot. Duration runs
// from stream start, or from socket accept when start never arrived.
func callOutcome(info session.Info) observability.CallOutcome {
	o := observability.CallOutcome{
		Reason:            string(info.EndReason),
		Ceiling:           info.EndReason == session.ReasonIdleCeiling || info.EndReason == session.ReasonDurationCeiling,
		GraceExtensions:   info.GraceExtensions,
		IdleResets:        info.IdleResets,
		SuppressedSignals: info.SuppressedSignals,
	}
	if info.EndedAt == nil {
		return o
	}
	started := info.StartedAt
	if started.IsZero() {
		started = info.CreatedAt
	}
	o.Duration = info.EndedAt.Sub(started)
	if !info.ClosingArmedAt.IsZero() {
		o.ClosingGrace = info.EndedAt.Sub(info.ClosingArmedAt)
	}
	if !info.FirstAudioAt.IsZero() && !info.StartedAt.IsZero() {
		o.FirstAudio = info.FirstAudioAt.Sub(info.StartedAt)
	}
	return o
}

// agentDialer adapts the ConvAI client to the session dialer. A failed dial
// must surface as a nil interface, never a typed nil *convai.Conn.
func agentDialer(client *convai.Client) session.AgentDialer {
	return session.DialerFunc(func(ctx context.Context, agentID string) (session.AgentConn, error) {
		conn, err := client.Dial(ctx, agentID)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

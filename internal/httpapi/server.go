package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/callbridge/internal/config"
	"github.com/antoniostano/callbridge/internal/observability"
	"github.com/antoniostano/callbridge/internal/protocol"
	"github.com/antoniostano/callbridge/internal/reliability"
	"github.com/antoniostano/callbridge/internal/session"
)

const (
	readLimit    = 1 << 20
	readDeadline = 120 * time.Second
	pingInterval = 30 * time.Second
)

type Server struct {
	cfg      config.Config
	calls    *session.Manager
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, calls *session.Manager, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		calls:   calls,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Telephony providers do not send an Origin header.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", observability.MetricsHandler())

	r.Get("/media-stream", s.handleMediaStream)
	r.Post("/v1/twiml", s.handleTwiML)
	r.Get("/v1/perf/calls", s.handlePerfCalls)

	r.Route("/v1/calls", func(r chi.Router) {
		r.Get("/", s.handleListCalls)
		r.Get("/{callID}", s.handleGetCall)
		r.Post("/{callID}/end", s.handleEndCall)
	})
	return r
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"active_calls": s.calls.ActiveCount(),
		"agent_id_set": strings.TrimSpace(s.cfg.ElevenLabsAgentID) != "",
		"signed_urls":  strings.TrimSpace(s.cfg.ElevenLabsAPIKey) != "",
		"call_log":     callLogMode(s.cfg),
	})
}

func callLogMode(cfg config.Config) string {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return "in-memory"
	}
	return "postgres"
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	calls := s.calls.List()
	respondJSON(w, http.StatusOK, map[string]any{
		"calls":  calls,
		"active": s.calls.ActiveCount(),
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	info, err := s.calls.Get(callID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "call_not_found", "call not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "call_lookup_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, info)
}

type endCallRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	var req endCallRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	err := s.calls.Hangup(callID, session.ReasonOperator)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "call_not_found", "call not found")
		return
	case errors.Is(err, session.ErrCallEnded):
		respondError(w, http.StatusConflict, "call_ended", "call already ended")
		return
	default:
		respondError(w, http.StatusInternalServerError, "call_end_failed", err.Error())
		return
	}
	if note := strings.TrimSpace(req.Note); note != "" {
		log.Printf("call %s: operator hangup requested: %s", callID, note)
	} else {
		log.Printf("call %s: operator hangup requested", callID)
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"call_id": callID,
		"status":  "ending",
	})
}

// handleMediaStream bridges one telephony media stream to a new call.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.CallEvent("ws_upgrade_failed")
		return
	}

	leg := newWSLeg(conn, s.metrics)
	call, err := s.calls.Start(leg)
	if err != nil {
		log.Printf("media stream rejected: %v", err)
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"), deadline)
		_ = conn.Close()
		return
	}
	s.metrics.CallEvent("ws_connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		leg.writeLoop()
	}()

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	var readErr error
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseTelephonyMessage(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnsupportedEvent) {
				s.metrics.WSMessage("telephony", "in", "unsupported")
				continue
			}
			s.metrics.WSMessage("telephony", "in", "malformed")
			log.Printf("call %s: dropped malformed telephony frame: %v", call.ID(), err)
			continue
		}
		if t, ok := protocol.TelephonyEventOf(msg); ok {
			s.metrics.WSMessage("telephony", "in", string(t))
		}
		if !call.HandleTelephony(msg) {
			break
		}
	}

	if readErr != nil && !reliability.IsExpectedClose(readErr) {
		log.Printf("call %s: telephony socket closed (%s): %v", call.ID(), reliability.ClassifyWSClose(readErr), readErr)
	}
	call.TelephonyClosed(readErr)
	_ = leg.Close()
	<-writerDone
	s.metrics.CallEvent("ws_disconnected")
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

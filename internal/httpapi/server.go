package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/livebridge/internal/bridge"
	"github.com/ent0n29/livebridge/internal/config"
	"github.com/ent0n29/livebridge/internal/observability"
	"github.com/ent0n29/livebridge/internal/session"
	"github.com/ent0n29/livebridge/internal/transcript"
)

const (
	maxBodyBytes = 2 << 20
	wsPathPrefix = "/api/live/ws/"
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// Bridger runs one bridged websocket connection until it ends.
type Bridger interface {
	Run(ctx context.Context, s *session.Session, t bridge.Transport) error
}

type Server struct {
	cfg      config.Config
	sessions *session.Registry
	bridge   Bridger
	captions transcript.Store
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Registry, b Bridger, captions transcript.Store, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		bridge:   b,
		captions: captions,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
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
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			http.NotFound(w, r)
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	create := http.HandlerFunc(s.handleCreateSession)
	if s.cfg.SessionRateLimit > 0 {
		r.With(httprate.LimitByIP(s.cfg.SessionRateLimit, time.Minute)).Post("/api/live/session", create)
	} else {
		r.Post("/api/live/session", create)
	}
	r.Get("/api/live/session/{id}/captions", s.handleCaptions)
	r.Get(wsPathPrefix+"*", s.handleLiveWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Count(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"model_provider": s.cfg.ModelProvider,
		"caption_store":  s.captionStoreMode(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req session.IssueRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.sessions.Issue(r.Context(), req)
	if err != nil {
		s.logger.Error("issue session failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "", "Failed to start session")
		return
	}
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("issued").Inc()
		s.metrics.ActiveSessions.Set(float64(s.sessions.Count()))
	}

	respondJSON(w, http.StatusOK, session.IssueResponse{
		SessionID: sess.ID,
		WSURL:     wsPathPrefix + sess.ID,
		Language:  sess.Language,
		Voice:     sess.Voice,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (s *Server) handleCaptions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Validate(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.captions == nil {
		respondJSON(w, http.StatusOK, map[string]any{"captions": []transcript.Caption{}})
		return
	}
	limit := 20
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := s.captions.Recent(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "caption_store", err.Error())
		return
	}
	if items == nil {
		items = []transcript.Caption{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"captions": items})
}

// handleLiveWS attaches a websocket to an issued session. Unknown, expired or
// already attached ids are refused by dropping the connection before any
// handshake.
func (s *Server) handleLiveWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "*")
	if !sessionIDPattern.MatchString(sessionID) {
		s.refuse(w, "malformed_id")
		return
	}

	sess, release, err := s.sessions.Attach(sessionID)
	if err != nil {
		reason := "unknown_session"
		if errors.Is(err, session.ErrAlreadyAttached) {
			reason = "already_attached"
		}
		s.refuse(w, reason)
		return
	}
	defer release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	}

	if err := s.bridge.Run(r.Context(), sess, conn); err != nil {
		s.logger.Info("bridge ended with error", zap.String("session_id", sess.ID), zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	}
}

// refuse closes the underlying TCP connection without an HTTP response.
func (s *Server) refuse(w http.ResponseWriter, reason string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_refused_" + reason).Inc()
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}

func (s *Server) captionStoreMode() string {
	switch s.captions.(type) {
	case nil:
		return "disabled"
	case *transcript.PostgresStore:
		return "postgres"
	default:
		return "in-memory"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
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

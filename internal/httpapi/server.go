// Package httpapi exposes research runs over HTTP: a synchronous JSON
// endpoint, SSE and WebSocket streams, and conversation lookup.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/touch/internal/conversation"
	"github.com/Kocoro-lab/touch/internal/health"
	"github.com/Kocoro-lab/touch/internal/research"
	"github.com/Kocoro-lab/touch/internal/streaming"
)

const (
	serviceName  = "Touch Research API"
	maxBodyBytes = 64 << 10
	saveTimeout  = 5 * time.Second
)

// Researcher is the slice of the research pipeline the API needs.
type Researcher interface {
	Run(ctx context.Context, query string, emit streaming.Emitter) research.RunResult
	Stream(query string, after func(context.Context, research.RunResult) string) streaming.RunFunc
}

type Options struct {
	Version     string
	CORSOrigins []string
	// Heartbeat is the interval of SSE comments and WebSocket pings.
	Heartbeat time.Duration
}

type Server struct {
	research    Researcher
	coordinator *streaming.Coordinator
	store       conversation.Store
	health      *health.Handler
	limiter     *RateLimiter
	opts        Options
	logger      *zap.Logger
}

// NewServer wires the handlers. limiter may be nil to disable rate limiting.
func NewServer(r Researcher, coordinator *streaming.Coordinator, store conversation.Store, h *health.Handler, limiter *RateLimiter, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	return &Server{
		research:    r,
		coordinator: coordinator,
		store:       store,
		health:      h,
		limiter:     limiter,
		opts:        opts,
		logger:      logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(s.recoverer)
	r.Use(cors(s.opts.CORSOrigins))

	r.Get("/", s.root)
	r.Get("/health", s.health.Live)
	r.Get("/health/ready", s.health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Post("/research", s.submit)
		r.Get("/research/stream", s.streamSSE)
		r.Get("/research/ws", s.streamWS)
		r.Get("/conversations/{id}", s.conversation)
	})
	return r
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": serviceName,
		"version": s.opts.Version,
	})
}

type researchRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type researchResponse struct {
	research.RunResult
	ConversationID string  `json:"conversation_id"`
	ProcessingTime float64 `json:"processing_time"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req researchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Request body must be JSON with a query field")
		return
	}
	if err := research.ValidateQuery(req.Query); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	res := s.research.Run(r.Context(), req.Query, nil)
	if res.Status == research.StatusError {
		writeError(w, http.StatusInternalServerError, "research_failed", res.Answer)
		return
	}

	id := req.ConversationID
	if id == "" {
		id = conversation.NewID()
	}
	s.remember(r.Context(), id, res)
	writeJSON(w, http.StatusOK, researchResponse{
		RunResult:      res,
		ConversationID: id,
		ProcessingTime: res.Seconds(),
	})
}

// afterStream stores a streamed result and names it for the complete event.
func (s *Server) afterStream(ctx context.Context, res research.RunResult) string {
	id := conversation.NewID()
	s.remember(ctx, id, res)
	return id
}

// remember stores a result. Storage is best effort; failures are logged.
func (s *Server) remember(ctx context.Context, id string, res research.RunResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	rec := conversation.Record{ID: id, Query: res.Query, Response: res.Answer, Timestamp: time.Now().UTC()}
	if err := s.store.Save(ctx, rec); err != nil {
		s.logger.Warn("Failed to store conversation", zap.String("conversation_id", id), zap.Error(err))
	}
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.Get(r.Context(), id)
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Conversation not found")
		return
	case err != nil:
		s.logger.Error("Conversation lookup failed", zap.String("conversation_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Conversation storage is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func writeError(w http.ResponseWriter, code int, kind, message string) {
	writeJSON(w, code, errorBody{Error: kind, Message: message, Code: code})
}

func writeJSON(w http.ResponseWriter, code int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(value)
}

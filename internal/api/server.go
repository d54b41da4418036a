package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
	ids "github.com/JakeFAU/magnet-crawler/internal/id/uuid"
	"github.com/JakeFAU/magnet-crawler/internal/metrics"
	"github.com/JakeFAU/magnet-crawler/internal/progress"
	"github.com/JakeFAU/magnet-crawler/internal/scheduler"
)

// JobController is the scheduler surface the API drives.
type JobController interface {
	List(ctx context.Context) ([]crawler.JobStatus, error)
	Status(ctx context.Context, jobID string) (crawler.JobStatus, error)
	Trigger(ctx context.Context, jobID string) (string, error)
	Pause(ctx context.Context, jobID string) error
	Resume(ctx context.Context, jobID string) error
}

// RequestTracker looks up download requests.
type RequestTracker interface {
	Status(ctx context.Context, id string) (crawler.DownloadRequest, *crawler.ClientStatus, error)
}

// EventSource hands out bus subscriptions.
type EventSource interface {
	Subscribe(jobID string) *progress.Subscription
	Subscribers() int
}

// Config tunes the server.
type Config struct {
	// APIKey enables the X-API-Key check when non-empty.
	APIKey         string
	RequestTimeout time.Duration
	// Heartbeat is how long an idle event stream waits before sending a
	// keep-alive comment.
	Heartbeat time.Duration
}

// Server wires HTTP handlers to the scheduler, dispatcher and event bus.
type Server struct {
	router   chi.Router
	jobs     JobController
	requests RequestTracker
	events   EventSource
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. collectors and
// gatherer may be nil, in which case /metrics is not mounted.
func NewServer(
	jobs JobController,
	requests RequestTracker,
	events EventSource,
	collectors *metrics.Collectors,
	gatherer prometheus.Gatherer,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	s := &Server{
		jobs:     jobs,
		requests: requests,
		events:   events,
		cfg:      cfg,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	if collectors != nil {
		r.Use(collectors.Middleware)
	}
	if cfg.APIKey != "" {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	if gatherer != nil {
		r.Handle("/metrics", metrics.Handler(gatherer))
	}

	r.Route("/v1", func(r chi.Router) {
		// Event streams are long-lived; only the JSON routes get a deadline.
		r.Get("/events", s.streamEvents)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.listJobs)
				r.Route("/{job_id}", func(r chi.Router) {
					r.Get("/", s.getJob)
					r.Post("/trigger", s.triggerJob)
					r.Post("/pause", s.pauseJob)
					r.Post("/resume", s.resumeJob)
				})
			})
			r.Get("/requests/{request_id}", s.getRequest)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type healthResponse struct {
	Status           string `json:"status"`
	EventSubscribers int    `json:"event_subscribers"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", EventSubscribers: s.events.Subscribers()})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	status, err := s.jobs.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

type triggerResponse struct {
	Result string `json:"result"`
	RunID  string `json:"run_id,omitempty"`
}

func (s *Server) triggerJob(w http.ResponseWriter, r *http.Request) {
	runID, err := s.jobs.Trigger(r.Context(), chi.URLParam(r, "job_id"))
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, triggerResponse{Result: "started", RunID: runID})
	case errors.Is(err, crawler.ErrJobBusy):
		s.writeJSON(w, http.StatusOK, triggerResponse{Result: "busy"})
	case errors.Is(err, scheduler.ErrJobPaused):
		s.writeJSON(w, http.StatusOK, triggerResponse{Result: "paused"})
	default:
		s.writeFailure(w, err)
	}
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.jobs.Pause(r.Context(), jobID); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "result": "paused"})
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.jobs.Resume(r.Context(), jobID); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "result": "resumed"})
}

type requestResponse struct {
	Request crawler.DownloadRequest `json:"request"`
	Client  *crawler.ClientStatus   `json:"client,omitempty"`
	// ClientError is set when the backend could not be asked for a live view.
	ClientError string `json:"client_error,omitempty"`
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "request_id")
	if !ids.Valid(id) {
		s.writeError(w, http.StatusBadRequest, "request id must be a uuid")
		return
	}
	req, client, err := s.requests.Status(r.Context(), id)
	if err != nil && req.ID == "" {
		s.writeFailure(w, err)
		return
	}
	resp := requestResponse{Request: req, Client: client}
	if err != nil {
		resp.ClientError = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// streamEvents serves the bus as Server-Sent Events: the replay buffer first,
// then live events, until the client disconnects or the bus closes.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sub := s.events.Subscribe(r.URL.Query().Get("job_id"))
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Heartbeat)
		evt, err := sub.Next(waitCtx)
		cancel()
		switch {
		case err == nil:
			if err := writeEvent(w, evt); err != nil {
				s.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		case errors.Is(err, progress.ErrBusClosed):
			_, _ = fmt.Fprint(w, "event: close\ndata: {}\n\n")
			flusher.Flush()
			return
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		default:
			s.logger.Warn("event stream aborted", zap.Error(err))
			return
		}
		flusher.Flush()
		if dropped := sub.Dropped(); dropped > 0 {
			s.logger.Debug("event stream subscriber is lagging", zap.Int64("dropped", dropped))
		}
	}
}

func writeEvent(w http.ResponseWriter, evt progress.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored by the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", RequestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSONTo(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeFailure maps domain errors onto status codes.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crawler.ErrJobNotFound), errors.Is(err, crawler.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSONTo(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSONTo(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

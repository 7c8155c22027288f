package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"inference-bridge/internal/backend"
	"inference-bridge/internal/config"
	"inference-bridge/internal/models"
	"inference-bridge/internal/notify"
	"inference-bridge/internal/queue"
	"inference-bridge/internal/ratelimit"
	"inference-bridge/internal/telemetry"
)

const maxBodyBytes = 1 << 20

const cancellingNote = "the backend cannot abort an in-flight job; its result will be discarded when it returns"

// Server wires HTTP handlers for the GUI-facing API.
type Server struct {
	cfg      config.Config
	queue    *queue.Queue
	backend  *backend.Client
	hub      *notify.Hub
	limiter  *ratelimit.TokenBucket
	log      zerolog.Logger
	upgrader websocket.Upgrader

	closing   chan struct{}
	closeOnce sync.Once
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, q *queue.Queue, be *backend.Client, hub *notify.Hub, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		queue:   q,
		backend: be,
		hub:     hub,
		limiter: limiter,
		log:     log.With().Str("component", "api").Logger(),
		closing: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Close disconnects event observers. Hijacked websocket connections are not
// covered by http.Server.Shutdown, so register this with RegisterOnShutdown.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		RequestLogger(s.log),
		middleware.Recoverer,
		CORS(s.cfg.AllowedOrigins),
	)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/ws", s.handleEvents)
	r.Handle("/outputs/*", http.StripPrefix("/outputs/", noListing(http.FileServer(http.Dir(s.cfg.OutputDir)))))

	r.Route("/api", func(r chi.Router) {
		r.Get("/queue", s.handleQueue)
		r.Get("/job/{id}", s.handleGetJob)
		r.Delete("/job/{id}", s.handleCancel)

		r.Get("/models", s.proxy(http.MethodGet, "/models"))
		r.Post("/models/switch", s.proxy(http.MethodPost, "/models/switch"))
		r.Get("/styles", s.proxy(http.MethodGet, "/styles"))
		r.Post("/recover", s.proxy(http.MethodPost, "/recover"))
		r.Get("/backend/health", s.proxy(http.MethodGet, "/health"))

		r.Post("/{jobType}", s.handleSubmit)
	})
	return r
}

// EventsRouter serves only the event channel, for GUI clients that connect to
// a dedicated socket port.
func (s *Server) EventsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)
	r.Get("/", s.handleEvents)
	r.Get("/ws", s.handleEvents)
	return r
}

type submitResponse struct {
	JobID    string           `json:"job_id"`
	Status   models.JobStatus `json:"status"`
	Position int              `json:"position"`
}

type statusResponse struct {
	JobID       string           `json:"job_id"`
	Type        string           `json:"type"`
	Status      models.JobStatus `json:"status"`
	Position    *int             `json:"position,omitempty"`
	SubmittedAt time.Time        `json:"submitted_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Result      map[string]any   `json:"result,omitempty"`
	Error       *models.JobError `json:"error,omitempty"`
}

type cancelResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	jobType := chi.URLParam(r, "jobType")
	if !s.cfg.JobTypeAllowed(jobType) {
		writeError(w, http.StatusBadRequest, models.CodeValidation, fmt.Sprintf("unknown job type %q", jobType))
		return
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), clientKey(r))
		switch {
		case err != nil:
			// Queue backpressure still applies, so an unreachable limiter
			// should not take the bridge down with it.
			s.log.Warn().Err(err).Msg("rate limiter unavailable, admitting request")
		case !d.Allowed:
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			}
			writeError(w, http.StatusTooManyRequests, models.CodeRateLimited, "too many submissions from this client; slow down")
			return
		}
	}

	params, err := decodeParams(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, models.CodeValidation, err.Error())
		return
	}
	if err := validateParams(jobType, params); err != nil {
		writeError(w, http.StatusBadRequest, models.CodeValidation, err.Error())
		return
	}

	rec, err := s.queue.Submit(jobType, params)
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, models.CodeQueueFull,
			fmt.Sprintf("queue is full (%d pending); retry later", s.queue.Capacity()))
		return
	case errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, models.CodeInfrastructure, "bridge is shutting down")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, models.CodeInfrastructure, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{JobID: rec.JobID, Status: models.StatusQueued, Position: rec.Position})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.queue.Status(id)
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, models.CodeJobNotFound, fmt.Sprintf("job %s not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.CodeInfrastructure, err.Error())
		return
	}

	job := view.Job
	resp := statusResponse{
		JobID:       job.ID,
		Type:        job.Type,
		Status:      job.Status,
		SubmittedAt: job.SubmittedAt,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.FinishedAt,
		Result:      job.Result,
		Error:       job.Error,
	}
	if job.Status == models.StatusQueued {
		pos := view.Position
		resp.Position = &pos
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	outcome, err := s.queue.Cancel(id)
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, models.CodeJobNotFound, fmt.Sprintf("job %s not found or already finished", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, models.CodeInfrastructure, err.Error())
		return
	}

	resp := cancelResponse{JobID: id, Status: string(outcome)}
	if outcome == queue.CancelOutcomeCancelling {
		resp.Note = cancellingNote
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Snapshot())
}

// proxy relays a call to the backend verbatim. Only transport failures are
// turned into bridge errors.
func (s *Server) proxy(method, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body io.Reader
		if method != http.MethodGet {
			body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		resp, err := s.backend.Forward(r.Context(), method, path, body)
		if err != nil {
			var jobErr *models.JobError
			if errors.As(err, &jobErr) {
				writeError(w, http.StatusBadGateway, jobErr.Code, jobErr.Message)
				return
			}
			writeError(w, http.StatusBadGateway, models.CodeInfrastructure, err.Error())
			return
		}
		ct := resp.ContentType
		if ct == "" {
			ct = "application/json"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(resp.Body)
	}
}

func decodeParams(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	var params map[string]any
	if err := dec.Decode(&params); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, fmt.Errorf("request body exceeds %d bytes", maxBodyBytes)
		}
		return nil, errors.New("request body must be a JSON object")
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

// validateParams checks the fields the backend cannot work without.
func validateParams(jobType string, params map[string]any) error {
	switch jobType {
	case "generate", "inpaint":
		prompt, ok := params["prompt"].(string)
		if !ok || strings.TrimSpace(prompt) == "" {
			return errors.New("prompt is required")
		}
	}
	return nil
}

// clientKey identifies the submitter for rate limiting. RealIP has already
// applied X-Forwarded-For.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func noListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, errorCode, message string) {
	writeJSON(w, code, models.JobError{Code: errorCode, Message: message})
}

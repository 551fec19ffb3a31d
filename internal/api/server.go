package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gojson "github.com/goccy/go-json"

	"call-sync-engine/internal/engine"
	"call-sync-engine/internal/logging"
	"call-sync-engine/internal/models"
	"call-sync-engine/internal/progress"
	"call-sync-engine/internal/telemetry"
)

// Engine is the sync engine surface the HTTP API exposes.
type Engine interface {
	StartSync(ctx context.Context, req engine.SyncRequest) (string, error)
	GetJobStatus(ctx context.Context, jobID string) (models.SyncJob, error)
	ListJobs(ctx context.Context, limit, offset int) ([]models.SyncJob, error)
	ListOutcomes(ctx context.Context, jobID string, status models.OutcomeStatus, limit int) ([]models.RecordOutcome, error)
	RetryFailed(ctx context.Context, jobID string, refetch bool) (models.RetryResult, error)
	Cancel(ctx context.Context, jobID string) error
	Subscribe(ctx context.Context, jobID string) (<-chan progress.Event, func(), error)
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

var errInvalidRequest = errors.New("invalid request")

// Server wires HTTP handlers for the sync API.
type Server struct {
	engine  Engine
	health  Pinger
	ingress func(http.Handler) http.Handler
	loc     *time.Location
}

// New constructs the API server. ingress limits POST /syncs and may be nil;
// loc is used for bounds given without an offset.
func New(eng Engine, health Pinger, ingress func(http.Handler) http.Handler, loc *time.Location) *Server {
	if loc == nil {
		loc = time.UTC
	}
	return &Server{
		engine:  eng,
		health:  health,
		ingress: ingress,
		loc:     loc,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/syncs", func(r chi.Router) {
		if s.ingress != nil {
			r.With(s.ingress).Post("/", s.handleStartSync)
		} else {
			r.Post("/", s.handleStartSync)
		}
		r.Get("/", s.handleListJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Get("/outcomes", s.handleOutcomes)
			r.Post("/retry", s.handleRetry)
			r.Post("/cancel", s.handleCancel)
			r.Get("/progress", s.handleProgress)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if s.health != nil {
		if err := s.health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Mode string `json:"mode"`
}

type startResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := gojson.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: body: %v", errInvalidRequest, err))
		return
	}
	mode, err := models.ParseMode(req.Mode)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}
	rng, err := engine.ParseRange(req.From, req.To, s.loc)
	if err != nil {
		writeError(w, err)
		return
	}

	jobID, err := s.engine.StartSync(r.Context(), engine.SyncRequest{
		Range:     rng,
		Mode:      mode,
		CreatedBy: models.CreatedByAPI,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{JobID: jobID})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.engine.ListJobs(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.SyncJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	status := models.OutcomeStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.OutcomeSuccess, models.OutcomeFailed, models.OutcomeRetryPending:
	default:
		writeError(w, fmt.Errorf("%w: unknown outcome status %q", errInvalidRequest, status))
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	outcomes, err := s.engine.ListOutcomes(r.Context(), chi.URLParam(r, "id"), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if outcomes == nil {
		outcomes = []models.RecordOutcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	refetch := false
	if v := r.URL.Query().Get("refetch"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, fmt.Errorf("%w: refetch must be true or false", errInvalidRequest))
			return
		}
		refetch = b
	}
	res, err := s.engine.RetryFailed(r.Context(), chi.URLParam(r, "id"), refetch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errInvalidRequest, name)
	}
	return n, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errInvalidRequest), errors.Is(err, engine.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrOverlappingJob),
		errors.Is(err, engine.ErrJobNotRunning),
		errors.Is(err, engine.ErrJobActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logging.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = gojson.NewEncoder(w).Encode(payload)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

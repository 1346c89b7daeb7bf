package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/MaxIV-KitsControls/netspot/internal/audit"
	"github.com/MaxIV-KitsControls/netspot/internal/config"
	"github.com/MaxIV-KitsControls/netspot/internal/models"
	"github.com/MaxIV-KitsControls/netspot/internal/producer"
	"github.com/MaxIV-KitsControls/netspot/internal/store"
	"github.com/MaxIV-KitsControls/netspot/internal/telemetry"
)

const (
	defaultJobLimit   = 10
	defaultAuditLimit = 50
	maxLimit          = 1000
	// maxSubmitBytes caps a submission body, inventory arguments included.
	maxSubmitBytes = 1 << 20
)

// Limiter decides whether a user may submit another job.
type Limiter interface {
	Allow(ctx context.Context, user string) (bool, int, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg      config.Config
	store    store.Store
	producer *producer.Producer
	audit    audit.Log
	limiter  Limiter
	log      *logrus.Entry
}

// New constructs the API server. auditLog and limiter may be nil.
func New(cfg config.Config, st store.Store, p *producer.Producer, auditLog audit.Log, limiter Limiter, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		producer: p,
		audit:    auditLog,
		limiter:  limiter,
		log:      log.WithField("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)

		r.Get("/audit", s.handleListAudit)
		r.Get("/audit/{id}", s.handleGetAudit)
		r.Post("/audit/{id}/retry", s.handleRetry)
	})
	return r
}

type submitResponse struct {
	ID string `json:"id"`
}

// jobView is a job as reported over HTTP. The secret never leaves the store
// and redacted parameters are dropped.
type jobView struct {
	ID              string                    `json:"id"`
	Status          models.Status             `json:"status"`
	CreatedAt       time.Time                 `json:"created_at"`
	ModifiedAt      time.Time                 `json:"modified_at"`
	Username        string                    `json:"username"`
	ActionReference string                    `json:"playbook"`
	TargetSelector  string                    `json:"filter"`
	Parameters      models.Parameters         `json:"arguments"`
	Verbosity       int                       `json:"verbosity"`
	Inventory       *models.InventorySnapshot `json:"inventory,omitempty"`
}

type jobsResponse struct {
	Active    []jobView `json:"active"`
	Queued    []jobView `json:"queued"`
	Processed []jobView `json:"processed"`
}

func (s *Server) view(j models.Job, withInventory bool) jobView {
	v := jobView{
		ID:              j.ID,
		Status:          j.Status,
		CreatedAt:       j.CreatedAt,
		ModifiedAt:      j.ModifiedAt,
		Username:        j.Username,
		ActionReference: j.ActionReference,
		TargetSelector:  j.TargetSelector,
		Parameters:      j.Parameters.Without(s.cfg.AuditRedactKeys...),
		Verbosity:       j.Verbosity,
	}
	if withInventory && !j.InventorySnapshot.Empty() {
		snap := j.InventorySnapshot
		v.Inventory = &snap
	}
	return v
}

func (s *Server) views(jobs []models.Job) []jobView {
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, s.view(j, false))
	}
	return out
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req producer.Request
	body := http.MaxBytesReader(w, r.Body, maxSubmitBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.Username = userFromRequest(r)
	if !s.allow(w, r, req.Username) {
		return
	}

	id, err := s.producer.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, user string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, remaining, err := s.limiter.Allow(r.Context(), user)
	if err != nil {
		s.log.WithError(err).Error("rate limiter")
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !allowed {
		telemetry.SubmitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r, defaultJobLimit)
	ctx := r.Context()

	active, err := s.store.GetJobsByStatus(ctx, models.StatusActive, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	queued, err := s.store.GetJobsByStatus(ctx, models.StatusQueued, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	processed, err := s.store.GetProcessedJobs(ctx, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobsResponse{
		Active:    s.views(active),
		Queued:    s.views(queued),
		Processed: s.views(processed),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(job, true))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteJob(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.WithFields(logrus.Fields{"job_id": id, "username": userFromRequest(r)}).Info("job deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "audit log not configured", http.StatusNotImplemented)
		return
	}
	entries, err := s.audit.List(r.Context(), limitParam(r, defaultAuditLimit))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "audit log not configured", http.StatusNotImplemented)
		return
	}
	entry, err := s.audit.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	user := userFromRequest(r)
	if !s.allow(w, r, user) {
		return
	}
	id, err := s.producer.Retry(r.Context(), chi.URLParam(r, "id"), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, audit.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, producer.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, producer.ErrInventory):
		code = http.StatusBadGateway
	case errors.Is(err, producer.ErrRetryUnavailable):
		code = http.StatusNotImplemented
	case errors.Is(err, store.ErrStoreUnavailable):
		code = http.StatusServiceUnavailable
	}
	if code >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	http.Error(w, err.Error(), code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

// userFromRequest reads the user set by the authenticating proxy.
func userFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Remote-User"); v != "" {
		return v
	}
	return "anonymous"
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

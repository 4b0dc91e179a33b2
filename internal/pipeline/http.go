package pipeline

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HTTPHandler exposes the pipeline's REST endpoints: the request-scoped
// initiate/finalize operations, the read-only monitor, and the cron-secret
// guarded worker triggers.
type HTTPHandler struct {
	initiator  *Initiator
	finalizer  *Finalizer
	relay      *Relay
	reconciler *Reconciler
	monitor    *Monitor
	store      Store
	cronSecret string
	logger     *zap.Logger
	router     chi.Router
}

type HTTPParams struct {
	Initiator  *Initiator
	Finalizer  *Finalizer
	Relay      *Relay
	Reconciler *Reconciler
	Monitor    *Monitor
	Store      Store
	CronSecret string
	Logger     *zap.Logger
}

// NewHTTPHandler constructs the HTTP handler and wires routes.
func NewHTTPHandler(p HTTPParams) *HTTPHandler {
	h := &HTTPHandler{
		initiator:  p.Initiator,
		finalizer:  p.Finalizer,
		relay:      p.Relay,
		reconciler: p.Reconciler,
		monitor:    p.Monitor,
		store:      p.Store,
		cronSecret: p.CronSecret,
		logger:     p.Logger,
	}
	h.buildRouter()
	return h
}

func (h *HTTPHandler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", h.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.requireBearer)
		r.Post("/uploads", h.handleInitiate)
		r.Get("/uploads/{jobID}", h.handleGetJob)
		r.Post("/uploads/{jobID}/start", h.handleStart)
		r.Post("/uploads/{jobID}/fail", h.handleFail)
		r.Post("/uploads/{jobID}/finalize", h.handleFinalize)
		r.Get("/pipeline/stats", h.handleStats)
	})

	r.Route("/internal/v1", func(r chi.Router) {
		r.Use(h.requireCronSecret)
		r.Post("/relay/run", h.handleRelayRun)
		r.Post("/reconciler/run", h.handleReconcilerRun)
	})

	h.router = r
}

// Router exposes the configured chi router.
func (h *HTTPHandler) Router() http.Handler {
	return h.router
}

// requireBearer rejects requests without a bearer credential. Token issuance
// and validation live outside this service; the credential is opaque here.
func (h *HTTPHandler) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimSpace(auth[len("Bearer "):]) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer credential")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireCronSecret guards the worker triggers against ordinary end-user
// traffic. No secret configured means the triggers are disabled outright.
func (h *HTTPHandler) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get("X-Cron-Secret")
		if h.cronSecret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(h.cronSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type initiateBody struct {
	OriginalFilename string `json:"original_filename"`
	MimeType         string `json:"mime_type"`
	SizeBytes        int64  `json:"size_bytes"`
	Category         string `json:"category"`
}

func (h *HTTPHandler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var body initiateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.initiator.Initiate(r.Context(), InitiateRequest{
		OriginalFilename: body.OriginalFilename,
		MimeType:         body.MimeType,
		SizeBytes:        body.SizeBytes,
		Category:         body.Category,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id":      result.JobID,
		"bucket":      result.Bucket,
		"object_path": result.ObjectPath,
		"upload_url":  result.UploadURL,
	})
}

func (h *HTTPHandler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := h.store.Jobs().Get(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":            job.ID,
		"status":            job.Status,
		"original_filename": job.OriginalFilename,
		"bucket":            job.Bucket,
		"object_path":       job.ObjectPath,
		"last_error":        job.LastError,
		"created_at":        job.CreatedAt,
		"updated_at":        job.UpdatedAt,
	})
}

func (h *HTTPHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobIDParam(w, r)
	if !ok {
		return
	}
	if err := h.initiator.Start(r.Context(), jobID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) handleFail(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobIDParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := h.initiator.Fail(r.Context(), jobID, body.Reason); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type finalizeBody struct {
	Title    string         `json:"title"`
	Category string         `json:"category"`
	Metadata map[string]any `json:"metadata"`
}

func (h *HTTPHandler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobIDParam(w, r)
	if !ok {
		return
	}
	var body finalizeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.finalizer.Finalize(r.Context(), FinalizeRequest{
		JobID:    jobID,
		Title:    body.Title,
		Category: body.Category,
		Metadata: body.Metadata,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"asset_id":        result.AssetID,
		"catalog_item_id": result.CatalogItemID,
		"status":          StatusCommitted,
	})
}

func (h *HTTPHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.monitor.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *HTTPHandler) handleRelayRun(w http.ResponseWriter, r *http.Request) {
	summary, err := h.relay.Run(r.Context())
	if err != nil {
		h.logger.Error("relay run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, ErrCodeOutboxReadFailed)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *HTTPHandler) handleReconcilerRun(w http.ResponseWriter, r *http.Request) {
	summary, err := h.reconciler.Run(r.Context())
	if err != nil {
		h.logger.Error("reconciler run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reconciler run failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *HTTPHandler) jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "jobID")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *HTTPHandler) writeServiceError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "upload job not found")
	case errors.Is(err, ErrAlreadyFinalized):
		writeError(w, http.StatusConflict, "upload already finalized")
	case errors.Is(err, ErrInvalidState):
		writeError(w, http.StatusConflict, "upload job in incompatible state")
	case errors.Is(err, ErrStorageConfig):
		writeError(w, http.StatusInternalServerError, "storage not configured for category")
	case errors.Is(err, ErrTransientDependency):
		writeError(w, http.StatusServiceUnavailable, "dependency unavailable, retry")
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}

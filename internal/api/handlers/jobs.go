package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/narvanalabs/buildfarm/internal/api/errors"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/scheduler"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// JobHandler handles build job requests.
type JobHandler struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
}

// NewJobHandler creates a new job handler.
func NewJobHandler(st store.Store, sched *scheduler.Scheduler, logger *slog.Logger) *JobHandler {
	return &JobHandler{store: st, scheduler: sched, logger: logger}
}

// EnqueueRequest is the body of POST /v1/jobs.
type EnqueueRequest struct {
	Fingerprint       models.Fingerprint `json:"fingerprint"`
	Backend           models.BackendType `json:"backend,omitempty"`
	PinnedMachine     string             `json:"pinned_machine,omitempty"`
	DependsOnProjects []string           `json:"depends_on_projects,omitempty"`
}

// Enqueue handles POST /v1/jobs. An existing active job for the fingerprint
// is returned with 200 instead of 201.
func (h *JobHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job, err := h.scheduler.Enqueue(r.Context(), scheduler.EnqueueRequest{
		Fingerprint:       req.Fingerprint,
		Backend:           req.Backend,
		PinnedMachine:     req.PinnedMachine,
		DependsOnProjects: req.DependsOnProjects,
	})
	if errors.Is(err, scheduler.ErrDuplicateJob) && job != nil {
		apierrors.WriteJSON(w, http.StatusOK, job)
		return
	}
	if err != nil {
		fail(w, r, h.logger, "failed to enqueue job", err)
		return
	}
	apierrors.WriteJSON(w, http.StatusCreated, job)
}

// List handles GET /v1/jobs?status=&user=&project=&limit=. Jobs are
// returned oldest first; limit keeps the newest.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.JobFilter{
		Status:  models.JobStatus(strings.ToUpper(q.Get("status"))),
		User:    q.Get("user"),
		Project: q.Get("project"),
	}
	switch filter.Status {
	case "", models.JobStatusWaiting, models.JobStatusBuilding, models.JobStatusCancelled, models.JobStatusFinished:
	default:
		writeError(w, r, apierrors.NewValidationError("unknown status "+q.Get("status")))
		return
	}
	limit, ok := intQuery(r, "limit", 0)
	if !ok {
		writeError(w, r, apierrors.NewValidationError("limit must be a non-negative integer"))
		return
	}

	jobs, err := h.store.Jobs().List(r.Context(), filter)
	if err != nil {
		fail(w, r, h.logger, "failed to list jobs", err)
		return
	}
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[len(jobs)-limit:]
	}
	if jobs == nil {
		jobs = []*models.BuildJob{}
	}
	apierrors.WriteJSON(w, http.StatusOK, jobs)
}

// Get handles GET /v1/jobs/{jobID}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.Jobs().Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		fail(w, r, h.logger, "failed to get job", err)
		return
	}
	apierrors.WriteJSON(w, http.StatusOK, job)
}

// Cancel handles POST /v1/jobs/{jobID}/cancel. Only WAITING jobs can be
// cancelled; a BUILDING job is stopped by reclaiming its machine.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	job, err := h.scheduler.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		fail(w, r, h.logger, "failed to cancel job", err)
		return
	}
	h.logger.Info("job cancelled by request", "job_id", job.ID)
	apierrors.WriteJSON(w, http.StatusOK, job)
}

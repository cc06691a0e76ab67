package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/narvanalabs/buildfarm/internal/api/errors"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/scheduler"
)

// MachineHandler exposes the machine pool.
type MachineHandler struct {
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
}

// NewMachineHandler creates a new machine handler.
func NewMachineHandler(sched *scheduler.Scheduler, logger *slog.Logger) *MachineHandler {
	return &MachineHandler{scheduler: sched, logger: logger}
}

// List handles GET /v1/machines.
func (h *MachineHandler) List(w http.ResponseWriter, r *http.Request) {
	machines := h.scheduler.Pool().Snapshot()
	if machines == nil {
		machines = []*models.Machine{}
	}
	apierrors.WriteJSON(w, http.StatusOK, machines)
}

// Get handles GET /v1/machines/{machineID}.
func (h *MachineHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, err := h.scheduler.Pool().Get(chi.URLParam(r, "machineID"))
	if err != nil {
		fail(w, r, h.logger, "failed to get machine", err)
		return
	}
	apierrors.WriteJSON(w, http.StatusOK, m)
}

// Reclaim handles POST /v1/machines/{machineID}/reclaim. The machine's job
// is cancelled and returned.
func (h *MachineHandler) Reclaim(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "machineID")
	job, err := h.scheduler.ReclaimMachine(r.Context(), machineID)
	if err != nil {
		fail(w, r, h.logger, "failed to reclaim machine", err)
		return
	}
	h.logger.Info("machine reclaimed by request", "machine_id", machineID, "job_id", job.ID)
	apierrors.WriteJSON(w, http.StatusOK, job)
}

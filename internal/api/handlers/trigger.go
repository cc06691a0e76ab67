package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/narvanalabs/buildfarm/internal/api/errors"
	"github.com/narvanalabs/buildfarm/internal/trigger"
)

// Triggerer runs project triggers.
type Triggerer interface {
	Trigger(ctx context.Context, req trigger.Request) (*trigger.Result, error)
}

// TriggerHandler handles project trigger requests.
type TriggerHandler struct {
	trigger Triggerer
	logger  *slog.Logger
}

// NewTriggerHandler creates a new trigger handler.
func NewTriggerHandler(t Triggerer, logger *slog.Logger) *TriggerHandler {
	return &TriggerHandler{trigger: t, logger: logger}
}

// triggerBody is the optional body of a trigger request.
type triggerBody struct {
	Branch string `json:"branch"`
	Force  bool   `json:"force"`
}

// Trigger handles POST /v1/projects/{user}/{project}/trigger.
func (h *TriggerHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var body triggerBody
	if !decodeOptionalJSON(w, r, &body) {
		return
	}

	res, err := h.trigger.Trigger(r.Context(), trigger.Request{
		User:    chi.URLParam(r, "user"),
		Project: chi.URLParam(r, "project"),
		Branch:  body.Branch,
		Force:   body.Force,
	})
	if err != nil {
		fail(w, r, h.logger, "trigger failed", err)
		return
	}
	apierrors.WriteJSON(w, http.StatusAccepted, res)
}

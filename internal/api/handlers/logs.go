package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	apierrors "github.com/narvanalabs/buildfarm/internal/api/errors"
	"github.com/narvanalabs/buildfarm/internal/logs"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

const (
	streamPingInterval   = 30 * time.Second
	streamStatusInterval = 2 * time.Second
	streamWriteTimeout   = 10 * time.Second
)

// StreamEvent is one websocket message of a log stream.
type StreamEvent struct {
	Type  string           `json:"type"`
	Entry *models.LogEntry `json:"entry,omitempty"`
	Job   *models.BuildJob `json:"job,omitempty"`
}

// LogHandler serves the build output of jobs.
type LogHandler struct {
	store    store.Store
	broker   *logs.Broker
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewLogHandler creates a new log handler.
func NewLogHandler(st store.Store, broker *logs.Broker, logger *slog.Logger) *LogHandler {
	return &LogHandler{
		store:  st,
		broker: broker,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// List handles GET /v1/jobs/{jobID}/logs?limit=&tail=. tail returns the last
// n lines; limit the first n.
func (h *LogHandler) List(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := h.store.Jobs().Get(r.Context(), jobID); err != nil {
		fail(w, r, h.logger, "failed to get job", err)
		return
	}
	limit, okLimit := intQuery(r, "limit", 0)
	tail, okTail := intQuery(r, "tail", 0)
	if !okLimit || !okTail {
		writeError(w, r, apierrors.NewValidationError("limit and tail must be non-negative integers"))
		return
	}

	var (
		entries []*models.LogEntry
		err     error
	)
	if tail > 0 {
		entries, err = h.store.Logs().Tail(r.Context(), jobID, tail)
	} else {
		entries, err = h.store.Logs().List(r.Context(), jobID, limit)
	}
	if err != nil {
		fail(w, r, h.logger, "failed to list logs", err)
		return
	}
	if entries == nil {
		entries = []*models.LogEntry{}
	}
	apierrors.WriteJSON(w, http.StatusOK, entries)
}

// Stream handles GET /v1/jobs/{jobID}/logs/stream. It upgrades to a
// websocket, replays the stored output and then forwards live lines until
// the job leaves the active states or the client goes away.
func (h *LogHandler) Stream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.store.Jobs().Get(r.Context(), jobID)
	if err != nil {
		fail(w, r, h.logger, "failed to get job", err)
		return
	}

	// Subscribe before replaying so no line falls between the two.
	sub := h.broker.Subscribe(jobID)
	defer h.broker.Unsubscribe(sub)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err, "job_id", jobID)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(ev StreamEvent) bool {
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		return conn.WriteJSON(ev) == nil
	}

	backlog, err := h.store.Logs().List(ctx, jobID, 0)
	if err != nil {
		h.logger.Error("failed to load log backlog", "error", err, "job_id", jobID)
	}
	seen := make(map[string]bool, len(backlog))
	for _, e := range backlog {
		seen[e.ID] = true
		if !send(StreamEvent{Type: "log", Entry: e}) {
			return
		}
	}

	h.logger.Debug("log stream started", "job_id", jobID, "backlog", len(backlog))

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	status := time.NewTicker(streamStatusInterval)
	defer status.Stop()

	done := !job.Status.IsActive()
	for !done {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Ch:
			if !ok {
				return
			}
			if seen[e.ID] {
				continue
			}
			if !send(StreamEvent{Type: "log", Entry: e}) {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-status.C:
			current, err := h.store.Jobs().Get(ctx, jobID)
			if err != nil {
				continue
			}
			job = current
			done = !job.Status.IsActive()
		}
	}

	// Forward what was published before the status change was noticed.
	for drained := false; !drained; {
		select {
		case e, ok := <-sub.Ch:
			if !ok {
				drained = true
				break
			}
			if !seen[e.ID] && !send(StreamEvent{Type: "log", Entry: e}) {
				return
			}
		default:
			drained = true
		}
	}

	send(StreamEvent{Type: "done", Job: job})
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status)))
}

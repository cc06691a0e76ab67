// Package notify summarizes finished builds to an external channel.
package notify

import (
	"context"
	"log/slog"
	"strings"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// Notification describes the outcome of one build job.
type Notification struct {
	Job *models.BuildJob
	// Step is the pipeline step that failed, empty on success.
	Step string
	// Tail holds the last lines of the build output.
	Tail []string
}

// Succeeded reports whether the job finished successfully.
func (n *Notification) Succeeded() bool {
	return n.Job != nil && n.Job.Succeeded
}

// Notifier delivers build summaries.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// LogNotifier writes summaries to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (l *LogNotifier) Notify(ctx context.Context, n *Notification) error {
	fp := n.Job.Fingerprint
	attrs := []any{
		"job_id", n.Job.ID,
		"fingerprint", fp.String(),
		"machine_id", n.Job.MachineID,
	}
	if n.Succeeded() {
		l.logger.InfoContext(ctx, "build succeeded", attrs...)
		return nil
	}
	attrs = append(attrs, "step", n.Step, "error", n.Job.Error, "output", strings.Join(n.Tail, "\n"))
	l.logger.WarnContext(ctx, "build failed", attrs...)
	return nil
}

// Multi fans a notification out to several notifiers and returns the first
// error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n *Notification) error {
	var first error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ShouldNotify reports whether a build outcome is worth a notification:
// failures always are, successes only when the project asks for them.
func ShouldNotify(job *models.BuildJob, notifySuccess bool) bool {
	if job == nil {
		return false
	}
	return !job.Succeeded || notifySuccess
}

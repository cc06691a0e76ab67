package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/notify"
)

// detectHangs cancels every BUILDING job whose last activity is older than
// the hang timeout and reclaims its machine within the same cycle.
func (s *Scheduler) detectHangs(ctx context.Context) {
	if s.cfg.HangTimeout <= 0 {
		return
	}
	building, err := s.store.Jobs().ListByStatus(ctx, models.JobStatusBuilding)
	if err != nil {
		s.logger.Error("hang check failed", "error", err)
		return
	}

	now := s.now()
	for _, job := range building {
		if job.Hanging {
			continue
		}
		last := job.LastActivity()
		if last.IsZero() || now.Sub(last) <= s.cfg.HangTimeout {
			continue
		}

		s.logger.Warn("build produced no output within the hang timeout",
			"job_id", job.ID,
			"machine_id", job.MachineID,
			"last_activity", last,
			"hang_timeout", s.cfg.HangTimeout,
		)
		reason := fmt.Sprintf("no build output for %s", now.Sub(last).Round(time.Second))
		if s.forceCancel(ctx, job.ID, reason, true) {
			s.metrics.HangDetected()
		}
	}
}

// ReclaimMachine forcibly frees a BUILDING machine. Its job is cancelled
// the same way a hung job is.
func (s *Scheduler) ReclaimMachine(ctx context.Context, machineID string) (*models.BuildJob, error) {
	m, err := s.pool.Get(machineID)
	if err != nil {
		return nil, err
	}
	if m.Status != models.MachineStatusBuilding || m.JobID == "" {
		return nil, fmt.Errorf("%w: machine %s is %s", ErrMachineIdle, machineID, m.Status)
	}
	if !s.forceCancel(ctx, m.JobID, "machine reclaimed by request", false) {
		return nil, fmt.Errorf("%w: job %s is no longer building", ErrNotBound, m.JobID)
	}
	return s.store.Jobs().Get(ctx, m.JobID)
}

// forceCancel moves a BUILDING job to CANCELLED, cancels waiting duplicates,
// reclaims its machine and cancels the running build. The build goroutine
// stops the backend on its own. It reports whether the job was cancelled.
func (s *Scheduler) forceCancel(ctx context.Context, jobID, reason string, hanging bool) bool {
	s.jobsMu.Lock()
	job, err := s.store.Jobs().Get(ctx, jobID)
	if err != nil {
		s.jobsMu.Unlock()
		s.logger.Error("failed to load job", "job_id", jobID, "error", err)
		return false
	}
	if job.Status != models.JobStatusBuilding {
		s.jobsMu.Unlock()
		return false
	}

	now := s.now().UTC()
	job.Hanging = job.Hanging || hanging
	job.Status = models.JobStatusCancelled
	job.Succeeded = false
	job.FinishedAt = &now
	job.Error = reason
	if err := s.settleLocked(ctx, job, fmt.Sprintf("superseded by cancelled job %s", job.ID)); err != nil {
		s.jobsMu.Unlock()
		s.logger.Error("failed to cancel job", "job_id", jobID, "error", err)
		return false
	}
	s.jobsMu.Unlock()

	if err := s.pool.Reclaim(ctx, job.MachineID, job.ID); err != nil {
		s.logger.Warn("failed to reclaim machine", "machine_id", job.MachineID, "job_id", job.ID, "error", err)
	}
	s.cancelBuildContext(job.ID)

	cause := "reclaimed"
	if hanging {
		cause = "hung"
	}
	s.metrics.JobCancelled(cause)
	s.logger.Warn("building job cancelled",
		"job_id", job.ID,
		"fingerprint", job.Fingerprint.String(),
		"machine_id", job.MachineID,
		"reason", reason,
	)

	var tail []string
	if entries, err := s.store.Logs().Tail(ctx, job.ID, notifyTailLines); err == nil {
		tail = make([]string, 0, len(entries))
		for _, e := range entries {
			tail = append(tail, e.Line)
		}
	}
	s.send(&notify.Notification{Job: job, Step: cause, Tail: tail})
	return true
}

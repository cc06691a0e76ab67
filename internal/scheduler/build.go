package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/buildfarm/internal/container"
	"github.com/narvanalabs/buildfarm/internal/logs"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/notify"
	"github.com/narvanalabs/buildfarm/internal/pipeline"
	pkglogger "github.com/narvanalabs/buildfarm/pkg/logger"
)

// execute runs one admitted job to completion and releases its machine.
func (s *Scheduler) execute(ctx context.Context, job *models.BuildJob, machine *models.Machine) {
	defer s.builds.Done()
	defer func() {
		s.activeMu.Lock()
		if cancel, ok := s.active[job.ID]; ok {
			cancel()
			delete(s.active, job.ID)
		}
		s.activeMu.Unlock()
	}()

	ctx = pkglogger.ContextWithJobID(ctx, job.ID)
	ctx = pkglogger.ContextWithMachineID(ctx, machine.ID)
	log := pkglogger.FromContext(ctx, s.logger)
	started := time.Now()

	out := logs.NewJobLogger(job.ID, s.store.Logs(), s.broker, func(at time.Time) {
		if err := s.store.Jobs().TouchOutput(context.Background(), job.ID, at); err != nil {
			log.Warn("failed to record output time", "error", err)
		}
	}, s.logger)
	out.Printf("==> building %s on %s (%s)", job.Fingerprint.String(), machine.ID, machine.Type)

	var (
		rt            container.Runtime
		notifySuccess bool
		runErr        error
	)
	prep, err := s.prepare(ctx, job)
	if err != nil {
		runErr = &pipeline.StepError{Step: StepPrepare, Err: err}
	} else {
		notifySuccess = prep.NotifySuccess
		rt, err = s.runtimes(machine, out)
		if err != nil {
			runErr = &pipeline.StepError{Step: pipeline.StepCreate, Err: err}
		} else {
			req := prep.Request
			req.JobID = job.ID
			req.Fingerprint = job.Fingerprint
			req.Output = out
			var res *pipeline.Result
			res, runErr = s.pipeline.Run(ctx, rt, req)
			if runErr == nil {
				out.Printf("==> published release %d: %d artifact(s), %d pruned", res.Release, len(res.Artifacts), len(res.Pruned))
			}
		}
	}
	if runErr != nil {
		out.Printf("==> build failed: %v", runErr)
	}
	if err := out.Close(); err != nil {
		log.Warn("failed to flush build output", "error", err)
	}

	finished := s.finish(job.ID, runErr)
	s.release(job, machine, rt, log)

	if finished == nil {
		return
	}
	s.metrics.JobFinished(job.Fingerprint.Distro, finished.Succeeded, time.Since(started))
	log.Info("job finished",
		"fingerprint", job.Fingerprint.String(),
		"succeeded", finished.Succeeded,
		"step", pipeline.FailedStep(runErr),
		"duration", time.Since(started).Round(time.Second),
	)
	if notify.ShouldNotify(finished, notifySuccess) {
		s.send(&notify.Notification{Job: finished, Step: pipeline.FailedStep(runErr), Tail: out.Tail(notifyTailLines)})
	}
}

func (s *Scheduler) prepare(ctx context.Context, job *models.BuildJob) (*Preparation, error) {
	if s.preparer == nil {
		return nil, ErrNoPreparer
	}
	prep, err := s.preparer.Prepare(ctx, job)
	if err != nil {
		return nil, err
	}
	if prep == nil || prep.Request == nil {
		return nil, fmt.Errorf("no build request for %s", job.Fingerprint.String())
	}
	return prep, nil
}

// finish records the outcome of a job that is still BUILDING and cascades a
// failure to waiting duplicates. It returns nil when the job was cancelled
// while it built.
func (s *Scheduler) finish(jobID string, runErr error) *models.BuildJob {
	ctx := context.Background()
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, err := s.store.Jobs().Get(ctx, jobID)
	if err != nil {
		s.logger.Error("failed to load finished job", "job_id", jobID, "error", err)
		return nil
	}
	if job.Status != models.JobStatusBuilding {
		return nil
	}

	now := s.now().UTC()
	job.Status = models.JobStatusFinished
	job.Succeeded = runErr == nil
	job.FinishedAt = &now
	if runErr != nil {
		job.Error = runErr.Error()
	}
	supersede := ""
	if runErr != nil {
		supersede = fmt.Sprintf("superseded by failed job %s", job.ID)
	}
	if err := s.settleLocked(ctx, job, supersede); err != nil {
		s.logger.Error("failed to record job result", "job_id", jobID, "error", err)
		return nil
	}
	return job
}

// release moves the machine through STOPPING back to AVAILABLE once the
// backend is stopped. A machine already reclaimed may be running another
// job, so only this job's environment is destroyed; Stop resets
// machine-wide state such as the network policy and is skipped.
func (s *Scheduler) release(job *models.BuildJob, machine *models.Machine, rt container.Runtime, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout())
	defer cancel()

	bound := true
	if err := s.pool.BeginStop(ctx, machine.ID, job.ID); err != nil {
		if !errors.Is(err, ErrNotBound) {
			log.Warn("failed to begin machine stop", "error", err)
		}
		bound = false
	}

	if rt != nil {
		if bound {
			if err := rt.Stop(ctx); err != nil {
				log.Warn("failed to stop build environment", "error", err)
			}
		}
		if err := rt.Destroy(ctx); err != nil {
			log.Warn("failed to destroy build environment", "error", err)
		}
	}

	if bound {
		if err := s.pool.MarkAvailable(ctx, machine.ID, job.ID); err != nil {
			log.Warn("failed to mark machine available", "error", err)
		}
	}
}

func (s *Scheduler) stopTimeout() time.Duration {
	if s.cfg.StopTimeout > 0 {
		return s.cfg.StopTimeout
	}
	return 5 * time.Minute
}

func (s *Scheduler) send(n *notify.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("failed to send notification", "job_id", n.Job.ID, "error", err)
	}
}

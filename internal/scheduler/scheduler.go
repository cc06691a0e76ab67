// Package scheduler admits waiting build jobs onto the machine pool and
// drives every job through WAITING, BUILDING and FINISHED or CANCELLED.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/buildfarm/internal/container"
	"github.com/narvanalabs/buildfarm/internal/logs"
	"github.com/narvanalabs/buildfarm/internal/metrics"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/notify"
	"github.com/narvanalabs/buildfarm/internal/pipeline"
	"github.com/narvanalabs/buildfarm/internal/resolver"
	"github.com/narvanalabs/buildfarm/internal/store"
	"github.com/narvanalabs/buildfarm/pkg/config"
)

// Common errors returned by the scheduler.
var (
	ErrDuplicateJob    = errors.New("an active job already exists for this fingerprint")
	ErrJobNotWaiting   = errors.New("job is not waiting")
	ErrMachineIdle     = errors.New("machine is not building")
	ErrInvalidRequest  = errors.New("invalid enqueue request")
	ErrNoPreparer      = errors.New("no build preparer configured")
	ErrSchedulerClosed = errors.New("scheduler is stopped")
)

// StepPrepare names failures that happen before the pipeline starts.
const StepPrepare = "prepare"

// notifyTailLines is how much build output a failure notification carries.
const notifyTailLines = 50

// RuntimeFactory creates the runtime a job builds in on machine m. Command
// output of the runtime goes to out.
type RuntimeFactory func(m *models.Machine, out io.Writer) (container.Runtime, error)

// Executor runs a build pipeline.
type Executor interface {
	Run(ctx context.Context, rt container.Runtime, req *pipeline.Request) (*pipeline.Result, error)
}

// Preparation is everything a job needs beyond its fingerprint.
type Preparation struct {
	Request       *pipeline.Request
	NotifySuccess bool
}

// Preparer turns an admitted job into a pipeline request: it locates the
// package tree, loads the manifest and decrypts credentials.
type Preparer interface {
	Prepare(ctx context.Context, job *models.BuildJob) (*Preparation, error)
}

// Options carries the scheduler's collaborators.
type Options struct {
	Store    store.Store
	Pool     *Pool
	Resolver *resolver.Resolver
	Runtimes RuntimeFactory
	Pipeline Executor
	Preparer Preparer
	Notifier notify.Notifier
	Broker   *logs.Broker
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// Scheduler is the admission controller. Admission cycles are serialized;
// each admitted job builds on its own goroutine.
type Scheduler struct {
	cfg      config.SchedulerConfig
	store    store.Store
	pool     *Pool
	resolver *resolver.Resolver
	runtimes RuntimeFactory
	pipeline Executor
	preparer Preparer
	notifier notify.Notifier
	broker   *logs.Broker
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time

	// tickMu serializes admission cycles.
	tickMu sync.Mutex
	// jobsMu guards job state transitions that race with builds finishing.
	jobsMu sync.Mutex

	stampMu   sync.Mutex
	lastStamp time.Time

	activeMu    sync.Mutex
	active      map[string]context.CancelFunc
	builds      sync.WaitGroup
	buildCtx    context.Context
	cancelBuild context.CancelFunc

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
}

// New creates a Scheduler.
func New(cfg config.SchedulerConfig, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Resolver == nil {
		opts.Resolver = resolver.New(opts.Store.Edges(), opts.Logger)
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLogNotifier(opts.Logger)
	}
	if opts.Runtimes == nil {
		opts.Runtimes = func(m *models.Machine, out io.Writer) (container.Runtime, error) {
			return container.New(m, container.Options{Output: out, Logger: opts.Logger})
		}
	}
	buildCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:         cfg,
		store:       opts.Store,
		pool:        opts.Pool,
		resolver:    opts.Resolver,
		runtimes:    opts.Runtimes,
		pipeline:    opts.Pipeline,
		preparer:    opts.Preparer,
		notifier:    opts.Notifier,
		broker:      opts.Broker,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With("component", "scheduler"),
		now:         time.Now,
		active:      make(map[string]context.CancelFunc),
		buildCtx:    buildCtx,
		cancelBuild: cancel,
		stopCh:      make(chan struct{}),
	}
}

// Pool returns the machine pool.
func (s *Scheduler) Pool() *Pool {
	return s.pool
}

// EnqueueRequest describes one job to enqueue.
type EnqueueRequest struct {
	Fingerprint       models.Fingerprint
	Backend           models.BackendType
	PinnedMachine     string
	DependsOnProjects []string
}

// Enqueue creates a WAITING job. If a WAITING or BUILDING job with the same
// fingerprint exists, it is returned together with ErrDuplicateJob.
func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (*models.BuildJob, error) {
	if err := validateEnqueue(req); err != nil {
		return nil, err
	}

	existing, err := s.store.Jobs().FindActive(ctx, req.Fingerprint)
	switch {
	case err == nil:
		return existing, ErrDuplicateJob
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("looking up active job: %w", err)
	}

	job := &models.BuildJob{
		ID:                uuid.NewString(),
		Fingerprint:       req.Fingerprint,
		Status:            models.JobStatusWaiting,
		Backend:           req.Backend,
		PinnedMachine:     req.PinnedMachine,
		DependsOnProjects: req.DependsOnProjects,
		CreatedAt:         s.stamp(),
	}
	if err := s.store.Jobs().Create(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateActive) {
			existing, ferr := s.store.Jobs().FindActive(ctx, req.Fingerprint)
			if ferr != nil {
				return nil, ErrDuplicateJob
			}
			return existing, ErrDuplicateJob
		}
		return nil, fmt.Errorf("creating job: %w", err)
	}

	s.metrics.JobEnqueued()
	s.logger.Info("job enqueued",
		"job_id", job.ID,
		"fingerprint", job.Fingerprint.String(),
	)
	return job, nil
}

func validateEnqueue(req EnqueueRequest) error {
	fp := req.Fingerprint
	if fp.User == "" || fp.Project == "" || fp.Package == "" || fp.Branch == "" ||
		fp.Distro == "" || fp.Release == "" || fp.Arch == "" {
		return fmt.Errorf("%w: incomplete fingerprint %s", ErrInvalidRequest, fp.String())
	}
	if req.Backend != "" && !req.Backend.Valid() {
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidRequest, req.Backend)
	}
	return nil
}

// stamp returns a strictly increasing creation time so that jobs enqueued in
// one batch keep their order under the (created_at, id) listing.
func (s *Scheduler) stamp() time.Time {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()

	now := s.now().UTC().Truncate(time.Microsecond)
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = now
	return now
}

// ProjectRequest asks for every dirty package of a project branch to be
// built for the given targets.
type ProjectRequest struct {
	User     string
	Project  string
	Branch   string
	Targets  []models.Target
	Packages []models.PackageManifest
	// Force enqueues clean packages too.
	Force             bool
	Backend           models.BackendType
	PinnedMachine     string
	DependsOnProjects []string
}

// ProjectResult reports what EnqueueProject did.
type ProjectResult struct {
	// Order maps every target to the build order of its in-scope packages.
	Order    map[string][]string `json:"order"`
	Enqueued []*models.BuildJob  `json:"enqueued"`
	// Skipped lists fingerprints that were clean or already active.
	Skipped []models.Fingerprint `json:"skipped"`
}

// EnqueueProject resolves, per target, the build order of the packages in
// scope for that target and enqueues one job per package in that order. A
// resolver failure for any target aborts the whole batch before any job is
// created.
func (s *Scheduler) EnqueueProject(ctx context.Context, req ProjectRequest) (*ProjectResult, error) {
	scope := resolver.ProjectScope{User: req.User, Project: req.Project, Branch: req.Branch}
	plan, err := s.resolver.ResolveTargets(ctx, scope, req.Packages, req.Targets)
	if err != nil {
		return nil, err
	}

	out := &ProjectResult{Order: make(map[string][]string, len(plan.Targets))}
	for _, to := range plan.Targets {
		target := to.Target
		out.Order[target.String()] = to.Order
		for _, name := range to.Order {
			fp := models.Fingerprint{
				User:    req.User,
				Project: req.Project,
				Package: name,
				Branch:  req.Branch,
				Distro:  target.Distro,
				Release: target.Release,
				Arch:    target.Arch,
			}

			if !req.Force {
				dirty, err := s.isDirty(ctx, fp)
				if err != nil {
					return out, err
				}
				if !dirty {
					out.Skipped = append(out.Skipped, fp)
					continue
				}
			}

			job, err := s.Enqueue(ctx, EnqueueRequest{
				Fingerprint:       fp,
				Backend:           req.Backend,
				PinnedMachine:     req.PinnedMachine,
				DependsOnProjects: req.DependsOnProjects,
			})
			switch {
			case errors.Is(err, ErrDuplicateJob):
				out.Skipped = append(out.Skipped, fp)
			case err != nil:
				return out, err
			default:
				out.Enqueued = append(out.Enqueued, job)
			}
		}
	}

	s.logger.Info("project enqueued",
		"user", req.User,
		"project", req.Project,
		"branch", req.Branch,
		"enqueued", len(out.Enqueued),
		"skipped", len(out.Skipped),
	)
	return out, nil
}

// isDirty treats packages without recorded state as dirty.
func (s *Scheduler) isDirty(ctx context.Context, fp models.Fingerprint) (bool, error) {
	state, err := s.store.Packages().Get(ctx, fp)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading package state of %s: %w", fp.String(), err)
	}
	return state.Dirty, nil
}

// Cancel moves a WAITING job to CANCELLED. BUILDING jobs are never
// interrupted this way; reclaim their machine instead.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (*models.BuildJob, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, err := s.store.Jobs().Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusWaiting {
		return job, fmt.Errorf("%w: job %s is %s", ErrJobNotWaiting, jobID, job.Status)
	}
	if err := s.cancelLocked(ctx, s.store.Jobs(), job, "cancelled by request"); err != nil {
		return nil, err
	}
	s.metrics.JobCancelled("request")
	s.logger.Info("job cancelled", "job_id", jobID)
	return job, nil
}

func (s *Scheduler) cancelLocked(ctx context.Context, jobs store.JobStore, job *models.BuildJob, reason string) error {
	now := s.now().UTC()
	job.Status = models.JobStatusCancelled
	job.FinishedAt = &now
	job.Error = reason
	if err := jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("cancelling job %s: %w", job.ID, err)
	}
	return nil
}

// settleLocked stores a job that has left BUILDING. A non-empty supersede
// reason also cancels the job's WAITING duplicates; both writes commit
// together or not at all.
func (s *Scheduler) settleLocked(ctx context.Context, job *models.BuildJob, supersede string) error {
	var cancelled []string
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		cancelled = nil
		if err := tx.Jobs().Update(ctx, job); err != nil {
			return fmt.Errorf("recording job %s: %w", job.ID, err)
		}
		if supersede == "" {
			return nil
		}
		ids, err := s.cancelDuplicatesLocked(ctx, tx.Jobs(), job.Fingerprint, job.ID, supersede)
		cancelled = ids
		return err
	})
	if err != nil {
		return err
	}
	for _, id := range cancelled {
		s.metrics.JobCancelled("superseded")
		s.logger.Info("duplicate job cancelled", "job_id", id, "reason", supersede)
	}
	return nil
}

// cancelDuplicatesLocked cancels WAITING jobs sharing fp, except keepID, and
// returns the IDs it cancelled.
func (s *Scheduler) cancelDuplicatesLocked(ctx context.Context, jobs store.JobStore, fp models.Fingerprint, keepID, reason string) ([]string, error) {
	waiting, err := jobs.ListByStatus(ctx, models.JobStatusWaiting)
	if err != nil {
		return nil, fmt.Errorf("listing waiting jobs: %w", err)
	}
	var ids []string
	for _, job := range waiting {
		if job.ID == keepID || job.Fingerprint != fp {
			continue
		}
		if err := s.cancelLocked(ctx, jobs, job, reason); err != nil {
			return nil, err
		}
		ids = append(ids, job.ID)
	}
	return ids, nil
}

// Tick runs one admission cycle: hang detection first, then every WAITING
// job in (created_at, id) order is either gated, left waiting for a machine
// or admitted.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.detectHangs(ctx)

	waiting, err := s.store.Jobs().ListByStatus(ctx, models.JobStatusWaiting)
	if err != nil {
		return fmt.Errorf("listing waiting jobs: %w", err)
	}
	building, err := s.store.Jobs().ListByStatus(ctx, models.JobStatusBuilding)
	if err != nil {
		return fmt.Errorf("listing building jobs: %w", err)
	}

	edges := make(map[resolver.ProjectScope][]models.DependencyEdge)
	admitted := 0
	for _, job := range waiting {
		if err := ctx.Err(); err != nil {
			return err
		}

		reason, err := s.gate(ctx, job, building, edges)
		if err != nil {
			s.logger.Error("failed to evaluate admission", "job_id", job.ID, "error", err)
			continue
		}
		if reason != "" {
			s.logger.Debug("job gated", "job_id", job.ID, "reason", reason)
			continue
		}

		started, err := s.admit(ctx, job)
		if errors.Is(err, ErrNoMachineAvailable) {
			continue
		}
		if errors.Is(err, ErrSchedulerClosed) {
			return nil
		}
		if err != nil {
			s.logger.Error("failed to admit job", "job_id", job.ID, "error", err)
			continue
		}
		if started == nil {
			continue
		}
		building = append(building, started)
		admitted++

		if s.cfg.AdmissionDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.AdmissionDelay):
			}
		}
	}

	s.metrics.AdmissionCycle(len(waiting)-admitted, len(building))
	s.metrics.ObservePool(s.pool.Snapshot())
	return nil
}

// gate returns a non-empty reason when job must keep waiting because a
// dependency is building.
func (s *Scheduler) gate(ctx context.Context, job *models.BuildJob, building []*models.BuildJob, cache map[resolver.ProjectScope][]models.DependencyEdge) (string, error) {
	fp := job.Fingerprint
	for _, dep := range job.DependsOnProjects {
		for _, b := range building {
			if b.Fingerprint.ProjectRef() == dep {
				return fmt.Sprintf("project %s is building %s", dep, b.Fingerprint.Package), nil
			}
		}
	}

	scope := fp.Scope()
	key := resolver.ProjectScope{User: fp.User, Project: fp.Project, Branch: fp.Branch}
	for _, b := range building {
		if b.ID == job.ID || b.Fingerprint.Scope() != scope {
			continue
		}
		edges, ok := cache[key]
		if !ok {
			var err error
			edges, err = s.store.Edges().List(ctx, key.User, key.Project, key.Branch)
			if err != nil {
				return "", fmt.Errorf("listing edges: %w", err)
			}
			cache[key] = edges
		}
		if resolver.DependsOn(edges, fp.Package, b.Fingerprint.Package) {
			return fmt.Sprintf("dependency %s is building", b.Fingerprint.Package), nil
		}
	}
	return "", nil
}

// admit binds a machine to job and starts its build. It returns nil without
// error when the job left WAITING since it was listed.
func (s *Scheduler) admit(ctx context.Context, listed *models.BuildJob) (*models.BuildJob, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, err := s.store.Jobs().Get(ctx, listed.ID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusWaiting {
		return nil, nil
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil, ErrSchedulerClosed
	}

	machine, err := s.pool.Acquire(ctx, job)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job.Status = models.JobStatusBuilding
	job.MachineID = machine.ID
	job.StartedAt = &now
	job.LastOutputAt = nil
	if err := s.store.Jobs().Update(ctx, job); err != nil {
		if rerr := s.pool.Reclaim(ctx, machine.ID, job.ID); rerr != nil {
			s.logger.Error("failed to return machine", "machine_id", machine.ID, "error", rerr)
		}
		return nil, fmt.Errorf("marking job building: %w", err)
	}

	buildCtx, cancel := context.WithCancel(s.buildCtx)
	s.activeMu.Lock()
	s.active[job.ID] = cancel
	s.activeMu.Unlock()

	s.builds.Add(1)
	go s.execute(buildCtx, job.Clone(), machine)

	s.logger.Info("job admitted",
		"job_id", job.ID,
		"fingerprint", job.Fingerprint.String(),
		"machine_id", machine.ID,
	)
	return job, nil
}

// cancelBuildContext cancels the context of a running build.
func (s *Scheduler) cancelBuildContext(jobID string) {
	s.activeMu.Lock()
	cancel, ok := s.active[jobID]
	s.activeMu.Unlock()
	if ok {
		cancel()
	}
}

// Recover marks BUILDING jobs left over from a previous process as failed
// and mirrors the freshly configured pool to the store.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	building, err := s.store.Jobs().ListByStatus(ctx, models.JobStatusBuilding)
	if err != nil {
		return 0, fmt.Errorf("listing interrupted jobs: %w", err)
	}

	now := s.now().UTC()
	recovered := 0
	for _, job := range building {
		job.Status = models.JobStatusFinished
		job.Succeeded = false
		job.Error = "interrupted by restart"
		job.FinishedAt = &now
		if err := s.store.Jobs().Update(ctx, job); err != nil {
			s.logger.Error("failed to mark interrupted job", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Warn("marked interrupted jobs as failed", "count", recovered)
	}

	if err := s.pool.Sync(ctx); err != nil {
		return recovered, err
	}
	return recovered, nil
}

// Run calls Tick every TickInterval until ctx is done or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	stopCh := s.stopCh
	s.mu.Unlock()

	s.logger.Info("starting admission loop",
		"tick_interval", s.cfg.TickInterval,
		"hang_timeout", s.cfg.HangTimeout,
	)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("admission cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("admission loop stopped by context")
			return ctx.Err()
		case <-stopCh:
			s.logger.Info("admission loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Stop ends the admission loop and waits for running builds. When ctx is
// done first, running builds are cancelled and released.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		close(s.stopCh)
		s.running = false
	}
	s.stopped = true
	s.mu.Unlock()

	// No admission can start a build once stopped is set and a running
	// cycle has finished.
	s.tickMu.Lock()
	s.tickMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.builds.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("cancelling running builds")
		s.cancelBuild()
		<-done
		return ctx.Err()
	}
}

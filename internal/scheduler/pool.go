package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// Pool errors.
var (
	ErrNoMachineAvailable = errors.New("no machine available")
	ErrMachineNotFound    = errors.New("machine not found")
	// ErrNotBound is returned when a transition names a job the machine is
	// not (or no longer) bound to.
	ErrNotBound = errors.New("machine is not bound to job")
)

// Pool owns the build machines. Every state transition happens under one
// mutex; readers use the lock-free snapshot. Records are mirrored to the
// machine store for observability only, the pool itself is authoritative.
type Pool struct {
	mu       sync.Mutex
	machines map[string]*models.Machine
	snapshot atomic.Pointer[[]*models.Machine]

	store  store.MachineStore
	now    func() time.Time
	logger *slog.Logger
}

// NewPool creates a pool with every machine AVAILABLE. st may be nil.
func NewPool(machines []*models.Machine, st store.MachineStore, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		machines: make(map[string]*models.Machine, len(machines)),
		store:    st,
		now:      time.Now,
		logger:   logger.With("component", "pool"),
	}
	now := p.now().UTC()
	for _, m := range machines {
		c := m.Clone()
		c.Status = models.MachineStatusAvailable
		c.JobID = ""
		c.UpdatedAt = now
		p.machines[c.ID] = c
	}
	p.publishLocked()
	return p
}

// Sync writes every machine record to the store, replacing whatever a
// previous process left there.
func (p *Pool) Sync(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.sortedLocked() {
		if err := p.store.Upsert(ctx, m); err != nil {
			return fmt.Errorf("mirroring machine %s: %w", m.ID, err)
		}
	}
	return nil
}

// Acquire binds job to the eligible AVAILABLE machine with the lowest
// priority value, ties broken by machine ID. A machine is eligible when its
// backend type matches the job's required backend, it matches the job's
// pinning by ID or host, and it supports the job's target.
func (p *Pool) Acquire(ctx context.Context, job *models.BuildJob) (*models.Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	target := job.Fingerprint.Target()
	var best *models.Machine
	for _, m := range p.machines {
		if !eligible(m, job, target) {
			continue
		}
		if best == nil || less(m, best) {
			best = m
		}
	}
	if best == nil {
		return nil, ErrNoMachineAvailable
	}

	p.transitionLocked(ctx, best, models.MachineStatusBuilding, job.ID)
	return best.Clone(), nil
}

func eligible(m *models.Machine, job *models.BuildJob, target models.Target) bool {
	if m.Status != models.MachineStatusAvailable {
		return false
	}
	if job.Backend != "" && m.Type != job.Backend {
		return false
	}
	if job.PinnedMachine != "" && job.PinnedMachine != m.ID && job.PinnedMachine != m.Host {
		return false
	}
	return m.Supports(target)
}

func less(a, b *models.Machine) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}

// BeginStop moves a machine bound to jobID from BUILDING to STOPPING.
func (p *Pool) BeginStop(ctx context.Context, machineID, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := p.boundLocked(machineID, jobID, models.MachineStatusBuilding)
	if err != nil {
		return err
	}
	p.transitionLocked(ctx, m, models.MachineStatusStopping, jobID)
	return nil
}

// MarkAvailable moves a machine bound to jobID from STOPPING to AVAILABLE.
func (p *Pool) MarkAvailable(ctx context.Context, machineID, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := p.boundLocked(machineID, jobID, models.MachineStatusStopping)
	if err != nil {
		return err
	}
	p.transitionLocked(ctx, m, models.MachineStatusAvailable, "")
	return nil
}

// Reclaim forces a machine bound to jobID through BUILDING, STOPPING and
// AVAILABLE without waiting for its backend.
func (p *Pool) Reclaim(ctx context.Context, machineID, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := p.boundLocked(machineID, jobID, models.MachineStatusBuilding)
	if err != nil {
		return err
	}
	p.transitionLocked(ctx, m, models.MachineStatusStopping, jobID)
	p.transitionLocked(ctx, m, models.MachineStatusAvailable, "")
	return nil
}

func (p *Pool) boundLocked(machineID, jobID string, status models.MachineStatus) (*models.Machine, error) {
	m, ok := p.machines[machineID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMachineNotFound, machineID)
	}
	if m.Status != status || m.JobID != jobID {
		return nil, fmt.Errorf("%w: machine %s is %s with job %q, want %s with job %q",
			ErrNotBound, machineID, m.Status, m.JobID, status, jobID)
	}
	return m, nil
}

func (p *Pool) transitionLocked(ctx context.Context, m *models.Machine, status models.MachineStatus, jobID string) {
	from := m.Status
	m.Status = status
	m.JobID = jobID
	m.UpdatedAt = p.now().UTC()
	p.publishLocked()

	p.logger.Debug("machine transition",
		"machine_id", m.ID,
		"from", from,
		"to", status,
		"job_id", jobID,
	)
	if p.store != nil {
		if err := p.store.Upsert(ctx, m); err != nil {
			p.logger.Warn("failed to mirror machine state",
				"machine_id", m.ID,
				"status", status,
				"error", err,
			)
		}
	}
}

func (p *Pool) sortedLocked() []*models.Machine {
	out := make([]*models.Machine, 0, len(p.machines))
	for _, m := range p.machines {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return less(out[i], out[k]) })
	return out
}

func (p *Pool) publishLocked() {
	snap := p.sortedLocked()
	p.snapshot.Store(&snap)
}

// Snapshot returns copies of every machine ordered by (priority, id). The
// slice must not be modified.
func (p *Pool) Snapshot() []*models.Machine {
	if s := p.snapshot.Load(); s != nil {
		return *s
	}
	return nil
}

// Get returns a copy of one machine from the latest snapshot.
func (p *Pool) Get(id string) (*models.Machine, error) {
	for _, m := range p.Snapshot() {
		if m.ID == id {
			return m.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrMachineNotFound, id)
}

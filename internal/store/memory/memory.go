// Package memory provides an in-memory implementation of the store interfaces
// for single-node runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

type state struct {
	jobs     map[string]*models.BuildJob
	machines map[string]*models.Machine
	edges    map[string][]models.DependencyEdge
	packages map[models.Fingerprint]*models.PackageState
	logs     map[string][]*models.LogEntry
}

func newState() *state {
	return &state{
		jobs:     make(map[string]*models.BuildJob),
		machines: make(map[string]*models.Machine),
		edges:    make(map[string][]models.DependencyEdge),
		packages: make(map[models.Fingerprint]*models.PackageState),
		logs:     make(map[string][]*models.LogEntry),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.jobs {
		c.jobs[k] = v.Clone()
	}
	for k, v := range s.machines {
		c.machines[k] = v.Clone()
	}
	for k, v := range s.edges {
		c.edges[k] = append([]models.DependencyEdge(nil), v...)
	}
	for k, v := range s.packages {
		p := *v
		c.packages[k] = &p
	}
	for k, v := range s.logs {
		c.logs[k] = append([]*models.LogEntry(nil), v...)
	}
	return c
}

// Store implements store.Store in memory.
type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	data *state
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{data: newState()}
}

func (s *Store) Jobs() store.JobStore         { return &jobStore{s} }
func (s *Store) Machines() store.MachineStore { return &machineStore{s} }
func (s *Store) Edges() store.EdgeStore       { return &edgeStore{s} }
func (s *Store) Packages() store.PackageStore { return &packageStore{s} }
func (s *Store) Logs() store.LogStore         { return &logStore{s} }

// WithTx runs fn and restores the previous contents if it fails.
// Transactions are serialized against each other, not against plain calls.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func sortJobs(jobs []*models.BuildJob) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
}

type jobStore struct{ s *Store }

func (j *jobStore) Create(ctx context.Context, job *models.BuildJob) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	if job.Status.IsActive() {
		for _, existing := range j.s.data.jobs {
			if existing.Status.IsActive() && existing.Fingerprint == job.Fingerprint {
				return store.ErrDuplicateActive
			}
		}
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	j.s.data.jobs[job.ID] = job.Clone()
	return nil
}

func (j *jobStore) Get(ctx context.Context, id string) (*models.BuildJob, error) {
	j.s.mu.RLock()
	defer j.s.mu.RUnlock()

	job, ok := j.s.data.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return job.Clone(), nil
}

func (j *jobStore) Update(ctx context.Context, job *models.BuildJob) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	if _, ok := j.s.data.jobs[job.ID]; !ok {
		return store.ErrNotFound
	}
	j.s.data.jobs[job.ID] = job.Clone()
	return nil
}

func (j *jobStore) List(ctx context.Context, filter models.JobFilter) ([]*models.BuildJob, error) {
	j.s.mu.RLock()
	defer j.s.mu.RUnlock()

	var out []*models.BuildJob
	for _, job := range j.s.data.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.User != "" && job.Fingerprint.User != filter.User {
			continue
		}
		if filter.Project != "" && job.Fingerprint.Project != filter.Project {
			continue
		}
		out = append(out, job.Clone())
	}
	sortJobs(out)
	return out, nil
}

func (j *jobStore) ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.BuildJob, error) {
	return j.List(ctx, models.JobFilter{Status: status})
}

func (j *jobStore) FindActive(ctx context.Context, fp models.Fingerprint) (*models.BuildJob, error) {
	j.s.mu.RLock()
	defer j.s.mu.RUnlock()

	for _, job := range j.s.data.jobs {
		if job.Status.IsActive() && job.Fingerprint == fp {
			return job.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (j *jobStore) TouchOutput(ctx context.Context, id string, at time.Time) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	job, ok := j.s.data.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	t := at
	job.LastOutputAt = &t
	return nil
}

type machineStore struct{ s *Store }

func (m *machineStore) Upsert(ctx context.Context, machine *models.Machine) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.data.machines[machine.ID] = machine.Clone()
	return nil
}

func (m *machineStore) Get(ctx context.Context, id string) (*models.Machine, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	machine, ok := m.s.data.machines[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return machine.Clone(), nil
}

func (m *machineStore) List(ctx context.Context) ([]*models.Machine, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	out := make([]*models.Machine, 0, len(m.s.data.machines))
	for _, machine := range m.s.data.machines {
		out = append(out, machine.Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority < out[k].Priority
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

type edgeStore struct{ s *Store }

func edgeKey(user, project, branch string) string {
	return user + "\x00" + project + "\x00" + branch
}

func (e *edgeStore) Replace(ctx context.Context, user, project, branch string, edges []models.DependencyEdge) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	e.s.data.edges[edgeKey(user, project, branch)] = append([]models.DependencyEdge(nil), edges...)
	return nil
}

func (e *edgeStore) List(ctx context.Context, user, project, branch string) ([]models.DependencyEdge, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	return append([]models.DependencyEdge(nil), e.s.data.edges[edgeKey(user, project, branch)]...), nil
}

type packageStore struct{ s *Store }

func (p *packageStore) Get(ctx context.Context, fp models.Fingerprint) (*models.PackageState, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()

	st, ok := p.s.data.packages[fp]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *st
	return &c, nil
}

func (p *packageStore) SetDirty(ctx context.Context, fp models.Fingerprint, dirty bool, commit string) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	st, ok := p.s.data.packages[fp]
	if !ok {
		st = &models.PackageState{Fingerprint: fp}
		p.s.data.packages[fp] = st
	}
	st.Dirty = dirty
	if commit != "" {
		st.LastCommit = commit
	}
	st.UpdatedAt = time.Now().UTC()
	return nil
}

type logStore struct{ s *Store }

func (l *logStore) Append(ctx context.Context, entries []*models.LogEntry) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now().UTC()
		}
		c := *e
		l.s.data.logs[e.JobID] = append(l.s.data.logs[e.JobID], &c)
	}
	return nil
}

func (l *logStore) List(ctx context.Context, jobID string, limit int) ([]*models.LogEntry, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	all := l.s.data.logs[jobID]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return copyEntries(all), nil
}

func (l *logStore) Tail(ctx context.Context, jobID string, n int) ([]*models.LogEntry, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	all := l.s.data.logs[jobID]
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return copyEntries(all), nil
}

func copyEntries(entries []*models.LogEntry) []*models.LogEntry {
	out := make([]*models.LogEntry, len(entries))
	for i, e := range entries {
		c := *e
		out[i] = &c
	}
	return out
}

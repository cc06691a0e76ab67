// Package trigger turns repository updates into build jobs and admitted
// jobs into pipeline requests.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/narvanalabs/buildfarm/internal/manifest"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/pipeline"
	"github.com/narvanalabs/buildfarm/internal/scheduler"
	"github.com/narvanalabs/buildfarm/internal/secrets"
	"github.com/narvanalabs/buildfarm/internal/source"
	"github.com/narvanalabs/buildfarm/pkg/config"
)

var (
	// ErrUnknownProject is returned for projects missing from the farm file.
	ErrUnknownProject = errors.New("unknown project")
	// ErrUnknownBranch is returned for branches the project does not build.
	ErrUnknownBranch = errors.New("branch is not built for this project")
	// ErrUnknownPackage is returned when a job's package is gone from the
	// checkout.
	ErrUnknownPackage = errors.New("package not found in checkout")
)

// Fetcher keeps project checkouts up to date.
type Fetcher interface {
	Fetch(ctx context.Context, user, project, branch, gitURL string) (*source.Snapshot, error)
	Current(ctx context.Context, user, project, branch string) (string, error)
	Path(user, project, branch string) string
}

type checkoutKey struct {
	user, project, branch string
}

type checkout struct {
	set    *manifest.Set
	commit string
}

// Workspace holds the project declarations and the loaded checkouts. It
// prepares admitted jobs for the pipeline.
type Workspace struct {
	farm    *config.Farm
	fetcher Fetcher
	keyring *secrets.Keyring
	logger  *slog.Logger

	mu        sync.Mutex
	checkouts map[checkoutKey]*checkout
	locks     map[checkoutKey]*sync.Mutex
}

// NewWorkspace creates a Workspace.
func NewWorkspace(farm *config.Farm, fetcher Fetcher, keyring *secrets.Keyring, logger *slog.Logger) *Workspace {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspace{
		farm:      farm,
		fetcher:   fetcher,
		keyring:   keyring,
		logger:    logger.With("component", "workspace"),
		checkouts: make(map[checkoutKey]*checkout),
		locks:     make(map[checkoutKey]*sync.Mutex),
	}
}

// Project returns the declaration of user/name.
func (w *Workspace) Project(user, name string) (*config.Project, error) {
	p := w.farm.Project(user, name)
	if p == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownProject, user, name)
	}
	return p, nil
}

// Projects returns every declared project.
func (w *Workspace) Projects() []config.Project {
	return w.farm.Projects
}

// lock serializes git operations on one checkout and the staging of its
// package trees.
func (w *Workspace) lock(key checkoutKey) func() {
	w.mu.Lock()
	l, ok := w.locks[key]
	if !ok {
		l = &sync.Mutex{}
		w.locks[key] = l
	}
	w.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (w *Workspace) store(key checkoutKey, co *checkout) {
	w.mu.Lock()
	w.checkouts[key] = co
	w.mu.Unlock()
}

// load returns the packages of a checkout, reading it from disk when it was
// not loaded by this process yet.
func (w *Workspace) load(ctx context.Context, key checkoutKey) (*checkout, error) {
	w.mu.Lock()
	co, ok := w.checkouts[key]
	w.mu.Unlock()
	if ok {
		return co, nil
	}

	defer w.lock(key)()
	set, err := manifest.Load(w.fetcher.Path(key.user, key.project, key.branch))
	if err != nil {
		return nil, err
	}
	commit, err := w.fetcher.Current(ctx, key.user, key.project, key.branch)
	if err != nil {
		return nil, err
	}
	co = &checkout{set: set, commit: commit}
	w.store(key, co)
	return co, nil
}

// Prepare builds the pipeline request of an admitted job.
func (w *Workspace) Prepare(ctx context.Context, job *models.BuildJob) (*scheduler.Preparation, error) {
	fp := job.Fingerprint
	project, err := w.Project(fp.User, fp.Project)
	if err != nil {
		return nil, err
	}

	key := checkoutKey{fp.User, fp.Project, fp.Branch}
	co, err := w.load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading checkout: %w", err)
	}
	pkg, ok := co.set.Get(fp.Package)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, fp.Package)
	}

	signingKey, err := w.keyring.ReadFile(ctx, project.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}
	sshKey, err := w.keyring.ReadFile(ctx, project.SSHKey)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}

	return &scheduler.Preparation{
		Request: &pipeline.Request{
			Package:      pkg,
			PackageDir:   co.set.Dir(pkg.Name),
			LockSources:  func() func() { return w.lock(key) },
			Commit:       co.commit,
			Secret:       project.Secret,
			Repositories: project.Repositories,
			SigningKey:   signingKey,
			SSHKey:       sshKey,
		},
		NotifySuccess: project.NotifySuccess,
	}, nil
}

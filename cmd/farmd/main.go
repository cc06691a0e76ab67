// Package main provides the entry point of the build farm daemon.
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/narvanalabs/buildfarm/internal/api"
	"github.com/narvanalabs/buildfarm/internal/api/health"
	"github.com/narvanalabs/buildfarm/internal/cleanup"
	"github.com/narvanalabs/buildfarm/internal/container"
	"github.com/narvanalabs/buildfarm/internal/container/transport"
	"github.com/narvanalabs/buildfarm/internal/logs"
	"github.com/narvanalabs/buildfarm/internal/metrics"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/pipeline"
	"github.com/narvanalabs/buildfarm/internal/scheduler"
	"github.com/narvanalabs/buildfarm/internal/secrets"
	"github.com/narvanalabs/buildfarm/internal/shutdown"
	"github.com/narvanalabs/buildfarm/internal/source"
	"github.com/narvanalabs/buildfarm/internal/store"
	"github.com/narvanalabs/buildfarm/internal/store/memory"
	"github.com/narvanalabs/buildfarm/internal/store/postgres"
	"github.com/narvanalabs/buildfarm/internal/trigger"
	"github.com/narvanalabs/buildfarm/pkg/config"
	"github.com/narvanalabs/buildfarm/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	slog.SetDefault(log.Logger)

	if err := run(cfg, log.Logger); err != nil {
		log.Error("build farm stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx := context.Background()

	farm, err := config.LoadFarmFile(cfg.FarmFile)
	if err != nil {
		return err
	}

	st, pinger, err := openStore(cfg, log)
	if err != nil {
		return err
	}

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log),
	)
	coordinator.Register(shutdown.NewCloserComponent("store", st))

	keyring, err := secrets.NewKeyring(secrets.Config{
		IdentityFile: cfg.Secrets.AgeIdentityFile,
		PrivateKey:   cfg.Secrets.AgePrivateKey,
	}, log)
	if err != nil {
		st.Close()
		return err
	}

	signer, err := transport.LoadSigner(cfg.Container.SSHKeyPath)
	if err != nil {
		st.Close()
		return err
	}

	broker := logs.NewBroker(log)
	collector := metrics.New()
	pool := scheduler.NewPool(farm.BuildMachines(), st.Machines(), log)

	containerOpts := container.Options{
		DockerEndpoint: cfg.Container.DockerEndpoint,
		PodmanPath:     cfg.Container.PodmanPath,
		LXCPath:        cfg.Container.LXCPath,
		BaseSSHPort:    cfg.Container.BaseSSHPort,
		LXDSubnet:      cfg.Container.LXDSubnet,
		SSHUser:        cfg.Container.SSHUser,
		SSHKeyPath:     cfg.Container.SSHKeyPath,
		Signer:         signer,
		ImagePrefix:    cfg.Container.ImagePrefix,
		StaticWorkDir:  cfg.Pipeline.WorkDir,
		HostedURL:      cfg.Container.HostedURL,
		HostedToken:    cfg.Container.HostedToken,
		PollInterval:   cfg.Container.PollInterval,
		Logger:         log,
	}

	workspace := trigger.NewWorkspace(farm, source.NewFetcher(cfg.Pipeline.SourceDir, nil, log), keyring, log)

	sched := scheduler.New(cfg.Scheduler, scheduler.Options{
		Store: st,
		Pool:  pool,
		Runtimes: func(m *models.Machine, out io.Writer) (container.Runtime, error) {
			opts := containerOpts
			opts.Output = out
			return container.New(m, opts)
		},
		Pipeline: pipeline.NewRunner(cfg.Pipeline, st.Packages(), nil, log),
		Preparer: workspace,
		Broker:   broker,
		Metrics:  collector,
		Logger:   log,
	})
	triggers := trigger.NewService(workspace, st.Packages(), sched, log)

	// Recover also writes the pool's machine table to the store.
	if _, err := sched.Recover(ctx); err != nil {
		st.Close()
		return err
	}

	janitor, err := cleanup.NewService(st.Jobs(), cfg.Pipeline, log)
	if err != nil {
		st.Close()
		return err
	}
	monitor := cleanup.NewDiskMonitor(map[string]string{
		"repos":   cfg.Pipeline.RepoRoot,
		"cache":   cfg.Pipeline.CacheDir,
		"staging": cfg.Pipeline.StagingDir,
	}, nil, janitor, log)
	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	cleanupDone := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		janitor.Run(cleanupCtx, monitor)
	}()
	coordinator.Register(shutdown.NewFuncComponent("cleanup", func(ctx context.Context) error {
		stopCleanup()
		select {
		case <-cleanupDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	go func() {
		if err := sched.Run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduler stopped", "error", err)
		}
	}()
	coordinator.Register(shutdown.NewStopperComponent("scheduler", sched))

	server := api.NewServer(cfg, api.Deps{
		Store:     st,
		Scheduler: sched,
		Trigger:   triggers,
		Broker:    broker,
		Metrics:   collector,
		Pinger:    pinger,
	}, log)
	coordinator.Register(shutdown.NewFuncComponent("api", server.Shutdown))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(context.Background())
	}()

	log.Info("build farm started",
		"addr", cfg.ListenAddr(),
		"machines", len(pool.Snapshot()),
		"projects", len(farm.Projects),
	)

	go func() {
		if err := <-serverErr; err != nil {
			log.Error("API server failed", "error", err)
			coordinator.Shutdown()
		}
	}()

	coordinator.WaitForSignal()
	coordinator.Wait()

	if code := coordinator.ExitCode(); code != 0 {
		return errors.New("graceful shutdown timed out")
	}
	log.Info("build farm stopped")
	return nil
}

// openStore selects PostgreSQL when a DSN is configured and the in-memory
// store otherwise.
func openStore(cfg *config.Config, log *slog.Logger) (store.Store, health.Pinger, error) {
	if cfg.DatabaseDSN == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		return memory.New(), nil, nil
	}
	pg, err := postgres.NewPostgresStore(postgres.DefaultConfig(cfg.DatabaseDSN), log)
	if err != nil {
		return nil, nil, err
	}
	return pg, health.PingFunc(pg.DB().PingContext), nil
}

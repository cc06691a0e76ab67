// Package shutdown stops the daemon's components in order when a
// termination signal arrives.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout bounds the whole shutdown sequence.
const DefaultTimeout = 30 * time.Second

// Component is one stoppable part of the daemon.
type Component interface {
	Name() string
	// Shutdown stops the component and returns within ctx's deadline.
	Shutdown(ctx context.Context) error
}

// Coordinator stops registered components one at a time, last registered
// first, under a single deadline.
type Coordinator struct {
	timeout time.Duration
	logger  *slog.Logger
	// signalCh replaces the OS signal channel in tests.
	signalCh chan os.Signal

	mu         sync.Mutex
	components []Component

	once     sync.Once
	done     chan struct{}
	exitCode int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the shutdown deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSignalChannel makes WaitForSignal read from ch instead of the OS.
func WithSignalChannel(ch chan os.Signal) Option {
	return func(c *Coordinator) {
		c.signalCh = ch
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "shutdown")
	return c
}

// Register adds a component. Components registered later are stopped
// earlier, so a component should be registered after everything it uses.
func (c *Coordinator) Register(component Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component)
	c.logger.Debug("registered shutdown component", "name", component.Name())
}

// WaitForSignal blocks until SIGINT or SIGTERM and then shuts down.
func (c *Coordinator) WaitForSignal() {
	sigCh := c.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case sig := <-sigCh:
		c.logger.Info("received shutdown signal", "signal", sig)
		c.Shutdown()
	case <-c.done:
	}
}

// Shutdown stops every component. Only the first call has an effect; the
// exit code is 1 when the deadline passed before all components stopped.
func (c *Coordinator) Shutdown() {
	c.once.Do(func() {
		defer close(c.done)
		c.logger.Info("initiating graceful shutdown", "timeout", c.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.mu.Lock()
		components := append([]Component(nil), c.components...)
		c.mu.Unlock()

		finished := make(chan struct{})
		go func() {
			defer close(finished)
			c.stopAll(ctx, components)
		}()

		select {
		case <-finished:
			c.logger.Info("all components shut down")
		case <-ctx.Done():
			c.logger.Warn("shutdown timeout exceeded, forcing termination")
			c.exitCode = 1
		}
	})
}

func (c *Coordinator) stopAll(ctx context.Context, components []Component) {
	for i := len(components) - 1; i >= 0; i-- {
		comp := components[i]
		start := time.Now()
		if err := comp.Shutdown(ctx); err != nil {
			c.logger.Error("component shutdown error", "name", comp.Name(), "error", err)
			continue
		}
		c.logger.Info("component stopped", "name", comp.Name(), "duration", time.Since(start))
	}
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until shutdown has finished.
func (c *Coordinator) Wait() {
	<-c.done
}

// ExitCode returns 0 after a clean shutdown and 1 after a forced one. It
// is only meaningful once Done is closed.
func (c *Coordinator) ExitCode() int {
	return c.exitCode
}

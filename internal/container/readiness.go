package container

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ProbeConfig is the two-phase readiness backoff.
type ProbeConfig struct {
	FastAttempts int
	FastInterval time.Duration
	SlowInterval time.Duration
	MaxAttempts  int
}

// DefaultProbeConfig returns five attempts one second apart, then attempts
// every five seconds up to thirty in total.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		FastAttempts: 5,
		FastInterval: time.Second,
		SlowInterval: 5 * time.Second,
		MaxAttempts:  30,
	}
}

// Interval returns the wait after the given 1-based attempt.
func (c ProbeConfig) Interval(attempt int) time.Duration {
	if attempt < c.FastAttempts {
		return c.FastInterval
	}
	return c.SlowInterval
}

// Probe runs a trivial command until it succeeds. Transient transport
// failures and non-zero exits are retried; exhaustion or cancellation is a
// *LifecycleError.
func Probe(ctx context.Context, cfg ProbeConfig, machine string, exec func(ctx context.Context) error, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if lastErr = exec(ctx); lastErr == nil {
			logger.Debug("environment ready", "machine", machine, "attempts", attempt)
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		logger.Debug("environment not ready", "machine", machine, "attempt", attempt, "error", lastErr)
		timer := time.NewTimer(cfg.Interval(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return &LifecycleError{Op: "readiness", Machine: machine, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	return &LifecycleError{
		Op:      "readiness",
		Machine: machine,
		Err:     fmt.Errorf("not ready after %d attempts: %w", cfg.MaxAttempts, lastErr),
	}
}

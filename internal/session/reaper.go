package session

import (
	"context"
	"log/slog"
	"time"
)

// Reaper default intervals.
const (
	DefaultIdleTimeout   = time.Hour
	DefaultSweepInterval = 30 * time.Second
)

// Reaper closes sessions that have been inactive beyond the idle timeout.
// Each sweep operates on a snapshot of the id list, never holding the
// registry lock across the whole pass.
type Reaper struct {
	registry      *Registry
	idleTimeout   time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
}

// NewReaper creates a reaper over the registry. Zero durations select the
// package defaults.
func NewReaper(registry *Registry, idleTimeout, sweepInterval time.Duration, logger *slog.Logger) *Reaper {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Reaper{
		registry:      registry,
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		logger:        logger,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (rp *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(rp.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rp.Sweep()
		}
	}
}

// Sweep closes every session idle beyond the timeout and returns how many
// were reaped.
func (rp *Reaper) Sweep() int {
	cutoff := time.Now().Add(-rp.idleTimeout)
	reaped := 0

	for _, id := range rp.registry.ListActive() {
		lastActive, ok := rp.registry.LastActive(id)
		if !ok || lastActive.After(cutoff) {
			continue
		}
		rp.registry.Close(id)
		sessionsReapedTotal.Inc()
		reaped++
		rp.logger.Info("reaped idle session", "session_id", id, "idle", time.Since(lastActive).Round(time.Second))
	}

	return reaped
}

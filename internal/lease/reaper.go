package lease

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atlas-ctf/atlas/internal/container"
	"github.com/atlas-ctf/atlas/internal/domain"
	"github.com/atlas-ctf/atlas/internal/metrics"
)

const reaperConcurrency = 4

// Reaper periodically stops containers whose lease has expired and removes
// the records. Expired leases are never served as live without it; it only
// frees runtime resources sooner.
type Reaper struct {
	tracker  *Tracker
	interval time.Duration
}

// NewReaper creates a Reaper sweeping every interval.
func NewReaper(t *Tracker, interval time.Duration) *Reaper {
	return &Reaper{tracker: t, interval: interval}
}

// Start runs the sweep loop in a background goroutine until ctx is done.
func (r *Reaper) Start(ctx context.Context) {
	if r.interval <= 0 {
		slog.Info("Lease reaper disabled")
		return
	}
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Lease reaper started", "interval", r.interval)

		for {
			select {
			case <-ticker.C:
				if _, err := r.SweepOnce(ctx); err != nil {
					slog.Error("Lease reaper sweep failed", "error", err)
				}
			case <-ctx.Done():
				slog.Info("Lease reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// SweepOnce releases every expired lease and returns how many were removed.
func (r *Reaper) SweepOnce(ctx context.Context) (int, error) {
	t := r.tracker
	now := t.clock.Now()
	candidates, err := t.store.ListExpiredLeases(ctx, now)
	if err != nil {
		return 0, err
	}

	var reaped int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reaperConcurrency)
	for _, c := range candidates {
		// Rows without a duration are returned unfiltered.
		if !domain.IsExpired(c.CreatedAt, now, t.duration(c.LeaseDuration)) {
			continue
		}
		g.Go(func() error {
			if r.reap(gctx, c, now) {
				atomic.AddInt64(&reaped, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if reaped > 0 {
		slog.Info("Lease reaper cleanup completed", "reaped", reaped, "candidates", len(candidates))
	}
	// Refreshes the active lease gauge.
	if _, err := t.ListAll(ctx); err != nil {
		slog.Warn("Lease reaper failed to count active leases", "error", err)
	}
	return int(reaped), nil
}

func (r *Reaper) reap(ctx context.Context, s domain.LeaseSummary, now time.Time) bool {
	t := r.tracker
	log := slog.With("team_id", s.Team.ID, "challenge_id", s.Challenge.ID, "container_id", s.ContainerID)

	unlock, err := t.locks.Lock(ctx, leaseKey(s.Team.ID, s.Challenge.ID))
	if err != nil {
		return false
	}
	defer unlock()

	// A request may have replaced or released the lease before we got the lock.
	current, err := t.store.GetLeaseByContainerID(ctx, s.ContainerID)
	if err != nil {
		log.Error("Lease reaper failed to reload lease", "error", err)
		return false
	}
	if current == nil || !current.Expired(now, t.duration(s.LeaseDuration)) {
		return false
	}

	log.Info("Lease reaper stopping expired container", "created_at", current.CreatedAt)
	if err := t.runtime.StopContainer(ctx, current.ContainerID); err != nil && !errors.Is(err, container.ErrNotFound) {
		log.Error("Lease reaper failed to stop container, will retry", "error", err)
		return false
	}
	if _, err := t.store.DeleteLease(ctx, current.ContainerID); err != nil {
		log.Warn("Lease reaper failed to delete lease after retries", "error", err)
		return false
	}
	t.released(current.ContainerID)
	metrics.LeasesReleased.WithLabelValues(metrics.InitiatorReaper).Inc()
	return true
}

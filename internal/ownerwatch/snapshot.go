package ownerwatch

import (
	"context"
	"errors"
	"time"

	"github.com/SkynetNext/pbufpool/internal/circuitbreaker"
	"github.com/SkynetNext/pbufpool/internal/logger"
	"github.com/SkynetNext/pbufpool/internal/metrics"
	"github.com/SkynetNext/pbufpool/internal/pbufpool"
	"go.uber.org/zap"
)

// SnapshotStore persists per-pool ownership counts.
type SnapshotStore interface {
	SaveOwnership(ctx context.Context, pool string, owners map[int32]int, ttl time.Duration) error
}

// Snapshotter periodically writes who holds how many handles of each
// externally shared pool. Writes stop for a while after repeated failures.
type Snapshotter struct {
	registry *pbufpool.Registry
	store    SnapshotStore
	breaker  *circuitbreaker.Breaker
	ttl      time.Duration
}

// NewSnapshotter creates a snapshotter. Snapshots expire after ttl unless
// rewritten.
func NewSnapshotter(reg *pbufpool.Registry, store SnapshotStore, ttl time.Duration) *Snapshotter {
	return &Snapshotter{
		registry: reg,
		store:    store,
		breaker:  circuitbreaker.NewBreaker("ownership_snapshot", 3, 30*time.Second),
		ttl:      ttl,
	}
}

// SnapshotOnce writes the snapshot of every externally shared pool.
func (s *Snapshotter) SnapshotOnce(ctx context.Context) error {
	var errs []error
	for _, pp := range s.registry.Pools() {
		if !pp.IsExternal() {
			continue
		}
		owners := pp.Owners()
		out := make(map[int32]int, len(owners))
		for owner, n := range owners {
			out[int32(owner)] = n
		}

		err := s.breaker.Execute(func() error {
			return s.store.SaveOwnership(ctx, pp.Name(), out, s.ttl)
		})
		switch {
		case err == nil:
			metrics.OwnershipSnapshots.WithLabelValues("ok").Inc()
		case errors.Is(err, circuitbreaker.ErrOpen):
			metrics.OwnershipSnapshots.WithLabelValues("skipped").Inc()
			return errors.Join(append(errs, err)...)
		default:
			metrics.OwnershipSnapshots.WithLabelValues("error").Inc()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run snapshots every interval until ctx is done.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SnapshotOnce(ctx); err != nil && !errors.Is(err, circuitbreaker.ErrOpen) {
				logger.L.Warn("failed to write ownership snapshot", zap.Error(err))
			}
		}
	}
}

package pbufpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/pbufpool/internal/logger"
	"github.com/SkynetNext/pbufpool/internal/metrics"
	"go.uber.org/zap"
)

const defaultReapInterval = 10 * time.Second

// live is every pool that has been created and not yet destroyed, plus the
// handle tags those pools hold.
var live = struct {
	mu      sync.RWMutex
	pools   map[*Pool]struct{}
	tags    map[uint16]*Pool
	nextTag uint16
}{pools: make(map[*Pool]struct{}), tags: make(map[uint16]*Pool)}

// claimTag reserves a handle tag no other live pool holds. Tags start at 1
// and are reused only after their pool is destroyed.
func claimTag(pp *Pool) (uint16, error) {
	live.mu.Lock()
	defer live.mu.Unlock()
	for i := 0; i < MaxPoolTag; i++ {
		live.nextTag = live.nextTag%MaxPoolTag + 1
		if _, used := live.tags[live.nextTag]; !used {
			live.tags[live.nextTag] = pp
			return live.nextTag, nil
		}
	}
	return 0, fmt.Errorf("%w: all %d pool handle tags are in use", ErrConfig, MaxPoolTag)
}

func releaseTag(tag uint16) {
	live.mu.Lock()
	delete(live.tags, tag)
	live.mu.Unlock()
}

func register(pp *Pool) {
	live.mu.Lock()
	live.pools[pp] = struct{}{}
	n := len(live.pools)
	live.mu.Unlock()
	metrics.ActivePools.Set(float64(n))
}

func unregister(pp *Pool) {
	live.mu.Lock()
	delete(live.pools, pp)
	n := len(live.pools)
	live.mu.Unlock()
	metrics.ActivePools.Set(float64(n))
}

// ReapCaches asks every live pool to release idle magazine objects back to
// its regions. It returns the number of objects released.
func ReapCaches(purge bool) int {
	start := time.Now()
	live.mu.RLock()
	pools := make([]*Pool, 0, len(live.pools))
	for pp := range live.pools {
		pools = append(pools, pp)
	}
	live.mu.RUnlock()

	total := 0
	for _, pp := range pools {
		total += pp.Reap(purge)
	}
	metrics.ReapDuration.Observe(time.Since(start).Seconds())
	return total
}

// Registry tracks the pools a process serves by name.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool

	reapInterval atomic.Int64
	reapPurge    atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

// Add registers pp under its name.
func (r *Registry) Add(pp *Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[pp.name]; ok {
		return fmt.Errorf("%w: pool %s already registered", ErrConfig, pp.name)
	}
	r.pools[pp.name] = pp
	return nil
}

// Get returns the pool registered under name.
func (r *Registry) Get(name string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pp, ok := r.pools[name]
	return pp, ok
}

// Remove drops name from the registry without touching the pool.
func (r *Registry) Remove(name string) (*Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pp, ok := r.pools[name]
	delete(r.pools, name)
	return pp, ok
}

// Pools returns a snapshot of the registered pools.
func (r *Registry) Pools() []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pool, 0, len(r.pools))
	for _, pp := range r.pools {
		out = append(out, pp)
	}
	return out
}

// Purge reclaims owner's objects from every externally shared pool.
func (r *Registry) Purge(owner OwnerID) int {
	total := 0
	for _, pp := range r.Pools() {
		if pp.IsExternal() {
			total += pp.Purge(owner)
		}
	}
	return total
}

// Reap drains idle magazines of every registered pool.
func (r *Registry) Reap(purge bool) int {
	start := time.Now()
	total := 0
	for _, pp := range r.Pools() {
		total += pp.Reap(purge)
	}
	metrics.ReapDuration.Observe(time.Since(start).Seconds())
	return total
}

// SetReapInterval changes the period of a running reaper from its next tick.
func (r *Registry) SetReapInterval(d time.Duration, purge bool) {
	if d > 0 {
		r.reapInterval.Store(int64(d))
	}
	r.reapPurge.Store(purge)
}

// StartReaper reaps periodically until ctx is done.
func (r *Registry) StartReaper(ctx context.Context, interval time.Duration, purge bool) {
	r.SetReapInterval(interval, purge)
	r.reapInterval.CompareAndSwap(0, int64(defaultReapInterval))
	timer := time.NewTimer(time.Duration(r.reapInterval.Load()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if n := r.Reap(r.reapPurge.Load()); n > 0 {
				logger.L.Debug("reaped cache magazines", zap.Int("objects", n))
			}
			timer.Reset(time.Duration(r.reapInterval.Load()))
		}
	}
}

// CloseAll closes every pool, drops the registry's reference and destroys
// pools whose last reference that was.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*Pool)
	r.mu.Unlock()

	var errs []error
	for name, pp := range pools {
		pp.Close()
		if !pp.Release() {
			continue
		}
		if err := pp.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy pool %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

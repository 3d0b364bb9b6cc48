package skmem

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

const (
	defaultMagazineSize = 16
	maxMagazineSize     = 128
)

// ObjectHooks run when an object leaves the region depot for the cache
// (Construct) and when it goes back (Destruct).
type ObjectHooks interface {
	Construct(idx uint32, obj []byte) error
	Destruct(idx uint32, obj []byte)
}

// Object identifies an allocated slot and the generation it was handed out at.
type Object struct {
	Index uint32
	Gen   uint32
}

// CacheStats is a point-in-time view of a cache.
type CacheStats struct {
	Allocs       uint64
	Frees        uint64
	DepotMisses  uint64
	Exhausted    uint64
	Busy         int
	Cached       int
	Available    int
	MagazineSize int
	Magazines    int
}

type magazine struct {
	mu   sync.Mutex
	objs []uint32
}

// Cache is the per-CPU front end of a Region.
//
// Go does not expose the current CPU, so a magazine is picked round-robin per
// call. Magazines are still independent locks, which is what keeps hot-path
// contention low.
type Cache struct {
	name    string
	region  *Region
	hooks   ObjectHooks
	dynamic bool

	mags    []*magazine
	next    atomic.Uint32
	magSize atomic.Int32
	maxMag  int32

	allocs      atomic.Uint64
	frees       atomic.Uint64
	depotMisses atomic.Uint64
	exhausted   atomic.Uint64

	closed atomic.Bool
}

// NewCache binds a cache to r. Magazines are used when the region was created
// with RegionParams.Magazines; dynamic caches resize their magazines.
func NewCache(name string, r *Region, hooks ObjectHooks, dynamic bool) (*Cache, error) {
	if r == nil {
		return nil, fmt.Errorf("cache %s: %w: nil region", name, ErrInvalidParams)
	}
	c := &Cache{
		name:    name,
		region:  r,
		hooks:   hooks,
		dynamic: dynamic,
	}
	if r.params.Magazines {
		n := runtime.GOMAXPROCS(0)
		// Keep at least half the region out of magazines so a single
		// magazine cannot hoard the whole capacity.
		limit := int32(int(r.params.ObjectCount) / (2 * n))
		if limit < 1 {
			limit = 1
		}
		c.maxMag = min32(maxMagazineSize, limit)
		c.magSize.Store(min32(defaultMagazineSize, c.maxMag))
		c.mags = make([]*magazine, n)
		for i := range c.mags {
			c.mags[i] = &magazine{objs: make([]uint32, 0, c.maxMag)}
		}
	}
	return c, nil
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// Region returns the region the cache is bound to.
func (c *Cache) Region() *Region { return c.region }

func (c *Cache) pick() *magazine {
	return c.mags[c.next.Add(1)%uint32(len(c.mags))]
}

// Alloc hands out one object. It never blocks: an empty cache and depot
// yields ErrExhausted immediately.
func (c *Cache) Alloc() (Object, error) {
	if c.closed.Load() {
		return Object{}, ErrCacheClosed
	}
	idx, ok := c.get()
	if !ok {
		c.exhausted.Add(1)
		return Object{}, ErrExhausted
	}
	c.allocs.Add(1)
	return Object{Index: idx, Gen: c.region.markBusy(idx)}, nil
}

func (c *Cache) get() (uint32, bool) {
	if len(c.mags) == 0 {
		idxs := c.construct(c.region.take(1))
		if len(idxs) == 0 {
			return 0, false
		}
		return idxs[0], true
	}

	m := c.pick()
	m.mu.Lock()
	if n := len(m.objs); n > 0 {
		idx := m.objs[n-1]
		m.objs = m.objs[:n-1]
		m.mu.Unlock()
		return idx, true
	}
	m.mu.Unlock()

	c.depotMisses.Add(1)
	idxs := c.construct(c.region.take(int(c.magSize.Load())))
	if len(idxs) > 0 {
		if c.dynamic {
			c.grow()
		}
		if len(idxs) > 1 {
			m.mu.Lock()
			m.objs = append(m.objs, idxs[1:]...)
			m.mu.Unlock()
		}
		return idxs[0], true
	}
	return c.steal()
}

// steal takes one object from any magazine; the depot is already empty.
func (c *Cache) steal() (uint32, bool) {
	for _, m := range c.mags {
		m.mu.Lock()
		if n := len(m.objs); n > 0 {
			idx := m.objs[n-1]
			m.objs = m.objs[:n-1]
			m.mu.Unlock()
			return idx, true
		}
		m.mu.Unlock()
	}
	return 0, false
}

// construct runs the object constructor over freshly taken objects. Objects
// whose constructor fails go straight back to the depot.
func (c *Cache) construct(idxs []uint32) []uint32 {
	if c.hooks == nil || len(idxs) == 0 {
		return idxs
	}
	ok := idxs[:0]
	var failed []uint32
	for _, idx := range idxs {
		if err := c.hooks.Construct(idx, c.region.Object(idx)); err != nil {
			failed = append(failed, idx)
			continue
		}
		ok = append(ok, idx)
	}
	if len(failed) > 0 {
		c.region.give(failed)
	}
	return ok
}

// AllocBatch hands out up to n objects with one magazine lock and at most
// one depot trip. It returns ErrExhausted only when nothing was available.
func (c *Cache) AllocBatch(n int) ([]Object, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}
	if n <= 0 {
		return nil, nil
	}
	idxs := make([]uint32, 0, n)
	if len(c.mags) > 0 {
		m := c.pick()
		m.mu.Lock()
		k := len(m.objs)
		if k > n {
			k = n
		}
		idxs = append(idxs, m.objs[len(m.objs)-k:]...)
		m.objs = m.objs[:len(m.objs)-k]
		m.mu.Unlock()
	}
	if len(idxs) < n {
		c.depotMisses.Add(1)
		idxs = append(idxs, c.construct(c.region.take(n-len(idxs)))...)
	}
	for len(idxs) < n && len(c.mags) > 0 {
		idx, ok := c.steal()
		if !ok {
			break
		}
		idxs = append(idxs, idx)
	}
	if len(idxs) == 0 {
		c.exhausted.Add(1)
		return nil, ErrExhausted
	}

	out := make([]Object, len(idxs))
	for i, idx := range idxs {
		out[i] = Object{Index: idx, Gen: c.region.markBusy(idx)}
	}
	c.allocs.Add(uint64(len(out)))
	return out, nil
}

// Free takes an object back from its caller. Freeing an object that is not
// currently handed out returns ErrDoubleFree and changes nothing.
func (c *Cache) Free(idx uint32) error {
	if err := c.region.markIdle(idx); err != nil {
		return err
	}
	c.frees.Add(1)
	c.put([]uint32{idx})
	return nil
}

// FreeBatch frees every index it can and reports all failures.
func (c *Cache) FreeBatch(idxs []uint32) error {
	var errs []error
	ok := make([]uint32, 0, len(idxs))
	for _, idx := range idxs {
		if err := c.region.markIdle(idx); err != nil {
			errs = append(errs, err)
			continue
		}
		ok = append(ok, idx)
	}
	c.frees.Add(uint64(len(ok)))
	c.put(ok)
	return errors.Join(errs...)
}

func (c *Cache) put(idxs []uint32) {
	if len(idxs) == 0 {
		return
	}
	if len(c.mags) == 0 || c.closed.Load() {
		c.release(idxs)
		return
	}
	m := c.pick()
	m.mu.Lock()
	room := int(c.magSize.Load()) - len(m.objs)
	if room < 0 {
		room = 0
	}
	if room > len(idxs) {
		room = len(idxs)
	}
	m.objs = append(m.objs, idxs[:room]...)
	m.mu.Unlock()
	if room < len(idxs) {
		c.release(idxs[room:])
	}
}

func (c *Cache) release(idxs []uint32) {
	if c.hooks != nil {
		for _, idx := range idxs {
			c.hooks.Destruct(idx, c.region.Object(idx))
		}
	}
	c.region.give(idxs)
}

func (c *Cache) grow() {
	for {
		cur := c.magSize.Load()
		if cur >= c.maxMag {
			return
		}
		next := min32(cur*2, c.maxMag)
		if c.magSize.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (c *Cache) shrink() {
	for {
		cur := c.magSize.Load()
		next := cur / 2
		if next < 1 {
			next = 1
		}
		if next == cur || c.magSize.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Reap returns idle magazine objects to the region. Without purge only half
// of each magazine is released; with purge everything is, and dynamic caches
// also halve their magazine size. It returns the number of objects released.
func (c *Cache) Reap(purge bool) int {
	released := 0
	for _, m := range c.mags {
		m.mu.Lock()
		keep := 0
		if !purge {
			keep = len(m.objs) / 2
		}
		drop := append([]uint32(nil), m.objs[keep:]...)
		m.objs = m.objs[:keep]
		m.mu.Unlock()
		if len(drop) > 0 {
			c.release(drop)
			released += len(drop)
		}
	}
	if purge && c.dynamic {
		c.shrink()
	}
	return released
}

// Destroy drains the magazines and closes the cache. Every object must have
// been freed.
func (c *Cache) Destroy() error {
	if busy := c.region.Busy(); busy > 0 {
		return fmt.Errorf("cache %s: %d objects outstanding: %w", c.name, busy, ErrRegionBusy)
	}
	c.closed.Store(true)
	c.Reap(true)
	return nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	cached := 0
	for _, m := range c.mags {
		m.mu.Lock()
		cached += len(m.objs)
		m.mu.Unlock()
	}
	return CacheStats{
		Allocs:       c.allocs.Load(),
		Frees:        c.frees.Load(),
		DepotMisses:  c.depotMisses.Load(),
		Exhausted:    c.exhausted.Load(),
		Busy:         c.region.Busy(),
		Cached:       cached,
		Available:    c.region.Available(),
		MagazineSize: int(c.magSize.Load()),
		Magazines:    len(c.mags),
	}
}

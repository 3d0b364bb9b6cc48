package pbufpool

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/SkynetNext/pbufpool/internal/logger"
	"github.com/SkynetNext/pbufpool/internal/metrics"
	"github.com/SkynetNext/pbufpool/internal/skmem"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Context is the opaque owner context attached to a pool. It is retained
// when the pool is created and released when it is destroyed.
type Context interface {
	Retain()
	Release()
}

// RegionFactory creates the regions backing a pool.
type RegionFactory func(name string, params skmem.RegionParams, hooks skmem.SegmentHooks) (*skmem.Region, error)

// CacheFactory creates the caches in front of a pool's regions.
type CacheFactory func(name string, r *skmem.Region, hooks skmem.ObjectHooks, dynamic bool) (*skmem.Cache, error)

// Option customizes Create.
type Option func(*options)

type options struct {
	newRegion RegionFactory
	newCache  CacheFactory
}

// WithRegionFactory replaces skmem.NewRegion.
func WithRegionFactory(f RegionFactory) Option {
	return func(o *options) { o.newRegion = f }
}

// WithCacheFactory replaces skmem.NewCache.
func WithCacheFactory(f CacheFactory) Option {
	return func(o *options) { o.newCache = f }
}

type poolMetrics struct {
	inUse  [KindLargeBuffer + 1]prometheus.Gauge
	allocs [KindLargeBuffer + 1]prometheus.Counter
	tables [2]prometheus.Gauge
	refcnt prometheus.Gauge
}

const (
	tablePacket = 0
	tableBuflet = 1
)

var tableNames = [2]string{"packet", "buflet"}

// Pool is a packet buffer pool: fixed-capacity packets, buflets and buffers
// drawn from pre-reserved regions.
//
// The pool mutex guards the closed bit, the reference count and the
// validation tables. The caches are not behind it.
type Pool struct {
	name string
	// tag is carried by every handle the pool issues
	tag  uint16

	mu        sync.Mutex
	flags     atomic.Uint32
	refcnt    uint32
	destroyed bool

	maxFrags    uint16
	metaType    MetaType
	metaSubtype MetaSubtype
	midxStart   uint32
	bidxStart   uint32
	bufSize     [2]uint32

	mdRegion  *skmem.Region
	bftRegion *skmem.Region
	bufRegion [2]*skmem.Region
	mdCache   *skmem.Cache
	bftCache  *skmem.Cache
	bufCache  [2]*skmem.Cache

	packets []Packet
	buflets []Buflet
	// bufLinked marks buffers owned by a buflet rather than a raw caller.
	bufLinked [2][]atomic.Bool

	tables [2]*Table

	ctx      Context
	segHooks skmem.SegmentHooks

	m poolMetrics
}

// Create builds a pool from params. Every region gets a cache; an external
// pool also gets its packet and buflet validation tables. If any part fails,
// everything built so far is torn down and no pool is returned. The pool
// starts with one reference.
func Create(name string, params *Params, segHooks skmem.SegmentHooks, ctx Context, cflags CreateFlags, opts ...Option) (*Pool, error) {
	o := options{newRegion: skmem.NewRegion, newCache: skmem.NewCache}
	for _, opt := range opts {
		opt(&o)
	}

	p, flags, err := normalize(params, cflags)
	if err != nil {
		return nil, fmt.Errorf("create pool %s: %w", name, err)
	}

	pp := &Pool{
		name:        name,
		refcnt:      1,
		maxFrags:    p.MaxFrags,
		metaType:    p.MetaType,
		metaSubtype: p.MetaSubtype,
		midxStart:   p.MetaIndexStart,
		bidxStart:   p.BufIndexStart,
		bufSize:     [2]uint32{p.BufSize, p.LargeBufSize},
		ctx:         ctx,
		segHooks:    segHooks,
	}
	pp.flags.Store(uint32(flags))
	if pp.tag, err = claimTag(pp); err != nil {
		return nil, fmt.Errorf("create pool %s: %w", name, err)
	}

	undo := []func(){func() { releaseTag(pp.tag) }}
	rollback := func(err error) (*Pool, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		logger.L.Warn("pool creation failed",
			zap.String("pool", name),
			zap.Error(err),
		)
		return nil, fmt.Errorf("create pool %s: %w", name, err)
	}
	newRegion := func(suffix string, rp skmem.RegionParams, hooks skmem.SegmentHooks) (*skmem.Region, error) {
		r, err := o.newRegion(name+"."+suffix, rp, hooks)
		if err != nil {
			return nil, err
		}
		undo = append(undo, func() { _ = r.Close() })
		return r, nil
	}
	newCache := func(suffix string, r *skmem.Region, hooks skmem.ObjectHooks) (*skmem.Cache, error) {
		c, err := o.newCache(name+"."+suffix, r, hooks, flags.Has(FlagDynamic))
		if err != nil {
			return nil, err
		}
		undo = append(undo, func() { _ = c.Destroy() })
		return c, nil
	}

	if pp.mdRegion, err = newRegion("kmd", p.Meta, nil); err != nil {
		return rollback(err)
	}
	pp.packets = make([]Packet, p.Meta.ObjectCount)
	frags := make([]*Buflet, int(p.Meta.ObjectCount)*int(p.MaxFrags))
	for i := range pp.packets {
		lo := i * int(p.MaxFrags)
		pp.packets[i].pool = pp
		pp.packets[i].buflets = frags[lo:lo:lo+int(p.MaxFrags)]
	}
	if pp.mdCache, err = newCache("kmd", pp.mdRegion, metaHooks{pp}); err != nil {
		return rollback(err)
	}

	if pp.bftRegion, err = newRegion("kbft", p.Buflet, nil); err != nil {
		return rollback(err)
	}
	pp.buflets = make([]Buflet, p.Buflet.ObjectCount)
	for i := range pp.buflets {
		pp.buflets[i].pool = pp
		pp.buflets[i].class = bufNone
	}
	if pp.bftCache, err = newCache("kbft", pp.bftRegion, bufletHooks{pp}); err != nil {
		return rollback(err)
	}

	if pp.bufRegion[bufDefault], err = newRegion("buf", p.Buf, segHooks); err != nil {
		return rollback(err)
	}
	if pp.bufCache[bufDefault], err = newCache("buf", pp.bufRegion[bufDefault], nil); err != nil {
		return rollback(err)
	}
	pp.bufLinked[bufDefault] = make([]atomic.Bool, p.Buf.ObjectCount)
	if flags.Has(FlagLargeBuf) {
		if pp.bufRegion[bufLarge], err = newRegion("buf_large", p.LargeBuf, segHooks); err != nil {
			return rollback(err)
		}
		if pp.bufCache[bufLarge], err = newCache("buf_large", pp.bufRegion[bufLarge], nil); err != nil {
			return rollback(err)
		}
		pp.bufLinked[bufLarge] = make([]atomic.Bool, p.LargeBuf.ObjectCount)
	}

	if flags.Has(FlagExternal) {
		pp.tables[tablePacket] = NewTable(BucketsFor(p.Meta.ObjectCount))
		pp.tables[tableBuflet] = NewTable(BucketsFor(p.Buflet.ObjectCount))
	}

	if ctx != nil {
		ctx.Retain()
	}
	pp.initMetrics()
	register(pp)

	logger.L.Info("pool created",
		zap.String("pool", name),
		zap.Stringer("flags", flags),
		zap.Uint32("packets", p.Meta.ObjectCount),
		zap.Uint16("max_frags", p.MaxFrags),
		zap.Uint32("buf_size", p.BufSize),
		zap.Uint32("large_buf_size", p.LargeBufSize),
	)
	return pp, nil
}

// normalize validates params against the create flags and derives the pool flags.
func normalize(params *Params, cflags CreateFlags) (Params, Flags, error) {
	if params == nil {
		return Params{}, 0, fmt.Errorf("%w: nil params", ErrConfig)
	}
	p := *params
	var flags Flags

	if p.MaxFrags == 0 {
		p.MaxFrags = 1
	}
	if p.MetaType == 0 {
		p.MetaType = MetaTypePacket
	}
	if p.MetaType == MetaTypeQuantum && p.MaxFrags != 1 {
		return p, 0, fmt.Errorf("%w: quantum pools carry one fragment", ErrConfig)
	}
	if p.BufSize == 0 {
		p.BufSize = p.Buf.ObjectSize
	}

	if cflags&CreateExternal != 0 {
		if cflags&CreateKernelOnly != 0 {
			return p, 0, fmt.Errorf("%w: a kernel-only pool cannot be shared externally", ErrConfig)
		}
		flags |= FlagExternal
	}
	if cflags&CreateKernelOnly != 0 {
		flags |= FlagKernelOnly
		for _, rp := range []*skmem.RegionParams{&p.Meta, &p.Buflet, &p.Buf, &p.LargeBuf} {
			rp.Config |= skmem.RegionKernelOnly
		}
	}
	if cflags&CreateOnDemandBuf != 0 {
		flags |= FlagBufferOnDemand
	}
	if cflags&CreateDynamic != 0 {
		flags |= FlagDynamic
	}
	if cflags&CreateRawBuflet != 0 {
		flags |= FlagRawBuflet
		p.Buflet.Config |= skmem.RegionRawBuflet
	}
	if cflags&CreateTruncatedBuf != 0 {
		flags |= FlagTruncatedBuf
	}
	if p.Meta.Magazines {
		flags |= FlagBatch
	}
	if p.Buf.Config.Has(skmem.RegionBufMonolithic) {
		flags |= FlagMonolithic
	}

	if p.Buf.ObjectSize < p.BufSize && cflags&CreateTruncatedBuf == 0 {
		return p, 0, fmt.Errorf("%w: buffer object size %d is smaller than buffer size %d",
			ErrConfig, p.Buf.ObjectSize, p.BufSize)
	}
	if p.LargeBuf.ObjectCount != 0 {
		if p.LargeBufSize == 0 {
			p.LargeBufSize = p.LargeBuf.ObjectSize
		}
		if p.LargeBufSize <= p.BufSize {
			return p, 0, fmt.Errorf("%w: large buffer size %d must exceed buffer size %d",
				ErrConfig, p.LargeBufSize, p.BufSize)
		}
		if p.LargeBuf.ObjectSize < p.LargeBufSize && cflags&CreateTruncatedBuf == 0 {
			return p, 0, fmt.Errorf("%w: large buffer object size %d is smaller than %d",
				ErrConfig, p.LargeBuf.ObjectSize, p.LargeBufSize)
		}
		flags |= FlagLargeBuf
	} else {
		p.LargeBufSize = 0
	}

	if uint64(p.Meta.ObjectCount)*uint64(p.MaxFrags) > math.MaxUint32 {
		return p, 0, fmt.Errorf("%w: %d packets of %d fragments exceed %d buflets",
			ErrConfig, p.Meta.ObjectCount, p.MaxFrags, uint32(math.MaxUint32))
	}
	// buflets share the metadata index space
	if uint64(p.Meta.ObjectCount)+uint64(p.MetaIndexStart) > 1<<32-1 ||
		uint64(p.Buflet.ObjectCount)+uint64(p.MetaIndexStart) > 1<<32-1 ||
		uint64(p.Buf.ObjectCount)+uint64(p.BufIndexStart) > 1<<32-1 ||
		uint64(p.LargeBuf.ObjectCount)+uint64(p.BufIndexStart) > 1<<32-1 {
		return p, 0, fmt.Errorf("%w: index space overflows 32 bits", ErrConfig)
	}
	return p, flags, nil
}

func (pp *Pool) initMetrics() {
	for _, k := range []Kind{KindPacket, KindBuflet, KindBuffer, KindLargeBuffer} {
		pp.m.inUse[k] = metrics.ObjectsInUse.WithLabelValues(pp.name, k.String())
		pp.m.allocs[k] = metrics.Allocations.WithLabelValues(pp.name, k.String())
	}
	for i, t := range tableNames {
		pp.m.tables[i] = metrics.ValidationEntries.WithLabelValues(pp.name, t)
	}
	pp.m.refcnt = metrics.PoolRefCount.WithLabelValues(pp.name)
	pp.m.refcnt.Set(1)
}

// Name returns the pool name.
func (pp *Pool) Name() string { return pp.name }

// Flags returns the pool capability flags.
func (pp *Pool) Flags() Flags { return Flags(pp.flags.Load()) }

// IsExternal reports whether the pool is shared with an untrusted owner.
func (pp *Pool) IsExternal() bool { return pp.Flags().Has(FlagExternal) }

// IsKernelOnly reports whether the pool has no user-visible mapping.
func (pp *Pool) IsKernelOnly() bool { return pp.Flags().Has(FlagKernelOnly) }

// HasTruncatedBuf reports whether buffers may be shorter than advertised.
func (pp *Pool) HasTruncatedBuf() bool { return pp.Flags().Has(FlagTruncatedBuf) }

// HasBufferOnDemand reports whether buffers are attached explicitly.
func (pp *Pool) HasBufferOnDemand() bool { return pp.Flags().Has(FlagBufferOnDemand) }

// IsBatchCapable reports whether the metadata cache has magazines.
func (pp *Pool) IsBatchCapable() bool { return pp.Flags().Has(FlagBatch) }

// IsDynamic reports whether magazines resize under pressure.
func (pp *Pool) IsDynamic() bool { return pp.Flags().Has(FlagDynamic) }

// HasLargeBuf reports whether the large buffer class exists.
func (pp *Pool) HasLargeBuf() bool { return pp.Flags().Has(FlagLargeBuf) }

// IsClosed reports whether the pool was closed.
func (pp *Pool) IsClosed() bool { return pp.Flags().Has(FlagClosed) }

// MaxFrags returns the fragment limit per packet.
func (pp *Pool) MaxFrags() uint16 { return pp.maxFrags }

// MetaType returns the metadata type tag.
func (pp *Pool) MetaType() MetaType { return pp.metaType }

// MetaSubtype returns the metadata subtype tag.
func (pp *Pool) MetaSubtype() MetaSubtype { return pp.metaSubtype }

// BufSize returns the advertised size of the default buffer class.
func (pp *Pool) BufSize() uint32 { return pp.bufSize[bufDefault] }

// LargeBufSize returns the advertised size of the large class, 0 without one.
func (pp *Pool) LargeBufSize() uint32 { return pp.bufSize[bufLarge] }

// Context returns the context the pool was created with.
func (pp *Pool) Context() Context { return pp.ctx }

// Lock acquires the pool mutex and returns the guard through which the
// locked operations are reached. The guard is dead after Unlock.
func (pp *Pool) Lock() *LockedPool {
	pp.mu.Lock()
	return &LockedPool{pp: pp}
}

// WithLock runs fn with the pool mutex held.
func (pp *Pool) WithLock(fn func(l *LockedPool)) {
	l := pp.Lock()
	defer l.Unlock()
	fn(l)
}

// LockedPool is proof that the pool mutex is held. Operations that require
// the lock are only reachable through it.
type LockedPool struct {
	pp *Pool
}

func (l *LockedPool) pool() *Pool {
	if l.pp == nil {
		panic("pbufpool: locked pool guard used after Unlock")
	}
	return l.pp
}

// Unlock releases the pool mutex and invalidates the guard.
func (l *LockedPool) Unlock() {
	pp := l.pool()
	l.pp = nil
	pp.mu.Unlock()
}

// Pool returns the guarded pool.
func (l *LockedPool) Pool() *Pool { return l.pool() }

// Retain takes a reference.
func (pp *Pool) Retain() {
	l := pp.Lock()
	defer l.Unlock()
	l.Retain()
}

// Retain takes a reference under the held lock.
func (l *LockedPool) Retain() {
	pp := l.pool()
	pp.refcnt++
	pp.m.refcnt.Set(float64(pp.refcnt))
}

// Release drops a reference and reports whether it was the last one. The
// caller then owns the teardown and calls Destroy.
func (pp *Pool) Release() bool {
	l := pp.Lock()
	defer l.Unlock()
	return l.Release()
}

// Release drops a reference under the held lock.
func (l *LockedPool) Release() bool {
	pp := l.pool()
	if pp.refcnt == 0 {
		panic(pp.violation("release", 0, "reference count underflow"))
	}
	pp.refcnt--
	pp.m.refcnt.Set(float64(pp.refcnt))
	return pp.refcnt == 0
}

// RefCount returns the current reference count.
func (pp *Pool) RefCount() uint32 {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return pp.refcnt
}

// Close stops all further allocation. Outstanding objects are untouched and
// can still be freed. Closing twice is harmless.
func (pp *Pool) Close() {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.Flags().Has(FlagClosed) {
		return
	}
	pp.flags.Store(uint32(pp.Flags() | FlagClosed))
	logger.L.Info("pool closed", zap.String("pool", pp.name))
}

// Destroy tears the pool down. The reference count must be zero, both
// validation tables empty and every object freed; otherwise a
// ConsistencyError is returned and nothing is released.
func (pp *Pool) Destroy() error {
	pp.mu.Lock()
	switch {
	case pp.destroyed:
		pp.mu.Unlock()
		return pp.violation("destroy", 0, "pool already destroyed")
	case pp.refcnt != 0:
		n := pp.refcnt
		pp.mu.Unlock()
		return pp.violation("destroy", 0, fmt.Sprintf("reference count is %d", n))
	case !pp.isEmptyLocked():
		pp.mu.Unlock()
		return pp.violation("destroy", 0, "validation tables are not empty")
	}
	if busy := pp.outstanding(); busy > 0 {
		pp.mu.Unlock()
		return pp.violation("destroy", 0, fmt.Sprintf("%d objects outstanding", busy))
	}
	pp.destroyed = true
	pp.flags.Store(uint32(pp.Flags() | FlagClosed))
	pp.mu.Unlock()

	unregister(pp)
	releaseTag(pp.tag)

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, c := range []*skmem.Cache{pp.mdCache, pp.bftCache, pp.bufCache[bufDefault], pp.bufCache[bufLarge]} {
		if c != nil {
			keep(c.Destroy())
		}
	}
	for _, r := range []*skmem.Region{pp.mdRegion, pp.bftRegion, pp.bufRegion[bufDefault], pp.bufRegion[bufLarge]} {
		if r != nil {
			keep(r.Close())
		}
	}
	pp.tables = [2]*Table{}
	pp.packets = nil
	pp.buflets = nil

	if pp.ctx != nil {
		pp.ctx.Release()
	}
	metrics.DeletePool(pp.name)

	logger.L.Info("pool destroyed", zap.String("pool", pp.name), zap.Error(firstErr))
	if firstErr != nil {
		return fmt.Errorf("destroy pool %s: %w", pp.name, firstErr)
	}
	return nil
}

func (pp *Pool) outstanding() int {
	n := pp.mdRegion.Busy() + pp.bftRegion.Busy()
	for _, r := range pp.bufRegion {
		if r != nil {
			n += r.Busy()
		}
	}
	return n
}

// Reap releases idle magazine objects of every cache back to the regions.
func (pp *Pool) Reap(purge bool) int {
	total := 0
	for _, c := range []*skmem.Cache{pp.mdCache, pp.bftCache, pp.bufCache[bufDefault], pp.bufCache[bufLarge]} {
		if c == nil {
			continue
		}
		n := c.Reap(purge)
		if n > 0 {
			metrics.CacheReaped.WithLabelValues(pp.name, c.Name()).Add(float64(n))
		}
		total += n
	}
	return total
}

// Stats reports the cache statistics of the pool by cache name.
func (pp *Pool) Stats() map[string]skmem.CacheStats {
	out := make(map[string]skmem.CacheStats, 4)
	for _, c := range []*skmem.Cache{pp.mdCache, pp.bftCache, pp.bufCache[bufDefault], pp.bufCache[bufLarge]} {
		if c != nil {
			out[c.Name()] = c.Stats()
		}
	}
	return out
}

package pbufpool

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/SkynetNext/pbufpool/internal/skmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCtx struct {
	retained atomic.Int32
	released atomic.Int32
}

func (c *countingCtx) Retain()  { c.retained.Add(1) }
func (c *countingCtx) Release() { c.released.Add(1) }

func testParams(t *testing.T, a Adjust) *Params {
	t.Helper()
	if a.Packets == 0 {
		a.Packets = 4
	}
	if a.BufSize == 0 {
		a.BufSize = 2048
	}
	var p Params
	require.NoError(t, AdjustParams(&p, a))
	return &p
}

func newTestPool(t *testing.T, a Adjust, flags CreateFlags, opts ...Option) *Pool {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	pp, err := Create(name, testParams(t, a), nil, nil, flags, opts...)
	require.NoError(t, err)
	return pp
}

func TestPool_ExhaustionAndReuse(t *testing.T) {
	pp := newTestPool(t, Adjust{Packets: 4}, 0)

	var hs []Handle
	for i := 0; i < 4; i++ {
		h, err := pp.AllocPacket(0, 0)
		require.NoError(t, err)
		require.False(t, h.IsZero())
		hs = append(hs, h)
	}

	h, err := pp.AllocPacket(0, 0)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.True(t, h.IsZero())

	require.NoError(t, pp.FreePacket(hs[0]))
	h, err = pp.AllocPacket(0, 0)
	require.NoError(t, err)
	hs[0] = h

	require.NoError(t, pp.FreePacketBatch(hs))
	require.True(t, pp.Release())
	require.NoError(t, pp.Destroy())
}

func TestPool_PacketCarriesBuffer(t *testing.T) {
	pp := newTestPool(t, Adjust{Packets: 2, BufSize: 1500}, 0)

	h, err := pp.AllocPacket(100, AllocZero)
	require.NoError(t, err)
	p, err := pp.Packet(h)
	require.NoError(t, err)
	require.Len(t, p.Buflets(), 1)

	b := p.Buflets()[0]
	assert.True(t, b.HasBuffer())
	assert.False(t, b.Large())
	assert.Equal(t, uint32(1500), b.Capacity())
	assert.NotZero(t, b.BufferAddr())

	copy(b.Data(), "hello")
	b.Len = 5
	assert.Equal(t, []byte("hello"), b.Payload())
	assert.Equal(t, uint32(5), p.Len())

	require.NoError(t, pp.FreePacket(h))
}

func TestPool_StaleFreeIsViolation(t *testing.T) {
	pp := newTestPool(t, Adjust{Packets: 2}, 0)

	h, err := pp.AllocPacket(0, 0)
	require.NoError(t, err)
	require.NoError(t, pp.FreePacket(h))

	err = pp.FreePacket(h)
	assert.ErrorIs(t, err, ErrConsistencyViolation)
	var ce *ConsistencyError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "free_packet", ce.Op)
	assert.Equal(t, h, ce.Handle)

	// the slot comes back with a new generation
	h2, err := pp.AllocPacket(0, 0)
	require.NoError(t, err)
	h3, err := pp.AllocPacket(0, 0)
	require.NoError(t, err)
	for _, n := range []Handle{h2, h3} {
		if n.Index() == h.Index() {
			assert.NotEqual(t, h.Generation(), n.Generation())
		}
	}
	_, err = pp.Packet(h)
	assert.ErrorIs(t, err, ErrStaleHandle)

	_, err = pp.Packet(makeHandle(KindBuflet, 0, 0, 0))
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestPool_ForeignHandleRejected(t *testing.T) {
	a, err := Create(t.Name()+".a", testParams(t, Adjust{Packets: 2}), nil, nil, CreateExternal)
	require.NoError(t, err)
	b, err := Create(t.Name()+".b", testParams(t, Adjust{Packets: 2}), nil, nil, CreateExternal)
	require.NoError(t, err)

	ha, err := a.AllocPacket(0, 0)
	require.NoError(t, err)
	hb, err := b.AllocPacket(0, 0)
	require.NoError(t, err)
	require.Equal(t, ha.Index(), hb.Index())
	assert.NotEqual(t, ha, hb)
	assert.NotEqual(t, ha.PoolTag(), hb.PoolTag())

	_, err = b.Packet(ha)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.ErrorIs(t, b.FreePacket(ha), ErrInvalidHandle)
	assert.ErrorIs(t, b.InsertPacket(ha, 1), ErrInvalidHandle)
	_, err = b.RemovePacket(ha)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.False(t, b.FindPacket(ha))

	ba, err := a.AllocBuflet(0, false)
	require.NoError(t, err)
	_, err = b.Buflet(ba)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.ErrorIs(t, b.FreeBuflet(ba), ErrInvalidHandle)
	assert.ErrorIs(t, b.InsertBuflet(ba, 1), ErrInvalidHandle)

	// the rejected calls left both pools intact
	_, err = b.Packet(hb)
	require.NoError(t, err)
	require.NoError(t, b.FreePacket(hb))
	require.NoError(t, a.FreePacket(ha))
	require.NoError(t, a.FreeBuflet(ba))
	assert.True(t, b.IsEmpty())

	for _, pp := range []*Pool{a, b} {
		pp.Release()
		require.NoError(t, pp.Destroy())
	}

	// a destroyed pool gives its tag back
	tag := a.tag
	c, err := Create(t.Name()+".c", testParams(t, Adjust{Packets: 2}), nil, nil, 0)
	require.NoError(t, err)
	assert.NotZero(t, c.tag)
	assert.LessOrEqual(t, int(c.tag), MaxPoolTag)
	live.mu.Lock()
	_, held := live.tags[tag]
	live.mu.Unlock()
	assert.False(t, held)
	c.Release()
	require.NoError(t, c.Destroy())
}

func TestPool_RetainRelease(t *testing.T) {
	pp := newTestPool(t, Adjust{}, 0)
	require.Equal(t, uint32(1), pp.RefCount())

	pp.Retain()
	assert.Equal(t, uint32(2), pp.RefCount())
	assert.False(t, pp.Release())
	assert.Equal(t, uint32(1), pp.RefCount())

	l := pp.Lock()
	l.Retain()
	assert.False(t, l.Release())
	l.Unlock()

	assert.True(t, pp.Release())
	assert.Equal(t, uint32(0), pp.RefCount())
	assert.Panics(t, func() { pp.Release() })

	require.NoError(t, pp.Destroy())
}

func TestPool_CloseAndDestroy(t *testing.T) {
	ctx := &countingCtx{}
	pp, err := Create("close_destroy", testParams(t, Adjust{}), nil, ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), ctx.retained.Load())

	h, err := pp.AllocPacket(0, 0)
	require.NoError(t, err)

	pp.Close()
	pp.Close()
	assert.True(t, pp.IsClosed())
	_, err = pp.AllocPacket(0, 0)
	assert.ErrorIs(t, err, ErrPoolClosed)
	_, err = pp.AllocBuflet(0, false)
	assert.ErrorIs(t, err, ErrPoolClosed)

	assert.ErrorIs(t, pp.Destroy(), ErrConsistencyViolation, "referenced")
	require.True(t, pp.Release())
	assert.ErrorIs(t, pp.Destroy(), ErrConsistencyViolation, "outstanding packet")

	require.NoError(t, pp.FreePacket(h))
	require.NoError(t, pp.Destroy())
	assert.Equal(t, int32(1), ctx.released.Load())
	assert.ErrorIs(t, pp.Destroy(), ErrConsistencyViolation, "destroyed twice")
}

func TestPool_DestroyWithOwnedHandles(t *testing.T) {
	pp := newTestPool(t, Adjust{}, CreateExternal)
	h, err := pp.AllocPacket(0, 0)
	require.NoError(t, err)
	require.NoError(t, pp.InsertPacket(h, 1))
	require.True(t, pp.Release())

	assert.ErrorIs(t, pp.Destroy(), ErrConsistencyViolation)
	assert.Equal(t, 1, pp.Purge(1))
	assert.True(t, pp.IsEmpty())
	require.NoError(t, pp.Destroy())
}

func TestCreate_Flags(t *testing.T) {
	_, err := Create("bad", testParams(t, Adjust{}), nil, nil, CreateExternal|CreateKernelOnly)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = Create("nil", nil, nil, nil, 0)
	assert.ErrorIs(t, err, ErrConfig)

	short := testParams(t, Adjust{BufSize: 2048})
	short.Buf.ObjectSize = 1024
	_, err = Create("short", short, nil, nil, 0)
	assert.ErrorIs(t, err, ErrConfig)

	pp, err := Create("truncated", short, nil, nil, CreateTruncatedBuf|CreateDynamic|CreateRawBuflet)
	require.NoError(t, err)
	assert.True(t, pp.HasTruncatedBuf())
	assert.True(t, pp.IsDynamic())
	assert.False(t, pp.IsExternal())
	assert.Equal(t, uint32(2048), pp.BufSize())

	h, err := pp.AllocPacket(0, 0)
	require.NoError(t, err)
	p, _ := pp.Packet(h)
	assert.Equal(t, uint32(1024), p.Buflets()[0].Capacity())
	require.NoError(t, pp.FreePacket(h))
	require.True(t, pp.Release())
	require.NoError(t, pp.Destroy())

	mag := newTestPool(t, Adjust{Config: skmem.RegionMDMagazine}, CreateKernelOnly)
	assert.True(t, mag.IsBatchCapable())
	assert.True(t, mag.IsKernelOnly())
	assert.Equal(t, "kernel_only|batch", mag.Flags().String())
}

func TestCreate_RollsBackOnFailure(t *testing.T) {
	var regions []*skmem.Region
	var caches []*skmem.Cache
	calls := 0
	ctx := &countingCtx{}

	_, err := Create("rollback", testParams(t, Adjust{}), nil, ctx, CreateExternal,
		WithRegionFactory(func(name string, p skmem.RegionParams, h skmem.SegmentHooks) (*skmem.Region, error) {
			r, err := skmem.NewRegion(name, p, h)
			if err == nil {
				regions = append(regions, r)
			}
			return r, err
		}),
		WithCacheFactory(func(name string, r *skmem.Region, h skmem.ObjectHooks, dyn bool) (*skmem.Cache, error) {
			calls++
			if calls == 3 {
				return nil, errors.New("no memory")
			}
			c, err := skmem.NewCache(name, r, h, dyn)
			if err == nil {
				caches = append(caches, c)
			}
			return c, err
		}),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no memory")
	assert.Zero(t, ctx.retained.Load())

	require.Len(t, regions, 3)
	require.Len(t, caches, 2)
	for _, c := range caches {
		_, err := c.Alloc()
		assert.ErrorIs(t, err, skmem.ErrCacheClosed, c.Name())
	}
	for _, r := range regions {
		probe, err := skmem.NewCache("probe", r, nil, false)
		require.NoError(t, err)
		_, err = probe.Alloc()
		assert.ErrorIs(t, err, skmem.ErrExhausted, r.Name())
	}
}

func TestLockedPool_UseAfterUnlock(t *testing.T) {
	pp := newTestPool(t, Adjust{}, CreateExternal)
	var seen *Pool
	pp.WithLock(func(l *LockedPool) {
		seen = l.Pool()
		assert.True(t, l.IsEmpty())
	})
	assert.Same(t, pp, seen)

	l := pp.Lock()
	l.Unlock()
	assert.Panics(t, func() { l.IsEmpty() })
	assert.Panics(t, func() { l.Unlock() })
}

func TestPool_Reap(t *testing.T) {
	pp := newTestPool(t, Adjust{Packets: 64, Config: skmem.RegionMDMagazine}, CreateDynamic)

	hs := make([]Handle, 32)
	n, err := pp.AllocPacketBatch(0, hs, false, nil)
	require.NoError(t, err)
	require.Equal(t, 32, n)
	require.NoError(t, pp.FreePacketBatch(hs))

	assert.Greater(t, pp.Reap(true), 0)
	for _, st := range pp.Stats() {
		assert.Zero(t, st.Cached)
		assert.Zero(t, st.Busy)
	}
}

package pbufpool

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketsFor(t *testing.T) {
	assert.Equal(t, 16, BucketsFor(0))
	assert.Equal(t, 16, BucketsFor(64))
	assert.Equal(t, 32, BucketsFor(100))
	assert.Equal(t, 1024, BucketsFor(4096))
	assert.Equal(t, 1<<16, BucketsFor(1<<31))
}

func TestTable_RemoveTwice(t *testing.T) {
	tbl := NewTable(16)
	h := makeHandle(KindPacket, 0, 0, 7)
	require.NoError(t, tbl.Insert(h, 100))
	assert.True(t, tbl.Find(h))

	owner, err := tbl.Remove(h)
	require.NoError(t, err)
	assert.Equal(t, OwnerID(100), owner)

	_, err = tbl.Remove(h)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, tbl.IsEmpty())
	assert.False(t, tbl.Find(h))
}

func TestTable_SharedBucket(t *testing.T) {
	tbl := NewTable(16)
	a := makeHandle(KindPacket, 0, 0, 7)
	b := makeHandle(KindPacket, 0, 0, 23)
	c := makeHandle(KindPacket, 0, 3, 7)
	require.NoError(t, tbl.Insert(a, 1))
	require.NoError(t, tbl.Insert(b, 2))
	assert.ErrorIs(t, tbl.Insert(c, 3), errDuplicate)

	_, err := tbl.Remove(c)
	assert.ErrorIs(t, err, ErrStaleHandle)
	assert.Equal(t, 2, tbl.Len())

	owner, ok := tbl.Owner(b)
	assert.True(t, ok)
	assert.Equal(t, OwnerID(2), owner)

	assert.Equal(t, []Handle{a}, tbl.Purge(1))
	assert.True(t, tbl.Find(b))
	assert.Equal(t, 1, tbl.Len())
}

func TestPool_InsertFindRemove(t *testing.T) {
	pp := newTestPool(t, Adjust{Packets: 4}, CreateExternal)

	h, err := pp.AllocPacket(0, 0)
	require.NoError(t, err)
	require.NoError(t, pp.InsertPacket(h, 100))
	assert.True(t, pp.FindPacket(h))
	assert.False(t, pp.IsEmpty())
	assert.ErrorIs(t, pp.InsertPacket(h, 100), ErrConsistencyViolation)

	p, err := pp.RemovePacket(h)
	require.NoError(t, err)
	assert.Equal(t, h, p.Handle())
	assert.False(t, pp.FindPacket(h))

	_, err = pp.RemovePacket(h)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, pp.IsEmpty())

	_, err = pp.RemovePacket(makeHandle(KindBuflet, 0, 0, 0))
	assert.ErrorIs(t, err, ErrInvalidHandle)

	require.NoError(t, pp.FreePacket(h))
	assert.ErrorIs(t, pp.InsertPacket(h, 100), ErrConsistencyViolation, "freed handle")
}

func TestPool_FreeDropsOwnership(t *testing.T) {
	pp := newTestPool(t, Adjust{Packets: 2, MaxFrags: 2}, CreateExternal)

	h, err := pp.AllocPacket(0, 0)
	require.NoError(t, err)
	p, _ := pp.Packet(h)
	bft := p.Buflets()[0].Handle()
	require.NoError(t, pp.Insert(h, 5))
	require.NoError(t, pp.Insert(bft, 5))

	b, err := pp.AllocBuflet(0, false)
	require.NoError(t, err)
	require.NoError(t, pp.InsertBuflet(b, 6))

	require.NoError(t, pp.FreePacket(h))
	assert.False(t, pp.FindPacket(h))
	assert.False(t, pp.FindBuflet(bft))
	assert.True(t, pp.FindBuflet(b))

	require.NoError(t, pp.FreeBuflet(b))
	assert.True(t, pp.IsEmpty())
}

func TestPool_StaleHandleDoesNotValidate(t *testing.T) {
	pp := newTestPool(t, Adjust{Packets: 1}, CreateExternal)

	old, err := pp.AllocPacket(0, 0)
	require.NoError(t, err)
	require.NoError(t, pp.InsertPacket(old, 1))
	_, err = pp.RemovePacket(old)
	require.NoError(t, err)
	require.NoError(t, pp.FreePacket(old))

	fresh, err := pp.AllocPacket(0, 0)
	require.NoError(t, err)
	require.Equal(t, old.Index(), fresh.Index())
	require.NoError(t, pp.InsertPacket(fresh, 1))

	_, err = pp.RemovePacket(old)
	assert.ErrorIs(t, err, ErrStaleHandle)
	assert.False(t, pp.FindPacket(old))
	assert.True(t, pp.FindPacket(fresh))

	p, err := pp.RemovePacket(fresh)
	require.NoError(t, err)
	assert.Equal(t, fresh, p.Handle())
	require.NoError(t, pp.FreePacket(fresh))
}

func TestPool_PurgeOwner(t *testing.T) {
	pp := newTestPool(t, Adjust{Packets: 8}, CreateExternal)

	hs := make([]Handle, 5)
	n, err := pp.AllocPacketBatch(0, hs, false, nil)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.NoError(t, pp.InsertPacketBatch(100, hs[:3]))
	require.NoError(t, pp.InsertPacketBatch(200, hs[3:]))

	b, err := pp.AllocBuflet(0, false)
	require.NoError(t, err)
	require.NoError(t, pp.InsertBuflet(b, 100))

	pp.Retain()
	require.Equal(t, map[OwnerID]int{100: 4, 200: 2}, pp.Owners())

	assert.Equal(t, 4, pp.Purge(100))
	assert.Equal(t, map[OwnerID]int{200: 2}, pp.Owners())
	assert.Equal(t, uint32(2), pp.RefCount())

	for _, h := range hs[:3] {
		assert.False(t, pp.FindPacket(h))
		_, err := pp.Packet(h)
		assert.ErrorIs(t, err, ErrStaleHandle)
	}
	for _, h := range hs[3:] {
		assert.True(t, pp.FindPacket(h))
		_, err := pp.Packet(h)
		assert.NoError(t, err)
	}
	_, err = pp.Buflet(b)
	assert.ErrorIs(t, err, ErrStaleHandle)

	assert.Zero(t, pp.Purge(100))
	assert.Equal(t, 2, pp.Purge(200))
	assert.True(t, pp.IsEmpty())
}

func TestPool_WithoutTables(t *testing.T) {
	pp := newTestPool(t, Adjust{}, 0)
	h, err := pp.AllocPacket(0, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, pp.InsertPacket(h, 1), ErrConfig)
	_, err = pp.RemovePacket(h)
	assert.ErrorIs(t, err, ErrConfig)
	assert.False(t, pp.FindPacket(h))
	assert.True(t, pp.IsEmpty())
	assert.Zero(t, pp.Purge(1))
	require.NoError(t, pp.FreePacket(h))
}

func TestPool_ConcurrentRemove(t *testing.T) {
	pp := newTestPool(t, Adjust{Packets: 4}, CreateExternal)
	h, err := pp.AllocPacket(0, 0)
	require.NoError(t, err)
	require.NoError(t, pp.InsertPacket(h, 9))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pp.RemovePacket(h); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	require.NoError(t, pp.FreePacket(h))
}

func TestPool_IsEmptyRandomized(t *testing.T) {
	const packets = 32
	pp := newTestPool(t, Adjust{Packets: packets, MaxFrags: 2}, CreateExternal)
	rng := rand.New(rand.NewSource(42))

	held := map[Handle]bool{}     // allocated, trusted side
	owned := map[Handle]OwnerID{} // inserted, external side

	count := func(k Kind) int {
		n := 0
		for h := range held {
			if h.Kind() == k {
				n++
			}
		}
		for h := range owned {
			if h.Kind() == k {
				n++
			}
		}
		return n
	}
	// packets use one of their two fragments, leaving one buflet per packet
	refill := func() {
		for count(KindPacket) < packets {
			h, err := pp.AllocPacket(0, 0)
			require.NoError(t, err)
			held[h] = true
		}
		for count(KindBuflet) < packets {
			h, err := pp.AllocBuflet(0, false)
			require.NoError(t, err)
			held[h] = true
		}
	}
	pick := func(m map[Handle]bool) Handle {
		for h := range m {
			return h
		}
		return 0
	}
	remove := func(h Handle) error {
		if h.Kind() == KindBuflet {
			_, err := pp.RemoveBuflet(h)
			return err
		}
		_, err := pp.RemovePacket(h)
		return err
	}

	refill()
	for i := 0; i < 4000; i++ {
		switch op := rng.Intn(10); {
		case op < 5 && len(held) > 0:
			h := pick(held)
			owner := OwnerID(rng.Intn(3))
			require.NoError(t, pp.Insert(h, owner))
			delete(held, h)
			owned[h] = owner
		case op < 9 && len(owned) > 0:
			var h Handle
			for h = range owned {
				break
			}
			require.NoError(t, remove(h))
			delete(owned, h)
			held[h] = true
		case op == 9:
			owner := OwnerID(rng.Intn(3))
			want := 0
			for h, o := range owned {
				if o == owner {
					delete(owned, h)
					want++
				}
			}
			require.Equal(t, want, pp.Purge(owner))
			refill()
		}
		require.Equal(t, len(owned) == 0, pp.IsEmpty(), "step %d", i)
		for h := range owned {
			if h.Kind() == KindBuflet {
				require.True(t, pp.FindBuflet(h), "step %d", i)
			} else {
				require.True(t, pp.FindPacket(h), "step %d", i)
			}
			break
		}
	}
}

func TestPool_RemoveBufletTwice(t *testing.T) {
	pp := newTestPool(t, Adjust{Packets: 1}, CreateExternal|CreateOnDemandBuf)

	b, err := pp.AllocBuflet(0, false)
	require.NoError(t, err)
	require.NoError(t, pp.InsertBuflet(b, 7))

	got, err := pp.RemoveBuflet(b)
	require.NoError(t, err)
	assert.Equal(t, b, got.Handle())

	_, err = pp.RemoveBuflet(b)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, pp.IsEmpty())

	// the slot is reused under a new generation
	require.NoError(t, pp.FreeBuflet(b))
	fresh, err := pp.AllocBuflet(0, false)
	require.NoError(t, err)
	require.Equal(t, b.Index(), fresh.Index())
	require.NotEqual(t, b, fresh)
	require.NoError(t, pp.InsertBuflet(fresh, 7))

	_, err = pp.RemoveBuflet(b)
	assert.ErrorIs(t, err, ErrStaleHandle)
	assert.False(t, pp.FindBuflet(b))
	assert.True(t, pp.FindBuflet(fresh))
	assert.ErrorIs(t, pp.InsertBuflet(b, 7), ErrConsistencyViolation)

	_, err = pp.RemoveBuflet(fresh)
	require.NoError(t, err)
	require.NoError(t, pp.FreeBuflet(fresh))
}

func TestPool_IndexStartRoundTrip(t *testing.T) {
	p := testParams(t, Adjust{Packets: 4, MaxFrags: 2, LargeBufSize: 8192})
	p.MetaIndexStart = 1000
	p.BufIndexStart = 5000
	pp, err := Create(t.Name(), p, nil, nil, CreateExternal|CreateOnDemandBuf)
	require.NoError(t, err)

	h, err := pp.AllocPacket(0, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, h.Index(), uint32(1000))
	assert.Less(t, h.Index(), uint32(1004))
	require.NoError(t, pp.InsertPacket(h, 3))
	p0, err := pp.RemovePacket(h)
	require.NoError(t, err)
	assert.Equal(t, h, p0.Handle())

	b, err := pp.AllocBuflet(0, false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, b.Index(), uint32(1000))
	assert.Less(t, b.Index(), uint32(1008))
	require.NoError(t, pp.InsertBuflet(b, 3))
	assert.Equal(t, map[OwnerID]int{3: 1}, pp.Owners())
	bl, err := pp.RemoveBuflet(b)
	require.NoError(t, err)
	assert.Equal(t, b, bl.Handle())

	buf, err := pp.AllocBuffer(0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, buf.Index, uint32(5000))
	assert.Less(t, buf.Index, uint32(5008))
	large, err := pp.AllocBuffer(AllocLarge)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, large.Index, uint32(5000))
	require.NoError(t, pp.FreeBuffer(buf.Addr))
	require.NoError(t, pp.FreeBuffer(large.Addr))

	// indexes below the start never resolve
	_, err = pp.Packet(makeHandle(KindPacket, pp.tag, h.Generation(), h.Index()-1000))
	assert.ErrorIs(t, err, ErrInvalidHandle)

	require.NoError(t, pp.FreeBuflet(b))
	require.NoError(t, pp.FreePacket(h))
	pp.Release()
	require.NoError(t, pp.Destroy())
}

package pbufpool

import (
	"testing"

	"github.com/SkynetNext/pbufpool/internal/skmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjustParams(t *testing.T) {
	var p Params
	require.NoError(t, AdjustParams(&p, Adjust{
		Packets:      128,
		MaxFrags:     4,
		BufSize:      2048,
		LargeBufSize: 16384,
		Config:       skmem.RegionMDMagazine | skmem.RegionBufPersistent,
	}))

	assert.Equal(t, MetaTypePacket, p.MetaType)
	assert.Equal(t, MetaSubtypePayload, p.MetaSubtype)
	assert.Equal(t, uint32(128), p.Meta.ObjectCount)
	assert.Equal(t, uint32(packetMetaSize), p.Meta.ObjectSize)
	assert.True(t, p.Meta.Magazines)
	assert.False(t, p.Meta.Wired)

	assert.Equal(t, uint32(512), p.Buflet.ObjectCount)
	assert.True(t, p.Buflet.Config.Has(skmem.RegionBuflet))

	assert.Equal(t, uint32(512), p.Buf.ObjectCount)
	assert.Equal(t, uint32(2048), p.Buf.ObjectSize)
	assert.True(t, p.Buf.Wired)
	assert.True(t, p.Buf.Magazines)
	assert.True(t, p.Buf.Config.Has(skmem.RegionIODirBidir))
	assert.False(t, p.Buf.Config.Has(skmem.RegionMDMagazine))

	assert.Equal(t, uint32(128), p.LargeBuf.ObjectCount)
	assert.Equal(t, uint32(16384), p.LargeBuf.ObjectSize)
}

func TestAdjustParams_Monolithic(t *testing.T) {
	var p Params
	require.NoError(t, AdjustParams(&p, Adjust{
		MetaType: MetaTypeQuantum,
		Packets:  16,
		BufSize:  1024,
		Config:   skmem.RegionBufMonolithic | skmem.RegionKernelOnly,
	}))
	assert.Equal(t, uint32(quantumMetaSize), p.Meta.ObjectSize)
	assert.Zero(t, p.Buf.SegmentObjects)
	assert.False(t, p.Buf.Magazines)
	assert.True(t, p.Meta.Config.Has(skmem.RegionKernelOnly))
	assert.True(t, p.Buf.Config.Has(skmem.RegionKernelOnly))

	pp, err := Create("monolithic", &p, nil, nil, 0)
	require.NoError(t, err)
	assert.True(t, pp.Flags().Has(FlagMonolithic))
	assert.Equal(t, MetaTypeQuantum, pp.MetaType())
	assert.Equal(t, uint16(1), pp.MaxFrags())
}

func TestAdjustParams_Errors(t *testing.T) {
	var p Params
	assert.ErrorIs(t, AdjustParams(&p, Adjust{BufSize: 2048}), ErrConfig)
	assert.ErrorIs(t, AdjustParams(&p, Adjust{Packets: 4}), ErrConfig)
	assert.ErrorIs(t, AdjustParams(&p, Adjust{Packets: 4, BufSize: 2048, MaxFrags: 2, MetaType: MetaTypeQuantum}), ErrConfig)
	assert.ErrorIs(t, AdjustParams(&p, Adjust{Packets: 4, BufSize: 2048, LargeBufSize: 1024}), ErrConfig)
	assert.ErrorIs(t, AdjustParams(&p, Adjust{Packets: 65538, MaxFrags: 65535, BufSize: 64}), ErrConfig)
}

func TestCreate_FragmentSpaceOverflow(t *testing.T) {
	var p Params
	require.NoError(t, AdjustParams(&p, Adjust{Packets: 4, MaxFrags: 2, BufSize: 64}))
	p.Meta.ObjectCount = 65538
	p.MaxFrags = 65535

	_, err := Create(t.Name(), &p, nil, nil, 0)
	assert.ErrorIs(t, err, ErrConfig)
	assert.Contains(t, err.Error(), "fragments")
}

func TestParseCreateFlags(t *testing.T) {
	f, err := ParseCreateFlags([]string{"external", "dynamic", "on_demand_buf"})
	require.NoError(t, err)
	assert.Equal(t, CreateExternal|CreateDynamic|CreateOnDemandBuf, f)

	_, err = ParseCreateFlags([]string{"bogus"})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestHandleLayout(t *testing.T) {
	h := makeHandle(KindBuflet, 0xabc, 0x1234, 0xdeadbeef)
	assert.Equal(t, KindBuflet, h.Kind())
	assert.Equal(t, uint16(0xabc), h.PoolTag())
	assert.Equal(t, uint32(0x1234), h.Generation())
	assert.Equal(t, uint32(0xdeadbeef), h.Index())
	assert.Equal(t, "buflet#3735928559.4660@2748", h.String())
	assert.True(t, Handle(0).IsZero())

	wrapped := makeHandle(KindPacket, 0, skmem.GenerationMask+2, 1)
	assert.Equal(t, uint32(1), wrapped.Generation())
	assert.Equal(t, KindPacket, wrapped.Kind())

	masked := makeHandle(KindPacket, MaxPoolTag+2, 0, 1)
	assert.Equal(t, uint16(1), masked.PoolTag())
	assert.Equal(t, KindPacket, masked.Kind())
}

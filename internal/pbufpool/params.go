package pbufpool

import (
	"fmt"
	"math"

	"github.com/SkynetNext/pbufpool/internal/skmem"
)

// MetaType is the metadata layout the pool hands out.
type MetaType uint8

const (
	MetaTypeQuantum MetaType = iota + 1 // single-buffer object
	MetaTypePacket                      // multi-buflet packet
)

// MetaSubtype refines MetaType; it is carried as an opaque tag.
type MetaSubtype uint8

const (
	MetaSubtypePayload MetaSubtype = iota + 1
	MetaSubtypeRaw
)

const (
	quantumMetaSize = 64
	packetMetaSize  = 128
	bufletMetaSize  = 64

	// segments are sized to roughly this many bytes
	segmentBytes = 64 * 1024
)

// Params describes the regions of a pool and how its objects are shaped.
type Params struct {
	Meta     skmem.RegionParams
	Buflet   skmem.RegionParams
	Buf      skmem.RegionParams
	LargeBuf skmem.RegionParams

	MaxFrags uint16
	// BufSize and LargeBufSize are the advertised buffer sizes of the two
	// classes. Without FlagTruncatedBuf the buffer objects must hold them.
	BufSize      uint32
	LargeBufSize uint32

	MetaType    MetaType
	MetaSubtype MetaSubtype

	// Index offsets of the metadata and buffer index spaces as seen in handles.
	MetaIndexStart uint32
	BufIndexStart  uint32
}

// Adjust describes the pool shape AdjustParams normalizes Params to.
type Adjust struct {
	MetaType     MetaType
	MetaSubtype  MetaSubtype
	Packets      uint32
	MaxFrags     uint16
	BufSize      uint32
	LargeBufSize uint32
	Config       skmem.RegionConfig
}

func segmentObjectsFor(objSize uint32) uint32 {
	n := uint32(segmentBytes) / objSize
	if n == 0 {
		n = 1
	}
	return n
}

// AdjustParams fills p with region parameters derived from a. Buflet and
// buffer capacities follow the packet count times the fragment limit; the
// large class gets one buffer per packet.
func AdjustParams(p *Params, a Adjust) error {
	if a.Packets == 0 {
		return fmt.Errorf("%w: packet count is zero", ErrConfig)
	}
	if a.MaxFrags == 0 {
		a.MaxFrags = 1
	}
	if a.MetaType == 0 {
		a.MetaType = MetaTypePacket
	}
	if a.MetaSubtype == 0 {
		a.MetaSubtype = MetaSubtypePayload
	}
	if a.MetaType == MetaTypeQuantum && a.MaxFrags != 1 {
		return fmt.Errorf("%w: quantum metadata supports a single fragment, got %d", ErrConfig, a.MaxFrags)
	}
	if a.BufSize == 0 {
		return fmt.Errorf("%w: buffer size is zero", ErrConfig)
	}
	if a.LargeBufSize != 0 && a.LargeBufSize <= a.BufSize {
		return fmt.Errorf("%w: large buffer size %d must exceed buffer size %d", ErrConfig, a.LargeBufSize, a.BufSize)
	}

	cfg := a.Config
	kernelOnly := cfg & skmem.RegionKernelOnly
	mdSize := uint32(packetMetaSize)
	if a.MetaType == MetaTypeQuantum {
		mdSize = quantumMetaSize
	}

	p.MetaType = a.MetaType
	p.MetaSubtype = a.MetaSubtype
	p.MaxFrags = a.MaxFrags
	p.BufSize = a.BufSize
	p.LargeBufSize = a.LargeBufSize

	p.Meta = skmem.RegionParams{
		ObjectCount:    a.Packets,
		ObjectSize:     mdSize,
		SegmentObjects: segmentObjectsFor(mdSize),
		Config:         cfg&(skmem.RegionMDPersistent|skmem.RegionMDMagazine) | kernelOnly,
		Wired:          cfg.Has(skmem.RegionMDPersistent),
		Magazines:      cfg.Has(skmem.RegionMDMagazine),
	}

	if uint64(a.Packets)*uint64(a.MaxFrags) > math.MaxUint32 {
		return fmt.Errorf("%w: %d packets of %d fragments exceed %d buflets",
			ErrConfig, a.Packets, a.MaxFrags, uint32(math.MaxUint32))
	}
	frags := a.Packets * uint32(a.MaxFrags)
	p.Buflet = skmem.RegionParams{
		ObjectCount:    frags,
		ObjectSize:     bufletMetaSize,
		SegmentObjects: segmentObjectsFor(bufletMetaSize),
		Config:         cfg&(skmem.RegionMDPersistent|skmem.RegionMDMagazine|skmem.RegionRawBuflet) | skmem.RegionBuflet | kernelOnly,
		Wired:          cfg.Has(skmem.RegionMDPersistent),
		Magazines:      cfg.Has(skmem.RegionMDMagazine),
	}

	bufCfg := cfg&^(skmem.RegionMDPersistent|skmem.RegionMDMagazine|skmem.RegionBuflet|skmem.RegionRawBuflet) | kernelOnly
	if bufCfg&skmem.RegionIODirBidir == 0 {
		bufCfg |= skmem.RegionIODirBidir
	}
	monolithic := cfg.Has(skmem.RegionBufMonolithic)
	p.Buf = skmem.RegionParams{
		ObjectCount:    frags,
		ObjectSize:     a.BufSize,
		SegmentObjects: segmentObjectsFor(a.BufSize),
		Config:         bufCfg,
		Wired:          cfg.Has(skmem.RegionBufPersistent),
		Magazines:      !monolithic,
	}
	if monolithic {
		p.Buf.SegmentObjects = 0
	}

	p.LargeBuf = skmem.RegionParams{}
	if a.LargeBufSize != 0 {
		p.LargeBuf = p.Buf
		p.LargeBuf.ObjectCount = a.Packets
		p.LargeBuf.ObjectSize = a.LargeBufSize
		p.LargeBuf.SegmentObjects = segmentObjectsFor(a.LargeBufSize)
		if monolithic {
			p.LargeBuf.SegmentObjects = 0
		}
	}
	return nil
}

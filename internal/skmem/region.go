package skmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/SkynetNext/pbufpool/internal/logger"
	"go.uber.org/zap"
)

const (
	addrShift      = 40
	maxRegionBytes = 1 << addrShift

	// GenerationMask bounds slot generations to the bits a handle can carry.
	GenerationMask = 1<<16 - 1
)

// slot states
const (
	slotFree   uint32 = iota // in the region depot
	slotCached               // constructed, parked in a cache magazine
	slotBusy                 // handed to a caller
)

var regionSeq atomic.Uint32

// Segment is a contiguous group of objects populated together.
type Segment struct {
	Index   int
	Base    uint64
	Data    []byte
	Objects uint32

	region    *Region
	populated bool
}

// Region returns the region owning the segment.
func (s *Segment) Region() *Region { return s.region }

// SegmentHooks are invoked when a segment is populated and when it is torn down.
type SegmentHooks interface {
	Construct(seg *Segment) error
	Destruct(seg *Segment)
}

// Region is a bounded, indexable span of fixed-size objects.
type Region struct {
	name   string
	id     uint32
	params RegionParams
	hooks  SegmentHooks

	mem   []byte
	unmap func([]byte) error

	state []atomic.Uint32
	gen   []atomic.Uint32

	mu     sync.Mutex
	free   []uint32 // depot, used as a stack
	segs   []Segment
	closed bool

	busy atomic.Int64
}

// NewRegion reserves memory for params.ObjectCount objects.
func NewRegion(name string, params RegionParams, hooks SegmentHooks) (*Region, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("region %s: %w", name, err)
	}

	size := int(params.ObjectCount) * int(params.ObjectSize)
	mem, unmap, err := reserve(size, params.Wired)
	if err != nil {
		return nil, fmt.Errorf("region %s: reserve %d bytes: %w", name, size, err)
	}

	r := &Region{
		name:   name,
		id:     regionSeq.Add(1) & 0xFFFFFF,
		params: params,
		hooks:  hooks,
		mem:    mem,
		unmap:  unmap,
		state:  make([]atomic.Uint32, params.ObjectCount),
		gen:    make([]atomic.Uint32, params.ObjectCount),
		free:   make([]uint32, params.ObjectCount),
	}
	// Lowest index is handed out first.
	for i := range r.free {
		r.free[i] = params.ObjectCount - 1 - uint32(i)
	}

	per := params.segmentObjects()
	nsegs := (params.ObjectCount + per - 1) / per
	r.segs = make([]Segment, nsegs)
	for i := range r.segs {
		first := uint32(i) * per
		n := per
		if first+n > params.ObjectCount {
			n = params.ObjectCount - first
		}
		off := int(first) * int(params.ObjectSize)
		r.segs[i] = Segment{
			Index:   i,
			Base:    r.addrOf(off),
			Data:    r.mem[off : off+int(n)*int(params.ObjectSize) : off+int(n)*int(params.ObjectSize)],
			Objects: n,
			region:  r,
		}
	}

	logger.L.Debug("region created",
		zap.String("region", name),
		zap.Uint32("objects", params.ObjectCount),
		zap.Uint32("object_size", params.ObjectSize),
		zap.Int("segments", len(r.segs)),
		zap.Bool("wired", params.Wired),
		zap.Stringer("config", params.Config),
	)
	return r, nil
}

func (r *Region) addrOf(off int) uint64 {
	return uint64(r.id)<<addrShift | uint64(off)
}

// Name returns the region name.
func (r *Region) Name() string { return r.name }

// Params returns the parameters the region was created with.
func (r *Region) Params() RegionParams { return r.params }

// Capacity returns the number of objects in the region.
func (r *Region) Capacity() uint32 { return r.params.ObjectCount }

// ObjectSize returns the size of one object in bytes.
func (r *Region) ObjectSize() uint32 { return r.params.ObjectSize }

// Busy returns the number of objects currently handed out to callers.
func (r *Region) Busy() int { return int(r.busy.Load()) }

// Available returns the number of objects still in the depot.
func (r *Region) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.free)
}

// Object returns the backing bytes of object idx.
func (r *Region) Object(idx uint32) []byte {
	sz := int(r.params.ObjectSize)
	off := int(idx) * sz
	return r.mem[off : off+sz : off+sz]
}

// Addr returns the address of object idx.
func (r *Region) Addr(idx uint32) uint64 {
	return r.addrOf(int(idx) * int(r.params.ObjectSize))
}

// IndexOf maps an address returned by Addr back to its object index.
func (r *Region) IndexOf(addr uint64) (uint32, error) {
	if uint32(addr>>addrShift) != r.id {
		return 0, ErrBadAddress
	}
	off := addr & (maxRegionBytes - 1)
	if off%uint64(r.params.ObjectSize) != 0 {
		return 0, ErrBadAddress
	}
	idx := off / uint64(r.params.ObjectSize)
	if idx >= uint64(r.params.ObjectCount) {
		return 0, ErrBadAddress
	}
	return uint32(idx), nil
}

// SegmentOf returns the segment containing object idx.
func (r *Region) SegmentOf(idx uint32) *Segment {
	return &r.segs[idx/r.params.segmentObjects()]
}

// Generation returns the current generation of slot idx.
func (r *Region) Generation(idx uint32) uint32 {
	if idx >= r.params.ObjectCount {
		return 0
	}
	return r.gen[idx].Load()
}

// IsBusy reports whether idx is currently handed out to a caller.
func (r *Region) IsBusy(idx uint32) bool {
	return idx < r.params.ObjectCount && r.state[idx].Load() == slotBusy
}

// take moves up to n objects out of the depot, populating their segments.
func (r *Region) take(n int) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.free) == 0 {
		return nil
	}
	out := make([]uint32, 0, n)
	for len(out) < n && len(r.free) > 0 {
		idx := r.free[len(r.free)-1]
		seg := &r.segs[idx/r.params.segmentObjects()]
		if !seg.populated {
			if r.hooks != nil {
				if err := r.hooks.Construct(seg); err != nil {
					logger.L.Warn("segment construction failed",
						zap.String("region", r.name),
						zap.Int("segment", seg.Index),
						zap.Error(err),
					)
					break
				}
			}
			seg.populated = true
		}
		r.free = r.free[:len(r.free)-1]
		r.state[idx].Store(slotCached)
		out = append(out, idx)
	}
	return out
}

// give returns constructed objects to the depot.
func (r *Region) give(idxs []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, idx := range idxs {
		r.state[idx].Store(slotFree)
		r.free = append(r.free, idx)
	}
}

// markBusy hands idx to a caller and returns its generation.
func (r *Region) markBusy(idx uint32) uint32 {
	r.state[idx].Store(slotBusy)
	r.busy.Add(1)
	return r.gen[idx].Load()
}

// markIdle takes idx back from a caller, retiring its generation.
func (r *Region) markIdle(idx uint32) error {
	if idx >= r.params.ObjectCount {
		return ErrBadIndex
	}
	if !r.state[idx].CompareAndSwap(slotBusy, slotCached) {
		return fmt.Errorf("region %s index %d: %w", r.name, idx, ErrDoubleFree)
	}
	r.gen[idx].Store((r.gen[idx].Load() + 1) & GenerationMask)
	r.busy.Add(-1)
	return nil
}

// Close tears down populated segments and releases the backing memory.
// Every object must be back in the depot.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if len(r.free) != int(r.params.ObjectCount) {
		return fmt.Errorf("region %s: %d objects outstanding: %w",
			r.name, int(r.params.ObjectCount)-len(r.free), ErrRegionBusy)
	}
	for i := range r.segs {
		seg := &r.segs[i]
		if seg.populated && r.hooks != nil {
			r.hooks.Destruct(seg)
		}
		seg.populated = false
	}
	r.closed = true
	if r.unmap != nil {
		if err := r.unmap(r.mem); err != nil {
			return fmt.Errorf("region %s: release memory: %w", r.name, err)
		}
	}
	r.mem = nil
	return nil
}

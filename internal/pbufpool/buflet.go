package pbufpool

import (
	"errors"
	"fmt"

	"github.com/SkynetNext/pbufpool/internal/skmem"
)

func (pp *Pool) bufletSlot(h Handle) (uint32, error) {
	if h.Kind() != KindBuflet || h.PoolTag() != pp.tag || h.Index() < pp.midxStart {
		return 0, ErrInvalidHandle
	}
	idx := h.Index() - pp.midxStart
	if int(idx) >= len(pp.buflets) {
		return 0, ErrInvalidHandle
	}
	if !pp.bftRegion.IsBusy(idx) || pp.bftRegion.Generation(idx) != h.Generation() {
		return idx, ErrStaleHandle
	}
	return idx, nil
}

// Buflet resolves a live buflet handle.
func (pp *Pool) Buflet(h Handle) (*Buflet, error) {
	idx, err := pp.bufletSlot(h)
	if err != nil {
		return nil, err
	}
	return &pp.buflets[idx], nil
}

func (pp *Pool) bufferData(class bufClass, idx uint32) []byte {
	obj := pp.bufRegion[class].Object(idx)
	if n := pp.bufSize[class]; uint32(len(obj)) > n {
		obj = obj[:n:n]
	}
	return obj
}

func (pp *Pool) allocBuflet(class bufClass, flags AllocFlags) (*Buflet, error) {
	o, err := pp.bftCache.Alloc()
	if err != nil {
		return nil, err
	}
	b := &pp.buflets[o.Index]
	b.handle = makeHandle(KindBuflet, pp.tag, o.Gen, pp.midxStart+o.Index)
	pp.m.allocs[KindBuflet].Inc()
	pp.m.inUse[KindBuflet].Inc()
	if class == bufNone {
		return b, nil
	}
	if err := pp.attachNewBuffer(b, class, flags); err != nil {
		_ = pp.releaseBuflet(b)
		return nil, err
	}
	return b, nil
}

func (pp *Pool) attachNewBuffer(b *Buflet, class bufClass, flags AllocFlags) error {
	o, err := pp.bufCache[class].Alloc()
	if err != nil {
		return err
	}
	pp.bufLinked[class][o.Index].Store(true)
	pp.m.allocs[class.kind()].Inc()
	pp.m.inUse[class.kind()].Inc()
	b.class = class
	b.bufIdx = o.Index
	b.data = pp.bufferData(class, o.Index)
	if flags&AllocZero != 0 {
		clear(b.data)
	}
	return nil
}

// releaseBuflet frees a buflet and its buffer. The buflet must be live and
// detached from any packet.
func (pp *Pool) releaseBuflet(b *Buflet) error {
	var errs []error
	if b.class != bufNone {
		class, bidx := b.class, b.bufIdx
		pp.bufLinked[class][bidx].Store(false)
		if err := pp.bufCache[class].Free(bidx); err != nil {
			errs = append(errs, pp.violation("free_buffer", b.handle, err.Error()))
		} else {
			pp.m.inUse[class.kind()].Dec()
		}
	}
	h := b.handle
	b.reset()
	if err := pp.bftCache.Free(h.Index() - pp.midxStart); err != nil {
		errs = append(errs, pp.violation("free_buflet", h, err.Error()))
	} else {
		pp.m.inUse[KindBuflet].Dec()
	}
	return errors.Join(errs...)
}

func (pp *Pool) bufletClass(flags AllocFlags, large bool) (bufClass, error) {
	switch {
	case flags&AllocNoBuffer != 0:
		if !pp.Flags().Has(FlagRawBuflet) && !pp.HasBufferOnDemand() {
			return bufNone, fmt.Errorf("%w: pool %s does not allow buflets without a buffer", ErrConfig, pp.name)
		}
		return bufNone, nil
	case large || flags&AllocLarge != 0:
		if !pp.HasLargeBuf() {
			return bufNone, fmt.Errorf("%w: pool %s has no large buffers", ErrInvalidSizeClass, pp.name)
		}
		return bufLarge, nil
	}
	return bufDefault, nil
}

// AllocBuflet allocates a free-standing buflet with a buffer of the
// requested class, or with none when AllocNoBuffer is set.
func (pp *Pool) AllocBuflet(flags AllocFlags, large bool) (Handle, error) {
	if err := pp.checkOpen(); err != nil {
		return 0, pp.allocFailed(KindBuflet, err)
	}
	class, err := pp.bufletClass(flags, large)
	if err != nil {
		return 0, pp.allocFailed(KindBuflet, err)
	}
	b, err := pp.allocBuflet(class, flags)
	if err != nil {
		return 0, pp.allocFailed(KindBuflet, err)
	}
	return b.handle, nil
}

// AllocBufletBatch fills out with up to len(out) buflets and returns how
// many it got. Partial results are kept.
func (pp *Pool) AllocBufletBatch(out []Handle, flags AllocFlags, large bool) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	if err := pp.checkOpen(); err != nil {
		return 0, pp.allocFailed(KindBuflet, err)
	}
	class, err := pp.bufletClass(flags, large)
	if err != nil {
		return 0, pp.allocFailed(KindBuflet, err)
	}
	objs, err := pp.bftCache.AllocBatch(len(out))
	if err != nil {
		return 0, pp.allocFailed(KindBuflet, err)
	}

	bfs := make([]*Buflet, len(objs))
	for i, o := range objs {
		b := &pp.buflets[o.Index]
		b.handle = makeHandle(KindBuflet, pp.tag, o.Gen, pp.midxStart+o.Index)
		pp.m.allocs[KindBuflet].Inc()
		pp.m.inUse[KindBuflet].Inc()
		bfs[i] = b
	}

	n := 0
	for i, b := range bfs {
		if class != bufNone {
			if err := pp.attachNewBuffer(b, class, flags); err != nil {
				for _, rb := range bfs[i:] {
					_ = pp.releaseBuflet(rb)
				}
				break
			}
		}
		out[n] = b.handle
		n++
	}
	if n == 0 {
		return 0, pp.allocFailed(KindBuflet, skmem.ErrExhausted)
	}
	return n, nil
}

// FreeBuflet returns a free-standing buflet and its buffer. Buflets still
// attached to a packet are freed with the packet.
func (pp *Pool) FreeBuflet(h Handle) error {
	b, err := pp.Buflet(h)
	if err != nil {
		return pp.freeHandleErr("free_buflet", h, err)
	}
	if b.packet != nil {
		return pp.violation("free_buflet", h, "buflet is attached to a packet")
	}
	pp.forgetBuflets(b)
	return pp.releaseBuflet(b)
}

func (pp *Pool) bufferClassOf(addr uint64) (bufClass, uint32, error) {
	for _, class := range []bufClass{bufDefault, bufLarge} {
		r := pp.bufRegion[class]
		if r == nil {
			continue
		}
		if idx, err := r.IndexOf(addr); err == nil {
			return class, idx, nil
		}
	}
	return bufNone, 0, fmt.Errorf("buffer %#x: %w", addr, ErrInvalidHandle)
}

// AllocBuffer hands out a raw buffer on pools with on-demand buffers. The
// returned Addr is what FreeBuffer takes back.
func (pp *Pool) AllocBuffer(flags AllocFlags) (Buffer, error) {
	class := bufDefault
	k := KindBuffer
	if flags&AllocLarge != 0 {
		class, k = bufLarge, KindLargeBuffer
	}
	if err := pp.checkOpen(); err != nil {
		return Buffer{}, pp.allocFailed(k, err)
	}
	if !pp.HasBufferOnDemand() {
		return Buffer{}, pp.allocFailed(k, fmt.Errorf("%w: pool %s attaches buffers at packet allocation", ErrConfig, pp.name))
	}
	if class == bufLarge && !pp.HasLargeBuf() {
		return Buffer{}, pp.allocFailed(k, fmt.Errorf("%w: pool %s has no large buffers", ErrInvalidSizeClass, pp.name))
	}
	o, err := pp.bufCache[class].Alloc()
	if err != nil {
		return Buffer{}, pp.allocFailed(k, err)
	}
	pp.m.allocs[k].Inc()
	pp.m.inUse[k].Inc()
	r := pp.bufRegion[class]
	buf := Buffer{
		Addr:    r.Addr(o.Index),
		Segment: r.SegmentOf(o.Index),
		Index:   pp.bidxStart + o.Index,
		Data:    pp.bufferData(class, o.Index),
	}
	if flags&AllocZero != 0 {
		clear(buf.Data)
	}
	return buf, nil
}

// FreeBuffer returns a raw buffer obtained from AllocBuffer. Buffers attached
// to a buflet are freed with the buflet.
func (pp *Pool) FreeBuffer(addr uint64) error {
	class, idx, err := pp.bufferClassOf(addr)
	if err != nil {
		return err
	}
	if pp.bufLinked[class][idx].Load() {
		return pp.violation("free_buffer", 0, fmt.Sprintf("buffer %#x is attached to a buflet", addr))
	}
	if err := pp.bufCache[class].Free(idx); err != nil {
		return pp.violation("free_buffer", 0, fmt.Sprintf("buffer %#x: %v", addr, err))
	}
	pp.m.inUse[class.kind()].Dec()
	return nil
}

// AttachBuffer hands a raw buffer to a buflet that has none. From then on
// the buffer is freed with the buflet.
func (pp *Pool) AttachBuffer(bft Handle, buf Buffer) error {
	b, err := pp.Buflet(bft)
	if err != nil {
		return fmt.Errorf("attach buffer: %w", err)
	}
	if b.HasBuffer() {
		return pp.violation("attach_buffer", bft, "buflet already has a buffer")
	}
	class, idx, err := pp.bufferClassOf(buf.Addr)
	if err != nil {
		return err
	}
	if !pp.bufRegion[class].IsBusy(idx) {
		return pp.violation("attach_buffer", bft, fmt.Sprintf("buffer %#x is not allocated", buf.Addr))
	}
	if !pp.bufLinked[class][idx].CompareAndSwap(false, true) {
		return pp.violation("attach_buffer", bft, fmt.Sprintf("buffer %#x is attached elsewhere", buf.Addr))
	}
	b.class = class
	b.bufIdx = idx
	b.data = pp.bufferData(class, idx)
	return nil
}

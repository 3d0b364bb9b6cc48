package pbufpool

import (
	"errors"
	"fmt"

	"github.com/SkynetNext/pbufpool/internal/logger"
	"github.com/SkynetNext/pbufpool/internal/metrics"
	"github.com/SkynetNext/pbufpool/internal/skmem"
	"go.uber.org/zap"
)

func (pp *Pool) checkOpen() error {
	if pp.IsClosed() {
		return ErrPoolClosed
	}
	return nil
}

// allocFailed counts a failed request and maps cache errors onto pool errors.
func (pp *Pool) allocFailed(k Kind, err error) error {
	switch {
	case errors.Is(err, skmem.ErrExhausted), errors.Is(err, skmem.ErrCacheClosed):
		metrics.IncAllocFailure(pp.name, k.String(), "exhausted")
		return ErrExhausted
	case errors.Is(err, ErrPoolClosed):
		metrics.IncAllocFailure(pp.name, k.String(), "closed")
	case errors.Is(err, ErrInvalidSizeClass), errors.Is(err, ErrConfig):
		metrics.IncAllocFailure(pp.name, k.String(), "config")
	default:
		metrics.IncAllocFailure(pp.name, k.String(), "error")
	}
	return err
}

// classFor picks the buffer class for a size hint. The large class is only
// used when asked for or when the hint does not fit the default class.
func (pp *Pool) classFor(hint uint32, flags AllocFlags) (bufClass, error) {
	if flags&AllocLarge != 0 {
		if !pp.HasLargeBuf() {
			return bufNone, fmt.Errorf("%w: pool %s has no large buffers", ErrInvalidSizeClass, pp.name)
		}
		return bufLarge, nil
	}
	if hint > pp.bufSize[bufDefault] && pp.HasLargeBuf() {
		return bufLarge, nil
	}
	return bufDefault, nil
}

// classBySize picks the smallest class that holds size.
func (pp *Pool) classBySize(size uint32, flags AllocFlags) (bufClass, error) {
	if flags&AllocLarge != 0 || size > pp.bufSize[bufDefault] {
		if !pp.HasLargeBuf() {
			return bufNone, fmt.Errorf("%w: %d bytes exceeds buffer size %d",
				ErrInvalidSizeClass, size, pp.bufSize[bufDefault])
		}
		if size > pp.bufSize[bufLarge] {
			return bufNone, fmt.Errorf("%w: %d bytes exceeds large buffer size %d",
				ErrInvalidSizeClass, size, pp.bufSize[bufLarge])
		}
		return bufLarge, nil
	}
	return bufDefault, nil
}

func (pp *Pool) packetSlot(h Handle) (uint32, error) {
	if h.Kind() != KindPacket || h.PoolTag() != pp.tag || h.Index() < pp.midxStart {
		return 0, ErrInvalidHandle
	}
	idx := h.Index() - pp.midxStart
	if int(idx) >= len(pp.packets) {
		return 0, ErrInvalidHandle
	}
	if !pp.mdRegion.IsBusy(idx) || pp.mdRegion.Generation(idx) != h.Generation() {
		return idx, ErrStaleHandle
	}
	return idx, nil
}

// Packet resolves a live packet handle.
func (pp *Pool) Packet(h Handle) (*Packet, error) {
	idx, err := pp.packetSlot(h)
	if err != nil {
		return nil, err
	}
	return &pp.packets[idx], nil
}

func (pp *Pool) livePacket(p *Packet) bool {
	if p == nil || p.pool != pp {
		return false
	}
	_, err := pp.packetSlot(p.handle)
	return err == nil
}

func (pp *Pool) newPacket(o skmem.Object) *Packet {
	p := &pp.packets[o.Index]
	p.handle = makeHandle(KindPacket, pp.tag, o.Gen, pp.midxStart+o.Index)
	pp.m.allocs[KindPacket].Inc()
	pp.m.inUse[KindPacket].Inc()
	return p
}

// equip gives a fresh packet its first buflet unless the caller asked for a
// bare packet. On-demand pools get a buflet without a buffer.
func (pp *Pool) equip(p *Packet, class bufClass, flags AllocFlags) error {
	if flags&AllocNoBuffer != 0 {
		return nil
	}
	if pp.HasBufferOnDemand() {
		class = bufNone
	}
	b, err := pp.allocBuflet(class, flags)
	if err != nil {
		return err
	}
	b.packet = p
	p.buflets = append(p.buflets, b)
	return nil
}

func (pp *Pool) allocPacket(class bufClass, flags AllocFlags) (Handle, error) {
	if err := pp.checkOpen(); err != nil {
		return 0, pp.allocFailed(KindPacket, err)
	}
	o, err := pp.mdCache.Alloc()
	if err != nil {
		return 0, pp.allocFailed(KindPacket, err)
	}
	p := pp.newPacket(o)
	if err := pp.equip(p, class, flags); err != nil {
		pp.releasePacket(p)
		return 0, pp.allocFailed(KindPacket, err)
	}
	return p.handle, nil
}

// AllocPacket allocates a packet with one buflet whose buffer class is chosen
// from sizeHint. It never blocks: an empty pool yields ErrExhausted.
func (pp *Pool) AllocPacket(sizeHint uint32, flags AllocFlags) (Handle, error) {
	class, err := pp.classFor(sizeHint, flags)
	if err != nil {
		return 0, pp.allocFailed(KindPacket, err)
	}
	return pp.allocPacket(class, flags)
}

// AllocPacketBySize allocates a packet whose buffer holds at least size bytes.
func (pp *Pool) AllocPacketBySize(size uint32, flags AllocFlags) (Handle, error) {
	class, err := pp.classBySize(size, flags)
	if err != nil {
		return 0, pp.allocFailed(KindPacket, err)
	}
	return pp.allocPacket(class, flags)
}

// AllocPacketBatch fills out with up to len(out) packet handles in one pass.
// Without allowPartial a short batch is rolled back completely and
// ErrExhausted is returned. cb runs once per packet after the batch is
// settled. Getting nothing at all is always ErrExhausted.
func (pp *Pool) AllocPacketBatch(sizeHint uint32, out []Handle, allowPartial bool, cb func(*Packet)) (int, error) {
	pkts, err := pp.allocPacketBatch(sizeHint, len(out), allowPartial, 0)
	if err != nil {
		return 0, err
	}
	for i, p := range pkts {
		out[i] = p.handle
	}
	if cb != nil {
		for _, p := range pkts {
			cb(p)
		}
	}
	return len(pkts), nil
}

func (pp *Pool) allocPacketBatch(sizeHint uint32, n int, allowPartial bool, flags AllocFlags) ([]*Packet, error) {
	if n == 0 {
		return nil, nil
	}
	if err := pp.checkOpen(); err != nil {
		return nil, pp.allocFailed(KindPacket, err)
	}
	class, err := pp.classFor(sizeHint, flags)
	if err != nil {
		return nil, pp.allocFailed(KindPacket, err)
	}
	objs, err := pp.mdCache.AllocBatch(n)
	if err != nil {
		return nil, pp.allocFailed(KindPacket, err)
	}

	pkts := make([]*Packet, 0, len(objs))
	for _, o := range objs {
		pkts = append(pkts, pp.newPacket(o))
	}
	short := len(pkts) < n
	for i, p := range pkts {
		if err := pp.equip(p, class, flags); err != nil {
			for _, q := range pkts[i:] {
				pp.releasePacket(q)
			}
			pkts = pkts[:i]
			short = true
			break
		}
	}

	if short && !allowPartial {
		for _, p := range pkts {
			pp.releasePacket(p)
		}
		pkts = nil
	}
	if len(pkts) == 0 {
		return nil, pp.allocFailed(KindPacket, skmem.ErrExhausted)
	}
	return pkts, nil
}

// AllocPktq appends up to n packets to q with partial fulfillment.
func (pp *Pool) AllocPktq(sizeHint uint32, q *PacketQueue, n int, cb func(*Packet)) (int, error) {
	pkts, err := pp.allocPacketBatch(sizeHint, n, true, 0)
	if err != nil {
		return 0, err
	}
	for _, p := range pkts {
		if cb != nil {
			cb(p)
		}
		q.Add(p)
	}
	return len(pkts), nil
}

// releasePacket returns a packet and everything attached to it to the
// caches. The caller has already established that the packet is live.
func (pp *Pool) releasePacket(p *Packet) error {
	var frags [16]*Buflet
	bfs := append(frags[:0], p.buflets...)
	idx := p.handle.Index() - pp.midxStart
	p.reset()
	if err := pp.mdCache.Free(idx); err != nil {
		return pp.violation("free_packet", p.handle, err.Error())
	}
	pp.m.inUse[KindPacket].Dec()
	var errs []error
	for _, b := range bfs {
		b.packet = nil
		if err := pp.releaseBuflet(b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (pp *Pool) freeHandleErr(op string, h Handle, err error) error {
	if errors.Is(err, ErrStaleHandle) {
		return pp.violation(op, h, "handle is not live")
	}
	return fmt.Errorf("%s %s: %w", op, h, err)
}

// FreePacket returns a packet, its buflets and their buffers to the pool.
// Freeing a handle that is no longer live is a consistency violation.
func (pp *Pool) FreePacket(h Handle) error {
	p, err := pp.Packet(h)
	if err != nil {
		return pp.freeHandleErr("free_packet", h, err)
	}
	pp.forgetPackets(p)
	return pp.releasePacket(p)
}

// FreePacketSingle frees a packet by reference.
func (pp *Pool) FreePacketSingle(p *Packet) error {
	if p == nil || p.pool != pp {
		return pp.violation("free_packet_single", 0, "packet does not belong to the pool")
	}
	return pp.FreePacket(p.handle)
}

// FreePacketBatch frees every handle it can and reports all failures.
// Validation entries are dropped under a single lock acquisition.
func (pp *Pool) FreePacketBatch(hs []Handle) error {
	var errs []error
	pkts := make([]*Packet, 0, len(hs))
	for _, h := range hs {
		p, err := pp.Packet(h)
		if err != nil {
			errs = append(errs, pp.freeHandleErr("free_packet_batch", h, err))
			continue
		}
		pkts = append(pkts, p)
	}
	pp.forgetPackets(pkts...)
	for _, p := range pkts {
		if err := pp.releasePacket(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FreePacketChain walks the Next links from head and frees every live
// packet exactly once. Nodes that are already free are skipped. It returns
// the number of packets freed.
func (pp *Pool) FreePacketChain(head *Packet) int {
	freed, skipped := 0, 0
	for p := head; p != nil && skipped <= len(pp.packets); {
		next := p.Next
		switch {
		case p.pool != pp:
			_ = pp.violation("free_packet_chain", p.handle, "packet belongs to another pool")
			skipped++
		case !pp.livePacket(p):
			skipped++
		default:
			pp.forgetPackets(p)
			if err := pp.releasePacket(p); err == nil {
				freed++
			}
		}
		p = next
	}
	if skipped > 0 {
		logger.L.Debug("packet chain had dead nodes",
			zap.String("pool", pp.name),
			zap.Int("freed", freed),
			zap.Int("skipped", skipped),
		)
	}
	return freed
}

// FreePktq drains q and frees every live packet in it.
func (pp *Pool) FreePktq(q *PacketQueue) int {
	freed := 0
	pkts := q.Drain()
	live := pkts[:0]
	for _, p := range pkts {
		if pp.livePacket(p) {
			live = append(live, p)
		}
	}
	pp.forgetPackets(live...)
	for _, p := range live {
		if err := pp.releasePacket(p); err == nil {
			freed++
		}
	}
	return freed
}

// AttachBuflet appends a free-standing buflet to a packet's chain.
func (pp *Pool) AttachBuflet(pkt, bft Handle) error {
	p, err := pp.Packet(pkt)
	if err != nil {
		return fmt.Errorf("attach buflet: %w", err)
	}
	b, err := pp.Buflet(bft)
	if err != nil {
		return fmt.Errorf("attach buflet: %w", err)
	}
	if b.packet != nil {
		return pp.violation("attach_buflet", bft, "buflet is already attached")
	}
	if len(p.buflets) >= int(pp.maxFrags) {
		return fmt.Errorf("attach buflet to %s: %w", pkt, ErrTooManyFrags)
	}
	b.packet = p
	p.buflets = append(p.buflets, b)
	return nil
}

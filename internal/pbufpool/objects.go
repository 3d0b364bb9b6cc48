package pbufpool

import (
	"github.com/SkynetNext/pbufpool/internal/skmem"
)

type bufClass int8

const (
	bufNone    bufClass = -1
	bufDefault bufClass = 0
	bufLarge   bufClass = 1
)

func (c bufClass) kind() Kind {
	if c == bufLarge {
		return KindLargeBuffer
	}
	return KindBuffer
}

// Packet is the metadata object of one network packet: an ordered chain of
// at most MaxFrags buflets.
type Packet struct {
	pool    *Pool
	handle  Handle
	buflets []*Buflet

	// Next links packets into caller-owned chains (see FreePacketChain).
	Next *Packet
}

// Handle returns the packet's handle.
func (p *Packet) Handle() Handle { return p.handle }

// Pool returns the pool the packet was allocated from.
func (p *Packet) Pool() *Pool { return p.pool }

// Buflets returns the fragment chain. The slice must not be modified.
func (p *Packet) Buflets() []*Buflet { return p.buflets }

// Len returns the total data length over all buflets.
func (p *Packet) Len() uint32 {
	var n uint32
	for _, b := range p.buflets {
		n += b.Len
	}
	return n
}

func (p *Packet) reset() {
	for i := range p.buflets {
		p.buflets[i] = nil
	}
	p.buflets = p.buflets[:0]
	p.Next = nil
}

// Buflet is a payload fragment descriptor with an optional attached buffer.
type Buflet struct {
	pool   *Pool
	handle Handle
	packet *Packet

	class  bufClass
	bufIdx uint32
	data   []byte

	// Off and Len delimit the valid data inside the buffer.
	Off uint32
	Len uint32
}

// Handle returns the buflet's handle.
func (b *Buflet) Handle() Handle { return b.handle }

// HasBuffer reports whether a buffer is attached.
func (b *Buflet) HasBuffer() bool { return b.class != bufNone }

// Large reports whether the attached buffer comes from the large class.
func (b *Buflet) Large() bool { return b.class == bufLarge }

// Data returns the whole attached buffer, nil when none is attached.
func (b *Buflet) Data() []byte { return b.data }

// Payload returns the valid bytes [Off, Off+Len), clamped to the buffer.
func (b *Buflet) Payload() []byte {
	if b.data == nil {
		return nil
	}
	n := uint64(len(b.data))
	start := min(uint64(b.Off), n)
	end := min(start+uint64(b.Len), n)
	return b.data[start:end]
}

// Capacity returns the usable buffer size.
func (b *Buflet) Capacity() uint32 { return uint32(len(b.data)) }

// BufferAddr returns the address of the attached buffer, 0 when none.
func (b *Buflet) BufferAddr() uint64 {
	if b.class == bufNone {
		return 0
	}
	return b.pool.bufRegion[b.class].Addr(b.bufIdx)
}

func (b *Buflet) reset() {
	b.packet = nil
	b.class = bufNone
	b.bufIdx = 0
	b.data = nil
	b.Off = 0
	b.Len = 0
}

// Buffer is a raw buffer handed out by AllocBuffer. Addr is what FreeBuffer
// takes back.
type Buffer struct {
	Addr    uint64
	Segment *skmem.Segment
	Index   uint32
	Data    []byte
}

// metaHooks clear metadata when objects leave or re-enter the depot.
type metaHooks struct{ pool *Pool }

func (h metaHooks) Construct(idx uint32, obj []byte) error {
	clear(obj)
	p := &h.pool.packets[idx]
	p.pool = h.pool
	p.reset()
	return nil
}

func (h metaHooks) Destruct(idx uint32, _ []byte) {
	h.pool.packets[idx].reset()
}

type bufletHooks struct{ pool *Pool }

func (h bufletHooks) Construct(idx uint32, obj []byte) error {
	clear(obj)
	b := &h.pool.buflets[idx]
	b.pool = h.pool
	b.reset()
	return nil
}

func (h bufletHooks) Destruct(idx uint32, _ []byte) {
	h.pool.buflets[idx].reset()
}

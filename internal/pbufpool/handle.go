package pbufpool

import (
	"fmt"

	"github.com/SkynetNext/pbufpool/internal/skmem"
)

// Kind identifies the object class a handle refers to.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindPacket
	KindBuflet
	KindBuffer
	KindLargeBuffer
)

var kindNames = [...]string{"invalid", "packet", "buflet", "buffer", "large_buffer"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Handle is the opaque 64-bit name of a pool object:
//
//	bits 63..60 kind | 59..48 pool tag | 47..32 slot generation | 31..0 index
//
// The pool tag is unique among live pools, so a handle never resolves in a
// pool other than the one that issued it. The generation is bumped each time
// the slot is freed, so a handle kept past its free never matches the slot
// again, even after the index is reused.
type Handle uint64

const (
	kindShift = 60
	tagShift  = 48
	genShift  = 32

	// MaxPoolTag is the largest pool tag, and so the number of pools that
	// can be alive at once.
	MaxPoolTag = 1<<12 - 1
)

func makeHandle(k Kind, tag uint16, gen, idx uint32) Handle {
	return Handle(uint64(k&0xF)<<kindShift |
		uint64(tag&MaxPoolTag)<<tagShift |
		uint64(gen&skmem.GenerationMask)<<genShift |
		uint64(idx))
}

// Kind returns the object class encoded in h.
func (h Handle) Kind() Kind { return Kind(h >> kindShift) }

// PoolTag returns the tag of the pool that issued h.
func (h Handle) PoolTag() uint16 { return uint16(h>>tagShift) & MaxPoolTag }

// Generation returns the slot generation encoded in h.
func (h Handle) Generation() uint32 { return uint32(h>>genShift) & skmem.GenerationMask }

// Index returns the object index encoded in h, including the pool's index offset.
func (h Handle) Index() uint32 { return uint32(h) }

// IsZero reports whether h is the zero handle, which never names an object.
func (h Handle) IsZero() bool { return h == 0 }

func (h Handle) String() string {
	return fmt.Sprintf("%s#%d.%d@%d", h.Kind(), h.Index(), h.Generation(), h.PoolTag())
}

// Package skmem is the memory collaborator of the packet buffer pool: bounded,
// indexable regions of fixed-size objects and per-CPU magazine caches in front
// of them. It knows nothing about packets; the pool layers that on top.
package skmem

import (
	"errors"
	"fmt"
)

// RegionConfig is the configuration bitset accepted when a region is created.
type RegionConfig uint32

const (
	RegionIODirIn RegionConfig = 1 << iota
	RegionIODirOut
	RegionMDPersistent
	RegionBufPersistent
	RegionMDMagazine
	RegionKernelOnly
	RegionBuflet
	RegionBufUReadOnly
	RegionBufKReadOnly
	RegionBufMonolithic
	RegionBufSegPhysContig
	RegionBufNoCache
	RegionRawBuflet
	RegionBufThreadSafe

	RegionIODirBidir = RegionIODirIn | RegionIODirOut
)

var regionConfigNames = []string{
	"iodir_in",
	"iodir_out",
	"md_persistent",
	"buf_persistent",
	"md_magazine",
	"kernel_only",
	"buflet",
	"buf_ureadonly",
	"buf_kreadonly",
	"buf_monolithic",
	"buf_segphyscontig",
	"buf_nocache",
	"raw_buflet",
	"buf_threadsafe",
}

// Has reports whether every bit of f is set.
func (c RegionConfig) Has(f RegionConfig) bool { return c&f == f }

// String renders the set bits, e.g. "iodir_in|buf_persistent".
func (c RegionConfig) String() string {
	if c == 0 {
		return "none"
	}
	s := ""
	for i, name := range regionConfigNames {
		if c&(1<<i) == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += name
	}
	return s
}

// ParseRegionConfig maps config names back to bits.
func ParseRegionConfig(names []string) (RegionConfig, error) {
	var c RegionConfig
	for _, n := range names {
		found := false
		for i, name := range regionConfigNames {
			if name == n {
				c |= 1 << i
				found = true
				break
			}
		}
		if !found {
			if n == "iodir_bidir" {
				c |= RegionIODirBidir
				continue
			}
			return 0, fmt.Errorf("%w: unknown region config %q", ErrInvalidParams, n)
		}
	}
	return c, nil
}

// RegionParams describes one region to create.
type RegionParams struct {
	// ObjectCount is the fixed capacity of the region.
	ObjectCount uint32
	ObjectSize  uint32
	// SegmentObjects is the number of objects per segment. Zero or a
	// monolithic config means one segment for the whole region.
	SegmentObjects uint32
	Config         RegionConfig
	// Wired backs the region with locked, non-pageable memory where the
	// platform supports it.
	Wired bool
	// Magazines enables the per-CPU magazine layer of caches bound to the region.
	Magazines bool
}

// Validate checks the parameters for internal consistency.
func (p RegionParams) Validate() error {
	if p.ObjectCount == 0 {
		return fmt.Errorf("%w: object count is zero", ErrInvalidParams)
	}
	if p.ObjectSize == 0 {
		return fmt.Errorf("%w: object size is zero", ErrInvalidParams)
	}
	if uint64(p.ObjectCount)*uint64(p.ObjectSize) > maxRegionBytes {
		return fmt.Errorf("%w: region of %d x %d bytes exceeds %d",
			ErrInvalidParams, p.ObjectCount, p.ObjectSize, uint64(maxRegionBytes))
	}
	if p.Config.Has(RegionBufUReadOnly) && p.Config.Has(RegionBufKReadOnly) {
		return fmt.Errorf("%w: region cannot be read-only to both user and kernel", ErrInvalidParams)
	}
	return nil
}

func (p RegionParams) segmentObjects() uint32 {
	if p.SegmentObjects == 0 || p.Config.Has(RegionBufMonolithic) || p.SegmentObjects > p.ObjectCount {
		return p.ObjectCount
	}
	return p.SegmentObjects
}

// Errors returned by regions and caches.
var (
	ErrInvalidParams = errors.New("invalid region parameters")
	ErrExhausted     = errors.New("no objects available")
	ErrDoubleFree    = errors.New("object freed twice")
	ErrBadIndex      = errors.New("object index out of range")
	ErrBadAddress    = errors.New("address does not belong to region")
	ErrRegionBusy    = errors.New("region has outstanding objects")
	ErrCacheClosed   = errors.New("cache is closed")
)

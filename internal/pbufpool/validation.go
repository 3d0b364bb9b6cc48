package pbufpool

import (
	"errors"
	"sync/atomic"
)

// OwnerID identifies the external process holding a handle.
type OwnerID int32

const (
	minBuckets = 16
	maxBuckets = 1 << 16
)

var errDuplicate = errors.New("index already present")

type tableEntry struct {
	handle Handle
	owner  OwnerID
}

// Table records which external owner holds which object. Buckets are
// selected by index modulo the bucket count; the index space is dense and
// bounded so buckets stay short.
//
// Table is not safe for concurrent mutation. Pools guard it with their mutex;
// Len may be read without it.
type Table struct {
	buckets [][]tableEntry
	live    atomic.Int64
}

// BucketsFor returns the bucket count for a region of the given capacity:
// the next power of two at or above capacity/4, within [16, 65536].
func BucketsFor(capacity uint32) int {
	n := minBuckets
	for n < int(capacity/4) && n < maxBuckets {
		n <<= 1
	}
	return n
}

// NewTable returns an empty table with n buckets.
func NewTable(n int) *Table {
	if n < 1 {
		n = 1
	}
	return &Table{buckets: make([][]tableEntry, n)}
}

// Buckets returns the bucket count.
func (t *Table) Buckets() int { return len(t.buckets) }

func (t *Table) bucket(idx uint32) int { return int(idx % uint32(len(t.buckets))) }

// Insert records that owner holds h. An entry for the same index must not
// exist already.
func (t *Table) Insert(h Handle, owner OwnerID) error {
	b := t.bucket(h.Index())
	for _, e := range t.buckets[b] {
		if e.handle.Index() == h.Index() {
			return errDuplicate
		}
	}
	t.buckets[b] = append(t.buckets[b], tableEntry{handle: h, owner: owner})
	t.live.Add(1)
	return nil
}

// Remove takes the entry for h out of the table. A missing index is
// ErrNotFound and an index held at another generation is ErrStaleHandle;
// neither changes the table.
func (t *Table) Remove(h Handle) (OwnerID, error) {
	b := t.bucket(h.Index())
	es := t.buckets[b]
	for i, e := range es {
		if e.handle.Index() != h.Index() {
			continue
		}
		if e.handle != h {
			return 0, ErrStaleHandle
		}
		last := len(es) - 1
		es[i] = es[last]
		es[last] = tableEntry{}
		t.buckets[b] = es[:last]
		t.live.Add(-1)
		return e.owner, nil
	}
	return 0, ErrNotFound
}

// Find reports whether h is present at its exact generation.
func (t *Table) Find(h Handle) bool {
	for _, e := range t.buckets[t.bucket(h.Index())] {
		if e.handle == h {
			return true
		}
	}
	return false
}

// Owner returns the owner recorded for h.
func (t *Table) Owner(h Handle) (OwnerID, bool) {
	for _, e := range t.buckets[t.bucket(h.Index())] {
		if e.handle == h {
			return e.owner, true
		}
	}
	return 0, false
}

// Purge removes every entry held by owner and returns their handles.
func (t *Table) Purge(owner OwnerID) []Handle {
	var out []Handle
	for b, es := range t.buckets {
		kept := es[:0]
		for _, e := range es {
			if e.owner == owner {
				out = append(out, e.handle)
				continue
			}
			kept = append(kept, e)
		}
		for i := len(kept); i < len(es); i++ {
			es[i] = tableEntry{}
		}
		t.buckets[b] = kept
	}
	t.live.Add(-int64(len(out)))
	return out
}

// Len returns the number of live entries.
func (t *Table) Len() int { return int(t.live.Load()) }

// IsEmpty reports whether the table holds no entries.
func (t *Table) IsEmpty() bool { return t.live.Load() == 0 }

// CountOwners adds the number of entries per owner to counts.
func (t *Table) CountOwners(counts map[OwnerID]int) {
	for _, es := range t.buckets {
		for _, e := range es {
			counts[e.owner]++
		}
	}
}

package pbufpool

import (
	"errors"
	"fmt"

	"github.com/SkynetNext/pbufpool/internal/logger"
	"github.com/SkynetNext/pbufpool/internal/metrics"
	"go.uber.org/zap"
)

// Ownership of handles crossing to an external owner. Every handle the
// external side presents back goes through Remove before it is trusted.

func (l *LockedPool) table(i int) (*Pool, *Table, error) {
	pp := l.pool()
	t := pp.tables[i]
	if t == nil {
		return pp, nil, fmt.Errorf("%w: pool %s is not shared externally", ErrConfig, pp.name)
	}
	return pp, t, nil
}

func (pp *Pool) reject(table int, err error) {
	reason := "not_found"
	switch {
	case errors.Is(err, ErrStaleHandle):
		reason = "stale"
	case errors.Is(err, ErrInvalidHandle):
		reason = "invalid"
	}
	metrics.IncValidationReject(pp.name, tableNames[table], reason)
}

// Insert records that owner now holds h, dispatching on the handle kind.
func (pp *Pool) Insert(h Handle, owner OwnerID) error {
	switch h.Kind() {
	case KindPacket:
		return pp.InsertPacket(h, owner)
	case KindBuflet:
		return pp.InsertBuflet(h, owner)
	}
	return fmt.Errorf("insert %s: %w", h, ErrInvalidHandle)
}

// InsertPacket records that owner now holds packet h.
func (pp *Pool) InsertPacket(h Handle, owner OwnerID) error {
	l := pp.Lock()
	defer l.Unlock()
	return l.InsertPacket(h, owner)
}

// InsertPacket records that owner now holds packet h.
func (l *LockedPool) InsertPacket(h Handle, owner OwnerID) error {
	pp, t, err := l.table(tablePacket)
	if err != nil {
		return err
	}
	if _, err := pp.packetSlot(h); err != nil {
		return pp.freeHandleErr("insert_packet", h, err)
	}
	return pp.insert(t, tablePacket, "insert_packet", h, owner)
}

// InsertPacketBatch records owner for every handle under one lock
// acquisition. Failures do not stop the batch and are all reported.
func (pp *Pool) InsertPacketBatch(owner OwnerID, hs []Handle) error {
	l := pp.Lock()
	defer l.Unlock()
	var errs []error
	for _, h := range hs {
		if err := l.InsertPacket(h, owner); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InsertBuflet records that owner now holds buflet h.
func (pp *Pool) InsertBuflet(h Handle, owner OwnerID) error {
	l := pp.Lock()
	defer l.Unlock()
	return l.InsertBuflet(h, owner)
}

// InsertBuflet records that owner now holds buflet h.
func (l *LockedPool) InsertBuflet(h Handle, owner OwnerID) error {
	pp, t, err := l.table(tableBuflet)
	if err != nil {
		return err
	}
	if _, err := pp.bufletSlot(h); err != nil {
		return pp.freeHandleErr("insert_buflet", h, err)
	}
	return pp.insert(t, tableBuflet, "insert_buflet", h, owner)
}

func (pp *Pool) insert(t *Table, table int, op string, h Handle, owner OwnerID) error {
	if err := t.Insert(h, owner); err != nil {
		return pp.violation(op, h, "index is already owned externally")
	}
	pp.m.tables[table].Inc()
	return nil
}

// RemovePacket internalizes a packet handle presented by the external
// side. Unknown and stale handles are rejected without changing anything.
func (pp *Pool) RemovePacket(h Handle) (*Packet, error) {
	l := pp.Lock()
	defer l.Unlock()
	return l.RemovePacket(h)
}

// RemovePacket internalizes a packet handle under the held lock.
func (l *LockedPool) RemovePacket(h Handle) (*Packet, error) {
	pp, t, err := l.table(tablePacket)
	if err != nil {
		return nil, err
	}
	if h.Kind() != KindPacket || h.PoolTag() != pp.tag {
		pp.reject(tablePacket, ErrInvalidHandle)
		return nil, fmt.Errorf("remove packet %s: %w", h, ErrInvalidHandle)
	}
	if _, err := t.Remove(h); err != nil {
		pp.reject(tablePacket, err)
		return nil, fmt.Errorf("remove packet %s: %w", h, err)
	}
	pp.m.tables[tablePacket].Dec()
	p, err := pp.Packet(h)
	if err != nil {
		return nil, pp.violation("remove_packet", h, "table entry outlived its packet")
	}
	return p, nil
}

// RemoveBuflet internalizes a buflet handle presented by the external side.
func (pp *Pool) RemoveBuflet(h Handle) (*Buflet, error) {
	l := pp.Lock()
	defer l.Unlock()
	return l.RemoveBuflet(h)
}

// RemoveBuflet internalizes a buflet handle under the held lock.
func (l *LockedPool) RemoveBuflet(h Handle) (*Buflet, error) {
	pp, t, err := l.table(tableBuflet)
	if err != nil {
		return nil, err
	}
	if h.Kind() != KindBuflet || h.PoolTag() != pp.tag {
		pp.reject(tableBuflet, ErrInvalidHandle)
		return nil, fmt.Errorf("remove buflet %s: %w", h, ErrInvalidHandle)
	}
	if _, err := t.Remove(h); err != nil {
		pp.reject(tableBuflet, err)
		return nil, fmt.Errorf("remove buflet %s: %w", h, err)
	}
	pp.m.tables[tableBuflet].Dec()
	b, err := pp.Buflet(h)
	if err != nil {
		return nil, pp.violation("remove_buflet", h, "table entry outlived its buflet")
	}
	return b, nil
}

// FindPacket reports whether h is currently owned externally.
func (pp *Pool) FindPacket(h Handle) bool {
	l := pp.Lock()
	defer l.Unlock()
	return l.FindPacket(h)
}

// FindPacket reports whether h is currently owned externally.
func (l *LockedPool) FindPacket(h Handle) bool {
	_, t, err := l.table(tablePacket)
	return err == nil && t.Find(h)
}

// FindBuflet reports whether h is currently owned externally.
func (pp *Pool) FindBuflet(h Handle) bool {
	l := pp.Lock()
	defer l.Unlock()
	return l.FindBuflet(h)
}

// FindBuflet reports whether h is currently owned externally.
func (l *LockedPool) FindBuflet(h Handle) bool {
	_, t, err := l.table(tableBuflet)
	return err == nil && t.Find(h)
}

// IsEmpty reports whether both validation tables are empty. Pools without
// tables are always empty.
func (pp *Pool) IsEmpty() bool {
	l := pp.Lock()
	defer l.Unlock()
	return l.IsEmpty()
}

// IsEmpty reports whether both validation tables are empty.
func (l *LockedPool) IsEmpty() bool { return l.pool().isEmptyLocked() }

func (pp *Pool) isEmptyLocked() bool {
	for _, t := range pp.tables {
		if t != nil && !t.IsEmpty() {
			return false
		}
	}
	return true
}

// Owners returns the number of outstanding handles per external owner.
func (pp *Pool) Owners() map[OwnerID]int {
	l := pp.Lock()
	defer l.Unlock()
	return l.Owners()
}

// Owners returns the number of outstanding handles per external owner.
func (l *LockedPool) Owners() map[OwnerID]int {
	pp := l.pool()
	out := make(map[OwnerID]int)
	for _, t := range pp.tables {
		if t != nil {
			t.CountOwners(out)
		}
	}
	return out
}

// Purge reclaims everything owner holds: its entries are removed from both
// tables and the objects go back to the caches. Entries of other owners are
// untouched. A buflet entry whose buflet is attached to a packet the owner
// does not hold is dropped without freeing the buflet; it goes back with
// that packet. It returns the number of packets and buflets freed.
func (pp *Pool) Purge(owner OwnerID) int {
	l := pp.Lock()
	pkts, bfts := l.purge(owner)
	l.Unlock()

	freed := 0
	for _, h := range pkts {
		p, err := pp.Packet(h)
		if err != nil {
			continue
		}
		pp.forgetBuflets(p.buflets...)
		if err := pp.releasePacket(p); err == nil {
			freed++
		}
	}
	for _, h := range bfts {
		b, err := pp.Buflet(h)
		if err != nil || b.packet != nil {
			// freed with its packet above, or the packet is owned elsewhere
			continue
		}
		if err := pp.releaseBuflet(b); err == nil {
			freed++
		}
	}

	if freed > 0 || len(pkts)+len(bfts) > 0 {
		metrics.PurgedObjects.WithLabelValues(pp.name).Add(float64(freed))
		logger.L.Info("purged external owner",
			zap.String("pool", pp.name),
			zap.Int32("owner", int32(owner)),
			zap.Int("packets", len(pkts)),
			zap.Int("buflets", len(bfts)),
			zap.Int("freed", freed),
		)
	}
	return freed
}

func (l *LockedPool) purge(owner OwnerID) (pkts, bfts []Handle) {
	pp := l.pool()
	if t := pp.tables[tablePacket]; t != nil {
		pkts = t.Purge(owner)
		pp.m.tables[tablePacket].Sub(float64(len(pkts)))
	}
	if t := pp.tables[tableBuflet]; t != nil {
		bfts = t.Purge(owner)
		pp.m.tables[tableBuflet].Sub(float64(len(bfts)))
	}
	return pkts, bfts
}

// forgetPackets drops the table entries of packets, and of their buflets,
// that are about to be freed by the trusted side.
func (pp *Pool) forgetPackets(pkts ...*Packet) {
	if !pp.tracking() {
		return
	}
	l := pp.Lock()
	defer l.Unlock()
	for _, p := range pkts {
		if pp.tables[tablePacket].Find(p.handle) {
			_, _ = pp.tables[tablePacket].Remove(p.handle)
			pp.m.tables[tablePacket].Dec()
		}
		pp.forgetBufletsLocked(p.buflets)
	}
}

func (pp *Pool) forgetBuflets(bfs ...*Buflet) {
	if !pp.tracking() {
		return
	}
	l := pp.Lock()
	defer l.Unlock()
	pp.forgetBufletsLocked(bfs)
}

func (pp *Pool) forgetBufletsLocked(bfs []*Buflet) {
	t := pp.tables[tableBuflet]
	for _, b := range bfs {
		if t.Find(b.handle) {
			_, _ = t.Remove(b.handle)
			pp.m.tables[tableBuflet].Dec()
		}
	}
}

// tracking reports whether any validation entry could exist.
func (pp *Pool) tracking() bool {
	t0, t1 := pp.tables[tablePacket], pp.tables[tableBuflet]
	return t0 != nil && (!t0.IsEmpty() || !t1.IsEmpty())
}

package pbufpool

import (
	"github.com/eapache/queue"
)

// PacketQueue is a caller-owned FIFO of packets, filled by AllocPktq and
// drained by FreePktq. It is not safe for concurrent use.
type PacketQueue struct {
	q *queue.Queue
}

// NewPacketQueue returns an empty queue.
func NewPacketQueue() *PacketQueue {
	return &PacketQueue{q: queue.New()}
}

// Len returns the number of queued packets.
func (pq *PacketQueue) Len() int { return pq.q.Length() }

// Add appends p.
func (pq *PacketQueue) Add(p *Packet) { pq.q.Add(p) }

// Peek returns the head packet without removing it, nil when empty.
func (pq *PacketQueue) Peek() *Packet {
	if pq.q.Length() == 0 {
		return nil
	}
	return pq.q.Peek().(*Packet)
}

// Remove pops the head packet, nil when empty.
func (pq *PacketQueue) Remove() *Packet {
	if pq.q.Length() == 0 {
		return nil
	}
	return pq.q.Remove().(*Packet)
}

// Drain empties the queue and returns its packets in order.
func (pq *PacketQueue) Drain() []*Packet {
	out := make([]*Packet, 0, pq.q.Length())
	for pq.q.Length() > 0 {
		out = append(out, pq.q.Remove().(*Packet))
	}
	return out
}

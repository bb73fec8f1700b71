// Package mutation queues building edits received from the network and
// applies them on the tick goroutine.
package mutation

import (
	"errors"
	"sync/atomic"

	"citystream.ai/internal/protocol"
	"citystream.ai/internal/sim/world/cells"
	"citystream.ai/internal/sim/world/design"
	"citystream.ai/internal/sim/world/stream"
)

var (
	ErrUnknownCell      = errors.New("mutation: cell not resident")
	ErrIndexRange       = errors.New("mutation: placement index out of range")
	ErrUnknownArchetype = errors.New("mutation: unknown archetype")
)

// Ingest is a bounded queue between transports and the tick loop. Offer is
// safe from any goroutine; Drain must only be called by the owner of the
// manager.
type Ingest struct {
	ch chan protocol.Mutation

	received  atomic.Uint64
	malformed atomic.Uint64
	dropped   atomic.Uint64
	applied   atomic.Uint64
	rejected  atomic.Uint64
}

type Stats struct {
	Received      uint64
	Malformed     uint64
	Dropped       uint64
	Applied       uint64
	Rejected      uint64
	QueueDepth    int
	QueueCapacity int
}

func NewIngest(capacity int) *Ingest {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Ingest{ch: make(chan protocol.Mutation, capacity)}
}

// Offer decodes one packet and enqueues it without blocking. Malformed packets
// and packets arriving while the queue is full are counted and dropped.
func (in *Ingest) Offer(packet []byte) bool {
	in.received.Add(1)
	m, err := protocol.DecodeMutation(packet)
	if err != nil {
		in.malformed.Add(1)
		return false
	}
	return in.Enqueue(m)
}

func (in *Ingest) Enqueue(m protocol.Mutation) bool {
	select {
	case in.ch <- m:
		return true
	default:
		in.dropped.Add(1)
		return false
	}
}

// Drain applies every queued mutation through apply. Mutations arriving
// during the drain wait for the next call.
func (in *Ingest) Drain(apply func(protocol.Mutation) error) (applied, rejected int) {
	for n := len(in.ch); n > 0; n-- {
		var m protocol.Mutation
		select {
		case m = <-in.ch:
		default:
			return applied, rejected
		}
		if err := apply(m); err != nil {
			rejected++
			in.rejected.Add(1)
			continue
		}
		applied++
		in.applied.Add(1)
	}
	return applied, rejected
}

func (in *Ingest) Stats() Stats {
	return Stats{
		Received:      in.received.Load(),
		Malformed:     in.malformed.Load(),
		Dropped:       in.dropped.Load(),
		Applied:       in.applied.Load(),
		Rejected:      in.rejected.Load(),
		QueueDepth:    len(in.ch),
		QueueCapacity: cap(in.ch),
	}
}

// Apply writes m into the resident cell: the archetype is replaced, every
// scale axis is multiplied by the packet jitter and the center height follows
// the new half extent.
func Apply(mgr *stream.Manager, reg design.Registry, m protocol.Mutation) error {
	c, ok := mgr.Cell(m.Key)
	if !ok {
		return ErrUnknownCell
	}
	if uint64(m.Index) >= uint64(len(c.Placements)) {
		return ErrIndexRange
	}
	if !reg.Has(m.ArchetypeID) {
		return ErrUnknownArchetype
	}
	mgr.Edit(m.Key, int(m.Index), func(p *cells.Placement) {
		Rewrite(p, reg, m.ArchetypeID, m.Jitter())
	})
	return nil
}

// Rewrite applies one edit to a placement outside of any manager. id must be
// known to reg.
func Rewrite(p *cells.Placement, reg design.Registry, id uint16, jitter float32) {
	half := reg.BaseHalf(id)
	p.ArchetypeID = id
	p.Scale = p.Scale.Mul(jitter)
	p.Center[1] = half.Y() * p.Scale[1]
}

package world

import (
	"context"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"citystream.ai/internal/protocol"
	"citystream.ai/internal/sim/world/cells"
	"citystream.ai/internal/sim/world/design"
	"citystream.ai/internal/sim/world/logic/mathx"
	"citystream.ai/internal/sim/world/mutation"
	"citystream.ai/internal/sim/world/stream"
)

func (w *World) Run(ctx context.Context) error {
	defer close(w.done)
	defer w.shutdown()

	hz := w.cfg.TickRateHz
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()
	dt := 1 / float64(hz)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.join:
			w.handleJoin(req)
		case id := <-w.leave:
			w.handleLeave(id)
		case mv := <-w.move:
			// Latest position wins until the next tick.
			w.pendingMoves[mv.ID] = mv
		case <-ticker.C:
			w.step(dt)
		}
	}
}

func (w *World) shutdown() {
	if !w.cfg.Stream.ResaveOnEvict {
		return
	}
	if n := w.mgr.FlushDirty(); n > 0 {
		w.logf("flushed %d edited cells", n)
	}
}

func (w *World) handleJoin(req JoinRequest) {
	resp := JoinResponse{}
	switch {
	case req.ID == "":
		resp.Err = errorMsg(protocol.ErrProtoBadRequest, "missing observer id")
	case w.subs[req.ID] != nil:
		resp.Err = errorMsg(protocol.ErrProtoBadRequest, "observer id already subscribed")
	case req.Out == nil:
		resp.Err = errorMsg(protocol.ErrInternal, "missing output queue")
	case !finite(req.X) || !finite(req.Z):
		resp.Err = errorMsg(protocol.ErrProtoBadRequest, "position must be finite")
	default:
		origin := w.mgr.Origin()
		lx := float32(float64(req.X) - origin.X())
		lz := float32(float64(req.Z) - origin.Z())
		w.mgr.SetObserver(stream.ObserverID(req.ID), lx, lz)
		w.subs[req.ID] = &subscriber{id: req.ID, out: req.Out, sent: map[cells.Key]uint64{}, origin: origin}
		w.pendingJoins = append(w.pendingJoins, req.ID)
		resp.Welcome = w.welcome(req.ID)
	}
	if req.Resp != nil {
		select {
		case req.Resp <- resp:
		default:
		}
	}
}

func (w *World) handleLeave(id string) {
	if _, ok := w.subs[id]; !ok {
		return
	}
	delete(w.subs, id)
	delete(w.pendingMoves, id)
	w.pendingLeave = append(w.pendingLeave, id)
	w.pendingEvict = append(w.pendingEvict, w.mgr.RemoveObserver(stream.ObserverID(id))...)
}

func (w *World) welcome(id string) protocol.WelcomeMsg {
	p := w.cfg.Stream.Params
	sx, sz := p.CellSpan()
	wp := protocol.WorldParams{
		TickRateHz: w.cfg.TickRateHz,
		Radius:     w.cfg.Stream.Radius,
		Seed:       p.Seed,
		LotsX:      p.LotsX,
		LotsZ:      p.LotsZ,
		BlocksX:    p.BlocksX,
		BlocksZ:    p.BlocksZ,
	}
	if b := w.cfg.Stream.Bounds; !b.IsUnbounded() {
		wp.Bounds = []int{b.MinCX, b.MaxCX, b.MinCZ, b.MaxCZ}
	}
	return protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		WorldID:         w.cfg.ID,
		ObserverID:      id,
		Params:          wp,
		CellSpan:        [2]float32{sx, sz},
		Origin:          vec3(w.mgr.Origin()),
		ArchetypeDigest: w.cfg.ArchetypeDigest,
	}
}

// step runs one tick: network edits, observer moves, floating origin,
// residency, churn, then observer feeds.
func (w *World) step(dt float64) {
	tick := w.tick.Load()
	entry := TickLogEntry{Tick: tick, Joins: w.pendingJoins, Leaves: w.pendingLeave}
	var bucket StatsBucket

	applied, rejected := w.ingest.Drain(func(m protocol.Mutation) error {
		err := mutation.Apply(w.mgr, w.reg, m)
		w.journal(tick, m, err)
		return err
	})
	entry.Mutations = MutationCount{Applied: applied, Rejected: rejected}

	for id, mv := range w.pendingMoves {
		delete(w.pendingMoves, id)
		s := w.subs[id]
		if s == nil || !finite(mv.X) || !finite(mv.Z) {
			continue
		}
		// Translate from the frame the client last saw into the current one.
		d := s.origin.Sub(w.mgr.Origin())
		w.mgr.SetObserver(stream.ObserverID(id), float32(float64(mv.X)+d.X()), float32(float64(mv.Z)+d.Z()))
	}

	if off, ok := w.mgr.MaybeRebase(w.cfg.RebaseDistance); ok {
		shift := vec3(off)
		entry.Shift = &shift
		bucket.Rebases++
		w.logf("tick %d: origin rebased by (%.1f, %.1f) to %v", tick, off.X(), off.Z(), vec3(w.mgr.Origin()))
	}

	diff := w.mgr.EnsureForObservers(w.designer, w.reg)
	entry.Loaded = diff.Loaded
	entry.Generated = diff.Generated
	entry.Evicted = append(w.pendingEvict, diff.Evicted...)
	w.recordBakes(tick, diff.Loaded, "store")
	w.recordBakes(tick, diff.Generated, "designed")

	entry.Churned = w.mgr.MutateNear(w.reg, w.cfg.ChurnRate, dt, w.cfg.ChurnRadius, mathx.Mix64(w.cfg.Stream.Params.Seed^tick))

	bucket.Dropped = w.publish(tick)

	bucket.Loaded = len(entry.Loaded)
	bucket.Generated = len(entry.Generated)
	bucket.Evicted = len(entry.Evicted)
	bucket.Churned = entry.Churned
	bucket.Applied = applied
	bucket.Rejected = rejected
	w.stats.Record(tick, bucket)

	entry.Observers = len(w.subs)
	entry.Resident = w.mgr.Len()
	if w.tickLogger != nil && !quiet(entry) {
		if err := w.tickLogger.WriteTick(entry); err != nil {
			w.logf("tick %d: write tick log: %v", tick, err)
		}
	}

	w.pendingJoins = nil
	w.pendingLeave = nil
	w.pendingEvict = nil

	w.metrics.Store(&Metrics{
		WorldID:     w.cfg.ID,
		Tick:        tick,
		Observers:   len(w.subs),
		Resident:    w.mgr.Len(),
		Origin:      vec3(w.mgr.Origin()),
		Window:      w.stats.Summarize(tick),
		WindowTicks: w.stats.WindowTicks(),
	})
	w.tick.Store(tick + 1)
}

func (w *World) journal(tick uint64, m protocol.Mutation, err error) {
	if w.mutationLogger == nil {
		return
	}
	e := MutationLogEntry{
		Tick:        tick,
		CX:          m.Key.CX,
		CZ:          m.Key.CZ,
		Index:       m.Index,
		ArchetypeID: m.ArchetypeID,
		Jitter:      m.Jitter(),
	}
	if err != nil {
		e.Reason = err.Error()
	}
	if werr := w.mutationLogger.WriteMutation(e); werr != nil {
		w.logf("tick %d: write mutation log: %v", tick, werr)
	}
}

func (w *World) recordBakes(tick uint64, keys []cells.Key, source string) {
	if w.bakeRecorder == nil {
		return
	}
	for _, k := range keys {
		ps, ok := w.mgr.Relative(k)
		if !ok {
			continue
		}
		w.bakeRecorder.RecordBake(BakeEntry{
			Tick:       tick,
			CX:         k.CX,
			CZ:         k.CZ,
			Placements: len(ps),
			Digest:     design.Digest(ps),
			Source:     source,
		})
	}
}

func quiet(e TickLogEntry) bool {
	return len(e.Joins) == 0 && len(e.Leaves) == 0 && len(e.Loaded) == 0 && len(e.Generated) == 0 &&
		len(e.Evicted) == 0 && e.Shift == nil && e.Churned == 0 && e.Mutations == (MutationCount{})
}

func errorMsg(code, msg string) *protocol.ErrorMsg {
	return &protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, Code: code, Message: msg}
}

func vec3(v mgl64.Vec3) [3]float64 { return [3]float64{v.X(), v.Y(), v.Z()} }

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

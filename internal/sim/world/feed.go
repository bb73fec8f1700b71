package world

import (
	"encoding/json"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"citystream.ai/internal/protocol"
	"citystream.ai/internal/sim/world/cells"
	"citystream.ai/internal/sim/world/stream"
)

// subscriber mirrors what one client holds. sent and origin only advance when
// a frame is actually queued, so a dropped frame is recovered by the next diff.
type subscriber struct {
	id     string
	out    chan []byte
	sent   map[cells.Key]uint64
	origin mgl64.Vec3
}

// publish queues one CELLS frame per subscriber whose window changed and
// returns how many frames were dropped on full queues.
func (w *World) publish(tick uint64) int {
	ids := make([]string, 0, len(w.subs))
	for id := range w.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	dropped := 0
	for _, id := range ids {
		s := w.subs[id]
		x, z, ok := w.mgr.Observer(stream.ObserverID(id))
		if !ok {
			continue
		}
		msg, next := w.cellsFor(s, tick, w.mgr.WindowOf(x, z, w.cfg.Stream.Radius))
		if msg == nil {
			continue
		}
		b, err := json.Marshal(msg)
		if err != nil {
			w.logf("tick %d: encode cells for %s: %v", tick, id, err)
			continue
		}
		select {
		case s.out <- b:
			s.sent = next
			s.origin = w.mgr.Origin()
		default:
			dropped++
		}
	}
	return dropped
}

// cellsFor diffs the window against what s holds. It returns nil when the
// client is up to date.
func (w *World) cellsFor(s *subscriber, tick uint64, window []cells.Key) (*protocol.CellsMsg, map[cells.Key]uint64) {
	origin := w.mgr.Origin()
	msg := &protocol.CellsMsg{
		Type:            protocol.TypeCells,
		ProtocolVersion: protocol.Version,
		Tick:            tick,
		Origin:          vec3(origin),
		Added:           []protocol.CellPayload{},
		Removed:         []protocol.CellKey{},
	}
	if origin != s.origin {
		d := origin.Sub(s.origin)
		msg.Shift = &[3]float64{d.X(), 0, d.Z()}
	}

	next := make(map[cells.Key]uint64, len(window))
	for _, k := range window {
		c, ok := w.mgr.Cell(k)
		if !ok {
			continue
		}
		next[k] = c.Version
		if v, ok := s.sent[k]; ok && v == c.Version {
			continue
		}
		msg.Added = append(msg.Added, protocol.NewCellPayload(k, c.Placements))
	}

	var gone []cells.Key
	for k := range s.sent {
		if _, ok := next[k]; !ok {
			gone = append(gone, k)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].Less(gone[j]) })
	for _, k := range gone {
		msg.Removed = append(msg.Removed, protocol.KeyOf(k))
	}

	if len(msg.Added) == 0 && len(msg.Removed) == 0 && msg.Shift == nil {
		return nil, nil
	}
	return msg, next
}

package stream

import (
	"sort"

	"citystream.ai/internal/sim/world/cells"
)

// wanted is the union of every observer's (2r+1)^2 window clipped to the
// world bounds, in raster order.
func (m *Manager) wanted(r int) []cells.Key {
	if len(m.observers) == 0 {
		return nil
	}
	seen := map[cells.Key]struct{}{}
	var window []cells.Key
	for _, o := range m.observers {
		window = m.cfg.Bounds.Window(window[:0], m.CellOf(o.x, o.z), r)
		for _, k := range window {
			seen[k] = struct{}{}
		}
	}
	out := make([]cells.Key, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

// WindowOf is the clipped window of radius r around a local position.
func (m *Manager) WindowOf(x, z float32, r int) []cells.Key {
	return m.cfg.Bounds.Window(nil, m.CellOf(x, z), r)
}

func sortKeys(keys []cells.Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

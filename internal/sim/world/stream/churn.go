package stream

import (
	"citystream.ai/internal/sim/world/cells"
	"citystream.ai/internal/sim/world/design"
	"citystream.ai/internal/sim/world/logic/mathx"
)

const (
	churnJitter = 0.05
	minScale    = 0.25
	maxScale    = 8
)

// MutateNear slowly rebuilds buildings around observers. Every resident cell
// within radius cells of some observer accrues count*rate*dt mutations; each
// whole unit re-rolls one placement's archetype within its category and
// nudges its scale. A cell is visited once per call however many observers
// cover it.
func (m *Manager) MutateNear(reg design.Registry, ratePerSecond, dt float64, radius int, seed uint64) int {
	if ratePerSecond <= 0 || dt <= 0 || len(m.observers) == 0 {
		return 0
	}
	n := 0
	for _, k := range m.wanted(radius) {
		c, ok := m.cells[k]
		if !ok || len(c.Placements) == 0 {
			continue
		}
		count := float64(len(c.Placements))
		c.budget += count * ratePerSecond * dt
		if c.budget > count {
			c.budget = count
		}
		for step := 0; c.budget >= 1; step++ {
			c.budget--
			h := mathx.Hash3(int64(seed), k.CX, step, k.CZ)
			idx := int(h % uint64(len(c.Placements)))
			rebuild(&c.Placements[idx], reg, h)
			c.Dirty = true
			c.Version = m.nextVersion()
			n++
		}
	}
	return n
}

func rebuild(p *cells.Placement, reg design.Registry, h uint64) {
	ids := reg.IDsInCategory(reg.CategoryOf(p.ArchetypeID))
	if len(ids) > 1 {
		j := int((h >> 8) % uint64(len(ids)))
		if ids[j] == p.ArchetypeID {
			j = (j + 1) % len(ids)
		}
		p.ArchetypeID = ids[j]
	}
	for axis := 0; axis < 3; axis++ {
		u := float32((h>>(16+16*uint(axis)))&0xFFFF) / 65535
		f := 1 + churnJitter*(2*u-1)
		p.Scale[axis] = mathx.Clamp32(p.Scale[axis]*f, minScale, maxScale)
	}
	p.Center[1] = reg.BaseHalf(p.ArchetypeID).Y() * p.Scale[1]
}

// Edit runs fn on one resident placement and marks the cell dirty. It
// reports false when the cell is not resident or index is out of range.
func (m *Manager) Edit(k cells.Key, index int, fn func(p *cells.Placement)) bool {
	c, ok := m.cells[k]
	if !ok || index < 0 || index >= len(c.Placements) {
		return false
	}
	fn(&c.Placements[index])
	c.Dirty = true
	c.Version = m.nextVersion()
	return true
}

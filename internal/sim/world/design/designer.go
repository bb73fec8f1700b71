// Package design turns a cell key into a deterministic list of building
// placements.
package design

import (
	"github.com/go-gl/mathgl/mgl32"

	"citystream.ai/internal/sim/world/cells"
)

// Registry resolves archetype ids. Implementations must be safe for
// concurrent reads.
type Registry interface {
	BaseHalf(id uint16) mgl32.Vec3
	CategoryOf(id uint16) cells.Category
	// IDsInCategory returns ids in a stable order. Callers must not modify it.
	IDsInCategory(c cells.Category) []uint16
	Has(id uint16) bool
}

// Context is everything a Designer may depend on besides the registry.
type Context struct {
	Key  cells.Key
	Seed uint64
	// World extent in absolute coordinates, informational.
	WorldMin [2]float32
	WorldMax [2]float32
}

// Designer produces the placements of one cell, with centers relative to the
// cell's min corner (cells.Grid.Origin). The same Context and registry must
// always yield the same placements.
type Designer interface {
	DesignCell(ctx Context, reg Registry) []cells.Placement
}

// Weights holds per-category probabilities indexed by cells.Category.
type Weights [cells.NumCategories]float32

func (w Weights) Sum() float32 {
	var s float32
	for _, v := range w {
		s += v
	}
	return s
}

// Normalized scales w to sum to one. A zero vector stays zero.
func (w Weights) Normalized() Weights {
	s := w.Sum()
	if s < 1e-5 {
		s = 1e-5
	}
	for i := range w {
		w[i] /= s
	}
	return w
}

// Pick maps a unit draw onto a category by cumulative weight.
func (w Weights) Pick(u float32) cells.Category {
	acc := float32(0)
	for i := 0; i < cells.NumCategories-1; i++ {
		acc += w[i]
		if u < acc {
			return cells.Category(i)
		}
	}
	return cells.Category(cells.NumCategories - 1)
}

// Package stream keeps the set of resident cells around a moving group of
// observers. A Manager is owned by a single goroutine.
package stream

import (
	"log"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"citystream.ai/internal/persistence/cellstore"
	"citystream.ai/internal/sim/world/cells"
	"citystream.ai/internal/sim/world/design"
)

type ObserverID string

// Config.Bounds is inclusive; its zero value admits only cell 0_0, use
// cells.Unbounded for an open world.
type Config struct {
	Params     cells.Params
	Radius     int
	Bounds     cells.Bounds
	BakeOnMiss bool
	// ResaveOnEvict writes edited cells back to the store when they leave.
	ResaveOnEvict bool
}

// Cell is a resident cell. Placements are in local (origin-relative)
// coordinates.
type Cell struct {
	Key        cells.Key
	Placements []cells.Placement
	Dirty      bool
	// Version changes on every insert and edit and is never reused within a
	// manager, so feeds can tell when to resend.
	Version uint64

	budget float64
}

// Diff reports what one EnsureForObservers call changed, each list in raster
// order.
type Diff struct {
	Loaded    []cells.Key
	Generated []cells.Key
	Evicted   []cells.Key
}

func (d Diff) Empty() bool {
	return len(d.Loaded) == 0 && len(d.Generated) == 0 && len(d.Evicted) == 0
}

type observer struct {
	x, z float32
}

type Manager struct {
	cfg   Config
	grid  cells.Grid
	store cellstore.Store
	log   *log.Logger

	cells     map[cells.Key]*Cell
	observers map[ObserverID]observer
	origin    mgl64.Vec3
	serial    uint64
}

func NewManager(cfg Config, store cellstore.Store, logger *log.Logger) *Manager {
	if store == nil {
		store = cellstore.Discard{}
	}
	if cfg.Radius < 0 {
		cfg.Radius = 0
	}
	return &Manager{
		cfg:       cfg,
		grid:      cells.NewGrid(cfg.Params),
		store:     store,
		log:       logger,
		cells:     map[cells.Key]*Cell{},
		observers: map[ObserverID]observer{},
	}
}

func (m *Manager) Config() Config     { return m.cfg }
func (m *Manager) Grid() cells.Grid   { return m.grid }
func (m *Manager) Origin() mgl64.Vec3 { return m.origin }
func (m *Manager) Len() int           { return len(m.cells) }

// SetObserver inserts or moves an observer. Positions are local coordinates.
func (m *Manager) SetObserver(id ObserverID, x, z float32) {
	if isBad(x) || isBad(z) {
		return
	}
	m.observers[id] = observer{x: x, z: z}
}

// RemoveObserver drops the observer and evicts every cell no other observer
// still needs.
func (m *Manager) RemoveObserver(id ObserverID) []cells.Key {
	if _, ok := m.observers[id]; !ok {
		return nil
	}
	delete(m.observers, id)
	return m.prune(m.wanted(m.cfg.Radius))
}

func (m *Manager) Observer(id ObserverID) (x, z float32, ok bool) {
	o, ok := m.observers[id]
	return o.x, o.z, ok
}

func (m *Manager) ObserverIDs() []ObserverID {
	ids := make([]ObserverID, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CellOf maps a local position to its cell using absolute coordinates, so a
// floating-origin shift never changes the answer.
func (m *Manager) CellOf(x, z float32) cells.Key {
	return m.grid.CellOf(float64(x)+m.origin.X(), float64(z)+m.origin.Z())
}

func (m *Manager) Cell(k cells.Key) (*Cell, bool) {
	c, ok := m.cells[k]
	return c, ok
}

// Cells lists resident cells in raster order.
func (m *Manager) Cells() []cells.Key {
	keys := make([]cells.Key, 0, len(m.cells))
	for k := range m.cells {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// EnsureForObservers makes the resident set equal to the union of every
// observer's window: unneeded cells are evicted, missing ones are loaded from
// the store or designed (and baked when configured).
func (m *Manager) EnsureForObservers(d design.Designer, reg design.Registry) Diff {
	want := m.wanted(m.cfg.Radius)
	diff := Diff{Evicted: m.prune(want)}

	for _, k := range want {
		if _, ok := m.cells[k]; ok {
			continue
		}
		if rec, ok := m.store.Load(k); ok {
			m.insert(k, rec.Placements)
			diff.Loaded = append(diff.Loaded, k)
			continue
		}
		ps := d.DesignCell(DesignContext(m.cfg, k), reg)
		if m.cfg.BakeOnMiss {
			if err := m.store.Save(k, cellstore.Record{Key: k, Placements: ps}); err != nil {
				m.logf("bake %s: %v", k, err)
			}
		}
		m.insert(k, ps)
		diff.Generated = append(diff.Generated, k)
	}
	return diff
}

// DesignContext is the context a manager with cfg hands its designer for k.
func DesignContext(cfg Config, k cells.Key) design.Context {
	ctx := design.Context{Key: k, Seed: cfg.Params.Seed}
	b := cfg.Bounds
	if b.IsUnbounded() {
		ctx.WorldMin = [2]float32{-math.MaxFloat32, -math.MaxFloat32}
		ctx.WorldMax = [2]float32{math.MaxFloat32, math.MaxFloat32}
		return ctx
	}
	grid := cells.NewGrid(cfg.Params)
	minX, minZ := grid.Origin(cells.Key{CX: b.MinCX, CZ: b.MinCZ})
	maxX, maxZ := grid.Origin(cells.Key{CX: b.MaxCX + 1, CZ: b.MaxCZ + 1})
	ctx.WorldMin = [2]float32{float32(minX), float32(minZ)}
	ctx.WorldMax = [2]float32{float32(maxX), float32(maxZ)}
	return ctx
}

// insert takes ownership of ps, which is relative to the cell's min corner.
// The shift to the local frame happens in float64 so far cells keep their
// sub-meter layout.
func (m *Manager) insert(k cells.Key, ps []cells.Placement) {
	dx, dz := m.cellShift(k)
	for i := range ps {
		ps[i].Center[0] = float32(float64(ps[i].Center[0]) + dx)
		ps[i].Center[2] = float32(float64(ps[i].Center[2]) + dz)
	}
	m.cells[k] = &Cell{Key: k, Placements: ps, Version: m.nextVersion()}
}

func (m *Manager) nextVersion() uint64 {
	m.serial++
	return m.serial
}

// cellShift is the offset from k's frame to the local frame.
func (m *Manager) cellShift(k cells.Key) (dx, dz float64) {
	x, z := m.grid.Origin(k)
	return x - m.origin.X(), z - m.origin.Z()
}

func (m *Manager) relative(k cells.Key, ps []cells.Placement) []cells.Placement {
	out := make([]cells.Placement, len(ps))
	copy(out, ps)
	dx, dz := m.cellShift(k)
	for i := range out {
		out[i].Center[0] = float32(float64(out[i].Center[0]) - dx)
		out[i].Center[2] = float32(float64(out[i].Center[2]) - dz)
	}
	return out
}

// Relative returns a copy of a resident cell's placements in the cell frame
// used by designers and the store.
func (m *Manager) Relative(k cells.Key) ([]cells.Placement, bool) {
	c, ok := m.cells[k]
	if !ok {
		return nil, false
	}
	return m.relative(k, c.Placements), true
}

// prune evicts every resident cell not in want (sorted).
func (m *Manager) prune(want []cells.Key) []cells.Key {
	keep := make(map[cells.Key]struct{}, len(want))
	for _, k := range want {
		keep[k] = struct{}{}
	}
	var evicted []cells.Key
	for k, c := range m.cells {
		if _, ok := keep[k]; ok {
			continue
		}
		if c.Dirty && m.cfg.ResaveOnEvict {
			if err := m.store.Save(k, cellstore.Record{Key: k, Placements: m.relative(k, c.Placements)}); err != nil {
				m.logf("resave %s: %v", k, err)
			}
		}
		delete(m.cells, k)
		evicted = append(evicted, k)
	}
	sortKeys(evicted)
	return evicted
}

// FlushDirty saves every dirty resident cell and clears its flag. Cells whose
// save fails stay dirty.
func (m *Manager) FlushDirty() int {
	saved := 0
	for _, k := range m.Cells() {
		c := m.cells[k]
		if !c.Dirty {
			continue
		}
		if err := m.store.Save(k, cellstore.Record{Key: k, Placements: m.relative(k, c.Placements)}); err != nil {
			m.logf("flush %s: %v", k, err)
			continue
		}
		c.Dirty = false
		saved++
	}
	return saved
}

func (m *Manager) logf(format string, args ...any) {
	if m.log != nil {
		m.log.Printf(format, args...)
	}
}

func isBad(v float32) bool {
	f := float64(v)
	return math.IsNaN(f) || math.IsInf(f, 0)
}

package stream

import (
	"bytes"
	"errors"
	"log"
	"math"
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"citystream.ai/internal/persistence/cellstore"
	"citystream.ai/internal/sim/catalogs"
	"citystream.ai/internal/sim/world/cells"
	"citystream.ai/internal/sim/world/design"
)

func testConfig(r int) Config {
	return Config{Params: cells.DefaultParams(), Radius: r, Bounds: cells.Unbounded(), BakeOnMiss: true}
}

func testDesigner() design.Designer {
	return design.NewRuleDesigner(cells.DefaultParams(), design.DefaultZoning(), nil)
}

func digests(m *Manager) map[cells.Key]string {
	out := map[cells.Key]string{}
	for _, k := range m.Cells() {
		c, _ := m.Cell(k)
		out[k] = design.Digest(c.Placements)
	}
	return out
}

func TestEnsureForObserversEvictionBound(t *testing.T) {
	reg := catalogs.DefaultArchetypes()
	m := NewManager(testConfig(1), nil, nil)
	m.SetObserver("a", 0, 0)

	d := m.EnsureForObservers(testDesigner(), reg)
	if len(d.Generated) != 9 || m.Len() != 9 {
		t.Fatalf("generated=%d len=%d want 9", len(d.Generated), m.Len())
	}
	if d.Generated[0] != (cells.Key{CX: -1, CZ: -1}) || d.Generated[8] != (cells.Key{CX: 1, CZ: 1}) {
		t.Fatalf("generation not in raster order: %v", d.Generated)
	}

	span := m.Grid().SpanX
	m.SetObserver("a", float32(10*span), 0)
	d = m.EnsureForObservers(testDesigner(), reg)
	if len(d.Evicted) != 9 || len(d.Generated) != 9 || m.Len() != 9 {
		t.Fatalf("after move: evicted=%d generated=%d len=%d", len(d.Evicted), len(d.Generated), m.Len())
	}
	if _, ok := m.Cell(cells.Key{CX: 10, CZ: 0}); !ok {
		t.Fatalf("observer cell not resident")
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	reg := catalogs.DefaultArchetypes()
	m := NewManager(testConfig(2), nil, nil)
	m.SetObserver("a", 5, 5)
	m.EnsureForObservers(testDesigner(), reg)
	before := digests(m)
	m.SetObserver("a", 5, 5)
	if d := m.EnsureForObservers(testDesigner(), reg); !d.Empty() {
		t.Fatalf("second ensure changed state: %+v", d)
	}
	after := digests(m)
	if len(before) != 25 || len(after) != 25 {
		t.Fatalf("len before=%d after=%d", len(before), len(after))
	}
	for k, v := range before {
		if after[k] != v {
			t.Fatalf("cell %v changed", k)
		}
	}
}

func TestRemoveObserverPrunes(t *testing.T) {
	reg := catalogs.DefaultArchetypes()
	m := NewManager(testConfig(1), cellstore.Discard{}, nil)
	span := float32(m.Grid().SpanX)
	m.SetObserver("a", 0, 0)
	m.SetObserver("b", 20*span, 0)
	m.EnsureForObservers(testDesigner(), reg)
	if m.Len() != 18 {
		t.Fatalf("len=%d want 18", m.Len())
	}
	if ev := m.RemoveObserver("b"); len(ev) != 9 || m.Len() != 9 {
		t.Fatalf("evicted=%d len=%d", len(ev), m.Len())
	}
	m.RemoveObserver("a")
	if m.Len() != 0 {
		t.Fatalf("no observers should leave no cells, len=%d", m.Len())
	}
	if ev := m.RemoveObserver("missing"); ev != nil {
		t.Fatalf("removing unknown observer evicted %v", ev)
	}
}

func TestBoundsClipWindow(t *testing.T) {
	reg := catalogs.DefaultArchetypes()
	cfg := testConfig(3)
	cfg.Bounds = cells.Bounds{MinCX: -1, MaxCX: 1, MinCZ: -1, MaxCZ: 1}
	m := NewManager(cfg, nil, nil)
	m.SetObserver("a", 0, 0)
	m.EnsureForObservers(testDesigner(), reg)
	if m.Len() != 9 {
		t.Fatalf("len=%d want 9", m.Len())
	}
	for _, k := range m.Cells() {
		if !cfg.Bounds.Contains(k) {
			t.Fatalf("cell %v outside bounds", k)
		}
	}
	m.SetObserver("a", float32(100000), 0)
	m.EnsureForObservers(testDesigner(), reg)
	if m.Len() != 0 {
		t.Fatalf("observer outside bounds should see nothing, len=%d", m.Len())
	}
}

func TestStoreHitInsertedVerbatimAndBakeOnMiss(t *testing.T) {
	reg := catalogs.DefaultArchetypes()
	kv := cellstore.NewMemoryKV()
	store := cellstore.NewKeyStore(kv, nil)

	m := NewManager(testConfig(1), store, nil)
	m.SetObserver("a", 0, 0)
	m.EnsureForObservers(testDesigner(), reg)
	if kv.Len() != 9 {
		t.Fatalf("baked %d cells want 9", kv.Len())
	}
	want := digests(m)

	// A stored record wins over the designer, even if it differs.
	custom := cellstore.Record{Key: cells.Key{CX: 0, CZ: 0}, Placements: []cells.Placement{{ArchetypeID: 2}}}
	if err := store.Save(custom.Key, custom); err != nil {
		t.Fatalf("save: %v", err)
	}

	again := NewManager(testConfig(1), store, nil)
	again.SetObserver("a", 0, 0)
	d := again.EnsureForObservers(testDesigner(), reg)
	if len(d.Loaded) != 9 || len(d.Generated) != 0 {
		t.Fatalf("loaded=%d generated=%d", len(d.Loaded), len(d.Generated))
	}
	got := digests(again)
	for k, v := range want {
		if k == custom.Key {
			continue
		}
		if got[k] != v {
			t.Fatalf("cell %v differs after reload", k)
		}
	}
	c, _ := again.Cell(custom.Key)
	if len(c.Placements) != 1 || c.Placements[0].ArchetypeID != 2 {
		t.Fatalf("stored record not used verbatim: %+v", c.Placements)
	}
}

func TestCorruptRecordRegenerated(t *testing.T) {
	reg := catalogs.DefaultArchetypes()
	kv := cellstore.NewMemoryKV()
	_ = kv.SetItem(cellstore.ItemKey(cells.Key{CX: 0, CZ: 0}), "AAAA")
	m := NewManager(testConfig(0), cellstore.NewKeyStore(kv, nil), nil)
	m.SetObserver("a", 1, 1)
	d := m.EnsureForObservers(testDesigner(), reg)
	if len(d.Generated) != 1 || d.Generated[0] != (cells.Key{}) {
		t.Fatalf("diff=%+v", d)
	}
	c, _ := m.Cell(cells.Key{})
	if len(c.Placements) != 324 {
		t.Fatalf("regenerated %d placements", len(c.Placements))
	}
}

type failingStore struct{ cellstore.Discard }

func (failingStore) Save(cells.Key, cellstore.Record) error { return errors.New("disk full") }

func TestBakeFailureIsNotFatal(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(testConfig(0), failingStore{}, log.New(&buf, "", 0))
	m.SetObserver("a", 0, 0)
	d := m.EnsureForObservers(testDesigner(), catalogs.DefaultArchetypes())
	if len(d.Generated) != 1 || m.Len() != 1 {
		t.Fatalf("cell should still be resident: %+v", d)
	}
	if !strings.Contains(buf.String(), "disk full") {
		t.Fatalf("failure not logged: %q", buf.String())
	}
}

func TestOriginShiftInvertible(t *testing.T) {
	reg := catalogs.DefaultArchetypes()
	m := NewManager(testConfig(1), nil, nil)
	m.SetObserver("a", 40, -30)
	m.EnsureForObservers(testDesigner(), reg)
	before := map[cells.Key][]cells.Placement{}
	for _, k := range m.Cells() {
		c, _ := m.Cell(k)
		before[k] = append([]cells.Placement(nil), c.Placements...)
	}
	cellBefore := m.CellOf(40, -30)

	v := mgl64.Vec3{250.5, 3, -1234.25}
	m.ApplyOriginShift(v)
	if x, z, _ := m.Observer("a"); math.Abs(float64(x)-(40-250.5)) > 1e-3 || math.Abs(float64(z)-(-30+1234.25)) > 1e-3 {
		t.Fatalf("observer not shifted: (%v,%v)", x, z)
	}
	if got := m.CellOf(40-250.5, -30+1234.25); got != cellBefore {
		t.Fatalf("shift changed the observer cell: %v vs %v", got, cellBefore)
	}
	if d := m.EnsureForObservers(testDesigner(), reg); !d.Empty() {
		t.Fatalf("shift should not change residency: %+v", d)
	}

	m.ApplyOriginShift(v.Mul(-1))
	if m.Origin().Len() > 1e-9 {
		t.Fatalf("origin=%v want zero", m.Origin())
	}
	for k, want := range before {
		c, _ := m.Cell(k)
		for i := range want {
			for axis := 0; axis < 3; axis++ {
				if math.Abs(float64(c.Placements[i].Center[axis]-want[i].Center[axis])) > 1e-3 {
					t.Fatalf("cell %v placement %d axis %d drifted: %v vs %v", k, i, axis, c.Placements[i].Center, want[i].Center)
				}
			}
		}
	}
}

func TestMaybeRebase(t *testing.T) {
	reg := catalogs.DefaultArchetypes()
	m := NewManager(testConfig(1), nil, nil)
	m.SetObserver("b", 10, 10)
	m.SetObserver("a", 600, 0)
	m.EnsureForObservers(testDesigner(), reg)
	n := m.Len()

	if _, ok := m.MaybeRebase(0); ok {
		t.Fatalf("threshold 0 disables rebasing")
	}
	off, ok := m.MaybeRebase(500)
	if !ok || off != (mgl64.Vec3{600, 0, 0}) {
		t.Fatalf("rebase=%v,%v", off, ok)
	}
	if x, z, _ := m.Observer("a"); x != 0 || z != 0 {
		t.Fatalf("observer a at (%v,%v) after rebase", x, z)
	}
	// b is now 590 away; only one shift per call.
	if x, _, _ := m.Observer("b"); x != -590 {
		t.Fatalf("observer b x=%v", x)
	}
	if d := m.EnsureForObservers(testDesigner(), reg); !d.Empty() || m.Len() != n {
		t.Fatalf("rebase changed residency: %+v", d)
	}
}

func TestMutateNearZeroRateUnchanged(t *testing.T) {
	reg := catalogs.DefaultArchetypes()
	m := NewManager(testConfig(1), nil, nil)
	m.SetObserver("a", 0, 0)
	m.EnsureForObservers(testDesigner(), reg)
	before := digests(m)
	for i := 0; i < 10; i++ {
		if n := m.MutateNear(reg, 0, 0.5, 1, uint64(i)); n != 0 {
			t.Fatalf("rate 0 mutated %d", n)
		}
	}
	for k, v := range digests(m) {
		if before[k] != v {
			t.Fatalf("cell %v changed at rate 0", k)
		}
	}
}

func TestMutateNearBudgetCappedAtCellSize(t *testing.T) {
	reg := catalogs.DefaultArchetypes()
	m := NewManager(testConfig(0), nil, nil)
	m.SetObserver("a", 1, 1)
	m.EnsureForObservers(testDesigner(), reg)
	c, _ := m.Cell(cells.Key{})
	size := len(c.Placements)

	// A long idle dt would accrue 100 passes; one call does at most one.
	if n := m.MutateNear(reg, 1, 100, 0, 3); n != size {
		t.Fatalf("mutated %d want %d", n, size)
	}
	if c.budget != 0 {
		t.Fatalf("leftover budget %v", c.budget)
	}
}

const churnCatalog = `{"archetypes": [
  {"id": "low_a", "category": "lowrise", "base_half": [1.5, 0.4, 1.0]},
  {"id": "low_b", "category": "lowrise", "base_half": [1.2, 0.6, 1.0]},
  {"id": "tower", "category": "highrise", "base_half": [0.45, 3.0, 0.45]},
  {"id": "pyramid", "category": "landmark", "base_half": [1.0, 0.75, 1.0]},
  {"id": "gate", "category": "landmark", "base_half": [1.1, 0.9, 0.6]}
]}`

func TestMutateNearRebuildsWithinCategory(t *testing.T) {
	reg, err := catalogs.ParseArchetypes([]byte(churnCatalog))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	m := NewManager(testConfig(1), nil, nil)
	m.SetObserver("a", 0, 0)
	m.EnsureForObservers(testDesigner(), reg)
	before := digests(m)
	origin, _ := m.Cell(cells.Key{})
	cats := make([]cells.Category, len(origin.Placements))
	for i, p := range origin.Placements {
		cats[i] = reg.CategoryOf(p.ArchetypeID)
	}

	// Budget accrues fractionally: 324 * 0.01 * 0.1 < 1.
	if n := m.MutateNear(reg, 0.01, 0.1, 0, 1); n != 0 {
		t.Fatalf("fractional budget mutated %d", n)
	}
	n := m.MutateNear(reg, 0.05, 1, 0, 7)
	if n == 0 {
		t.Fatalf("expected mutations")
	}
	after := digests(m)
	if after[cells.Key{}] == before[cells.Key{}] {
		t.Fatalf("observer cell unchanged")
	}
	for k, v := range before {
		if k != (cells.Key{}) && after[k] != v {
			t.Fatalf("cell %v outside radius 0 mutated", k)
		}
	}
	c, _ := m.Cell(cells.Key{})
	if !c.Dirty || c.Version == 0 {
		t.Fatalf("mutated cell not marked dirty")
	}
	for i, p := range c.Placements {
		if reg.CategoryOf(p.ArchetypeID) != cats[i] {
			t.Fatalf("placement %d changed category", i)
		}
		if p.Center.Y() != reg.BaseHalf(p.ArchetypeID).Y()*p.Scale.Y() {
			t.Fatalf("placement %d not grounded", i)
		}
		for axis := 0; axis < 3; axis++ {
			if p.Scale[axis] < minScale || p.Scale[axis] > maxScale {
				t.Fatalf("placement %d scale %v out of bounds", i, p.Scale)
			}
		}
	}
}

func TestEditAndResaveOnEvict(t *testing.T) {
	reg := catalogs.DefaultArchetypes()
	kv := cellstore.NewMemoryKV()
	store := cellstore.NewKeyStore(kv, nil)
	cfg := testConfig(0)
	cfg.ResaveOnEvict = true
	m := NewManager(cfg, store, nil)
	m.SetObserver("a", 1, 1)
	m.EnsureForObservers(testDesigner(), reg)

	if m.Edit(cells.Key{CX: 5, CZ: 5}, 0, func(*cells.Placement) {}) {
		t.Fatalf("edit of non-resident cell should fail")
	}
	if m.Edit(cells.Key{}, 324, func(*cells.Placement) {}) {
		t.Fatalf("edit past the end should fail")
	}
	if !m.Edit(cells.Key{}, 3, func(p *cells.Placement) { p.ArchetypeID = 1 }) {
		t.Fatalf("edit failed")
	}

	m.ApplyOriginShift(mgl64.Vec3{50, 0, 50})
	m.SetObserver("a", 5000, 5000)
	d := m.EnsureForObservers(testDesigner(), reg)
	if len(d.Evicted) != 1 {
		t.Fatalf("evicted=%v", d.Evicted)
	}
	rec, ok := store.Load(cells.Key{})
	if !ok || rec.Placements[3].ArchetypeID != 1 {
		t.Fatalf("dirty cell not resaved")
	}
	fresh := testDesigner().DesignCell(design.Context{Key: cells.Key{}, Seed: cells.DefaultParams().Seed}, reg)
	if math.Abs(float64(rec.Placements[0].Center.X()-fresh[0].Center.X())) > 1e-3 {
		t.Fatalf("resaved record not in the cell frame: %v vs %v", rec.Placements[0].Center, fresh[0].Center)
	}
}

func TestFarOriginKeepsLotSpacing(t *testing.T) {
	reg := catalogs.DefaultArchetypes()
	p := cells.DefaultParams()
	kv := cellstore.NewMemoryKV()
	store := cellstore.NewKeyStore(kv, nil)
	m := NewManager(testConfig(0), store, nil)
	m.ApplyOriginShift(mgl64.Vec3{2e7, 0, -1e6})
	m.SetObserver("a", 0, 0)
	m.EnsureForObservers(testDesigner(), reg)

	k := m.CellOf(0, 0)
	c, ok := m.Cell(k)
	if !ok || len(c.Placements) == 0 {
		t.Fatalf("cell %v not resident", k)
	}
	// The first nine placements are the 3x3 lots of one block, x-major.
	pitch := float64(p.LotW + p.LotGap)
	for i := 1; i < p.LotsX; i++ {
		a := c.Placements[(i-1)*p.LotsZ]
		b := c.Placements[i*p.LotsZ]
		if gap := float64(b.Center.X() - a.Center.X()); math.Abs(gap-pitch) > 1e-3 {
			t.Fatalf("lot pitch along x=%v want %v", gap, pitch)
		}
	}
	for j := 1; j < p.LotsZ; j++ {
		a, b := c.Placements[j-1], c.Placements[j]
		if gap := float64(b.Center.Z() - a.Center.Z()); math.Abs(gap-pitch) > 1e-3 {
			t.Fatalf("lot pitch along z=%v want %v", gap, pitch)
		}
	}

	// A reload from the baked record lands in the same spot.
	want := append([]cells.Placement(nil), c.Placements...)
	m.SetObserver("a", 1e5, 0)
	m.EnsureForObservers(testDesigner(), reg)
	m.SetObserver("a", 0, 0)
	if d := m.EnsureForObservers(testDesigner(), reg); len(d.Loaded) != 1 {
		t.Fatalf("expected reload from store, diff=%+v", d)
	}
	c, _ = m.Cell(k)
	for i := range want {
		if math.Abs(float64(c.Placements[i].Center.X()-want[i].Center.X())) > 1e-3 ||
			math.Abs(float64(c.Placements[i].Center.Z()-want[i].Center.Z())) > 1e-3 {
			t.Fatalf("placement %d reloaded at %v want %v", i, c.Placements[i].Center, want[i].Center)
		}
	}
}

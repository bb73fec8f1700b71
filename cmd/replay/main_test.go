package main

import (
	"path/filepath"
	"testing"

	persistlog "citystream.ai/internal/persistence/log"
	"citystream.ai/internal/sim/catalogs"
	"citystream.ai/internal/sim/tuning"
	"citystream.ai/internal/sim/world"
	"citystream.ai/internal/sim/world/cells"
	"citystream.ai/internal/sim/world/design"
	"citystream.ai/internal/sim/world/stream"
)

func TestReplayAppliesJournalInOrder(t *testing.T) {
	tune := tuning.Defaults()
	reg := catalogs.DefaultArchetypes()
	d := design.NewRuleDesigner(tune.Params(), tune.DesignZoning(), nil)
	cfg := stream.Config{Params: tune.Params(), Bounds: cells.Unbounded()}

	worldDir := filepath.Join(t.TempDir(), "worlds", "CITY")
	ml := persistlog.NewMutationLogger(worldDir)
	entries := []world.MutationLogEntry{
		{Tick: 1, CX: 0, CZ: 0, Index: 3, ArchetypeID: 1, Jitter: 1.1},
		{Tick: 2, CX: 0, CZ: 0, Index: 3, ArchetypeID: 2, Jitter: 0.9},
		{Tick: 2, CX: 5, CZ: 5, Index: 0, ArchetypeID: 0, Jitter: 1, Reason: "mutation: cell not resident"},
		{Tick: 3, CX: 0, CZ: 0, Index: 1 << 20, ArchetypeID: 0, Jitter: 1},
		{Tick: 3, CX: -1, CZ: 2, Index: 0, ArchetypeID: 99, Jitter: 1},
	}
	for _, e := range entries {
		if err := ml.WriteMutation(e); err != nil {
			t.Fatalf("WriteMutation: %v", err)
		}
	}
	if err := ml.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := newReplayer(cfg, d, reg)
	err := persistlog.ReadMutations(worldDir, func(e world.MutationLogEntry) error {
		r.apply(e)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadMutations: %v", err)
	}
	if r.applied != 2 || r.skipped != 3 {
		t.Fatalf("applied=%d skipped=%d", r.applied, r.skipped)
	}
	keys := r.keys()
	if len(keys) != 1 || keys[0] != (cells.Key{}) || r.edits[keys[0]] != 2 {
		t.Fatalf("keys=%v edits=%v", keys, r.edits)
	}

	base := d.DesignCell(stream.DesignContext(cfg, cells.Key{}), reg)
	got := r.cells[cells.Key{}][3]
	if got.ArchetypeID != 2 {
		t.Fatalf("archetype=%d", got.ArchetypeID)
	}
	want := base[3].Scale.Mul(1.1).Mul(0.9)
	if !got.Scale.ApproxEqualThreshold(want, 1e-5) {
		t.Fatalf("scale=%v want %v", got.Scale, want)
	}
	if wantY := reg.BaseHalf(2).Y() * got.Scale[1]; got.Center[1] != wantY {
		t.Fatalf("center y=%v want %v", got.Center[1], wantY)
	}
	for i, p := range r.cells[cells.Key{}] {
		if i != 3 && p != base[i] {
			t.Fatalf("placement %d changed", i)
		}
	}
}

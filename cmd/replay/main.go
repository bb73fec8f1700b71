package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"citystream.ai/internal/persistence/cellstore"
	persistlog "citystream.ai/internal/persistence/log"
	"citystream.ai/internal/sim/catalogs"
	"citystream.ai/internal/sim/tuning"
	"citystream.ai/internal/sim/world"
	"citystream.ai/internal/sim/world/cells"
	"citystream.ai/internal/sim/world/design"
	"citystream.ai/internal/sim/world/mutation"
	"citystream.ai/internal/sim/world/stream"
)

func main() {
	var (
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		worldID    = flag.String("world", "", "world id (default from tuning)")
		archetypes = flag.String("archetypes", "", "path to archetypes.json (default: <configs>/archetypes.json)")
		bias       = flag.String("bias", "", "category bias yaml (optional)")
		toTick     = flag.Uint64("to_tick", 0, "stop after this tick (inclusive, optional)")
		verify     = flag.Bool("verify", false, "compare replayed cells with the store; exit 1 on mismatch")
		write      = flag.Bool("write", false, "save replayed cells to the store")
	)
	flag.Parse()

	tune, err := tuning.Load(filepath.Join(*configDir, "tuning.yaml"))
	if err != nil {
		if !os.IsNotExist(err) {
			fail("load tuning", err)
		}
		tune = tuning.Defaults()
	}
	id := strings.TrimSpace(*worldID)
	if id == "" {
		id = tune.WorldID
	}

	ap := strings.TrimSpace(*archetypes)
	if ap == "" {
		ap = filepath.Join(*configDir, "archetypes.json")
	}
	reg, err := catalogs.LoadArchetypes(ap)
	if err != nil {
		if !os.IsNotExist(err) {
			fail("load archetypes", err)
		}
		reg = catalogs.DefaultArchetypes()
	}

	rule := design.NewRuleDesigner(tune.Params(), tune.DesignZoning(), nil)
	var d design.Designer = rule
	if bp := strings.TrimSpace(*bias); bp != "" {
		w, err := design.LoadBias(bp)
		if err != nil {
			fail("load bias", err)
		}
		d = design.NewBiasedDesigner(rule, w)
	}

	r := newReplayer(stream.Config{Params: tune.Params(), Bounds: tune.Bounds()}, d, reg)
	worldDir := filepath.Join(*dataDir, "worlds", id)
	err = persistlog.ReadMutations(worldDir, func(e world.MutationLogEntry) error {
		if *toTick != 0 && e.Tick > *toTick {
			return io.EOF
		}
		r.apply(e)
		return nil
	})
	if err != nil && err != io.EOF {
		fail("read mutations", err)
	}

	var store cellstore.Handle
	if *verify || *write {
		store, err = cellstore.Open(cellstore.Options{Backend: tune.Store.Backend, Dir: tune.Store.Dir, Compress: tune.Store.Compress})
		if err != nil {
			fail("open store", err)
		}
		defer store.Close()
	}

	mismatches := 0
	for _, k := range r.keys() {
		ps := r.cells[k]
		sum := design.Digest(ps)
		status := ""
		if *verify {
			rec, ok := store.Load(k)
			switch {
			case !ok:
				status = " store=missing"
				mismatches++
			case design.Digest(rec.Placements) != sum:
				status = " store=mismatch"
				mismatches++
			default:
				status = " store=ok"
			}
		}
		if *write {
			if err := store.Save(k, cellstore.Record{Key: k, Placements: ps}); err != nil {
				fail("save "+k.String(), err)
			}
		}
		fmt.Printf("cell %s edits=%d digest=%s%s\n", k, r.edits[k], sum, status)
	}
	fmt.Printf("replay ok: world=%s applied=%d skipped=%d cells=%d\n", id, r.applied, r.skipped, len(r.cells))
	if mismatches > 0 {
		fmt.Fprintf(os.Stderr, "%d cells differ from the store\n", mismatches)
		os.Exit(1)
	}
}

// replayer rebuilds edited cells from the designer plus the journal. Churn is
// not journaled, so cells touched by churn will not match the store.
type replayer struct {
	cfg      stream.Config
	designer design.Designer
	reg      *catalogs.Archetypes

	cells   map[cells.Key][]cells.Placement
	edits   map[cells.Key]int
	applied int
	skipped int
}

func newReplayer(cfg stream.Config, d design.Designer, reg *catalogs.Archetypes) *replayer {
	return &replayer{
		cfg:      cfg,
		designer: d,
		reg:      reg,
		cells:    map[cells.Key][]cells.Placement{},
		edits:    map[cells.Key]int{},
	}
}

// apply replays one journal entry. Rejected entries are skipped; so is any
// entry the current catalog can no longer satisfy.
func (r *replayer) apply(e world.MutationLogEntry) {
	if e.Reason != "" || !r.reg.Has(e.ArchetypeID) {
		r.skipped++
		return
	}
	k := cells.Key{CX: e.CX, CZ: e.CZ}
	ps, ok := r.cells[k]
	if !ok {
		ps = r.designer.DesignCell(stream.DesignContext(r.cfg, k), r.reg)
		r.cells[k] = ps
	}
	if uint64(e.Index) >= uint64(len(ps)) {
		r.skipped++
		return
	}
	mutation.Rewrite(&ps[e.Index], r.reg, e.ArchetypeID, e.Jitter)
	r.edits[k]++
	r.applied++
}

func (r *replayer) keys() []cells.Key {
	keys := make([]cells.Key, 0, len(r.cells))
	for k := range r.cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

func fail(msg string, err error) {
	fmt.Fprintln(os.Stderr, msg+":", err)
	os.Exit(1)
}

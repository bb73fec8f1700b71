package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"citystream.ai/internal/persistence/cellstore"
	"citystream.ai/internal/sim/world/cells"
	"citystream.ai/internal/sim/world/design"
	"citystream.ai/internal/sim/world/stream"
)

func bakeCmd(args []string) {
	fs := flag.NewFlagSet("bake", flag.ExitOnError)
	cf := addCityFlags(fs)
	rangeStr := fs.String("range", "", "cell range min_cx,max_cx,min_cz,max_cz (default: stream.bounds)")
	backend := fs.String("store", "", "override store.backend")
	storeDir := fs.String("store_dir", "", "override store.dir")
	force := fs.Bool("force", false, "overwrite cells that are already baked")
	_ = fs.Parse(args)

	c, err := cf.load()
	if err != nil {
		fail("load", err)
	}
	b := c.cfg.Bounds
	if strings.TrimSpace(*rangeStr) != "" {
		b, err = parseRange(*rangeStr)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -range:", err)
			os.Exit(2)
		}
	}
	if b.IsUnbounded() {
		fmt.Fprintln(os.Stderr, "unbounded world; provide -range")
		os.Exit(2)
	}

	store, err := c.openStore(*backend, *storeDir)
	if err != nil {
		fail("open store", err)
	}
	defer store.Close()

	res := bakeRange(c, store, b, *force)
	fmt.Printf("bake ok: range=%d..%d,%d..%d baked=%d skipped=%d failed=%d placements=%d\n",
		b.MinCX, b.MaxCX, b.MinCZ, b.MaxCZ, res.Baked, res.Skipped, res.Failed, res.Placements)
	if res.Failed > 0 {
		os.Exit(1)
	}
}

type bakeResult struct {
	Baked      int
	Skipped    int
	Failed     int
	Placements int
}

func bakeRange(c *city, store cellstore.Store, b cells.Bounds, force bool) bakeResult {
	var res bakeResult
	for cz := b.MinCZ; cz <= b.MaxCZ; cz++ {
		for cx := b.MinCX; cx <= b.MaxCX; cx++ {
			k := cells.Key{CX: cx, CZ: cz}
			if !force {
				if _, ok := store.Load(k); ok {
					res.Skipped++
					continue
				}
			}
			ps := c.designer.DesignCell(stream.DesignContext(c.cfg, k), c.reg)
			if err := store.Save(k, cellstore.Record{Key: k, Placements: ps}); err != nil {
				fmt.Fprintf(os.Stderr, "save %s: %v\n", k, err)
				res.Failed++
				continue
			}
			res.Baked++
			res.Placements += len(ps)
		}
	}
	return res
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	cf := addCityFlags(fs)
	cellStr := fs.String("cell", "", "cell key cx,cz (required)")
	backend := fs.String("store", "", "override store.backend")
	storeDir := fs.String("store_dir", "", "override store.dir")
	limit := fs.Int("limit", 0, "print at most this many placements (0 prints only the summary)")
	_ = fs.Parse(args)

	k, err := parseKey(*cellStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -cell:", err)
		os.Exit(2)
	}
	c, err := cf.load()
	if err != nil {
		fail("load", err)
	}
	store, err := c.openStore(*backend, *storeDir)
	if err != nil {
		fail("open store", err)
	}
	defer store.Close()

	rec, ok := store.Load(k)
	if !ok {
		fmt.Fprintf(os.Stderr, "cell %s not baked\n", k)
		os.Exit(1)
	}
	printJSON(summarize(c, rec.Key, rec.Placements, "store", *limit))
}

func digestCmd(args []string) {
	fs := flag.NewFlagSet("digest", flag.ExitOnError)
	cf := addCityFlags(fs)
	cellStr := fs.String("cell", "", "cell key cx,cz (required)")
	limit := fs.Int("limit", 0, "print at most this many placements")
	_ = fs.Parse(args)

	k, err := parseKey(*cellStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -cell:", err)
		os.Exit(2)
	}
	c, err := cf.load()
	if err != nil {
		fail("load", err)
	}
	ps := c.designer.DesignCell(stream.DesignContext(c.cfg, k), c.reg)
	printJSON(summarize(c, k, ps, "designed", *limit))
}

type cellSummary struct {
	CX         int                 `json:"cx"`
	CZ         int                 `json:"cz"`
	Source     string              `json:"source"`
	Count      int                 `json:"placements"`
	Digest     string              `json:"digest"`
	Categories map[string]int      `json:"categories"`
	Sample     []placementListItem `json:"sample,omitempty"`
}

type placementListItem struct {
	Archetype string     `json:"archetype"`
	Center    [3]float32 `json:"center"`
	Scale     [3]float32 `json:"scale"`
}

func summarize(c *city, k cells.Key, ps []cells.Placement, source string, limit int) cellSummary {
	s := cellSummary{
		CX:         k.CX,
		CZ:         k.CZ,
		Source:     source,
		Count:      len(ps),
		Digest:     design.Digest(ps),
		Categories: map[string]int{},
	}
	for i, p := range ps {
		s.Categories[c.reg.CategoryOf(p.ArchetypeID).String()]++
		if i < limit {
			name := strconv.Itoa(int(p.ArchetypeID))
			if int(p.ArchetypeID) < len(c.reg.Defs) {
				name = c.reg.Defs[p.ArchetypeID].ID
			}
			s.Sample = append(s.Sample, placementListItem{Archetype: name, Center: p.Center, Scale: p.Scale})
		}
	}
	return s
}

func parseKey(s string) (cells.Key, error) {
	v, err := parseInts(s, 2)
	if err != nil {
		return cells.Key{}, err
	}
	return cells.Key{CX: v[0], CZ: v[1]}, nil
}

func parseRange(s string) (cells.Bounds, error) {
	v, err := parseInts(s, 4)
	if err != nil {
		return cells.Bounds{}, err
	}
	b := cells.Bounds{MinCX: v[0], MaxCX: v[1], MinCZ: v[2], MaxCZ: v[3]}
	if err := b.Validate(); err != nil {
		return cells.Bounds{}, err
	}
	return b, nil
}

func parseInts(s string, n int) ([]int, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d comma separated integers", n)
	}
	out := make([]int, n)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

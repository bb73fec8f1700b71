package tuning

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"citystream.ai/internal/sim/world/cells"
	"citystream.ai/internal/sim/world/design"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`
	WorldID         string `yaml:"world_id"`
	TickRateHz      int    `yaml:"tick_rate_hz"`

	Generation Generation `yaml:"generation"`
	Zoning     Zoning     `yaml:"zoning"`
	Stream     Stream     `yaml:"stream"`
	Churn      Churn      `yaml:"churn"`
	Store      Store      `yaml:"store"`
	Mutations  Mutations  `yaml:"mutations"`
	RateLimits RateLimits `yaml:"rate_limits"`
}

type Generation struct {
	LotsX      int     `yaml:"lots_x"`
	LotsZ      int     `yaml:"lots_z"`
	LotW       float32 `yaml:"lot_w"`
	LotD       float32 `yaml:"lot_d"`
	LotGap     float32 `yaml:"lot_gap"`
	RoadMinor  float32 `yaml:"road_w_minor"`
	RoadMajor  float32 `yaml:"road_w_major"`
	MajorEvery int     `yaml:"major_every"`
	BlocksX    int     `yaml:"blocks_per_cell_x"`
	BlocksZ    int     `yaml:"blocks_per_cell_z"`
	Seed       uint64  `yaml:"seed"`
}

type Zoning struct {
	DowntownRadius float32 `yaml:"downtown_radius"`
	SkylineRadius  float32 `yaml:"skyline_radius"`
	SkylineBoost   float32 `yaml:"skyline_boost"`
	LandmarkMin    float32 `yaml:"landmark_min"`
	LandmarkMax    float32 `yaml:"landmark_max"`
	SeamPeriod     float32 `yaml:"seam_period"`
	SeamWidth      float32 `yaml:"seam_width"`
	SeamBoost      float32 `yaml:"seam_boost"`
}

// Stream.Bounds is [min_cx, max_cx, min_cz, max_cz]; empty means unbounded.
type Stream struct {
	Radius         int     `yaml:"radius"`
	Bounds         []int   `yaml:"bounds"`
	BakeOnMiss     bool    `yaml:"bake_on_miss"`
	ResaveOnEvict  bool    `yaml:"resave_on_evict"`
	RebaseDistance float32 `yaml:"rebase_distance"`
}

type Churn struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	RadiusCells   int     `yaml:"radius_cells"`
}

type Store struct {
	Backend  string `yaml:"backend"`
	Dir      string `yaml:"dir"`
	Compress bool   `yaml:"compress"`
}

type Mutations struct {
	Multicast string `yaml:"multicast"`
	QueueSize int    `yaml:"queue_size"`
}

type RateLimits struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

func Defaults() Tuning {
	p := cells.DefaultParams()
	z := design.DefaultZoning()
	return Tuning{
		ProtocolVersion: "1.0",
		WorldID:         "city",
		TickRateHz:      20,
		Generation: Generation{
			LotsX: p.LotsX, LotsZ: p.LotsZ,
			LotW: p.LotW, LotD: p.LotD, LotGap: p.LotGap,
			RoadMinor: p.RoadMinor, RoadMajor: p.RoadMajor, MajorEvery: p.MajorEvery,
			BlocksX: p.BlocksX, BlocksZ: p.BlocksZ,
			Seed: p.Seed,
		},
		Zoning: Zoning{
			DowntownRadius: z.DowntownRadius,
			SkylineRadius:  z.SkylineRadius,
			SkylineBoost:   z.SkylineBoost,
			LandmarkMin:    z.LandmarkMin,
			LandmarkMax:    z.LandmarkMax,
		},
		Stream: Stream{
			Radius:         3,
			Bounds:         []int{-4, 4, -4, 4},
			BakeOnMiss:     true,
			RebaseDistance: 500,
		},
		Churn:      Churn{RatePerSecond: 0.02, RadiusCells: 1},
		Store:      Store{Backend: "file", Dir: "./city_chunks"},
		Mutations:  Mutations{Multicast: "239.20.20.20:17017", QueueSize: 4096},
		RateLimits: RateLimits{MessagesPerSecond: 30, Burst: 60},
	}
}

// Load overlays the YAML file at path onto Defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t *Tuning) Normalize() {
	t.WorldID = strings.TrimSpace(t.WorldID)
	t.Store.Backend = strings.ToLower(strings.TrimSpace(t.Store.Backend))
	if t.Store.Backend == "" {
		t.Store.Backend = "file"
	}
	if t.TickRateHz <= 0 {
		t.TickRateHz = 20
	}
	if t.Mutations.QueueSize <= 0 {
		t.Mutations.QueueSize = 4096
	}
	if t.RateLimits.Burst <= 0 {
		t.RateLimits.Burst = 1
	}
}

func (t Tuning) Validate() error {
	if t.WorldID == "" {
		return errors.New("world_id is required")
	}
	if err := t.Params().Validate(); err != nil {
		return fmt.Errorf("generation: %w", err)
	}
	if t.Stream.Radius < 0 {
		return errors.New("stream.radius must be >= 0")
	}
	if n := len(t.Stream.Bounds); n != 0 && n != 4 {
		return fmt.Errorf("stream.bounds needs 4 values, got %d", n)
	}
	if err := t.Bounds().Validate(); err != nil {
		return fmt.Errorf("stream.bounds: %w", err)
	}
	if t.Stream.RebaseDistance < 0 {
		return errors.New("stream.rebase_distance must be >= 0")
	}
	if t.Zoning.DowntownRadius <= 0 {
		return errors.New("zoning.downtown_radius must be > 0")
	}
	if t.Zoning.LandmarkMin > t.Zoning.LandmarkMax {
		return errors.New("zoning.landmark_min must be <= landmark_max")
	}
	if t.Churn.RatePerSecond < 0 || t.Churn.RadiusCells < 0 {
		return errors.New("churn values must be >= 0")
	}
	switch t.Store.Backend {
	case "file", "memory", "sqlite", "leveldb", "none":
	default:
		return fmt.Errorf("store.backend %q is not one of file, memory, sqlite, leveldb, none", t.Store.Backend)
	}
	if t.RateLimits.MessagesPerSecond < 0 {
		return errors.New("rate_limits.messages_per_second must be >= 0")
	}
	return nil
}

func (t Tuning) Params() cells.Params {
	g := t.Generation
	return cells.Params{
		LotsX: g.LotsX, LotsZ: g.LotsZ,
		LotW: g.LotW, LotD: g.LotD, LotGap: g.LotGap,
		RoadMinor: g.RoadMinor, RoadMajor: g.RoadMajor, MajorEvery: g.MajorEvery,
		BlocksX: g.BlocksX, BlocksZ: g.BlocksZ,
		Seed: g.Seed,
	}
}

func (t Tuning) Bounds() cells.Bounds {
	b := t.Stream.Bounds
	if len(b) != 4 {
		return cells.Unbounded()
	}
	return cells.Bounds{MinCX: b[0], MaxCX: b[1], MinCZ: b[2], MaxCZ: b[3]}
}

func (t Tuning) DesignZoning() design.Zoning {
	z := t.Zoning
	return design.Zoning{
		DowntownRadius: z.DowntownRadius,
		SkylineRadius:  z.SkylineRadius,
		SkylineBoost:   z.SkylineBoost,
		LandmarkMin:    z.LandmarkMin,
		LandmarkMax:    z.LandmarkMax,
		SeamPeriod:     z.SeamPeriod,
		SeamWidth:      z.SeamWidth,
		SeamBoost:      z.SeamBoost,
	}
}

package cells

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"citystream.ai/internal/sim/world/logic/mathx"
)

// Key addresses one cell of the ground plane grid.
type Key struct {
	CX int `json:"cx"`
	CZ int `json:"cz"`
}

func (k Key) String() string { return fmt.Sprintf("%d_%d", k.CX, k.CZ) }

// Less orders keys in raster order: rows of CZ, then CX within a row.
func (k Key) Less(o Key) bool {
	if k.CZ != o.CZ {
		return k.CZ < o.CZ
	}
	return k.CX < o.CX
}

type Category uint8

const (
	Lowrise Category = iota
	Highrise
	Landmark

	NumCategories = 3
)

func (c Category) String() string {
	switch c {
	case Lowrise:
		return "lowrise"
	case Highrise:
		return "highrise"
	case Landmark:
		return "landmark"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

func ParseCategory(s string) (Category, error) {
	switch s {
	case "lowrise":
		return Lowrise, nil
	case "highrise":
		return Highrise, nil
	case "landmark":
		return Landmark, nil
	}
	return 0, fmt.Errorf("unknown category %q", s)
}

// Placement is one building instance. Center is the AABB center, Scale the
// per-axis multiplier applied to the archetype's base half extents.
type Placement struct {
	Center      mgl32.Vec3
	Scale       mgl32.Vec3
	ArchetypeID uint16
}

// Params controls the block/lot layout of every cell.
type Params struct {
	LotsX      int
	LotsZ      int
	LotW       float32
	LotD       float32
	LotGap     float32
	RoadMinor  float32
	RoadMajor  float32
	MajorEvery int
	BlocksX    int
	BlocksZ    int
	Seed       uint64
}

func DefaultParams() Params {
	return Params{
		LotsX:      3,
		LotsZ:      3,
		LotW:       3.0,
		LotD:       3.0,
		LotGap:     0.4,
		RoadMinor:  3.0,
		RoadMajor:  8.0,
		MajorEvery: 6,
		BlocksX:    8,
		BlocksZ:    8,
		Seed:       0xA11CE,
	}
}

func (p Params) Validate() error {
	if p.LotsX <= 0 || p.LotsZ <= 0 {
		return errors.New("lots_x and lots_z must be > 0")
	}
	if p.BlocksX <= 0 || p.BlocksZ <= 0 {
		return errors.New("blocks_x and blocks_z must be > 0")
	}
	if p.LotW <= 0 || p.LotD <= 0 {
		return errors.New("lot_w and lot_d must be > 0")
	}
	if p.LotGap < 0 || p.RoadMinor < 0 {
		return errors.New("lot_gap and road_minor must be >= 0")
	}
	if p.RoadMajor < p.RoadMinor {
		return errors.New("road_major must be >= road_minor")
	}
	if p.MajorEvery < 0 {
		return errors.New("major_every must be >= 0")
	}
	return nil
}

// BlockSpan is the footprint of one block including its share of minor road.
func (p Params) BlockSpan() (x, z float32) {
	x = float32(p.LotsX)*(p.LotW+p.LotGap) - p.LotGap + p.RoadMinor
	z = float32(p.LotsZ)*(p.LotD+p.LotGap) - p.LotGap + p.RoadMinor
	return x, z
}

// CellSpan is the world size of one cell: all block spans plus the extra
// width of the major roads that fall inside the cell.
func (p Params) CellSpan() (x, z float32) {
	bx, bz := p.BlockSpan()
	extra := p.RoadMajor - p.RoadMinor
	x = float32(p.BlocksX) * bx
	z = float32(p.BlocksZ) * bz
	if p.MajorEvery > 0 {
		x += float32(p.BlocksX/p.MajorEvery) * extra
		z += float32(p.BlocksZ/p.MajorEvery) * extra
	}
	return x, z
}

// IsMajorRoad reports whether block index b is replaced by a major road.
func (p Params) IsMajorRoad(b int) bool {
	return p.MajorEvery > 0 && b%p.MajorEvery == 0
}

// BlockOffset is the distance from the cell origin to the first lot of
// block b along one axis, given that axis' block span.
func (p Params) BlockOffset(b int, span float32) float32 {
	off := float32(b)*span + p.RoadMinor*0.5
	if p.MajorEvery > 0 && b%p.MajorEvery > 0 {
		off += (p.RoadMajor - p.RoadMinor) * float32(b/p.MajorEvery)
	}
	return off
}

// Grid maps absolute world coordinates to cell keys. Coordinates are kept in
// float64 so far-away cells stay addressable.
type Grid struct {
	SpanX float64
	SpanZ float64
}

func NewGrid(p Params) Grid {
	x, z := p.CellSpan()
	return Grid{SpanX: float64(x), SpanZ: float64(z)}
}

func (g Grid) CellOf(x, z float64) Key {
	return Key{
		CX: mathx.FloorToInt(x / g.SpanX),
		CZ: mathx.FloorToInt(z / g.SpanZ),
	}
}

// Origin returns the min corner of the cell in absolute coordinates.
func (g Grid) Origin(k Key) (x, z float64) {
	return float64(k.CX) * g.SpanX, float64(k.CZ) * g.SpanZ
}

// Bounds is an inclusive rectangle of cell keys. Use Unbounded for an
// open world.
type Bounds struct {
	MinCX, MaxCX int
	MinCZ, MaxCZ int
}

func Unbounded() Bounds {
	return Bounds{MinCX: math.MinInt32, MaxCX: math.MaxInt32, MinCZ: math.MinInt32, MaxCZ: math.MaxInt32}
}

func (b Bounds) Contains(k Key) bool {
	return k.CX >= b.MinCX && k.CX <= b.MaxCX && k.CZ >= b.MinCZ && k.CZ <= b.MaxCZ
}

func (b Bounds) IsUnbounded() bool { return b == Unbounded() }

func (b Bounds) Validate() error {
	if b.MinCX > b.MaxCX || b.MinCZ > b.MaxCZ {
		return fmt.Errorf("empty bounds [%d,%d]x[%d,%d]", b.MinCX, b.MaxCX, b.MinCZ, b.MaxCZ)
	}
	return nil
}

// Window appends the keys of the (2r+1)^2 square around c that lie inside b.
func (b Bounds) Window(dst []Key, c Key, r int) []Key {
	for dz := -r; dz <= r; dz++ {
		for dx := -r; dx <= r; dx++ {
			k := Key{CX: c.CX + dx, CZ: c.CZ + dz}
			if b.Contains(k) {
				dst = append(dst, k)
			}
		}
	}
	return dst
}

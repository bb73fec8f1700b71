package design

import (
	"log"
	"math"

	"citystream.ai/internal/sim/world/cells"
	"citystream.ai/internal/sim/world/logic/mathx"
)

// Zoning shapes the category mix by distance from the world origin.
type Zoning struct {
	DowntownRadius float32
	SkylineRadius  float32
	SkylineBoost   float32
	LandmarkMin    float32
	LandmarkMax    float32

	// Landmarks get SeamBoost extra weight within SeamWidth of every multiple
	// of SeamPeriod on either axis. SeamPeriod 0 disables seams.
	SeamPeriod float32
	SeamWidth  float32
	SeamBoost  float32
}

func DefaultZoning() Zoning {
	return Zoning{
		DowntownRadius: 1200,
		SkylineRadius:  1000,
		SkylineBoost:   1.2,
		LandmarkMin:    0.05,
		LandmarkMax:    0.3,
	}
}

// WeightsAt returns normalized category weights for a lot at (x, z).
func (z Zoning) WeightsAt(x, zz float32) Weights {
	dist := float32(math.Hypot(float64(x), float64(zz)))
	if dist < 1 {
		dist = 1
	}
	t := mathx.Clamp32(1-dist/z.DowntownRadius, 0, 1)
	high := 0.2 + 0.6*t
	low := 0.6 - 0.4*t
	land := mathx.Clamp32(1-(high+low), z.LandmarkMin, z.LandmarkMax)
	if low < 0.05 {
		low = 0.05
	}
	if high < 0.05 {
		high = 0.05
	}
	if z.onSeam(x) || z.onSeam(zz) {
		land += z.SeamBoost
	}
	return Weights{cells.Lowrise: low, cells.Highrise: high, cells.Landmark: land}.Normalized()
}

func (z Zoning) onSeam(v float32) bool {
	if z.SeamPeriod <= 0 || z.SeamWidth <= 0 {
		return false
	}
	p := float64(z.SeamPeriod)
	d := math.Abs(float64(v) - math.Round(float64(v)/p)*p)
	return d < float64(z.SeamWidth)
}

func (z Zoning) skyline(x, zz float32) float32 {
	if z.SkylineRadius <= 0 {
		return 1
	}
	d := float32(math.Hypot(float64(x), float64(zz)))
	return 1 + z.SkylineBoost*mathx.Clamp32(1-d/z.SkylineRadius, 0, 1)
}

// RuleDesigner lays out blocks of lots and fills each lot with a zoned
// random archetype.
type RuleDesigner struct {
	Params cells.Params
	Zoning Zoning
	Log    *log.Logger
}

func NewRuleDesigner(p cells.Params, z Zoning, logger *log.Logger) *RuleDesigner {
	return &RuleDesigner{Params: p, Zoning: z, Log: logger}
}

func (d *RuleDesigner) DesignCell(ctx Context, reg Registry) []cells.Placement {
	return d.design(ctx, reg, nil)
}

func (d *RuleDesigner) design(ctx Context, reg Registry, adjust func(Weights) Weights) []cells.Placement {
	p := d.Params
	rng := newRNG(mathx.Hash2(int64(ctx.Seed), ctx.Key.CX, ctx.Key.CZ))

	bx, bz := p.BlockSpan()
	sx, sz := p.CellSpan()
	// Lots are laid out relative to the cell's min corner; the absolute
	// position only feeds zoning.
	ox := float64(ctx.Key.CX) * float64(sx)
	oz := float64(ctx.Key.CZ) * float64(sz)

	out := make([]cells.Placement, 0, p.BlocksX*p.BlocksZ*p.LotsX*p.LotsZ)
	skipped := 0
	for bxi := 0; bxi < p.BlocksX; bxi++ {
		if p.IsMajorRoad(bxi) {
			continue
		}
		blockX := p.BlockOffset(bxi, bx)
		for bzi := 0; bzi < p.BlocksZ; bzi++ {
			if p.IsMajorRoad(bzi) {
				continue
			}
			blockZ := p.BlockOffset(bzi, bz)
			for lx := 0; lx < p.LotsX; lx++ {
				for lz := 0; lz < p.LotsZ; lz++ {
					x := blockX + float32(lx)*(p.LotW+p.LotGap) + p.LotW*0.5
					z := blockZ + float32(lz)*(p.LotD+p.LotGap) + p.LotD*0.5

					ax, az := float32(ox+float64(x)), float32(oz+float64(z))
					w := d.Zoning.WeightsAt(ax, az)
					if adjust != nil {
						w = adjust(w)
					}
					cat := w.Pick(rng.unit())
					ids := reg.IDsInCategory(cat)
					if len(ids) == 0 {
						skipped++
						continue
					}
					id := ids[rng.next()%uint64(len(ids))]

					jx := 0.85 + 0.30*rng.unit()
					jz := 0.85 + 0.30*rng.unit()
					var jy float32
					switch cat {
					case cells.Lowrise:
						jy = 0.8 + 0.7*rng.unit()
					case cells.Highrise:
						jy = (0.8 + 1.7*rng.unit()) * d.Zoning.skyline(ax, az)
					default:
						jy = 0.8 + 0.8*rng.unit()
					}
					half := reg.BaseHalf(id)
					pl := cells.Placement{ArchetypeID: id}
					pl.Scale[0], pl.Scale[1], pl.Scale[2] = jx, jy, jz
					pl.Center[0], pl.Center[1], pl.Center[2] = x, half.Y()*jy, z
					out = append(out, pl)
				}
			}
		}
	}
	if skipped > 0 && d.Log != nil {
		d.Log.Printf("cell %s: skipped %d lots with empty category", ctx.Key, skipped)
	}
	return out
}

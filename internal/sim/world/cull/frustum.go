// Package cull tests axis-aligned boxes against a view frustum.
package cull

import (
	"github.com/go-gl/mathgl/mgl32"

	"citystream.ai/internal/sim/world/cells"
)

// Plane satisfies N·p + D = 0. Points with positive distance are inside.
type Plane struct {
	N mgl32.Vec3
	D float32
}

func (p Plane) Distance(pt mgl32.Vec3) float32 { return p.N.Dot(pt) + p.D }

// Frustum planes in the order left, right, bottom, top, near, far.
type Frustum [6]Plane

// PlanesFromMatrix extracts normalized planes from a view-projection matrix
// with OpenGL clip conventions.
func PlanesFromMatrix(vp mgl32.Mat4) Frustum {
	r0, r1, r2, r3 := vp.Row(0), vp.Row(1), vp.Row(2), vp.Row(3)
	raw := [6]mgl32.Vec4{
		r3.Add(r0),
		r3.Sub(r0),
		r3.Add(r1),
		r3.Sub(r1),
		r3.Add(r2),
		r3.Sub(r2),
	}
	var f Frustum
	for i, v := range raw {
		n := v.Vec3()
		l := n.Len()
		if l < 1e-6 {
			l = 1e-6
		}
		f[i] = Plane{N: n.Mul(1 / l), D: v.W() / l}
	}
	return f
}

// BoxVisible reports whether the box intersects or lies inside f.
func BoxVisible(center, half mgl32.Vec3, f *Frustum) bool {
	for i := range f {
		p := &f[i]
		r := half[0]*abs32(p.N[0]) + half[1]*abs32(p.N[1]) + half[2]*abs32(p.N[2])
		if p.Distance(center) < -r {
			return false
		}
	}
	return true
}

func ScaledHalf(base, scale mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{base[0] * scale[0], base[1] * scale[1], base[2] * scale[2]}
}

// HalfExtents is the part of the archetype registry the culler needs.
type HalfExtents interface {
	BaseHalf(id uint16) mgl32.Vec3
}

// VisibleIndices appends to dst the indices of ps whose boxes pass f.
func VisibleIndices(dst []int, ps []cells.Placement, reg HalfExtents, f *Frustum) []int {
	for i := range ps {
		half := ScaledHalf(reg.BaseHalf(ps[i].ArchetypeID), ps[i].Scale)
		if BoxVisible(ps[i].Center, half, f) {
			dst = append(dst, i)
		}
	}
	return dst
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

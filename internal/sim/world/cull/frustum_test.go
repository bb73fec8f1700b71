package cull

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"citystream.ai/internal/sim/world/cells"
)

func testFrustum() Frustum {
	proj := mgl32.Perspective(mgl32.DegToRad(45), 16.0/9.0, 0.1, 100)
	view := mgl32.LookAtV(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 0, -1}, mgl32.Vec3{0, 1, 0})
	return PlanesFromMatrix(proj.Mul4(view))
}

func TestPlanesNormalized(t *testing.T) {
	f := testFrustum()
	for i, p := range f {
		if math.Abs(float64(p.N.Len())-1) > 1e-4 {
			t.Fatalf("plane %d normal length %v", i, p.N.Len())
		}
	}
}

func TestBoxVisible(t *testing.T) {
	f := testFrustum()
	half := mgl32.Vec3{0.5, 0.5, 0.5}
	cases := []struct {
		name   string
		center mgl32.Vec3
		want   bool
	}{
		{"at camera", mgl32.Vec3{0, 0, 0}, true},
		{"ahead", mgl32.Vec3{0, 0, -50}, true},
		{"behind", mgl32.Vec3{0, 0, 50}, false},
		{"beyond far", mgl32.Vec3{0, 0, -1000}, false},
		{"off to the side", mgl32.Vec3{30, 0, -10}, false},
	}
	for _, tc := range cases {
		if got := BoxVisible(tc.center, half, &f); got != tc.want {
			t.Fatalf("%s: visible=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestBoxVisibleLargeBoxSpansFar(t *testing.T) {
	f := testFrustum()
	if !BoxVisible(mgl32.Vec3{0, 0, -1000}, mgl32.Vec3{2000, 2000, 2000}, &f) {
		t.Fatalf("box enclosing the frustum should be visible")
	}
}

func TestAnisotropicScale(t *testing.T) {
	f := testFrustum()
	base := mgl32.Vec3{0.5, 0.5, 0.5}
	center := mgl32.Vec3{30, 0, -10}
	if BoxVisible(center, ScaledHalf(base, mgl32.Vec3{1, 1, 1}), &f) {
		t.Fatalf("unit box at the side should be culled")
	}
	if !BoxVisible(center, ScaledHalf(base, mgl32.Vec3{100, 1, 1}), &f) {
		t.Fatalf("box stretched along x should reach into the frustum")
	}
}

type halves map[uint16]mgl32.Vec3

func (h halves) BaseHalf(id uint16) mgl32.Vec3 { return h[id] }

func TestVisibleIndices(t *testing.T) {
	f := testFrustum()
	reg := halves{0: {0.5, 0.5, 0.5}}
	ps := []cells.Placement{
		{Center: mgl32.Vec3{0, 0, -20}, Scale: mgl32.Vec3{1, 1, 1}},
		{Center: mgl32.Vec3{0, 0, 20}, Scale: mgl32.Vec3{1, 1, 1}},
		{Center: mgl32.Vec3{1, 0, -30}, Scale: mgl32.Vec3{1, 1, 1}},
	}
	got := VisibleIndices(nil, ps, reg, &f)
	if len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("visible=%v want [0 2]", got)
	}
}

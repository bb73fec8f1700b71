package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl32"

	"citystream.ai/internal/sim/world/cells"
	"citystream.ai/internal/sim/world/cull"
	"citystream.ai/internal/sim/world/stream"
)

func visibleCmd(args []string) {
	fs := flag.NewFlagSet("visible", flag.ExitOnError)
	cf := addCityFlags(fs)
	cellStr := fs.String("cell", "0,0", "cell key cx,cz")
	eyeStr := fs.String("eye", "0,60,-120", "camera position x,y,z (absolute)")
	targetStr := fs.String("target", "0,0,0", "look-at point x,y,z (absolute)")
	fov := fs.Float64("fov", 60, "vertical field of view in degrees")
	aspect := fs.Float64("aspect", 16.0/9.0, "viewport aspect ratio")
	near := fs.Float64("near", 0.1, "near plane")
	far := fs.Float64("far", 1000, "far plane")
	_ = fs.Parse(args)

	k, err := parseKey(*cellStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -cell:", err)
		os.Exit(2)
	}
	eye, err := parseVec3(*eyeStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -eye:", err)
		os.Exit(2)
	}
	target, err := parseVec3(*targetStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -target:", err)
		os.Exit(2)
	}
	if *near <= 0 || *far <= *near || *fov <= 0 || *fov >= 180 {
		fmt.Fprintln(os.Stderr, "need 0 < near < far and 0 < fov < 180")
		os.Exit(2)
	}
	c, err := cf.load()
	if err != nil {
		fail("load", err)
	}

	// Placements are relative to the cell's min corner; bring the camera there.
	ox, oz := cells.NewGrid(c.cfg.Params).Origin(k)
	eye, target = cellFrame(eye, ox, oz), cellFrame(target, ox, oz)
	vp := viewProjection(eye, target, float32(*fov), float32(*aspect), float32(*near), float32(*far))
	ps := c.designer.DesignCell(stream.DesignContext(c.cfg, k), c.reg)
	idx := visibleIn(c, ps, vp)
	printJSON(struct {
		CX      int   `json:"cx"`
		CZ      int   `json:"cz"`
		Total   int   `json:"placements"`
		Visible int   `json:"visible"`
		Indices []int `json:"indices"`
	}{k.CX, k.CZ, len(ps), len(idx), idx})
}

func viewProjection(eye, target mgl32.Vec3, fovDeg, aspect, near, far float32) mgl32.Mat4 {
	proj := mgl32.Perspective(mgl32.DegToRad(fovDeg), aspect, near, far)
	view := mgl32.LookAtV(eye, target, mgl32.Vec3{0, 1, 0})
	return proj.Mul4(view)
}

func cellFrame(v mgl32.Vec3, ox, oz float64) mgl32.Vec3 {
	return mgl32.Vec3{float32(float64(v[0]) - ox), v[1], float32(float64(v[2]) - oz)}
}

func visibleIn(c *city, ps []cells.Placement, vp mgl32.Mat4) []int {
	f := cull.PlanesFromMatrix(vp)
	return cull.VisibleIndices(make([]int, 0, len(ps)), ps, c.reg, &f)
}

func parseVec3(s string) (mgl32.Vec3, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return mgl32.Vec3{}, fmt.Errorf("expected x,y,z")
	}
	var v mgl32.Vec3
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return mgl32.Vec3{}, err
		}
		v[i] = float32(f)
	}
	return v, nil
}

package stream

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// ApplyOriginShift moves the local frame by offset on the ground plane:
// offset.xz is subtracted from every placement and observer and added to the
// origin. The y component is ignored.
func (m *Manager) ApplyOriginShift(offset mgl64.Vec3) {
	dx, dz := offset.X(), offset.Z()
	if dx == 0 && dz == 0 {
		return
	}
	for _, c := range m.cells {
		for i := range c.Placements {
			p := &c.Placements[i]
			p.Center[0] = float32(float64(p.Center[0]) - dx)
			p.Center[2] = float32(float64(p.Center[2]) - dz)
		}
	}
	for id, o := range m.observers {
		o.x = float32(float64(o.x) - dx)
		o.z = float32(float64(o.z) - dz)
		m.observers[id] = o
	}
	m.origin = m.origin.Add(mgl64.Vec3{dx, 0, dz})
}

// MaybeRebase shifts the origin onto the first observer (in id order) whose
// local distance from the origin exceeds threshold. At most one shift happens
// per call; threshold <= 0 disables rebasing.
func (m *Manager) MaybeRebase(threshold float32) (mgl64.Vec3, bool) {
	if threshold <= 0 {
		return mgl64.Vec3{}, false
	}
	for _, id := range m.ObserverIDs() {
		o := m.observers[id]
		if math.Hypot(float64(o.x), float64(o.z)) <= float64(threshold) {
			continue
		}
		off := mgl64.Vec3{float64(o.x), 0, float64(o.z)}
		m.ApplyOriginShift(off)
		return off, true
	}
	return mgl64.Vec3{}, false
}

package design

import "math"

// xorShift64 is the per-cell random stream. The state is never zero.
type xorShift64 struct{ s uint64 }

func newRNG(seed uint64) *xorShift64 { return &xorShift64{s: seed | 1} }

func (r *xorShift64) next() uint64 {
	x := r.s
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	r.s = x
	return x
}

func (r *xorShift64) unit() float32 {
	return float32(float64(r.next()) / float64(math.MaxUint64))
}

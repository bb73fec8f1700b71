package mathx

import (
	"math"
	"testing"
)

func TestFloorDivAndMod(t *testing.T) {
	if got := FloorDiv(-1, 16); got != -1 {
		t.Fatalf("FloorDiv(-1,16)=%d want -1", got)
	}
	if got := FloorDiv(17, 16); got != 1 {
		t.Fatalf("FloorDiv(17,16)=%d want 1", got)
	}
	if got := Mod(-1, 16); got != 15 {
		t.Fatalf("Mod(-1,16)=%d want 15", got)
	}
}

func TestFloorToIntSaturates(t *testing.T) {
	if got := FloorToInt(-0.5); got != -1 {
		t.Fatalf("FloorToInt(-0.5)=%d", got)
	}
	if got := FloorToInt(1e300); got != math.MaxInt32 {
		t.Fatalf("FloorToInt(1e300)=%d", got)
	}
	if got := FloorToInt(math.NaN()); got != 0 {
		t.Fatalf("FloorToInt(NaN)=%d", got)
	}
}

func TestHash2Deterministic(t *testing.T) {
	a := Hash2(0xA11CE, 3, -4)
	if b := Hash2(0xA11CE, 3, -4); a != b {
		t.Fatalf("hash not deterministic: %x vs %x", a, b)
	}
	if a == Hash2(0xA11CE, 4, -4) || a == Hash2(0xA11CE, -4, 3) {
		t.Fatalf("adjacent/swapped coordinates should hash differently")
	}
	if a == Hash2(0xA11CF, 3, -4) {
		t.Fatalf("seed should change the hash")
	}
}

func TestUnitRange(t *testing.T) {
	if got := Unit(0); got != 0 {
		t.Fatalf("Unit(0)=%v", got)
	}
	if got := Unit(math.MaxUint64); got != 1 {
		t.Fatalf("Unit(max)=%v", got)
	}
}

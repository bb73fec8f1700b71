package mutation

import (
	"errors"
	"sync"
	"testing"

	"citystream.ai/internal/protocol"
	"citystream.ai/internal/sim/catalogs"
	"citystream.ai/internal/sim/world/cells"
	"citystream.ai/internal/sim/world/design"
	"citystream.ai/internal/sim/world/stream"
)

func packet(t *testing.T, m protocol.Mutation) []byte {
	t.Helper()
	b, err := protocol.EncodeMutation(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func TestOfferCountsMalformedAndDrops(t *testing.T) {
	in := NewIngest(2)
	if in.Offer([]byte{1, 2, 3}) {
		t.Fatalf("short packet accepted")
	}
	good := packet(t, protocol.Mutation{Key: cells.Key{CX: -1, CZ: -1}, Index: 1})
	if !in.Offer(good) || !in.Offer(good) {
		t.Fatalf("valid packets rejected")
	}
	if in.Offer(good) {
		t.Fatalf("full queue should drop")
	}
	st := in.Stats()
	if st.Received != 4 || st.Malformed != 1 || st.Dropped != 1 || st.QueueDepth != 2 || st.QueueCapacity != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestOfferConcurrent(t *testing.T) {
	in := NewIngest(1000)
	b := packet(t, protocol.Mutation{Index: 7})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				in.Offer(b)
			}
		}()
	}
	wg.Wait()
	applied, _ := in.Drain(func(protocol.Mutation) error { return nil })
	if applied != 800 {
		t.Fatalf("applied=%d want 800", applied)
	}
}

func TestDrainAppliesToManager(t *testing.T) {
	reg := catalogs.DefaultArchetypes()
	mgr := stream.NewManager(stream.Config{Params: cells.DefaultParams(), Radius: 0, Bounds: cells.Unbounded()}, nil, nil)
	mgr.SetObserver("a", 1, 1)
	mgr.EnsureForObservers(design.NewRuleDesigner(cells.DefaultParams(), design.DefaultZoning(), nil), reg)
	c, _ := mgr.Cell(cells.Key{})
	before := c.Placements[5]

	in := NewIngest(8)
	in.Offer(packet(t, protocol.Mutation{Key: cells.Key{}, Index: 5, ArchetypeID: 2, JitterCode: 65535}))
	in.Offer(packet(t, protocol.Mutation{Key: cells.Key{CX: 9, CZ: 9}, Index: 0}))
	in.Offer(packet(t, protocol.Mutation{Key: cells.Key{}, Index: 324}))
	in.Offer(packet(t, protocol.Mutation{Key: cells.Key{}, Index: 0, ArchetypeID: 3}))

	var reasons []error
	applied, rejected := in.Drain(func(m protocol.Mutation) error {
		err := Apply(mgr, reg, m)
		if err != nil {
			reasons = append(reasons, err)
		}
		return err
	})
	if applied != 1 || rejected != 3 {
		t.Fatalf("applied=%d rejected=%d", applied, rejected)
	}
	want := []error{ErrUnknownCell, ErrIndexRange, ErrUnknownArchetype}
	for i := range want {
		if !errors.Is(reasons[i], want[i]) {
			t.Fatalf("reason[%d]=%v want %v", i, reasons[i], want[i])
		}
	}

	c, _ = mgr.Cell(cells.Key{})
	got := c.Placements[5]
	if got.ArchetypeID != 2 {
		t.Fatalf("archetype=%d", got.ArchetypeID)
	}
	j := protocol.Mutation{JitterCode: 65535}.Jitter()
	for axis := 0; axis < 3; axis++ {
		if got.Scale[axis] != before.Scale[axis]*j {
			t.Fatalf("axis %d scale=%v want %v", axis, got.Scale[axis], before.Scale[axis]*j)
		}
	}
	if got.Center.Y() != reg.BaseHalf(2).Y()*got.Scale.Y() {
		t.Fatalf("center not regrounded: %v", got.Center)
	}
	if got.Center.X() != before.Center.X() || got.Center.Z() != before.Center.Z() {
		t.Fatalf("ground position moved")
	}
	if !c.Dirty {
		t.Fatalf("cell not dirty")
	}
	if st := in.Stats(); st.Applied != 1 || st.Rejected != 3 || st.QueueDepth != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

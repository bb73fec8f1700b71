package world

import "citystream.ai/internal/sim/world/mutation"

type StatsBucket struct {
	Loaded    int `json:"loaded"`
	Generated int `json:"generated"`
	Evicted   int `json:"evicted"`
	Churned   int `json:"churned"`
	Applied   int `json:"applied"`
	Rejected  int `json:"rejected"`
	Rebases   int `json:"rebases"`
	Dropped   int `json:"dropped_frames"`
}

func (b *StatsBucket) add(o StatsBucket) {
	b.Loaded += o.Loaded
	b.Generated += o.Generated
	b.Evicted += o.Evicted
	b.Churned += o.Churned
	b.Applied += o.Applied
	b.Rejected += o.Rejected
	b.Rebases += o.Rebases
	b.Dropped += o.Dropped
}

// Stats keeps a ring of per-bucket counters covering the last windowTicks.
type Stats struct {
	bucketTicks uint64
	windowTicks uint64

	buckets []StatsBucket
	curIdx  int
	curBase uint64 // start tick (inclusive) of current bucket
}

func NewStats(bucketTicks, windowTicks uint64) *Stats {
	if bucketTicks == 0 {
		bucketTicks = 20
	}
	if windowTicks < bucketTicks {
		windowTicks = bucketTicks
	}
	n := int(windowTicks / bucketTicks)
	if n < 1 {
		n = 1
	}
	return &Stats{
		bucketTicks: bucketTicks,
		windowTicks: uint64(n) * bucketTicks,
		buckets:     make([]StatsBucket, n),
	}
}

func (s *Stats) rotate(nowTick uint64) {
	if s == nil {
		return
	}
	// A gap longer than the window clears everything.
	if nowTick >= s.curBase+s.windowTicks+s.bucketTicks {
		for i := range s.buckets {
			s.buckets[i] = StatsBucket{}
		}
		s.curBase = nowTick - nowTick%s.bucketTicks
		return
	}
	for nowTick >= s.curBase+s.bucketTicks {
		s.curIdx = (s.curIdx + 1) % len(s.buckets)
		s.buckets[s.curIdx] = StatsBucket{}
		s.curBase += s.bucketTicks
	}
}

func (s *Stats) Record(nowTick uint64, b StatsBucket) {
	if s == nil {
		return
	}
	s.rotate(nowTick)
	s.buckets[s.curIdx].add(b)
}

func (s *Stats) WindowTicks() uint64 {
	if s == nil {
		return 0
	}
	return s.windowTicks
}

func (s *Stats) Summarize(nowTick uint64) StatsBucket {
	if s == nil {
		return StatsBucket{}
	}
	s.rotate(nowTick)
	var out StatsBucket
	for _, b := range s.buckets {
		out.add(b)
	}
	return out
}

// Metrics is an immutable snapshot published after every tick.
type Metrics struct {
	WorldID     string         `json:"world_id"`
	Tick        uint64         `json:"tick"`
	Observers   int            `json:"observers"`
	Resident    int            `json:"resident"`
	Origin      [3]float64     `json:"origin"`
	Window      StatsBucket    `json:"window"`
	WindowTicks uint64         `json:"window_ticks"`
	Ingest      mutation.Stats `json:"ingest"`
}

// Metrics is safe to call from any goroutine.
func (w *World) Metrics() Metrics {
	m := w.metrics.Load()
	out := *m
	out.Ingest = w.ingest.Stats()
	return out
}

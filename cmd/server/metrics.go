package main

import (
	"fmt"
	"io"
	"net/http"

	"citystream.ai/internal/persistence/indexdb"
	"citystream.ai/internal/sim/world"
)

type metricsSource interface {
	Metrics() world.Metrics
}

type indexStats interface {
	Stats() indexdb.Stats
}

func metricsHandler(w metricsSource, idx indexStats) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, w.Metrics())
		if idx != nil {
			writeIndexMetrics(rw, idx.Stats())
		}
	}
}

// writeMetrics renders a minimal Prometheus exposition.
func writeMetrics(out io.Writer, m world.Metrics) {
	id := m.WorldID

	fmt.Fprintf(out, "# HELP citystream_world_tick Current world tick.\n")
	fmt.Fprintf(out, "# TYPE citystream_world_tick gauge\n")
	fmt.Fprintf(out, "citystream_world_tick{world=%q} %d\n", id, m.Tick)

	fmt.Fprintf(out, "# HELP citystream_world_observers Subscribed observers.\n")
	fmt.Fprintf(out, "# TYPE citystream_world_observers gauge\n")
	fmt.Fprintf(out, "citystream_world_observers{world=%q} %d\n", id, m.Observers)

	fmt.Fprintf(out, "# HELP citystream_world_resident_cells Resident cell count.\n")
	fmt.Fprintf(out, "# TYPE citystream_world_resident_cells gauge\n")
	fmt.Fprintf(out, "citystream_world_resident_cells{world=%q} %d\n", id, m.Resident)

	fmt.Fprintf(out, "# HELP citystream_world_origin Floating origin offset.\n")
	fmt.Fprintf(out, "# TYPE citystream_world_origin gauge\n")
	fmt.Fprintf(out, "citystream_world_origin{world=%q,axis=%q} %g\n", id, "x", m.Origin[0])
	fmt.Fprintf(out, "citystream_world_origin{world=%q,axis=%q} %g\n", id, "z", m.Origin[2])

	fmt.Fprintf(out, "# HELP citystream_stats_window Rolling window stats.\n")
	fmt.Fprintf(out, "# TYPE citystream_stats_window gauge\n")
	s := m.Window
	for _, kv := range []struct {
		name string
		v    int
	}{
		{"loaded", s.Loaded},
		{"generated", s.Generated},
		{"evicted", s.Evicted},
		{"churned", s.Churned},
		{"mutations_applied", s.Applied},
		{"mutations_rejected", s.Rejected},
		{"rebases", s.Rebases},
		{"dropped_frames", s.Dropped},
	} {
		fmt.Fprintf(out, "citystream_stats_window{world=%q,metric=%q} %d\n", id, kv.name, kv.v)
	}

	fmt.Fprintf(out, "# HELP citystream_stats_window_ticks Rolling window size in ticks.\n")
	fmt.Fprintf(out, "# TYPE citystream_stats_window_ticks gauge\n")
	fmt.Fprintf(out, "citystream_stats_window_ticks{world=%q} %d\n", id, m.WindowTicks)

	in := m.Ingest
	fmt.Fprintf(out, "# HELP citystream_mutation_packets_total Mutation packets by outcome.\n")
	fmt.Fprintf(out, "# TYPE citystream_mutation_packets_total counter\n")
	fmt.Fprintf(out, "citystream_mutation_packets_total{world=%q,outcome=%q} %d\n", id, "received", in.Received)
	fmt.Fprintf(out, "citystream_mutation_packets_total{world=%q,outcome=%q} %d\n", id, "malformed", in.Malformed)
	fmt.Fprintf(out, "citystream_mutation_packets_total{world=%q,outcome=%q} %d\n", id, "dropped", in.Dropped)
	fmt.Fprintf(out, "citystream_mutation_packets_total{world=%q,outcome=%q} %d\n", id, "applied", in.Applied)
	fmt.Fprintf(out, "citystream_mutation_packets_total{world=%q,outcome=%q} %d\n", id, "rejected", in.Rejected)

	fmt.Fprintf(out, "# HELP citystream_mutation_queue_depth Mutation queue backlog.\n")
	fmt.Fprintf(out, "# TYPE citystream_mutation_queue_depth gauge\n")
	fmt.Fprintf(out, "citystream_mutation_queue_depth{world=%q} %d\n", id, in.QueueDepth)
}

func writeIndexMetrics(out io.Writer, s indexdb.Stats) {
	fmt.Fprintf(out, "# HELP citystream_index_queue_depth Index writer backlog.\n")
	fmt.Fprintf(out, "# TYPE citystream_index_queue_depth gauge\n")
	fmt.Fprintf(out, "citystream_index_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(out, "# HELP citystream_index_dropped_total Index rows dropped on a full queue.\n")
	fmt.Fprintf(out, "# TYPE citystream_index_dropped_total counter\n")
	fmt.Fprintf(out, "citystream_index_dropped_total{kind=%q} %d\n", "tick", s.DropTickTotal)
	fmt.Fprintf(out, "citystream_index_dropped_total{kind=%q} %d\n", "bake", s.DropBakeTotal)
	fmt.Fprintf(out, "citystream_index_dropped_total{kind=%q} %d\n", "mutation", s.DropMutationTotal)

	fmt.Fprintf(out, "# HELP citystream_index_write_errors_total Failed index transactions.\n")
	fmt.Fprintf(out, "# TYPE citystream_index_write_errors_total counter\n")
	fmt.Fprintf(out, "citystream_index_write_errors_total %d\n", s.WriteErrorTotal)
}

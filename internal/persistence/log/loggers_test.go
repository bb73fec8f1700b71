package log

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"citystream.ai/internal/sim/world"
	"citystream.ai/internal/sim/world/cells"
)

func TestMutationLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewMutationLogger(dir)
	in := []world.MutationLogEntry{
		{Tick: 1, CX: -3, CZ: 2, Index: 7, ArchetypeID: 1, Jitter: 0.9},
		{Tick: 4, CX: 0, CZ: 0, Index: 400, Reason: "mutation: placement index out of range"},
	}
	for _, e := range in {
		if err := l.WriteMutation(e); err != nil {
			t.Fatalf("WriteMutation: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got []world.MutationLogEntry
	if err := ReadMutations(dir, func(e world.MutationLogEntry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("ReadMutations: %v", err)
	}
	if len(got) != len(in) {
		t.Fatalf("got %d entries want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("entry %d: got %+v want %+v", i, got[i], in[i])
		}
	}
}

func TestJournalRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJournal(dir, "ticks")
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	if err := w.Write(world.TickLogEntry{Tick: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := w.Write(world.TickLogEntry{Tick: 2, Generated: []cells.Key{{CX: 1, CZ: -1}}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if w.Lines() != 2 {
		t.Fatalf("lines=%d", w.Lines())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := ListFiles(dir, "ticks")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "ticks-2026-03-01-10.jsonl.zst" {
		t.Fatalf("files=%v", files)
	}
	var ticks []uint64
	for _, f := range files {
		if err := ScanJSONL(f, func(line []byte) error {
			var e world.TickLogEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return err
			}
			ticks = append(ticks, e.Tick)
			return nil
		}); err != nil {
			t.Fatalf("ScanJSONL: %v", err)
		}
	}
	if len(ticks) != 2 || ticks[0] != 1 || ticks[1] != 2 {
		t.Fatalf("ticks=%v", ticks)
	}
}

func TestTickLoggerAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	for i := uint64(0); i < 2; i++ {
		l := NewTickLogger(dir)
		if err := l.WriteTick(world.TickLogEntry{Tick: i}); err != nil {
			t.Fatalf("WriteTick: %v", err)
		}
		if err := l.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	files, err := ListFiles(filepath.Join(dir, "ticks"), "ticks")
	if err != nil || len(files) == 0 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	n := 0
	for _, f := range files {
		err := ScanJSONL(f, func([]byte) error {
			n++
			return nil
		})
		if err != nil {
			t.Fatalf("ScanJSONL: %v", err)
		}
	}
	if n != 2 {
		t.Fatalf("lines=%d want 2", n)
	}
}

func TestJournalLinesReadableBeforeClose(t *testing.T) {
	dir := t.TempDir()
	l := NewMutationLogger(dir)
	defer l.Close()
	if err := l.WriteMutation(world.MutationLogEntry{Tick: 9, CX: 1, Index: 2, Jitter: 1}); err != nil {
		t.Fatalf("WriteMutation: %v", err)
	}
	var got []world.MutationLogEntry
	err := ReadMutations(dir, func(e world.MutationLogEntry) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadMutations: %v", err)
	}
	if len(got) != 1 || got[0].Tick != 9 {
		t.Fatalf("got=%+v", got)
	}
}

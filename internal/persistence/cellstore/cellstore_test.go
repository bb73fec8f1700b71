package cellstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"citystream.ai/internal/sim/world/cells"
)

func sampleRecord(k cells.Key) Record {
	return Record{
		Key: k,
		Placements: []cells.Placement{
			{Center: mgl32.Vec3{14.3, 0.5, 20.1}, Scale: mgl32.Vec3{0.9, 1.25, 1.1}, ArchetypeID: 0},
			{Center: mgl32.Vec3{-3000.75, 4.2, 1e6}, Scale: mgl32.Vec3{1, 2.5, 1}, ArchetypeID: 65535},
		},
	}
}

func sameRecord(t *testing.T, got, want Record) {
	t.Helper()
	if got.Key != want.Key {
		t.Fatalf("key=%v want %v", got.Key, want.Key)
	}
	if len(got.Placements) != len(want.Placements) {
		t.Fatalf("placements=%d want %d", len(got.Placements), len(want.Placements))
	}
	for i := range want.Placements {
		if got.Placements[i] != want.Placements[i] {
			t.Fatalf("placement[%d]=%+v want %+v", i, got.Placements[i], want.Placements[i])
		}
	}
}

func TestRecordRoundTrip(t *testing.T) {
	want := sampleRecord(cells.Key{CX: -4, CZ: 7})
	b, err := Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) != headerSize+2*cells.PlacementSize {
		t.Fatalf("encoded %d bytes", len(b))
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	sameRecord(t, got, want)

	empty, err := Encode(Record{Key: cells.Key{CX: 1, CZ: 1}})
	if err != nil {
		t.Fatalf("encode empty: %v", err)
	}
	if r, err := Decode(empty); err != nil || len(r.Placements) != 0 {
		t.Fatalf("decode empty: %v %v", r, err)
	}
}

func TestDecodeRejectsBadLengths(t *testing.T) {
	b, _ := Encode(sampleRecord(cells.Key{}))
	for _, bad := range [][]byte{nil, b[:5], b[:len(b)-1], append(append([]byte{}, b...), 0)} {
		if _, err := Decode(bad); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("len %d: err=%v want ErrCorrupt", len(bad), err)
		}
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		s, err := NewFileStore(t.TempDir(), compress, nil)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		k := cells.Key{CX: 2, CZ: -3}
		if _, ok := s.Load(k); ok {
			t.Fatalf("empty store should miss")
		}
		want := sampleRecord(k)
		if err := s.Save(k, want); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, ok := s.Load(k)
		if !ok {
			t.Fatalf("compress=%v: load missed after save", compress)
		}
		sameRecord(t, got, want)
		if _, err := os.Stat(s.Path(k)); err != nil {
			t.Fatalf("cell file: %v", err)
		}
		_ = s.Close()
	}
}

func TestFileStoreCorruptIsMiss(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), false, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	k := cells.Key{CX: 0, CZ: 0}
	if err := os.WriteFile(s.Path(k), []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := s.Load(k); ok {
		t.Fatalf("corrupt file should be a miss")
	}

	// A valid record filed under the wrong name is also unusable.
	b, _ := Encode(sampleRecord(cells.Key{CX: 9, CZ: 9}))
	if err := os.WriteFile(s.Path(k), b, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := s.Load(k); ok {
		t.Fatalf("mismatched key should be a miss")
	}
}

func testKV(t *testing.T, kv KV) {
	t.Helper()
	s := NewKeyStore(kv, nil)
	k := cells.Key{CX: -1, CZ: 12}
	if _, ok := s.Load(k); ok {
		t.Fatalf("empty kv should miss")
	}
	want := sampleRecord(k)
	if err := s.Save(k, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok := s.Load(k)
	if !ok {
		t.Fatalf("load missed after save")
	}
	sameRecord(t, got, want)

	if err := kv.SetItem(ItemKey(k), "not base64!"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok := s.Load(k); ok {
		t.Fatalf("garbage item should be a miss")
	}
}

func TestMemoryKV(t *testing.T) {
	testKV(t, NewMemoryKV())
	if got := ItemKey(cells.Key{CX: -1, CZ: 12}); got != "city_v2_-1_12" {
		t.Fatalf("item key=%q", got)
	}
}

func TestSQLiteKV(t *testing.T) {
	kv, err := OpenSQLiteKV(filepath.Join(t.TempDir(), "cells.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer kv.Close()
	testKV(t, kv)
}

func TestLevelKV(t *testing.T) {
	kv, err := OpenLevelKV(filepath.Join(t.TempDir(), "cells.leveldb"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer kv.Close()
	testKV(t, kv)
}

func TestOpenBackends(t *testing.T) {
	for _, backend := range []string{"file", "memory", "sqlite", "leveldb", "none"} {
		h, err := Open(Options{Backend: backend, Dir: t.TempDir()})
		if err != nil {
			t.Fatalf("%s: %v", backend, err)
		}
		k := cells.Key{CX: 3, CZ: 3}
		if err := h.Save(k, sampleRecord(k)); err != nil {
			t.Fatalf("%s save: %v", backend, err)
		}
		_, ok := h.Load(k)
		if ok != (backend != "none") {
			t.Fatalf("%s: load ok=%v", backend, ok)
		}
		if err := h.Close(); err != nil {
			t.Fatalf("%s close: %v", backend, err)
		}
	}
	if _, err := Open(Options{Backend: "s3"}); err == nil {
		t.Fatalf("unknown backend should fail")
	}
}

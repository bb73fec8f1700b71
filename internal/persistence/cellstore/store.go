package cellstore

import (
	"fmt"
	"log"
	"path/filepath"

	"citystream.ai/internal/sim/world/cells"
)

// Store is a best-effort cache of baked cells. Any read or decode failure is
// reported as a miss.
type Store interface {
	Load(k cells.Key) (Record, bool)
	Save(k cells.Key, r Record) error
}

// Handle is a Store that owns resources.
type Handle interface {
	Store
	Close() error
}

// Discard never hits and drops every save.
type Discard struct{}

func (Discard) Load(cells.Key) (Record, bool) { return Record{}, false }
func (Discard) Save(cells.Key, Record) error  { return nil }
func (Discard) Close() error                  { return nil }

type Options struct {
	// Backend is one of file, memory, sqlite, leveldb, none.
	Backend  string
	Dir      string
	Compress bool
	Logger   *log.Logger
}

// Open builds the configured backend rooted at opts.Dir.
func Open(opts Options) (Handle, error) {
	switch opts.Backend {
	case "", "file":
		return NewFileStore(filepath.Join(opts.Dir, "city_cells_v2"), opts.Compress, opts.Logger)
	case "memory":
		return NewKeyStore(NewMemoryKV(), opts.Logger), nil
	case "sqlite":
		kv, err := OpenSQLiteKV(filepath.Join(opts.Dir, "cells.sqlite"))
		if err != nil {
			return nil, err
		}
		return NewKeyStore(kv, opts.Logger), nil
	case "leveldb":
		kv, err := OpenLevelKV(filepath.Join(opts.Dir, "cells.leveldb"))
		if err != nil {
			return nil, err
		}
		return NewKeyStore(kv, opts.Logger), nil
	case "none":
		return Discard{}, nil
	}
	return nil, fmt.Errorf("cellstore: unknown backend %q", opts.Backend)
}

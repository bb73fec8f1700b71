package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"citystream.ai/internal/persistence/indexdb"
	"citystream.ai/internal/sim/catalogs"
	"citystream.ai/internal/sim/tuning"
	"citystream.ai/internal/sim/world"
)

type runtimeIndex interface {
	world.TickLogger
	world.MutationLogger
	world.BakeRecorder
	Close() error
	Stats() indexdb.Stats
	UpsertCatalogs(arch *catalogs.Archetypes, tune tuning.Tuning) error
}

func openRuntimeIndex(worldDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("CS_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(worldDir, "index", "city.sqlite"))
	default:
		return nil, fmt.Errorf("unsupported CS_INDEX_BACKEND: %s", backend)
	}
}

// Package indexdb mirrors journal traffic into a queryable sqlite database.
// It is a secondary index: writes are queued and dropped when the writer falls
// behind, the JSONL journals stay the source of truth.
package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"citystream.ai/internal/sim/catalogs"
	"citystream.ai/internal/sim/tuning"
	"citystream.ai/internal/sim/world"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick     atomic.Uint64
	dropBake     atomic.Uint64
	dropMutation atomic.Uint64
	writeErrors  atomic.Uint64
}

type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropTickTotal     uint64 `json:"drop_tick_total"`
	DropBakeTotal     uint64 `json:"drop_bake_total"`
	DropMutationTotal uint64 `json:"drop_mutation_total"`
	WriteErrorTotal   uint64 `json:"write_error_total"`
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqBake
	reqMutation
)

type req struct {
	kind reqKind

	tick     world.TickLogEntry
	bake     world.BakeEntry
	mutation world.MutationLogEntry
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// A fresh observer can bake dozens of cells in one tick.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			observers INTEGER NOT NULL,
			resident INTEGER NOT NULL,
			generated INTEGER NOT NULL,
			loaded INTEGER NOT NULL,
			evicted INTEGER NOT NULL,
			churned INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS bakes (
			cx INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			placements INTEGER NOT NULL,
			digest TEXT NOT NULL,
			source TEXT NOT NULL,
			PRIMARY KEY (cx, cz, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS mutations (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			cx INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			idx INTEGER NOT NULL,
			archetype_id INTEGER NOT NULL,
			jitter REAL NOT NULL,
			reason TEXT,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bakes_tick ON bakes(tick);`,
		`CREATE INDEX IF NOT EXISTS idx_mutations_cell_tick ON mutations(cx, cz, tick);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropTickTotal:     s.dropTick.Load(),
		DropBakeTotal:     s.dropBake.Load(),
		DropMutationTotal: s.dropMutation.Load(),
		WriteErrorTotal:   s.writeErrors.Load(),
	}
}

func (s *SQLiteIndex) WriteTick(entry world.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordBake(entry world.BakeEntry) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqBake, bake: entry}:
	default:
		s.dropBake.Add(1)
	}
}

func (s *SQLiteIndex) WriteMutation(entry world.MutationLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqMutation, mutation: entry}:
	default:
		s.dropMutation.Add(1)
	}
	return nil
}

// UpsertCatalogs records the archetype catalog and the tuning actually
// applied, so index rows can be tied back to the inputs that produced them.
func (s *SQLiteIndex) UpsertCatalogs(arch *catalogs.Archetypes, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if arch != nil {
		if b, _ := json.Marshal(arch.Defs); len(b) > 0 {
			rows = append(rows, kv{name: "archetypes", digest: arch.Digest, json: b})
		}
	}
	{
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('world_id',?)`, tune.WorldID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.name == "" || r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,observers,resident,generated,loaded,evicted,churned,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	insertBake, _ := s.db.Prepare(`INSERT OR REPLACE INTO bakes(cx,cz,tick,placements,digest,source) VALUES(?,?,?,?,?,?)`)
	insertMutation, _ := s.db.Prepare(`INSERT OR REPLACE INTO mutations(tick,seq,cx,cz,idx,archetype_id,jitter,reason) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertBake, insertMutation} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		lastMutationTick uint64
		mutationSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.writeErrors.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			t := r.tick
			raw, _ := json.Marshal(t)
			exec(insertTick, int64(t.Tick), t.Observers, t.Resident, len(t.Generated), len(t.Loaded), len(t.Evicted), t.Churned, string(raw))

		case reqBake:
			b := r.bake
			exec(insertBake, b.CX, b.CZ, int64(b.Tick), b.Placements, b.Digest, b.Source)

		case reqMutation:
			m := r.mutation
			if m.Tick != lastMutationTick {
				lastMutationTick = m.Tick
				mutationSeq = 0
			}
			seq := mutationSeq
			mutationSeq++
			var reason any
			if m.Reason != "" {
				reason = m.Reason
			}
			exec(insertMutation, int64(m.Tick), seq, m.CX, m.CZ, int64(m.Index), int64(m.ArchetypeID), float64(m.Jitter), reason)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}

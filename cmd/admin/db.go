package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	cellStr := fs.String("cell", "", "cx,cz filter (bakes, mutations)")
	rejected := fs.Bool("rejected", false, "only rejected mutations")
	_ = fs.Parse(args)

	q := "ticks"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "worlds", *worldID, "index", "city.sqlite")
	}
	if *limit <= 0 {
		*limit = 20
	}

	var where []string
	var qargs []any
	if strings.TrimSpace(*cellStr) != "" {
		k, err := parseKey(*cellStr)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -cell:", err)
			os.Exit(2)
		}
		where = append(where, "cx=? AND cz=?")
		qargs = append(qargs, k.CX, k.CZ)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fail("open", err)
	}
	defer db.Close()

	switch q {
	case "ticks":
		rows, err := db.Query(`SELECT tick,observers,resident,generated,loaded,evicted,churned FROM ticks ORDER BY tick DESC LIMIT ?`, *limit)
		if err != nil {
			fail("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick      int64 `json:"tick"`
				Observers int   `json:"observers"`
				Resident  int   `json:"resident"`
				Generated int   `json:"generated"`
				Loaded    int   `json:"loaded"`
				Evicted   int   `json:"evicted"`
				Churned   int   `json:"churned"`
			}
			if err := rows.Scan(&r.Tick, &r.Observers, &r.Resident, &r.Generated, &r.Loaded, &r.Evicted, &r.Churned); err != nil {
				fail("scan", err)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fail("rows", err)
		}

	case "bakes":
		rows, err := db.Query(`SELECT cx,cz,tick,placements,digest,source FROM bakes`+whereClause(where)+` ORDER BY tick DESC, cx, cz LIMIT ?`, append(qargs, *limit)...)
		if err != nil {
			fail("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				CX         int    `json:"cx"`
				CZ         int    `json:"cz"`
				Tick       int64  `json:"tick"`
				Placements int    `json:"placements"`
				Digest     string `json:"digest"`
				Source     string `json:"source"`
			}
			if err := rows.Scan(&r.CX, &r.CZ, &r.Tick, &r.Placements, &r.Digest, &r.Source); err != nil {
				fail("scan", err)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fail("rows", err)
		}

	case "mutations":
		if *rejected {
			where = append(where, "reason IS NOT NULL")
		}
		rows, err := db.Query(`SELECT tick,seq,cx,cz,idx,archetype_id,jitter,reason FROM mutations`+whereClause(where)+` ORDER BY tick DESC, seq DESC LIMIT ?`, append(qargs, *limit)...)
		if err != nil {
			fail("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick        int64          `json:"tick"`
				Seq         int64          `json:"seq"`
				CX          int            `json:"cx"`
				CZ          int            `json:"cz"`
				Index       int            `json:"index"`
				ArchetypeID int            `json:"archetype_id"`
				Jitter      float64        `json:"jitter"`
				Reason      sql.NullString `json:"-"`
				Rejected    string         `json:"reason,omitempty"`
			}
			if err := rows.Scan(&r.Tick, &r.Seq, &r.CX, &r.CZ, &r.Index, &r.ArchetypeID, &r.Jitter, &r.Reason); err != nil {
				fail("scan", err)
			}
			r.Rejected = r.Reason.String
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fail("rows", err)
		}

	case "catalogs":
		rows, err := db.Query(`SELECT name,digest,updated_at FROM catalogs ORDER BY name`)
		if err != nil {
			fail("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Name      string `json:"name"`
				Digest    string `json:"digest"`
				UpdatedAt string `json:"updated_at"`
			}
			if err := rows.Scan(&r.Name, &r.Digest, &r.UpdatedAt); err != nil {
				fail("scan", err)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fail("rows", err)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data] [-world WORLD|-db PATH] [-cell CX,CZ] [-rejected] ticks|bakes|mutations|catalogs")
		os.Exit(2)
	}
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

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

// dbCmd queries the sqlite index directly; it works while the server is down.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/index/nightbell.sqlite)")
	worldID := fs.String("world", "", "world_id filter (notifications)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "notifications"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "nightbell.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch q {
	case "snapshots":
		rows, err := db.Query(`SELECT tick,path,worlds,participants,recorded_at FROM snapshots ORDER BY tick DESC LIMIT ?`, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick         uint64 `json:"tick"`
				Path         string `json:"path"`
				Worlds       int    `json:"worlds"`
				Participants int    `json:"participants"`
				RecordedAt   string `json:"recorded_at"`
			}
			if err := rows.Scan(&r.Tick, &r.Path, &r.Worlds, &r.Participants, &r.RecordedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "notifications":
		query := `SELECT tick,world_id,event_type,label,participant,nights,suppressed,recipients,delivered,failed FROM notifications`
		qargs := []any{}
		if w := strings.TrimSpace(*worldID); w != "" {
			query += ` WHERE world_id=?`
			qargs = append(qargs, w)
		}
		query += ` ORDER BY tick DESC, world_id, event_type LIMIT ?`
		qargs = append(qargs, *limit)
		rows, err := db.Query(query, qargs...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick        uint64 `json:"tick"`
				WorldID     string `json:"world_id"`
				EventType   string `json:"event_type"`
				Label       string `json:"label"`
				Participant string `json:"participant,omitempty"`
				Nights      int    `json:"nights"`
				Suppressed  bool   `json:"suppressed"`
				Recipients  int    `json:"recipients"`
				Delivered   int    `json:"delivered"`
				Failed      int    `json:"failed"`
			}
			var suppressed int
			if err := rows.Scan(&r.Tick, &r.WorldID, &r.EventType, &r.Label, &r.Participant, &r.Nights, &suppressed, &r.Recipients, &r.Delivered, &r.Failed); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			r.Suppressed = suppressed != 0
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(snapshots, notifications)")
		os.Exit(2)
	}
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}

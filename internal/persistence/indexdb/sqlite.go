package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"nightbell.ai/internal/notify"
	"nightbell.ai/internal/persistence/snapshot"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect maps an NB_INDEX_BACKEND value; empty means sqlite.
func ParseDialect(raw string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(raw))); d {
	case "", DialectSQLite:
		return DialectSQLite, nil
	case DialectPostgres, "postgresql", "pgx":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported index dialect %q", raw)
	}
}

// Index is an asynchronous SQL index of notification reports and snapshots.
// Writes never block the tick loop; the JSONL log remains the source of truth.
type Index struct {
	db      *sql.DB
	dialect Dialect

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed      atomic.Bool
	dropped     atomic.Uint64
	writeErrors atomic.Uint64
}

type reqKind int

const (
	reqNotification reqKind = iota + 1
	reqSnapshot
	reqFlush
)

type req struct {
	kind reqKind

	notification notify.Report
	snapshot     snapshotRow
	done         chan struct{}
}

type snapshotRow struct {
	Tick         uint64
	Path         string
	Worlds       int
	Participants int
	RecordedAt   string
}

// NotificationRow is one indexed report.
type NotificationRow struct {
	Tick          uint64 `json:"tick"`
	WorldID       string `json:"world_id"`
	EventType     string `json:"event_type"`
	Label         string `json:"label"`
	Participant   string `json:"participant,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	Nights        int    `json:"nights"`
	Message       string `json:"message,omitempty"`
	Suppressed    bool   `json:"suppressed"`
	Recipients    int    `json:"recipients"`
	Delivered     int    `json:"delivered"`
	Failed        int    `json:"failed"`
	UnixMs        int64  `json:"unix_ms"`
}

type Stats struct {
	Dialect       Dialect
	QueueDepth    int
	QueueCapacity int
	Dropped       uint64
	WriteErrors   uint64
}

const queueCapacity = 65536

func OpenSQLite(path string) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return open(DialectSQLite, "sqlite", path)
}

func OpenPostgres(dsn string) (*Index, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres index requires NB_POSTGRES_DSN")
	}
	return open(DialectPostgres, "pgx", dsn)
}

func open(dialect Dialect, driverName, dsn string) (*Index, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s index: %w", dialect, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s index: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		if err := initPragmas(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Index{
		db:      db,
		dialect: dialect,
		ch:      make(chan req, queueCapacity),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(ctx context.Context, db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

// The schema sticks to types both dialects accept.
func initSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			tick BIGINT NOT NULL,
			world_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			label TEXT NOT NULL,
			participant TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			nights INTEGER NOT NULL,
			message TEXT NOT NULL,
			suppressed INTEGER NOT NULL,
			recipients INTEGER NOT NULL,
			delivered INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			unix_ms BIGINT NOT NULL,
			PRIMARY KEY (tick, world_id, event_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_world_tick ON notifications(world_id, tick)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick BIGINT PRIMARY KEY,
			path TEXT NOT NULL,
			worlds INTEGER NOT NULL,
			participants INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("init index schema: %w", err)
		}
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO meta(key,value) VALUES('schema_version','1') ON CONFLICT (key) DO NOTHING`)
	return err
}

func (s *Index) bind(pos int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", pos)
	}
	return "?"
}

func (s *Index) placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = s.bind(i + 1)
	}
	return strings.Join(ph, ",")
}

func (s *Index) Dialect() Dialect { return s.dialect }

func (s *Index) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Index) enqueue(r req) bool {
	if s == nil || s.closed.Load() {
		return false
	}
	select {
	case s.ch <- r:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// RecordNotification implements notify.Recorder. Reports are dropped when the
// writer falls behind.
func (s *Index) RecordNotification(r notify.Report) error {
	s.enqueue(req{kind: reqNotification, notification: r})
	return nil
}

func (s *Index) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	participants := 0
	for _, w := range snap.Worlds {
		participants += len(w.Fatigue)
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: snapshotRow{
		Tick:         snap.Header.Tick,
		Path:         path,
		Worlds:       len(snap.Worlds),
		Participants: participants,
		RecordedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}})
}

// Flush commits everything queued before it.
func (s *Index) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !s.enqueue(req{kind: reqFlush, done: done}) {
		return fmt.Errorf("index queue unavailable")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Index) RecentNotifications(ctx context.Context, limit int) ([]NotificationRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT tick,world_id,event_type,label,participant,participant_id,nights,message,suppressed,recipients,delivered,failed,unix_ms
		FROM notifications ORDER BY tick DESC, world_id ASC LIMIT %s`, s.bind(1))
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []NotificationRow
	for rows.Next() {
		var (
			r          NotificationRow
			tick       int64
			suppressed int64
		)
		if err := rows.Scan(&tick, &r.WorldID, &r.EventType, &r.Label, &r.Participant, &r.ParticipantID,
			&r.Nights, &r.Message, &suppressed, &r.Recipients, &r.Delivered, &r.Failed, &r.UnixMs); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		r.Tick = uint64(tick)
		r.Suppressed = suppressed != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Index) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		Dialect:       s.dialect,
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		Dropped:       s.dropped.Load(),
		WriteErrors:   s.writeErrors.Load(),
	}
}

func (s *Index) loop() {
	ctx := context.Background()

	insertNotification, _ := s.db.Prepare(fmt.Sprintf(
		`INSERT INTO notifications(tick,world_id,event_type,label,participant,participant_id,nights,message,suppressed,recipients,delivered,failed,unix_ms)
		VALUES(%s) ON CONFLICT (tick, world_id, event_type) DO NOTHING`, s.placeholders(13)))
	insertSnapshot, _ := s.db.Prepare(fmt.Sprintf(
		`INSERT INTO snapshots(tick,path,worlds,participants,recorded_at) VALUES(%s)
		ON CONFLICT (tick) DO UPDATE SET path=excluded.path, worlds=excluded.worlds, participants=excluded.participants, recorded_at=excluded.recorded_at`,
		s.placeholders(5)))
	defer func() {
		if insertNotification != nil {
			_ = insertNotification.Close()
		}
		if insertSnapshot != nil {
			_ = insertSnapshot.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeErrors.Add(1)
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
	exec := func(stmt *sql.Stmt, args ...any) {
		if stmt == nil {
			s.writeErrors.Add(1)
			return
		}
		begin()
		if tx == nil {
			return
		}
		if _, err := tx.Stmt(stmt).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			switch r.kind {
			case reqNotification:
				n := r.notification
				ev := n.Event
				suppressed := 0
				if n.Suppressed {
					suppressed = 1
				}
				exec(insertNotification,
					int64(n.Tick),
					ev.WorldID,
					string(ev.Kind),
					ev.Label,
					ev.Participant,
					ev.ParticipantID,
					ev.NightsSinceRest,
					ev.Message,
					suppressed,
					n.Recipients,
					n.Delivered,
					n.Failed,
					n.UnixMs,
				)
			case reqSnapshot:
				sn := r.snapshot
				exec(insertSnapshot, int64(sn.Tick), sn.Path, sn.Worlds, sn.Participants, sn.RecordedAt)
			case reqFlush:
				commit()
				close(r.done)
				continue
			}
			if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
		case <-ticker.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
		}
	}
}

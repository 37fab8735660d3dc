// Package store persists accounts and the scheduler status in SQLite.
//
// The status is stored as a single JSON document and always replaced
// wholesale; partial field updates would reintroduce the partial-write
// races the wholesale model exists to avoid.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"checkind/internal/checkin"
	logx "checkind/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLite implements AccountStore and StatusStore on one database file.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &SQLite{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- AccountStore ----

func (s *SQLite) List(ctx context.Context) ([]checkin.Account, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, site_type, detection_enabled, auto_run_enabled, done_today, last_done_date
		 FROM accounts ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []checkin.Account
	for rows.Next() {
		var a checkin.Account
		var det, auto, done int
		if err := rows.Scan(&a.ID, &a.Name, &a.SiteType, &det, &auto, &done, &a.LastDoneDate); err != nil {
			return nil, err
		}
		a.DetectionEnabled = det != 0
		a.AutoRunEnabled = auto != 0
		a.DoneToday = done != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) Put(ctx context.Context, a checkin.Account) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("account id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(id, name, site_type, detection_enabled, auto_run_enabled, done_today, last_done_date)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, site_type=excluded.site_type,
		   detection_enabled=excluded.detection_enabled,
		   auto_run_enabled=excluded.auto_run_enabled,
		   done_today=excluded.done_today,
		   last_done_date=excluded.last_done_date`,
		a.ID, a.Name, a.SiteType, boolInt(a.DetectionEnabled), boolInt(a.AutoRunEnabled),
		boolInt(a.DoneToday), a.LastDoneDate,
	)
	return err
}

func (s *SQLite) Update(ctx context.Context, id string, p AccountPatch) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	sets := make([]string, 0, 6)
	args := make([]any, 0, 7)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Name != nil {
		add("name", *p.Name)
	}
	if p.SiteType != nil {
		add("site_type", *p.SiteType)
	}
	if p.DetectionEnabled != nil {
		add("detection_enabled", boolInt(*p.DetectionEnabled))
	}
	if p.AutoRunEnabled != nil {
		add("auto_run_enabled", boolInt(*p.AutoRunEnabled))
	}
	if p.DoneToday != nil {
		add("done_today", boolInt(*p.DoneToday))
	}
	if p.LastDoneDate != nil {
		add("last_done_date", *p.LastDoneDate)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrAccountNotFound
	}
	return err
}

func (s *SQLite) MarkDoneToday(ctx context.Context, id, date string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET done_today = 1, last_done_date = ? WHERE id = ?`, date, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrAccountNotFound
	}
	return err
}

// ---- StatusStore ----

func (s *SQLite) Get(ctx context.Context) (checkin.Status, bool, error) {
	if s == nil || s.db == nil {
		return checkin.Status{}, false, ErrClosed
	}
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM scheduler_status WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return checkin.Status{}, false, nil
	}
	if err != nil {
		return checkin.Status{}, false, err
	}
	var st checkin.Status
	if err := json.Unmarshal([]byte(doc), &st); err != nil {
		return checkin.Status{}, false, fmt.Errorf("decode status document: %w", err)
	}
	return st, true, nil
}

func (s *SQLite) Save(ctx context.Context, st checkin.Status) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	doc, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduler_status(id, doc, updated_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET doc=excluded.doc, updated_at=excluded.updated_at`,
		string(doc), time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLite) Clear(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_status`)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

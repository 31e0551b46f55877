package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists events in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the event database at dbPath.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		time        DATETIME NOT NULL,
		kind        TEXT NOT NULL,
		agent_name  TEXT,
		trigger_id  INTEGER,
		attempt_id  TEXT,
		detail      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_trigger ON events(trigger_id);
	CREATE INDEX IF NOT EXISTS idx_events_kind_time ON events(kind, time);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate events: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, ev Event) (int64, error) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	var detail *string
	if len(ev.Detail) > 0 {
		str := string(ev.Detail)
		detail = &str
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (time, kind, agent_name, trigger_id, attempt_id, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Time, ev.Kind, nullString(ev.AgentName), nullInt(ev.TriggerID), nullString(ev.AttemptID), detail,
	)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, time, kind, agent_name, trigger_id, attempt_id, detail
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLiteStore) ByTrigger(ctx context.Context, triggerID int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, time, kind, agent_name, trigger_id, attempt_id, detail
		FROM events WHERE trigger_id = ? ORDER BY id ASC`, triggerID)
	if err != nil {
		return nil, fmt.Errorf("query trigger events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var ev Event
		var agent, attempt, detail sql.NullString
		var trigger sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.Time, &ev.Kind, &agent, &trigger, &attempt, &detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.AgentName = agent.String
		ev.TriggerID = trigger.Int64
		ev.AttemptID = attempt.String
		if detail.Valid {
			ev.Detail = []byte(detail.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(n int64) *int64 {
	if n == 0 {
		return nil
	}
	return &n
}

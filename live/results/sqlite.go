package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores records in a single SQLite table. Participants are kept
// as a JSON column.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLiteSink{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) createTables() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS session_results (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			title TEXT NOT NULL,
			owner TEXT NOT NULL,
			test_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			question_count INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER NOT NULL,
			participants TEXT NOT NULL
		)`,
	`CREATE INDEX IF NOT EXISTS idx_session_results_code ON session_results(code)`,
	`CREATE INDEX IF NOT EXISTS idx_session_results_completed ON session_results(completed_at)`,
}

// Close closes the database handle.
func (s *SQLiteSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteSink) Submit(ctx context.Context, rec *Record) error {
	if err := validate(rec); err != nil {
		return err
	}

	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}

	var startedAt sql.NullInt64
	if rec.StartedAt != nil {
		startedAt = sql.NullInt64{Int64: toMillis(*rec.StartedAt), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_results (id, code, title, owner, test_id, reason, question_count, created_at, started_at, completed_at, participants)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Code, rec.Title, rec.Owner, rec.TestID, rec.Reason, rec.QuestionCount,
		toMillis(rec.CreatedAt), startedAt, toMillis(rec.CompletedAt), string(participants))
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Load(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, code, title, owner, test_id, reason, question_count, created_at, started_at, completed_at, participants
		FROM session_results WHERE id = ?
	`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrResultNotFound
	}
	return rec, err
}

func (s *SQLiteSink) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, title, owner, test_id, reason, question_count, created_at, started_at, completed_at, participants
		FROM session_results ORDER BY completed_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec          Record
		createdAt    int64
		startedAt    sql.NullInt64
		completedAt  int64
		participants string
	)
	if err := row.Scan(&rec.ID, &rec.Code, &rec.Title, &rec.Owner, &rec.TestID, &rec.Reason,
		&rec.QuestionCount, &createdAt, &startedAt, &completedAt, &participants); err != nil {
		return nil, err
	}

	rec.CreatedAt = fromMillis(createdAt)
	rec.CompletedAt = fromMillis(completedAt)
	if startedAt.Valid {
		t := fromMillis(startedAt.Int64)
		rec.StartedAt = &t
	}
	if err := json.Unmarshal([]byte(participants), &rec.Participants); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}
	return &rec, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

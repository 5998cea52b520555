package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists usage records in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS usage_records (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    model TEXT NOT NULL,
    prompt_tokens INTEGER NOT NULL,
    completion_tokens INTEGER NOT NULL,
    total_tokens INTEGER NOT NULL,
    tokens_per_second REAL NOT NULL,
    ttft_ms REAL,
    total_duration_ms REAL NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_records_created ON usage_records(created_at);
`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Record(ctx context.Context, rec Record) error {
	rec = normalize(rec, uuid.NewString)
	var ttft sql.NullFloat64
	if rec.TTFTMs != nil {
		ttft = sql.NullFloat64{Float64: *rec.TTFTMs, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (id, session_id, model, prompt_tokens, completion_tokens, total_tokens, tokens_per_second, ttft_ms, total_duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.SessionID,
		rec.Model,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
		rec.TokensPerSecond,
		ttft,
		rec.TotalDurationMs,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, model, prompt_tokens, completion_tokens, total_tokens, tokens_per_second, ttft_ms, total_duration_ms, created_at
		 FROM usage_records ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ttft sql.NullFloat64
		var created string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Model, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.TokensPerSecond, &ttft, &r.TotalDurationMs, &created); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		if ttft.Valid {
			v := ttft.Float64
			r.TTFTMs = &v
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage records: %w", err)
	}
	reverse(out)
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func reverse(items []Record) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

package usage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists usage records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			model TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			tokens_per_second DOUBLE PRECISION NOT NULL,
			ttft_ms DOUBLE PRECISION,
			total_duration_ms DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_created ON usage_records (created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, rec Record) error {
	rec = normalize(rec, uuid.NewString)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_records (id, session_id, model, prompt_tokens, completion_tokens, total_tokens, tokens_per_second, ttft_ms, total_duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID,
		rec.SessionID,
		rec.Model,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
		rec.TokensPerSecond,
		rec.TTFTMs,
		rec.TotalDurationMs,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, model, prompt_tokens, completion_tokens, total_tokens, tokens_per_second, ttft_ms, total_duration_ms, created_at
		 FROM usage_records ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Model, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.TokensPerSecond, &r.TTFTMs, &r.TotalDurationMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage records: %w", err)
	}

	reverse(items)
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

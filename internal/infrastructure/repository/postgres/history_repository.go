package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vetlab/catalog-search/internal/core/ports"
)

// HistoryRepository persists search events and per-user frequent-test
// counters. Writes are idempotent on the event id so the worker can
// safely re-process redelivered messages.
type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *HistoryRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026082801)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS search_history (
	event_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	query TEXT NOT NULL,
	matched_code TEXT,
	success BOOLEAN NOT NULL,
	searched_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_search_history_user ON search_history(user_id, searched_at DESC);

CREATE TABLE IF NOT EXISTS user_frequent_tests (
	user_id TEXT NOT NULL,
	test_code TEXT NOT NULL,
	search_count INTEGER NOT NULL DEFAULT 1,
	last_searched_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, test_code)
);

CREATE TABLE IF NOT EXISTS container_photos (
	container_name TEXT PRIMARY KEY,
	file_id TEXT NOT NULL,
	caption TEXT,
	updated_at TIMESTAMPTZ NOT NULL
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *HistoryRepository) AddSearchHistory(ctx context.Context, event ports.SearchEvent) error {
	const query = `
INSERT INTO search_history (event_id, user_id, query, matched_code, success, searched_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
ON CONFLICT (event_id) DO NOTHING`

	searchedAt := time.Unix(event.UnixTime, 0).UTC()
	if event.UnixTime == 0 {
		searchedAt = time.Now().UTC()
	}
	if _, err := r.db.ExecContext(ctx, query,
		event.EventID, event.UserID, event.Query, event.MatchedCode, event.Success, searchedAt,
	); err != nil {
		return fmt.Errorf("insert search history: %w", err)
	}
	return nil
}

func (r *HistoryRepository) UpdateUserFrequentTest(ctx context.Context, userID, testCode string) error {
	if testCode == "" {
		return nil
	}
	const query = `
INSERT INTO user_frequent_tests (user_id, test_code, search_count, last_searched_at)
VALUES ($1, $2, 1, NOW())
ON CONFLICT (user_id, test_code)
DO UPDATE SET search_count = user_frequent_tests.search_count + 1, last_searched_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, userID, testCode); err != nil {
		return fmt.Errorf("upsert frequent test: %w", err)
	}
	return nil
}

// GetSearchSuggestions returns the user's most repeated queries whose
// text starts with the given prefix, newest first among equals.
func (r *HistoryRepository) GetSearchSuggestions(ctx context.Context, userID, prefix string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	const query = `
SELECT query
FROM search_history
WHERE user_id = $1 AND success AND query ILIKE $2 || '%'
GROUP BY query
ORDER BY COUNT(*) DESC, MAX(searched_at) DESC
LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, userID, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("query search suggestions: %w", err)
	}
	defer rows.Close()

	var suggestions []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		suggestions = append(suggestions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suggestions: %w", err)
	}
	return suggestions, nil
}

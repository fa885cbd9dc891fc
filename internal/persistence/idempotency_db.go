package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"SwapLedger/internal/core"
)

// PostgresIdempotencyChecker is the durable dedup tier backed by
// swap_log.idempotency_keys.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// LookupResult returns the stored result of a processed command.
func (pic *PostgresIdempotencyChecker) LookupResult(ctx context.Context, requestID string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	var result []byte
	err := pic.db.QueryRowContext(ctx, `
		SELECT result FROM swap_log.idempotency_keys WHERE request_id = $1
	`, requestID).Scan(&result)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

// LoadRecent returns up to limit of the most recent results, oldest first,
// for warming the in-memory LRU.
func (pic *PostgresIdempotencyChecker) LoadRecent(ctx context.Context, limit int) ([]core.IdempotencyEntry, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT request_id, result FROM (
			SELECT request_id, result, processed_at
			FROM swap_log.idempotency_keys
			ORDER BY processed_at DESC
			LIMIT $1
		) recent ORDER BY processed_at ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.IdempotencyEntry
	for rows.Next() {
		var e core.IdempotencyEntry
		if err := rows.Scan(&e.RequestID, &e.Result); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

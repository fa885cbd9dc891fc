package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"SwapLedger/internal/core"
	"SwapLedger/internal/event"

	_ "github.com/lib/pq"
)

// Sink receives batches from the PersistenceWorker
type Sink interface {
	WriteBatch(ctx context.Context, b *Batch) error
}

// Store is a durable backend for the exchange: the write side used by the
// worker plus everything recovery and the idempotency tier need.
type Store interface {
	Sink
	core.DBIdempotencyChecker

	SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error)
	LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error)
	LoadEventsAfter(ctx context.Context, afterSeq int64) ([]*event.EventEnvelope, error)
	LoadRecent(ctx context.Context, limit int) ([]core.IdempotencyEntry, error)
	Ping(ctx context.Context) error
	Close() error
}

// PostgresStore is the production Store
type PostgresStore struct {
	*EventLogWriter
	*SnapshotManager
	*PostgresIdempotencyChecker

	db *sql.DB
}

// OpenPostgres connects and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, maxOpenConns int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStore(db), nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		EventLogWriter:             NewEventLogWriter(db),
		SnapshotManager:            NewSnapshotManager(db),
		PostgresIdempotencyChecker: NewPostgresIdempotencyChecker(db),
		db:                         db,
	}
}

// DB exposes the pool for migrations
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) Close() error { return s.db.Close() }

// Recover loads the latest snapshot and the events after it into x, then
// warms its idempotency cache with up to warm recent results.
func Recover(ctx context.Context, s Store, x *core.Exchange, warm int) error {
	snap, err := s.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	var after int64
	if snap != nil {
		after = snap.Sequence
	}

	tail, err := s.LoadEventsAfter(ctx, after)
	if err != nil {
		return fmt.Errorf("load events after %d: %w", after, err)
	}
	if err := x.Restore(snap, tail); err != nil {
		return err
	}

	if warm > 0 {
		entries, err := s.LoadRecent(ctx, warm)
		if err != nil {
			return fmt.Errorf("load idempotency keys: %w", err)
		}
		x.WarmIdempotency(entries)
	}
	return nil
}

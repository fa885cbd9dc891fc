package persistence

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"SwapLedger/internal/core"
	"SwapLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the exchange's persist channel and batch-writes
// to a Sink. The exchange sends with backpressure, so when this worker
// falls behind the exchange stalls rather than losing events.
type PersistenceWorker struct {
	sink         Sink
	inputChan    <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	lastPersisted atomic.Int64
}

func NewPersistenceWorker(
	sink Sink,
	inputChan <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		sink:         sink,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// LastPersisted returns the highest event sequence known to be durable.
func (pw *PersistenceWorker) LastPersisted() int64 {
	return pw.lastPersisted.Load()
}

// SetLastPersisted seeds the durable position after recovery.
func (pw *PersistenceWorker) SetLastPersisted(seq int64) {
	pw.lastPersisted.Store(seq)
}

// Run batches incoming outputs and flushes either when the batch is full
// or the flush timeout expires. Returns when the input channel is closed
// (after a final flush) or ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &Batch{}
	var oldest time.Time

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if batch.Len() == 0 {
			return
		}
		if pw.metrics != nil && !oldest.IsZero() {
			pw.metrics.ApplyToPersist.Observe(time.Since(oldest).Seconds())
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.logger.Error().Err(err).Int("events", len(batch.Events)).Msg("batch flush failed")
		}
		batch.Reset()
		oldest = time.Time{}
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}
			if oldest.IsZero() {
				oldest = out.EmittedAt
			}
			batch.Add(out)

			if batch.Len() >= pw.batchSize {
				flush(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made without it.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, b *Batch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(b.Events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}

			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), b); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}

		pw.logger.Error().Err(err).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, b *Batch) error {
	start := time.Now()

	if err := pw.sink.WriteBatch(ctx, b); err != nil {
		return err
	}

	if last := b.LastSequence(); last > 0 {
		pw.lastPersisted.Store(last)
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(b.Events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(b.Events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(b.Journals)))
		pw.metrics.PersistLastSequence.Set(float64(pw.lastPersisted.Load()))
	}
	return nil
}

// SnapshotWorker periodically snapshots the exchange. A snapshot is saved
// only after the events it covers are durable.
type SnapshotWorker struct {
	exchange *core.Exchange
	store    Store
	worker   *PersistenceWorker
	interval time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewSnapshotWorker(x *core.Exchange, store Store, worker *PersistenceWorker, interval time.Duration,
	metrics *observability.Metrics, logger zerolog.Logger) *SnapshotWorker {
	return &SnapshotWorker{
		exchange: x,
		store:    store,
		worker:   worker,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
	}
}

func (sw *SnapshotWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	var lastSeq int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			seq, err := sw.TakeSnapshot(ctx, lastSeq)
			if err != nil {
				sw.logger.Error().Err(err).Msg("snapshot failed")
				continue
			}
			lastSeq = seq
		}
	}
}

// TakeSnapshot saves a snapshot unless nothing happened since lastSeq.
// Returns the sequence of the newest saved snapshot.
func (sw *SnapshotWorker) TakeSnapshot(ctx context.Context, lastSeq int64) (int64, error) {
	start := time.Now()
	snap := sw.exchange.Snapshot()
	if snap.Sequence <= lastSeq {
		return lastSeq, nil
	}

	for sw.worker.LastPersisted() < snap.Sequence {
		select {
		case <-ctx.Done():
			return lastSeq, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	size, err := sw.store.SaveSnapshot(ctx, snap)
	if err != nil {
		return lastSeq, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}

	if sw.metrics != nil {
		sw.metrics.SnapshotTaken.Inc()
		sw.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sw.metrics.SnapshotSizeBytes.Set(float64(size))
		sw.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	sw.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("size_bytes", size).
		Int("listings", len(snap.Listings)).
		Msg("snapshot saved")
	return snap.Sequence, nil
}

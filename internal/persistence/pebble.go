package persistence

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"SwapLedger/internal/core"
	"SwapLedger/internal/event"

	"github.com/cockroachdb/pebble"
)

// PebbleStore is an embedded Store for single-node deployments and tests.
//
// Key layout:
//
//	ev:<seq be8>                 event row
//	jr:<seq be8>:<journal id>    journal row
//	ls:<fingerprint>             current listing projection
//	lh:<fingerprint>:<created>   superseded listing record
//	ik:<request id>              command result
//	it:<processed be8>:<id>      recency index over ik
//	sn:<seq be8>                 snapshot
type PebbleStore struct {
	db *pebble.DB
}

func OpenPebble(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Ping(ctx context.Context) error { return ctx.Err() }

func be8(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func prefixed(prefix string, parts ...[]byte) []byte {
	k := []byte(prefix)
	for i, p := range parts {
		if i > 0 {
			k = append(k, ':')
		}
		k = append(k, p...)
	}
	return k
}

func kEvent(seq int64) []byte              { return prefixed("ev:", be8(seq)) }
func kJournal(seq int64, id string) []byte { return prefixed("jr:", be8(seq), []byte(id)) }
func kListing(fp string) []byte            { return prefixed("ls:", []byte(fp)) }
func kHistory(fp string, created time.Time) []byte {
	return prefixed("lh:", []byte(fp), be8(created.UnixNano()))
}
func kCommand(id string) []byte                   { return prefixed("ik:", []byte(id)) }
func kCommandTime(at time.Time, id string) []byte { return prefixed("it:", be8(at.UnixNano()), []byte(id)) }
func kSnapshot(seq int64) []byte                  { return prefixed("sn:", be8(seq)) }

// keyUpperBound returns the smallest key greater than every key with prefix
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) getJSON(key []byte, v interface{}) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func setJSON(b *pebble.Batch, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(key, data, nil)
}

// WriteBatch applies b in one synced pebble batch.
func (s *PebbleStore) WriteBatch(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	wb := s.db.NewBatch()
	defer wb.Close()

	for _, e := range b.Events {
		if err := setJSON(wb, kEvent(e.Sequence), e); err != nil {
			return err
		}
	}
	for _, j := range b.Journals {
		if err := setJSON(wb, kJournal(j.EventSequence, j.JournalID), j); err != nil {
			return err
		}
	}

	// Listings in one batch may touch the same fingerprint repeatedly
	pending := make(map[string]ListingRow)
	for _, l := range b.Listings {
		fp := l.View.Fingerprint
		cur, ok := pending[fp]
		if !ok {
			found, err := s.getJSON(kListing(fp), &cur)
			if err != nil {
				return err
			}
			ok = found
		}
		if ok && cur.LastEventSeq >= l.LastEventSeq {
			continue
		}
		if ok && l.View.CreatedAt.After(cur.View.CreatedAt) {
			archived := cur.View
			if archived.Status == "open" {
				archived.Status = "expired"
			}
			if err := setJSON(wb, kHistory(fp, archived.CreatedAt), archived); err != nil {
				return err
			}
		}
		if err := setJSON(wb, kListing(fp), l); err != nil {
			return err
		}
		pending[fp] = l
	}

	for _, c := range b.Commands {
		if err := setJSON(wb, kCommand(c.RequestID), c); err != nil {
			return err
		}
		if err := wb.Set(kCommandTime(c.ProcessedAt, c.RequestID), []byte(c.RequestID), nil); err != nil {
			return err
		}
	}

	return wb.Commit(pebble.Sync)
}

func (s *PebbleStore) LoadEventsAfter(ctx context.Context, afterSeq int64) ([]*event.EventEnvelope, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: kEvent(afterSeq + 1),
		UpperBound: keyUpperBound([]byte("ev:")),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*event.EventEnvelope
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r EventRow
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		env, err := r.Envelope()
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, iter.Error()
}

// LoadJournals returns the journal rows written for one event.
func (s *PebbleStore) LoadJournals(eventSeq int64) ([]JournalRow, error) {
	prefix := append(prefixed("jr:", be8(eventSeq)), ':')
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []JournalRow
	for iter.First(); iter.Valid(); iter.Next() {
		var j JournalRow
		if err := json.Unmarshal(iter.Value(), &j); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, iter.Error()
}

// LoadListing returns the projected record for a fingerprint.
func (s *PebbleStore) LoadListing(fp string) (*ListingRow, error) {
	var l ListingRow
	found, err := s.getJSON(kListing(fp), &l)
	if err != nil || !found {
		return nil, err
	}
	return &l, nil
}

func (s *PebbleStore) LookupResult(ctx context.Context, requestID string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var c CommandRow
	found, err := s.getJSON(kCommand(requestID), &c)
	if err != nil || !found {
		return nil, false, err
	}
	return c.Result, true, nil
}

// LoadRecent returns up to limit of the newest command results, oldest first.
func (s *PebbleStore) LoadRecent(ctx context.Context, limit int) ([]core.IdempotencyEntry, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("it:"),
		UpperBound: keyUpperBound([]byte("it:")),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	for iter.Last(); iter.Valid() && len(ids) < limit; iter.Prev() {
		ids = append(ids, string(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	out := make([]core.IdempotencyEntry, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		res, ok, err := s.LookupResult(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, core.IdempotencyEntry{RequestID: ids[i], Result: res})
		}
	}
	return out, nil
}

func (s *PebbleStore) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.db.Set(kSnapshot(snap.Sequence), data, pebble.Sync); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (s *PebbleStore) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("sn:"),
		UpperBound: keyUpperBound([]byte("sn:")),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	if !iter.Last() {
		return nil, iter.Error()
	}
	var snap core.SnapshotState
	if err := json.Unmarshal(iter.Value(), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

var (
	_ Store = (*PebbleStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

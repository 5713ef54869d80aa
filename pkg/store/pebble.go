package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"

	"keyrelay/pkg/logger"
)

// Store is the durable key material store backed by pebble.
type Store struct {
	db    *pebble.DB
	path  string
	write *pebble.WriteOptions
	locks *Locks
}

// Options tunes Open.
type Options struct {
	DisableWAL bool
	// NoSync skips fsync on commit; only tests and bulk imports want this.
	NoSync bool
}

// Open opens or creates the pebble database at path.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if opts.DisableWAL {
		logger.Warn("durability_reduced", "reason", "pebble WAL disabled")
	}
	db, err := pebble.Open(path, &pebble.Options{DisableWAL: opts.DisableWAL})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	wo := pebble.Sync
	if opts.NoSync {
		wo = pebble.NoSync
	}
	return &Store{db: db, path: path, write: wo, locks: NewLocks()}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Flush(); err != nil {
		logger.Error("store_flush_failed", "error", err)
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Flush forces memtables to disk.
func (s *Store) Flush() error {
	return s.db.Flush()
}

// Locks returns the store's keyed mutexes. They are held only for the
// duration of a store transaction.
func (s *Store) Locks() *Locks { return s.locks }

// Path returns the directory the store was opened at.
func (s *Store) Path() string { return s.path }

// DiskUsage reports bytes used on disk.
func (s *Store) DiskUsage() uint64 {
	return s.db.Metrics().DiskSpaceUsage()
}

func (s *Store) get(key string) ([]byte, bool, error) {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, true, nil
}

func (s *Store) getJSON(key string, v any) (bool, error) {
	b, ok, err := s.get(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) has(key string) (bool, error) {
	_, ok, err := s.get(key)
	return ok, err
}

// scan calls fn for every key with prefix, in key order. fn must copy
// anything it keeps. Returning ErrStopScan ends the scan without error.
func (s *Store) scan(prefix string, fn func(k, v []byte) error) error {
	p := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: prefixUpperBound(p)})
	if err != nil {
		return fmt.Errorf("iterate %s: %w", prefix, err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return iter.Error()
}

// last returns the greatest key/value under prefix.
func (s *Store) last(prefix string) ([]byte, []byte, bool, error) {
	p := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: prefixUpperBound(p)})
	if err != nil {
		return nil, nil, false, fmt.Errorf("iterate %s: %w", prefix, err)
	}
	defer iter.Close()
	if !iter.Last() {
		return nil, nil, false, iter.Error()
	}
	k := append([]byte(nil), iter.Key()...)
	v := append([]byte(nil), iter.Value()...)
	return k, v, true, nil
}

func scanJSON[T any](s *Store, prefix string, fn func(*T) error) error {
	return s.scan(prefix, func(k, v []byte) error {
		var rec T
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		return fn(&rec)
	})
}

// ErrStopScan ends a scan early without error.
var ErrStopScan = errors.New("stop scan")

// Batch collects writes that commit atomically.
type Batch struct {
	s      *Store
	b      *pebble.Batch
	n      int
	closed bool
}

// NewBatch starts an atomic write set.
func (s *Store) NewBatch() *Batch {
	return &Batch{s: s, b: s.db.NewBatch()}
}

func (b *Batch) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.set(key, data)
}

func (b *Batch) set(key string, v []byte) error {
	b.n++
	return b.b.Set([]byte(key), v, nil)
}

func (b *Batch) del(key string) error {
	b.n++
	return b.b.Delete([]byte(key), nil)
}

// Len is the number of operations queued.
func (b *Batch) Len() int { return b.n }

// Commit applies the batch durably and releases it.
func (b *Batch) Commit() error {
	if b.closed {
		return fmt.Errorf("batch already closed")
	}
	defer b.Discard()
	if b.n == 0 {
		return nil
	}
	if err := b.b.Commit(b.s.write); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Discard releases the batch without applying it. It is safe to call
// after Commit.
func (b *Batch) Discard() {
	if b.closed {
		return
	}
	b.closed = true
	_ = b.b.Close()
}

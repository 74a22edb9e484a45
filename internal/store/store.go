// Package store is a write-behind journal of transfer snapshots. Updates
// land in memory immediately and reach a JSON file on a count threshold, a
// debounce timer or an explicit flush, so a crash loses at most a few
// seconds of status churn. On startup the journal is replayed into the
// item repository.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/driveq/driveq/internal/common"
	"github.com/driveq/driveq/internal/logging"
	"github.com/driveq/driveq/internal/models"
	"github.com/driveq/driveq/internal/repositories/items"
)

// Options tunes the flush policy.
type Options struct {
	// FlushCount forces a flush once this many updates are pending.
	// Zero means 50.
	FlushCount int
	// FlushEvery flushes pending updates after this quiet period.
	// Zero means 3s.
	FlushEvery time.Duration
}

// Store holds the in-memory journal for one snapshot file.
type Store struct {
	path string
	log  logging.Logger
	opts Options

	mu      sync.Mutex
	records map[string]models.SnapshotRecord
	pending int
	timer   *time.Timer
	closed  bool

	// fileMu serializes writes to the snapshot file so a timer flush and
	// an explicit flush cannot interleave.
	fileMu sync.Mutex
}

// Open loads the journal at path, creating an empty one when the file does
// not exist yet.
func Open(path string, log logging.Logger, opts Options) (*Store, error) {
	if opts.FlushCount <= 0 {
		opts.FlushCount = 50
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = 3 * time.Second
	}
	s := &Store{
		path:    path,
		log:     log,
		opts:    opts,
		records: make(map[string]models.SnapshotRecord),
	}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("reading snapshot %s: %w", path, err)
	}

	var recs []models.SnapshotRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		// a torn write must not brick startup; start over
		log.Warn(context.Background(), "snapshot file unreadable, discarding", "path", path, "error", err)
		return s, nil
	}
	for _, r := range recs {
		if key := r.Key(); key != "" {
			s.records[key] = r
		}
	}
	return s, nil
}

// Put merges rec into the journal. Non-nil fields of rec win over earlier
// values for the same key.
func (s *Store) Put(rec models.SnapshotRecord) {
	key := rec.Key()
	if key == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if prev, ok := s.records[key]; ok {
		prev.Merge(&rec)
		rec = prev
	}
	s.records[key] = rec
	s.pending++
	flushNow := s.pending >= s.opts.FlushCount
	if !flushNow {
		if s.timer == nil {
			s.timer = time.AfterFunc(s.opts.FlushEvery, func() { _ = s.Flush() })
		} else {
			s.timer.Reset(s.opts.FlushEvery)
		}
	}
	s.mu.Unlock()

	if flushNow {
		if err := s.Flush(); err != nil {
			s.log.Error(context.Background(), "snapshot flush failed", "path", s.path, "error", err)
		}
	}
}

// Delete drops the record for key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	if _, ok := s.records[key]; ok {
		delete(s.records, key)
		s.pending++
	}
	s.mu.Unlock()
}

// Get returns the journaled record for key.
func (s *Store) Get(key string) (models.SnapshotRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok
}

// Len reports the number of journaled records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Flush writes the journal to disk if anything is pending. The file is
// written whole through a rename so readers never observe a torn file.
func (s *Store) Flush() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	s.mu.Lock()
	if s.pending == 0 {
		s.mu.Unlock()
		return nil
	}
	recs := make([]models.SnapshotRecord, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.pending = 0
	s.mu.Unlock()

	b, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// Close flushes and stops the debounce timer. The store accepts no updates
// afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	return s.Flush()
}

// ReconcileInto replays the journal onto the item repository, then clears
// the journal. Records whose item no longer exists are dropped.
func (s *Store) ReconcileInto(ctx context.Context, repo items.Repository) error {
	s.mu.Lock()
	recs := make([]models.SnapshotRecord, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.Unlock()

	applied := 0
	for _, rec := range recs {
		if rec.TransferID == "" {
			continue
		}
		item, err := repo.GetByTransferID(ctx, rec.TransferID)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("loading item %s: %w", rec.TransferID, err)
		}
		rec.ApplyTo(item)
		if err := repo.Upsert(ctx, item); err != nil {
			return fmt.Errorf("replaying item %s: %w", rec.TransferID, err)
		}
		applied++
	}

	s.mu.Lock()
	s.records = make(map[string]models.SnapshotRecord)
	s.pending++
	s.mu.Unlock()

	s.log.Info(ctx, "snapshot journal replayed", "path", s.path, "records", len(recs), "applied", applied)
	return s.Flush()
}

// Package store archives finished scan sessions in an embedded BoltDB
// database, so candidates survive a restart and recovery can run against an
// earlier scan.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"

	"github.com/reshdesu/oopsie-daisy/internal/scan"
)

// ErrNotFound is returned when no archived session has the requested ID.
var ErrNotFound = errors.New("session not found")

// Bucket names. Sessions hold the full summary JSON keyed by session ID;
// the index maps start-time keys back to IDs for time-ordered listing.
var (
	bucketSessions = []byte("sessions")
	bucketIndex    = []byte("sessions_by_time")
)

// Store is a session archive backed by BoltDB. Pure Go, single file, safe
// for concurrent use.
type Store struct {
	db *bbolt.DB

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open opens (or creates) the archive database at path.
func Open(path string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketSessions, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &Store{db: db}
	s.readLatency, _ = meter.Float64Histogram("oopsie_archive_read_ms")
	s.writeLatency, _ = meter.Float64Histogram("oopsie_archive_write_ms")
	return s, nil
}

// ArchiveSession persists a finished session summary. Re-archiving the same
// session ID overwrites the previous record.
func (s *Store) ArchiveSession(ctx context.Context, sum scan.Summary) error {
	began := time.Now()
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sum.ID, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketSessions).Put([]byte(sum.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketIndex).Put(timeKey(sum.StartedAt, sum.ID), []byte(sum.ID))
	})
	if err != nil {
		return fmt.Errorf("archive session %s: %w", sum.ID, err)
	}
	s.writeLatency.Record(ctx, float64(time.Since(began).Microseconds())/1000)
	return nil
}

// GetSession loads one archived session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (scan.Summary, error) {
	began := time.Now()
	var sum scan.Summary
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &sum)
	})
	if err != nil {
		return scan.Summary{}, err
	}
	s.readLatency.Record(ctx, float64(time.Since(began).Microseconds())/1000)
	return sum, nil
}

// ListSessions returns archived sessions, newest first. limit <= 0 means
// all.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]scan.Summary, error) {
	began := time.Now()
	var out []scan.Summary
	err := s.db.View(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		c := tx.Bucket(bucketIndex).Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			data := sessions.Get(id)
			if data == nil {
				continue // index entry outlived its session
			}
			var sum scan.Summary
			if err := json.Unmarshal(data, &sum); err != nil {
				return fmt.Errorf("decode session %s: %w", id, err)
			}
			out = append(out, sum)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	s.readLatency.Record(ctx, float64(time.Since(began).Microseconds())/1000)
	return out, nil
}

// Close releases the database file.
func (s *Store) Close() error { return s.db.Close() }

// timeKeyFormat is fixed-width so byte order equals time order; trimmed
// fractional formats like RFC3339Nano would misorder sub-second starts.
const timeKeyFormat = "2006-01-02T15:04:05.000000000"

// timeKey builds a sortable index key: start time plus the session ID to
// keep keys unique when two scans start in the same instant.
func timeKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(timeKeyFormat) + "|" + id)
}

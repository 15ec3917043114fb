// Package history archives finalized transfer reports in a local bbolt
// database so past runs can be listed after the process exits.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/sheerbytes/warp/internal/report"
)

var (
	// ErrNotFound is returned when no report is stored under an id.
	ErrNotFound = errors.New("report not found")
)

var (
	reportsBucket = []byte("reports")
)

const openTimeout = time.Second

// Record is one archived report.
type Record struct {
	ID     string         `json:"id"`
	Saved  time.Time      `json:"saved"`
	Report *report.Report `json:"report"`
}

// Store archives reports.
type Store interface {
	Save(r *report.Report) (string, error)
	Get(id string) (*Record, error)
	List(limit int) ([]Record, error)
	Close() error
}

// BoltStore is a Store backed by bbolt. Keys sort by save time.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// DefaultPath returns the per-user history database location.
func DefaultPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate cache dir: %w", err)
	}
	return filepath.Join(dir, "warp", "history.db"), nil
}

// Open opens or creates the database at path.
func Open(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(reportsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create reports bucket: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// Save stores r and returns its id.
func (s *BoltStore) Save(r *report.Report) (string, error) {
	saved := s.now().UTC()
	id := fmt.Sprintf("%016x-%s", saved.UnixNano(), uuid.NewString()[:8])
	rec := Record{ID: id, Saved: saved, Report: r}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(reportsBucket)

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}

		if err := b.Put([]byte(id), data); err != nil {
			return fmt.Errorf("failed to put report: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Get returns the report stored under id.
func (s *BoltStore) Get(id string) (*Record, error) {
	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(reportsBucket).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal report: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns up to limit records, newest first. A limit of zero or less
// returns everything.
func (s *BoltStore) List(limit int) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(reportsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal report %s: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

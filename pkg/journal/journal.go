package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/mnha/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketOperations = []byte("operations")

// ErrNotFound is returned for unknown operation IDs
var ErrNotFound = errors.New("operation not found")

// Result is the final state of an operation
type Result string

const (
	ResultRunning    Result = "running"
	ResultSucceeded  Result = "succeeded"
	ResultFailed     Result = "failed"
	ResultRolledBack Result = "rolled_back"
)

// Stage is one step of an operation
type Stage struct {
	Name     string        `json:"name" yaml:"name"`
	Started  time.Time     `json:"started" yaml:"started"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Record is the journal entry of one operation
type Record struct {
	ID        string     `json:"id" yaml:"id"`
	Mode      types.Mode `json:"mode" yaml:"mode"`
	DryRun    bool       `json:"dry_run" yaml:"dry_run"`
	Host      string     `json:"host,omitempty" yaml:"host,omitempty"`
	Started   time.Time  `json:"started" yaml:"started"`
	Finished  time.Time  `json:"finished,omitempty" yaml:"finished,omitempty"`
	Result    Result     `json:"result" yaml:"result"`
	Error     string     `json:"error,omitempty" yaml:"error,omitempty"`
	Stages    []Stage    `json:"stages" yaml:"stages"`
	Rollback  []string   `json:"rollback,omitempty" yaml:"rollback,omitempty"`
	Arguments []string   `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Store keeps operation records in a bbolt file. Records are keyed by
// their time-ordered ID, so key order is start order.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the journal under dir
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, "journal.db"), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketOperations); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketOperations, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the journal
func (s *Store) Close() error {
	return s.db.Close()
}

// Put creates or replaces a record
func (s *Store) Put(rec *Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketOperations).Put([]byte(rec.ID), data)
	})
}

// Get returns the record with the given ID
func (s *Store) Get(id string) (*Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOperations).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns up to limit records, newest first. A limit of zero or less
// returns everything.
func (s *Store) List(limit int) ([]*Record, error) {
	var records []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOperations).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode record %s: %w", k, err)
			}
			records = append(records, &rec)
		}
		return nil
	})
	return records, err
}

// Prune deletes all but the newest keep records
func (s *Store) Prune(keep int) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		var stale [][]byte
		seen := 0
		c := b.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			seen++
			if seen > keep {
				stale = append(stale, append([]byte{}, k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

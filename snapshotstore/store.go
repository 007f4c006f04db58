// Package snapshotstore persists dag.Snapshot values and terminal
// execution results to disk with BoltDB, so a caller can durably park a
// paused or completed run and reload it later. Neither scheduler nor dag
// import this package: it is an external consumer wired the same way any
// other event/result subscriber is (§1 of the spec, "out of scope").
package snapshotstore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/taskdag/dag"
	"github.com/swarmguard/taskdag/scheduler"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketResults   = []byte("results")
	bucketVersions  = []byte("versions")
	bucketIndexes   = []byte("indexes")
)

// Store is a BoltDB-backed home for dag.Snapshot and scheduler.ExecutionResult
// values, mirroring the bucket layout of the teacher's WorkflowStore.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex
}

// Open opens (creating if absent) the BoltDB file at path and ensures its
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSnapshots, bucketResults, bucketVersions, bucketIndexes} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// PutSnapshot stores snap under its ID, archiving any previous value for
// that ID into the versions bucket first (same scheme as the teacher's
// PutWorkflow).
func (s *Store) PutSnapshot(snap dag.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSnapshots)
		if existing := bucket.Get([]byte(snap.ID)); existing != nil {
			versions := tx.Bucket(bucketVersions)
			key := fmt.Sprintf("%s:%d", snap.ID, time.Now().UnixNano())
			if err := versions.Put([]byte(key), existing); err != nil {
				return fmt.Errorf("archive snapshot version: %w", err)
			}
		}
		return bucket.Put([]byte(snap.ID), data)
	})
}

// GetSnapshot retrieves the current snapshot for id.
func (s *Store) GetSnapshot(id string) (dag.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap dag.Snapshot
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return dag.Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	return snap, found, nil
}

// ListSnapshots returns every stored snapshot's ID.
func (s *Store) ListSnapshots() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// resultRecord is the on-disk envelope for an ExecutionResult: the result
// itself plus enough identity to index it by DAG ID and time.
type resultRecord struct {
	DAGID     string                     `json:"dagId"`
	StoredAt  time.Time                  `json:"storedAt"`
	Result    *scheduler.ExecutionResult `json:"result"`
}

// PutResult stores the terminal ExecutionResult of a run, versioning any
// previous result for the same DAG ID and indexing it by storage time so
// ListResults can page through history newest-first.
func (s *Store) PutResult(dagID string, result *scheduler.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := resultRecord{DAGID: dagID, StoredAt: time.Now(), Result: result}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResults)
		if existing := bucket.Get([]byte(dagID)); existing != nil {
			var prev resultRecord
			if err := json.Unmarshal(existing, &prev); err == nil {
				// Archive under the previous record's own StoredAt so the
				// index entry written when it was current still resolves
				// to it afterward.
				versions := tx.Bucket(bucketVersions)
				key := fmt.Sprintf("result:%s:%d", dagID, prev.StoredAt.UnixNano())
				if err := versions.Put([]byte(key), existing); err != nil {
					return fmt.Errorf("archive result version: %w", err)
				}
			}
		}
		if err := bucket.Put([]byte(dagID), data); err != nil {
			return err
		}
		indexes := tx.Bucket(bucketIndexes)
		indexKey := fmt.Sprintf("%s:%d", dagID, rec.StoredAt.UnixNano())
		return indexes.Put([]byte(indexKey), []byte(dagID))
	})
}

// GetResult retrieves the most recently stored result for dagID.
func (s *Store) GetResult(dagID string) (*scheduler.ExecutionResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec resultRecord
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketResults).Get([]byte(dagID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("read result: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return rec.Result, true, nil
}

// ListResults returns up to limit results recorded for dagID, newest
// first, by walking the time-ordered index bucket in reverse.
func (s *Store) ListResults(dagID string, limit int) ([]*scheduler.ExecutionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*scheduler.ExecutionResult
	err := s.db.View(func(tx *bbolt.Tx) error {
		indexes := tx.Bucket(bucketIndexes)
		versions := tx.Bucket(bucketVersions)
		results_ := tx.Bucket(bucketResults)

		prefix := []byte(dagID + ":")
		cursor := indexes.Cursor()

		// Walk the whole prefix range to find the newest key first, since
		// bbolt cursors only iterate forward; the index keys embed
		// nanosecond timestamps so lexical order is chronological order.
		var keys [][]byte
		for k, _ := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = cursor.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}

		for i := len(keys) - 1; i >= 0 && len(results) < limit; i-- {
			// The newest entry lives directly in the results bucket; older
			// ones were archived into versions under a "result:" prefix
			// keyed by the same timestamp suffix.
			if i == len(keys)-1 {
				data := results_.Get([]byte(dagID))
				if data != nil {
					var rec resultRecord
					if err := json.Unmarshal(data, &rec); err == nil {
						results = append(results, rec.Result)
						continue
					}
				}
			}
			ts := keys[i][len(prefix):]
			vKey := fmt.Sprintf("result:%s:%s", dagID, ts)
			data := versions.Get([]byte(vKey))
			if data == nil {
				continue
			}
			var rec resultRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			results = append(results, rec.Result)
		}
		return nil
	})
	return results, err
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}

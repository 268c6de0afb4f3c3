package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/seastack/bosun/pkg/types"
)

var (
	bucketExecutions = []byte("executions")
	keyCurrent       = []byte("current")
)

// BoltStore implements ExecutionsStore using BoltDB. The whole map is
// serialized as one value under a single key, so every Set is one
// fsync'd write transaction.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the executions database in dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "executions.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketExecutions); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketExecutions, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Get returns the persisted executions map, or an empty map if nothing
// has been written yet.
func (s *BoltStore) Get() (types.ExecutionsMap, error) {
	executions := types.ExecutionsMap{}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get(keyCurrent)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &executions)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read executions: %w", err)
	}
	return executions, nil
}

// Set atomically replaces the persisted executions map.
func (s *BoltStore) Set(executions types.ExecutionsMap) error {
	data, err := json.Marshal(executions)
	if err != nil {
		return fmt.Errorf("failed to serialize executions: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).Put(keyCurrent, data)
	})
	if err != nil {
		return fmt.Errorf("failed to write executions: %w", err)
	}
	return nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Package store persists search checkpoints and found solutions in a bbolt file.
package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/screa/blockfeed-miner/pkg/types"
)

var (
	bucketCheckpoints = []byte("checkpoints")
	bucketSolutions   = []byte("solutions")
)

// Store is safe for concurrent use; bbolt serialises writers.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketCheckpoints); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSolutions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Key identifies a search by everything its result depends on.
func Key(params types.SearchParams) string {
	h := sha256.New()
	h.Write([]byte(params.Algorithm.String()))
	h.Write([]byte{'|'})
	h.Write([]byte(params.Target.String()))
	h.Write([]byte{'|'})
	h.Write(params.Prefix)
	return hex.EncodeToString(h.Sum(nil))
}

// Checkpoint returns the next nonce to try for key, if one was saved.
func (s *Store) Checkpoint(key string) (uint64, bool, error) {
	var (
		next  uint64
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketCheckpoints).Get([]byte(key))
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("checkpoint %s: corrupt value of %d bytes", key, len(v))
		}
		next, found = binary.BigEndian.Uint64(v), true
		return nil
	})
	return next, found, err
}

// SaveCheckpoint records the next nonce to try for key.
func (s *Store) SaveCheckpoint(key string, next uint64) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], next)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put([]byte(key), v[:])
	})
}

// SaveSolution records sol for key and drops its checkpoint.
func (s *Store) SaveSolution(key string, sol types.Solution) error {
	data, err := json.Marshal(sol)
	if err != nil {
		return fmt.Errorf("encode solution: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketSolutions).Put([]byte(key), data); err != nil {
			return err
		}
		return tx.Bucket(bucketCheckpoints).Delete([]byte(key))
	})
}

// Solution returns the stored solution for key, if any.
func (s *Store) Solution(key string) (*types.Solution, error) {
	var sol *types.Solution
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSolutions).Get([]byte(key))
		if v == nil {
			return nil
		}
		sol = &types.Solution{}
		if err := json.Unmarshal(v, sol); err != nil {
			return fmt.Errorf("decode solution %s: %w", key, err)
		}
		return nil
	})
	return sol, err
}

// Solutions lists every stored solution.
func (s *Store) Solutions() ([]types.Solution, error) {
	var out []types.Solution
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSolutions).ForEach(func(k, v []byte) error {
			var sol types.Solution
			if err := json.Unmarshal(v, &sol); err != nil {
				return fmt.Errorf("decode solution %s: %w", k, err)
			}
			out = append(out, sol)
			return nil
		})
	})
	return out, err
}

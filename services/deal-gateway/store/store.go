package store

import (
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketIdempotency = []byte("idempotency")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
)

// Store caches idempotent responses for mutating gateway endpoints. Admin
// actions against the engines are replay-sensitive, so a retried request with
// the same key must observe the original outcome instead of re-executing.
type Store struct {
	db *bolt.DB
}

// IdempotencyRecord stores the cached response for an idempotency key.
type IdempotencyRecord struct {
	StatusCode int       `json:"statusCode"`
	Body       []byte    `json:"body"`
	StoredAt   time.Time `json:"storedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// NewStore initialises (and migrates) the BoltDB-backed store.
func NewStore(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIdempotency)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetIdempotent returns the cached response for the key, or ErrNotFound when
// absent or expired. Expired entries are removed on read.
func (s *Store) GetIdempotent(key string) (IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if time.Now().After(record.ExpiresAt) {
			if err := bucket.Delete([]byte(key)); err != nil {
				return err
			}
			return ErrNotFound
		}
		return nil
	})
	return record, err
}

// PutIdempotent stores the response for the key with the given lifetime.
func (s *Store) PutIdempotent(key string, statusCode int, body []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	record := IdempotencyRecord{
		StatusCode: statusCode,
		Body:       append([]byte(nil), body...),
		StoredAt:   now,
		ExpiresAt:  now.Add(ttl),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdempotency).Put([]byte(key), raw)
	})
}

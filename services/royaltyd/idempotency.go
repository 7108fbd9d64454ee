package royaltyd

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"lukechampine.com/blake3"
)

var bucketIdempotency = []byte("idempotency")

// pendingLease bounds how long a reservation blocks its key if the process
// dies before the response is stored.
const pendingLease = 2 * time.Minute

var (
	// ErrIdempotencyConflict is returned when a key is replayed with a
	// different request body.
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
	// ErrIdempotencyInFlight is returned when a request with the same key is
	// still being processed.
	ErrIdempotencyInFlight = errors.New("request with this idempotency key is still in progress")
)

// IdempotencyRecord stores the cached response for an idempotency key.
type IdempotencyRecord struct {
	Fingerprint string    `json:"fingerprint"`
	Pending     bool      `json:"pending,omitempty"`
	StatusCode  int       `json:"statusCode"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// IdempotencyStore caches responses to mutating requests so client retries
// do not stake, claim, or deposit twice.
type IdempotencyStore struct {
	db  *bolt.DB
	ttl time.Duration
}

// OpenIdempotencyStore opens or creates the bolt file at path.
func OpenIdempotencyStore(path string, ttl time.Duration) (*IdempotencyStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open idempotency store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIdempotency)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{db: db, ttl: ttl}, nil
}

// Close releases the underlying database.
func (s *IdempotencyStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// idempotencyKey scopes a client key to the caller and route so two holders
// may use the same key independently.
func idempotencyKey(scope, key string) []byte {
	sum := blake3.Sum256([]byte(scope + "\x00" + key))
	return []byte(hex.EncodeToString(sum[:]))
}

// fingerprint hashes a request body.
func fingerprint(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Reserve returns the cached response for key, or claims the key for the
// caller by writing a pending record in the same transaction. Expired
// records are replaced. A record with a different fingerprint yields
// ErrIdempotencyConflict and a pending one ErrIdempotencyInFlight. A caller
// that claimed the key must follow up with Save or Release.
func (s *IdempotencyStore) Reserve(scope, key, digest string, now time.Time) (IdempotencyRecord, bool, error) {
	var record IdempotencyRecord
	found := false
	id := idempotencyKey(scope, key)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		if raw := bucket.Get(id); raw != nil {
			if err := json.Unmarshal(raw, &record); err != nil {
				return err
			}
			if !now.After(record.ExpiresAt) {
				switch {
				case record.Fingerprint != digest:
					return ErrIdempotencyConflict
				case record.Pending:
					return ErrIdempotencyInFlight
				}
				found = true
				return nil
			}
		}
		record = IdempotencyRecord{}
		pending, err := json.Marshal(IdempotencyRecord{
			Fingerprint: digest,
			Pending:     true,
			StoredAt:    now,
			ExpiresAt:   now.Add(pendingLease),
		})
		if err != nil {
			return err
		}
		return bucket.Put(id, pending)
	})
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return record, found, nil
}

// Release drops a pending reservation so the key can be retried. Completed
// records are left in place.
func (s *IdempotencyStore) Release(scope, key string) error {
	id := idempotencyKey(scope, key)
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		raw := bucket.Get(id)
		if raw == nil {
			return nil
		}
		var record IdempotencyRecord
		if err := json.Unmarshal(raw, &record); err != nil || record.Pending {
			return bucket.Delete(id)
		}
		return nil
	})
}

// Save stores the response for key.
func (s *IdempotencyStore) Save(scope, key, digest string, status int, body []byte, now time.Time) error {
	payload, err := json.Marshal(IdempotencyRecord{
		Fingerprint: digest,
		StatusCode:  status,
		Body:        append([]byte(nil), body...),
		StoredAt:    now,
		ExpiresAt:   now.Add(s.ttl),
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdempotency).Put(idempotencyKey(scope, key), payload)
	})
}

// Prune deletes expired records and returns how many were removed.
func (s *IdempotencyStore) Prune(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		var expired [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			var record IdempotencyRecord
			if err := json.Unmarshal(v, &record); err != nil || now.After(record.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}

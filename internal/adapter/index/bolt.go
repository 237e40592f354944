package index

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.etcd.io/bbolt"

	"medvault/internal/domain"
	"medvault/internal/port"
)

var bucketItems = []byte("items")

// BoltStore is the production IndexStore. Every item is sealed with
// AES-256-GCM under the index key before its bytes reach bbolt, so the
// storage layer only ever sees ciphertext. Search runs over a plaintext
// working set held in process memory, rebuilt from the sealed records.
//
// Keys in the bbolt bucket are anon IDs, which are already one-way
// hashes and carry no identifying content.
type BoltStore struct {
	db   *bbolt.DB
	aead cipher.AEAD

	dimension int
	metric    domain.Metric

	mu      sync.RWMutex
	live    map[string]port.StoredItem
	staged  map[string]port.StoredItem
	nextSeq uint64
}

// NewBoltStore opens (or creates) the sealed store at path under the
// given 32-byte key. With reset, all existing contents are discarded;
// otherwise existing records must unseal under the key, and a mismatch
// fails with ErrStorage rather than serving garbage.
func NewBoltStore(path string, dimension int, metric domain.Metric, key []byte, reset bool) (*BoltStore, error) {
	if len(key) != 32 {
		return nil, domain.WrapError("boltstore.open",
			fmt.Errorf("%w: index key must be 32 bytes, got %d", domain.ErrValidation, len(key)))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, domain.WrapError("boltstore.open", fmt.Errorf("%w: %v", domain.ErrStorage, err))
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, domain.WrapError("boltstore.open", fmt.Errorf("%w: %v", domain.ErrStorage, err))
	}

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, domain.WrapError("boltstore.open", fmt.Errorf("%w: %v", domain.ErrStorage, err))
	}

	s := &BoltStore{
		db:        db,
		aead:      aead,
		dimension: dimension,
		metric:    metric,
		live:      make(map[string]port.StoredItem),
		staged:    make(map[string]port.StoredItem),
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if reset {
			if tx.Bucket(bucketItems) != nil {
				if err := tx.DeleteBucket(bucketItems); err != nil {
					return err
				}
			}
		}
		_, err := tx.CreateBucketIfNotExists(bucketItems)
		return err
	})
	if err != nil {
		db.Close()
		return nil, domain.WrapError("boltstore.open", fmt.Errorf("%w: %v", domain.ErrStorage, err))
	}

	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// load unseals every persisted item into the live working set.
func (s *BoltStore) load() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketItems).ForEach(func(k, v []byte) error {
			item, err := s.unseal(v)
			if err != nil {
				return domain.WrapError("boltstore.load",
					fmt.Errorf("%w: item %s sealed under a different key; recreate the index with overwrite",
						domain.ErrStorage, string(k)))
			}
			s.live[item.ID] = item
			if item.Seq > s.nextSeq {
				s.nextSeq = item.Seq
			}
			return nil
		})
	})
}

func (s *BoltStore) seal(item port.StoredItem) ([]byte, error) {
	plaintext, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *BoltStore) unseal(sealed []byte) (port.StoredItem, error) {
	var item port.StoredItem
	if len(sealed) < s.aead.NonceSize() {
		return item, fmt.Errorf("sealed record too short")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return item, err
	}
	if err := json.Unmarshal(plaintext, &item); err != nil {
		return item, err
	}
	return item, nil
}

// Upsert seals and persists the batch in one transaction, then stages
// the plaintext copies for the next Rebuild. A failed transaction leaves
// neither the file nor the staging area touched.
func (s *BoltStore) Upsert(items []port.StoredItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		if len(item.Vector) != s.dimension {
			return domain.WrapError("boltstore.upsert",
				fmt.Errorf("%w: expected %d, got %d for %s",
					domain.ErrDimensionMismatch, s.dimension, len(item.Vector), item.ID))
		}
	}

	prepared := make([]port.StoredItem, len(items))
	for i, item := range items {
		item.Seq = s.seqFor(item.ID)
		item.Vector = append([]float32(nil), item.Vector...)
		prepared[i] = item
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketItems)
		for _, item := range prepared {
			sealed, err := s.seal(item)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(item.ID), sealed); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.WrapError("boltstore.upsert", fmt.Errorf("%w: %v", domain.ErrStorage, err))
	}

	for _, item := range prepared {
		s.staged[item.ID] = item
	}
	return nil
}

func (s *BoltStore) seqFor(id string) uint64 {
	if prev, ok := s.staged[id]; ok {
		return prev.Seq
	}
	if prev, ok := s.live[id]; ok {
		return prev.Seq
	}
	s.nextSeq++
	return s.nextSeq
}

func (s *BoltStore) Rebuild() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, item := range s.staged {
		s.live[id] = item
	}
	s.staged = make(map[string]port.StoredItem)
	return nil
}

func (s *BoltStore) Search(query []float32, k int) ([]port.SearchMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(query) != s.dimension {
		return nil, domain.WrapError("boltstore.search",
			fmt.Errorf("%w: expected %d, got %d", domain.ErrDimensionMismatch, s.dimension, len(query)))
	}
	return rankItems(s.live, s.metric, query, k), nil
}

func (s *BoltStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live), nil
}

func (s *BoltStore) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.staged)
}

func (s *BoltStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketItems); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketItems)
		return err
	})
	if err != nil {
		return domain.WrapError("boltstore.clear", fmt.Errorf("%w: %v", domain.ErrStorage, err))
	}

	s.live = make(map[string]port.StoredItem)
	s.staged = make(map[string]port.StoredItem)
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

package cartsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vasiliy-maslov/cart-checkout/internal/cart"
)

// LocalStore persists the client-side cart between runs.
type LocalStore interface {
	Load(ctx context.Context) ([]cart.Item, error)
	Save(ctx context.Context, items []cart.Item) error
	Clear(ctx context.Context) error
}

var (
	bucketName = []byte("cartsync")
	itemsKey   = []byte("cart")
)

// BoltStore keeps the cart as one JSON document in a bbolt file.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cart cache %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create cart cache bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(_ context.Context) ([]cart.Item, error) {
	var items []cart.Item
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get(itemsKey)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &items)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load cached cart: %w", err)
	}
	return items, nil
}

func (s *BoltStore) Save(_ context.Context, items []cart.Item) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode cart: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(itemsKey, raw)
	})
	if err != nil {
		return fmt.Errorf("failed to save cached cart: %w", err)
	}
	return nil
}

func (s *BoltStore) Clear(_ context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(itemsKey)
	})
	if err != nil {
		return fmt.Errorf("failed to clear cached cart: %w", err)
	}
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

type MemoryStore struct {
	mu    sync.Mutex
	items []cart.Item
}

func NewMemoryStore(items ...cart.Item) *MemoryStore {
	return &MemoryStore{items: cloneItems(items)}
}

func (s *MemoryStore) Load(_ context.Context) ([]cart.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneItems(s.items), nil
}

func (s *MemoryStore) Save(_ context.Context, items []cart.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = cloneItems(items)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	return nil
}

func cloneItems(items []cart.Item) []cart.Item {
	if items == nil {
		return nil
	}
	out := make([]cart.Item, len(items))
	copy(out, items)
	return out
}

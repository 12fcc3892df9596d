// Package heldorder keeps the suspended carts of one device. The whole list is
// the unit of durability: every mutation rewrites it to the backend before the
// in-memory copy changes.
package heldorder

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/localstore"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

func Namespace(tenantID string, deviceID string) string {
	return fmt.Sprintf("held-orders:%s:%s", tenantID, deviceID)
}

type Store struct {
	mu      sync.Mutex
	backend localstore.Store
	key     string
	seq     *xid.Sequence
	now     func() time.Time
	orders  []domain.HeldOrder
}

type Option func(*Store)

// WithClock replaces the clock used for ids and HeldAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open loads the held list stored under namespace. A missing key is an empty list.
func Open(ctx context.Context, backend localstore.Store, namespace string, opts ...Option) (*Store, error) {
	s := &Store{
		backend: backend,
		key:     namespace,
		now:     func() time.Time { return time.Now().UTC() },
		orders:  []domain.HeldOrder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.seq = xid.NewSequence(s.now)

	raw, ok, err := backend.Read(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("read held orders: %w", err)
	}
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.orders); err != nil {
			return nil, fmt.Errorf("decode held orders: %w", err)
		}
	}
	for _, order := range s.orders {
		s.seq.Observe(order.ID)
	}
	return s, nil
}

// Hold stores a snapshot at the front of the list and returns it with its id.
func (s *Store) Hold(ctx context.Context, snapshot domain.HeldOrder) (domain.HeldOrder, error) {
	if len(snapshot.Items) == 0 {
		return domain.HeldOrder{}, domain.ErrEmptyCart
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	held := snapshot
	held.Items = slices.Clone(snapshot.Items)
	held.ID = s.seq.Next()
	held.HeldAt = s.now()

	next := make([]domain.HeldOrder, 0, len(s.orders)+1)
	next = append(next, held)
	next = append(next, s.orders...)
	if err := s.persist(ctx, next); err != nil {
		return domain.HeldOrder{}, err
	}
	s.orders = next
	return held, nil
}

// Take removes and returns the held order.
func (s *Store) Take(ctx context.Context, id string) (domain.HeldOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return domain.HeldOrder{}, store.ErrNotFound
	}
	held := s.orders[idx]
	next := slices.Delete(slices.Clone(s.orders), idx, idx+1)
	if err := s.persist(ctx, next); err != nil {
		return domain.HeldOrder{}, err
	}
	s.orders = next
	return held, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.Take(ctx, id)
	return err
}

func (s *Store) Get(id string) (domain.HeldOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return domain.HeldOrder{}, store.ErrNotFound
	}
	return s.orders[idx], nil
}

// List returns held orders newest first.
func (s *Store) List() []domain.HeldOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.orders)
}

func (s *Store) indexOf(id string) int {
	return slices.IndexFunc(s.orders, func(o domain.HeldOrder) bool { return o.ID == id })
}

func (s *Store) persist(ctx context.Context, orders []domain.HeldOrder) error {
	payload, err := json.Marshal(orders)
	if err != nil {
		return fmt.Errorf("encode held orders: %w", err)
	}
	if err := s.backend.Write(ctx, s.key, string(payload)); err != nil {
		return fmt.Errorf("write held orders: %w", err)
	}
	return nil
}

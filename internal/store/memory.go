package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"fulfillment-sync/internal/models"
)

// Memory is an in-process OrderStore used when no DATABASE_URL is set and in tests.
type Memory struct {
	mu     sync.Mutex
	orders map[string]*models.Order
}

func NewMemory() *Memory {
	return &Memory{orders: map[string]*models.Order{}}
}

func (m *Memory) Get(ctx context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *Memory) Create(ctx context.Context, order *models.Order) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; ok {
		return nil, ErrAlreadyExists
	}
	if order.ProviderOrderRef != nil {
		for _, existing := range m.orders {
			if existing.Provider == order.Provider && existing.Ref() == *order.ProviderOrderRef {
				return nil, ErrAlreadyExists
			}
		}
	}
	stored := order.Clone()
	m.orders[order.ID] = stored
	return stored.Clone(), nil
}

func (m *Memory) CompareAndApply(ctx context.Context, orderID string, expectedVersion int64, mutate Mutator) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	next, err := mutate(current.Clone())
	if err != nil {
		return nil, err
	}
	if err := guardImmutable(current, next); err != nil {
		return nil, err
	}
	next = next.Clone()
	next.Version = current.Version + 1
	m.orders[orderID] = next
	return next.Clone(), nil
}

func (m *Memory) MarkSynced(ctx context.Context, orderID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if o.Terminal() || !o.LastSyncedAt.Before(at) {
		return nil
	}
	o.LastSyncedAt = at
	return nil
}

func (m *Memory) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Order{}
	for _, o := range m.orders {
		if o.Terminal() || !o.LastSyncedAt.Before(olderThan) {
			continue
		}
		out = append(out, *o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSyncedAt.Before(out[j].LastSyncedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

package redisclient

import (
	"context"
	"sync"
	"time"

	"fulfillment-sync/internal/models"
)

// Memory is the in-process stand-in used when REDIS_ADDR is empty and in tests.
// It only deduplicates within one process.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	keys     map[string]time.Time
	deferred map[string]models.StatusEvent
	locks    map[string]heldLock
}

type heldLock struct {
	owner   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		keys:     map[string]time.Time{},
		deferred: map[string]models.StatusEvent{},
		locks:    map[string]heldLock{},
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) Seen(ctx context.Context, orderID, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.keys[idempotencyKey(orderID, key)]
	if !ok {
		return false, nil
	}
	if m.now().After(exp) {
		delete(m.keys, idempotencyKey(orderID, key))
		return false, nil
	}
	return true, nil
}

func (m *Memory) Remember(ctx context.Context, orderID, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[idempotencyKey(orderID, key)] = m.now().Add(ttl)
	return nil
}

func (m *Memory) PutDeferred(ctx context.Context, ev models.StatusEvent, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deferred[ev.OrderID] = ev
	return nil
}

func (m *Memory) GetDeferred(ctx context.Context, orderID string) (*models.StatusEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.deferred[orderID]
	if !ok {
		return nil, nil
	}
	return &ev, nil
}

func (m *Memory) ClearDeferred(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deferred, orderID)
	return nil
}

func (m *Memory) AcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[lockKey]; ok && held.owner != owner && m.now().Before(held.expires) {
		return false, nil
	}
	m.locks[lockKey] = heldLock{owner: owner, expires: m.now().Add(ttl)}
	return true, nil
}

func (m *Memory) ReleaseLock(ctx context.Context, lockKey, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[lockKey]; ok && held.owner == owner {
		delete(m.locks, lockKey)
	}
	return nil
}

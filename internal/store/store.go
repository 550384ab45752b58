package store

import (
	"context"
	"errors"
	"time"

	"fulfillment-sync/internal/models"
)

var (
	ErrNotFound        = errors.New("order not found")
	ErrAlreadyExists   = errors.New("order already exists")
	ErrVersionConflict = errors.New("order version conflict")
)

// Mutator turns the loaded order into its next state. It must not perform I/O.
type Mutator func(current *models.Order) (*models.Order, error)

// OrderStore is the durable record of orders. CompareAndApply is the only
// status mutation path after creation.
type OrderStore interface {
	Get(ctx context.Context, orderID string) (*models.Order, error)
	Create(ctx context.Context, order *models.Order) (*models.Order, error)
	CompareAndApply(ctx context.Context, orderID string, expectedVersion int64, mutate Mutator) (*models.Order, error)
	// MarkSynced records a confirmed provider read without a transition.
	// It never touches status or version and ignores terminal orders.
	MarkSynced(ctx context.Context, orderID string, at time.Time) error
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]models.Order, error)
	Ping(ctx context.Context) error
	Close() error
}

// guardImmutable enforces the invariants a mutator must not break
func guardImmutable(before, after *models.Order) error {
	if after.ID != before.ID || after.Provider != before.Provider {
		return errors.New("mutator changed order identity")
	}
	if before.ProviderOrderRef != nil {
		if after.ProviderOrderRef == nil || *after.ProviderOrderRef != *before.ProviderOrderRef {
			return errors.New("mutator changed provider order ref")
		}
	}
	if before.Terminal() && after.CanonicalStatus != before.CanonicalStatus {
		return errors.New("mutator changed a terminal order")
	}
	return nil
}

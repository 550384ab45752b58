package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-sync/internal/models"
	"fulfillment-sync/internal/store"
	"fulfillment-sync/internal/util"
	"fulfillment-sync/pkg/apperr"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderStatusView is the read model served to the internal API
type OrderStatusView struct {
	OrderID          string                 `json:"order_id"`
	Provider         models.Provider        `json:"provider"`
	ProviderOrderRef string                 `json:"provider_order_ref,omitempty"`
	CanonicalStatus  models.CanonicalStatus `json:"canonical_status"`
	Terminal         bool                   `json:"terminal"`
	Version          int64                  `json:"version"`
	Tracking         *models.Tracking       `json:"tracking,omitempty"`
	Timeline         []models.TimelineEntry `json:"timeline"`
	LastSyncedAt     time.Time              `json:"last_synced_at"`
}

// CreateOrder dispatches req to the provider and records the order at pending
func (s *SyncService) CreateOrder(ctx context.Context, p models.Provider, req models.FulfillmentRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "SyncService.CreateOrder")
	defer span.End()

	if !p.Valid() {
		return nil, apperr.BadRequest(fmt.Sprintf("unknown provider %q", p))
	}
	adapter, err := s.providers.Get(p)
	if err != nil {
		return nil, apperr.BadRequest(err.Error())
	}

	orderID := uuid.New().String()

	submitCtx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	ref, err := adapter.SubmitOrder(submitCtx, orderID, req)
	cancel()
	if err != nil {
		s.logger.Warn("Provider rejected fulfillment request",
			zap.String("order_id", orderID),
			zap.String("provider", string(p)),
			zap.Error(err))
		if apperr.KindOf(err) == apperr.KindProviderAPI {
			return nil, err
		}
		return nil, apperr.ProviderAPI("fulfillment request failed", apperr.WithCause(err))
	}

	now := s.now()
	order := &models.Order{
		ID:               orderID,
		Provider:         p,
		ProviderOrderRef: &ref,
		CanonicalStatus:  models.StatusPending,
		Version:          1,
		Timeline:         []models.TimelineEntry{},
		LastSyncedAt:     now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	created, err := s.store.Create(ctx, order)
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil, apperr.New(apperr.KindAlreadyExists,
			fmt.Sprintf("provider ref %s is already tracked", ref), apperr.WithCause(err))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.WithLabelValues(string(p)).Inc()
	s.logger.Info("Order handed to provider",
		zap.String("order_id", orderID),
		zap.String("provider", string(p)),
		zap.String("provider_order_ref", ref))
	return created, nil
}

// GetOrderStatus returns the current canonical view of one order
func (s *SyncService) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatusView, error) {
	ctx, span := util.StartSpan(ctx, "SyncService.GetOrderStatus")
	defer span.End()

	order, err := s.store.Get(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.UnknownOrder(orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}

	timeline := order.Timeline
	if timeline == nil {
		timeline = []models.TimelineEntry{}
	}
	return &OrderStatusView{
		OrderID:          order.ID,
		Provider:         order.Provider,
		ProviderOrderRef: order.Ref(),
		CanonicalStatus:  order.CanonicalStatus,
		Terminal:         order.Terminal(),
		Version:          order.Version,
		Tracking:         order.Tracking,
		Timeline:         timeline,
		LastSyncedAt:     order.LastSyncedAt,
	}, nil
}

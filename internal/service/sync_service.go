package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fulfillment-sync/internal/models"
	"fulfillment-sync/internal/provider"
	"fulfillment-sync/internal/statemachine"
	"fulfillment-sync/internal/store"
	"fulfillment-sync/internal/util"
	"fulfillment-sync/pkg/apperr"

	"go.uber.org/zap"
)

// KeyStore remembers recently applied idempotency keys per order
type KeyStore interface {
	Seen(ctx context.Context, orderID, key string) (bool, error)
	Remember(ctx context.Context, orderID, key string, ttl time.Duration) error
}

// DeferredBuffer holds the latest shipped event still waiting for tracking
type DeferredBuffer interface {
	PutDeferred(ctx context.Context, ev models.StatusEvent, ttl time.Duration) error
	GetDeferred(ctx context.Context, orderID string) (*models.StatusEvent, error)
	ClearDeferred(ctx context.Context, orderID string) error
}

// Emitter publishes ORDER_STATUS_CHANGED after an accepted transition
type Emitter interface {
	PublishStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
}

// Outcome is what ApplyEvent did with one event
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeNoop         Outcome = "noop"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeRejected     Outcome = "rejected"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeUnknownOrder Outcome = "unknown_order"
)

// ApplyResult describes the handling of one StatusEvent. Condition classifies
// unmapped and deferred events; it is never returned as an error.
type ApplyResult struct {
	Outcome   Outcome
	Reason    string
	Flagged   bool
	Condition *apperr.Error
	Order     *models.Order
}

// Options tunes the sync service
type Options struct {
	DedupTTL        time.Duration
	CASMaxAttempts  int
	ProviderTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.DedupTTL <= 0 {
		o.DedupTTL = 24 * time.Hour
	}
	if o.CASMaxAttempts < 1 {
		o.CASMaxAttempts = 3
	}
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = 10 * time.Second
	}
	return o
}

// SyncService applies provider status events to the order store
type SyncService struct {
	store     store.OrderStore
	keys      KeyStore
	deferred  DeferredBuffer
	machine   *statemachine.Machine
	providers provider.Registry
	emitter   Emitter
	opts      Options
	now       func() time.Time
	logger    *zap.Logger

	refetches sync.WaitGroup
}

// NewSyncService creates a new sync service
func NewSyncService(
	store store.OrderStore,
	keys KeyStore,
	deferred DeferredBuffer,
	machine *statemachine.Machine,
	providers provider.Registry,
	emitter Emitter,
	opts Options,
) *SyncService {
	return &SyncService{
		store:     store,
		keys:      keys,
		deferred:  deferred,
		machine:   machine,
		providers: providers,
		emitter:   emitter,
		opts:      opts.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    util.Component("sync"),
	}
}

// Wait blocks until in-flight tracking re-fetches finish
func (s *SyncService) Wait() {
	s.refetches.Wait()
}

// ApplyEvent routes one event through dedup, the state machine and the
// compare-and-apply write. A returned error means infrastructure failure.
func (s *SyncService) ApplyEvent(ctx context.Context, ev models.StatusEvent) (_ *ApplyResult, err error) {
	ctx, span := util.StartSpan(ctx, "SyncService.ApplyEvent")
	defer func() {
		util.RecordError(span, err)
		span.End()
	}()

	log := s.logger.With(
		zap.String("order_id", ev.OrderID),
		zap.String("provider", string(ev.Provider)),
		zap.String("source", string(ev.Source)),
		zap.String("idempotency_key", ev.IdempotencyKey),
	)

	seen, err := s.keys.Seen(ctx, ev.OrderID, ev.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if seen {
		log.Debug("Duplicate event skipped")
		s.count(ev, OutcomeDuplicate)
		return &ApplyResult{Outcome: OutcomeDuplicate}, nil
	}

	for attempt := 1; ; attempt++ {
		order, err := s.store.Get(ctx, ev.OrderID)
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("Event for unknown order", zap.String("raw_status", ev.RawStatus))
			util.UnknownOrdersTotal.WithLabelValues(string(ev.Provider)).Inc()
			s.count(ev, OutcomeUnknownOrder)
			return &ApplyResult{Outcome: OutcomeUnknownOrder}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load order: %w", err)
		}

		d := s.machine.Evaluate(order, ev)
		switch d.Outcome {
		case statemachine.OutcomeReject:
			log.Error("Event provider does not own order",
				zap.String("order_provider", string(order.Provider)))
			s.remember(ctx, log, ev)
			s.count(ev, OutcomeRejected)
			return &ApplyResult{Outcome: OutcomeRejected, Reason: d.Reason, Order: order}, nil

		case statemachine.OutcomeNoop:
			var cond *apperr.Error
			switch d.Reason {
			case statemachine.ReasonUnmapped:
				cond = apperr.MappingUnmapped(string(ev.Provider), ev.RawStatus)
				log.Warn("Unmapped provider status", zap.Error(cond))
				util.UnmappedStatusTotal.WithLabelValues(string(ev.Provider)).Inc()
			case statemachine.ReasonTerminal:
				log.Info("Discarding event for terminal order",
					zap.String("status", string(order.CanonicalStatus)),
					zap.String("raw_status", ev.RawStatus))
			default:
				log.Debug("No-op event", zap.String("reason", d.Reason),
					zap.String("status", string(order.CanonicalStatus)),
					zap.String("target", string(d.To)))
			}
			s.remember(ctx, log, ev)
			s.count(ev, OutcomeNoop)
			return &ApplyResult{Outcome: OutcomeNoop, Reason: d.Reason, Condition: cond, Order: order}, nil

		case statemachine.OutcomeDefer:
			if err := s.deferEvent(ctx, order, ev); err != nil {
				return nil, err
			}
			cond := apperr.IncompleteShipped(order.ID)
			log.Info("Deferred event pending tracking", zap.String("target", string(d.To)), zap.Error(cond))
			s.count(ev, OutcomeDeferred)
			return &ApplyResult{Outcome: OutcomeDeferred, Reason: d.Reason, Condition: cond, Order: order}, nil
		}

		now := s.now()
		updated, err := s.store.CompareAndApply(ctx, order.ID, order.Version,
			func(current *models.Order) (*models.Order, error) {
				return statemachine.Apply(current, ev, d, now), nil
			})
		if errors.Is(err, store.ErrVersionConflict) {
			util.VersionConflictsTotal.Inc()
			if attempt >= s.opts.CASMaxAttempts {
				log.Error("Version conflict retries exhausted", zap.Int("attempts", attempt))
				return nil, apperr.New(apperr.KindVersionConflict,
					fmt.Sprintf("order %s kept changing underneath the update", order.ID),
					apperr.WithCause(err), apperr.WithDetail("attempts", attempt))
			}
			log.Debug("Version conflict, retrying", zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to apply transition: %w", err)
		}

		s.afterAccept(ctx, log, updated, ev, d)
		return &ApplyResult{Outcome: OutcomeApplied, Flagged: d.Flagged, Order: updated}, nil
	}
}

func (s *SyncService) afterAccept(ctx context.Context, log *zap.Logger, updated *models.Order, ev models.StatusEvent, d statemachine.Decision) {
	s.remember(ctx, log, ev)

	shippedRank, _ := models.StatusShipped.Rank()
	if rank, ok := updated.CanonicalStatus.Rank(); updated.Terminal() || (ok && rank >= shippedRank) {
		if err := s.deferred.ClearDeferred(ctx, updated.ID); err != nil {
			log.Warn("Failed to clear deferred event", zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("from", string(d.From)),
		zap.String("to", string(d.To)),
		zap.Int64("version", updated.Version),
	}
	if d.Flagged {
		log.Warn("Conflicting transition accepted", fields...)
	} else {
		log.Info("Order status changed", fields...)
	}
	util.TransitionsTotal.WithLabelValues(string(d.To), fmt.Sprint(d.Flagged)).Inc()
	s.count(ev, OutcomeApplied)

	event := &models.OrderStatusChangedEvent{
		OrderID:    updated.ID,
		Provider:   updated.Provider,
		From:       d.From,
		To:         d.To,
		Version:    updated.Version,
		Tracking:   updated.Tracking,
		Source:     ev.Source,
		Flagged:    d.Flagged,
		OccurredAt: ev.OccurredAt,
	}
	// the transition is already durable; a lost notification must not undo it
	if err := s.emitter.PublishStatusChanged(ctx, event); err != nil {
		log.Error("Failed to publish status change", zap.Error(err))
	}
}

func (s *SyncService) remember(ctx context.Context, log *zap.Logger, ev models.StatusEvent) {
	if err := s.keys.Remember(ctx, ev.OrderID, ev.IdempotencyKey, s.opts.DedupTTL); err != nil {
		log.Warn("Failed to remember idempotency key", zap.Error(err))
	}
}

func (s *SyncService) count(ev models.StatusEvent, outcome Outcome) {
	util.EventsAppliedTotal.WithLabelValues(string(ev.Provider), string(ev.Source), string(outcome)).Inc()
}

// deferEvent buffers ev. Webhook events also start one out-of-band tracking
// re-fetch; polled events wait for the next reconcile cycle, which is rate limited.
func (s *SyncService) deferEvent(ctx context.Context, order *models.Order, ev models.StatusEvent) error {
	if err := s.deferred.PutDeferred(ctx, ev, s.opts.DedupTTL); err != nil {
		return fmt.Errorf("failed to buffer deferred event: %w", err)
	}
	if ev.Source != models.SourceWebhook {
		return nil
	}

	ref := order.Ref()
	if ref == "" {
		ref = ev.ProviderOrderRef
	}
	adapter, err := s.providers.Get(order.Provider)
	if ref == "" || err != nil {
		s.logger.Info("No tracking re-fetch possible, waiting for reconcile",
			zap.String("order_id", order.ID))
		return nil
	}

	s.refetches.Add(1)
	go func() {
		defer s.refetches.Done()
		s.refetchTracking(context.WithoutCancel(ctx), adapter, order.ID, ref)
	}()
	return nil
}

func (s *SyncService) refetchTracking(ctx context.Context, adapter provider.Adapter, orderID, ref string) {
	log := s.logger.With(zap.String("order_id", orderID), zap.String("provider_order_ref", ref))

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	fetched, err := adapter.FetchOrderStatus(fetchCtx, ref)
	cancel()
	if err != nil {
		log.Warn("Tracking re-fetch failed", zap.Error(err))
		util.PollFailuresTotal.WithLabelValues(string(adapter.Name())).Inc()
		return
	}
	if !fetched.Tracking.Complete() {
		log.Info("Provider has no tracking yet, event stays deferred")
		return
	}

	buffered, err := s.deferred.GetDeferred(ctx, orderID)
	if err != nil {
		log.Warn("Failed to load deferred event", zap.Error(err))
		return
	}
	if buffered == nil {
		return
	}
	buffered.Tracking = fetched.Tracking
	if _, err := s.ApplyEvent(ctx, *buffered); err != nil {
		log.Error("Failed to apply deferred event", zap.Error(err))
		return
	}

	// the provider may already be past the buffered status
	fetched.OrderID = orderID
	fetched.IdempotencyKey = models.IdempotencyKey("", orderID, fetched.RawStatus, fetched.OccurredAt)
	if _, err := s.ApplyEvent(ctx, fetched); err != nil {
		log.Error("Failed to apply re-fetched status", zap.Error(err))
	}
}

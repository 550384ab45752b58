package worker

import (
	"context"
	"fmt"
	"time"

	"fulfillment-sync/internal/broker"
	"fulfillment-sync/internal/models"
	"fulfillment-sync/internal/util"

	"go.uber.org/zap"
)

// paymentNamespace scopes intake idempotency keys away from order keys
const paymentNamespace = "payment-intake"

// OrderCreator hands a paid order to a provider
type OrderCreator interface {
	CreateOrder(ctx context.Context, p models.Provider, req models.FulfillmentRequest) (*models.Order, error)
}

// KeyStore remembers processed payment events
type KeyStore interface {
	Seen(ctx context.Context, orderID, key string) (bool, error)
	Remember(ctx context.Context, orderID, key string, ttl time.Duration) error
}

// PaymentIntakeWorker turns PAYMENT_CAPTURED events into fulfillment orders
type PaymentIntakeWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	creator      OrderCreator
	keys         KeyStore
	ttl          time.Duration
	logger       *zap.Logger
}

// NewPaymentIntakeWorker creates a new intake worker
func NewPaymentIntakeWorker(
	consumer *broker.Consumer,
	creator OrderCreator,
	keys KeyStore,
	ttl time.Duration,
) *PaymentIntakeWorker {
	w := &PaymentIntakeWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		creator:      creator,
		keys:         keys,
		ttl:          ttl,
		logger:       util.Component("intake"),
	}
	w.eventHandler.OnPaymentCaptured(w.HandlePaymentCaptured)
	return w
}

// Start consumes until ctx is done
func (w *PaymentIntakeWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment intake worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PaymentIntakeWorker) Stop() error {
	w.logger.Info("Stopping payment intake worker")
	return w.consumer.Close()
}

// HandlePaymentCaptured creates the fulfillment order once per payment event.
// Returning an error makes the consumer retry the same message with backoff.
func (w *PaymentIntakeWorker) HandlePaymentCaptured(ctx context.Context, event *models.PaymentCapturedEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentIntakeWorker.HandlePaymentCaptured")
	defer span.End()

	log := w.logger.With(
		zap.String("event_id", event.EventID),
		zap.String("checkout_order_id", event.CheckoutOrderID),
		zap.String("provider", string(event.Provider)))

	if event.EventID == "" {
		log.Warn("Dropping payment event without event_id")
		return nil
	}
	processed, err := w.keys.Seen(ctx, paymentNamespace, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check payment event: %w", err)
	}
	if processed {
		log.Info("Payment event already processed")
		return nil
	}

	req := event.Fulfillment
	if req.Reference == "" {
		req.Reference = event.CheckoutOrderID
	}
	order, err := w.creator.CreateOrder(ctx, event.Provider, req)
	if err != nil {
		return fmt.Errorf("failed to create fulfillment order: %w", err)
	}

	if err := w.keys.Remember(ctx, paymentNamespace, event.EventID, w.ttl); err != nil {
		log.Warn("Failed to remember payment event", zap.Error(err))
	}
	log.Info("Payment captured, fulfillment order created", zap.String("order_id", order.ID))
	return nil
}

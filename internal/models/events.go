package models

import "time"

// Event types
const (
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypePaymentCaptured    = "PAYMENT_CAPTURED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderStatusChangedEvent is published after every accepted transition
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID    string          `json:"order_id"`
	Provider   Provider        `json:"provider"`
	From       CanonicalStatus `json:"from"`
	To         CanonicalStatus `json:"to"`
	Version    int64           `json:"version"`
	Tracking   *Tracking       `json:"tracking,omitempty"`
	Source     Source          `json:"source"`
	Flagged    bool            `json:"flagged"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// PaymentCapturedEvent is consumed from checkout to hand a paid order to fulfillment
type PaymentCapturedEvent struct {
	BaseEvent
	CheckoutOrderID string             `json:"checkout_order_id"`
	Provider        Provider           `json:"provider"`
	Fulfillment     FulfillmentRequest `json:"fulfillment"`
}

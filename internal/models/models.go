package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Provider identifies the external fulfillment service owning an order
type Provider string

const (
	ProviderA Provider = "provider_a"
	ProviderB Provider = "provider_b"
)

// Providers lists every supported provider
var Providers = []Provider{ProviderA, ProviderB}

// Valid reports whether p is a known provider
func (p Provider) Valid() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

// CanonicalStatus is the internal lifecycle stage of an order
type CanonicalStatus string

// Order statuses
const (
	StatusPending      CanonicalStatus = "pending"
	StatusConfirmed    CanonicalStatus = "confirmed"
	StatusInProduction CanonicalStatus = "in_production"
	StatusShipped      CanonicalStatus = "shipped"
	StatusDelivered    CanonicalStatus = "delivered"
	StatusCanceled     CanonicalStatus = "canceled"
	StatusFailed       CanonicalStatus = "failed"
	StatusReturned     CanonicalStatus = "returned"

	// StatusUnmapped never triggers a transition
	StatusUnmapped CanonicalStatus = "unmapped"
)

// happyPathRank orders the non-branching lifecycle. Side branches are absent.
var happyPathRank = map[CanonicalStatus]int{
	StatusPending:      0,
	StatusConfirmed:    1,
	StatusInProduction: 2,
	StatusShipped:      3,
	StatusDelivered:    4,
}

// Rank returns the position of s on the happy path and false for side branches
func (s CanonicalStatus) Rank() (int, bool) {
	r, ok := happyPathRank[s]
	return r, ok
}

// Terminal reports whether no further transition may leave s
func (s CanonicalStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusCanceled, StatusFailed, StatusReturned:
		return true
	}
	return false
}

// SideBranch reports whether s is a terminal state off the happy path
func (s CanonicalStatus) SideBranch() bool {
	switch s {
	case StatusCanceled, StatusFailed, StatusReturned:
		return true
	}
	return false
}

// Source tells where a StatusEvent came from
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
)

// Tracking holds carrier shipment details
type Tracking struct {
	Carrier string `json:"carrier"`
	Number  string `json:"number"`
	URL     string `json:"url,omitempty"`
}

// Complete reports whether the tracking record can back a shipped order
func (t *Tracking) Complete() bool {
	return t != nil && t.Carrier != "" && t.Number != ""
}

// TimelineEntry records one accepted transition
type TimelineEntry struct {
	Status     CanonicalStatus `json:"status"`
	RawStatus  string          `json:"raw_status"`
	Source     Source          `json:"source"`
	OccurredAt time.Time       `json:"occurred_at"`
	AppliedAt  time.Time       `json:"applied_at"`
	Flagged    bool            `json:"flagged,omitempty"`
}

// Order is the canonical fulfillment record
type Order struct {
	ID                string          `json:"order_id"`
	Provider          Provider        `json:"provider"`
	ProviderOrderRef  *string         `json:"provider_order_ref,omitempty"`
	CanonicalStatus   CanonicalStatus `json:"canonical_status"`
	ProviderStatusRaw string          `json:"provider_status_raw,omitempty"`
	Version           int64           `json:"version"`
	Tracking          *Tracking       `json:"tracking,omitempty"`
	Timeline          []TimelineEntry `json:"timeline"`
	LastSyncedAt      time.Time       `json:"last_synced_at"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Terminal reports whether the order can no longer change
func (o *Order) Terminal() bool {
	return o.CanonicalStatus.Terminal()
}

// Ref returns the provider order reference or an empty string
func (o *Order) Ref() string {
	if o.ProviderOrderRef == nil {
		return ""
	}
	return *o.ProviderOrderRef
}

// Clone returns a deep copy so mutators never alias stored state
func (o *Order) Clone() *Order {
	c := *o
	if o.ProviderOrderRef != nil {
		ref := *o.ProviderOrderRef
		c.ProviderOrderRef = &ref
	}
	if o.Tracking != nil {
		t := *o.Tracking
		c.Tracking = &t
	}
	c.Timeline = append([]TimelineEntry(nil), o.Timeline...)
	return &c
}

// StatusEvent is one provider-reported status observation
type StatusEvent struct {
	OrderID          string    `json:"order_id"`
	Provider         Provider  `json:"provider"`
	ProviderOrderRef string    `json:"provider_order_ref,omitempty"`
	RawStatus        string    `json:"raw_status"`
	OccurredAt       time.Time `json:"occurred_at"`
	Source           Source    `json:"source"`
	Tracking         *Tracking `json:"tracking,omitempty"`
	IdempotencyKey   string    `json:"idempotency_key"`
}

// NewStatusEvent fills in the receipt-time default and the idempotency key
func NewStatusEvent(orderID string, provider Provider, raw string, occurredAt time.Time, source Source, providerEventID string) StatusEvent {
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	ev := StatusEvent{
		OrderID:    orderID,
		Provider:   provider,
		RawStatus:  raw,
		OccurredAt: occurredAt,
		Source:     source,
	}
	ev.IdempotencyKey = IdempotencyKey(providerEventID, orderID, raw, occurredAt)
	return ev
}

// IdempotencyKey prefers the provider event id and otherwise hashes the event identity
func IdempotencyKey(providerEventID, orderID, raw string, occurredAt time.Time) string {
	if id := strings.TrimSpace(providerEventID); id != "" {
		return id
	}
	sum := sha256.Sum256([]byte(orderID + "|" + raw + "|" + occurredAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:16])
}

// FulfillmentRequest is what checkout hands over for a paid order
type FulfillmentRequest struct {
	Recipient Recipient         `json:"recipient" binding:"required"`
	Items     []FulfillmentItem `json:"items" binding:"required,min=1,dive"`
	Reference string            `json:"reference,omitempty"`
}

// Recipient is the shipping destination
type Recipient struct {
	Name        string `json:"name" binding:"required"`
	Address1    string `json:"address1" binding:"required"`
	Address2    string `json:"address2,omitempty"`
	City        string `json:"city" binding:"required"`
	PostalCode  string `json:"postal_code" binding:"required"`
	CountryCode string `json:"country_code" binding:"required,len=2"`
	Email       string `json:"email,omitempty"`
}

// FulfillmentItem is one printable line
type FulfillmentItem struct {
	SKU      string `json:"sku" binding:"required"`
	Quantity int    `json:"quantity" binding:"required,min=1"`
	FileURL  string `json:"file_url,omitempty"`
}

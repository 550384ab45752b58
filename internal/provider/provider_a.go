package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"fulfillment-sync/internal/models"
	"fulfillment-sync/pkg/apperr"

	"github.com/go-resty/resty/v2"
)

const headerSignatureA = "X-Provider-A-Signature"

type paShipment struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
	TrackingURL    string `json:"tracking_url"`
}

type paOrder struct {
	ExternalID string      `json:"external_id"`
	OrderRef   string      `json:"order_ref"`
	Status     string      `json:"status"`
	OccurredAt *time.Time  `json:"occurred_at,omitempty"`
	Shipment   *paShipment `json:"shipment,omitempty"`
}

type paWebhook struct {
	EventID string    `json:"event_id"`
	Updates []paOrder `json:"updates"`
}

type paSubmitRequest struct {
	ExternalID string                   `json:"external_id"`
	Recipient  models.Recipient         `json:"recipient"`
	Items      []models.FulfillmentItem `json:"items"`
}

type paSubmitResponse struct {
	OrderRef string `json:"order_ref"`
}

// ProviderA speaks the Provider A webhook and REST dialect
type ProviderA struct {
	secret string
	http   *resty.Client
}

// NewProviderA creates the Provider A adapter
func NewProviderA(cfg Config) *ProviderA {
	return &ProviderA{
		secret: cfg.WebhookSecret,
		http:   newRestClient(cfg).SetAuthToken(cfg.APIKey),
	}
}

func (p *ProviderA) Name() models.Provider { return models.ProviderA }

func (p *ProviderA) VerifySignature(header http.Header, body []byte) bool {
	return VerifyHMAC(p.secret, body, header.Get(headerSignatureA))
}

func (p *ProviderA) toEvent(o paOrder, source models.Source, eventID string) models.StatusEvent {
	var occurred time.Time
	if o.OccurredAt != nil {
		occurred = o.OccurredAt.UTC()
	}
	ev := models.NewStatusEvent(o.ExternalID, models.ProviderA, o.Status, occurred, source, eventID)
	ev.ProviderOrderRef = o.OrderRef
	if o.Shipment != nil {
		ev.Tracking = &models.Tracking{
			Carrier: o.Shipment.Carrier,
			Number:  o.Shipment.TrackingNumber,
			URL:     o.Shipment.TrackingURL,
		}
	}
	return ev
}

// ParseWebhook decodes a batch of order updates
func (p *ProviderA) ParseWebhook(body []byte) ([]models.StatusEvent, error) {
	var payload paWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperr.BadRequest("invalid provider_a payload", apperr.WithCause(err))
	}

	events := make([]models.StatusEvent, 0, len(payload.Updates))
	for i, u := range payload.Updates {
		if u.ExternalID == "" {
			return nil, apperr.BadRequest(fmt.Sprintf("provider_a update %d has no external_id", i))
		}
		eventID := ""
		if payload.EventID != "" {
			eventID = fmt.Sprintf("%s:%d", payload.EventID, i)
		}
		events = append(events, p.toEvent(u, models.SourceWebhook, eventID))
	}
	return events, nil
}

// FetchOrderStatus pulls the current provider state of ref
func (p *ProviderA) FetchOrderStatus(ctx context.Context, ref string) (models.StatusEvent, error) {
	var out paOrder
	resp, err := p.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiError{}).
		Get("/orders/" + url.PathEscape(ref))
	if err := checkResponse(models.ProviderA, "fetch", resp, err); err != nil {
		return models.StatusEvent{}, err
	}
	if out.OrderRef == "" {
		out.OrderRef = ref
	}
	return p.toEvent(out, models.SourcePoll, ""), nil
}

// SubmitOrder dispatches a fulfillment request and returns the provider ref
func (p *ProviderA) SubmitOrder(ctx context.Context, orderID string, req models.FulfillmentRequest) (string, error) {
	var out paSubmitResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(paSubmitRequest{ExternalID: orderID, Recipient: req.Recipient, Items: req.Items}).
		SetResult(&out).
		SetError(&apiError{}).
		Post("/orders")
	if err := checkResponse(models.ProviderA, "submit", resp, err); err != nil {
		return "", err
	}
	if out.OrderRef == "" {
		return "", apperr.ProviderAPI("provider_a submit returned no order_ref")
	}
	return out.OrderRef, nil
}

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fulfillment-sync/internal/models"
	"fulfillment-sync/pkg/apperr"

	"github.com/go-resty/resty/v2"
)

const (
	headerSignatureB = "X-Signature"
	signaturePrefixB = "sha256="
)

type pbTracking struct {
	Carrier string `json:"carrier"`
	Code    string `json:"code"`
	Link    string `json:"link"`
}

type pbEvent struct {
	ID        string      `json:"id"`
	OrderID   string      `json:"order_id"`
	Reference string      `json:"reference"`
	State     string      `json:"state"`
	Timestamp int64       `json:"timestamp"`
	Tracking  *pbTracking `json:"tracking,omitempty"`
}

type pbWebhook struct {
	Events []pbEvent `json:"events"`
}

type pbSubmitRequest struct {
	OrderID  string                   `json:"order_id"`
	Shipping models.Recipient         `json:"shipping"`
	Lines    []models.FulfillmentItem `json:"lines"`
}

type pbSubmitResponse struct {
	Reference string `json:"reference"`
}

// ProviderB speaks the Provider B webhook and REST dialect
type ProviderB struct {
	secret string
	http   *resty.Client
}

// NewProviderB creates the Provider B adapter
func NewProviderB(cfg Config) *ProviderB {
	return &ProviderB{
		secret: cfg.WebhookSecret,
		http:   newRestClient(cfg).SetHeader("X-Api-Key", cfg.APIKey),
	}
}

func (p *ProviderB) Name() models.Provider { return models.ProviderB }

func (p *ProviderB) VerifySignature(header http.Header, body []byte) bool {
	sig := header.Get(headerSignatureB)
	if !strings.HasPrefix(sig, signaturePrefixB) {
		return false
	}
	return VerifyHMAC(p.secret, body, strings.TrimPrefix(sig, signaturePrefixB))
}

func (p *ProviderB) toEvent(e pbEvent, source models.Source) models.StatusEvent {
	var occurred time.Time
	if e.Timestamp > 0 {
		occurred = time.Unix(e.Timestamp, 0).UTC()
	}
	ev := models.NewStatusEvent(e.OrderID, models.ProviderB, e.State, occurred, source, e.ID)
	ev.ProviderOrderRef = e.Reference
	if e.Tracking != nil {
		ev.Tracking = &models.Tracking{
			Carrier: e.Tracking.Carrier,
			Number:  e.Tracking.Code,
			URL:     e.Tracking.Link,
		}
	}
	return ev
}

// ParseWebhook decodes a batch of state events
func (p *ProviderB) ParseWebhook(body []byte) ([]models.StatusEvent, error) {
	var payload pbWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperr.BadRequest("invalid provider_b payload", apperr.WithCause(err))
	}

	events := make([]models.StatusEvent, 0, len(payload.Events))
	for i, e := range payload.Events {
		if e.OrderID == "" {
			return nil, apperr.BadRequest(fmt.Sprintf("provider_b event %d has no order_id", i))
		}
		events = append(events, p.toEvent(e, models.SourceWebhook))
	}
	return events, nil
}

// FetchOrderStatus pulls the current provider state of ref
func (p *ProviderB) FetchOrderStatus(ctx context.Context, ref string) (models.StatusEvent, error) {
	var out pbEvent
	resp, err := p.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiError{}).
		Get("/orders/" + url.PathEscape(ref))
	if err := checkResponse(models.ProviderB, "fetch", resp, err); err != nil {
		return models.StatusEvent{}, err
	}
	if out.Reference == "" {
		out.Reference = ref
	}
	// poll snapshots carry no event id
	out.ID = ""
	return p.toEvent(out, models.SourcePoll), nil
}

// SubmitOrder dispatches a fulfillment request and returns the provider ref
func (p *ProviderB) SubmitOrder(ctx context.Context, orderID string, req models.FulfillmentRequest) (string, error) {
	var out pbSubmitResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(pbSubmitRequest{OrderID: orderID, Shipping: req.Recipient, Lines: req.Items}).
		SetResult(&out).
		SetError(&apiError{}).
		Post("/orders")
	if err := checkResponse(models.ProviderB, "submit", resp, err); err != nil {
		return "", err
	}
	if out.Reference == "" {
		return "", apperr.ProviderAPI("provider_b submit returned no reference")
	}
	return out.Reference, nil
}

// Package provider adapts each external fulfillment provider: webhook
// signature and payload format, plus the outbound status and submit API.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"fulfillment-sync/internal/models"
	"fulfillment-sync/pkg/apperr"

	"github.com/go-resty/resty/v2"
)

// Adapter is everything the engine needs to know about one provider
type Adapter interface {
	Name() models.Provider
	VerifySignature(header http.Header, body []byte) bool
	ParseWebhook(body []byte) ([]models.StatusEvent, error)
	FetchOrderStatus(ctx context.Context, ref string) (models.StatusEvent, error)
	SubmitOrder(ctx context.Context, orderID string, req models.FulfillmentRequest) (string, error)
}

// Config holds the credentials and endpoint of one provider
type Config struct {
	WebhookSecret string
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
}

// Registry resolves adapters by provider
type Registry map[models.Provider]Adapter

// NewRegistry indexes adapters by name
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Name()] = a
	}
	return r
}

// Get returns the adapter for p
func (r Registry) Get(p models.Provider) (Adapter, error) {
	a, ok := r[p]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %s", p)
	}
	return a, nil
}

func newRestClient(cfg Config) *resty.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// checkResponse converts transport errors and non-2xx responses into ProviderAPI errors
func checkResponse(provider models.Provider, op string, resp *resty.Response, err error) error {
	if err != nil {
		return apperr.ProviderAPI(fmt.Sprintf("%s %s failed", provider, op), apperr.WithCause(err))
	}
	if resp.IsError() {
		opts := []apperr.Option{apperr.WithDetail("status", resp.StatusCode())}
		if e, ok := resp.Error().(*apiError); ok && e.Message != "" {
			opts = append(opts, apperr.WithDetail("message", e.Message))
		}
		return apperr.ProviderAPI(fmt.Sprintf("%s %s returned %d", provider, op, resp.StatusCode()), opts...)
	}
	return nil
}

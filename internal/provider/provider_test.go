package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fulfillment-sync/internal/models"
	"fulfillment-sync/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"event_id":"evt_1"}`)
	sig := SignHMAC("secret", body)

	assert.True(t, VerifyHMAC("secret", body, sig))
	assert.False(t, VerifyHMAC("other", body, sig))
	assert.False(t, VerifyHMAC("secret", append(body, ' '), sig))
	assert.False(t, VerifyHMAC("secret", body, "not-hex"))
	assert.False(t, VerifyHMAC("", body, SignHMAC("", body)), "empty secret never verifies")
}

func TestProviderAVerifySignature(t *testing.T) {
	p := NewProviderA(Config{WebhookSecret: "a-secret"})
	body := []byte(`{}`)

	h := http.Header{}
	h.Set(headerSignatureA, SignHMAC("a-secret", body))
	assert.True(t, p.VerifySignature(h, body))

	h.Set(headerSignatureA, SignHMAC("wrong", body))
	assert.False(t, p.VerifySignature(h, body))
}

func TestProviderBVerifySignature(t *testing.T) {
	p := NewProviderB(Config{WebhookSecret: "b-secret"})
	body := []byte(`{}`)

	h := http.Header{}
	h.Set(headerSignatureB, "sha256="+SignHMAC("b-secret", body))
	assert.True(t, p.VerifySignature(h, body))

	h.Set(headerSignatureB, SignHMAC("b-secret", body))
	assert.False(t, p.VerifySignature(h, body), "prefix is required")
}

func TestProviderAParseWebhook(t *testing.T) {
	p := NewProviderA(Config{})
	body := []byte(`{
		"event_id": "evt_9",
		"updates": [
			{"external_id": "ord-1", "order_ref": "pa-1", "status": "fulfilled", "occurred_at": "2026-10-01T10:00:00Z",
			 "shipment": {"carrier": "UPS", "tracking_number": "1Z999", "tracking_url": "https://ups.example/1Z999"}},
			{"external_id": "ord-2", "status": "inprocess"}
		]}`)

	events, err := p.ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, events, 2)

	first := events[0]
	assert.Equal(t, "ord-1", first.OrderID)
	assert.Equal(t, models.ProviderA, first.Provider)
	assert.Equal(t, "pa-1", first.ProviderOrderRef)
	assert.Equal(t, "fulfilled", first.RawStatus)
	assert.Equal(t, models.SourceWebhook, first.Source)
	assert.Equal(t, "evt_9:0", first.IdempotencyKey)
	assert.Equal(t, time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC), first.OccurredAt)
	require.NotNil(t, first.Tracking)
	assert.Equal(t, "1Z999", first.Tracking.Number)

	second := events[1]
	assert.Equal(t, "evt_9:1", second.IdempotencyKey)
	assert.False(t, second.OccurredAt.IsZero(), "missing occurred_at defaults to receipt time")
	assert.Nil(t, second.Tracking)
}

func TestProviderAParseWebhookErrors(t *testing.T) {
	p := NewProviderA(Config{})

	_, err := p.ParseWebhook([]byte(`not json`))
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))

	_, err = p.ParseWebhook([]byte(`{"updates":[{"status":"fulfilled"}]}`))
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))
}

func TestProviderBParseWebhookHashesWithoutEventID(t *testing.T) {
	p := NewProviderB(Config{})
	body := []byte(`{"events":[{"order_id":"ord-3","reference":"pb-3","state":"SHIPPED","timestamp":1790000000,
		"tracking":{"carrier":"DHL","code":"JD0001","link":"https://dhl.example/JD0001"}}]}`)

	events, err := p.ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, time.Unix(1790000000, 0).UTC(), ev.OccurredAt)
	assert.Equal(t, models.IdempotencyKey("", "ord-3", "SHIPPED", ev.OccurredAt), ev.IdempotencyKey)
	assert.Equal(t, "DHL", ev.Tracking.Carrier)
	assert.Equal(t, "JD0001", ev.Tracking.Number)

	again, err := p.ParseWebhook(body)
	require.NoError(t, err)
	assert.Equal(t, ev.IdempotencyKey, again[0].IdempotencyKey, "identical payloads share a key")
}

func TestProviderAFetchOrderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/pa-1", r.URL.Path)
		assert.Equal(t, "Bearer key-a", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"external_id": "ord-1", "status": "canceled"})
	}))
	defer srv.Close()

	p := NewProviderA(Config{BaseURL: srv.URL, APIKey: "key-a", Timeout: time.Second})
	ev, err := p.FetchOrderStatus(context.Background(), "pa-1")
	require.NoError(t, err)
	assert.Equal(t, "ord-1", ev.OrderID)
	assert.Equal(t, "canceled", ev.RawStatus)
	assert.Equal(t, "pa-1", ev.ProviderOrderRef)
	assert.Equal(t, models.SourcePoll, ev.Source)
}

func TestProviderBFetchOrderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-b", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"busy","message":"try later"}`))
	}))
	defer srv.Close()

	p := NewProviderB(Config{BaseURL: srv.URL, APIKey: "key-b", Timeout: time.Second})
	_, err := p.FetchOrderStatus(context.Background(), "pb-1")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindProviderAPI))
}

func TestProviderFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewProviderA(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := p.FetchOrderStatus(context.Background(), "pa-1")
	assert.True(t, apperr.Is(err, apperr.KindProviderAPI))
}

func TestProviderBSubmitOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body pbSubmitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ord-5", body.OrderID)
		assert.Len(t, body.Lines, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reference":"pb-5"}`))
	}))
	defer srv.Close()

	p := NewProviderB(Config{BaseURL: srv.URL, Timeout: time.Second})
	ref, err := p.SubmitOrder(context.Background(), "ord-5", models.FulfillmentRequest{
		Items: []models.FulfillmentItem{{SKU: "poster-a3", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, "pb-5", ref)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewProviderA(Config{}), NewProviderB(Config{}))

	a, err := r.Get(models.ProviderA)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderA, a.Name())

	_, err = r.Get(models.Provider("provider_c"))
	assert.Error(t, err)
}

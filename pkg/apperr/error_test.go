package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := ProviderAPI("provider_a fetch failed", WithCause(cause))
	wrapped := fmt.Errorf("reconcile: %w", err)

	assert.Equal(t, "provider_a fetch failed: connection refused", err.Error())
	assert.True(t, errors.Is(wrapped, cause))
	assert.True(t, Is(wrapped, KindProviderAPI))
	assert.False(t, Is(wrapped, KindBadRequest))
	assert.Equal(t, KindProviderAPI, KindOf(wrapped))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestStatusCode(t *testing.T) {
	cases := map[Kind]int{
		KindBadRequest:       http.StatusBadRequest,
		KindInvalidSignature: http.StatusUnauthorized,
		KindUnknownOrder:     http.StatusNotFound,
		KindAlreadyExists:    http.StatusConflict,
		KindVersionConflict:  http.StatusConflict,
		KindProviderAPI:      http.StatusBadGateway,
		KindPayloadTooLarge:  http.StatusRequestEntityTooLarge,
		KindInternal:         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, New(kind, "").StatusCode(), kind)
	}
}

func TestUnknownOrderDetail(t *testing.T) {
	err := UnknownOrder("ord-1")
	assert.Equal(t, "unknown order", err.Message())
	assert.Equal(t, "ord-1", err.Details()["order_id"])

	var nilErr *Error
	assert.Equal(t, KindInternal, nilErr.Kind())
	assert.Equal(t, "<nil>", nilErr.Error())
}

func TestEngineConditions(t *testing.T) {
	unmapped := MappingUnmapped("provider_b", "QUALITY_HOLD")
	assert.True(t, Is(unmapped, KindMappingUnmapped))
	assert.Equal(t, "QUALITY_HOLD", unmapped.Details()["raw_status"])

	held := IncompleteShipped("ord-1")
	assert.True(t, Is(held, KindIncompleteShipped))
	assert.Equal(t, http.StatusInternalServerError, held.StatusCode())
}

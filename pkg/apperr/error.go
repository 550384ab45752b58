// Package apperr classifies failures by Kind so transports can pick a status
// code and the engine can tell business conditions from infrastructure faults.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindInvalidSignature  Kind = "invalid_signature"
	KindUnknownOrder      Kind = "unknown_order"
	KindAlreadyExists     Kind = "already_exists"
	KindVersionConflict   Kind = "version_conflict"
	KindProviderAPI       Kind = "provider_api"
	KindMappingUnmapped   Kind = "mapping_unmapped"
	KindIncompleteShipped Kind = "incomplete_shipped"
	KindBadRequest        Kind = "bad_request"
	KindPayloadTooLarge   Kind = "payload_too_large"
	KindInternal          Kind = "internal"
)

// Error is a classified failure. The zero message falls back to the kind.
type Error struct {
	kind    Kind
	message string
	details map[string]any
	cause   error
}

type Option func(*Error)

func WithCause(err error) Option {
	return func(e *Error) { e.cause = err }
}

func WithDetail(key string, value any) Option {
	return func(e *Error) {
		if e.details == nil {
			e.details = make(map[string]any)
		}
		e.details[key] = value
	}
}

func New(kind Kind, message string, opts ...Option) *Error {
	if message == "" {
		message = string(kind)
	}
	e := &Error{kind: kind, message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return "<nil>"
	case e.cause != nil:
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	default:
		return e.message
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Kind is KindInternal for a nil receiver.
func (e *Error) Kind() Kind {
	if e == nil {
		return KindInternal
	}
	return e.kind
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() map[string]any {
	if e == nil {
		return nil
	}
	return e.details
}

// StatusCode maps the kind onto the HTTP status the API responds with
func (e *Error) StatusCode() int {
	switch e.Kind() {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindInvalidSignature:
		return http.StatusUnauthorized
	case KindUnknownOrder:
		return http.StatusNotFound
	case KindAlreadyExists, KindVersionConflict:
		return http.StatusConflict
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindProviderAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// KindOf walks err's chain for the first *Error. Unclassified errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.kind == kind
}

func InvalidSignature(message string, opts ...Option) *Error {
	return New(KindInvalidSignature, message, opts...)
}

func UnknownOrder(orderID string, opts ...Option) *Error {
	return New(KindUnknownOrder, "unknown order", append(opts, WithDetail("order_id", orderID))...)
}

func ProviderAPI(message string, opts ...Option) *Error {
	return New(KindProviderAPI, message, opts...)
}

// MappingUnmapped describes a provider status missing from the mapping table.
// The event is dropped and later events for the order still apply.
func MappingUnmapped(provider, raw string) *Error {
	return New(KindMappingUnmapped, fmt.Sprintf("no canonical status for %s %q", provider, raw),
		WithDetail("provider", provider), WithDetail("raw_status", raw))
}

// IncompleteShipped describes a shipped event held back until tracking arrives
func IncompleteShipped(orderID string) *Error {
	return New(KindIncompleteShipped, "shipped event has no tracking", WithDetail("order_id", orderID))
}

func BadRequest(message string, opts ...Option) *Error {
	return New(KindBadRequest, message, opts...)
}

func PayloadTooLarge(limit int64) *Error {
	return New(KindPayloadTooLarge, fmt.Sprintf("body exceeds %d bytes", limit), WithDetail("limit", limit))
}

func Internal(message string, opts ...Option) *Error {
	return New(KindInternal, message, opts...)
}

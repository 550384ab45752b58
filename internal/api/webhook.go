package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"fulfillment-sync/internal/models"
	"fulfillment-sync/internal/service"
	"fulfillment-sync/internal/util"
	"fulfillment-sync/pkg/apperr"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type batchOutcome struct {
	counts map[service.Outcome]int
	err    error
}

// webhook verifies, parses and applies one provider delivery
func (h *Handler) webhook(p models.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := h.logger.With(zap.String("provider", string(p)))

		adapter, err := h.providers.Get(p)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "provider not configured"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
		if err != nil {
			util.WebhookRequestsTotal.WithLabelValues(string(p), "bad_request").Inc()
			respondError(c, apperr.BadRequest("failed to read body", apperr.WithCause(err)))
			return
		}
		if len(body) > maxWebhookBody {
			log.Warn("Webhook body over limit", zap.Int("limit", maxWebhookBody))
			util.WebhookRequestsTotal.WithLabelValues(string(p), "too_large").Inc()
			respondError(c, apperr.PayloadTooLarge(maxWebhookBody))
			return
		}

		if !adapter.VerifySignature(c.Request.Header, body) {
			log.Warn("Webhook signature rejected", zap.String("remote", c.ClientIP()))
			util.WebhookRequestsTotal.WithLabelValues(string(p), "invalid_signature").Inc()
			respondError(c, apperr.InvalidSignature("signature verification failed"))
			return
		}

		events, err := adapter.ParseWebhook(body)
		if err != nil {
			log.Warn("Webhook payload rejected", zap.Error(err))
			util.WebhookRequestsTotal.WithLabelValues(string(p), "bad_request").Inc()
			respondError(c, err)
			return
		}

		select {
		case h.inflight <- struct{}{}:
		case <-c.Request.Context().Done():
			util.WebhookRequestsTotal.WithLabelValues(string(p), "unavailable").Inc()
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server busy"})
			return
		}

		// the apply outlives the request once the deadline passes
		applyCtx := context.WithoutCancel(c.Request.Context())
		done := make(chan batchOutcome, 1)
		h.applies.Add(1)
		go func() {
			defer h.applies.Done()
			defer func() { <-h.inflight }()
			done <- h.applyAll(applyCtx, events)
		}()

		timer := time.NewTimer(h.opts.ApplyTimeout)
		defer timer.Stop()

		select {
		case out := <-done:
			if out.err != nil {
				log.Error("Webhook apply failed", zap.Error(out.err))
				util.WebhookRequestsTotal.WithLabelValues(string(p), "unavailable").Inc()
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
				return
			}
			util.WebhookRequestsTotal.WithLabelValues(string(p), "ok").Inc()
			c.JSON(http.StatusOK, gin.H{
				"received": len(events),
				"outcomes": out.counts,
			})
		case <-timer.C:
			log.Warn("Webhook apply exceeded deadline, finishing in background",
				zap.Int("events", len(events)),
				zap.Duration("deadline", h.opts.ApplyTimeout))
			util.WebhookRequestsTotal.WithLabelValues(string(p), "timeout").Inc()
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "processing, retry later"})
		}
	}
}

// applyAll stops at the first infrastructure failure. Already applied events
// are deduplicated when the provider redelivers.
func (h *Handler) applyAll(ctx context.Context, events []models.StatusEvent) batchOutcome {
	out := batchOutcome{counts: map[service.Outcome]int{}}
	for _, ev := range events {
		res, err := h.engine.ApplyEvent(ctx, ev)
		if err != nil {
			out.err = err
			return out
		}
		out.counts[res.Outcome]++
	}
	return out
}

// Package scheduler polls providers for orders whose webhooks have gone quiet.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"fulfillment-sync/internal/models"
	"fulfillment-sync/internal/provider"
	"fulfillment-sync/internal/service"
	"fulfillment-sync/internal/store"
	"fulfillment-sync/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const lockKey = "reconcile"

// Locker elects one reconciling node. AcquireLock succeeds for a free lock
// and extends a lock the same owner already holds.
type Locker interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
}

// Applier feeds a polled status through the same path as webhooks
type Applier interface {
	ApplyEvent(ctx context.Context, ev models.StatusEvent) (*service.ApplyResult, error)
}

// Config controls cadence and polling limits
type Config struct {
	Interval           time.Duration
	StalenessThreshold time.Duration
	BatchLimit         int
	Concurrency        int
	RatePerSecond      float64
	Burst              int
	PollTimeout        time.Duration
}

// Report summarizes one reconcile cycle
type Report struct {
	Leader  bool `json:"leader"`
	Stale   int  `json:"stale"`
	Polled  int  `json:"polled"`
	Failed  int  `json:"failed"`
	Skipped int  `json:"skipped"`
	Applied int  `json:"applied"`
}

// Reconciler periodically pulls provider status for stale orders
type Reconciler struct {
	store     store.OrderStore
	providers provider.Registry
	applier   Applier
	locker    Locker
	cfg       Config
	limiters  map[models.Provider]*rate.Limiter
	owner     string
	now       func() time.Time
	logger    *zap.Logger
}

// NewReconciler creates a reconciler with one token bucket per provider
func NewReconciler(st store.OrderStore, providers provider.Registry, applier Applier, locker Locker, cfg Config) *Reconciler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	limiters := make(map[models.Provider]*rate.Limiter, len(providers))
	for name := range providers {
		limiters[name] = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	return &Reconciler{
		store:     st,
		providers: providers,
		applier:   applier,
		locker:    locker,
		cfg:       cfg,
		limiters:  limiters,
		owner:     uuid.New().String(),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    util.Component("reconciler"),
	}
}

// Run reconciles every Interval until ctx is done, then hands leadership back
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Starting reconciler",
		zap.String("owner", r.owner),
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("staleness_threshold", r.cfg.StalenessThreshold))

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Release(context.WithoutCancel(ctx))
			r.logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("Reconcile cycle failed", zap.Error(err))
			}
		}
	}
}

// RunOnce polls one batch of stale orders. Poll failures leave the order stale
// for the next cycle; only store failures are returned. The leader lock is
// kept across cycles and lapses by TTL when this node stops renewing it.
func (r *Reconciler) RunOnce(ctx context.Context) (_ *Report, err error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.RunOnce")
	defer func() {
		util.RecordError(span, err)
		span.End()
	}()

	report := &Report{}
	leader, err := r.locker.AcquireLock(ctx, lockKey, r.owner, r.lockTTL())
	if err != nil {
		return report, err
	}
	if !leader {
		r.logger.Debug("Another node holds the reconcile lock")
		return report, nil
	}
	report.Leader = true

	cutoff := r.now().Add(-r.cfg.StalenessThreshold)
	orders, err := r.store.ListStale(ctx, cutoff, r.cfg.BatchLimit)
	if err != nil {
		return report, err
	}
	report.Stale = len(orders)
	util.ReconcileBatchSize.Observe(float64(len(orders)))

	var polled, failed, skipped, applied atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i := range orders {
		order := orders[i]
		g.Go(func() error {
			switch r.reconcileOrder(ctx, &order) {
			case pollSkipped:
				skipped.Add(1)
			case pollFailed:
				failed.Add(1)
			case pollApplied:
				polled.Add(1)
				applied.Add(1)
			default:
				polled.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Polled = int(polled.Load())
	report.Failed = int(failed.Load())
	report.Skipped = int(skipped.Load())
	report.Applied = int(applied.Load())

	r.logger.Info("Reconcile cycle finished",
		zap.Int("stale", report.Stale),
		zap.Int("polled", report.Polled),
		zap.Int("applied", report.Applied),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

// Release gives up the leader lock if this node holds it
func (r *Reconciler) Release(ctx context.Context) {
	if err := r.locker.ReleaseLock(ctx, lockKey, r.owner); err != nil {
		r.logger.Warn("Failed to release reconcile lock", zap.Error(err))
	}
}

// lockTTL outlives one tick so the leader renews before expiry
func (r *Reconciler) lockTTL() time.Duration {
	return r.cfg.Interval + r.cfg.Interval/2
}

type pollResult int

const (
	pollNoChange pollResult = iota
	pollApplied
	pollFailed
	pollSkipped
)

func (r *Reconciler) reconcileOrder(ctx context.Context, order *models.Order) pollResult {
	log := r.logger.With(zap.String("order_id", order.ID), zap.String("provider", string(order.Provider)))

	ref := order.Ref()
	if ref == "" {
		log.Debug("Order not yet accepted by provider, skipping poll")
		return pollSkipped
	}
	adapter, err := r.providers.Get(order.Provider)
	if err != nil {
		log.Warn("No adapter for order provider", zap.Error(err))
		return pollSkipped
	}
	if lim, ok := r.limiters[order.Provider]; ok {
		if err := lim.Wait(ctx); err != nil {
			return pollFailed
		}
	}

	pollCtx, cancel := context.WithTimeout(ctx, r.cfg.PollTimeout)
	start := time.Now()
	ev, err := adapter.FetchOrderStatus(pollCtx, ref)
	cancel()
	util.PollLatency.WithLabelValues(string(order.Provider)).Observe(time.Since(start).Seconds())
	if err != nil {
		util.PollFailuresTotal.WithLabelValues(string(order.Provider)).Inc()
		log.Warn("Provider poll failed", zap.Error(err))
		return pollFailed
	}

	ev.OrderID = order.ID
	ev.Provider = order.Provider
	ev.Source = models.SourcePoll
	if ev.ProviderOrderRef == "" {
		ev.ProviderOrderRef = ref
	}
	ev.IdempotencyKey = models.IdempotencyKey("", order.ID, ev.RawStatus, ev.OccurredAt)

	res, err := r.applier.ApplyEvent(ctx, ev)
	if err != nil {
		log.Error("Failed to apply polled status", zap.Error(err))
		return pollFailed
	}
	if res.Outcome == service.OutcomeApplied {
		return pollApplied
	}
	if err := r.store.MarkSynced(ctx, order.ID, r.now()); err != nil {
		log.Warn("Failed to record sync time", zap.Error(err))
	}
	return pollNoChange
}

package statemachine

import (
	"time"

	"fulfillment-sync/internal/models"
)

// Outcome is the verdict for one StatusEvent against one order
type Outcome string

const (
	OutcomeAccept Outcome = "accepted"
	OutcomeNoop   Outcome = "noop"
	OutcomeDefer  Outcome = "deferred"
	OutcomeReject Outcome = "rejected"
)

// Reasons attached to non-accepting outcomes
const (
	ReasonUnmapped         = "unmapped"
	ReasonTerminal         = "terminal"
	ReasonSameStatus       = "same_status"
	ReasonStale            = "stale"
	ReasonMissingTracking  = "missing_tracking"
	ReasonProviderMismatch = "provider_mismatch"
)

// Decision is what the machine decided and why
type Decision struct {
	Outcome Outcome
	From    models.CanonicalStatus
	To      models.CanonicalStatus
	Flagged bool
	Reason  string
}

// Mapper resolves provider vocabulary
type Mapper interface {
	Map(provider models.Provider, raw string) models.CanonicalStatus
}

// Machine enforces the canonical transition rules
type Machine struct {
	mapper Mapper
}

// New creates a state machine backed by mapper
func New(mapper Mapper) *Machine {
	return &Machine{mapper: mapper}
}

// Evaluate maps the event's raw status and decides the transition
func (m *Machine) Evaluate(order *models.Order, ev models.StatusEvent) Decision {
	return Decide(order, ev, m.mapper.Map(ev.Provider, ev.RawStatus))
}

// Decide applies the transition rules for an already-mapped target status
func Decide(order *models.Order, ev models.StatusEvent, target models.CanonicalStatus) Decision {
	d := Decision{From: order.CanonicalStatus, To: target, Outcome: OutcomeNoop}

	// an order has exactly one provider for life
	if ev.Provider != order.Provider {
		d.Outcome = OutcomeReject
		d.Reason = ReasonProviderMismatch
		return d
	}
	if target == models.StatusUnmapped {
		d.Reason = ReasonUnmapped
		return d
	}
	if order.Terminal() {
		d.Reason = ReasonTerminal
		return d
	}
	if target == order.CanonicalStatus {
		d.Reason = ReasonSameStatus
		return d
	}

	current, _ := order.CanonicalStatus.Rank()
	shippedRank, _ := models.StatusShipped.Rank()

	if target.SideBranch() {
		d.Outcome = OutcomeAccept
		switch target {
		case models.StatusReturned:
			d.Flagged = current < shippedRank
		default:
			d.Flagged = current >= shippedRank
		}
		return d
	}

	next, _ := target.Rank()
	if next <= current {
		d.Reason = ReasonStale
		return d
	}

	if next >= shippedRank && current < shippedRank &&
		!order.Tracking.Complete() && !ev.Tracking.Complete() {
		d.Outcome = OutcomeDefer
		d.Reason = ReasonMissingTracking
		return d
	}

	d.Outcome = OutcomeAccept
	return d
}

// Apply returns the mutated copy of order for an accepted decision.
// The store owns the version increment.
func Apply(order *models.Order, ev models.StatusEvent, d Decision, now time.Time) *models.Order {
	next := order.Clone()
	next.CanonicalStatus = d.To
	next.ProviderStatusRaw = ev.RawStatus
	next.LastSyncedAt = now
	next.UpdatedAt = now

	if ev.Tracking.Complete() {
		t := *ev.Tracking
		next.Tracking = &t
	}
	if next.ProviderOrderRef == nil && ev.ProviderOrderRef != "" {
		ref := ev.ProviderOrderRef
		next.ProviderOrderRef = &ref
	}

	next.Timeline = append(next.Timeline, models.TimelineEntry{
		Status:     d.To,
		RawStatus:  ev.RawStatus,
		Source:     ev.Source,
		OccurredAt: ev.OccurredAt,
		AppliedAt:  now,
		Flagged:    d.Flagged,
	})
	return next
}

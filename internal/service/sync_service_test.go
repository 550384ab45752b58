package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"fulfillment-sync/internal/mapper"
	"fulfillment-sync/internal/models"
	"fulfillment-sync/internal/provider"
	"fulfillment-sync/internal/redisclient"
	"fulfillment-sync/internal/statemachine"
	"fulfillment-sync/internal/store"
	"fulfillment-sync/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	name   models.Provider
	fetch  func(ctx context.Context, ref string) (models.StatusEvent, error)
	submit func(ctx context.Context, orderID string, req models.FulfillmentRequest) (string, error)
}

func (f *fakeAdapter) Name() models.Provider { return f.name }

func (f *fakeAdapter) VerifySignature(http.Header, []byte) bool { return true }

func (f *fakeAdapter) ParseWebhook([]byte) ([]models.StatusEvent, error) { return nil, nil }

func (f *fakeAdapter) FetchOrderStatus(ctx context.Context, ref string) (models.StatusEvent, error) {
	if f.fetch == nil {
		return models.StatusEvent{}, apperr.ProviderAPI("fetch not configured")
	}
	return f.fetch(ctx, ref)
}

func (f *fakeAdapter) SubmitOrder(ctx context.Context, orderID string, req models.FulfillmentRequest) (string, error) {
	if f.submit == nil {
		return "ref-" + orderID, nil
	}
	return f.submit(ctx, orderID, req)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []*models.OrderStatusChangedEvent
	err    error
}

func (r *recordingEmitter) PublishStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingEmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	svc      *SyncService
	store    store.OrderStore
	keys     *redisclient.Memory
	emitter  *recordingEmitter
	adapterA *fakeAdapter
	adapterB *fakeAdapter
}

func newFixture(t *testing.T, st store.OrderStore) *fixture {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	f := &fixture{
		store:    st,
		keys:     redisclient.NewMemory(),
		emitter:  &recordingEmitter{},
		adapterA: &fakeAdapter{name: models.ProviderA},
		adapterB: &fakeAdapter{name: models.ProviderB},
	}
	f.svc = NewSyncService(
		st, f.keys, f.keys,
		statemachine.New(mapper.New()),
		provider.NewRegistry(f.adapterA, f.adapterB),
		f.emitter,
		Options{ProviderTimeout: time.Second},
	)
	return f
}

func (f *fixture) seed(t *testing.T, id string, p models.Provider, status models.CanonicalStatus) *models.Order {
	t.Helper()
	ref := "ref-" + id
	now := time.Now().UTC().Add(-20 * time.Minute)
	o, err := f.store.Create(context.Background(), &models.Order{
		ID:               id,
		Provider:         p,
		ProviderOrderRef: &ref,
		CanonicalStatus:  status,
		Version:          1,
		LastSyncedAt:     now,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) get(t *testing.T, id string) *models.Order {
	t.Helper()
	o, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

var upsTracking = &models.Tracking{Carrier: "UPS", Number: "1Z999AA10123456784", URL: "https://ups.example/1Z999AA10123456784"}

func webhookEvent(id string, p models.Provider, raw, eventID string, at time.Time) models.StatusEvent {
	return models.NewStatusEvent(id, p, raw, at, models.SourceWebhook, eventID)
}

func TestScenarioShippedWithTracking(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ord-a", models.ProviderA, models.StatusPending)

	ev := webhookEvent("ord-a", models.ProviderA, "fulfilled", "evt-1", time.Now())
	ev.Tracking = upsTracking

	res, err := f.svc.ApplyEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	o := f.get(t, "ord-a")
	assert.Equal(t, models.StatusShipped, o.CanonicalStatus)
	assert.Equal(t, int64(2), o.Version)
	require.NotNil(t, o.Tracking)
	assert.Equal(t, "UPS", o.Tracking.Carrier)
	assert.Equal(t, "fulfilled", o.ProviderStatusRaw)
	require.Len(t, o.Timeline, 1)
	assert.Equal(t, models.SourceWebhook, o.Timeline[0].Source)

	require.Equal(t, 1, f.emitter.count())
	emitted := f.emitter.events[0]
	assert.Equal(t, models.StatusPending, emitted.From)
	assert.Equal(t, models.StatusShipped, emitted.To)
	assert.Equal(t, int64(2), emitted.Version)

	// provider retry of the same payload
	res, err = f.svc.ApplyEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, int64(2), f.get(t, "ord-a").Version)
	assert.Equal(t, 1, f.emitter.count())
}

func TestRedeliveryProducesOneTransition(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ord-r", models.ProviderB, models.StatusPending)
	ev := webhookEvent("ord-r", models.ProviderB, "accepted", "", time.Now())

	outcomes := map[Outcome]int{}
	for i := 0; i < 5; i++ {
		res, err := f.svc.ApplyEvent(context.Background(), ev)
		require.NoError(t, err)
		outcomes[res.Outcome]++
	}

	assert.Equal(t, 1, outcomes[OutcomeApplied])
	assert.Equal(t, 4, outcomes[OutcomeDuplicate])
	assert.Equal(t, int64(2), f.get(t, "ord-r").Version)
}

func TestSameStatusUnderNewKeyIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ord-x", models.ProviderB, models.StatusPending)
	ev := webhookEvent("ord-x", models.ProviderB, "accepted", "evt-x", time.Now())

	_, err := f.svc.ApplyEvent(context.Background(), ev)
	require.NoError(t, err)

	// a different key with the same status falls through to the version rules
	ev.IdempotencyKey = "evt-x-resent"
	res, err := f.svc.ApplyEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Equal(t, statemachine.ReasonSameStatus, res.Reason)
	assert.Equal(t, int64(2), f.get(t, "ord-x").Version)
}

func TestScenarioPollCancelThenLateWebhook(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ord-c", models.ProviderA, models.StatusPending)

	poll := models.NewStatusEvent("ord-c", models.ProviderA, "canceled", time.Now(), models.SourcePoll, "")
	res, err := f.svc.ApplyEvent(context.Background(), poll)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	o := f.get(t, "ord-c")
	assert.Equal(t, models.StatusCanceled, o.CanonicalStatus)
	assert.True(t, o.Terminal())

	late := webhookEvent("ord-c", models.ProviderA, "inprocess", "evt-late", time.Now())
	res, err = f.svc.ApplyEvent(context.Background(), late)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Equal(t, statemachine.ReasonTerminal, res.Reason)

	after := f.get(t, "ord-c")
	assert.Equal(t, o.Version, after.Version)
	assert.Equal(t, models.StatusCanceled, after.CanonicalStatus)
}

func TestScenarioUnmappedStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ord-d", models.ProviderB, models.StatusConfirmed)

	res, err := f.svc.ApplyEvent(context.Background(),
		webhookEvent("ord-d", models.ProviderB, "QUALITY_HOLD", "evt-d", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Equal(t, statemachine.ReasonUnmapped, res.Reason)
	assert.True(t, apperr.Is(res.Condition, apperr.KindMappingUnmapped))
	assert.Equal(t, "QUALITY_HOLD", res.Condition.Details()["raw_status"])

	o := f.get(t, "ord-d")
	assert.Equal(t, models.StatusConfirmed, o.CanonicalStatus)
	assert.Equal(t, int64(1), o.Version)

	// unmapped noise does not block the next real update
	res, err = f.svc.ApplyEvent(context.Background(),
		webhookEvent("ord-d", models.ProviderB, "printed", "evt-d2", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
}

func TestPollRegressionNeverRegresses(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ord-p", models.ProviderB, models.StatusInProduction)

	poll := models.NewStatusEvent("ord-p", models.ProviderB, "accepted", time.Now(), models.SourcePoll, "")
	res, err := f.svc.ApplyEvent(context.Background(), poll)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Equal(t, statemachine.ReasonStale, res.Reason)

	o := f.get(t, "ord-p")
	assert.Equal(t, models.StatusInProduction, o.CanonicalStatus)
	assert.Equal(t, int64(1), o.Version)
}

func TestUnknownOrderIsAcknowledged(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.ApplyEvent(context.Background(),
		webhookEvent("missing", models.ProviderA, "fulfilled", "evt-m", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownOrder, res.Outcome)
	assert.Zero(t, f.emitter.count())
}

func TestProviderMismatchRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ord-m", models.ProviderA, models.StatusPending)

	res, err := f.svc.ApplyEvent(context.Background(),
		webhookEvent("ord-m", models.ProviderB, "accepted", "evt-b", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, int64(1), f.get(t, "ord-m").Version)
}

func TestShippedWithoutTrackingNeverPersists(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ord-s", models.ProviderB, models.StatusInProduction)
	f.adapterB.fetch = func(ctx context.Context, ref string) (models.StatusEvent, error) {
		return models.StatusEvent{}, apperr.ProviderAPI("provider down")
	}

	ev := webhookEvent("ord-s", models.ProviderB, "SHIPPED", "evt-s", time.Now())
	res, err := f.svc.ApplyEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, res.Outcome)
	assert.True(t, apperr.Is(res.Condition, apperr.KindIncompleteShipped))
	f.svc.Wait()

	o := f.get(t, "ord-s")
	assert.Equal(t, models.StatusInProduction, o.CanonicalStatus)
	assert.Equal(t, int64(1), o.Version)
	assert.Nil(t, o.Tracking)

	buffered, err := f.keys.GetDeferred(context.Background(), "ord-s")
	require.NoError(t, err)
	require.NotNil(t, buffered)
	assert.Equal(t, "SHIPPED", buffered.RawStatus)

	// the next poll brings tracking and clears the buffer
	poll := models.NewStatusEvent("ord-s", models.ProviderB, "shipped", time.Now(), models.SourcePoll, "")
	poll.Tracking = upsTracking
	res, err = f.svc.ApplyEvent(context.Background(), poll)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	buffered, err = f.keys.GetDeferred(context.Background(), "ord-s")
	require.NoError(t, err)
	assert.Nil(t, buffered)
}

func TestDeferredEventResolvedByTrackingRefetch(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ord-t", models.ProviderA, models.StatusConfirmed)

	var fetchedRef string
	f.adapterA.fetch = func(ctx context.Context, ref string) (models.StatusEvent, error) {
		fetchedRef = ref
		ev := models.NewStatusEvent("ord-t", models.ProviderA, "fulfilled", time.Now(), models.SourcePoll, "")
		ev.Tracking = upsTracking
		return ev, nil
	}

	res, err := f.svc.ApplyEvent(context.Background(),
		webhookEvent("ord-t", models.ProviderA, "fulfilled", "evt-t", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, res.Outcome)

	f.svc.Wait()
	assert.Equal(t, "ref-ord-t", fetchedRef)

	o := f.get(t, "ord-t")
	assert.Equal(t, models.StatusShipped, o.CanonicalStatus)
	assert.Equal(t, int64(2), o.Version)
	require.NotNil(t, o.Tracking)
	assert.Equal(t, upsTracking.Number, o.Tracking.Number)
	assert.Equal(t, 1, f.emitter.count())
}

func TestSideBranchAfterShipmentIsFlagged(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ord-f", models.ProviderA, models.StatusShipped)

	res, err := f.svc.ApplyEvent(context.Background(),
		webhookEvent("ord-f", models.ProviderA, "canceled", "evt-f", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.True(t, res.Flagged)
	assert.True(t, f.emitter.events[0].Flagged)
	assert.True(t, f.get(t, "ord-f").Timeline[0].Flagged)
}

func TestEmitterFailureKeepsTransition(t *testing.T) {
	f := newFixture(t, nil)
	f.emitter.err = errors.New("kafka unavailable")
	f.seed(t, "ord-e", models.ProviderB, models.StatusPending)

	res, err := f.svc.ApplyEvent(context.Background(),
		webhookEvent("ord-e", models.ProviderB, "approved", "evt-e", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, models.StatusConfirmed, f.get(t, "ord-e").CanonicalStatus)
}

func permutations(n int) [][]int {
	var out [][]int
	var walk func(prefix []int, rest []int)
	walk = func(prefix []int, rest []int) {
		if len(rest) == 0 {
			out = append(out, append([]int(nil), prefix...))
			return
		}
		for i := range rest {
			next := append(append([]int(nil), rest[:i]...), rest[i+1:]...)
			walk(append(prefix, rest[i]), next)
		}
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	walk(nil, idx)
	return out
}

func TestConvergenceAcrossInterleavings(t *testing.T) {
	base := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	raws := []string{"accepted", "inprocess", "fulfilled", "delivered"}

	build := func() []models.StatusEvent {
		events := make([]models.StatusEvent, len(raws))
		for i, raw := range raws {
			src := models.SourceWebhook
			if i%2 == 1 {
				src = models.SourcePoll
			}
			events[i] = models.NewStatusEvent("ord-conv", models.ProviderA, raw, base.Add(time.Duration(i)*time.Hour), src, "")
			if i >= 2 {
				events[i].Tracking = upsTracking
			}
		}
		return events
	}

	for _, perm := range permutations(len(raws)) {
		f := newFixture(t, nil)
		f.seed(t, "ord-conv", models.ProviderA, models.StatusPending)
		events := build()
		for _, i := range perm {
			_, err := f.svc.ApplyEvent(context.Background(), events[i])
			require.NoError(t, err)
		}
		f.svc.Wait()

		o := f.get(t, "ord-conv")
		assert.Equal(t, models.StatusDelivered, o.CanonicalStatus, "order %v", perm)
		assert.Equal(t, upsTracking.Number, o.Tracking.Number, "order %v", perm)
	}
}

func indexOf(perm []int, v int) int {
	for i, p := range perm {
		if p == v {
			return i
		}
	}
	return -1
}

func assertSingleTerminalLast(t *testing.T, o *models.Order, perm []int) {
	t.Helper()
	terminals := 0
	for _, e := range o.Timeline {
		if e.Status.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals, "order %v", perm)
	require.NotEmpty(t, o.Timeline)
	assert.Equal(t, o.CanonicalStatus, o.Timeline[len(o.Timeline)-1].Status, "order %v", perm)
	assert.Equal(t, int64(len(o.Timeline)+1), o.Version, "order %v", perm)
}

func TestConvergenceWithCompetingTerminals(t *testing.T) {
	base := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	const fulfilled, delivered, canceled = 2, 3, 4
	raws := []string{"accepted", "inprocess", "fulfilled", "delivered", "canceled"}

	for _, perm := range permutations(len(raws)) {
		f := newFixture(t, nil)
		f.seed(t, "ord-race", models.ProviderA, models.StatusPending)
		for n, i := range perm {
			src := models.SourceWebhook
			if n%2 == 1 {
				src = models.SourcePoll
			}
			ev := models.NewStatusEvent("ord-race", models.ProviderA, raws[i], base.Add(time.Duration(i)*time.Hour), src, "")
			if i == fulfilled || i == delivered {
				ev.Tracking = upsTracking
			}
			_, err := f.svc.ApplyEvent(context.Background(), ev)
			require.NoError(t, err)
		}
		f.svc.Wait()

		o := f.get(t, "ord-race")
		assertSingleTerminalLast(t, o, perm)
		if indexOf(perm, canceled) < indexOf(perm, delivered) {
			assert.Equal(t, models.StatusCanceled, o.CanonicalStatus, "order %v", perm)
			shippedFirst := indexOf(perm, fulfilled) < indexOf(perm, canceled)
			assert.Equal(t, shippedFirst, o.Timeline[len(o.Timeline)-1].Flagged, "order %v", perm)
		} else {
			assert.Equal(t, models.StatusDelivered, o.CanonicalStatus, "order %v", perm)
			assert.False(t, o.Timeline[len(o.Timeline)-1].Flagged, "order %v", perm)
		}
	}
}

func TestConvergenceWithReturnBeforeShipment(t *testing.T) {
	base := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	const returned, fulfilled = 2, 3
	raws := []string{"accepted", "inprocess", "returned", "fulfilled"}

	for _, perm := range permutations(len(raws)) {
		f := newFixture(t, nil)
		f.seed(t, "ord-ret", models.ProviderA, models.StatusPending)
		for _, i := range perm {
			ev := webhookEvent("ord-ret", models.ProviderA, raws[i], "", base.Add(time.Duration(i)*time.Hour))
			if i == fulfilled {
				ev.Tracking = upsTracking
			}
			_, err := f.svc.ApplyEvent(context.Background(), ev)
			require.NoError(t, err)
		}
		f.svc.Wait()

		o := f.get(t, "ord-ret")
		assert.Equal(t, models.StatusReturned, o.CanonicalStatus, "order %v", perm)
		assertSingleTerminalLast(t, o, perm)
		returnedFirst := indexOf(perm, returned) < indexOf(perm, fulfilled)
		assert.Equal(t, returnedFirst, o.Timeline[len(o.Timeline)-1].Flagged, "order %v", perm)
	}
}

func TestPolledDeferralSkipsTrackingRefetch(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ord-p", models.ProviderA, models.StatusInProduction)

	var calls int
	var mu sync.Mutex
	f.adapterA.fetch = func(ctx context.Context, ref string) (models.StatusEvent, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return models.NewStatusEvent("ord-p", models.ProviderA, "fulfilled", time.Now(), models.SourcePoll, ""), nil
	}

	poll := models.NewStatusEvent("ord-p", models.ProviderA, "fulfilled", time.Now(), models.SourcePoll, "")
	res, err := f.svc.ApplyEvent(context.Background(), poll)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, res.Outcome)
	f.svc.Wait()

	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()

	buffered, err := f.keys.GetDeferred(context.Background(), "ord-p")
	require.NoError(t, err)
	require.NotNil(t, buffered)

	res, err = f.svc.ApplyEvent(context.Background(),
		webhookEvent("ord-p", models.ProviderA, "fulfilled", "evt-p", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, res.Outcome)
	f.svc.Wait()

	mu.Lock()
	assert.Equal(t, 1, calls, "webhook deferrals still re-fetch")
	mu.Unlock()
}

func TestConcurrentDuplicatesSingleTransition(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "ord-cc", models.ProviderB, models.StatusPending)
	ev := webhookEvent("ord-cc", models.ProviderB, "accepted", "evt-cc", time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ApplyEvent(context.Background(), ev)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(2), f.get(t, "ord-cc").Version)
	assert.Equal(t, 1, f.emitter.count())
}

// conflictingStore loses the first n compare-and-apply races
type conflictingStore struct {
	store.OrderStore
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (c *conflictingStore) CompareAndApply(ctx context.Context, id string, version int64, m store.Mutator) (*models.Order, error) {
	c.mu.Lock()
	c.calls++
	lose := c.calls <= c.conflicts
	c.mu.Unlock()
	if lose {
		return nil, store.ErrVersionConflict
	}
	return c.OrderStore.CompareAndApply(ctx, id, version, m)
}

func TestVersionConflictRetried(t *testing.T) {
	cs := &conflictingStore{OrderStore: store.NewMemory(), conflicts: 2}
	f := newFixture(t, cs)
	f.seed(t, "ord-v", models.ProviderB, models.StatusPending)

	res, err := f.svc.ApplyEvent(context.Background(),
		webhookEvent("ord-v", models.ProviderB, "accepted", "evt-v", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 3, cs.calls)
}

func TestVersionConflictExhausted(t *testing.T) {
	cs := &conflictingStore{OrderStore: store.NewMemory(), conflicts: 10}
	f := newFixture(t, cs)
	f.seed(t, "ord-v", models.ProviderB, models.StatusPending)

	ev := webhookEvent("ord-v", models.ProviderB, "accepted", "evt-v", time.Now())
	_, err := f.svc.ApplyEvent(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindVersionConflict))
	assert.Equal(t, 3, cs.calls)

	seen, err := f.keys.Seen(context.Background(), "ord-v", ev.IdempotencyKey)
	require.NoError(t, err)
	assert.False(t, seen, "failed applies stay eligible for redelivery")
}

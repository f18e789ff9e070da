package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"incident-reporter-go/internal/metrics"
)

type fakeTracker struct {
	online bool
	err    error
}

func (f *fakeTracker) MarkOnline(ctx context.Context, identity int) error  { return nil }
func (f *fakeTracker) MarkOffline(ctx context.Context, identity int) error { return nil }
func (f *fakeTracker) IsOnline(ctx context.Context, identity int) (bool, error) {
	return f.online, f.err
}

type publishedEvent struct {
	identity int
	event    Event
}

type fakeLive struct {
	events []publishedEvent
	err    error
}

func (f *fakeLive) Publish(ctx context.Context, identity int, event Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, publishedEvent{identity: identity, event: event})
	return nil
}

func (f *fakeLive) kinds() []string {
	var kinds []string
	for _, e := range f.events {
		kinds = append(kinds, e.event.Kind)
	}
	return kinds
}

type fakePush struct {
	accepted int
	total    int
	err      error
	sends    int
}

func (f *fakePush) Send(ctx context.Context, identity int, payload []byte) (int, int, error) {
	f.sends++
	return f.accepted, f.total, f.err
}

type fakeReservations struct {
	claimOK  bool
	claimErr error

	liveFirst bool
	liveErr   error

	confirmErr error

	claims   int
	confirms int
	lives    int
}

func (f *fakeReservations) ClaimPush(ctx context.Context, job Job, lease time.Duration) (bool, error) {
	f.claims++
	return f.claimOK, f.claimErr
}

func (f *fakeReservations) ConfirmPush(ctx context.Context, job Job) error {
	f.confirms++
	return f.confirmErr
}

func (f *fakeReservations) MarkLiveDispatched(ctx context.Context, job Job) (bool, error) {
	f.lives++
	return f.liveFirst, f.liveErr
}

// reservationRow mirrors one notifications row's claim columns.
type reservationRow struct {
	liveSentAt    *time.Time
	pushAttemptAt *time.Time
	pushSentAt    *time.Time
}

// reservationLedger reproduces the store's conditional upserts in memory,
// one row per job ID.
type reservationLedger struct {
	rows map[string]*reservationRow
	now  func() time.Time
}

func newReservationLedger() *reservationLedger {
	return &reservationLedger{rows: map[string]*reservationRow{}, now: time.Now}
}

func (l *reservationLedger) ClaimPush(ctx context.Context, job Job, lease time.Duration) (bool, error) {
	row, ok := l.rows[job.ID]
	if !ok {
		now := l.now()
		l.rows[job.ID] = &reservationRow{pushAttemptAt: &now}
		return true, nil
	}
	if row.pushSentAt != nil || row.liveSentAt != nil {
		return false, nil
	}
	if row.pushAttemptAt != nil && l.now().Sub(*row.pushAttemptAt) < lease {
		return false, nil
	}
	now := l.now()
	row.pushAttemptAt = &now
	return true, nil
}

func (l *reservationLedger) ConfirmPush(ctx context.Context, job Job) error {
	if row, ok := l.rows[job.ID]; ok {
		now := l.now()
		row.pushSentAt = &now
	}
	return nil
}

func (l *reservationLedger) MarkLiveDispatched(ctx context.Context, job Job) (bool, error) {
	row, ok := l.rows[job.ID]
	if !ok {
		now := l.now()
		l.rows[job.ID] = &reservationRow{liveSentAt: &now}
		return true, nil
	}
	if row.liveSentAt != nil {
		return false, nil
	}
	now := l.now()
	row.liveSentAt = &now
	return true, nil
}

type fakeMarker struct {
	sender int
	marked bool
	err    error
	calls  int
}

func (f *fakeMarker) MarkDelivered(ctx context.Context, entity EntityRef) (int, bool, error) {
	f.calls++
	return f.sender, f.marked, f.err
}

type orchFixture struct {
	tracker *fakeTracker
	live    *fakeLive
	push    *fakePush
	store   *fakeReservations
	marker  *fakeMarker
	orch    *Orchestrator
}

func newOrchFixture() *orchFixture {
	f := &orchFixture{
		tracker: &fakeTracker{},
		live:    &fakeLive{},
		push:    &fakePush{accepted: 1, total: 1},
		store:   &fakeReservations{claimOK: true, liveFirst: true},
		marker:  &fakeMarker{sender: 5, marked: true},
	}
	m := metrics.New(prometheus.NewRegistry())
	f.orch = NewOrchestrator(f.tracker, f.live, f.push, f.store, f.marker, 5*time.Minute, m, zap.NewNop())
	return f
}

func chatJob() Job {
	return Job{
		ID:     "job-1",
		Type:   JobChatMessage,
		Target: Target{Identity: 3},
		Payload: Payload{
			Title:   "New message",
			Message: "hello",
			Entity:  EntityRef{Type: "chat_message", ID: 11},
		},
	}
}

func TestRouteUnknownTypeIsPermanent(t *testing.T) {
	f := newOrchFixture()
	job := chatJob()
	job.Type = "SMOKE_SIGNAL"

	assert.Equal(t, OutcomePermanent, f.orch.RouteAndDispatch(context.Background(), job))
	assert.Zero(t, f.push.sends)
	assert.Empty(t, f.live.events)
}

func TestRouteOnlineGoesLiveOnly(t *testing.T) {
	f := newOrchFixture()
	f.tracker.online = true

	outcome := f.orch.RouteAndDispatch(context.Background(), chatJob())

	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Zero(t, f.push.sends, "wake-up channel stays quiet for present recipients")
	assert.Zero(t, f.store.claims)
	// One live notification plus the delivered confirmation to the sender.
	require.Equal(t, []string{"notification", "delivered"}, f.live.kinds())
	assert.Equal(t, 3, f.live.events[0].identity)
	assert.Equal(t, 5, f.live.events[1].identity)
}

func TestRouteOnlineRedispatchDoesNotResend(t *testing.T) {
	f := newOrchFixture()
	f.tracker.online = true
	f.store.liveFirst = false

	outcome := f.orch.RouteAndDispatch(context.Background(), chatJob())

	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Empty(t, f.live.events, "a retried job must not duplicate the live event")
}

func TestRouteOnlineDispatchMarkFailureRetries(t *testing.T) {
	f := newOrchFixture()
	f.tracker.online = true
	f.store.liveErr = errors.New("deadlock")

	assert.Equal(t, OutcomeRetryable, f.orch.RouteAndDispatch(context.Background(), chatJob()))
	assert.Empty(t, f.live.events)
}

func TestRouteOfflineClaimsAndPushes(t *testing.T) {
	f := newOrchFixture()
	f.tracker.online = false

	outcome := f.orch.RouteAndDispatch(context.Background(), chatJob())

	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Equal(t, 1, f.store.claims)
	assert.Equal(t, 1, f.push.sends)
	assert.Equal(t, 1, f.store.confirms)
	assert.Equal(t, 1, f.marker.calls)
	assert.Equal(t, []string{"delivered"}, f.live.kinds())
}

func TestRouteOfflineClaimLostIsSuccess(t *testing.T) {
	f := newOrchFixture()
	f.store.claimOK = false

	outcome := f.orch.RouteAndDispatch(context.Background(), chatJob())

	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Zero(t, f.push.sends, "losing the claim race must not send")
	assert.Zero(t, f.store.confirms)
}

func TestRouteOfflineClaimErrorRetries(t *testing.T) {
	f := newOrchFixture()
	f.store.claimErr = errors.New("connection reset")

	assert.Equal(t, OutcomeRetryable, f.orch.RouteAndDispatch(context.Background(), chatJob()))
	assert.Zero(t, f.push.sends)
}

func TestRouteOfflineNoEndpointsIsSuccess(t *testing.T) {
	f := newOrchFixture()
	f.push.accepted = 0
	f.push.total = 0

	outcome := f.orch.RouteAndDispatch(context.Background(), chatJob())

	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Zero(t, f.store.confirms, "nothing was sent, nothing to confirm")
}

func TestRouteOfflineAllEndpointsRejectedRetries(t *testing.T) {
	f := newOrchFixture()
	f.push.accepted = 0
	f.push.total = 2

	assert.Equal(t, OutcomeRetryable, f.orch.RouteAndDispatch(context.Background(), chatJob()))
}

func TestRouteOfflineSendErrorRetries(t *testing.T) {
	f := newOrchFixture()
	f.push.err = errors.New("subscription lookup failed")

	assert.Equal(t, OutcomeRetryable, f.orch.RouteAndDispatch(context.Background(), chatJob()))
}

func TestRoutePresenceFailureFallsBackToPush(t *testing.T) {
	f := newOrchFixture()
	f.tracker.err = errors.New("redis down")

	outcome := f.orch.RouteAndDispatch(context.Background(), chatJob())

	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Equal(t, 1, f.push.sends, "a broken tracker must not strand the recipient")
}

func TestRouteSecurityAlertUsesBothChannels(t *testing.T) {
	f := newOrchFixture()
	f.tracker.online = true

	job := chatJob()
	job.Type = JobSecurityAlert
	job.Payload.Entity = EntityRef{Type: "account", ID: 3}

	outcome := f.orch.RouteAndDispatch(context.Background(), job)

	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Equal(t, 1, f.push.sends)
	assert.Contains(t, f.live.kinds(), "notification")
}

func TestConfirmPushFailureDoesNotFailJob(t *testing.T) {
	f := newOrchFixture()
	f.store.confirmErr = errors.New("timeout")

	assert.Equal(t, OutcomeSuccess, f.orch.RouteAndDispatch(context.Background(), chatJob()))
}

func TestDeliveredConfirmationSkippedWhenUntracked(t *testing.T) {
	f := newOrchFixture()
	f.marker.marked = false

	outcome := f.orch.RouteAndDispatch(context.Background(), chatJob())

	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Empty(t, f.live.kinds(), "entities without delivery tracking produce no sender event")
}

// ledgerFixture routes through the in-memory reservation ledger so the
// conditional-upsert semantics themselves are under test, not a scripted
// answer.
type ledgerFixture struct {
	tracker *fakeTracker
	live    *fakeLive
	push    *fakePush
	orch    *Orchestrator
}

func newLedgerFixture() *ledgerFixture {
	f := &ledgerFixture{
		tracker: &fakeTracker{},
		live:    &fakeLive{},
		push:    &fakePush{accepted: 1, total: 1},
	}
	m := metrics.New(prometheus.NewRegistry())
	f.orch = NewOrchestrator(f.tracker, f.live, f.push, newReservationLedger(), &fakeMarker{}, 5*time.Minute, m, zap.NewNop())
	return f
}

func reportActivityJob() Job {
	return NewJob(JobReportActivity, 4, Payload{
		Title:   "Report activity",
		Message: "New comment on a report you follow",
		Entity:  EntityRef{Type: "report", ID: 12},
	})
}

func TestSequentialNotificationsOnSameEntityAllDeliver(t *testing.T) {
	f := newLedgerFixture()

	// Two comments land while the follower is connected.
	f.tracker.online = true
	require.Equal(t, OutcomeSuccess, f.orch.RouteAndDispatch(context.Background(), reportActivityJob()))
	require.Equal(t, OutcomeSuccess, f.orch.RouteAndDispatch(context.Background(), reportActivityJob()))
	assert.Len(t, f.live.events, 2, "the second comment must reach an already-notified follower")

	// A third lands after they disconnect.
	f.tracker.online = false
	require.Equal(t, OutcomeSuccess, f.orch.RouteAndDispatch(context.Background(), reportActivityJob()))
	assert.Equal(t, 1, f.push.sends, "earlier live deliveries must not swallow a fresh wake-up")
}

func TestRetriedJobAfterLiveDispatchStaysQuiet(t *testing.T) {
	f := newLedgerFixture()
	f.tracker.online = true
	job := reportActivityJob()

	require.Equal(t, OutcomeSuccess, f.orch.RouteAndDispatch(context.Background(), job))
	require.Equal(t, OutcomeSuccess, f.orch.RouteAndDispatch(context.Background(), job))
	assert.Len(t, f.live.events, 1, "a redelivered job must not repeat the live event")

	// The recipient drops before a third redelivery of the same job; the
	// live send already reached them, so the wake-up channel stays quiet.
	f.tracker.online = false
	require.Equal(t, OutcomeSuccess, f.orch.RouteAndDispatch(context.Background(), job))
	assert.Zero(t, f.push.sends)
}

func TestConfirmedPushIsNeverReclaimed(t *testing.T) {
	f := newLedgerFixture()
	job := reportActivityJob()

	require.Equal(t, OutcomeSuccess, f.orch.RouteAndDispatch(context.Background(), job))
	require.Equal(t, 1, f.push.sends)

	require.Equal(t, OutcomeSuccess, f.orch.RouteAndDispatch(context.Background(), job))
	assert.Equal(t, 1, f.push.sends, "a confirmed send must not repeat on redelivery")
}

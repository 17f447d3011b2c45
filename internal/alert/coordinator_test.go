package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/siva9177/codeblue/internal/directory"
	"github.com/siva9177/codeblue/internal/dispatch"
	"github.com/siva9177/codeblue/internal/timeline"
	"github.com/siva9177/codeblue/pkg/logger"
	"github.com/siva9177/codeblue/pkg/models"
)

type notifyCall struct {
	recipients []uuid.UUID
	channels   []models.Channel
	payload    dispatch.Payload
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (f *fakeNotifier) Notify(recipients []uuid.UUID, channels []models.Channel, payload dispatch.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifyCall{recipients: recipients, channels: channels, payload: payload})
}

func (f *fakeNotifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeNotifier) call(i int) notifyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type fakeScheduler struct {
	mu    sync.Mutex
	armed map[uuid.UUID]time.Time
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{armed: make(map[uuid.UUID]time.Time)}
}

func (f *fakeScheduler) Arm(alertID uuid.UUID, fireAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[alertID] = fireAt
}

func (f *fakeScheduler) Disarm(alertID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.armed, alertID)
}

func (f *fakeScheduler) deadline(alertID uuid.UUID) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.armed[alertID]
	return at, ok
}

type coordinatorFixture struct {
	coordinator *Coordinator
	store       *Store
	recorder    *timeline.Recorder
	notifier    *fakeNotifier
	scheduler   *fakeScheduler
	nurses      []uuid.UUID
	chargeNurse uuid.UUID
}

func testTiers() []models.EscalationTier {
	return []models.EscalationTier{
		{Selector: "nurse_on_duty", Timeout: 2 * time.Minute},
		{Selector: "charge_nurse", Timeout: 3 * time.Minute},
		{Selector: "department_head", Timeout: 5 * time.Minute},
	}
}

func newCoordinatorFixture(t *testing.T, db *gorm.DB) *coordinatorFixture {
	t.Helper()

	nurses := []uuid.UUID{uuid.New(), uuid.New()}
	chargeNurse := uuid.New()
	gateway := directory.NewStaticDirectory(map[string][]uuid.UUID{
		"nurse_on_duty": nurses,
		"charge_nurse":  {chargeNurse},
	})

	log := logger.NewNopLogger()
	store := NewStore(db, log)
	recorder := timeline.NewRecorder(db, log, nil)
	notifier := &fakeNotifier{}
	scheduler := newFakeScheduler()
	policies := NewPolicyResolver(nil, testTiers())

	return &coordinatorFixture{
		coordinator: NewCoordinator(store, recorder, notifier, gateway, scheduler, policies, log),
		store:       store,
		recorder:    recorder,
		notifier:    notifier,
		scheduler:   scheduler,
		nurses:      nurses,
		chargeNurse: chargeNurse,
	}
}

func validCreateInput() CreateAlertInput {
	return CreateAlertInput{
		FacilityID:  uuid.New(),
		Location:    "Ward B, Room 12",
		Category:    models.CategoryCardiacArrest,
		Urgency:     5,
		Description: "Patient unresponsive",
	}
}

func TestCreateAlertHappyPath(t *testing.T) {
	fx := newCoordinatorFixture(t, setupTestDB(t))
	ctx := context.Background()

	before := time.Now().UTC()
	a, err := fx.coordinator.CreateAlert(ctx, validCreateInput())
	require.NoError(t, err)

	assert.Equal(t, models.AlertStatusActive, a.Status)
	assert.Equal(t, 1, a.CurrentTier)
	require.NotNil(t, a.NextEscalationDeadline)
	assert.WithinDuration(t, before.Add(2*time.Minute), *a.NextEscalationDeadline, 5*time.Second)

	// Tier-1 roster was notified
	require.Equal(t, 1, fx.notifier.callCount())
	call := fx.notifier.call(0)
	assert.ElementsMatch(t, fx.nurses, call.recipients)
	assert.Contains(t, call.channels, models.ChannelSMS, "urgency 5 pages over SMS")
	assert.Equal(t, 1, call.payload.Tier)

	// First deadline armed
	armedAt, ok := fx.scheduler.deadline(a.ID)
	require.True(t, ok)
	assert.Equal(t, *a.NextEscalationDeadline, armedAt)

	// Audit trail: created then notified, in that order
	events, err := fx.coordinator.Timeline(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventCreated, events[0].Kind)
	assert.Equal(t, models.EventNotified, events[1].Kind)
}

func TestCreateAlertValidation(t *testing.T) {
	fx := newCoordinatorFixture(t, setupTestDB(t))
	ctx := context.Background()

	bad := validCreateInput()
	bad.Category = "earthquake"
	_, err := fx.coordinator.CreateAlert(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidInput)

	bad = validCreateInput()
	bad.Urgency = 0
	_, err = fx.coordinator.CreateAlert(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidInput)

	bad = validCreateInput()
	bad.Urgency = 6
	_, err = fx.coordinator.CreateAlert(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidInput)

	bad = validCreateInput()
	bad.FacilityID = uuid.Nil
	_, err = fx.coordinator.CreateAlert(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidInput)

	bad = validCreateInput()
	bad.Location = "   "
	_, err = fx.coordinator.CreateAlert(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateAlertSanitizesText(t *testing.T) {
	fx := newCoordinatorFixture(t, setupTestDB(t))

	input := validCreateInput()
	input.Location = "<script>alert(1)</script>Ward C"
	input.Description = "<b>bleeding</b> heavily"

	a, err := fx.coordinator.CreateAlert(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "Ward C", a.Location)
	assert.Equal(t, "bleeding heavily", a.Description)
}

func TestCreateAlertAuditFailureRollsBack(t *testing.T) {
	db := setupTestDB(t)
	fx := newCoordinatorFixture(t, db)
	ctx := context.Background()

	require.NoError(t, db.Migrator().DropTable(&models.TimelineEvent{}))

	_, err := fx.coordinator.CreateAlert(ctx, validCreateInput())
	assert.ErrorIs(t, err, timeline.ErrAuditWriteFailed)

	// An alert without its audit trail never exists and is never delivered
	active, err := fx.store.ListActive(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Equal(t, 0, fx.notifier.callCount())
}

func TestAcknowledgeConcurrentSingleWinner(t *testing.T) {
	fx := newCoordinatorFixture(t, setupFileDB(t))
	ctx := context.Background()

	a, err := fx.coordinator.CreateAlert(ctx, validCreateInput())
	require.NoError(t, err)

	const callers = 8
	results := make([]*AcknowledgeResult, callers)
	errs := make([]error, callers)
	actors := make([]uuid.UUID, callers)
	for i := range actors {
		actors[i] = uuid.New()
	}

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = fx.coordinator.Acknowledge(ctx, a.ID, actors[i], "")
		}(i)
	}
	wg.Wait()

	winners := 0
	var winner *uuid.UUID
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		if results[i].Won {
			winners++
			winner = results[i].AcknowledgedBy
		}
	}
	require.Equal(t, 1, winners, "exactly one caller wins the acknowledgment race")

	// Losers all see the same winner
	for i := 0; i < callers; i++ {
		if !results[i].Won {
			require.NotNil(t, results[i].AcknowledgedBy)
			assert.Equal(t, *winner, *results[i].AcknowledgedBy)
		}
	}

	// One acknowledged event in the timeline, deadline disarmed
	count, err := fx.recorder.CountByKind(ctx, a.ID, models.EventAcknowledged)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	_, armed := fx.scheduler.deadline(a.ID)
	assert.False(t, armed)
}

func TestAcknowledgeAfterTerminalStatus(t *testing.T) {
	fx := newCoordinatorFixture(t, setupTestDB(t))
	ctx := context.Background()

	a, err := fx.coordinator.CreateAlert(ctx, validCreateInput())
	require.NoError(t, err)

	_, err = fx.coordinator.Resolve(ctx, a.ID, uuid.New())
	require.NoError(t, err)

	_, err = fx.coordinator.Acknowledge(ctx, a.ID, uuid.New(), "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAcknowledgeRecordsNotes(t *testing.T) {
	fx := newCoordinatorFixture(t, setupTestDB(t))
	ctx := context.Background()

	a, err := fx.coordinator.CreateAlert(ctx, validCreateInput())
	require.NoError(t, err)

	actor := uuid.New()
	result, err := fx.coordinator.Acknowledge(ctx, a.ID, actor, "  on my way  ")
	require.NoError(t, err)
	require.True(t, result.Won)

	got, err := fx.store.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AcknowledgedNotes)
	assert.Equal(t, "on my way", *got.AcknowledgedNotes)
	require.NotNil(t, got.AcknowledgedAt)
}

func TestResolveUnknownAlert(t *testing.T) {
	fx := newCoordinatorFixture(t, setupTestDB(t))

	_, err := fx.coordinator.Resolve(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelRequiresReason(t *testing.T) {
	fx := newCoordinatorFixture(t, setupTestDB(t))
	ctx := context.Background()

	a, err := fx.coordinator.CreateAlert(ctx, validCreateInput())
	require.NoError(t, err)

	_, err = fx.coordinator.Cancel(ctx, a.ID, uuid.New(), "  ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	got, err := fx.coordinator.Cancel(ctx, a.ID, uuid.New(), "scheduled fire drill")
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusCancelled, got.Status)

	events, err := fx.coordinator.Timeline(ctx, a.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, models.EventCancelled, last.Kind)
	assert.Equal(t, "scheduled fire drill", last.Metadata["reason"])
}

func TestEscalateAdvancesTier(t *testing.T) {
	fx := newCoordinatorFixture(t, setupTestDB(t))
	ctx := context.Background()

	a, err := fx.coordinator.CreateAlert(ctx, validCreateInput())
	require.NoError(t, err)

	require.NoError(t, fx.coordinator.Escalate(ctx, a.ID))

	got, err := fx.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentTier)
	assert.Equal(t, models.AlertStatusActive, got.Status)
	require.NotNil(t, got.NextEscalationDeadline)

	// Tier-2 roster notified, next deadline armed
	require.Equal(t, 2, fx.notifier.callCount())
	call := fx.notifier.call(1)
	assert.Equal(t, []uuid.UUID{fx.chargeNurse}, call.recipients)
	assert.Equal(t, 2, call.payload.Tier)

	armedAt, ok := fx.scheduler.deadline(a.ID)
	require.True(t, ok)
	assert.WithinDuration(t, armedAt, *got.NextEscalationDeadline, time.Second)

	events, err := fx.coordinator.Timeline(ctx, a.ID)
	require.NoError(t, err)
	kinds := make([]models.TimelineEventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []models.TimelineEventKind{
		models.EventCreated,
		models.EventNotified,
		models.EventEscalated,
		models.EventNotified,
	}, kinds)
}

func TestEscalateAfterAcknowledgeIsNoOp(t *testing.T) {
	fx := newCoordinatorFixture(t, setupTestDB(t))
	ctx := context.Background()

	a, err := fx.coordinator.CreateAlert(ctx, validCreateInput())
	require.NoError(t, err)

	result, err := fx.coordinator.Acknowledge(ctx, a.ID, uuid.New(), "")
	require.NoError(t, err)
	require.True(t, result.Won)

	// A stale timer firing after the acknowledgment changes nothing
	require.NoError(t, fx.coordinator.Escalate(ctx, a.ID))

	got, err := fx.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentTier)
	assert.Equal(t, models.AlertStatusAcknowledged, got.Status)

	count, err := fx.recorder.CountByKind(ctx, a.ID, models.EventEscalated)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestEscalateExhaustsChainOnce(t *testing.T) {
	fx := newCoordinatorFixture(t, setupTestDB(t))
	ctx := context.Background()

	a, err := fx.coordinator.CreateAlert(ctx, validCreateInput())
	require.NoError(t, err)

	// Walk the whole chain
	require.NoError(t, fx.coordinator.Escalate(ctx, a.ID)) // tier 2
	require.NoError(t, fx.coordinator.Escalate(ctx, a.ID)) // tier 3
	require.NoError(t, fx.coordinator.Escalate(ctx, a.ID)) // exhausted
	require.NoError(t, fx.coordinator.Escalate(ctx, a.ID)) // no-op

	got, err := fx.store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusActive, got.Status, "exhausted alerts remain active")
	assert.Equal(t, 3, got.CurrentTier)
	assert.Nil(t, got.NextEscalationDeadline)

	_, armed := fx.scheduler.deadline(a.ID)
	assert.False(t, armed)

	count, err := fx.recorder.CountByKind(ctx, a.ID, models.EventEscalationExhausted)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	// The exhausted alert can still be acknowledged and resolved
	result, err := fx.coordinator.Acknowledge(ctx, a.ID, uuid.New(), "")
	require.NoError(t, err)
	assert.True(t, result.Won)
}

func TestEscalateWithEmptyRoster(t *testing.T) {
	// No rosters configured at all: escalation timing must not stall
	db := setupTestDB(t)
	log := logger.NewNopLogger()
	store := NewStore(db, log)
	recorder := timeline.NewRecorder(db, log, nil)
	notifier := &fakeNotifier{}
	scheduler := newFakeScheduler()
	coordinator := NewCoordinator(store, recorder, notifier,
		directory.NewStaticDirectory(nil), scheduler,
		NewPolicyResolver(nil, testTiers()), log)

	ctx := context.Background()
	a, err := coordinator.CreateAlert(ctx, validCreateInput())
	require.NoError(t, err)

	call := notifier.call(0)
	assert.Empty(t, call.recipients)

	require.NoError(t, coordinator.Escalate(ctx, a.ID))
	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentTier)
	_, armed := scheduler.deadline(a.ID)
	assert.True(t, armed, "the next deadline is armed even with zero recipients")
}

func TestTimelineUnknownAlert(t *testing.T) {
	fx := newCoordinatorFixture(t, setupTestDB(t))

	_, err := fx.coordinator.Timeline(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/siva9177/codeblue/pkg/logger"
	"github.com/siva9177/codeblue/pkg/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	// A second pooled connection would see its own empty in-memory database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.NotificationAttempt{}))
	return db
}

// flakyTransport fails a fixed number of times per recipient before
// succeeding
type flakyTransport struct {
	mu       sync.Mutex
	failures int
	calls    map[uuid.UUID]int
}

func newFlakyTransport(failures int) *flakyTransport {
	return &flakyTransport{failures: failures, calls: make(map[uuid.UUID]int)}
}

func (f *flakyTransport) Send(_ context.Context, recipientID uuid.UUID, _ Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[recipientID]++
	if f.calls[recipientID] <= f.failures {
		return errors.New("provider timeout")
	}
	return nil
}

func (f *flakyTransport) callsFor(recipientID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[recipientID]
}

func testConfig() Config {
	return Config{
		MaxAttempts:    3,
		BackoffBase:    time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		AttemptTimeout: time.Second,
		Workers:        2,
		QueueSize:      16,
	}
}

func testPayload() Payload {
	return Payload{
		AlertID:    uuid.New(),
		FacilityID: uuid.New(),
		Category:   models.CategoryCardiacArrest,
		Urgency:    5,
		Location:   "ICU Room 4",
		Tier:       1,
	}
}

func attemptsFor(t *testing.T, db *gorm.DB, alertID uuid.UUID) []models.NotificationAttempt {
	t.Helper()
	var attempts []models.NotificationAttempt
	require.NoError(t, db.Where("alert_id = ?", alertID).Order("attempt_number ASC").Find(&attempts).Error)
	return attempts
}

// waitForAttempts polls the ledger until count rows exist for the alert.
// Stopping the dispatcher aborts in-flight retries, so tests wait for the
// ledger to settle first.
func waitForAttempts(t *testing.T, db *gorm.DB, alertID uuid.UUID, count int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(attemptsFor(t, db, alertID)) >= count
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	db := setupTestDB(t)
	transport := newFlakyTransport(2)
	d := NewDispatcher(db, logger.NewNopLogger(), map[models.Channel]Transport{
		models.ChannelPush: transport,
	}, testConfig())
	d.Start()

	recipient := uuid.New()
	payload := testPayload()
	d.Notify([]uuid.UUID{recipient}, []models.Channel{models.ChannelPush}, payload)

	waitForAttempts(t, db, payload.AlertID, 3)
	d.Stop()

	assert.Equal(t, 3, transport.callsFor(recipient))

	attempts := attemptsFor(t, db, payload.AlertID)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
		assert.Equal(t, recipient, a.RecipientID)
	}
	assert.Equal(t, models.OutcomeFailed, attempts[0].Outcome)
	assert.Equal(t, models.OutcomeFailed, attempts[1].Outcome)
	assert.Equal(t, models.OutcomeSent, attempts[2].Outcome)
	require.NotNil(t, attempts[0].ErrorDetail)
	assert.Equal(t, "provider timeout", *attempts[0].ErrorDetail)
}

func TestDispatcherPermanentFailureStopsAtMaxAttempts(t *testing.T) {
	db := setupTestDB(t)
	transport := newFlakyTransport(100)
	d := NewDispatcher(db, logger.NewNopLogger(), map[models.Channel]Transport{
		models.ChannelPush: transport,
	}, testConfig())
	d.Start()

	recipient := uuid.New()
	payload := testPayload()
	d.Notify([]uuid.UUID{recipient}, []models.Channel{models.ChannelPush}, payload)

	waitForAttempts(t, db, payload.AlertID, 3)
	d.Stop()

	assert.Equal(t, 3, transport.callsFor(recipient), "retries stop at max_attempts")

	attempts := attemptsFor(t, db, payload.AlertID)
	require.Len(t, attempts, 3)
	for _, a := range attempts {
		assert.Equal(t, models.OutcomeFailed, a.Outcome)
	}
}

// recipientTransport fails permanently for one recipient only
type recipientTransport struct {
	broken uuid.UUID
}

func (r *recipientTransport) Send(_ context.Context, recipientID uuid.UUID, _ Payload) error {
	if recipientID == r.broken {
		return errors.New("device unreachable")
	}
	return nil
}

func TestDispatcherFailingRecipientDoesNotAffectOthers(t *testing.T) {
	db := setupTestDB(t)

	healthy := uuid.New()
	broken := uuid.New()

	transport := &recipientTransport{broken: broken}
	d := NewDispatcher(db, logger.NewNopLogger(), map[models.Channel]Transport{
		models.ChannelPush: transport,
	}, testConfig())
	d.Start()

	payload := testPayload()
	d.Notify([]uuid.UUID{broken, healthy}, []models.Channel{models.ChannelPush}, payload)

	// 3 failed attempts for the broken recipient plus 1 sent for the healthy
	waitForAttempts(t, db, payload.AlertID, 4)
	d.Stop()

	var healthySent, brokenFailed int
	for _, a := range attemptsFor(t, db, payload.AlertID) {
		if a.RecipientID == healthy && a.Outcome == models.OutcomeSent {
			healthySent++
		}
		if a.RecipientID == broken && a.Outcome == models.OutcomeFailed {
			brokenFailed++
		}
	}
	assert.Equal(t, 1, healthySent, "the healthy recipient is delivered despite the broken one")
	assert.Equal(t, 3, brokenFailed)
}

func TestDispatcherAttemptNumbersSpanNotifies(t *testing.T) {
	db := setupTestDB(t)
	transport := newFlakyTransport(0)
	d := NewDispatcher(db, logger.NewNopLogger(), map[models.Channel]Transport{
		models.ChannelPush: transport,
	}, testConfig())
	d.Start()

	recipient := uuid.New()
	payload := testPayload()

	// Tier-1 notify, then the same recipient is paged again on escalation
	d.Notify([]uuid.UUID{recipient}, []models.Channel{models.ChannelPush}, payload)
	waitForAttempts(t, db, payload.AlertID, 1)

	payload.Tier = 2
	d.Notify([]uuid.UUID{recipient}, []models.Channel{models.ChannelPush}, payload)
	waitForAttempts(t, db, payload.AlertID, 2)
	d.Stop()

	attempts := attemptsFor(t, db, payload.AlertID)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, 2, attempts[1].AttemptNumber, "numbering stays monotonic across notifies")
}

// gateTransport blocks deliveries until released so tests can hold one
// delivery in flight while a second one arrives
type gateTransport struct {
	started chan struct{}
	release chan struct{}
}

func newGateTransport() *gateTransport {
	return &gateTransport{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (g *gateTransport) Send(_ context.Context, _ uuid.UUID, _ Payload) error {
	select {
	case g.started <- struct{}{}:
	default:
	}
	<-g.release
	return nil
}

func TestDispatcherOverlappingNotifiesStayMonotonic(t *testing.T) {
	db := setupTestDB(t)
	transport := newGateTransport()
	d := NewDispatcher(db, logger.NewNopLogger(), map[models.Channel]Transport{
		models.ChannelPush: transport,
	}, testConfig())
	d.Start()

	recipient := uuid.New()
	payload := testPayload()

	// Hold the tier-1 delivery in flight, then page the same recipient again
	// before it finishes
	d.Notify([]uuid.UUID{recipient}, []models.Channel{models.ChannelPush}, payload)
	select {
	case <-transport.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first delivery never started")
	}

	payload.Tier = 2
	d.Notify([]uuid.UUID{recipient}, []models.Channel{models.ChannelPush}, payload)

	close(transport.release)
	waitForAttempts(t, db, payload.AlertID, 2)
	d.Stop()

	attempts := attemptsFor(t, db, payload.AlertID)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, 2, attempts[1].AttemptNumber, "concurrent deliveries never share an attempt number")
}

func TestDispatcherNotifyAfterStopIsSafe(t *testing.T) {
	db := setupTestDB(t)
	transport := newFlakyTransport(0)
	d := NewDispatcher(db, logger.NewNopLogger(), map[models.Channel]Transport{
		models.ChannelPush: transport,
	}, testConfig())
	d.Start()
	d.Stop()

	payload := testPayload()
	assert.NotPanics(t, func() {
		d.Notify([]uuid.UUID{uuid.New()}, []models.Channel{models.ChannelPush}, payload)
	})
	assert.Empty(t, attemptsFor(t, db, payload.AlertID))
}

func TestDispatcherSkipsUnknownChannel(t *testing.T) {
	db := setupTestDB(t)
	d := NewDispatcher(db, logger.NewNopLogger(), map[models.Channel]Transport{}, testConfig())
	d.Start()

	payload := testPayload()
	d.Notify([]uuid.UUID{uuid.New()}, []models.Channel{models.ChannelSMS}, payload)
	d.Stop()

	assert.Empty(t, attemptsFor(t, db, payload.AlertID))
}

func TestChannelsForUrgency(t *testing.T) {
	low := ChannelsFor(2)
	assert.ElementsMatch(t, []models.Channel{models.ChannelInApp, models.ChannelPush}, low)

	high := ChannelsFor(4)
	assert.ElementsMatch(t, []models.Channel{models.ChannelInApp, models.ChannelPush, models.ChannelSMS}, high)
}

func TestDispatcherAttemptsByAlert(t *testing.T) {
	db := setupTestDB(t)
	transport := newFlakyTransport(1)
	d := NewDispatcher(db, logger.NewNopLogger(), map[models.Channel]Transport{
		models.ChannelPush: transport,
	}, testConfig())
	d.Start()

	payload := testPayload()
	d.Notify([]uuid.UUID{uuid.New()}, []models.Channel{models.ChannelPush}, payload)
	waitForAttempts(t, db, payload.AlertID, 2)
	d.Stop()

	attempts, err := d.AttemptsByAlert(context.Background(), payload.AlertID)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)

	other, err := d.AttemptsByAlert(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, other)
}

// Package dispatch delivers alert notifications to recipients over concrete
// channels with bounded retries. Delivery is best-effort and isolated: a
// failing recipient or channel never affects alert state, other recipients,
// or escalation timing.
package dispatch

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/siva9177/codeblue/pkg/metrics"
	"github.com/siva9177/codeblue/pkg/models"
)

// Payload carries the alert fields a transport needs to render a notification
type Payload struct {
	AlertID     uuid.UUID            `json:"alert_id"`
	FacilityID  uuid.UUID            `json:"facility_id"`
	Category    models.AlertCategory `json:"category"`
	Urgency     int                  `json:"urgency"`
	Location    string               `json:"location"`
	Description string               `json:"description"`
	Tier        int                  `json:"tier"`
}

// Transport sends one notification over one channel. Implementations talk to
// external providers and are expected to fail; errors feed the retry policy.
type Transport interface {
	Send(ctx context.Context, recipientID uuid.UUID, payload Payload) error
}

// Config is the dispatcher retry policy
type Config struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration
	Workers        int
	QueueSize      int
}

type task struct {
	recipientID uuid.UUID
	channel     models.Channel
	payload     Payload
}

// Dispatcher fans notifications out to a worker pool and records every
// delivery attempt in the ledger
type Dispatcher struct {
	db         *gorm.DB
	logger     *zap.Logger
	transports map[models.Channel]Transport
	cfg        Config

	queue chan task
	wg    sync.WaitGroup
	stop  chan struct{}
	once  sync.Once

	stopMu  sync.RWMutex
	stopped bool

	// deliveries for the same (alert, recipient, channel) triple must not
	// interleave or attempt numbering loses monotonicity
	tripleLocks [64]sync.Mutex
}

// NewDispatcher creates a dispatcher over the given channel transports
func NewDispatcher(db *gorm.DB, logger *zap.Logger, transports map[models.Channel]Transport, cfg Config) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 256
	}

	return &Dispatcher{
		db:         db,
		logger:     logger,
		transports: transports,
		cfg:        cfg,
		queue:      make(chan task, cfg.QueueSize),
		stop:       make(chan struct{}),
	}
}

// Start launches the worker pool
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop drains in-flight deliveries and shuts the pool down
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		close(d.stop)
		d.stopMu.Lock()
		d.stopped = true
		close(d.queue)
		d.stopMu.Unlock()
	})
	d.wg.Wait()
}

// Notify queues one delivery per recipient per channel. It never blocks the
// caller: when the queue is full the delivery runs on its own goroutine.
// Calls racing or following Stop drop the deliveries instead of panicking on
// the closed queue.
func (d *Dispatcher) Notify(recipients []uuid.UUID, channels []models.Channel, payload Payload) {
	d.stopMu.RLock()
	defer d.stopMu.RUnlock()
	if d.stopped {
		d.logger.Warn("Dispatcher stopped, dropping notifications",
			zap.String("alert_id", payload.AlertID.String()),
			zap.Int("recipients", len(recipients)))
		return
	}

	for _, recipient := range recipients {
		for _, channel := range channels {
			t := task{recipientID: recipient, channel: channel, payload: payload}
			select {
			case d.queue <- t:
			default:
				d.wg.Add(1)
				go func(t task) {
					defer d.wg.Done()
					d.deliver(t)
				}(t)
			}
		}
	}
}

// ChannelsFor selects delivery channels by urgency. Every alert reaches the
// in-app feed and push; high-urgency alerts additionally page over SMS.
func ChannelsFor(urgency int) []models.Channel {
	channels := []models.Channel{models.ChannelInApp, models.ChannelPush}
	if urgency >= 4 {
		channels = append(channels, models.ChannelSMS)
	}
	return channels
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for t := range d.queue {
		d.deliver(t)
	}
}

// deliver runs the bounded retry loop for one recipient/channel pair
func (d *Dispatcher) deliver(t task) {
	transport, ok := d.transports[t.channel]
	if !ok {
		d.logger.Warn("No transport for channel, skipping",
			zap.String("channel", string(t.channel)),
			zap.String("alert_id", t.payload.AlertID.String()))
		return
	}

	// Serialize deliveries for the same triple. An escalation can re-page a
	// recipient while an earlier tier's retry loop is still backing off; if
	// both read the ledger high-water mark concurrently they would record
	// duplicate attempt numbers.
	mu := d.tripleLock(t)
	mu.Lock()
	defer mu.Unlock()

	attemptNo := d.lastAttemptNumber(t)

	for i := 0; i < d.cfg.MaxAttempts; i++ {
		select {
		case <-d.stop:
			return
		default:
		}

		if i > 0 {
			// Exponential backoff, capped
			delay := d.cfg.BackoffBase << uint(i-1)
			if delay > d.cfg.BackoffMax {
				delay = d.cfg.BackoffMax
			}
			select {
			case <-d.stop:
				return
			case <-time.After(delay):
			}
		}

		attemptNo++
		sentAt := time.Now().UTC()

		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.AttemptTimeout)
		err := transport.Send(ctx, t.recipientID, t.payload)
		cancel()

		metrics.NotificationSendDuration.WithLabelValues(string(t.channel)).Observe(time.Since(sentAt).Seconds())

		attempt := &models.NotificationAttempt{
			ID:            uuid.New(),
			AlertID:       t.payload.AlertID,
			RecipientID:   t.recipientID,
			Channel:       t.channel,
			AttemptNumber: attemptNo,
			SentAt:        sentAt,
		}

		if err == nil {
			attempt.Outcome = models.OutcomeSent
			d.recordAttempt(attempt)
			metrics.NotificationAttempts.WithLabelValues(string(t.channel), string(models.OutcomeSent)).Inc()
			d.logger.Info("Notification sent",
				zap.String("alert_id", t.payload.AlertID.String()),
				zap.String("recipient_id", t.recipientID.String()),
				zap.String("channel", string(t.channel)),
				zap.Int("attempt", attemptNo))
			return
		}

		detail := err.Error()
		attempt.Outcome = models.OutcomeFailed
		attempt.ErrorDetail = &detail
		d.recordAttempt(attempt)
		metrics.NotificationAttempts.WithLabelValues(string(t.channel), string(models.OutcomeFailed)).Inc()
		d.logger.Warn("Notification attempt failed",
			zap.String("alert_id", t.payload.AlertID.String()),
			zap.String("recipient_id", t.recipientID.String()),
			zap.String("channel", string(t.channel)),
			zap.Int("attempt", attemptNo),
			zap.Int("max_attempts", d.cfg.MaxAttempts),
			zap.Error(err))
	}

	d.logger.Error("Notification permanently failed",
		zap.String("alert_id", t.payload.AlertID.String()),
		zap.String("recipient_id", t.recipientID.String()),
		zap.String("channel", string(t.channel)))
}

// lastAttemptNumber returns the highest attempt number already recorded for
// the (alert, recipient, channel) triple so numbering stays monotonic across
// repeated notifies
func (d *Dispatcher) lastAttemptNumber(t task) int {
	var max *int
	err := d.db.Model(&models.NotificationAttempt{}).
		Select("MAX(attempt_number)").
		Where("alert_id = ? AND recipient_id = ? AND channel = ?", t.payload.AlertID, t.recipientID, t.channel).
		Scan(&max).Error
	if err != nil || max == nil {
		return 0
	}
	return *max
}

func (d *Dispatcher) tripleLock(t task) *sync.Mutex {
	h := fnv.New32a()
	h.Write(t.payload.AlertID[:])
	h.Write(t.recipientID[:])
	h.Write([]byte(t.channel))
	return &d.tripleLocks[h.Sum32()%uint32(len(d.tripleLocks))]
}

// recordAttempt persists one ledger row. The attempt ledger is best-effort:
// a storage failure is logged, never surfaced.
func (d *Dispatcher) recordAttempt(attempt *models.NotificationAttempt) {
	attempt.CreatedAt = time.Now().UTC()
	if err := d.db.Create(attempt).Error; err != nil {
		d.logger.Error("Failed to record notification attempt",
			zap.String("alert_id", attempt.AlertID.String()),
			zap.String("recipient_id", attempt.RecipientID.String()),
			zap.Error(err))
	}
}

// AttemptsByAlert returns the full delivery ledger for one alert
func (d *Dispatcher) AttemptsByAlert(ctx context.Context, alertID uuid.UUID) ([]models.NotificationAttempt, error) {
	var attempts []models.NotificationAttempt
	err := d.db.WithContext(ctx).
		Where("alert_id = ?", alertID).
		Order("created_at ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

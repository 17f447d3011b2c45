// Package timeline provides the append-only audit trail for alert
// transitions. Events are never updated or deleted; per-alert ordering is
// carried by a store-assigned sequence.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/siva9177/codeblue/pkg/models"
)

// ErrAuditWriteFailed marks a transition whose compliance record could not be
// durably written. Operations that see it must fail rather than proceed.
var ErrAuditWriteFailed = errors.New("audit write failed")

// Publisher forwards recorded events to downstream audit/analytics consumers.
// Publishing is best-effort and never affects the durable trail.
type Publisher interface {
	Publish(ctx context.Context, event *models.TimelineEvent) error
	Close() error
}

// Recorder appends immutable timeline events
type Recorder struct {
	db        *gorm.DB
	logger    *zap.Logger
	publisher Publisher
}

// NewRecorder creates a new timeline recorder. publisher may be nil.
func NewRecorder(db *gorm.DB, logger *zap.Logger, publisher Publisher) *Recorder {
	return &Recorder{
		db:        db,
		logger:    logger,
		publisher: publisher,
	}
}

// Record durably appends one event. The write must succeed before the
// triggering operation is considered complete; a storage failure is returned
// as ErrAuditWriteFailed.
func (r *Recorder) Record(ctx context.Context, event *models.TimelineEvent) error {
	return r.RecordIn(r.db.WithContext(ctx), event)
}

// RecordIn appends one event using the given transaction handle so the event
// commits atomically with the state transition that produced it.
func (r *Recorder) RecordIn(tx *gorm.DB, event *models.TimelineEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	if err := tx.Create(event).Error; err != nil {
		r.logger.Error("Failed to store timeline event",
			zap.String("alert_id", event.AlertID.String()),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
	}

	r.logger.Debug("Timeline event recorded",
		zap.String("alert_id", event.AlertID.String()),
		zap.String("kind", string(event.Kind)),
		zap.Int64("seq", event.Seq))

	if r.publisher != nil {
		r.publishAsync(event)
	}

	return nil
}

// publishAsync forwards the event to the stream without blocking the caller
func (r *Recorder) publishAsync(event *models.TimelineEvent) {
	ev := *event
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.publisher.Publish(ctx, &ev); err != nil {
			r.logger.Warn("Timeline event publish failed",
				zap.String("alert_id", ev.AlertID.String()),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
		}
	}()
}

// ListByAlert returns every event for one alert in recorded order
func (r *Recorder) ListByAlert(ctx context.Context, alertID uuid.UUID) ([]models.TimelineEvent, error) {
	var events []models.TimelineEvent
	err := r.db.WithContext(ctx).
		Where("alert_id = ?", alertID).
		Order("seq ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline events: %w", err)
	}
	return events, nil
}

// CountByKind returns the number of events of one kind for one alert
func (r *Recorder) CountByKind(ctx context.Context, alertID uuid.UUID, kind models.TimelineEventKind) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.TimelineEvent{}).
		Where("alert_id = ? AND kind = ?", alertID, kind).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count timeline events: %w", err)
	}
	return count, nil
}

package alert

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

// Store owns durable alert records. Every state transition goes through an
// atomic conditional update guarded on the current status (and tier where a
// stale timer could race), never a read-then-write. The store is the single
// source of truth; the scheduler's timer set is a rehydratable cache over
// the persisted next_escalation_deadline column.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore creates an alert store
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Handle exposes the underlying gorm handle so append-only writes (timeline,
// attempts) can share a transaction with a transition
func (s *Store) Handle() *gorm.DB {
	return s.db
}

// Transaction runs fn against a transaction-bound copy of the store
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, logger: s.logger})
	})
}

// Create persists a new alert
func (s *Store) Create(ctx context.Context, alert *models.Alert) error {
	if err := s.db.WithContext(ctx).Create(alert).Error; err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// Get returns one alert by id
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Alert, error) {
	var alert models.Alert
	err := s.db.WithContext(ctx).First(&alert, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return &alert, nil
}

// ListActive returns active alerts, optionally filtered by facility, newest
// first
func (s *Store) ListActive(ctx context.Context, facilityID *uuid.UUID) ([]models.Alert, error) {
	q := s.db.WithContext(ctx).Where("status = ?", models.AlertStatusActive)
	if facilityID != nil {
		q = q.Where("facility_id = ?", *facilityID)
	}
	var alerts []models.Alert
	if err := q.Order("created_at DESC").Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to list active alerts: %w", err)
	}
	return alerts, nil
}

// ListArmed returns active alerts that still carry a persisted escalation
// deadline, for scheduler rehydration after a restart
func (s *Store) ListArmed(ctx context.Context) ([]models.Alert, error) {
	var alerts []models.Alert
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_escalation_deadline IS NOT NULL", models.AlertStatusActive).
		Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list armed alerts: %w", err)
	}
	return alerts, nil
}

// Acknowledge applies the first-writer-wins acknowledgment: the update lands
// only if the alert is still active. Returns true when this caller won.
func (s *Store) Acknowledge(ctx context.Context, id, actorID uuid.UUID, notes *string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("id = ? AND status = ?", id, models.AlertStatusActive).
		Updates(map[string]interface{}{
			"status":                   models.AlertStatusAcknowledged,
			"acknowledged_by":          actorID,
			"acknowledged_at":          at,
			"acknowledged_notes":       notes,
			"next_escalation_deadline": nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to acknowledge alert: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Resolve closes an alert from active or acknowledged status. Returns true
// when the update landed.
func (s *Store) Resolve(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("id = ? AND status IN ?", id, []models.AlertStatus{models.AlertStatusActive, models.AlertStatusAcknowledged}).
		Updates(map[string]interface{}{
			"status":                   models.AlertStatusResolved,
			"resolved_at":              at,
			"next_escalation_deadline": nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to resolve alert: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Cancel marks an active alert as a false alarm. Returns true when the
// update landed.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("id = ? AND status = ?", id, models.AlertStatusActive).
		Updates(map[string]interface{}{
			"status":                   models.AlertStatusCancelled,
			"cancel_reason":            reason,
			"resolved_at":              at,
			"next_escalation_deadline": nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to cancel alert: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// AdvanceTier moves an active alert from fromTier to toTier and arms the next
// persisted deadline. The tier guard makes stale timer firings no-ops: a
// timer that lost the race against an acknowledgment or a concurrent
// escalation changes nothing.
func (s *Store) AdvanceTier(ctx context.Context, id uuid.UUID, fromTier, toTier int, deadline time.Time) (bool, error) {
	if toTier < fromTier {
		return false, fmt.Errorf("tier must not decrease: %d -> %d", fromTier, toTier)
	}
	res := s.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("id = ? AND status = ? AND current_tier = ?", id, models.AlertStatusActive, fromTier).
		Updates(map[string]interface{}{
			"current_tier":             toTier,
			"next_escalation_deadline": deadline,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to advance alert tier: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Exhaust clears the deadline of an active alert whose chain ran out. The
// deadline guard makes the exhaustion transition land at most once.
func (s *Store) Exhaust(ctx context.Context, id uuid.UUID, atTier int) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("id = ? AND status = ? AND current_tier = ? AND next_escalation_deadline IS NOT NULL",
			id, models.AlertStatusActive, atTier).
		Update("next_escalation_deadline", nil)
	if res.Error != nil {
		return false, fmt.Errorf("failed to clear escalation deadline: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

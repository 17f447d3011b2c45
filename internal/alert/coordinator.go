// Package alert implements the alert lifecycle: creation, race-safe
// acknowledgment, timed escalation through an ordered tier chain, and
// terminal resolution, with a durable audit trail for every transition.
package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/siva9177/codeblue/internal/directory"
	"github.com/siva9177/codeblue/internal/dispatch"
	"github.com/siva9177/codeblue/internal/timeline"
	"github.com/siva9177/codeblue/pkg/metrics"
	"github.com/siva9177/codeblue/pkg/models"
)

// escalateRetryDelay re-arms a deadline whose firing could not be applied
// (e.g. the audit store was briefly unavailable)
const escalateRetryDelay = 15 * time.Second

// Notifier abstracts the dispatcher so the coordinator never blocks on
// delivery
type Notifier interface {
	Notify(recipients []uuid.UUID, channels []models.Channel, payload dispatch.Payload)
}

// DeadlineScheduler abstracts the escalation scheduler
type DeadlineScheduler interface {
	Arm(alertID uuid.UUID, fireAt time.Time)
	Disarm(alertID uuid.UUID)
}

// CreateAlertInput is a request to raise a new alert
type CreateAlertInput struct {
	FacilityID  uuid.UUID            `json:"facility_id" binding:"required"`
	PatientID   *uuid.UUID           `json:"patient_id,omitempty"`
	Location    string               `json:"location" binding:"required"`
	Category    models.AlertCategory `json:"category" binding:"required"`
	Urgency     int                  `json:"urgency" binding:"required"`
	Description string               `json:"description,omitempty"`
	CreatedBy   *uuid.UUID           `json:"created_by,omitempty"`
}

// AcknowledgeResult reports the outcome of an acknowledgment attempt. Losing
// the race is a normal outcome, not an error.
type AcknowledgeResult struct {
	Won            bool       `json:"won"`
	AcknowledgedBy *uuid.UUID `json:"acknowledged_by,omitempty"`
}

// Coordinator owns every alert mutation and orchestrates the store,
// directory, dispatcher, scheduler and timeline recorder
type Coordinator struct {
	store     *Store
	recorder  *timeline.Recorder
	notifier  Notifier
	directory directory.Gateway
	scheduler DeadlineScheduler
	policies  *PolicyResolver
	sanitizer *bluemonday.Policy
	logger    *zap.Logger
	now       func() time.Time
}

// NewCoordinator creates the alert coordinator
func NewCoordinator(
	store *Store,
	recorder *timeline.Recorder,
	notifier Notifier,
	gateway directory.Gateway,
	scheduler DeadlineScheduler,
	policies *PolicyResolver,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		store:     store,
		recorder:  recorder,
		notifier:  notifier,
		directory: gateway,
		scheduler: scheduler,
		policies:  policies,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger,
		now:       time.Now,
	}
}

// CreateAlert validates and persists a new active alert at tier 1, initiates
// tier-1 notifications, and arms the first escalation deadline. It returns
// once the alert and its audit trail are durable; deliveries proceed in the
// background.
func (c *Coordinator) CreateAlert(ctx context.Context, input CreateAlertInput) (*models.Alert, error) {
	if !input.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidInput, input.Category)
	}
	if input.Urgency < models.UrgencyMin || input.Urgency > models.UrgencyMax {
		return nil, fmt.Errorf("%w: urgency must be between %d and %d", ErrInvalidInput, models.UrgencyMin, models.UrgencyMax)
	}
	if input.FacilityID == uuid.Nil {
		return nil, fmt.Errorf("%w: facility id is required", ErrInvalidInput)
	}
	location := c.clean(input.Location)
	if location == "" {
		return nil, fmt.Errorf("%w: location is required", ErrInvalidInput)
	}

	policy := c.policies.PolicyFor(input.FacilityID, input.Category)
	tier1, ok := policy.TierAt(1)
	if !ok {
		return nil, fmt.Errorf("no escalation tiers configured for category %q", input.Category)
	}

	now := c.now().UTC()
	deadlineAt := now.Add(tier1.Timeout)

	alert := &models.Alert{
		ID:                     uuid.New(),
		FacilityID:             input.FacilityID,
		PatientID:              input.PatientID,
		Location:               location,
		Category:               input.Category,
		Urgency:                input.Urgency,
		Description:            c.clean(input.Description),
		Status:                 models.AlertStatusActive,
		CurrentTier:            1,
		NextEscalationDeadline: &deadlineAt,
	}
	if err := models.ValidateStruct(alert); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	recipients := c.resolveRecipients(ctx, alert.FacilityID, tier1.Selector, now)
	channels := dispatch.ChannelsFor(alert.Urgency)

	err := c.store.Transaction(ctx, func(tx *Store) error {
		if err := tx.Create(ctx, alert); err != nil {
			return err
		}
		if err := c.recorder.RecordIn(tx.Handle(), &models.TimelineEvent{
			AlertID: alert.ID,
			Kind:    models.EventCreated,
			ActorID: input.CreatedBy,
			Metadata: map[string]interface{}{
				"category": string(alert.Category),
				"urgency":  alert.Urgency,
				"location": alert.Location,
			},
		}); err != nil {
			return err
		}
		return c.recorder.RecordIn(tx.Handle(), notifiedEvent(alert.ID, 1, tier1.Selector, recipients, channels))
	})
	if err != nil {
		return nil, err
	}

	metrics.AlertsCreated.WithLabelValues(string(alert.Category)).Inc()
	c.logger.Info("Alert created",
		zap.String("alert_id", alert.ID.String()),
		zap.String("facility_id", alert.FacilityID.String()),
		zap.String("category", string(alert.Category)),
		zap.Int("urgency", alert.Urgency))

	c.notifier.Notify(recipients, channels, c.payload(alert))
	c.scheduler.Arm(alert.ID, deadlineAt)

	return alert, nil
}

// Acknowledge applies a first-writer-wins acknowledgment. Exactly one caller
// wins even under concurrent attempts; later callers get the winner's id.
func (c *Coordinator) Acknowledge(ctx context.Context, alertID, actorID uuid.UUID, notes string) (*AcknowledgeResult, error) {
	var notesPtr *string
	if cleaned := c.clean(notes); cleaned != "" {
		notesPtr = &cleaned
	}

	now := c.now().UTC()
	var won bool
	err := c.store.Transaction(ctx, func(tx *Store) error {
		var txErr error
		won, txErr = tx.Acknowledge(ctx, alertID, actorID, notesPtr, now)
		if txErr != nil {
			return txErr
		}
		if !won {
			return nil
		}
		meta := map[string]interface{}{}
		if notesPtr != nil {
			meta["notes"] = *notesPtr
		}
		return c.recorder.RecordIn(tx.Handle(), &models.TimelineEvent{
			AlertID:  alertID,
			Kind:     models.EventAcknowledged,
			ActorID:  &actorID,
			Metadata: meta,
		})
	})
	if err != nil {
		return nil, err
	}

	if won {
		c.scheduler.Disarm(alertID)
		metrics.AlertsAcknowledged.WithLabelValues("won").Inc()
		c.logger.Info("Alert acknowledged",
			zap.String("alert_id", alertID.String()),
			zap.String("actor_id", actorID.String()))
		return &AcknowledgeResult{Won: true, AcknowledgedBy: &actorID}, nil
	}

	// Lost the conditional update: distinguish a lost race from an illegal
	// transition.
	existing, err := c.store.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if existing.Status == models.AlertStatusAcknowledged {
		metrics.AlertsAcknowledged.WithLabelValues("lost").Inc()
		return &AcknowledgeResult{Won: false, AcknowledgedBy: existing.AcknowledgedBy}, nil
	}
	return nil, fmt.Errorf("%w: cannot acknowledge alert in status %q", ErrInvalidState, existing.Status)
}

// Resolve closes an alert from active or acknowledged status
func (c *Coordinator) Resolve(ctx context.Context, alertID, actorID uuid.UUID) (*models.Alert, error) {
	now := c.now().UTC()
	var resolved bool
	err := c.store.Transaction(ctx, func(tx *Store) error {
		var txErr error
		resolved, txErr = tx.Resolve(ctx, alertID, now)
		if txErr != nil {
			return txErr
		}
		if !resolved {
			return nil
		}
		return c.recorder.RecordIn(tx.Handle(), &models.TimelineEvent{
			AlertID: alertID,
			Kind:    models.EventResolved,
			ActorID: &actorID,
		})
	})
	if err != nil {
		return nil, err
	}

	if !resolved {
		existing, err := c.store.Get(ctx, alertID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: cannot resolve alert in status %q", ErrInvalidState, existing.Status)
	}

	c.scheduler.Disarm(alertID)
	c.logger.Info("Alert resolved",
		zap.String("alert_id", alertID.String()),
		zap.String("actor_id", actorID.String()))

	return c.store.Get(ctx, alertID)
}

// Cancel marks an active alert as a false alarm
func (c *Coordinator) Cancel(ctx context.Context, alertID, actorID uuid.UUID, reason string) (*models.Alert, error) {
	cleaned := c.clean(reason)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: cancellation reason is required", ErrInvalidInput)
	}

	now := c.now().UTC()
	var cancelled bool
	err := c.store.Transaction(ctx, func(tx *Store) error {
		var txErr error
		cancelled, txErr = tx.Cancel(ctx, alertID, cleaned, now)
		if txErr != nil {
			return txErr
		}
		if !cancelled {
			return nil
		}
		return c.recorder.RecordIn(tx.Handle(), &models.TimelineEvent{
			AlertID:  alertID,
			Kind:     models.EventCancelled,
			ActorID:  &actorID,
			Metadata: map[string]interface{}{"reason": cleaned},
		})
	})
	if err != nil {
		return nil, err
	}

	if !cancelled {
		existing, err := c.store.Get(ctx, alertID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: cannot cancel alert in status %q", ErrInvalidState, existing.Status)
	}

	c.scheduler.Disarm(alertID)
	c.logger.Info("Alert cancelled",
		zap.String("alert_id", alertID.String()),
		zap.String("actor_id", actorID.String()),
		zap.String("reason", cleaned))

	return c.store.Get(ctx, alertID)
}

// Escalate advances an unacknowledged alert to its next tier. It is invoked
// by the scheduler on deadline expiry, never by callers. A firing that races
// with a just-completed acknowledgment (or another firing) is a silent no-op.
func (c *Coordinator) Escalate(ctx context.Context, alertID uuid.UUID) error {
	a, err := c.store.Get(ctx, alertID)
	if err != nil {
		return err
	}
	if a.Status != models.AlertStatusActive {
		c.logger.Debug("Stale escalation timer ignored",
			zap.String("alert_id", alertID.String()),
			zap.String("status", string(a.Status)))
		return nil
	}

	policy := c.policies.PolicyFor(a.FacilityID, a.Category)
	now := c.now().UTC()
	nextTier := a.CurrentTier + 1

	tier, ok := policy.TierAt(nextTier)
	if !ok {
		return c.exhaust(ctx, a)
	}

	deadlineAt := now.Add(tier.Timeout)
	recipients := c.resolveRecipients(ctx, a.FacilityID, tier.Selector, now)
	channels := dispatch.ChannelsFor(a.Urgency)

	var advanced bool
	err = c.store.Transaction(ctx, func(tx *Store) error {
		var txErr error
		advanced, txErr = tx.AdvanceTier(ctx, a.ID, a.CurrentTier, nextTier, deadlineAt)
		if txErr != nil {
			return txErr
		}
		if !advanced {
			return nil
		}
		if err := c.recorder.RecordIn(tx.Handle(), &models.TimelineEvent{
			AlertID: a.ID,
			Kind:    models.EventEscalated,
			Metadata: map[string]interface{}{
				"from_tier":  a.CurrentTier,
				"to_tier":    nextTier,
				"selector":   tier.Selector,
				"recipients": uuidStrings(recipients),
			},
		}); err != nil {
			return err
		}
		return c.recorder.RecordIn(tx.Handle(), notifiedEvent(a.ID, nextTier, tier.Selector, recipients, channels))
	})
	if err != nil {
		// The deadline was consumed by the scheduler but the transition did
		// not land; re-arm so the escalation is retried.
		c.scheduler.Arm(a.ID, c.now().Add(escalateRetryDelay))
		return err
	}
	if !advanced {
		c.logger.Debug("Escalation lost the transition race",
			zap.String("alert_id", a.ID.String()),
			zap.Int("from_tier", a.CurrentTier))
		return nil
	}

	metrics.AlertsEscalated.WithLabelValues(fmt.Sprintf("%d", nextTier)).Inc()
	c.logger.Info("Alert escalated",
		zap.String("alert_id", a.ID.String()),
		zap.Int("from_tier", a.CurrentTier),
		zap.Int("to_tier", nextTier),
		zap.Int("recipients", len(recipients)))

	c.notifier.Notify(recipients, channels, c.payloadAtTier(a, nextTier))
	c.scheduler.Arm(a.ID, deadlineAt)

	return nil
}

// exhaust records the end of the escalation chain exactly once; the alert
// stays active with no deadline, pending manual follow-up
func (c *Coordinator) exhaust(ctx context.Context, a *models.Alert) error {
	var cleared bool
	err := c.store.Transaction(ctx, func(tx *Store) error {
		var txErr error
		cleared, txErr = tx.Exhaust(ctx, a.ID, a.CurrentTier)
		if txErr != nil {
			return txErr
		}
		if !cleared {
			return nil
		}
		return c.recorder.RecordIn(tx.Handle(), &models.TimelineEvent{
			AlertID:  a.ID,
			Kind:     models.EventEscalationExhausted,
			Metadata: map[string]interface{}{"tier": a.CurrentTier},
		})
	})
	if err != nil {
		c.scheduler.Arm(a.ID, c.now().Add(escalateRetryDelay))
		return err
	}
	if !cleared {
		return nil
	}

	c.scheduler.Disarm(a.ID)
	metrics.EscalationsExhausted.Inc()
	c.logger.Warn("Escalation chain exhausted, alert requires manual follow-up",
		zap.String("alert_id", a.ID.String()),
		zap.Int("tier", a.CurrentTier))
	return nil
}

// GetAlert returns one alert by id
func (c *Coordinator) GetAlert(ctx context.Context, alertID uuid.UUID) (*models.Alert, error) {
	return c.store.Get(ctx, alertID)
}

// ActiveAlerts returns active alerts, optionally for one facility
func (c *Coordinator) ActiveAlerts(ctx context.Context, facilityID *uuid.UUID) ([]models.Alert, error) {
	return c.store.ListActive(ctx, facilityID)
}

// Timeline returns the audit trail for one alert in recorded order
func (c *Coordinator) Timeline(ctx context.Context, alertID uuid.UUID) ([]models.TimelineEvent, error) {
	if _, err := c.store.Get(ctx, alertID); err != nil {
		return nil, err
	}
	return c.recorder.ListByAlert(ctx, alertID)
}

// resolveRecipients looks up the on-duty roster for a tier. Directory
// failures degrade to zero recipients; escalation timing never stalls on
// the directory.
func (c *Coordinator) resolveRecipients(ctx context.Context, facilityID uuid.UUID, selector string, at time.Time) []uuid.UUID {
	recipients, err := c.directory.ResolveOnDutyRecipients(ctx, facilityID, selector, at)
	if err != nil {
		metrics.DirectoryLookupFailures.Inc()
		c.logger.Error("Directory lookup failed, proceeding with zero recipients",
			zap.String("facility_id", facilityID.String()),
			zap.String("selector", selector),
			zap.Error(err))
		return []uuid.UUID{}
	}
	return recipients
}

// notifiedEvent builds the per-tier notification event. It is recorded in the
// same transaction as the transition it belongs to, so the audit trail never
// shows a tier escalating before its notification.
func notifiedEvent(alertID uuid.UUID, tier int, selector string, recipients []uuid.UUID, channels []models.Channel) *models.TimelineEvent {
	return &models.TimelineEvent{
		AlertID: alertID,
		Kind:    models.EventNotified,
		Metadata: map[string]interface{}{
			"tier":       tier,
			"selector":   selector,
			"recipients": uuidStrings(recipients),
			"channels":   channelStrings(channels),
		},
	}
}

func (c *Coordinator) payload(a *models.Alert) dispatch.Payload {
	return c.payloadAtTier(a, a.CurrentTier)
}

func (c *Coordinator) payloadAtTier(a *models.Alert, tier int) dispatch.Payload {
	return dispatch.Payload{
		AlertID:     a.ID,
		FacilityID:  a.FacilityID,
		Category:    a.Category,
		Urgency:     a.Urgency,
		Location:    a.Location,
		Description: a.Description,
		Tier:        tier,
	}
}

// clean strips markup and surrounding whitespace from caller-supplied text
func (c *Coordinator) clean(s string) string {
	return strings.TrimSpace(c.sanitizer.Sanitize(s))
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func channelStrings(channels []models.Channel) []string {
	out := make([]string, len(channels))
	for i, ch := range channels {
		out[i] = string(ch)
	}
	return out
}

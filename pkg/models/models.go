// Package models defines the persistent domain model of the alert engine.
package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

// ValidateStruct checks a model against its declared validation tags
func ValidateStruct(v interface{}) error {
	return validate.Struct(v)
}

// AlertStatus represents the lifecycle state of an alert
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusCancelled    AlertStatus = "cancelled"
)

// Terminal reports whether no further escalation may occur from this status.
// Acknowledged alerts are terminal with respect to escalation but may still
// be resolved.
func (s AlertStatus) Terminal() bool {
	return s == AlertStatusAcknowledged || s == AlertStatusResolved || s == AlertStatusCancelled
}

// AlertCategory represents the kind of emergency being raised
type AlertCategory string

const (
	CategoryCardiacArrest AlertCategory = "cardiac_arrest"
	CategoryFire          AlertCategory = "fire"
	CategorySecurity      AlertCategory = "security"
	CategoryGeneral       AlertCategory = "general"
)

// Valid reports whether the category is part of the enumerated domain
func (c AlertCategory) Valid() bool {
	switch c {
	case CategoryCardiacArrest, CategoryFire, CategorySecurity, CategoryGeneral:
		return true
	}
	return false
}

// Urgency bounds for the ordered 1-5 urgency scale
const (
	UrgencyMin = 1
	UrgencyMax = 5
)

// Alert represents one emergency notification tracked through its lifecycle
type Alert struct {
	ID          uuid.UUID     `json:"id" gorm:"primaryKey;type:uuid" validate:"required"`
	FacilityID  uuid.UUID     `json:"facility_id" gorm:"type:uuid;index" validate:"required"`
	PatientID   *uuid.UUID    `json:"patient_id,omitempty" gorm:"type:uuid;index" validate:"omitempty"`
	Location    string        `json:"location" validate:"required,max=120"`
	Category    AlertCategory `json:"category" gorm:"index" validate:"required,oneof=cardiac_arrest fire security general"`
	Urgency     int           `json:"urgency" validate:"required,min=1,max=5"`
	Description string        `json:"description" validate:"omitempty,max=2000"`

	Status                 AlertStatus `json:"status" gorm:"index" validate:"required,oneof=active acknowledged resolved cancelled"`
	CurrentTier            int         `json:"current_tier"` // starts at 1, never decreases while active
	AcknowledgedBy         *uuid.UUID  `json:"acknowledged_by,omitempty" gorm:"type:uuid"`
	AcknowledgedAt         *time.Time  `json:"acknowledged_at,omitempty"`
	AcknowledgedNotes      *string     `json:"acknowledged_notes,omitempty"`
	ResolvedAt             *time.Time  `json:"resolved_at,omitempty"`
	CancelReason           *string     `json:"cancel_reason,omitempty"`
	NextEscalationDeadline *time.Time  `json:"next_escalation_deadline,omitempty" gorm:"index"` // nil unless status is active and tiers remain

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TimelineEventKind identifies the transition a timeline event records
type TimelineEventKind string

const (
	EventCreated             TimelineEventKind = "created"
	EventNotified            TimelineEventKind = "notified"
	EventAcknowledged        TimelineEventKind = "acknowledged"
	EventEscalated           TimelineEventKind = "escalated"
	EventEscalationExhausted TimelineEventKind = "escalation_exhausted"
	EventResolved            TimelineEventKind = "resolved"
	EventCancelled           TimelineEventKind = "cancelled"
)

// TimelineEvent is one immutable audit record for an alert transition.
// Seq is a store-assigned monotonic sequence so per-alert ordering is stable
// even when events land within the same clock tick.
type TimelineEvent struct {
	Seq       int64                  `json:"seq" gorm:"primaryKey;autoIncrement"`
	ID        uuid.UUID              `json:"id" gorm:"type:uuid;uniqueIndex" validate:"required"`
	AlertID   uuid.UUID              `json:"alert_id" gorm:"type:uuid;index" validate:"required"`
	Kind      TimelineEventKind      `json:"kind" gorm:"index" validate:"required"`
	ActorID   *uuid.UUID             `json:"actor_id,omitempty" gorm:"type:uuid"` // nil for system-generated events
	Metadata  map[string]interface{} `json:"metadata,omitempty" gorm:"serializer:json"`
	CreatedAt time.Time              `json:"created_at" gorm:"index"`
}

// Channel represents a notification delivery channel
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelInApp Channel = "in_app"
)

// AttemptOutcome represents the terminal result of one delivery attempt
type AttemptOutcome string

const (
	OutcomeSent      AttemptOutcome = "sent"
	OutcomeDelivered AttemptOutcome = "delivered"
	OutcomeFailed    AttemptOutcome = "failed"
)

// NotificationAttempt is one delivery try to one recipient over one channel
type NotificationAttempt struct {
	ID            uuid.UUID      `json:"id" gorm:"primaryKey;type:uuid" validate:"required"`
	AlertID       uuid.UUID      `json:"alert_id" gorm:"type:uuid;index" validate:"required"`
	RecipientID   uuid.UUID      `json:"recipient_id" gorm:"type:uuid;index" validate:"required"`
	Channel       Channel        `json:"channel" validate:"required,oneof=push sms email in_app"`
	AttemptNumber int            `json:"attempt_number" validate:"min=1"` // monotonic per (alert, recipient, channel)
	Outcome       AttemptOutcome `json:"outcome" validate:"required,oneof=sent delivered failed"`
	ErrorDetail   *string        `json:"error_detail,omitempty"`
	SentAt        time.Time      `json:"sent_at"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
	OpenedAt      *time.Time     `json:"opened_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// EscalationTier is one ordered escalation step: who to page and how long to
// wait for an acknowledgment before moving on
type EscalationTier struct {
	Selector string        `json:"selector" yaml:"selector" validate:"required"` // role/department selector resolved by the directory
	Timeout  time.Duration `json:"timeout" yaml:"timeout" validate:"required,gt=0"`
}

// EscalationPolicy is the ordered tier chain applied to alerts of one
// facility/category pair. Policies are configuration, not per-alert state.
type EscalationPolicy struct {
	FacilityID *uuid.UUID       `json:"facility_id,omitempty" yaml:"facility_id"` // nil means any facility
	Category   AlertCategory    `json:"category" yaml:"category"`
	Tiers      []EscalationTier `json:"tiers" yaml:"tiers" validate:"required,min=1,dive"`
}

// TierAt returns the tier definition for a 1-based tier number, or false when
// the chain is exhausted
func (p EscalationPolicy) TierAt(n int) (EscalationTier, bool) {
	if n < 1 || n > len(p.Tiers) {
		return EscalationTier{}, false
	}
	return p.Tiers[n-1], true
}

// MaxTier returns the number of tiers in the chain
func (p EscalationPolicy) MaxTier() int {
	return len(p.Tiers)
}

// Package directory resolves which staff are on duty for an escalation tier.
// The authoritative directory is an external system; this package holds the
// consuming interface, a bounded-retry wrapper, and a roster cache.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrDirectoryUnavailable marks a lookup that failed after bounded retries.
// Callers treat it as zero recipients for the tier; escalation timing never
// stalls on the directory.
var ErrDirectoryUnavailable = errors.New("directory unavailable")

// Gateway resolves on-duty recipients for a facility and tier selector at a
// point in time
type Gateway interface {
	ResolveOnDutyRecipients(ctx context.Context, facilityID uuid.UUID, selector string, at time.Time) ([]uuid.UUID, error)
}

// RetryingGateway wraps a Gateway with a small bounded retry on transient
// failure
type RetryingGateway struct {
	inner   Gateway
	retries int
	delay   time.Duration
	logger  *zap.Logger
}

// NewRetryingGateway creates a retry wrapper. retries is the number of
// additional attempts after the first failure.
func NewRetryingGateway(inner Gateway, retries int, delay time.Duration, logger *zap.Logger) *RetryingGateway {
	if retries < 0 {
		retries = 0
	}
	return &RetryingGateway{
		inner:   inner,
		retries: retries,
		delay:   delay,
		logger:  logger,
	}
}

// ResolveOnDutyRecipients retries the inner lookup, then reports
// ErrDirectoryUnavailable
func (g *RetryingGateway) ResolveOnDutyRecipients(ctx context.Context, facilityID uuid.UUID, selector string, at time.Time) ([]uuid.UUID, error) {
	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, ctx.Err())
			case <-time.After(g.delay):
			}
		}

		recipients, err := g.inner.ResolveOnDutyRecipients(ctx, facilityID, selector, at)
		if err == nil {
			return recipients, nil
		}
		lastErr = err
		g.logger.Warn("Directory lookup failed",
			zap.String("facility_id", facilityID.String()),
			zap.String("selector", selector),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, lastErr)
}

// StaticDirectory is a config-backed roster used for development and tests.
// Rosters are keyed by selector; facility and time are ignored.
type StaticDirectory struct {
	rosters map[string][]uuid.UUID
}

// NewStaticDirectory creates a directory from a selector-to-recipients map
func NewStaticDirectory(rosters map[string][]uuid.UUID) *StaticDirectory {
	if rosters == nil {
		rosters = map[string][]uuid.UUID{}
	}
	return &StaticDirectory{rosters: rosters}
}

// ResolveOnDutyRecipients returns the configured roster for the selector
func (d *StaticDirectory) ResolveOnDutyRecipients(_ context.Context, _ uuid.UUID, selector string, _ time.Time) ([]uuid.UUID, error) {
	recipients, ok := d.rosters[selector]
	if !ok {
		return []uuid.UUID{}, nil
	}
	out := make([]uuid.UUID, len(recipients))
	copy(out, recipients)
	return out, nil
}

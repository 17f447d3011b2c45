package alert

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/siva9177/codeblue/pkg/metrics"
	"github.com/siva9177/codeblue/pkg/models"
)

// EscalateFunc is invoked when a deadline fires. It must be safe to call for
// an alert that has already left the active status.
type EscalateFunc func(ctx context.Context, alertID uuid.UUID) error

// fireTimeout bounds one escalation invocation
const fireTimeout = 30 * time.Second

type deadline struct {
	alertID uuid.UUID
	fireAt  time.Time
}

func deadlineLess(a, b deadline) bool {
	if !a.fireAt.Equal(b.fireAt) {
		return a.fireAt.Before(b.fireAt)
	}
	return bytes.Compare(a.alertID[:], b.alertID[:]) < 0
}

// Scheduler maintains at most one pending escalation deadline per alert and
// fires the escalate callback when it expires, with at most one concurrent
// invocation per alert id. The deadline set is an in-memory cache ordered by
// fire time; the authoritative copy lives in the alert store and is
// rehydrated on restart.
type Scheduler struct {
	logger *zap.Logger

	mu       sync.Mutex
	queue    *btree.BTreeG[deadline]
	armed    map[uuid.UUID]time.Time
	inflight map[uuid.UUID]struct{}

	wake chan struct{}
	stop chan struct{}
	loop sync.WaitGroup
	work sync.WaitGroup
	once sync.Once
}

// NewScheduler creates a stopped scheduler
func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger:   logger,
		queue:    btree.NewBTreeG(deadlineLess),
		armed:    make(map[uuid.UUID]time.Time),
		inflight: make(map[uuid.UUID]struct{}),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the timer loop firing into the given callback
func (s *Scheduler) Start(fire EscalateFunc) {
	s.loop.Add(1)
	go s.run(fire)
}

// Stop halts the timer loop and waits for in-flight escalations to finish
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.stop)
	})
	s.loop.Wait()
	s.work.Wait()
}

// Arm schedules (or replaces) the deadline for an alert
func (s *Scheduler) Arm(alertID uuid.UUID, fireAt time.Time) {
	s.mu.Lock()
	if old, ok := s.armed[alertID]; ok {
		s.queue.Delete(deadline{alertID: alertID, fireAt: old})
	}
	s.queue.Set(deadline{alertID: alertID, fireAt: fireAt})
	s.armed[alertID] = fireAt
	metrics.ArmedDeadlines.Set(float64(len(s.armed)))
	s.mu.Unlock()

	s.logger.Debug("Escalation deadline armed",
		zap.String("alert_id", alertID.String()),
		zap.Time("fire_at", fireAt))
	s.signal()
}

// Disarm cancels the pending deadline for an alert. Safe to call when none
// exists. Cancellation is best-effort: a deadline that already fired is
// handled by the escalate callback's status re-check.
func (s *Scheduler) Disarm(alertID uuid.UUID) {
	s.mu.Lock()
	if old, ok := s.armed[alertID]; ok {
		s.queue.Delete(deadline{alertID: alertID, fireAt: old})
		delete(s.armed, alertID)
		metrics.ArmedDeadlines.Set(float64(len(s.armed)))
	}
	s.mu.Unlock()
	s.signal()
}

// Armed returns the pending fire time for an alert, if any
func (s *Scheduler) Armed(alertID uuid.UUID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.armed[alertID]
	return at, ok
}

// Rehydrate arms deadlines from persisted alert state after a restart and
// returns how many were armed. Deadlines already in the past fire
// immediately once the loop is started.
func (s *Scheduler) Rehydrate(alerts []models.Alert) int {
	n := 0
	for _, a := range alerts {
		if a.Status != models.AlertStatusActive || a.NextEscalationDeadline == nil {
			continue
		}
		s.Arm(a.ID, *a.NextEscalationDeadline)
		n++
	}
	return n
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(fire EscalateFunc) {
	defer s.loop.Done()

	for {
		s.mu.Lock()
		next, ok := s.queue.Min()
		if !ok {
			s.mu.Unlock()
			select {
			case <-s.stop:
				return
			case <-s.wake:
			}
			continue
		}

		now := time.Now()
		if next.fireAt.After(now) {
			s.mu.Unlock()
			timer := time.NewTimer(next.fireAt.Sub(now))
			select {
			case <-s.stop:
				timer.Stop()
				return
			case <-s.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		// Due. Enforce at most one concurrent invocation per alert id: if a
		// previous firing is still running, push the deadline back a little.
		if _, busy := s.inflight[next.alertID]; busy {
			s.queue.Delete(next)
			delayed := deadline{alertID: next.alertID, fireAt: now.Add(100 * time.Millisecond)}
			s.queue.Set(delayed)
			s.armed[next.alertID] = delayed.fireAt
			s.mu.Unlock()
			continue
		}

		s.queue.Delete(next)
		delete(s.armed, next.alertID)
		s.inflight[next.alertID] = struct{}{}
		metrics.ArmedDeadlines.Set(float64(len(s.armed)))
		s.mu.Unlock()

		s.work.Add(1)
		go func(alertID uuid.UUID) {
			defer s.work.Done()
			ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
			defer cancel()

			if err := fire(ctx, alertID); err != nil {
				s.logger.Error("Escalation firing failed",
					zap.String("alert_id", alertID.String()),
					zap.Error(err))
			}

			s.mu.Lock()
			delete(s.inflight, alertID)
			s.mu.Unlock()
		}(next.alertID)
	}
}

package scheduler

import (
	"context"
	"time"

	"xivtimers/internal/event"
	"xivtimers/internal/storage"
	"xivtimers/pkg/logx"
)

// Dispatcher delivers a claimed reminder to its audience.
type Dispatcher interface {
	Dispatch(ctx context.Context, r storage.Reminder) error
}

// store is the subset of storage.Store the loop needs.
type store interface {
	CreateReminder(ctx context.Context, expires time.Time, kind string, extra map[string]any) (int64, error)
	ClaimDue(ctx context.Context, now time.Time) ([]storage.Reminder, error)
	PeekEarliest(ctx context.Context) (time.Time, bool, error)
}

type Service struct {
	store      store
	dispatcher Dispatcher
	log        logx.Logger

	now  func() time.Time
	wake chan struct{}
}

func New(st store, d Dispatcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:      st,
		dispatcher: d,
		log:        log,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
}

// Wake nudges the loop to re-read the earliest pending reminder. Callers use
// it after inserting a reminder that may be due before the currently armed
// timer. Never blocks.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is canceled. It alternates between two states: idle
// (no pending reminders, waiting for a Wake) and armed (timer set for the
// earliest expiry).
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("scheduler started")
	defer s.log.Info("scheduler stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		next, ok, err := s.store.PeekEarliest(ctx)
		if err != nil {
			return err
		}

		if !ok {
			// Idle: nothing pending.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			}
			continue
		}

		if d := next.Sub(s.now()); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-s.wake:
				// Something may now be due earlier. Re-arm.
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		if err := s.fire(ctx); err != nil {
			return err
		}
	}
}

// fire claims everything due and dispatches it. Recurring kinds get their
// next occurrence re-inserted before dispatch, so a crash mid-dispatch can
// drop at most the occurrence being delivered, never the schedule itself.
func (s *Service) fire(ctx context.Context) error {
	now := s.now()
	claimed, err := s.store.ClaimDue(ctx, now)
	if err != nil {
		return err
	}

	for _, r := range claimed {
		if kind, kerr := event.ParseKind(r.Event); kerr == nil {
			if next, recurring := event.Next(kind, r.Expires); recurring {
				if _, cerr := s.store.CreateReminder(ctx, next, r.Event, r.Extra); cerr != nil {
					s.log.Error("failed to schedule next occurrence",
						logx.String("event", r.Event), logx.Time("next", next), logx.Err(cerr))
				}
			}
		}

		if derr := s.dispatcher.Dispatch(ctx, r); derr != nil {
			// Delivery problems are isolated per reminder, the loop goes on.
			s.log.Warn("dispatch finished with error",
				logx.Int64("id", r.ID), logx.String("event", r.Event), logx.Err(derr))
		}
	}

	if len(claimed) > 0 {
		s.log.Debug("fired reminders", logx.Int("count", len(claimed)))
	}
	return nil
}

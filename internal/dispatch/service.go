package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"xivtimers/internal/event"
	"xivtimers/internal/storage"
	"xivtimers/internal/transport"
	"xivtimers/pkg/logx"
)

// Service resolves a fired reminder against the subscription registry and
// delivers the rendered notification to every subscribed guild.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	store  storage.Store
	sender transport.Sender

	cfg     Config
	limiter *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, store storage.Store, sender transport.Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		store:  store,
		sender: sender,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Dispatch fans one fired reminder out to its audience. Failures for one
// guild never block or retry another; the reminder is already consumed, so
// nothing here re-queues it.
func (s *Service) Dispatch(ctx context.Context, r storage.Reminder) error {
	kind, err := event.ParseKind(r.Event)
	if err != nil {
		// Free-form kinds nobody can subscribe to have no audience.
		s.log.Warn("dropping reminder with unknown kind", logx.Int64("id", r.ID), logx.String("event", r.Event))
		return err
	}

	cid := uuid.NewString()
	log := s.log.With(logx.String("event", r.Event), logx.String("dispatch_id", cid))

	if kind == event.UserReminder {
		return s.dispatchUserReminder(ctx, log, cid, r)
	}

	subs, err := s.store.SubscribersFor(ctx, kind)
	if err != nil {
		return fmt.Errorf("resolve subscribers: %w", err)
	}
	if len(subs) == 0 {
		log.Debug("no subscribers")
		return nil
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	sem := make(chan struct{}, cfg.MaxInFlight)
	var wg sync.WaitGroup
	for _, sub := range subs {
		sub := sub
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.deliverOne(ctx, log, cfg, cid, kind, r, sub)
		}()
	}
	wg.Wait()
	return nil
}

func (s *Service) dispatchUserReminder(ctx context.Context, log logx.Logger, cid string, r storage.Reminder) error {
	guildID, _ := r.Extra["guild_id"].(string)
	if guildID == "" {
		s.recordFault(ctx, storage.Fault{
			Event: r.Event, Kind: storage.FaultMissingWebhook,
			Error: "user reminder without guild scope", CorrelationID: cid,
		})
		return errors.New("user reminder without guild scope")
	}
	wh, ok, err := s.store.GetWebhook(ctx, guildID)
	if err != nil {
		return fmt.Errorf("webhook lookup: %w", err)
	}
	if !ok {
		s.recordFault(ctx, storage.Fault{
			GuildID: guildID, Event: r.Event, Kind: storage.FaultMissingWebhook, CorrelationID: cid,
		})
		log.Warn("user reminder guild has no webhook", logx.String("guild", guildID))
		return nil
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	sub := storage.Subscriber{GuildID: guildID, WebhookID: wh.ID, WebhookToken: wh.Token}
	s.deliverOne(ctx, log, cfg, cid, event.UserReminder, r, sub)
	return nil
}

func (s *Service) deliverOne(ctx context.Context, log logx.Logger, cfg Config, cid string, kind event.Kind, r storage.Reminder, sub storage.Subscriber) {
	log = log.With(logx.String("guild", sub.GuildID))

	if sub.WebhookID == "" || sub.WebhookToken == "" {
		// The guild's webhook vanished. One fault, zero delivery attempts.
		s.recordFault(ctx, storage.Fault{
			GuildID: sub.GuildID, Event: r.Event, Kind: storage.FaultMissingWebhook, CorrelationID: cid,
		})
		s.appendHistory(HistoryItem{At: time.Now(), Event: r.Event, GuildID: sub.GuildID, Error: "missing webhook"})
		log.Warn("subscription has no webhook, skipping")
		return
	}

	ep := transport.Endpoint{ID: sub.WebhookID, Token: sub.WebhookToken}
	msg := transport.Message{
		Content:  Render(kind, sub.RoleID, r),
		ThreadID: sub.ThreadID,
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		s.mu.Lock()
		lim := s.limiter
		s.mu.Unlock()
		if err := lim.Wait(ctx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := s.sender.Send(callCtx, ep, msg)
		cancel()
		if err == nil {
			s.appendHistory(HistoryItem{At: time.Now(), Event: r.Event, GuildID: sub.GuildID, OK: true})
			log.Debug("delivered", logx.Int("attempt", attempt))
			return
		}
		lastErr = err

		if transport.IsPermanent(err) {
			// Endpoint deleted upstream or credentials rejected: flag the
			// subscription for an operator instead of retrying forever.
			s.recordFault(ctx, storage.Fault{
				GuildID: sub.GuildID, Event: r.Event, Kind: storage.FaultPermanent,
				Error: err.Error(), CorrelationID: cid,
			})
			if err := s.store.MarkSubscriptionFault(ctx, sub.GuildID); err != nil {
				log.Warn("failed flagging subscription", logx.Err(err))
			}
			s.appendHistory(HistoryItem{At: time.Now(), Event: r.Event, GuildID: sub.GuildID, Error: lastErr.Error()})
			log.Warn("permanent delivery failure", logx.Err(err))
			return
		}

		log.Debug("send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	s.recordFault(ctx, storage.Fault{
		GuildID: sub.GuildID, Event: r.Event, Kind: storage.FaultGaveUp,
		Error: lastErr.Error(), CorrelationID: cid,
	})
	s.appendHistory(HistoryItem{At: time.Now(), Event: r.Event, GuildID: sub.GuildID, Error: lastErr.Error()})
	log.Warn("delivery gave up after retries", logx.Err(lastErr), logx.Int("attempts", maxAttempts))
}

func (s *Service) recordFault(ctx context.Context, f storage.Fault) {
	f.At = time.Now()
	if err := s.store.AppendFault(ctx, f); err != nil {
		s.log.Warn("failed recording dispatch fault", logx.Err(err), logx.String("guild", f.GuildID))
	}
}

// Snapshot returns recent delivery outcomes.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	// Exponential backoff: base * 2^(attempt-1), capped at RetryMaxDelay.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

package storage

import (
	"context"
	"time"

	"xivtimers/internal/event"
	"xivtimers/pkg/logx"
)

// Store is the persistence API used by the scheduler, dispatcher and the
// app-level configuration surface.
type Store interface {
	// Reminders.
	CreateReminder(ctx context.Context, expires time.Time, kind string, extra map[string]any) (int64, error)
	ClaimDue(ctx context.Context, now time.Time) ([]Reminder, error)
	PeekEarliest(ctx context.Context) (time.Time, bool, error)
	HasReminder(ctx context.Context, kind string) (bool, error)
	DeleteReminder(ctx context.Context, id int64) error

	// Subscription registry.
	SubscribersFor(ctx context.Context, kind event.Kind) ([]Subscriber, error)
	GetSubscription(ctx context.Context, guildID string) (Subscription, bool, error)
	SetSubscription(ctx context.Context, guildID string, kind event.Kind, enabled bool) error
	SetRoleOverride(ctx context.Context, guildID string, kind event.Kind, roleID string) error
	// SetTarget records the guild's configured channel and thread. Only the
	// thread steers delivery: the webhook is bound to its channel upstream,
	// so channelID is bookkeeping for the admin surface, not an override.
	SetTarget(ctx context.Context, guildID, channelID, threadID string) error
	MarkSubscriptionFault(ctx context.Context, guildID string) error

	// Webhook directory.
	GetWebhook(ctx context.Context, guildID string) (Webhook, bool, error)
	UpsertWebhook(ctx context.Context, w Webhook) error
	DeleteWebhook(ctx context.Context, guildID string) error

	// Dispatch faults.
	AppendFault(ctx context.Context, f Fault) error
	PruneFaults(ctx context.Context, olderThan time.Time) (int64, error)

	Checkpoint(ctx context.Context) error
	Close() error
}

// Open initializes the SQLite store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}

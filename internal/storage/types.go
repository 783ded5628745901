package storage

import (
	"errors"
	"time"

	"xivtimers/internal/event"
)

var (
	// ErrConflict is returned when a mutation would violate a uniqueness
	// invariant (e.g. registering a webhook already owned by another guild).
	// The stored state is unchanged.
	ErrConflict = errors.New("storage: conflicting record")

	// ErrNoWebhook is returned when a subscription mutation requires a
	// registered webhook and the guild has none.
	ErrNoWebhook = errors.New("storage: guild has no registered webhook")
)

// Config configures storage.
//
// Path is the SQLite database file; ":memory:" is accepted for tests.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Reminder is one scheduled future occurrence.
type Reminder struct {
	ID      int64
	Expires time.Time
	Created time.Time
	Event   string
	Extra   map[string]any
}

// Webhook is a guild's delivery endpoint, unique across the directory.
type Webhook struct {
	GuildID string
	ID      string
	URL     string
	Token   string
}

// Subscription is one guild's notification configuration.
type Subscription struct {
	GuildID    string
	ChannelID  string
	ThreadID   string
	WebhookID  string
	Kinds      event.Set
	Roles      map[event.Kind]string
	FaultCount int
	Flagged    bool
}

// Subscriber is a resolved fan-out target for one fired kind.
//
// WebhookID/WebhookToken are empty when the guild's webhook has vanished;
// the dispatcher records a fault and skips such rows.
type Subscriber struct {
	GuildID      string
	ThreadID     string // resolved target: thread wins over the webhook's channel
	RoleID       string // role to mention for this kind, "" for none
	WebhookID    string
	WebhookToken string
}

// Fault records a dispatch failure for operator attention.
type Fault struct {
	At            time.Time
	GuildID       string
	Event         string
	Kind          string // "missing_webhook", "permanent", "gave_up"
	Error         string
	CorrelationID string
}

const (
	FaultMissingWebhook = "missing_webhook"
	FaultPermanent      = "permanent"
	FaultGaveUp         = "gave_up"
)

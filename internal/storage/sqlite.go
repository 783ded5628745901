package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"xivtimers/internal/event"
	"xivtimers/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Reminders ----

func (s *sqliteStore) CreateReminder(ctx context.Context, expires time.Time, kind string, extra map[string]any) (int64, error) {
	if extra == nil {
		extra = map[string]any{}
	}
	raw, err := json.Marshal(extra)
	if err != nil {
		return 0, fmt.Errorf("encode extra: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(expires, created, event, extra) VALUES(?,?,?,?)`,
		expires.UTC().UnixMilli(), time.Now().UTC().UnixMilli(), kind, string(raw),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ClaimDue atomically removes and returns every reminder due at or before
// now. A claimed reminder is gone for good: dispatch after claim is
// at-most-once by design.
func (s *sqliteStore) ClaimDue(ctx context.Context, now time.Time) ([]Reminder, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`DELETE FROM reminders WHERE expires <= ? RETURNING id, expires, created, event, extra`,
		now.UTC().UnixMilli(),
	)
	if err != nil {
		return nil, err
	}

	var out []Reminder
	for rows.Next() {
		var (
			r        Reminder
			expires  int64
			created  int64
			rawExtra string
		)
		if err := rows.Scan(&r.ID, &expires, &created, &r.Event, &rawExtra); err != nil {
			rows.Close()
			return nil, err
		}
		r.Expires = time.UnixMilli(expires).UTC()
		r.Created = time.UnixMilli(created).UTC()
		r.Extra = map[string]any{}
		if rawExtra != "" {
			if err := json.Unmarshal([]byte(rawExtra), &r.Extra); err != nil {
				s.log.Warn("reminder extra payload unreadable", logx.Int64("id", r.ID), logx.Err(err))
				r.Extra = map[string]any{}
			}
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Expires.Equal(out[j].Expires) {
			return out[i].Expires.Before(out[j].Expires)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *sqliteStore) PeekEarliest(ctx context.Context) (time.Time, bool, error) {
	// MIN over an empty table yields a single NULL row.
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MIN(expires) FROM reminders`).Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64).UTC(), true, nil
}

func (s *sqliteStore) HasReminder(ctx context.Context, kind string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reminders WHERE event = ?`, kind).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) DeleteReminder(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	return err
}

// ---- Subscription registry ----

func roleColumn(kind event.Kind) string {
	switch kind {
	case event.DailyReset:
		return "daily_role_id"
	case event.WeeklyReset:
		return "weekly_role_id"
	case event.FashionReport:
		return "fashion_report_role_id"
	case event.OceanFishing:
		return "ocean_fishing_role_id"
	case event.JumboCactpot:
		return "jumbo_cactpot_role_id"
	case event.OpenTournament:
		return "tt_open_tournament_role_id"
	default:
		return ""
	}
}

func (s *sqliteStore) SubscribersFor(ctx context.Context, kind event.Kind) ([]Subscriber, error) {
	bit, ok := kind.Bit()
	if !ok {
		return nil, fmt.Errorf("%w: %q is not subscribable", event.ErrUnknownKind, kind)
	}
	col := roleColumn(kind)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT s.guild_id, COALESCE(s.thread_id, ''), COALESCE(s.%s, ''),
		        COALESCE(w.webhook_id, ''), COALESCE(w.webhook_token, '')
		 FROM event_remind_subscriptions s
		 LEFT JOIN webhooks w ON w.webhook_id = s.webhook_id
		 WHERE (s.subscriptions & ?) != 0`, col),
		int64(1)<<bit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		var sub Subscriber
		if err := rows.Scan(&sub.GuildID, &sub.ThreadID, &sub.RoleID, &sub.WebhookID, &sub.WebhookToken); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetSubscription(ctx context.Context, guildID string) (Subscription, bool, error) {
	var (
		sub   Subscription
		flags int64
		roles [6]sql.NullString
		ch    sql.NullString
		th    sql.NullString
		wh    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT guild_id, channel_id, thread_id, webhook_id, subscriptions,
		        daily_role_id, weekly_role_id, fashion_report_role_id,
		        ocean_fishing_role_id, jumbo_cactpot_role_id, tt_open_tournament_role_id,
		        fault_count, flagged
		 FROM event_remind_subscriptions WHERE guild_id = ?`, guildID,
	).Scan(&sub.GuildID, &ch, &th, &wh, &flags,
		&roles[0], &roles[1], &roles[2], &roles[3], &roles[4], &roles[5],
		&sub.FaultCount, &sub.Flagged)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, false, nil
	}
	if err != nil {
		return Subscription{}, false, err
	}
	sub.ChannelID = ch.String
	sub.ThreadID = th.String
	sub.WebhookID = wh.String
	sub.Kinds = event.SetFromValue(flags)
	sub.Roles = map[event.Kind]string{}
	for i, k := range []event.Kind{
		event.DailyReset, event.WeeklyReset, event.FashionReport,
		event.OceanFishing, event.JumboCactpot, event.OpenTournament,
	} {
		if roles[i].Valid && roles[i].String != "" {
			sub.Roles[k] = roles[i].String
		}
	}
	return sub, true, nil
}

func (s *sqliteStore) SetSubscription(ctx context.Context, guildID string, kind event.Kind, enabled bool) error {
	bit, ok := kind.Bit()
	if !ok {
		return fmt.Errorf("%w: %q is not subscribable", event.ErrUnknownKind, kind)
	}
	mask := int64(1) << bit

	if !enabled {
		_, err := s.db.ExecContext(ctx,
			`UPDATE event_remind_subscriptions SET subscriptions = subscriptions & ~? WHERE guild_id = ?`,
			mask, guildID,
		)
		return err
	}

	// Enabling requires a delivery target.
	var webhookID string
	err := s.db.QueryRowContext(ctx, `SELECT webhook_id FROM webhooks WHERE guild_id = ?`, guildID).Scan(&webhookID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoWebhook
	}
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO event_remind_subscriptions(guild_id, webhook_id, subscriptions) VALUES(?,?,?)
		 ON CONFLICT(guild_id) DO UPDATE SET
		     subscriptions = event_remind_subscriptions.subscriptions | excluded.subscriptions,
		     webhook_id = excluded.webhook_id`,
		guildID, webhookID, mask,
	)
	return err
}

func (s *sqliteStore) SetRoleOverride(ctx context.Context, guildID string, kind event.Kind, roleID string) error {
	col := roleColumn(kind)
	if col == "" {
		return fmt.Errorf("%w: %q has no role override", event.ErrUnknownKind, kind)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE event_remind_subscriptions SET %s = ? WHERE guild_id = ?`, col),
		nullStr(roleID), guildID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNoWebhook
	}
	return err
}

// SetTarget stores both ids but only thread_id feeds SubscribersFor; the
// channel is implied by the webhook.
func (s *sqliteStore) SetTarget(ctx context.Context, guildID, channelID, threadID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE event_remind_subscriptions SET channel_id = ?, thread_id = ? WHERE guild_id = ?`,
		nullStr(channelID), nullStr(threadID), guildID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNoWebhook
	}
	return err
}

func (s *sqliteStore) MarkSubscriptionFault(ctx context.Context, guildID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE event_remind_subscriptions SET fault_count = fault_count + 1, flagged = 1 WHERE guild_id = ?`,
		guildID,
	)
	return err
}

// ---- Webhook directory ----

func (s *sqliteStore) GetWebhook(ctx context.Context, guildID string) (Webhook, bool, error) {
	var w Webhook
	err := s.db.QueryRowContext(ctx,
		`SELECT guild_id, webhook_id, webhook_url, webhook_token FROM webhooks WHERE guild_id = ?`, guildID,
	).Scan(&w.GuildID, &w.ID, &w.URL, &w.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return Webhook{}, false, nil
	}
	if err != nil {
		return Webhook{}, false, err
	}
	return w, true, nil
}

func (s *sqliteStore) UpsertWebhook(ctx context.Context, w Webhook) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks(guild_id, webhook_id, webhook_url, webhook_token) VALUES(?,?,?,?)
		 ON CONFLICT(guild_id) DO UPDATE SET
		     webhook_id = excluded.webhook_id,
		     webhook_url = excluded.webhook_url,
		     webhook_token = excluded.webhook_token`,
		w.GuildID, w.ID, w.URL, w.Token,
	)
	if isConstraint(err) {
		return fmt.Errorf("%w: webhook credentials already registered", ErrConflict)
	}
	return err
}

func (s *sqliteStore) DeleteWebhook(ctx context.Context, guildID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE guild_id = ?`, guildID)
	return err
}

// ---- Dispatch faults ----

func (s *sqliteStore) AppendFault(ctx context.Context, f Fault) error {
	if f.At.IsZero() {
		f.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_faults(at, guild_id, event, fault, err, correlation_id)
		 VALUES(?,?,?,?,?,?)`,
		f.At.UTC().UnixMilli(), nullStr(f.GuildID), f.Event, f.Kind, nullStr(f.Error), nullStr(f.CorrelationID),
	)
	return err
}

func (s *sqliteStore) PruneFaults(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dispatch_faults WHERE at < ?`, olderThan.UTC().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

func isConstraint(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "constraint")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

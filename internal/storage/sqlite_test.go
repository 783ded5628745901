package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"xivtimers/internal/event"
	"xivtimers/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func registerWebhook(t *testing.T, st Store, guildID, webhookID string) {
	t.Helper()
	err := st.UpsertWebhook(context.Background(), Webhook{
		GuildID: guildID,
		ID:      webhookID,
		URL:     "https://discord.com/api/webhooks/" + webhookID + "/tok-" + webhookID,
		Token:   "tok-" + webhookID,
	})
	if err != nil {
		t.Fatalf("register webhook: %v", err)
	}
}

func TestClaimDueExactlyOnce(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	if _, err := st.CreateReminder(ctx, past, "daily_reset", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.CreateReminder(ctx, past, "weekly_reset", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.CreateReminder(ctx, future, "daily_reset", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := st.ClaimDue(ctx, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d reminders, want 2", len(claimed))
	}

	// Claiming again returns nothing: the due set was consumed.
	again, err := st.ClaimDue(ctx, now)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second claim returned %d reminders", len(again))
	}

	// The future reminder is still pending.
	when, ok, err := st.PeekEarliest(ctx)
	if err != nil || !ok {
		t.Fatalf("peek: %v %v", ok, err)
	}
	if !when.Equal(future.Truncate(time.Millisecond)) {
		t.Fatalf("peek = %v, want %v", when, future)
	}
}

func TestClaimDueSharedExpiry(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	at := time.Now().UTC().Add(-time.Second).Truncate(time.Millisecond)
	if _, err := st.CreateReminder(ctx, at, "daily_reset", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateReminder(ctx, at, "tt_open_tournament", nil); err != nil {
		t.Fatal(err)
	}

	claimed, err := st.ClaimDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d, want both reminders sharing the expiry", len(claimed))
	}
	if !claimed[0].Expires.Equal(claimed[1].Expires) {
		t.Fatal("expiries should match")
	}
}

func TestReminderExtraRoundTrip(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	extra := map[string]any{"user_id": "42", "message": "raid in 10"}
	if _, err := st.CreateReminder(ctx, time.Now().Add(-time.Second), "user_reminder", extra); err != nil {
		t.Fatal(err)
	}
	claimed, err := st.ClaimDue(ctx, time.Now())
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}
	if claimed[0].Extra["message"] != "raid in 10" {
		t.Fatalf("extra = %v", claimed[0].Extra)
	}
	if claimed[0].Event != "user_reminder" {
		t.Fatalf("event = %q", claimed[0].Event)
	}
}

func TestDeleteReminderBeforeClaim(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.CreateReminder(ctx, time.Now().Add(-time.Second), "user_reminder", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteReminder(ctx, id); err != nil {
		t.Fatal(err)
	}
	claimed, err := st.ClaimDue(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 0 {
		t.Fatal("cancelled reminder was claimed")
	}
}

func TestHasReminder(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	ok, err := st.HasReminder(ctx, "daily_reset")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if ok {
		t.Fatal("empty store reported a pending reminder")
	}

	if _, err := st.CreateReminder(ctx, time.Now().Add(time.Hour), "daily_reset", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err = st.HasReminder(ctx, "daily_reset")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if !ok {
		t.Fatal("pending reminder not reported")
	}
	ok, err = st.HasReminder(ctx, "weekly_reset")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if ok {
		t.Fatal("wrong kind reported as pending")
	}
}

func TestPeekEarliestEmpty(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	_, ok, err := st.PeekEarliest(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no pending reminders")
	}
}

func TestSubscriptionBitRoundTrip(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	registerWebhook(t, st, "g1", "wh1")

	if err := st.SetSubscription(ctx, "g1", event.DailyReset, true); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := st.SetSubscription(ctx, "g1", event.FashionReport, true); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	subs, err := st.SubscribersFor(ctx, event.DailyReset)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0].GuildID != "g1" {
		t.Fatalf("subscribers = %+v", subs)
	}

	// Clearing one bit leaves the other untouched.
	if err := st.SetSubscription(ctx, "g1", event.DailyReset, false); err != nil {
		t.Fatal(err)
	}
	subs, _ = st.SubscribersFor(ctx, event.DailyReset)
	if len(subs) != 0 {
		t.Fatal("guild still subscribed after clearing bit")
	}
	subs, _ = st.SubscribersFor(ctx, event.FashionReport)
	if len(subs) != 1 {
		t.Fatal("unrelated bit was cleared")
	}
}

func TestSubscriptionRequiresWebhook(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	err := st.SetSubscription(context.Background(), "lonely", event.DailyReset, true)
	if !errors.Is(err, ErrNoWebhook) {
		t.Fatalf("err = %v, want ErrNoWebhook", err)
	}
}

func TestSubscriptionRejectsUnknownKind(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	registerWebhook(t, st, "g1", "wh1")

	if err := st.SetSubscription(ctx, "g1", event.UserReminder, true); !errors.Is(err, event.ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
	if err := st.SetSubscription(ctx, "g1", event.Kind("nonsense"), true); !errors.Is(err, event.ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestRoleOverride(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	registerWebhook(t, st, "g1", "wh1")
	if err := st.SetSubscription(ctx, "g1", event.DailyReset, true); err != nil {
		t.Fatal(err)
	}
	if err := st.SetRoleOverride(ctx, "g1", event.DailyReset, "555"); err != nil {
		t.Fatal(err)
	}

	subs, err := st.SubscribersFor(ctx, event.DailyReset)
	if err != nil || len(subs) != 1 {
		t.Fatalf("subscribers: %v (%d)", err, len(subs))
	}
	if subs[0].RoleID != "555" {
		t.Fatalf("role = %q, want 555", subs[0].RoleID)
	}

	// Other kinds don't inherit the override.
	if err := st.SetSubscription(ctx, "g1", event.WeeklyReset, true); err != nil {
		t.Fatal(err)
	}
	subs, _ = st.SubscribersFor(ctx, event.WeeklyReset)
	if len(subs) != 1 || subs[0].RoleID != "" {
		t.Fatalf("weekly role = %+v", subs)
	}
}

func TestWebhookUniquenessRejected(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	registerWebhook(t, st, "g1", "wh1")

	// Same webhook id for a different guild must be rejected.
	err := st.UpsertWebhook(ctx, Webhook{GuildID: "g2", ID: "wh1", URL: "https://discord.com/api/webhooks/wh1/other", Token: "other"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	// Directory unchanged: g1 still owns wh1, g2 has nothing.
	w, ok, _ := st.GetWebhook(ctx, "g1")
	if !ok || w.ID != "wh1" {
		t.Fatalf("g1 webhook = %+v, %v", w, ok)
	}
	if _, ok, _ := st.GetWebhook(ctx, "g2"); ok {
		t.Fatal("g2 gained a webhook from a rejected mutation")
	}
}

func TestDeleteWebhookLeavesTolerableSubscription(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	registerWebhook(t, st, "g1", "wh1")
	if err := st.SetSubscription(ctx, "g1", event.DailyReset, true); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteWebhook(ctx, "g1"); err != nil {
		t.Fatal(err)
	}

	// The subscription row survives with its webhook reference nulled;
	// the dispatcher sees empty credentials and records a fault.
	subs, err := st.SubscribersFor(ctx, event.DailyReset)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Fatalf("subscribers = %d, want 1", len(subs))
	}
	if subs[0].WebhookID != "" || subs[0].WebhookToken != "" {
		t.Fatalf("expected vanished webhook, got %+v", subs[0])
	}
}

func TestMarkSubscriptionFault(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	registerWebhook(t, st, "g1", "wh1")
	if err := st.SetSubscription(ctx, "g1", event.DailyReset, true); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkSubscriptionFault(ctx, "g1"); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkSubscriptionFault(ctx, "g1"); err != nil {
		t.Fatal(err)
	}

	sub, ok, err := st.GetSubscription(ctx, "g1")
	if err != nil || !ok {
		t.Fatalf("get: %v %v", ok, err)
	}
	if !sub.Flagged || sub.FaultCount != 2 {
		t.Fatalf("sub = %+v", sub)
	}
}

func TestFaultAppendAndPrune(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	old := Fault{At: time.Now().Add(-48 * time.Hour), GuildID: "g1", Event: "daily_reset", Kind: FaultPermanent, Error: "gone"}
	fresh := Fault{At: time.Now(), GuildID: "g1", Event: "daily_reset", Kind: FaultMissingWebhook}
	if err := st.AppendFault(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendFault(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	n, err := st.PruneFaults(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned %d faults, want 1", n)
	}
}

func TestSetTarget(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	registerWebhook(t, st, "g1", "wh1")
	if err := st.SetSubscription(ctx, "g1", event.OceanFishing, true); err != nil {
		t.Fatal(err)
	}
	if err := st.SetTarget(ctx, "g1", "chan-9", "thread-3"); err != nil {
		t.Fatal(err)
	}

	subs, err := st.SubscribersFor(ctx, event.OceanFishing)
	if err != nil || len(subs) != 1 {
		t.Fatalf("subscribers: %v (%d)", err, len(subs))
	}
	if subs[0].ThreadID != "thread-3" {
		t.Fatalf("thread = %q", subs[0].ThreadID)
	}

	// Targets for guilds without a subscription row are rejected.
	if err := st.SetTarget(ctx, "ghost", "c", ""); !errors.Is(err, ErrNoWebhook) {
		t.Fatalf("err = %v, want ErrNoWebhook", err)
	}
}

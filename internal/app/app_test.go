package app

import (
	"testing"
	"time"

	"xivtimers/internal/config"
	"xivtimers/internal/event"
)

func TestDispatcherConfigParsesDurations(t *testing.T) {
	dc := &config.DispatcherConfig{
		MaxInFlight: 4,
		RatePerSec:  2,
		RetryMax:    5,
		RetryBase:   "250ms",
		SendTimeout: "5s",
	}
	got, err := dispatcherConfig(dc)
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxInFlight != 4 || got.RetryBase != 250*time.Millisecond || got.SendTimeout != 5*time.Second {
		t.Fatalf("got %+v", got)
	}

	dc.RetryBase = "later"
	if _, err := dispatcherConfig(dc); err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestEnabledEventsDefaultsToAllRecurring(t *testing.T) {
	got := enabledEvents(nil)
	if len(got) != len(event.Subscribable) {
		t.Fatalf("got %d kinds, want %d", len(got), len(event.Subscribable))
	}

	got = enabledEvents(&config.EventsConfig{Enabled: []string{"daily_reset", "jumbo_cactpot"}})
	if len(got) != 2 || got[0] != event.DailyReset || got[1] != event.JumboCactpot {
		t.Fatalf("got %v", got)
	}
}

func TestValidate(t *testing.T) {
	base := func() *config.Config {
		return &config.Config{
			Storage: config.StorageConfig{Path: ":memory:"},
		}
	}

	if err := validate(base()); err != nil {
		t.Fatalf("minimal config rejected: %v", err)
	}

	c := base()
	c.Storage.Path = ""
	if err := validate(c); err == nil {
		t.Fatal("missing storage path accepted")
	}

	c = base()
	c.Events = &config.EventsConfig{Enabled: []string{"user_reminder"}}
	if err := validate(c); err == nil {
		t.Fatal("non-recurring kind accepted in events.enabled")
	}

	c = base()
	c.Events = &config.EventsConfig{Enabled: []string{"lunar_eclipse"}}
	if err := validate(c); err == nil {
		t.Fatal("unknown kind accepted in events.enabled")
	}

	c = base()
	c.Housekeeping = &config.HousekeepingConfig{Enabled: true, Schedule: "not cron"}
	if err := validate(c); err == nil {
		t.Fatal("bad cron schedule accepted")
	}
}

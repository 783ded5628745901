package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"xivtimers/internal/config"
	"xivtimers/internal/dispatch"
	"xivtimers/internal/event"
	"xivtimers/internal/runtime/supervisor"
	"xivtimers/internal/scheduler"
	"xivtimers/internal/storage"
	"xivtimers/internal/transport"
	"xivtimers/internal/transport/discord"
	"xivtimers/pkg/logx"
)

const (
	defaultHousekeepingSchedule = "17 4 * * *"
	defaultFaultRetention       = 30 * 24 * time.Hour
)

// App wires the store, scheduler and dispatcher together and owns their
// lifecycle.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store      storage.Store
	dispatcher *dispatch.Service
	sched      *scheduler.Service

	events []event.Kind

	sup    *supervisor.Supervisor
	cron   *cron.Cron
	cfgSub chan *config.Config

	notify func(state string) // sd_notify, swappable in tests
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(loggingConfig(cfg))
	mgr.SetLogger(log.With(logx.String("svc", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return validate(c)
	})

	if err := validate(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	busy, _ := config.ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("svc", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	sender, err := discord.New(log.With(logx.String("svc", "discord")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("discord sender: %w", err)
	}

	dcfg, err := dispatcherConfig(cfg.Dispatcher)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	dispatcher := dispatch.New(dcfg, store, sender, log.With(logx.String("svc", "dispatch")))
	sched := scheduler.New(store, dispatcher, log.With(logx.String("svc", "scheduler")))

	return &App{
		cfgMgr:     mgr,
		logSvc:     logSvc,
		log:        log.With(logx.String("svc", "app")),
		store:      store,
		dispatcher: dispatcher,
		sched:      sched,
		events:     enabledEvents(cfg.Events),
		notify:     func(state string) { _, _ = daemon.SdNotify(false, state) },
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	if err := a.seedEvents(ctx); err != nil {
		return fmt.Errorf("seed recurring events: %w", err)
	}

	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("svc", "supervisor"))),
	)
	a.sup.GoRestart("scheduler", a.sched.Run)
	a.sup.Go("config-watch", a.cfgMgr.Watch)

	a.cfgSub = a.cfgMgr.Subscribe(4)
	a.sup.Go("config-apply", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg, ok := <-a.cfgSub:
				if !ok {
					return nil
				}
				a.applyConfig(cfg)
			}
		}
	})

	if err := a.startHousekeeping(); err != nil {
		return err
	}

	a.notify(daemon.SdNotifyReady)
	a.log.Info("started", logx.Int("recurring_events", len(a.events)))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.notify(daemon.SdNotifyStopping)

	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.cfgSub != nil {
		a.cfgMgr.Unsubscribe(a.cfgSub)
	}
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.log.Info("stopped")
	_ = a.logSvc.Close()
	return err
}

// ---- Core API ----

// CreateReminder schedules an ad-hoc reminder and wakes the loop in case the
// new expiry precedes the currently armed one.
func (a *App) CreateReminder(ctx context.Context, expires time.Time, kind string, extra map[string]any) (int64, error) {
	id, err := a.store.CreateReminder(ctx, expires, kind, extra)
	if err != nil {
		return 0, err
	}
	a.sched.Wake()
	return id, nil
}

// CancelReminder deletes a reminder by id. Safe to call for an id that was
// already claimed; the claim wins.
func (a *App) CancelReminder(ctx context.Context, id int64) error {
	return a.store.DeleteReminder(ctx, id)
}

func (a *App) ConfigureSubscription(ctx context.Context, guildID string, kind event.Kind, enabled bool) error {
	return a.store.SetSubscription(ctx, guildID, kind, enabled)
}

func (a *App) ConfigureRoleOverride(ctx context.Context, guildID string, kind event.Kind, roleID string) error {
	return a.store.SetRoleOverride(ctx, guildID, kind, roleID)
}

func (a *App) ConfigureTarget(ctx context.Context, guildID, channelID, threadID string) error {
	return a.store.SetTarget(ctx, guildID, channelID, threadID)
}

// RegisterWebhook accepts either a full Discord webhook URL or an id plus
// token and stores the normalized endpoint for the guild.
func (a *App) RegisterWebhook(ctx context.Context, guildID, idOrURL, token string) error {
	ep, err := transport.ParseEndpoint(idOrURL, token)
	if err != nil {
		return err
	}
	return a.store.UpsertWebhook(ctx, storage.Webhook{
		GuildID: guildID,
		ID:      ep.ID,
		URL:     ep.URL(),
		Token:   ep.Token,
	})
}

func (a *App) RemoveWebhook(ctx context.Context, guildID string) error {
	return a.store.DeleteWebhook(ctx, guildID)
}

func (a *App) Subscription(ctx context.Context, guildID string) (storage.Subscription, bool, error) {
	return a.store.GetSubscription(ctx, guildID)
}

func (a *App) DispatchHistory() []dispatch.HistoryItem {
	return a.dispatcher.Snapshot()
}

// ---- internals ----

// seedEvents makes sure every enabled recurring kind has a pending reminder.
// The store is the sole source of truth, so after a restart the loop resumes
// from whatever survived; seeding only fills genuinely missing kinds.
func (a *App) seedEvents(ctx context.Context) error {
	now := time.Now().UTC()
	for _, k := range a.events {
		has, err := a.store.HasReminder(ctx, string(k))
		if err != nil {
			return err
		}
		if has {
			continue
		}
		next, ok := event.Next(k, now)
		if !ok {
			continue
		}
		if _, err := a.store.CreateReminder(ctx, next, string(k), nil); err != nil {
			return err
		}
		a.log.Info("seeded recurring event", logx.String("event", string(k)), logx.Time("next", next))
	}
	return nil
}

func (a *App) startHousekeeping() error {
	cfg := a.cfgMgr.Get()
	hk := cfg.Housekeeping
	if hk == nil || !hk.Enabled {
		return nil
	}

	schedule := hk.Schedule
	if schedule == "" {
		schedule = defaultHousekeepingSchedule
	}
	retention, err := config.ParseDurationOr("housekeeping.fault_retention", hk.FaultRetention, defaultFaultRetention)
	if err != nil {
		return err
	}

	log := a.log.With(logx.String("svc", "housekeeping"))
	a.cron = cron.New()
	_, err = a.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		n, err := a.store.PruneFaults(ctx, time.Now().Add(-retention))
		if err != nil {
			log.Warn("fault prune failed", logx.Err(err))
		} else if n > 0 {
			log.Info("pruned dispatch faults", logx.Int64("count", n))
		}
		if err := a.store.Checkpoint(ctx); err != nil {
			log.Warn("checkpoint failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("housekeeping.schedule: %w", err)
	}
	a.cron.Start()
	return nil
}

// applyConfig applies the runtime-adjustable parts of a reloaded config:
// log level/output and dispatcher tuning. Storage path and the event list
// need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(loggingConfig(cfg))

	dcfg, err := dispatcherConfig(cfg.Dispatcher)
	if err != nil {
		a.log.Warn("reload: bad dispatcher config", logx.Err(err))
		return
	}
	a.dispatcher.Apply(dcfg)
	a.log.Info("config reloaded")
}

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func dispatcherConfig(dc *config.DispatcherConfig) (dispatch.Config, error) {
	var out dispatch.Config
	if dc == nil {
		return out, nil
	}
	out.MaxInFlight = dc.MaxInFlight
	out.RatePerSec = dc.RatePerSec
	out.RetryMax = dc.RetryMax

	var err error
	if out.RetryBase, err = config.ParseDuration("dispatcher.retry_base", dc.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDuration("dispatcher.retry_max_delay", dc.RetryMaxDelay); err != nil {
		return out, err
	}
	if out.SendTimeout, err = config.ParseDuration("dispatcher.send_timeout", dc.SendTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func enabledEvents(ec *config.EventsConfig) []event.Kind {
	if ec == nil {
		return append([]event.Kind(nil), event.Subscribable...)
	}
	out := make([]event.Kind, 0, len(ec.Enabled))
	for _, s := range ec.Enabled {
		k, err := event.ParseKind(s)
		if err != nil {
			continue // rejected earlier by validate
		}
		out = append(out, k)
	}
	return out
}

func validate(cfg *config.Config) error {
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := config.ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := dispatcherConfig(cfg.Dispatcher); err != nil {
		return err
	}
	if cfg.Events != nil {
		for _, s := range cfg.Events.Enabled {
			k, err := event.ParseKind(s)
			if err != nil {
				return fmt.Errorf("events.enabled: %w: %q", err, s)
			}
			if !k.IsSubscribable() {
				return fmt.Errorf("events.enabled: %q is not a recurring kind", s)
			}
		}
	}
	if hk := cfg.Housekeeping; hk != nil {
		if _, err := config.ParseDurationOr("housekeeping.fault_retention", hk.FaultRetention, defaultFaultRetention); err != nil {
			return err
		}
		if hk.Schedule != "" {
			if _, err := cron.ParseStandard(hk.Schedule); err != nil {
				return fmt.Errorf("housekeeping.schedule: %w", err)
			}
		}
	}
	return nil
}

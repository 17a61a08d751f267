package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/Mathew-Carl/Apparition/internal/bot"
	"github.com/Mathew-Carl/Apparition/internal/browser"
	"github.com/Mathew-Carl/Apparition/internal/config"
	"github.com/Mathew-Carl/Apparition/internal/eventbus"
	"github.com/Mathew-Carl/Apparition/internal/login"
	"github.com/Mathew-Carl/Apparition/internal/runtime/supervisor"
	"github.com/Mathew-Carl/Apparition/internal/schedule"
	kit "github.com/Mathew-Carl/Apparition/internal/transport"
	telegram "github.com/Mathew-Carl/Apparition/internal/transport/telegram/adapter"
	"github.com/Mathew-Carl/Apparition/internal/transport/telegram/router"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	*core
	logins *browser.LoginFactory
	engine *schedule.Engine

	// nil when no telegram token is configured
	adapter *telegram.Adapter
	router  *router.Router

	sup      *supervisor.Supervisor
	registry *login.Registry
	bot      *bot.Bot
	updates  chan kit.Message
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(ctx, cfg); err != nil {
		return nil, err
	}

	var ad *telegram.Adapter
	if cfg.Telegram.Token != "" {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout},
			logx.NewConsole("INFO").With(logx.Component("telegram")))
		if err != nil {
			return nil, err
		}
	}

	// Bootstrap with telegram logging off so Apply does not warn before the
	// target is set.
	lc := mapLogging(cfg)
	boot := lc
	boot.Telegram.Enabled = false
	var sender logx.Sender
	if ad != nil {
		sender = ad
	}
	logs, log := logx.New(boot, sender)
	if id := logTarget(cfg); id != 0 {
		logs.SetTelegramTarget(id, cfg.Logging.Telegram.ThreadID)
	}
	if ad == nil {
		lc.Telegram.Enabled = false
	}
	logs.Apply(lc)
	log = log.With(logx.Component("app"))
	if ad == nil {
		log.Warn("telegram.token is empty; running without the chat bot")
	}
	cfgm.SetLogger(log.With(logx.Component("config")))
	cfgm.SetValidator(validateConfig)

	bus := eventbus.New()
	c, err := newCore(ctx, cfg, log, bus, ad)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	ls, _ := mapLogin(cfg)
	sc, _ := mapScheduler(cfg)
	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		core:    c,
		logins:  browser.NewLoginFactory(mapBrowser(cfg), ls.browser, log),
		engine:  schedule.New(sc, c.store, c.orch, log.With(logx.Component("scheduler")), bus),
		adapter: ad,
		updates: make(chan kit.Message, 256),
	}
	if ad != nil {
		a.router = router.New(log.With(logx.Component("commands")), ad, cfg.Telegram.OwnerUserIDs)
	}
	return a, nil
}

// Done is closed when the app supervisor stops.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err is the first fatal task error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()
	ls, _ := mapLogin(cfg)

	a.registry = login.NewRegistry(a.logins, ls.registry, a.sup, a.log.With(logx.Component("login")), a.bus)
	a.sup.Go0("login.janitor", a.registry.RunJanitor)

	// notifier outlives the app context so Stop can drain it
	a.notif.Start(context.WithoutCancel(ctx))

	if err := a.engine.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if a.adapter != nil {
		a.bot = bot.New(bot.Deps{
			Store:     a.store,
			Logins:    a.registry,
			Runner:    a.orch,
			Scheduler: a.engine,
			Notifier:  a.notif,
			Sup:       a.sup,
		}, a.log.With(logx.Component("bot")))
		a.bot.SetLoginTiming(ls.pollInterval, ls.registry.Session.Timeout)
		menu := a.router.SetCommands(a.bot.Commands())

		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.sup.Go0("telegram.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 15*time.Second)
			defer cancel()
			if err := a.adapter.UpdateMenuCommands(mctx, menu); err != nil {
				a.log.Warn("set bot menu failed", logx.Err(err))
			}
		})
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.router.DispatchLoop(c, a.updates)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				if n := a.bus.Dropped(); n > 0 {
					a.log.Debug("events dropped by slow subscribers", logx.Uint64("count", n))
				}
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("signal.hup", a.reloadOnHUP)

	notifySystemd(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.Bool("bot", a.adapter != nil))
	return nil
}

// reloadOnHUP re-derives the triggers on SIGHUP, so CLI mutations made
// against the same database take effect.
func (a *App) reloadOnHUP(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			notifySystemd(a.log, daemon.SdNotifyReloading)
			if err := a.engine.Reconcile(ctx); err != nil {
				a.log.Error("reconcile on SIGHUP failed", logx.Err(err))
			} else {
				a.log.Info("triggers reloaded on SIGHUP")
			}
			notifySystemd(a.log, daemon.SdNotifyReady)
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	if prev.Storage != next.Storage {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if prev.Telegram.Token != next.Telegram.Token {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}

	a.logs.SetTelegramTarget(logTarget(next), next.Logging.Telegram.ThreadID)
	lc := mapLogging(next)
	if a.adapter == nil {
		lc.Telegram.Enabled = false
	}
	a.logs.Apply(lc)

	if a.router != nil {
		a.router.SetOwners(next.Telegram.OwnerUserIDs)
	}

	wasEnabled := a.notif.Enabled()
	a.core.apply(next, a.log)
	switch nowEnabled := a.notif.Enabled(); {
	case wasEnabled && !nowEnabled:
		sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(sctx)
		cancel()
	case !wasEnabled && nowEnabled:
		a.notif.Start(context.WithoutCancel(ctx))
	}

	if ls, err := mapLogin(next); err != nil {
		a.log.Warn("invalid login config; keeping previous", logx.Err(err))
	} else {
		a.registry.SetOptions(ls.registry)
		a.logins.Apply(mapBrowser(next), ls.browser)
		if a.bot != nil {
			a.bot.SetLoginTiming(ls.pollInterval, ls.registry.Session.Timeout)
		}
	}

	if sc, err := mapScheduler(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(sc)
		if err := a.engine.Reconcile(ctx); err != nil {
			a.log.Error("reconcile after config reload failed", logx.Err(err))
		}
	}
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.core.close(ctx)
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifySystemd(a.log, daemon.SdNotifyStopping)
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 5*time.Second, a.engine.Stop)
	step("logins", 2*time.Second, a.registry.Close)
	if a.adapter != nil {
		step("adapter", 2*time.Second, a.adapter.Stop)
	}
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("core", 10*time.Second, a.core.close)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func notifySystemd(log logx.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mathew-Carl/Apparition/internal/browser"
	"github.com/Mathew-Carl/Apparition/internal/checkin"
	"github.com/Mathew-Carl/Apparition/internal/config"
	"github.com/Mathew-Carl/Apparition/internal/eventbus"
	"github.com/Mathew-Carl/Apparition/internal/notifier"
	"github.com/Mathew-Carl/Apparition/internal/notifier/mail"
	"github.com/Mathew-Carl/Apparition/internal/notifier/serverchan"
	"github.com/Mathew-Carl/Apparition/internal/storage"
	telegram "github.com/Mathew-Carl/Apparition/internal/transport/telegram/adapter"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

// core is what every entry point needs to run check-ins: the store, the
// browser submitter, the notifier and the orchestrator.
type core struct {
	store  *storage.SQLite
	submit *browser.FormSubmitter
	notif  *notifier.Service
	orch   *checkin.Orchestrator
}

func newCore(ctx context.Context, cfg *config.Config, log logx.Logger, bus eventbus.Bus, ad *telegram.Adapter) (*core, error) {
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.Component("storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	ncfg, err := mapNotifier(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, log.With(logx.Component("notifier")), bus)
	notif.SetSink(notifier.SchemeServerChan, serverchan.New(cfg.Notifier.ServerChan.BaseURL, nil))
	if m := mail.New(mapMail(cfg)); m.Configured() {
		notif.SetSink(notifier.SchemeMail, m)
	}
	if ad != nil {
		notif.SetSink(notifier.SchemeTelegram, notifier.ChatSink{Sender: ad})
	}

	copts, err := mapCheckin(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if copts.TargetURL == "" {
		log.Warn("checkin.target_url is empty; check-ins will fail until it is set")
	}
	submit := browser.NewFormSubmitter(mapBrowser(cfg), log)
	orch := checkin.New(store, submit, notif, copts, log.With(logx.Component("checkin")), bus)

	return &core{store: store, submit: submit, notif: notif, orch: orch}, nil
}

// apply pushes the hot-reloadable parts of cfg into the core.
func (c *core) apply(cfg *config.Config, log logx.Logger) {
	if ncfg, err := mapNotifier(cfg); err != nil {
		log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		c.notif.Apply(ncfg)
	}
	if m := mail.New(mapMail(cfg)); m.Configured() {
		c.notif.SetSink(notifier.SchemeMail, m)
	} else {
		c.notif.SetSink(notifier.SchemeMail, nil)
	}
	c.notif.SetSink(notifier.SchemeServerChan, serverchan.New(cfg.Notifier.ServerChan.BaseURL, nil))

	if copts, err := mapCheckin(cfg); err != nil {
		log.Warn("invalid checkin config; keeping previous", logx.Err(err))
	} else {
		c.orch.SetOptions(copts)
	}
	c.submit.Apply(mapBrowser(cfg))
}

func (c *core) close(ctx context.Context) error {
	var errs []error
	c.notif.Stop(ctx)
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Local is a core without the chat bot or the scheduler, for one-shot CLI
// commands.
type Local struct {
	*core
	Config *config.Config
	logs   *logx.Service
}

// OpenLocal loads the config and opens the store. Notifications are sent
// through telegram when a token is configured.
func OpenLocal(ctx context.Context, cfgPath string) (*Local, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(ctx, cfg); err != nil {
		return nil, err
	}
	lc := mapLogging(cfg)
	lc.Telegram.Enabled = false
	lc.Console = true
	logs, log := logx.New(lc, nil)

	var ad *telegram.Adapter
	if cfg.Telegram.Token != "" {
		if ad, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token}, log.With(logx.Component("telegram"))); err != nil {
			log.Warn("telegram unavailable; tg: notifications disabled", logx.Err(err))
			ad = nil
		}
	}

	c, err := newCore(ctx, cfg, log, nil, ad)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	c.notif.Start(ctx)
	return &Local{core: c, Config: cfg, logs: logs}, nil
}

func (l *Local) Store() storage.Store { return l.store }

func (l *Local) Orchestrator() *checkin.Orchestrator { return l.orch }

// Close drains pending notifications for up to 20s.
func (l *Local) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := l.core.close(ctx)
	_ = l.logs.Close()
	return err
}

// OpenStore opens (and migrates) the database named by the config file.
func OpenStore(ctx context.Context, cfgPath string) (*storage.SQLite, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(ctx, sc, logx.Nop())
}

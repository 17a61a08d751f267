package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/Mathew-Carl/Apparition/internal/domain"
	"github.com/Mathew-Carl/Apparition/internal/login"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

var qrSelectors = []string{
	`img[src*="qrcode"]`,
	`img[src*="minicode"]`,
	`.qrcode img`,
	`.login-qrcode img`,
}

// qrScript returns the src of the first QR image on the page, or "".
var qrScript = func() string {
	quoted := make([]string, len(qrSelectors))
	for i, s := range qrSelectors {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return `(() => {
  for (const sel of [` + strings.Join(quoted, ",") + `]) {
    const el = document.querySelector(sel);
    if (el && el.src) return el.src;
  }
  return "";
})()`
}()

// LoginOptions configures the login channels a factory hands out.
type LoginOptions struct {
	RequiredTokens []string
	UIDToken       string
	PollInterval   time.Duration // 0 means 1s
	OpenTimeout    time.Duration // 0 means 30s
}

// LoginFactory opens one browser per login handshake.
type LoginFactory struct {
	mu   sync.RWMutex
	cfg  Config
	opts LoginOptions
	log  logx.Logger
}

func NewLoginFactory(cfg Config, opts LoginOptions, log logx.Logger) *LoginFactory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LoginFactory{cfg: cfg, opts: opts, log: log.With(logx.Component("browser.login"))}
}

// Apply replaces the settings used by channels created afterwards.
func (f *LoginFactory) Apply(cfg Config, opts LoginOptions) {
	f.mu.Lock()
	f.cfg, f.opts = cfg, opts
	f.mu.Unlock()
}

func (f *LoginFactory) NewChannel(context.Context) (login.Channel, error) {
	f.mu.RLock()
	cfg, opts := f.cfg.withDefaults(), f.opts
	f.mu.RUnlock()

	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.UIDToken == "" {
		opts.UIDToken = "uid"
	}
	return &loginChannel{cfg: cfg, opts: opts, log: f.log}, nil
}

type loginChannel struct {
	cfg  Config
	opts LoginOptions
	log  logx.Logger

	mu   sync.Mutex
	sess *session
}

// Open starts the browser and reads the QR code. The browser outlives ctx;
// only the page load is bounded by it.
func (c *loginChannel) Open(ctx context.Context) (login.Code, error) {
	sess, err := newSession(context.WithoutCancel(ctx), c.cfg, c.log)
	if err != nil {
		return login.Code{}, fmt.Errorf("start browser: %w", err)
	}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	runCtx, cancel := context.WithTimeout(sess.ctx, c.opts.OpenTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, chromedp.Navigate(c.cfg.LoginURL)); err != nil {
		return login.Code{}, fmt.Errorf("open login page: %w", err)
	}

	var src string
	for {
		if err := chromedp.Run(runCtx, chromedp.Evaluate(qrScript, &src)); err != nil {
			return login.Code{}, fmt.Errorf("read qr code: %w", err)
		}
		if src != "" {
			break
		}
		select {
		case <-runCtx.Done():
			return login.Code{}, fmt.Errorf("qr code not found: %w", runCtx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}

	id := channelIDFromQR(src)
	c.log.Info("qr code ready", logx.Channel(id))
	return login.Code{ChannelID: id, DisplayURL: src}, nil
}

// AwaitCredential polls the cookie jar until a required token shows up or
// the page leaves the login host.
func (c *loginChannel) AwaitCredential(ctx context.Context, timeout time.Duration) (login.Credential, error) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return login.Credential{}, errors.New("channel not open")
	}

	runCtx, cancel := context.WithTimeout(sess.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	host := c.cfg.LoginHost()
	t := time.NewTicker(c.opts.PollInterval)
	defer t.Stop()
	for {
		var loc string
		var cookies []*network.Cookie
		err := chromedp.Run(runCtx,
			chromedp.Location(&loc),
			chromedp.ActionFunc(func(ctx context.Context) error {
				var err error
				cookies, err = storage.GetCookies().Do(ctx)
				return err
			}),
		)
		if err == nil {
			tokens := tokensFromCookies(cookies)
			left := loc != "" && (!onHost(loc, host) || strings.Contains(loc, "callback"))
			if domain.HasAny(tokens, c.opts.RequiredTokens) || left {
				if left {
					// the redirect sets cookies after navigation
					if err := sleepCtx(runCtx, 2*time.Second); err == nil {
						if fresh, err := c.cookies(runCtx); err == nil {
							tokens = fresh
						}
					}
				}
				uid, _ := domain.Lookup(tokens, c.opts.UIDToken)
				return login.Credential{Tokens: tokens, RemoteID: uid}, nil
			}
		} else {
			c.log.Debug("login poll failed", logx.Err(err))
		}

		select {
		case <-runCtx.Done():
			if ctx.Err() != nil {
				return login.Credential{}, ctx.Err()
			}
			return login.Credential{}, fmt.Errorf("%w: no login after %s", domain.ErrTimeout, timeout)
		case <-t.C:
		}
	}
}

func (c *loginChannel) cookies(ctx context.Context) ([]domain.Token, error) {
	var cookies []*network.Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return tokensFromCookies(cookies), nil
}

func (c *loginChannel) Close() error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	sess.close()
	return nil
}

// channelIDFromQR extracts <id> from ".../minicodes/<id>?...".
func channelIDFromQR(src string) string {
	_, rest, ok := strings.Cut(src, "minicodes/")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "?")
	id, _, _ = strings.Cut(id, "/")
	return id
}

func tokensFromCookies(cookies []*network.Cookie) []domain.Token {
	out := make([]domain.Token, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		out = append(out, domain.Token{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: path})
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

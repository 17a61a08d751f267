// Package browser drives a headless Chromium through chromedp for the QR
// login handshake and the check-in form.
package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"

	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

const (
	DefaultLoginURL  = "https://account.wps.cn/"
	DefaultUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 15_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.0 Mobile/15E148 Safari/604.1"
	DefaultLocale    = "zh-CN"
	DefaultTimezone  = "Asia/Shanghai"

	viewportWidth  = 375
	viewportHeight = 812
)

type Config struct {
	Headless  bool
	ExecPath  string
	UserAgent string
	LoginURL  string
	Locale    string
	Timezone  string
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.LoginURL == "" {
		c.LoginURL = DefaultLoginURL
	}
	if c.Locale == "" {
		c.Locale = DefaultLocale
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	return c
}

// LoginHost is the host of the login page; landing there means the
// credential is no longer accepted.
func (c Config) LoginHost() string {
	u, err := url.Parse(c.withDefaults().LoginURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// session is one browser process with a single tab.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// newSession starts a browser for one operation. The returned session must
// be closed; closing kills the process.
func newSession(parent context.Context, cfg Config, log logx.Logger) (*session, error) {
	cfg = cfg.withDefaults()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.WindowSize(viewportWidth, viewportHeight),
		chromedp.Flag("lang", cfg.Locale),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			log.Debug("chromedp", logx.String("msg", fmt.Sprintf(format, args...)))
		}),
	)
	s := &session{ctx: tabCtx, cancel: func() { tabCancel(); allocCancel() }}

	err := chromedp.Run(tabCtx,
		emulation.SetDeviceMetricsOverride(viewportWidth, viewportHeight, 3, true),
		emulation.SetLocaleOverride().WithLocale(cfg.Locale),
		emulation.SetTimezoneOverride(cfg.Timezone),
	)
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

// onHost reports whether raw points at host or one of its subdomains.
func onHost(raw, host string) bool {
	if host == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	h := strings.ToLower(u.Hostname())
	host = strings.ToLower(host)
	return h == host || strings.HasSuffix(h, "."+host)
}

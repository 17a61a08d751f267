package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/Mathew-Carl/Apparition/internal/checkin"
	"github.com/Mathew-Carl/Apparition/internal/domain"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

// Page texts of the remote check-in form.
const (
	textboxSelector  = `input[placeholder*="请输入"], textarea[placeholder*="请输入"]`
	verifyButtonText = "完成校验"
	resumePromptText = "您之前填写过此打卡"
	cancelButtonText = "取消"
	clockSelector    = ".src-pages-clock-components-common-clock-button-circle-index__container"

	LoginExpiredMessage = "login expired, scan again"
	SuccessMessage      = "check-in succeeded"
)

var successMarkers = []string{"填写成功", "已打卡", "打卡成功"}

// FormSubmitter fills and submits the check-in form in a fresh browser per
// attempt.
type FormSubmitter struct {
	mu  sync.RWMutex
	cfg Config
	log logx.Logger

	// ResultWait bounds the wait for a success marker; 0 means 30s.
	ResultWait time.Duration
}

var _ checkin.Submitter = (*FormSubmitter)(nil)

func NewFormSubmitter(cfg Config, log logx.Logger) *FormSubmitter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FormSubmitter{cfg: cfg, log: log.With(logx.Component("browser.submit"))}
}

func (s *FormSubmitter) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *FormSubmitter) Submit(ctx context.Context, req checkin.SubmitRequest) (bool, string, error) {
	if strings.TrimSpace(req.TargetURL) == "" {
		return false, "", fmt.Errorf("%w: no target url configured", domain.ErrSubmissionFailed)
	}
	s.mu.RLock()
	cfg := s.cfg.withDefaults()
	s.mu.RUnlock()
	log := s.log.With(logx.Account(req.AccountID))

	sess, err := newSession(ctx, cfg, log)
	if err != nil {
		return false, "", fmt.Errorf("start browser: %w", err)
	}
	defer sess.close()
	bctx := sess.ctx

	origin := ""
	if u, err := url.Parse(req.TargetURL); err == nil {
		origin = u.Scheme + "://" + u.Host
	}
	setup := []chromedp.Action{network.Enable()}
	for _, t := range req.Tokens {
		setup = append(setup, network.SetCookie(t.Name, t.Value).WithDomain(t.Domain).WithPath(t.Path))
	}
	grant := cdpbrowser.GrantPermissions([]cdpbrowser.PermissionType{cdpbrowser.PermissionTypeGeolocation})
	if origin != "" {
		grant = grant.WithOrigin(origin)
	}
	setup = append(setup,
		grant,
		emulation.SetGeolocationOverride().WithLatitude(req.Latitude).WithLongitude(req.Longitude).WithAccuracy(10),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": cfg.Locale + ",zh;q=0.9,en;q=0.8"}),
	)
	if err := chromedp.Run(bctx, setup...); err != nil {
		return false, "", fmt.Errorf("prepare browser: %w", err)
	}

	var loc string
	if err := chromedp.Run(bctx, chromedp.Navigate(req.TargetURL), chromedp.Location(&loc)); err != nil {
		return false, "", fmt.Errorf("open form: %w", err)
	}
	if isLoginPage(loc, cfg.LoginHost()) {
		log.Warn("credential rejected, redirected to login", logx.String("url", loc))
		return false, LoginExpiredMessage, nil
	}

	if err := s.fillForm(bctx, req.Content, log); err != nil {
		return false, "", err
	}

	wait := s.ResultWait
	if wait <= 0 {
		wait = 30 * time.Second
	}
	body, ok := s.waitForMarker(bctx, wait)
	if ok {
		log.Info("form submitted")
		return true, SuccessMessage, nil
	}
	log.Warn("no success marker", logx.Int("body_len", len(body)))
	return false, "no success marker on page", nil
}

func (s *FormSubmitter) fillForm(ctx context.Context, content string, log logx.Logger) error {
	step := func(d time.Duration, name string, actions ...chromedp.Action) error {
		sctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		if err := chromedp.Run(sctx, actions...); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}

	if err := step(15*time.Second, "fill textbox",
		chromedp.WaitVisible(textboxSelector, chromedp.ByQuery),
		chromedp.SendKeys(textboxSelector, content, chromedp.ByQuery),
	); err != nil {
		return err
	}
	if err := s.clickText(ctx, verifyButtonText); err != nil {
		return err
	}

	// an earlier draft triggers a resume prompt; decline it
	if s.pageContains(ctx, 3*time.Second, resumePromptText) {
		log.Debug("dismissing resume prompt")
		if err := s.clickText(ctx, cancelButtonText); err != nil {
			return err
		}
		_ = sleepCtx(ctx, time.Second)
	}

	return step(15*time.Second, "click clock button",
		chromedp.WaitVisible(clockSelector, chromedp.ByQuery),
		chromedp.Click(clockSelector, chromedp.ByQuery),
	)
}

// clickText clicks the first button whose text contains label.
func (s *FormSubmitter) clickText(ctx context.Context, label string) error {
	js := fmt.Sprintf(`(() => {
  const want = %q;
  for (const el of document.querySelectorAll('button, [role="button"]')) {
    if ((el.innerText || "").includes(want)) { el.click(); return true; }
  }
  return false;
})()`, label)

	sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	for {
		var clicked bool
		if err := chromedp.Run(sctx, chromedp.Evaluate(js, &clicked)); err != nil {
			return fmt.Errorf("click %q: %w", label, err)
		}
		if clicked {
			return nil
		}
		if err := sleepCtx(sctx, 500*time.Millisecond); err != nil {
			return fmt.Errorf("click %q: button not found", label)
		}
	}
}

func (s *FormSubmitter) bodyText(ctx context.Context) (string, error) {
	var text string
	err := chromedp.Run(ctx, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text))
	return text, err
}

func (s *FormSubmitter) pageContains(ctx context.Context, wait time.Duration, text string) bool {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if body, err := s.bodyText(ctx); err == nil && strings.Contains(body, text) {
			return true
		}
		if sleepCtx(ctx, 300*time.Millisecond) != nil {
			return false
		}
	}
	return false
}

func (s *FormSubmitter) waitForMarker(ctx context.Context, wait time.Duration) (string, bool) {
	deadline := time.Now().Add(wait)
	var body string
	for {
		if text, err := s.bodyText(ctx); err == nil {
			body = text
			if hasSuccessMarker(body) {
				return body, true
			}
		}
		if time.Now().After(deadline) || sleepCtx(ctx, time.Second) != nil {
			return body, false
		}
	}
}

func hasSuccessMarker(body string) bool {
	for _, m := range successMarkers {
		if strings.Contains(body, m) {
			return true
		}
	}
	return false
}

func isLoginPage(loc, loginHost string) bool {
	if onHost(loc, loginHost) {
		return true
	}
	u, err := url.Parse(loc)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(u.Path), "login")
}

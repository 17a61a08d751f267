package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mathew-Carl/Apparition/internal/domain"
	"github.com/Mathew-Carl/Apparition/internal/login"
	"github.com/Mathew-Carl/Apparition/internal/storage"
	"github.com/Mathew-Carl/Apparition/internal/transport/telegram/router"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

// AttachAccount stores a successful login. A known remote id gets its
// credential refreshed (and content, when given); a new one is inserted as
// "user <remote_id>".
func AttachAccount(store storage.Store, content string, rules domain.CredentialRules) login.AttachFunc {
	content = strings.TrimSpace(content)
	return func(ctx context.Context, st login.Status) (int64, error) {
		cred, err := domain.EncodeCredential(st.Tokens, rules)
		if err != nil {
			return 0, fmt.Errorf("encode credential: %w", err)
		}
		acc, err := store.GetAccountByRemoteID(ctx, st.RemoteID)
		switch {
		case err == nil:
			acc.Credential = cred
			if content != "" {
				acc.Content = content
			}
			return store.UpsertAccount(ctx, acc)
		case errors.Is(err, domain.ErrNotFound):
			return store.UpsertAccount(ctx, domain.Account{
				RemoteID:   st.RemoteID,
				Name:       "user " + st.RemoteID,
				Credential: cred,
				Content:    content,
				Latitude:   domain.DefaultLatitude,
				Longitude:  domain.DefaultLongitude,
				Enabled:    true,
			})
		default:
			return 0, err
		}
	}
}

func (b *Bot) cmdLogin(ctx context.Context, req *router.Request) error {
	content := strings.Join(req.Args, " ")
	id, code, err := b.d.Logins.Create(ctx)
	if err != nil {
		return fmt.Errorf("login unavailable: %w", err)
	}
	if err := req.Reply(ctx, fmt.Sprintf("Scan the QR code to log in:\n%s\n\nchannel: %s", code.DisplayURL, id)); err != nil {
		req.Logger.Warn("send login code failed", logx.Err(err))
	}

	attach := AttachAccount(b.d.Store, content, b.d.Runner.CredentialRules())
	b.background("bot.login_poll:"+id, func(ctx context.Context) {
		st, err := b.pollLogin(ctx, id, attach)
		var text string
		switch {
		case errors.Is(err, domain.ErrNotFound):
			text = "login session expired"
		case err != nil:
			text = "login polling stopped: " + err.Error()
		case st.State == login.StateSuccess:
			text = fmt.Sprintf("login ok: account #%d (remote id %s)", st.AccountID, st.RemoteID)
			if reconcileWarn := b.reconcile(ctx, req); reconcileWarn != "" {
				text += reconcileWarn
			}
		default:
			text = "login failed: " + st.Error
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := req.Reply(rctx, text); err != nil {
			req.Logger.Warn("send login outcome failed", logx.Err(err))
		}
	})
	return nil
}

// pollLogin polls Status until the session is terminal (and retired).
func (b *Bot) pollLogin(ctx context.Context, id string, attach login.AttachFunc) (login.Status, error) {
	interval := time.Duration(b.pollInterval.Load())
	// the session enforces its own timeout; this only bounds a stuck poller
	deadline := time.Now().Add(time.Duration(b.loginTimeout.Load()) + time.Minute)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		st, err := b.d.Logins.Status(ctx, id, attach)
		if err != nil || st.Terminal() {
			return st, err
		}
		if time.Now().After(deadline) {
			return st, domain.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

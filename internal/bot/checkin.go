package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mathew-Carl/Apparition/internal/domain"
	"github.com/Mathew-Carl/Apparition/internal/transport/telegram/router"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

func (b *Bot) cmdCheckin(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return fmt.Errorf("usage: /checkin <id>|all")
	}

	if req.Args[0] == "all" {
		if b.d.Runner.BatchRunning() {
			return req.Reply(ctx, "a batch run is already in progress")
		}
		if err := req.Reply(ctx, "batch check-in started"); err != nil {
			return err
		}
		b.background("bot.checkin_all", func(ctx context.Context) {
			res, err := b.d.Runner.Batch(ctx)
			switch {
			case errors.Is(err, domain.ErrBatchInProgress):
				b.replyLater(ctx, req, "a batch run is already in progress")
			case err != nil:
				b.replyLater(ctx, req, fmt.Sprintf("batch check-in error: %v", err))
			default:
				b.replyLater(ctx, req, fmt.Sprintf("batch %s done in %s: %d ok, %d failed, %d skipped of %d",
					shortRunID(res.RunID), res.Took.Round(time.Second), res.Succeeded, res.Failed, res.Skipped, res.Total))
			}
		})
		return nil
	}

	id, err := parseID(req.Args[0])
	if err != nil {
		return err
	}
	acc, err := b.d.Store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if err := req.Reply(ctx, fmt.Sprintf("check-in started for #%d %s", acc.ID, acc.DisplayName())); err != nil {
		return err
	}
	b.background(fmt.Sprintf("bot.checkin:%d", id), func(ctx context.Context) {
		out, err := b.d.Runner.Single(ctx, id)
		var text string
		switch {
		case errors.Is(err, domain.ErrCheckinInProgress):
			text = fmt.Sprintf("#%d: a check-in is already running", id)
		case err != nil:
			text = fmt.Sprintf("#%d: check-in error: %v", id, err)
		case out.Success:
			text = fmt.Sprintf("✅ #%d %s: %s (%d attempt(s))", id, out.Account, out.Message, out.Attempts)
		default:
			text = fmt.Sprintf("❌ #%d %s: %s (%d attempt(s))", id, out.Account, out.Message, out.Attempts)
		}
		b.replyLater(ctx, req, text)
	})
	return nil
}

// replyLater sends a follow-up from background work, past the command timeout.
func (b *Bot) replyLater(ctx context.Context, req *router.Request, text string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := req.Reply(rctx, text); err != nil {
		req.Logger.Warn("send follow-up failed", logx.Err(err))
	}
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

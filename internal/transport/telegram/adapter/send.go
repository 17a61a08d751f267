package adapter

import (
	"context"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "github.com/Mathew-Carl/Apparition/internal/transport"
)

// textLimit stays under Telegram's 4096 character cap.
const textLimit = 4000

// SendText posts text, split into several messages when it is too long. Each
// message waits on the outgoing rate limiter.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt != nil {
		so.DisableWebPagePreview = opt.DisablePreview
		if opt.HTML {
			so.ParseMode = tele.ModeHTML
		}
	}
	chat := &tele.Chat{ID: to.ChatID}
	for i, chunk := range splitText(text, textLimit) {
		if err := a.send.Wait(ctx); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk, so); err != nil {
			return fmt.Errorf("telegram send part %d to %d: %w", i+1, to.ChatID, err)
		}
	}
	return nil
}

// SendChat backs the tg: notification sink.
func (a *Adapter) SendChat(ctx context.Context, chatID int64, threadID int, text string) error {
	return a.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
}

// SendLog implements logx.Sender. Log lines are sent as plain text since
// they carry raw field values.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	return a.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
}

// splitText cuts s into chunks of at most limit runes. A cut prefers the last
// newline in the back two thirds of the chunk; newlines at chunk edges are
// dropped.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for len(rs) > 0 {
		end := min(limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[:end]), "\n"))
		rs = rs[end:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	return out
}

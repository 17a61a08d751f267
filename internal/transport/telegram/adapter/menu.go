package adapter

import (
	"context"
	"slices"

	tele "gopkg.in/telebot.v4"

	kit "github.com/Mathew-Carl/Apparition/internal/transport"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

const (
	menuMaxCommands    = 100
	menuMaxDescription = 256
)

func buildMenu(cmds []kit.BotCommand) []tele.Command {
	menu := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if r := []rune(d); len(r) > menuMaxDescription {
			d = string(r[:menuMaxDescription])
		}
		menu = append(menu, tele.Command{Text: c.Command, Description: d})
		if len(menu) == menuMaxCommands {
			break
		}
	}
	return menu
}

// UpdateMenuCommands calls setMyCommands only when the menu changed since the
// last successful call.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	menu := buildMenu(cmds)

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if a.menu != nil && slices.Equal(a.menu, menu) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return err
	}
	a.menu = menu
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}

package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/Mathew-Carl/Apparition/internal/domain"
	"github.com/Mathew-Carl/Apparition/internal/schedule"
	"github.com/Mathew-Carl/Apparition/internal/transport/telegram/router"
)

func (b *Bot) cmdSchedules(ctx context.Context, req *router.Request) error {
	triggers, err := b.d.Store.ListScheduleTriggers(ctx)
	if err != nil {
		return err
	}
	if len(triggers) == 0 {
		return req.Reply(ctx, "no triggers, use /schedule add <name> <HH:MM>")
	}

	next := map[string]string{}
	tz := ""
	if b.d.Scheduler != nil {
		st := b.d.Scheduler.Status()
		tz = st.Timezone
		for _, ti := range st.Triggers {
			if !ti.Next.IsZero() {
				next[ti.ID] = ti.Next.Format("01-02 15:04")
			}
		}
	}

	lines := []string{fmt.Sprintf("%d trigger(s):", len(triggers))}
	for _, t := range triggers {
		state := "on"
		if !t.Enabled {
			state = "off"
		}
		line := fmt.Sprintf("#%d %s %02d:%02d [%s]", t.ID, t.Name, t.Hour, t.Minute, state)
		if n, ok := next[schedule.TriggerID(t.ID)]; ok {
			line += " next " + n
		}
		lines = append(lines, line)
	}
	if tz != "" {
		lines = append(lines, "timezone: "+tz)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

// nameAndTime reads "<name words...> <HH:MM>".
func nameAndTime(args []string) (string, int, int, error) {
	last := len(args) - 1
	h, m, err := domain.ParseHHMM(args[last])
	if err != nil {
		return "", 0, 0, err
	}
	name := strings.TrimSpace(strings.Join(args[:last], " "))
	if name == "" {
		return "", 0, 0, fmt.Errorf("%w: name is required", domain.ErrValidation)
	}
	return name, h, m, nil
}

func (b *Bot) cmdScheduleAdd(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 2 {
		return fmt.Errorf("usage: /schedule add <name> <HH:MM>")
	}
	name, h, m, err := nameAndTime(req.Args)
	if err != nil {
		return err
	}
	id, err := b.d.Store.UpsertScheduleTrigger(ctx, domain.ScheduleTrigger{Name: name, Hour: h, Minute: m, Enabled: true})
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("trigger #%d %s at %02d:%02d added", id, name, h, m)+b.reconcile(ctx, req))
}

// cmdScheduleEdit renames and retimes a trigger; its enabled state is kept.
func (b *Bot) cmdScheduleEdit(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 3 {
		return fmt.Errorf("usage: /schedule edit <id> <name> <HH:MM>")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return err
	}
	name, h, m, err := nameAndTime(req.Args[1:])
	if err != nil {
		return err
	}
	t, err := b.d.Store.GetScheduleTrigger(ctx, id)
	if err != nil {
		return err
	}
	t.Name, t.Hour, t.Minute = name, h, m
	if _, err := b.d.Store.UpsertScheduleTrigger(ctx, t); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("trigger #%d is now %s at %02d:%02d", id, name, h, m)+b.reconcile(ctx, req))
}

func (b *Bot) cmdScheduleToggle(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return fmt.Errorf("usage: /schedule toggle <id>")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return err
	}
	enabled, err := b.d.Store.ToggleScheduleTrigger(ctx, id)
	if err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	return req.Reply(ctx, fmt.Sprintf("trigger #%d %s", id, state)+b.reconcile(ctx, req))
}

func (b *Bot) cmdScheduleDelete(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return fmt.Errorf("usage: /schedule del <id>")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return err
	}
	if err := b.d.Store.DeleteScheduleTrigger(ctx, id); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("trigger #%d deleted", id)+b.reconcile(ctx, req))
}

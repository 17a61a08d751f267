package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mathew-Carl/Apparition/internal/domain"
	"github.com/Mathew-Carl/Apparition/internal/notifier"
	"github.com/Mathew-Carl/Apparition/internal/transport/telegram/router"
)

func (b *Bot) cmdAccounts(ctx context.Context, req *router.Request) error {
	accounts, err := b.d.Store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return req.Reply(ctx, "no accounts yet, use /login")
	}
	lines := make([]string, 0, len(accounts)+1)
	lines = append(lines, fmt.Sprintf("%d account(s):", len(accounts)))
	for _, a := range accounts {
		lines = append(lines, formatAccountLine(a))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func formatAccountLine(a domain.Account) string {
	state := "on"
	if !a.Enabled {
		state = "off"
	}
	parts := []string{fmt.Sprintf("#%d %s [%s]", a.ID, a.DisplayName(), state)}
	if a.HasOverride() {
		parts = append(parts, fmt.Sprintf("at %02d:%02d", *a.CheckinHour, *a.CheckinMinute))
	}
	if a.NotifyEndpoint != "" {
		if ep, err := notifier.ParseEndpoint(a.NotifyEndpoint); err == nil {
			parts = append(parts, "notify "+ep.Redacted())
		}
	}
	if strings.TrimSpace(a.Content) == "" {
		parts = append(parts, "no content")
	}
	if a.LastCheckinAt != nil {
		parts = append(parts, "last "+a.LastCheckinAt.Local().Format("01-02 15:04"))
	}
	return strings.Join(parts, " · ")
}

func (b *Bot) cmdAccount(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 2 {
		return fmt.Errorf("usage: /account <id> enable|disable|content|geo|notify|time|clear-time|delete")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return err
	}
	sub, rest := strings.ToLower(req.Args[1]), req.Args[2:]

	switch sub {
	case "enable", "disable":
		if err := b.d.Store.SetAccountEnabled(ctx, id, sub == "enable"); err != nil {
			return err
		}
		return req.Reply(ctx, fmt.Sprintf("account #%d %sd", id, sub)+b.reconcile(ctx, req))
	case "delete":
		if err := b.d.Store.DeleteAccount(ctx, id); err != nil {
			return err
		}
		return req.Reply(ctx, fmt.Sprintf("account #%d deleted", id)+b.reconcile(ctx, req))
	}

	acc, err := b.d.Store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	reschedule := false
	switch sub {
	case "content":
		acc.Content = strings.TrimSpace(strings.Join(rest, " "))
	case "geo":
		if len(rest) != 2 {
			return fmt.Errorf("usage: /account <id> geo <lat> <lon>")
		}
		lat, err1 := strconv.ParseFloat(rest[0], 64)
		lon, err2 := strconv.ParseFloat(rest[1], 64)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("%w: lat and lon must be numbers", domain.ErrValidation)
		}
		acc.Latitude, acc.Longitude = lat, lon
	case "notify":
		ep := strings.TrimSpace(strings.Join(rest, " "))
		if ep == "off" || ep == "-" {
			ep = ""
		}
		if ep != "" {
			if _, err := notifier.ParseEndpoint(ep); err != nil {
				return err
			}
		}
		acc.NotifyEndpoint = ep
	case "time":
		if len(rest) != 1 {
			return fmt.Errorf("usage: /account <id> time <HH:MM>")
		}
		h, m, err := domain.ParseHHMM(rest[0])
		if err != nil {
			return err
		}
		acc.CheckinHour, acc.CheckinMinute = &h, &m
		reschedule = true
	case "clear-time":
		acc.CheckinHour, acc.CheckinMinute = nil, nil
		reschedule = true
	default:
		return fmt.Errorf("unknown account action %q", sub)
	}

	if _, err := b.d.Store.UpsertAccount(ctx, acc); err != nil {
		return err
	}
	text := "updated: " + formatAccountLine(acc)
	if reschedule {
		text += b.reconcile(ctx, req)
	}
	return req.Reply(ctx, text)
}

func (b *Bot) cmdLogs(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return fmt.Errorf("usage: /logs <id>|all [n]")
	}
	var accountID int64
	if req.Args[0] != "all" {
		id, err := parseID(req.Args[0])
		if err != nil {
			return err
		}
		accountID = id
	}
	limit := 10
	if len(req.Args) > 1 {
		n, err := strconv.Atoi(req.Args[1])
		if err != nil || n <= 0 || n > 100 {
			return fmt.Errorf("n must be within 1-100")
		}
		limit = n
	}

	records, err := b.d.Store.ListCheckinRecords(ctx, accountID, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return req.Reply(ctx, "no records")
	}
	lines := make([]string, 0, len(records))
	for _, r := range records {
		mark := "✅"
		if r.Status != domain.CheckinSuccess {
			mark = "❌"
		}
		lines = append(lines, fmt.Sprintf("%s #%d %s %s", mark, r.AccountID, r.CreatedAt.Local().Format(time.DateTime), r.Message))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

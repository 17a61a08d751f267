package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/Mathew-Carl/Apparition/internal/login"
	"github.com/Mathew-Carl/Apparition/internal/transport/telegram/router"
)

func (b *Bot) cmdStatus(ctx context.Context, req *router.Request) error {
	var lines []string

	if b.d.Logins != nil {
		sessions := b.d.Logins.Snapshot()
		waiting := 0
		for _, s := range sessions {
			if s.State == login.StateWaiting {
				waiting++
			}
		}
		lines = append(lines, fmt.Sprintf("logins: %d session(s), %d waiting", len(sessions), waiting))
	}

	if b.d.Scheduler != nil {
		st := b.d.Scheduler.Status()
		state := "stopped"
		if st.Running {
			state = "running"
		}
		lines = append(lines, fmt.Sprintf("scheduler: %s, %d entries, tz %s", state, st.TriggerCount, st.Timezone))
	}
	if b.d.Runner != nil && b.d.Runner.BatchRunning() {
		lines = append(lines, "batch: running")
	}

	if b.d.Runner != nil {
		running := b.d.Runner.InFlight().Running()
		if len(running) == 0 {
			lines = append(lines, "check-ins: idle")
		} else {
			ids := make([]string, len(running))
			for i, id := range running {
				ids[i] = fmt.Sprintf("#%d", id)
			}
			lines = append(lines, "check-ins: "+strings.Join(ids, " "))
		}
	}

	if n := b.d.Notifier; n != nil {
		if !n.Enabled() {
			lines = append(lines, "notifier: disabled")
		} else {
			s := n.Stats()
			lines = append(lines, fmt.Sprintf("notifier: %d queued, %d sent, %d failed, %d dropped", s.Queued, s.Sent, s.Failed, s.Dropped))
		}
	}

	if b.d.Sup != nil {
		st := b.d.Sup.Stats()
		line := fmt.Sprintf("tasks: %d active, %d run(s), %d panic(s)", st.Active, st.Runs, st.Panics)
		if st.FirstError != "" {
			line += ", first error: " + st.FirstError
		}
		lines = append(lines, line)
	}

	if len(lines) == 0 {
		lines = append(lines, "ok")
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

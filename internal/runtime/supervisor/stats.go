package supervisor

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// TaskStats aggregates the runs of every task sharing a name.
type TaskStats struct {
	Name      string
	Active    int
	Runs      int
	Restarts  int
	Panics    int
	LastStart time.Time
	LastErr   string
}

// Stats is a point-in-time view for status output.
type Stats struct {
	Active     int
	Runs       int
	Panics     int
	FirstError string
	Tasks      []TaskStats // busiest first, then by name
}

type runToken struct {
	name  string
	start time.Time
}

func (s *Supervisor) begin(name string, restart bool) runToken {
	now := time.Now()
	s.mu.Lock()
	st := s.tasks[name]
	if st == nil {
		st = &TaskStats{Name: name}
		s.tasks[name] = st
	}
	st.Active++
	st.Runs++
	if restart {
		st.Restarts++
	}
	st.LastStart = now
	s.mu.Unlock()
	return runToken{name: name, start: now}
}

func (s *Supervisor) end(run runToken, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.tasks[run.name]
	st.Active--
	if err == nil {
		return
	}
	st.LastErr = err.Error()
	var pe *PanicError
	if errors.As(err, &pe) {
		st.Panics++
	}
}

func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	out := Stats{Tasks: make([]TaskStats, 0, len(s.tasks))}
	if s.firstErr != nil {
		out.FirstError = s.firstErr.Error()
	}
	for _, st := range s.tasks {
		out.Active += st.Active
		out.Runs += st.Runs
		out.Panics += st.Panics
		out.Tasks = append(out.Tasks, *st)
	}
	s.mu.Unlock()

	slices.SortFunc(out.Tasks, func(a, b TaskStats) int {
		if a.Active != b.Active {
			return b.Active - a.Active
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

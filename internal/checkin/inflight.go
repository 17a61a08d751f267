package checkin

import (
	"sort"
	"sync"
	"time"
)

// InFlight is the set of accounts with a running check-in.
type InFlight struct {
	mu  sync.Mutex
	set map[int64]time.Time
}

func NewInFlight() *InFlight {
	return &InFlight{set: map[int64]time.Time{}}
}

// TryAcquire marks id as running. It returns false if it already is.
func (f *InFlight) TryAcquire(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.set[id]; ok {
		return false
	}
	f.set[id] = time.Now()
	return true
}

func (f *InFlight) Release(id int64) {
	f.mu.Lock()
	delete(f.set, id)
	f.mu.Unlock()
}

// Running lists running account ids in ascending order.
func (f *InFlight) Running() []int64 {
	f.mu.Lock()
	out := make([]int64, 0, len(f.set))
	for id := range f.set {
		out = append(out, id)
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

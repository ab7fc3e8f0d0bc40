package integration

import (
	"sort"
	"sync"
	"time"

	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

type flowKey struct {
	from, to model.Platform
}

// FlowCounter counts deliveries per ordered platform pair between two Drain calls.
type FlowCounter struct {
	mu     sync.Mutex
	counts map[flowKey]int64
	since  time.Time
	now    func() time.Time
}

// NewFlowCounter starts counting now.
func NewFlowCounter() *FlowCounter {
	return &FlowCounter{counts: make(map[flowKey]int64), since: time.Now(), now: time.Now}
}

// RecordDelivery counts one successful delivery from -> to.
func (f *FlowCounter) RecordDelivery(from, to model.Platform) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[flowKey{from, to}]++
}

// Drain returns per-minute rates since the previous Drain and resets the counters.
// Windows shorter than a minute are treated as one minute.
func (f *FlowCounter) Drain() []model.DataFlow {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	minutes := now.Sub(f.since).Minutes()
	if minutes < 1 {
		minutes = 1
	}

	out := make([]model.DataFlow, 0, len(f.counts))
	for k, n := range f.counts {
		out = append(out, model.DataFlow{From: k.from, To: k.to, RatePerMinute: float64(n) / minutes})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})

	f.counts = make(map[flowKey]int64)
	f.since = now
	return out
}

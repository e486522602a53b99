package failover

import (
	"sort"
	"time"
)

type latencySample struct {
	at time.Time
	ms int64
}

// health keeps the rolling detectors for one backend session: a latency
// window for the p95 trigger and an error window for the burst trigger.
// Callers hold the controller mutex.
type health struct {
	cfg       Config
	latencies []latencySample
	errors    []time.Time
	firstSeen time.Time
}

func newHealth(cfg Config) *health {
	return &health{cfg: cfg}
}

func (h *health) recordLatency(now time.Time, ms int64) {
	if h.firstSeen.IsZero() {
		h.firstSeen = now
	}
	h.latencies = append(h.latencies, latencySample{at: now, ms: ms})
	h.pruneLatencies(now)
}

func (h *health) recordError(now time.Time) {
	h.errors = append(h.errors, now)
	h.pruneErrors(now)
}

// latencyDegraded fires when the p95 over the last 60 s exceeds the trigger
// and the backend has carried sustained traffic long enough that a cold
// start cannot explain it.
func (h *health) latencyDegraded(now time.Time) bool {
	if h.firstSeen.IsZero() || now.Sub(h.firstSeen) < h.cfg.Sustained {
		return false
	}
	h.pruneLatencies(now)
	if len(h.latencies) == 0 {
		return false
	}
	ms := make([]int64, len(h.latencies))
	for i, s := range h.latencies {
		ms[i] = s.ms
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i] < ms[j] })
	idx := (len(ms)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return ms[idx] > int64(h.cfg.TriggerMs)
}

func (h *health) errorBurst(now time.Time) bool {
	h.pruneErrors(now)
	return len(h.errors) >= h.cfg.ErrorBurst
}

func (h *health) pruneLatencies(now time.Time) {
	cut := now.Add(-60 * time.Second)
	i := 0
	for i < len(h.latencies) && h.latencies[i].at.Before(cut) {
		i++
	}
	h.latencies = h.latencies[i:]
}

func (h *health) pruneErrors(now time.Time) {
	cut := now.Add(-h.cfg.ErrorWindow)
	i := 0
	for i < len(h.errors) && h.errors[i].Before(cut) {
		i++
	}
	h.errors = h.errors[i:]
}

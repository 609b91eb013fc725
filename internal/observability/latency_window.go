package observability

import (
	"maps"
	"math"
	"slices"
	"sync"
	"time"
)

// Rolling window of recent per-stage latencies, served at /v1/perf/latency.

type StageLatency struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget counts samples in the window slower than TargetP95MS.
	OverTarget int `json:"over_target,omitempty"`
}

type EventCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageLatency `json:"stages"`
	Events      []EventCount   `json:"events,omitempty"`
}

// p95 targets for a relay that adds little on top of the model.
var stageTargets = map[string]time.Duration{
	StageModelConnect: 1500 * time.Millisecond,
	StageFirstAudio:   1200 * time.Millisecond,
	StageTurnTotal:    6 * time.Second,
}

type latencyWindow struct {
	mu     sync.Mutex
	size   int
	rings  map[string]*durationRing
	events map[string]int
}

type durationRing struct {
	values []time.Duration
	n      int
	next   int
	last   time.Duration
}

func (r *durationRing) add(d time.Duration) {
	r.values[r.next] = d
	r.next = (r.next + 1) % len(r.values)
	if r.n < len(r.values) {
		r.n++
	}
	r.last = d
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{
		size:   size,
		rings:  make(map[string]*durationRing),
		events: make(map[string]int),
	}
}

func (w *latencyWindow) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &durationRing{values: make([]time.Duration, w.size)}
		w.rings[stage] = r
	}
	r.add(d)
}

func (w *latencyWindow) count(name string) {
	if name == "" {
		return
	}
	w.mu.Lock()
	w.events[name]++
	w.mu.Unlock()
}

func (w *latencyWindow) reset() {
	w.mu.Lock()
	clear(w.rings)
	clear(w.events)
	w.mu.Unlock()
}

func (w *latencyWindow) snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageLatency, 0, len(w.rings)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.rings)) {
		r := w.rings[stage]
		if r.n == 0 {
			continue
		}
		sorted := slices.Clone(r.values[:r.n])
		slices.Sort(sorted)
		var sum time.Duration
		for _, v := range sorted {
			sum += v
		}
		st := StageLatency{
			Stage:   stage,
			Samples: r.n,
			LastMS:  ms(r.last),
			AvgMS:   ms(sum / time.Duration(r.n)),
			P50MS:   ms(interpolate(sorted, 0.50)),
			P95MS:   ms(interpolate(sorted, 0.95)),
			P99MS:   ms(interpolate(sorted, 0.99)),
		}
		if target, ok := stageTargets[stage]; ok {
			st.TargetP95MS = ms(target)
			for _, v := range sorted {
				if v > target {
					st.OverTarget++
				}
			}
		}
		snap.Stages = append(snap.Stages, st)
	}
	for _, name := range slices.Sorted(maps.Keys(w.events)) {
		snap.Events = append(snap.Events, EventCount{Name: name, Count: w.events[name]})
	}
	return snap
}

// interpolate reads quantile q from an ascending slice with linear
// interpolation between ranks.
func interpolate(sorted []time.Duration, q float64) time.Duration {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	frac := idx - float64(lo)
	return sorted[lo] + time.Duration(float64(sorted[hi]-sorted[lo])*frac)
}

// ms converts to milliseconds rounded to two decimals.
func ms(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}

package executor

import (
	"sort"
	"sync"
	"time"

	"github.com/browsergrid/browsergrid/internal/types"
)

// ActionRecord is one entry in a context's action history. Params are
// redacted before recording; Kind carries the failure class only, never the
// message, so records stay safe to expose.
type ActionRecord struct {
	ID       string           `json:"id" msgpack:"id"`
	Type     types.ActionType `json:"type" msgpack:"type"`
	PageID   string           `json:"pageId,omitempty" msgpack:"pageId,omitempty"`
	OK       bool             `json:"ok" msgpack:"ok"`
	Kind     types.Kind       `json:"kind,omitempty" msgpack:"kind,omitempty"`
	Duration time.Duration    `json:"duration" msgpack:"duration"`
	At       time.Time        `json:"at" msgpack:"at"`
	Params   map[string]any   `json:"params,omitempty" msgpack:"params,omitempty"`
	Warnings []string         `json:"warnings,omitempty" msgpack:"warnings,omitempty"`
}

// ContextMetrics aggregates a context's action outcomes. Counters run for
// the context's lifetime; the duration distribution is recomputed from the
// history ring.
type ContextMetrics struct {
	Total     int64                      `json:"total" msgpack:"total"`
	Succeeded int64                      `json:"succeeded" msgpack:"succeeded"`
	Failed    int64                      `json:"failed" msgpack:"failed"`
	ByType    map[types.ActionType]int64 `json:"byType" msgpack:"byType"`

	MinDuration time.Duration `json:"minDuration" msgpack:"minDuration"`
	AvgDuration time.Duration `json:"avgDuration" msgpack:"avgDuration"`
	P95Duration time.Duration `json:"p95Duration" msgpack:"p95Duration"`
	MaxDuration time.Duration `json:"maxDuration" msgpack:"maxDuration"`
}

// history is a fixed-size ring of action records plus running counters.
type history struct {
	mu      sync.Mutex
	ring    []ActionRecord
	next    int // write position
	filled  bool
	total   int64
	success int64
	failed  int64
	byType  map[types.ActionType]int64
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 500
	}
	return &history{
		ring:   make([]ActionRecord, size),
		byType: make(map[types.ActionType]int64),
	}
}

func (h *history) append(rec ActionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring[h.next] = rec
	h.next++
	if h.next == len(h.ring) {
		h.next = 0
		h.filled = true
	}

	h.total++
	if rec.OK {
		h.success++
	} else {
		h.failed++
	}
	h.byType[rec.Type]++
}

// records returns up to limit entries, newest first. limit <= 0 returns all.
func (h *history) records(limit int) []ActionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.next
	if h.filled {
		n = len(h.ring)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]ActionRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (h.next - 1 - i + len(h.ring)) % len(h.ring)
		out = append(out, h.ring[idx])
	}
	return out
}

func (h *history) metrics() ContextMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := ContextMetrics{
		Total:     h.total,
		Succeeded: h.success,
		Failed:    h.failed,
		ByType:    make(map[types.ActionType]int64, len(h.byType)),
	}
	for k, v := range h.byType {
		m.ByType[k] = v
	}

	n := h.next
	if h.filled {
		n = len(h.ring)
	}
	if n == 0 {
		return m
	}

	durations := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		durations = append(durations, h.ring[i].Duration)
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	m.MinDuration = durations[0]
	m.MaxDuration = durations[len(durations)-1]
	m.AvgDuration = sum / time.Duration(len(durations))

	// Nearest-rank p95.
	rank := (95*len(durations) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	m.P95Duration = durations[rank-1]
	return m
}

// Package queue implements the task launch queue and per-app exponential
// backoff rate limiter (§4.2).
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/marcher/marcher/pkg/clock"
	"github.com/marcher/marcher/pkg/id"
)

// QueuedTask is a launch waiting to be matched against an offer.
type QueuedTask struct {
	App      id.PathId
	Version  time.Time
	LaunchBy time.Time // FIFO tiebreaker: when this entry was queued
}

// QueuedTaskInfo is the read-only snapshot shape exposed for external
// diagnostics (SPEC_FULL.md "queue diagnostics" — the out-of-scope REST
// `GET /v2/queue` handler renders this).
type QueuedTaskInfo struct {
	App      id.PathId
	LaunchBy time.Time
	Delay    time.Duration
}

// Delay tracks one app's backoff state.
type Delay struct {
	Until  time.Time
	Factor float64
}

// HasTimeLeft reports whether now is still before Until.
func (d Delay) HasTimeLeft(now time.Time) bool { return now.Before(d.Until) }

// Queue holds pending launches and their per-app backoff delays. All
// methods are safe for concurrent use; the scheduler coordinator is
// still the only writer in practice (§5), but the lock lets health/
// offer-matcher goroutines read safely without round-tripping through
// the coordinator for simple queries.
type Queue struct {
	clock clock.Clock

	mu      sync.Mutex
	entries []QueuedTask
	delays  map[string]*Delay // keyed by appId|version
}

// New returns an empty queue using clk as its time source.
func New(clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.Real
	}
	return &Queue{clock: clk, delays: map[string]*Delay{}}
}

func delayKey(app id.PathId, version time.Time) string {
	return app.String() + "|" + version.Format(time.RFC3339Nano)
}

// Add enqueues a launch for (app, version). If this is the first queued
// launch for that (app, version) pair, its delay is initialized to
// now + backoffSeconds.
func (q *Queue) Add(app id.PathId, version time.Time, backoffSeconds float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	q.entries = append(q.entries, QueuedTask{App: app, Version: version, LaunchBy: now})

	key := delayKey(app, version)
	if _, ok := q.delays[key]; !ok {
		q.delays[key] = &Delay{Until: now.Add(toDuration(backoffSeconds)), Factor: 1}
	}
}

// Pop removes and returns the oldest queued entry whose delay has no
// time left, in FIFO-with-priority order: entries are scanned oldest
// LaunchBy first. Returns false if every remaining entry is still
// delayed or the queue is empty.
func (q *Queue) Pop() (QueuedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	for i, e := range q.entries {
		if d, ok := q.delays[delayKey(e.App, e.Version)]; ok && d.HasTimeLeft(now) {
			continue
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		return e, true
	}
	return QueuedTask{}, false
}

// Requeue reinserts a previously popped entry verbatim (preserving its
// original LaunchBy so FIFO ordering survives a failed match attempt),
// without touching its delay state. The entry is inserted back at its
// LaunchBy-sorted position rather than the tail, so Pop's "oldest
// LaunchBy first" guarantee holds even after a requeue.
func (q *Queue) Requeue(t QueuedTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := sort.Search(len(q.entries), func(i int) bool {
		return q.entries[i].LaunchBy.After(t.LaunchBy)
	})
	q.entries = append(q.entries, QueuedTask{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = t
}

// Peek returns the entries currently queued without removing them, in
// queue order.
func (q *Queue) Peek() []QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedTask, len(q.entries))
	copy(out, q.entries)
	return out
}

// Retain drops every queued entry for which keep returns false. Used by
// the offer handler to prune launches whose app version is no longer
// current.
func (q *Queue) Retain(keep func(QueuedTask) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	filtered := q.entries[:0]
	for _, e := range q.entries {
		if keep(e) {
			filtered = append(filtered, e)
		}
	}
	q.entries = filtered
}

// Snapshot returns a diagnostic view of the queue (SPEC_FULL.md queue
// diagnostics).
func (q *Queue) Snapshot() []QueuedTaskInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	out := make([]QueuedTaskInfo, 0, len(q.entries))
	for _, e := range q.entries {
		var left time.Duration
		if d, ok := q.delays[delayKey(e.App, e.Version)]; ok && d.HasTimeLeft(now) {
			left = d.Until.Sub(now)
		}
		out = append(out, QueuedTaskInfo{App: e.App, LaunchBy: e.LaunchBy, Delay: left})
	}
	return out
}

func toDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

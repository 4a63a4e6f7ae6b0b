package queue

import (
	"time"

	"github.com/marcher/marcher/pkg/id"
)

// AddFailure records a terminal failure for (app, version), advancing
// the exponential backoff per §4.2:
//
//	factor ← min(factor * backoffFactor, maxFactor)
//	until  = now + min(factor * backoffSeconds, maxLaunchDelaySeconds)
//
// where maxFactor bounds factor so that factor*backoffSeconds never
// itself needs clamping before the min against maxLaunchDelaySeconds
// (SPEC_FULL.md's defensive clamp).
func (q *Queue) AddFailure(app id.PathId, version time.Time, backoffSeconds, backoffFactor, maxLaunchDelaySeconds float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := delayKey(app, version)
	d, ok := q.delays[key]
	if !ok {
		d = &Delay{Factor: 1}
		q.delays[key] = d
	}

	if backoffSeconds <= 0 {
		backoffSeconds = 1
	}
	if backoffFactor <= 1 {
		backoffFactor = 1
	}
	maxFactor := maxLaunchDelaySeconds / backoffSeconds
	if maxFactor < 1 {
		maxFactor = 1
	}

	next := d.Factor * backoffFactor
	if next > maxFactor {
		next = maxFactor
	}
	d.Factor = next

	delaySeconds := d.Factor * backoffSeconds
	maxDelay := toDuration(maxLaunchDelaySeconds)
	delay := toDuration(delaySeconds)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	d.Until = q.clock.Now().Add(delay)
}

// ResetDelay clears the backoff for every version of app, called on the
// app's first successful transition to RUNNING and by the out-of-scope
// `DELETE /v2/queue/{appId}/delay` REST endpoint (SPEC_FULL.md).
func (q *Queue) ResetDelay(app id.PathId) {
	q.mu.Lock()
	defer q.mu.Unlock()
	prefix := app.String() + "|"
	for k := range q.delays {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(q.delays, k)
		}
	}
}

// HasTimeLeft reports whether (app, version) is still within its
// backoff window.
func (q *Queue) HasTimeLeft(app id.PathId, version time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.delays[delayKey(app, version)]
	if !ok {
		return false
	}
	return d.HasTimeLeft(q.clock.Now())
}

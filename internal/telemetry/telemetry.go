// Package telemetry installs the core's metrics sink: Nomad's own idiom
// of a package-level armon/go-metrics sink, here fed into a
// Prometheus registry so it can be scraped at /metrics (§6 lists
// /metrics as a REST surface contract, even though the REST layer
// itself is out of scope).
package telemetry

import (
	"time"

	gometrics "github.com/armon/go-metrics"
	"github.com/armon/go-metrics/prometheus"
)

// Sink wraps a configured go-metrics global sink. The helper functions
// below call the package-level gometrics functions (IncrCounter,
// MeasureSince, SetGauge) without a metrics handle, Nomad-style; the
// daemon calls Init, and no other package in this module calls the
// helpers.
type Sink struct {
	inm *gometrics.InmemSink
}

// Init installs the process-wide go-metrics sink, fanning out to both
// an in-memory sink (for introspection) and a Prometheus sink (for
// scraping). serviceName prefixes every metric.
func Init(serviceName string) (*Sink, error) {
	inm := gometrics.NewInmemSink(10*time.Second, time.Minute)

	promSink, err := prometheus.NewPrometheusSink()
	if err != nil {
		return nil, err
	}

	fanout := gometrics.FanoutSink{inm, promSink}

	cfg := gometrics.DefaultConfig(serviceName)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = true
	if _, err := gometrics.NewGlobal(cfg, fanout); err != nil {
		return nil, err
	}

	return &Sink{inm: inm}, nil
}

// Metric names this core emits, collected here so call sites don't
// repeat string literals.
const (
	MetricLaunchesAttempted  = "scheduler.launches.attempted"
	MetricLaunchesMatched    = "scheduler.launches.matched"
	MetricOffersDeclined     = "scheduler.offers.declined"
	MetricDeploymentDuration = "deploy.duration"
	MetricHealthChecksFailed = "health.checks.failed"
	MetricQueueDepth         = "queue.depth"
)

// IncrLaunchesMatched records n tasks successfully matched against an
// offer.
func IncrLaunchesMatched(n int) {
	gometrics.IncrCounter([]string{"scheduler", "launches", "matched"}, float32(n))
}

// IncrOffersDeclined records one declined offer.
func IncrOffersDeclined() {
	gometrics.IncrCounter([]string{"scheduler", "offers", "declined"}, 1)
}

// MeasureDeployment records a completed deployment's wall-clock
// duration.
func MeasureDeployment(start time.Time) {
	gometrics.MeasureSince([]string{"deploy", "duration"}, start)
}

// SetQueueDepth publishes the task queue's current backlog size.
func SetQueueDepth(n int) {
	gometrics.SetGauge([]string{"queue", "depth"}, float32(n))
}

// IncrHealthCheckFailed records one consecutive health-check failure.
func IncrHealthCheckFailed(appID string) {
	gometrics.IncrCounterWithLabels([]string{"health", "checks", "failed"}, 1, []gometrics.Label{{Name: "app", Value: appID}})
}

package structs

import "time"

// HealthCheckProtocol tags which checker evaluates a HealthCheck.
type HealthCheckProtocol string

const (
	ProtocolHTTP    HealthCheckProtocol = "HTTP"
	ProtocolTCP     HealthCheckProtocol = "TCP"
	ProtocolCommand HealthCheckProtocol = "COMMAND"
)

// HealthCheck is one declared probe against an app's tasks.
type HealthCheck struct {
	Protocol               HealthCheckProtocol
	Path                   string // HTTP only
	PortIndex              int    // index into the task's allocated ports
	Command                string // COMMAND only, executed on the task's host by the driver
	IntervalSeconds        int
	TimeoutSeconds         int
	GracePeriodSeconds     int
	MaxConsecutiveFailures int
	IgnoreHTTP1xx          bool
}

// Interval returns IntervalSeconds as a duration, defaulting to 10s.
func (h HealthCheck) Interval() time.Duration {
	if h.IntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(h.IntervalSeconds) * time.Second
}

// Timeout returns TimeoutSeconds as a duration, defaulting to 2s.
func (h HealthCheck) Timeout() time.Duration {
	if h.TimeoutSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// GracePeriod returns GracePeriodSeconds as a duration.
func (h HealthCheck) GracePeriod() time.Duration {
	return time.Duration(h.GracePeriodSeconds) * time.Second
}

// MaxFailures returns MaxConsecutiveFailures, defaulting to 3.
func (h HealthCheck) MaxFailures() int {
	if h.MaxConsecutiveFailures <= 0 {
		return 3
	}
	return h.MaxConsecutiveFailures
}

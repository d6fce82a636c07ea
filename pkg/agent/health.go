package agent

import "time"

// HealthStatus orders from best to worst; the aggregate status of an agent is
// the worst status among its component checks.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

var healthRank = map[HealthStatus]int{
	HealthHealthy:   0,
	HealthDegraded:  1,
	HealthUnhealthy: 2,
}

func worse(a, b HealthStatus) HealthStatus {
	if healthRank[b] > healthRank[a] {
		return b
	}
	return a
}

// HealthCheckResult is one component's verdict from a health check pass.
type HealthCheckResult struct {
	Component string       `json:"component"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

const (
	healthComponentState        = "state"
	healthComponentHeartbeat    = "heartbeat"
	healthComponentCapabilities = "capabilities"
)

package api

import "time"

type EngineHealth struct {
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastTransitionAt    *time.Time `json:"last_transition_at,omitempty"`
	Running             int        `json:"running"`
	Workers             int        `json:"workers"`
}

type HealthResponse struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Status        string       `json:"status"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Store         string       `json:"store"`
	TurnPolicy    string       `json:"turn_policy"`
	WarmCores     int          `json:"warm_cores"`
	Engine        EngineHealth `json:"engine"`
}

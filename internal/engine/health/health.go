// Package health reports the engine's operational state over HTTP.
package health

// Status is an aggregate health verdict.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// ProviderHealth describes one credential pool.
type ProviderHealth struct {
	Provider          string `json:"provider"`
	ActiveCredentials int    `json:"active_credentials"`
}

// Report is the detailed health snapshot.
type Report struct {
	Status        Status           `json:"status"`
	PendingJobs   int              `json:"pending_jobs"`
	Providers     []ProviderHealth `json:"providers"`
	Database      string           `json:"database"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

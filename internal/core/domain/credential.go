package domain

import "time"

type CredentialStatus string

const (
	CredentialStatusActive   CredentialStatus = "active"
	CredentialStatusDisabled CredentialStatus = "disabled"
)

// Credential is a rate-limited API key paired 1:1 with a proxy egress path.
// Rolling counters accumulate between adaptive evaluations and are zeroed by
// the controller.
type Credential struct {
	ID               string
	Provider         string
	Key              string
	Status           CredentialStatus
	LastUsedAt       time.Time
	CurrentIP        string
	SuccessCount     int
	RateLimitedCount int
	ProxyErrorCount  int
	LastStatusCode   int

	ProxyProtocol string
	ProxyHost     string
	ProxyPort     int
	ProxyUsername string
	ProxyPassword string
}

// KeySuffix returns a redacted form of the API key for logging.
func (c *Credential) KeySuffix() string {
	if len(c.Key) < 4 {
		return "***"
	}
	return "..." + c.Key[len(c.Key)-4:]
}

// NeedsIPRefresh reports whether the recorded egress IP is absent or
// malformed. A valid entry contains at least one IPv4 dot or IPv6 colon.
func (c *Credential) NeedsIPRefresh() bool {
	for _, r := range c.CurrentIP {
		if r == '.' || r == ':' {
			return false
		}
	}
	return true
}

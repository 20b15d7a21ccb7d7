package analysis

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pinwork/enrichd/internal/infra/proxy"
)

const probeTimeout = 20 * time.Second

// Prober resolves the public egress IP seen through a proxy endpoint by
// asking a plain-text echo service.
type Prober struct {
	probeURL string
}

// NewProber creates a prober against the given echo URL
// (e.g. https://icanhazip.com/).
func NewProber(probeURL string) *Prober {
	return &Prober{probeURL: probeURL}
}

// PublicIP performs the probe through the endpoint and returns the observed
// address.
func (p *Prober) PublicIP(ctx context.Context, ep proxy.Endpoint) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		return "", fmt.Errorf("create probe request: %w", err)
	}

	client := httpClient(ep, Timeouts{
		Connect: 6 * time.Second,
		Read:    15 * time.Second,
		Total:   probeTimeout,
	})
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("probe egress ip: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("probe returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("read probe response: %w", err)
	}

	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("probe returned malformed ip %q", ip)
	}
	return ip, nil
}

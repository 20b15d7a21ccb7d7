// Package classify maps transport and API failures onto the pipeline's
// error taxonomy. Classification happens once, at the call site, and the
// resulting Details travel with the outcome so later decisions (credential
// finalisation, job state, retries) never re-inspect the raw error.
package classify

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"
)

// Kind identifies the failure family.
type Kind string

const (
	KindProxy   Kind = "proxy"
	KindNetwork Kind = "network"
	KindDNS     Kind = "dns"
	KindSSL     Kind = "ssl"
	KindTimeout Kind = "timeout"
	KindAPI     Kind = "api"
	KindPayload Kind = "payload"
	KindUnknown Kind = "unknown"
)

// Details is the classified verdict for one failed request.
type Details struct {
	Kind       Kind
	StatusCode int

	// Retryable means the same job may be attempted again.
	Retryable bool

	// CredentialConsumed means the upstream registered the request against
	// the credential's quota, so its use must be finalised accordingly.
	CredentialConsumed bool

	// PoolWide marks a rate limit caused by shared egress pressure rather
	// than this credential's own quota.
	PoolWide bool

	Message string
}

// Classify inspects a transport error. Use Status for responses that arrived
// with a non-success code.
func Classify(err error) Details {
	if err == nil {
		return Details{Kind: KindUnknown}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// Proxy handshake failures surface before any upstream contact
		if strings.Contains(lower, "proxyconnect") ||
			strings.Contains(lower, "proxy authentication required") ||
			strings.Contains(lower, "socks") {
			return Details{Kind: KindProxy, Retryable: true, Message: msg}
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Details{Kind: KindDNS, Retryable: true, Message: msg}
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) || strings.Contains(lower, "tls:") ||
		strings.Contains(lower, "certificate") {
		return Details{Kind: KindSSL, Retryable: true, Message: msg}
	}

	// Timeouts count as transient egress trouble: no response means no
	// charge against the credential.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Details{Kind: KindTimeout, Retryable: true, Message: msg}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Details{Kind: KindTimeout, Retryable: true, Message: msg}
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return Details{Kind: KindNetwork, Retryable: true, Message: msg}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Details{Kind: KindNetwork, Retryable: true, Message: msg}
	}

	// Unrecognised faults are flagged for investigation, not retried blindly
	return Details{Kind: KindUnknown, Message: msg}
}

// Status classifies a response that arrived with a non-success code. The body
// excerpt refines rate-limit attribution.
func Status(statusCode int, body string) Details {
	lower := strings.ToLower(body)

	switch {
	case statusCode == 429:
		// Limits tied to the shared egress path mention the resource being
		// exhausted pool-wide; per-key quota messages name the quota.
		poolWide := !strings.Contains(lower, "quota") &&
			!strings.Contains(lower, "billing") &&
			!strings.Contains(lower, "plan")
		return Details{
			Kind:               KindAPI,
			StatusCode:         statusCode,
			Retryable:          true,
			CredentialConsumed: true,
			PoolWide:           poolWide,
			Message:            body,
		}
	case statusCode == 401 || statusCode == 403:
		// Credential rejected outright; no use retrying with the same key
		return Details{
			Kind:               KindAPI,
			StatusCode:         statusCode,
			CredentialConsumed: true,
			Message:            body,
		}
	case statusCode >= 500:
		return Details{
			Kind:               KindAPI,
			StatusCode:         statusCode,
			Retryable:          true,
			CredentialConsumed: true,
			Message:            body,
		}
	case statusCode >= 400:
		return Details{
			Kind:               KindAPI,
			StatusCode:         statusCode,
			Retryable:          false,
			CredentialConsumed: true,
			Message:            body,
		}
	default:
		return Details{Kind: KindUnknown, StatusCode: statusCode, Message: body}
	}
}

// Payload marks a response that arrived but could not be used (truncated,
// non-JSON, missing fields). Treated like transient trouble: retryable and
// not charged against the credential's quota streaks.
func Payload(msg string) Details {
	return Details{
		Kind:      KindPayload,
		Retryable: true,
		Message:   msg,
	}
}

// RateLimited reports whether the verdict is a 429.
func (d Details) RateLimited() bool {
	return d.StatusCode == 429
}

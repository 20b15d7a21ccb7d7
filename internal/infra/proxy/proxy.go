// Package proxy describes egress paths for outbound analysis traffic.
package proxy

import (
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Supported proxy schemes. https is carried over HTTP CONNECT, so both map
// onto the same transport behaviour.
var supportedProtocols = map[string]bool{
	"http":   true,
	"https":  true,
	"socks4": true,
	"socks5": true,
}

var domainPattern = regexp.MustCompile(
	`^(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`,
)

const sessionMarker = "-sessid-"

// Endpoint is an immutable description of one proxy egress path. Providers
// that support session pinning embed a rotation token in the username; a new
// session is obtained by deriving a fresh Endpoint, never by mutation.
type Endpoint struct {
	Protocol string
	Host     string
	Port     int
	Username string
	Password string
}

// New validates and builds an Endpoint.
func New(protocol, host string, port int, username, password string) (Endpoint, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	if !supportedProtocols[protocol] {
		return Endpoint{}, fmt.Errorf("unsupported proxy protocol: %q", protocol)
	}
	if port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid proxy port: %d", port)
	}
	if err := validateHost(host); err != nil {
		return Endpoint{}, err
	}
	return Endpoint{
		Protocol: protocol,
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
	}, nil
}

func validateHost(host string) error {
	if net.ParseIP(host) != nil {
		return nil
	}
	if domainPattern.MatchString(host) {
		return nil
	}
	return fmt.Errorf("invalid proxy host: %q", host)
}

// HasAuth reports whether the endpoint carries credentials.
func (e Endpoint) HasAuth() bool {
	return e.Username != "" && e.Password != ""
}

// HasSession reports whether the username embeds a rotation token.
func (e Endpoint) HasSession() bool {
	return strings.Contains(strings.ToLower(e.Username), sessionMarker)
}

// RotateSession derives an endpoint with a fresh session token. Usernames
// without a token are returned unchanged; for tokenised usernames the last
// four characters are replaced with new random digits.
func (e Endpoint) RotateSession() Endpoint {
	if !e.HasSession() || len(e.Username) < 4 {
		return e
	}
	suffix := make([]byte, 4)
	for i := range suffix {
		suffix[i] = byte('0' + rand.Intn(10))
	}
	rotated := e
	rotated.Username = e.Username[:len(e.Username)-4] + string(suffix)
	return rotated
}

// URL returns the endpoint as a *url.URL with credentials, suitable for
// http.Transport.Proxy.
func (e Endpoint) URL() *url.URL {
	u := &url.URL{
		Scheme: e.Protocol,
		Host:   fmt.Sprintf("%s:%d", e.Host, e.Port),
	}
	if e.HasAuth() {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// Redacted returns the connection string with the password masked, for logs.
func (e Endpoint) Redacted() string {
	if e.HasAuth() {
		return fmt.Sprintf("%s://%s:***@%s:%d", e.Protocol, e.Username, e.Host, e.Port)
	}
	return fmt.Sprintf("%s://%s:%d", e.Protocol, e.Host, e.Port)
}

func (e Endpoint) String() string { return e.Redacted() }

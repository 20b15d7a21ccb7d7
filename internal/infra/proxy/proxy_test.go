package proxy

import (
	"strings"
	"testing"
)

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name     string
		protocol string
		host     string
		port     int
		wantErr  bool
	}{
		{"http ok", "http", "proxy.example.com", 8080, false},
		{"socks5 ok", "socks5", "10.0.0.5", 1080, false},
		{"uppercase scheme normalised", "HTTP", "proxy.example.com", 8080, false},
		{"bad scheme", "ftp", "proxy.example.com", 8080, true},
		{"port zero", "http", "proxy.example.com", 0, true},
		{"port too large", "http", "proxy.example.com", 70000, true},
		{"bad host", "http", "not a host", 8080, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.protocol, tt.host, tt.port, "", "")
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRotateSession(t *testing.T) {
	ep, err := New("http", "gw.example.net", 7000, "cust-abc-sessid-1234", "pw")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	rotated := ep.RotateSession()
	if !strings.HasPrefix(rotated.Username, "cust-abc-sessid-") {
		t.Errorf("rotation changed the username prefix: %s", rotated.Username)
	}
	if len(rotated.Username) != len(ep.Username) {
		t.Errorf("rotation changed the username length: %s", rotated.Username)
	}
	for _, c := range rotated.Username[len(rotated.Username)-4:] {
		if c < '0' || c > '9' {
			t.Errorf("session suffix is not numeric: %s", rotated.Username)
		}
	}
	if ep.Username != "cust-abc-sessid-1234" {
		t.Error("RotateSession mutated the receiver")
	}
}

func TestRotateSessionWithoutToken(t *testing.T) {
	ep, _ := New("http", "gw.example.net", 7000, "plainuser", "pw")
	if got := ep.RotateSession(); got.Username != "plainuser" {
		t.Errorf("username without session token should be unchanged, got %s", got.Username)
	}
}

func TestRedacted(t *testing.T) {
	ep, _ := New("http", "proxy.example.com", 8080, "user", "secret")
	out := ep.Redacted()
	if strings.Contains(out, "secret") {
		t.Errorf("Redacted() leaked the password: %s", out)
	}
	if !strings.Contains(out, "user") {
		t.Errorf("Redacted() should keep the username: %s", out)
	}
}

func TestURL(t *testing.T) {
	ep, _ := New("socks5", "10.0.0.5", 1080, "u", "p")
	u := ep.URL()
	if u.Scheme != "socks5" || u.Host != "10.0.0.5:1080" {
		t.Errorf("unexpected URL: %s", u)
	}
	if pw, ok := u.User.Password(); !ok || pw != "p" {
		t.Error("URL() should carry credentials")
	}
}

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/pinwork/enrichd/internal/core/domain"
	"github.com/pinwork/enrichd/internal/infra/storage/memory"
)

type failingPinger struct{ err error }

func (p failingPinger) Health(ctx context.Context) error { return p.err }

func newStore(t *testing.T) (*memory.MemoryStorage, *memory.JobRepo, *memory.CredentialRepo) {
	t.Helper()
	store := memory.NewMemoryStorage()
	return store, memory.NewJobRepo(store), memory.NewCredentialRepo(store)
}

func seedCredential(store *memory.MemoryStorage, id, provider string, status domain.CredentialStatus) {
	store.SeedCredential(&domain.Credential{
		ID:       id,
		Provider: provider,
		Key:      "key-" + id,
		Status:   status,
	})
}

func TestCheckHealthHealthy(t *testing.T) {
	store, jobs, creds := newStore(t)
	store.SeedJob(&domain.Job{ID: "1", DomainFull: "example.com", Status: domain.JobStatusPending})
	seedCredential(store, "c1", "gemini", domain.CredentialStatusActive)

	m := NewMonitor(jobs, creds, []string{"gemini"}, nil)
	report := m.CheckHealth(context.Background())

	if report.Status != StatusHealthy {
		t.Fatalf("status = %s, want %s", report.Status, StatusHealthy)
	}
	if report.PendingJobs != 1 {
		t.Errorf("pending jobs = %d, want 1", report.PendingJobs)
	}
	if len(report.Providers) != 1 || report.Providers[0].ActiveCredentials != 1 {
		t.Errorf("providers = %+v, want one gemini entry with 1 active", report.Providers)
	}
}

func TestCheckHealthCriticalWhenPoolDrained(t *testing.T) {
	store, jobs, creds := newStore(t)
	seedCredential(store, "c1", "gemini", domain.CredentialStatusDisabled)

	m := NewMonitor(jobs, creds, []string{"gemini"}, nil)
	report := m.CheckHealth(context.Background())

	if report.Status != StatusCritical {
		t.Fatalf("status = %s, want %s", report.Status, StatusCritical)
	}
}

func TestCheckHealthDegradedWhenOneProviderEmpty(t *testing.T) {
	store, jobs, creds := newStore(t)
	seedCredential(store, "c1", "gemini", domain.CredentialStatusActive)

	m := NewMonitor(jobs, creds, []string{"gemini", "other"}, nil)
	report := m.CheckHealth(context.Background())

	if report.Status != StatusDegraded {
		t.Fatalf("status = %s, want %s", report.Status, StatusDegraded)
	}
}

func TestCheckHealthCriticalWhenDatabaseDown(t *testing.T) {
	store, jobs, creds := newStore(t)
	seedCredential(store, "c1", "gemini", domain.CredentialStatusActive)

	m := NewMonitor(jobs, creds, []string{"gemini"}, failingPinger{err: errors.New("connection refused")})
	report := m.CheckHealth(context.Background())

	if report.Status != StatusCritical {
		t.Fatalf("status = %s, want %s", report.Status, StatusCritical)
	}
	if report.Database != "connection refused" {
		t.Errorf("database = %q, want error text", report.Database)
	}
}

func TestHealthEndpoints(t *testing.T) {
	store, jobs, creds := newStore(t)
	seedCredential(store, "c1", "gemini", domain.CredentialStatusActive)

	m := NewMonitor(jobs, creds, []string{"gemini"}, nil)
	s := NewServer(m, 0)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 {
		t.Fatalf("GET /health = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != string(StatusHealthy) {
		t.Errorf("status = %q, want healthy", body["status"])
	}

	rec = httptest.NewRecorder()
	s.handleDetailed(rec, httptest.NewRequest("GET", "/health/detailed", nil))
	var report Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode detailed: %v", err)
	}
	if len(report.Providers) != 1 {
		t.Errorf("providers = %+v, want one entry", report.Providers)
	}
}

func TestHealthEndpointCriticalReturns503(t *testing.T) {
	_, jobs, creds := newStore(t)

	m := NewMonitor(jobs, creds, []string{"gemini"}, nil)
	s := NewServer(m, 0)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 503 {
		t.Fatalf("GET /health = %d, want 503", rec.Code)
	}
}

package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pinwork/enrichd/internal/core/domain"
	"github.com/pinwork/enrichd/internal/infra/storage"
)

func TestJobLease_AtMostOnce(t *testing.T) {
	store := NewMemoryStorage()
	store.SeedJob(&domain.Job{DomainFull: "example.com", TargetURI: "https://example.com"})
	repo := NewJobRepo(store)

	const workers = 20
	var wg sync.WaitGroup
	leased := make(chan *domain.Job, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := repo.Lease(context.Background())
			if err == nil {
				leased <- job
			} else if !errors.Is(err, storage.ErrNoJob) {
				t.Errorf("unexpected lease error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(leased)

	count := 0
	for range leased {
		count++
	}
	if count != 1 {
		t.Errorf("job leased %d times, want exactly 1", count)
	}
}

func TestJobLease_OldestFirst(t *testing.T) {
	store := NewMemoryStorage()
	now := time.Now()
	store.SeedJob(&domain.Job{DomainFull: "newer.com", UpdatedAt: now})
	store.SeedJob(&domain.Job{DomainFull: "older.com", UpdatedAt: now.Add(-time.Hour)})
	repo := NewJobRepo(store)

	job, err := repo.Lease(context.Background())
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if job.DomainFull != "older.com" {
		t.Errorf("leased %s, want older.com", job.DomainFull)
	}
	if job.LeaseAttempts != 1 {
		t.Errorf("lease attempts = %d, want 1", job.LeaseAttempts)
	}
}

func TestJobRevert_RestoresLeasability(t *testing.T) {
	store := NewMemoryStorage()
	store.SeedJob(&domain.Job{DomainFull: "example.com"})
	repo := NewJobRepo(store)
	ctx := context.Background()

	if _, err := repo.Lease(ctx); err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if err := repo.Revert(ctx, "example.com"); err != nil {
		t.Fatalf("Revert failed: %v", err)
	}
	// Revert undoes the lease counter increment
	if got := store.Job("example.com").LeaseAttempts; got != 0 {
		t.Errorf("lease attempts after revert = %d, want 0", got)
	}

	job, err := repo.Lease(ctx)
	if err != nil {
		t.Fatalf("job not leasable after revert: %v", err)
	}
	if job.LeaseAttempts != 1 {
		t.Errorf("lease attempts = %d, want 1", job.LeaseAttempts)
	}
}

func TestShortResponseCounter(t *testing.T) {
	store := NewMemoryStorage()
	store.SeedJob(&domain.Job{DomainFull: "example.com"})
	repo := NewJobRepo(store)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		got, err := repo.BumpShortResponseAttempts(ctx, "example.com")
		if err != nil {
			t.Fatalf("Bump failed: %v", err)
		}
		if got != want {
			t.Errorf("attempts = %d, want %d", got, want)
		}
	}
	if err := repo.ResetShortResponseAttempts(ctx, "example.com"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if got := store.Job("example.com").ShortResponseAttempts; got != 0 {
		t.Errorf("attempts after reset = %d, want 0", got)
	}
}

func TestJobTerminalStates(t *testing.T) {
	store := NewMemoryStorage()
	store.SeedJob(&domain.Job{DomainFull: "fail.com"})
	store.SeedJob(&domain.Job{DomainFull: "done.com"})
	repo := NewJobRepo(store)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := repo.Lease(ctx); err != nil {
			t.Fatalf("Lease failed: %v", err)
		}
	}
	if err := repo.Fail(ctx, "fail.com", "inaccessible"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if err := repo.Complete(ctx, domain.Segmentation{
		DomainFull:   "done.com",
		SegmentsFull: "retail, electronics",
	}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if _, err := repo.Lease(ctx); !errors.Is(err, storage.ErrNoJob) {
		t.Errorf("terminal jobs should not be leasable, got %v", err)
	}
	if got := store.Job("fail.com").ErrorReason; got != "inaccessible" {
		t.Errorf("error reason = %q, want inaccessible", got)
	}
	if got := store.Job("done.com").Status; got != domain.JobStatusEnriched {
		t.Errorf("status = %s, want enriched", got)
	}
}

func TestCredentialLease_Cooldown(t *testing.T) {
	store := NewMemoryStorage()
	current := time.Now()
	store.SetClock(func() time.Time { return current })
	store.SeedCredential(&domain.Credential{ID: "c1", Provider: "gemini"})
	repo := NewCredentialRepo(store)
	ctx := context.Background()
	cooldown := 6 * time.Minute

	cred, err := repo.Lease(ctx, "gemini", cooldown)
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if cred.ID != "c1" {
		t.Fatalf("leased %s, want c1", cred.ID)
	}

	// Still resting
	current = current.Add(cooldown - time.Second)
	if _, err := repo.Lease(ctx, "gemini", cooldown); !errors.Is(err, storage.ErrNoCredential) {
		t.Errorf("expected ErrNoCredential during cooldown, got %v", err)
	}

	// Rest period elapsed
	current = current.Add(2 * time.Second)
	if _, err := repo.Lease(ctx, "gemini", cooldown); err != nil {
		t.Errorf("expected lease after cooldown, got %v", err)
	}
}

func TestCredentialLease_ColdestFirst(t *testing.T) {
	store := NewMemoryStorage()
	now := time.Now()
	store.SeedCredential(&domain.Credential{
		ID: "warm", Provider: "gemini", LastUsedAt: now.Add(-10 * time.Minute),
	})
	store.SeedCredential(&domain.Credential{
		ID: "cold", Provider: "gemini", LastUsedAt: now.Add(-30 * time.Minute),
	})
	repo := NewCredentialRepo(store)

	cred, err := repo.Lease(context.Background(), "gemini", 6*time.Minute)
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if cred.ID != "cold" {
		t.Errorf("leased %s, want cold", cred.ID)
	}
}

func TestCredentialCounters(t *testing.T) {
	store := NewMemoryStorage()
	store.SeedCredential(&domain.Credential{ID: "c1", Provider: "gemini"})
	repo := NewCredentialRepo(store)
	ctx := context.Background()

	// Two personal rate limits, then a success clears the streak
	_ = repo.RecordRateLimited(ctx, "c1", false)
	_ = repo.RecordRateLimited(ctx, "c1", false)
	if got := store.Credential("c1").RateLimitedCount; got != 2 {
		t.Fatalf("rate limited count = %d, want 2", got)
	}
	_ = repo.RecordSuccess(ctx, "c1", 200)
	c := store.Credential("c1")
	if c.RateLimitedCount != 0 {
		t.Errorf("success should reset the rate-limit streak, got %d", c.RateLimitedCount)
	}
	if c.SuccessCount != 1 || c.LastStatusCode != 200 {
		t.Errorf("success not recorded: %+v", c)
	}

	// A pool-wide limit records the status without penalising the credential
	_ = repo.RecordRateLimited(ctx, "c1", true)
	c = store.Credential("c1")
	if c.RateLimitedCount != 0 {
		t.Errorf("pool-wide limit should not increment the streak, got %d", c.RateLimitedCount)
	}
	if c.LastStatusCode != 429 {
		t.Errorf("last status = %d, want 429", c.LastStatusCode)
	}
}

func TestClaimIP_Unique(t *testing.T) {
	store := NewMemoryStorage()
	store.SeedCredential(&domain.Credential{ID: "c1", Provider: "gemini"})
	store.SeedCredential(&domain.Credential{ID: "c2", Provider: "gemini"})
	repo := NewCredentialRepo(store)
	ctx := context.Background()

	if err := repo.ClaimIP(ctx, "c1", "203.0.113.7"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := repo.ClaimIP(ctx, "c2", "203.0.113.7"); !errors.Is(err, storage.ErrIPTaken) {
		t.Errorf("expected ErrIPTaken, got %v", err)
	}
	// Re-claiming by the owner is fine
	if err := repo.ClaimIP(ctx, "c1", "203.0.113.7"); err != nil {
		t.Errorf("owner re-claim failed: %v", err)
	}
	if got := store.Credential("c1").CurrentIP; got != "203.0.113.7" {
		t.Errorf("current ip = %s, want 203.0.113.7", got)
	}
}

func TestAggregateAndResetCounters(t *testing.T) {
	store := NewMemoryStorage()
	store.SeedCredential(&domain.Credential{
		ID: "c1", Provider: "gemini", SuccessCount: 100, RateLimitedCount: 0,
	})
	store.SeedCredential(&domain.Credential{
		ID: "c2", Provider: "gemini", SuccessCount: 40, RateLimitedCount: 3,
	})
	store.SeedCredential(&domain.Credential{
		ID: "c3", Provider: "other", SuccessCount: 7, RateLimitedCount: 7,
	})
	repo := NewCredentialRepo(store)
	ctx := context.Background()

	success, limited, err := repo.AggregateCounters(ctx, "gemini")
	if err != nil {
		t.Fatalf("AggregateCounters failed: %v", err)
	}
	if success != 140 || limited != 3 {
		t.Errorf("aggregate = (%d, %d), want (140, 3)", success, limited)
	}

	if err := repo.ResetCounters(ctx, "gemini"); err != nil {
		t.Fatalf("ResetCounters failed: %v", err)
	}
	success, limited, err = repo.AggregateCounters(ctx, "gemini")
	if err != nil {
		t.Fatalf("AggregateCounters failed: %v", err)
	}
	if success != 0 || limited != 0 {
		t.Errorf("aggregate after reset = (%d, %d), want (0, 0)", success, limited)
	}
	// Other providers are untouched
	if s, l, _ := repo.AggregateCounters(ctx, "other"); s != 7 || l != 7 {
		t.Errorf("other provider counters = (%d, %d), want (7, 7)", s, l)
	}
}

func TestPacingDelayPersistence(t *testing.T) {
	store := NewMemoryStorage()
	repo := NewPacingRepo(store)
	ctx := context.Background()

	state, err := repo.Get(ctx, "gemini", domain.StageDiscovery)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if state != nil {
		t.Fatalf("expected nil state before first save, got %+v", state)
	}

	if err := repo.SaveDelay(ctx, "gemini", domain.StageDiscovery, 680*time.Millisecond); err != nil {
		t.Fatalf("SaveDelay failed: %v", err)
	}
	state, err = repo.Get(ctx, "gemini", domain.StageDiscovery)
	if err != nil || state == nil {
		t.Fatalf("Get after save: state=%v err=%v", state, err)
	}
	if state.CurrentDelay != 680*time.Millisecond {
		t.Errorf("delay = %s, want 680ms", state.CurrentDelay)
	}
}

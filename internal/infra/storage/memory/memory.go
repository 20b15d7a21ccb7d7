package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pinwork/enrichd/internal/core/domain"
	"github.com/pinwork/enrichd/internal/infra/storage"
)

// MemoryStorage backs the repositories with in-process maps. Used by tests
// and the no-database mode; the single mutex stands in for the row locking
// the SQL layer gets from the database.
type MemoryStorage struct {
	jobs        map[string]*domain.Job
	credentials map[string]*domain.Credential
	usedIPs     map[string]string // ip -> credential id
	pacing      map[string]*pacingEntry
	enrichments map[string]*domain.Enrichment
	mu          sync.RWMutex

	now func() time.Time
}

type pacingEntry struct {
	delay          time.Duration
	lastEvaluation time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		jobs:        make(map[string]*domain.Job),
		credentials: make(map[string]*domain.Credential),
		usedIPs:     make(map[string]string),
		pacing:      make(map[string]*pacingEntry),
		enrichments: make(map[string]*domain.Enrichment),
		now:         time.Now,
	}
}

// SetClock overrides the time source. Test helper.
func (s *MemoryStorage) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SeedJob inserts a job directly.
func (s *MemoryStorage) SeedJob(job *domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	if cp.Status == "" {
		cp.Status = domain.JobStatusPending
	}
	s.jobs[cp.DomainFull] = &cp
}

// SeedCredential inserts a credential directly.
func (s *MemoryStorage) SeedCredential(cred *domain.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cred
	if cp.Status == "" {
		cp.Status = domain.CredentialStatusActive
	}
	s.credentials[cp.ID] = &cp
}

// Job returns a snapshot of a stored job. Test helper.
func (s *MemoryStorage) Job(domainFull string) *domain.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if j, ok := s.jobs[domainFull]; ok {
		cp := *j
		return &cp
	}
	return nil
}

// Credential returns a snapshot of a stored credential. Test helper.
func (s *MemoryStorage) Credential(id string) *domain.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.credentials[id]; ok {
		cp := *c
		return &cp
	}
	return nil
}

// -----------------------------------------------------------------------------
// Job Repository
// -----------------------------------------------------------------------------

type JobRepo struct {
	store *MemoryStorage
}

func NewJobRepo(store *MemoryStorage) *JobRepo {
	return &JobRepo{store: store}
}

func (r *JobRepo) Lease(ctx context.Context) (*domain.Job, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	candidates := make([]*domain.Job, 0)
	for _, j := range r.store.jobs {
		if j.Status == domain.JobStatusPending {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, storage.ErrNoJob
	}
	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].UpdatedAt.Before(candidates[k].UpdatedAt)
	})

	j := candidates[0]
	j.Status = domain.JobStatusLeased
	j.LeaseAttempts++
	j.UpdatedAt = r.store.now()
	cp := *j
	return &cp, nil
}

func (r *JobRepo) Complete(ctx context.Context, seg domain.Segmentation) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	j, ok := r.store.jobs[seg.DomainFull]
	if !ok || j.Status != domain.JobStatusLeased {
		return errNotLeased(seg.DomainFull)
	}
	j.Status = domain.JobStatusEnriched
	j.SegmentsFull = seg.SegmentsFull
	j.SegmentsFullCount = seg.SegmentsFullCount
	j.SegmentsLanguage = seg.SegmentsLanguage
	j.ErrorReason = ""
	j.UpdatedAt = r.store.now()
	return nil
}

func (r *JobRepo) Fail(ctx context.Context, domainFull, reason string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	j, ok := r.store.jobs[domainFull]
	if !ok || j.Status != domain.JobStatusLeased {
		return errNotLeased(domainFull)
	}
	j.Status = domain.JobStatusError
	j.ErrorReason = reason
	j.UpdatedAt = r.store.now()
	return nil
}

func (r *JobRepo) Revert(ctx context.Context, domainFull string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	j, ok := r.store.jobs[domainFull]
	if !ok || j.Status != domain.JobStatusLeased {
		return errNotLeased(domainFull)
	}
	j.Status = domain.JobStatusPending
	j.LeaseAttempts--
	j.UpdatedAt = r.store.now()
	return nil
}

func (r *JobRepo) BumpShortResponseAttempts(ctx context.Context, domainFull string) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	j, ok := r.store.jobs[domainFull]
	if !ok {
		return 0, fmt.Errorf("job %s not found", domainFull)
	}
	j.ShortResponseAttempts++
	return j.ShortResponseAttempts, nil
}

func (r *JobRepo) ResetShortResponseAttempts(ctx context.Context, domainFull string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if j, ok := r.store.jobs[domainFull]; ok {
		j.ShortResponseAttempts = 0
	}
	return nil
}

func (r *JobRepo) PendingCount(ctx context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	count := 0
	for _, j := range r.store.jobs {
		if j.Status == domain.JobStatusPending {
			count++
		}
	}
	return count, nil
}

// -----------------------------------------------------------------------------
// Credential Repository
// -----------------------------------------------------------------------------

type CredentialRepo struct {
	store *MemoryStorage
}

func NewCredentialRepo(store *MemoryStorage) *CredentialRepo {
	return &CredentialRepo{store: store}
}

func (r *CredentialRepo) Lease(
	ctx context.Context,
	provider string,
	cooldown time.Duration,
) (*domain.Credential, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	now := r.store.now()
	var coldest *domain.Credential
	for _, c := range r.store.credentials {
		if c.Provider != provider || c.Status != domain.CredentialStatusActive {
			continue
		}
		if !c.LastUsedAt.IsZero() && now.Sub(c.LastUsedAt) < cooldown {
			continue
		}
		if coldest == nil || c.LastUsedAt.Before(coldest.LastUsedAt) {
			coldest = c
		}
	}
	if coldest == nil {
		return nil, storage.ErrNoCredential
	}
	coldest.LastUsedAt = now
	cp := *coldest
	return &cp, nil
}

func (r *CredentialRepo) RecordSuccess(ctx context.Context, id string, statusCode int) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if c, ok := r.store.credentials[id]; ok {
		c.SuccessCount++
		c.RateLimitedCount = 0
		c.LastStatusCode = statusCode
	}
	return nil
}

func (r *CredentialRepo) RecordRateLimited(ctx context.Context, id string, poolWide bool) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if c, ok := r.store.credentials[id]; ok {
		c.LastStatusCode = 429
		if !poolWide {
			c.RateLimitedCount++
		}
	}
	return nil
}

func (r *CredentialRepo) RecordProxyError(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if c, ok := r.store.credentials[id]; ok {
		c.ProxyErrorCount++
	}
	return nil
}

func (r *CredentialRepo) RecordStatus(ctx context.Context, id string, statusCode int) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if c, ok := r.store.credentials[id]; ok {
		c.LastStatusCode = statusCode
	}
	return nil
}

func (r *CredentialRepo) Disable(ctx context.Context, id, reason string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if c, ok := r.store.credentials[id]; ok {
		c.Status = domain.CredentialStatusDisabled
	}
	return nil
}

func (r *CredentialRepo) ClaimIP(ctx context.Context, id, ip string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if owner, taken := r.store.usedIPs[ip]; taken && owner != id {
		return storage.ErrIPTaken
	}
	r.store.usedIPs[ip] = id
	if c, ok := r.store.credentials[id]; ok {
		c.CurrentIP = ip
	}
	return nil
}

func (r *CredentialRepo) AggregateCounters(
	ctx context.Context,
	provider string,
) (int, int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	success, rateLimited := 0, 0
	for _, c := range r.store.credentials {
		if c.Provider == provider {
			success += c.SuccessCount
			rateLimited += c.RateLimitedCount
		}
	}
	return success, rateLimited, nil
}

func (r *CredentialRepo) ResetCounters(ctx context.Context, provider string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, c := range r.store.credentials {
		if c.Provider == provider {
			c.SuccessCount = 0
			c.RateLimitedCount = 0
		}
	}
	return nil
}

func (r *CredentialRepo) ActiveCount(ctx context.Context, provider string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	count := 0
	for _, c := range r.store.credentials {
		if c.Provider == provider && c.Status == domain.CredentialStatusActive {
			count++
		}
	}
	return count, nil
}

// -----------------------------------------------------------------------------
// Pacing Repository
// -----------------------------------------------------------------------------

type PacingRepo struct {
	store *MemoryStorage
}

func NewPacingRepo(store *MemoryStorage) *PacingRepo {
	return &PacingRepo{store: store}
}

func pacingKey(provider string, stage domain.Stage) string {
	return provider + ":" + string(stage)
}

func (r *PacingRepo) Get(
	ctx context.Context,
	provider string,
	stage domain.Stage,
) (*domain.PacingState, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	e, ok := r.store.pacing[pacingKey(provider, stage)]
	if !ok {
		return nil, nil
	}
	return &domain.PacingState{
		Provider:       provider,
		CurrentDelay:   e.delay,
		LastEvaluation: e.lastEvaluation,
	}, nil
}

func (r *PacingRepo) SaveDelay(
	ctx context.Context,
	provider string,
	stage domain.Stage,
	delay time.Duration,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	e := r.entry(provider, stage)
	e.delay = delay
	e.lastEvaluation = r.store.now()
	return nil
}

// entry returns the pacing entry, creating it if needed. Caller holds the lock.
func (r *PacingRepo) entry(provider string, stage domain.Stage) *pacingEntry {
	key := pacingKey(provider, stage)
	e, ok := r.store.pacing[key]
	if !ok {
		e = &pacingEntry{}
		r.store.pacing[key] = e
	}
	return e
}

// -----------------------------------------------------------------------------
// Enrichment Repository
// -----------------------------------------------------------------------------

type EnrichmentRepo struct {
	store *MemoryStorage
}

func NewEnrichmentRepo(store *MemoryStorage) *EnrichmentRepo {
	return &EnrichmentRepo{store: store}
}

func (r *EnrichmentRepo) Save(ctx context.Context, e *domain.Enrichment) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *e
	cp.UpdatedAt = r.store.now()
	r.store.enrichments[e.DomainFull] = &cp
	return nil
}

func (r *EnrichmentRepo) Get(
	ctx context.Context,
	domainFull string,
) (*domain.Enrichment, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	e, ok := r.store.enrichments[domainFull]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func errNotLeased(domainFull string) error {
	return fmt.Errorf("job %s is not leased", domainFull)
}

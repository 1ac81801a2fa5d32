package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/provident/provident-backend/internal/validation/domain"
)

type memoryEntry struct {
	report    *domain.ValidationReport
	expiresAt time.Time
}

// MemoryStore is the in-process Store used in development and tests, and
// as the fallback when no Redis address is configured. In-flight markers
// and cached reports live in separate keyspaces, mirroring the Redis
// implementation. Expiry is lazy.
type MemoryStore struct {
	mu       sync.Mutex
	inFlight map[string]time.Time
	reports  map[string]*memoryEntry

	// now is replaceable in tests
	now func() time.Time
}

// NewMemoryStore creates an in-memory idempotency store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		inFlight: make(map[string]time.Time),
		reports:  make(map[string]*memoryEntry),
		now:      time.Now,
	}
}

// AcquireInFlight implements Store
func (s *MemoryStore) AcquireInFlight(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if until, ok := s.inFlight[key]; ok && until.After(s.now()) {
		return false, nil
	}
	s.inFlight[key] = s.now().Add(ttl)
	return true, nil
}

// GetReport implements Store
func (s *MemoryStore) GetReport(ctx context.Context, key string) (*domain.ValidationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.reports[key]
	if !ok {
		return nil, nil
	}
	if !e.expiresAt.After(s.now()) {
		delete(s.reports, key)
		return nil, nil
	}
	return e.report, nil
}

// SaveReport implements Store
func (s *MemoryStore) SaveReport(ctx context.Context, key string, report *domain.ValidationReport, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reports[key] = &memoryEntry{
		report:    report,
		expiresAt: s.now().Add(ttl),
	}
	delete(s.inFlight, key)
	return nil
}

// Release implements Store
func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, key)
	return nil
}

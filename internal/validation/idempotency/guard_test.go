package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/pkg/logger"
)

func TestKey_IndependentOfFieldOrder(t *testing.T) {
	a := Key("p1", map[string]string{"npi_number": "123", "phone": "555"})
	b := Key("p1", map[string]string{"phone": "555", "npi_number": "123"})
	assert.Equal(t, a, b)
}

func TestKey_SensitiveToValuesAndProvider(t *testing.T) {
	base := Key("p1", map[string]string{"npi_number": "123"})

	assert.NotEqual(t, base, Key("p1", map[string]string{"npi_number": "124"}))
	assert.NotEqual(t, base, Key("p2", map[string]string{"npi_number": "123"}))
	assert.NotEqual(t, base, Key("p1", map[string]string{"phone": "123"}))
}

func TestKey_NoSeparatorCollisions(t *testing.T) {
	// "ab"+"c" vs "a"+"bc" must hash differently.
	a := Key("p1", map[string]string{"ab": "c"})
	b := Key("p1", map[string]string{"a": "bc"})
	assert.NotEqual(t, a, b)
}

func TestKey_RequestedScopeChangesKey(t *testing.T) {
	fields := map[string]string{"npi_number": "123", "email": "a@b.org"}

	unscoped := Key("p1", fields)
	scoped := Key("p1", fields, "email")

	assert.NotEqual(t, unscoped, scoped)
	assert.NotEqual(t, scoped, Key("p1", fields, "email", "npi_number"))

	// Scope order does not matter.
	assert.Equal(t,
		Key("p1", fields, "email", "npi_number"),
		Key("p1", fields, "npi_number", "email"))
}

func newTestGuard() (*Guard, *MemoryStore) {
	store := NewMemoryStore()
	return NewGuard(store, time.Hour, time.Minute, logger.Nop()), store
}

func TestGuard_ProceedThenCached(t *testing.T) {
	guard, _ := newTestGuard()
	ctx := context.Background()
	key := Key("p1", map[string]string{"npi_number": "123"})

	acq, err := guard.Acquire(ctx, key, false)
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, acq.Decision)
	assert.False(t, acq.Degraded)

	report := &domain.ValidationReport{ID: "r1", ProviderID: "p1"}
	require.NoError(t, guard.Complete(ctx, acq, report))

	second, err := guard.Acquire(ctx, key, false)
	require.NoError(t, err)
	assert.Equal(t, DecisionCached, second.Decision)
	assert.Equal(t, "r1", second.Cached.ID)
}

func TestGuard_ConcurrentRequestIsInFlight(t *testing.T) {
	guard, _ := newTestGuard()
	ctx := context.Background()
	key := Key("p1", map[string]string{"npi_number": "123"})

	first, err := guard.Acquire(ctx, key, false)
	require.NoError(t, err)
	require.Equal(t, DecisionProceed, first.Decision)

	second, err := guard.Acquire(ctx, key, false)
	require.NoError(t, err)
	assert.Equal(t, DecisionInFlight, second.Decision)
}

func TestGuard_AbortReleasesInFlight(t *testing.T) {
	guard, _ := newTestGuard()
	ctx := context.Background()
	key := Key("p1", map[string]string{"npi_number": "123"})

	first, err := guard.Acquire(ctx, key, false)
	require.NoError(t, err)
	require.NoError(t, guard.Abort(ctx, first))

	second, err := guard.Acquire(ctx, key, false)
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, second.Decision)
}

func TestGuard_ForceSkipsCacheButKeepsInFlightDedup(t *testing.T) {
	guard, _ := newTestGuard()
	ctx := context.Background()
	key := Key("p1", map[string]string{"npi_number": "123"})

	acq, err := guard.Acquire(ctx, key, false)
	require.NoError(t, err)
	require.NoError(t, guard.Complete(ctx, acq, &domain.ValidationReport{ID: "r1"}))

	forced, err := guard.Acquire(ctx, key, true)
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, forced.Decision)

	// While the forced run is in flight, another forced request must wait.
	concurrent, err := guard.Acquire(ctx, key, true)
	require.NoError(t, err)
	assert.Equal(t, DecisionInFlight, concurrent.Decision)

	// The forced run's fresh report replaces the cached one.
	require.NoError(t, guard.Complete(ctx, forced, &domain.ValidationReport{ID: "r2"}))
	cached, err := guard.Acquire(ctx, key, false)
	require.NoError(t, err)
	require.Equal(t, DecisionCached, cached.Decision)
	assert.Equal(t, "r2", cached.Cached.ID)
}

func TestGuard_StaleRunDoesNotOverwriteCache(t *testing.T) {
	guard, store := newTestGuard()
	ctx := context.Background()
	key := Key("p1", map[string]string{"npi_number": "123"})

	older, err := guard.Acquire(ctx, key, false)
	require.NoError(t, err)

	// Drop the older run's marker so a newer run can start, then let the
	// newer run complete first.
	require.NoError(t, store.Release(ctx, key))
	newer, err := guard.Acquire(ctx, key, false)
	require.NoError(t, err)
	require.Greater(t, newer.Seq, older.Seq)
	require.NoError(t, guard.Complete(ctx, newer, &domain.ValidationReport{ID: "newer"}))

	// The older run finishing late must not clobber the newer report.
	require.NoError(t, guard.Complete(ctx, older, &domain.ValidationReport{ID: "older"}))

	cached, err := guard.Acquire(ctx, key, false)
	require.NoError(t, err)
	require.Equal(t, DecisionCached, cached.Decision)
	assert.Equal(t, "newer", cached.Cached.ID)
}

func TestGuard_CompletionRecordsPrunedAfterResultTTL(t *testing.T) {
	guard, store := newTestGuard()
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	guard.now = func() time.Time { return frozen }
	ctx := context.Background()

	acq, err := guard.Acquire(ctx, "key-1", false)
	require.NoError(t, err)
	require.NoError(t, guard.Complete(ctx, acq, &domain.ValidationReport{ID: "r1"}))
	assert.Len(t, guard.completed, 1)

	// Once the cached report has expired the completion record is useless;
	// the next completion sweeps it out instead of growing the map forever.
	frozen = frozen.Add(2 * time.Hour)
	require.NoError(t, store.Release(ctx, "key-1"))

	acq2, err := guard.Acquire(ctx, "key-2", false)
	require.NoError(t, err)
	require.NoError(t, guard.Complete(ctx, acq2, &domain.ValidationReport{ID: "r2"}))

	assert.Len(t, guard.completed, 1)
	_, ok := guard.completed["key-2"]
	assert.True(t, ok)
}

// failingStore simulates an unavailable backend
type failingStore struct{}

func (failingStore) AcquireInFlight(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, errors.New("store down")
}
func (failingStore) GetReport(ctx context.Context, key string) (*domain.ValidationReport, error) {
	return nil, errors.New("store down")
}
func (failingStore) SaveReport(ctx context.Context, key string, report *domain.ValidationReport, ttl time.Duration) error {
	return errors.New("store down")
}
func (failingStore) Release(ctx context.Context, key string) error {
	return errors.New("store down")
}

func TestGuard_StoreFailureDegradesToProceed(t *testing.T) {
	guard := NewGuard(failingStore{}, time.Hour, time.Minute, logger.Nop())

	acq, err := guard.Acquire(context.Background(), "key", false)
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, acq.Decision)
	assert.True(t, acq.Degraded)
}

func TestMemoryStore_InFlightExpires(t *testing.T) {
	store := NewMemoryStore()
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return frozen }
	ctx := context.Background()

	ok, err := store.AcquireInFlight(ctx, "key", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.AcquireInFlight(ctx, "key", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A crashed run's marker stops blocking once the TTL passes.
	frozen = frozen.Add(2 * time.Minute)
	ok, err = store.AcquireInFlight(ctx, "key", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_ReportExpires(t *testing.T) {
	store := NewMemoryStore()
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return frozen }
	ctx := context.Background()

	require.NoError(t, store.SaveReport(ctx, "key", &domain.ValidationReport{ID: "r1"}, time.Hour))

	got, err := store.GetReport(ctx, "key")
	require.NoError(t, err)
	require.NotNil(t, got)

	frozen = frozen.Add(2 * time.Hour)
	got, err = store.GetReport(ctx, "key")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_SaveReportClearsInFlight(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.AcquireInFlight(ctx, "key", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.SaveReport(ctx, "key", &domain.ValidationReport{ID: "r1"}, time.Hour))

	ok, err = store.AcquireInFlight(ctx, "key", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

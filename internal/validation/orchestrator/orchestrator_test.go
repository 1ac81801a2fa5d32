package orchestrator_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provident/provident-backend/internal/validation/aggregator"
	"github.com/provident/provident-backend/internal/validation/connector"
	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/internal/validation/idempotency"
	"github.com/provident/provident-backend/internal/validation/orchestrator"
	"github.com/provident/provident-backend/pkg/config"
	apperrors "github.com/provident/provident-backend/pkg/errors"
	"github.com/provident/provident-backend/pkg/logger"
)

// fakeValidator is a scriptable source for orchestrator tests
type fakeValidator struct {
	source domain.Source
	fields []string
	calls  atomic.Int32
	fn     func(ctx context.Context, p *domain.Provider) (*connector.Result, error)
}

func (f *fakeValidator) Source() domain.Source { return f.source }

func (f *fakeValidator) Fields(p *domain.Provider) []string { return f.fields }

func (f *fakeValidator) Validate(ctx context.Context, p *domain.Provider) (*connector.Result, error) {
	f.calls.Add(1)
	return f.fn(ctx, p)
}

func okValidator(source domain.Source, field string, score float64) *fakeValidator {
	return &fakeValidator{
		source: source,
		fields: []string{field},
		fn: func(ctx context.Context, p *domain.Provider) (*connector.Result, error) {
			return &connector.Result{
				Source:  source,
				Outcome: connector.OutcomeOK,
				Findings: []connector.FieldFinding{{
					Field:          field,
					OriginalValue:  p.Fields[field],
					ValidatedValue: p.Fields[field],
					Score:          domain.NewTrustScore(source, score, "confirmed"),
				}},
			}, nil
		},
	}
}

func testValidationConfig(sources ...string) *config.ValidationConfig {
	return &config.ValidationConfig{
		SourceWeights:          map[string]float64{"npi": 0.4, "email_mx": 0.1},
		DisagreementPenalty:    0.7,
		ValidThreshold:         0.8,
		InvalidThreshold:       0.4,
		LowConfidenceThreshold: 0.6,
		EnabledSources:         sources,
		MaxInFlightPerSource:   2,
		ValidatorTimeout:       time.Second,
		ResultTTL:              time.Hour,
		InFlightTTL:            time.Minute,
	}
}

func newOrchestrator(cfg *config.ValidationConfig, store idempotency.Store, validators ...connector.SourceValidator) *orchestrator.Orchestrator {
	log := logger.Nop()
	guard := idempotency.NewGuard(store, cfg.ResultTTL, cfg.InFlightTTL, log)
	agg := aggregator.New(aggregator.FromValidationConfig(cfg))
	return orchestrator.New(connector.NewRegistry(validators...), guard, agg, cfg, log)
}

func testProvider() *domain.Provider {
	return &domain.Provider{
		ID: "p1",
		Fields: map[string]string{
			"npi_number": "1234567893",
			"email":      "doc@clinic.org",
		},
	}
}

func TestValidateProvider_ProducesReport(t *testing.T) {
	cfg := testValidationConfig("npi", "email_mx")
	npi := okValidator(domain.SourceNPI, "npi_number", 0.98)
	email := okValidator(domain.SourceEmailMX, "email", 0.8)
	orch := newOrchestrator(cfg, idempotency.NewMemoryStore(), npi, email)

	res, err := orch.ValidateProvider(context.Background(), testProvider(), orchestrator.Options{})
	require.NoError(t, err)
	require.NotNil(t, res.Report)

	assert.NotEmpty(t, res.Report.ID)
	assert.Equal(t, "p1", res.Report.ProviderID)
	assert.False(t, res.FromCache)
	assert.Len(t, res.Report.FieldResults, 2)
	assert.Equal(t, int32(1), npi.calls.Load())
	assert.Equal(t, int32(1), email.calls.Load())
}

func TestValidateProvider_RepeatServedFromCache(t *testing.T) {
	cfg := testValidationConfig("npi")
	npi := okValidator(domain.SourceNPI, "npi_number", 0.98)
	orch := newOrchestrator(cfg, idempotency.NewMemoryStore(), npi)

	first, err := orch.ValidateProvider(context.Background(), testProvider(), orchestrator.Options{})
	require.NoError(t, err)

	second, err := orch.ValidateProvider(context.Background(), testProvider(), orchestrator.Options{})
	require.NoError(t, err)

	assert.True(t, second.FromCache)
	assert.Equal(t, first.Report.ID, second.Report.ID)
	assert.Equal(t, first.Report.GeneratedAt, second.Report.GeneratedAt)
	// The repeat touched no source.
	assert.Equal(t, int32(1), npi.calls.Load())
}

func TestValidateProvider_ChangedInputRunsFresh(t *testing.T) {
	cfg := testValidationConfig("npi")
	npi := okValidator(domain.SourceNPI, "npi_number", 0.98)
	orch := newOrchestrator(cfg, idempotency.NewMemoryStore(), npi)

	_, err := orch.ValidateProvider(context.Background(), testProvider(), orchestrator.Options{})
	require.NoError(t, err)

	changed := testProvider()
	changed.Fields["email"] = "new@clinic.org"
	res, err := orch.ValidateProvider(context.Background(), changed, orchestrator.Options{})
	require.NoError(t, err)

	assert.False(t, res.FromCache)
	assert.Equal(t, int32(2), npi.calls.Load())
}

func TestValidateProvider_ForceRevalidates(t *testing.T) {
	cfg := testValidationConfig("npi")
	npi := okValidator(domain.SourceNPI, "npi_number", 0.98)
	orch := newOrchestrator(cfg, idempotency.NewMemoryStore(), npi)

	first, err := orch.ValidateProvider(context.Background(), testProvider(), orchestrator.Options{})
	require.NoError(t, err)

	forced, err := orch.ValidateProvider(context.Background(), testProvider(), orchestrator.Options{Force: true})
	require.NoError(t, err)

	assert.False(t, forced.FromCache)
	assert.NotEqual(t, first.Report.ID, forced.Report.ID)
	assert.Equal(t, int32(2), npi.calls.Load())
}

func TestValidateProvider_ConcurrentIdenticalRequestConflicts(t *testing.T) {
	cfg := testValidationConfig("npi")
	npi := okValidator(domain.SourceNPI, "npi_number", 0.98)
	store := idempotency.NewMemoryStore()
	orch := newOrchestrator(cfg, store, npi)

	// Simulate another run holding the in-flight marker.
	p := testProvider()
	key := idempotency.Key(p.ID, p.Fields)
	ok, err := store.AcquireInFlight(context.Background(), key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = orch.ValidateProvider(context.Background(), p, orchestrator.Options{})
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "CONFLICT", appErr.Code)
	assert.Equal(t, int32(0), npi.calls.Load())
}

func TestValidateProvider_SourceFailureDegradesNotAborts(t *testing.T) {
	cfg := testValidationConfig("npi", "email_mx")
	npi := &fakeValidator{
		source: domain.SourceNPI,
		fields: []string{"npi_number"},
		fn: func(ctx context.Context, p *domain.Provider) (*connector.Result, error) {
			return connector.Failed(domain.SourceNPI, connector.OutcomeSourceError, "registry unreachable", p, []string{"npi_number"}), nil
		},
	}
	email := okValidator(domain.SourceEmailMX, "email", 0.8)
	orch := newOrchestrator(cfg, idempotency.NewMemoryStore(), npi, email)

	res, err := orch.ValidateProvider(context.Background(), testProvider(), orchestrator.Options{})
	require.NoError(t, err)

	fr, ok := res.Report.FieldResults["npi_number"]
	require.True(t, ok)
	assert.Zero(t, fr.Confidence)
	require.Len(t, fr.TrustScores, 1)
	assert.Equal(t, "registry unreachable", fr.TrustScores[0].Reason)

	// The healthy source still contributed.
	assert.InDelta(t, 0.8, res.Report.FieldResults["email"].Confidence, 1e-9)
}

func TestValidateProvider_RobotDetectionIsAbsorbed(t *testing.T) {
	cfg := testValidationConfig("state_board")
	board := &fakeValidator{
		source: domain.SourceStateBoard,
		fields: []string{"license_number", "license_status"},
		fn: func(ctx context.Context, p *domain.Provider) (*connector.Result, error) {
			return connector.Failed(domain.SourceStateBoard, connector.OutcomeRobotDetected, "captcha challenge served", p, []string{"license_number", "license_status"}), nil
		},
	}
	orch := newOrchestrator(cfg, idempotency.NewMemoryStore(), board)

	res, err := orch.ValidateProvider(context.Background(), testProvider(), orchestrator.Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Report.FieldResults["license_number"].Confidence)
	// One attempt, no retry.
	assert.Equal(t, int32(1), board.calls.Load())
}

func TestValidateProvider_UnknownEnabledSourceIsConfigError(t *testing.T) {
	cfg := testValidationConfig("npi", "carrier_pigeon")
	npi := okValidator(domain.SourceNPI, "npi_number", 0.98)
	orch := newOrchestrator(cfg, idempotency.NewMemoryStore(), npi)

	_, err := orch.ValidateProvider(context.Background(), testProvider(), orchestrator.Options{})
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))
	assert.Equal(t, int32(0), npi.calls.Load())
}

func TestValidateProvider_ValidatorErrorAbortsAndReleasesMarker(t *testing.T) {
	cfg := testValidationConfig("npi")
	broken := &fakeValidator{
		source: domain.SourceNPI,
		fields: []string{"npi_number"},
		fn: func(ctx context.Context, p *domain.Provider) (*connector.Result, error) {
			return nil, errors.New("nil client")
		},
	}
	orch := newOrchestrator(cfg, idempotency.NewMemoryStore(), broken)

	_, err := orch.ValidateProvider(context.Background(), testProvider(), orchestrator.Options{})
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "ORCHESTRATION_ERROR", appErr.Code)

	// The aborted run released its marker; a retry is not stuck behind it.
	_, err = orch.ValidateProvider(context.Background(), testProvider(), orchestrator.Options{})
	require.Error(t, err)
	assert.NotEqual(t, "CONFLICT", errAs(t, err).Code)
}

func TestValidateProvider_PanickingValidatorAborts(t *testing.T) {
	cfg := testValidationConfig("npi")
	panicky := &fakeValidator{
		source: domain.SourceNPI,
		fields: []string{"npi_number"},
		fn: func(ctx context.Context, p *domain.Provider) (*connector.Result, error) {
			panic("boom")
		},
	}
	orch := newOrchestrator(cfg, idempotency.NewMemoryStore(), panicky)

	_, err := orch.ValidateProvider(context.Background(), testProvider(), orchestrator.Options{})
	require.Error(t, err)
	assert.Equal(t, "ORCHESTRATION_ERROR", errAs(t, err).Code)
}

func TestValidateProvider_SlowValidatorDegradesToZeroScores(t *testing.T) {
	cfg := testValidationConfig("npi", "email_mx")
	cfg.ValidatorTimeout = 20 * time.Millisecond

	slow := &fakeValidator{
		source: domain.SourceNPI,
		fields: []string{"npi_number"},
		fn: func(ctx context.Context, p *domain.Provider) (*connector.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	email := okValidator(domain.SourceEmailMX, "email", 0.8)
	orch := newOrchestrator(cfg, idempotency.NewMemoryStore(), slow, email)

	res, err := orch.ValidateProvider(context.Background(), testProvider(), orchestrator.Options{})
	require.NoError(t, err)

	fr := res.Report.FieldResults["npi_number"]
	assert.Zero(t, fr.Confidence)
	require.Len(t, fr.TrustScores, 1)
	assert.Equal(t, "validator timed out", fr.TrustScores[0].Reason)
}

func TestValidateProvider_FieldScopeLimitsSourcesAndReport(t *testing.T) {
	cfg := testValidationConfig("npi", "email_mx")
	npi := okValidator(domain.SourceNPI, "npi_number", 0.98)
	email := okValidator(domain.SourceEmailMX, "email", 0.8)
	orch := newOrchestrator(cfg, idempotency.NewMemoryStore(), npi, email)

	res, err := orch.ValidateProvider(context.Background(), testProvider(), orchestrator.Options{
		Fields: []string{"email", "address"},
	})
	require.NoError(t, err)

	// Only the source covering a requested field was called.
	assert.Equal(t, int32(0), npi.calls.Load())
	assert.Equal(t, int32(1), email.calls.Load())

	// The report holds exactly the requested fields; the field no enabled
	// source covers still appears as an explained zero.
	require.Len(t, res.Report.FieldResults, 2)
	assert.InDelta(t, 0.8, res.Report.FieldResults["email"].Confidence, 1e-9)

	fr, ok := res.Report.FieldResults["address"]
	require.True(t, ok)
	assert.Zero(t, fr.Confidence)
	assert.Contains(t, fr.Issues, "no source validated this field")
}

func TestValidateProvider_FieldScopePartOfIdempotencyKey(t *testing.T) {
	cfg := testValidationConfig("npi", "email_mx")
	npi := okValidator(domain.SourceNPI, "npi_number", 0.98)
	email := okValidator(domain.SourceEmailMX, "email", 0.8)
	orch := newOrchestrator(cfg, idempotency.NewMemoryStore(), npi, email)

	first, err := orch.ValidateProvider(context.Background(), testProvider(), orchestrator.Options{
		Fields: []string{"email"},
	})
	require.NoError(t, err)

	// A different scope over the same inputs is a different run, not a
	// cache hit.
	second, err := orch.ValidateProvider(context.Background(), testProvider(), orchestrator.Options{
		Fields: []string{"email", "npi_number"},
	})
	require.NoError(t, err)
	assert.False(t, second.FromCache)
	assert.NotEqual(t, first.Report.ID, second.Report.ID)

	// The same scope with scope order and duplicates normalized away is a
	// cache hit.
	third, err := orch.ValidateProvider(context.Background(), testProvider(), orchestrator.Options{
		Fields: []string{"npi_number", "email", "email"},
	})
	require.NoError(t, err)
	assert.True(t, third.FromCache)
	assert.Equal(t, second.Report.ID, third.Report.ID)
}

func TestValidateProvider_MissingProviderID(t *testing.T) {
	cfg := testValidationConfig("npi")
	orch := newOrchestrator(cfg, idempotency.NewMemoryStore(), okValidator(domain.SourceNPI, "npi_number", 0.98))

	_, err := orch.ValidateProvider(context.Background(), &domain.Provider{}, orchestrator.Options{})
	require.Error(t, err)
	assert.Equal(t, "BAD_REQUEST", errAs(t, err).Code)
}

func errAs(t *testing.T, err error) *apperrors.AppError {
	t.Helper()
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	return appErr
}

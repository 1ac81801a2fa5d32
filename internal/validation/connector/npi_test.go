package connector_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provident/provident-backend/internal/validation/connector"
	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/pkg/logger"
)

// countingLimiter records limiter interactions without limiting anything
type countingLimiter struct {
	acquires    atomic.Int32
	successes   atomic.Int32
	rateLimited atomic.Int32
}

func (l *countingLimiter) Acquire(ctx context.Context, source domain.Source) error {
	l.acquires.Add(1)
	return nil
}

func (l *countingLimiter) OnSuccess(source domain.Source) { l.successes.Add(1) }

func (l *countingLimiter) OnRateLimited(source domain.Source) { l.rateLimited.Add(1) }

func npiProvider(npi string) *domain.Provider {
	return &domain.Provider{
		ID: "p1",
		Fields: map[string]string{
			domain.FieldNPINumber:  npi,
			domain.FieldGivenName:  "Jane",
			domain.FieldFamilyName: "Smith",
		},
	}
}

func TestNPIChecksum(t *testing.T) {
	tests := []struct {
		npi  string
		want bool
	}{
		{"1234567893", true},
		{"1234567890", false},
		{"1679576722", true},
		{"123456789", false},
		{"12345678931", false},
	}

	for _, tt := range tests {
		t.Run(tt.npi, func(t *testing.T) {
			assert.Equal(t, tt.want, connector.ValidNPIChecksum(tt.npi))
		})
	}
}

func TestNPIValidator_LocalRejections(t *testing.T) {
	tests := []struct {
		name string
		npi  string
	}{
		{"all zeros", "0000000000"},
		{"all ones", "1111111111"},
		{"too short", "12345"},
		{"failed checksum", "1234567890"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := &countingLimiter{}
			v := connector.NewNPIValidator("https://registry.invalid/api", limiter, nil, logger.Nop())

			res, err := v.Validate(context.Background(), npiProvider(tt.npi))
			require.NoError(t, err)

			assert.Equal(t, connector.OutcomeNotFound, res.Outcome)
			require.Len(t, res.Flags, 1)
			assert.Equal(t, domain.FlagNPINotFound, res.Flags[0].Code)

			// Rejection happens before any limiter or network interaction.
			assert.Equal(t, int32(0), limiter.acquires.Load())

			for _, f := range res.Findings {
				assert.Zero(t, f.Score.Score)
				assert.Equal(t, domain.TierNone, f.Score.Tier)
			}
		})
	}
}

func TestNPIValidator_RegistryHit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1234567893", r.URL.Query().Get("number"))
		assert.Equal(t, "2.1", r.URL.Query().Get("version"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"result_count": 1,
			"results": [{
				"number": "1234567893",
				"basic": {"first_name": "Jane", "last_name": "Smith"},
				"taxonomies": [{"desc": "Internal Medicine", "primary": true}]
			}]
		}`))
	}))
	defer srv.Close()

	limiter := &countingLimiter{}
	v := connector.NewNPIValidator(srv.URL, limiter, srv.Client(), logger.Nop())

	p := npiProvider("1234567893")
	p.Fields[domain.FieldSpecialty] = "Internal Medicine"

	res, err := v.Validate(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, connector.OutcomeOK, res.Outcome)
	assert.Empty(t, res.Flags)
	assert.Equal(t, int32(1), limiter.acquires.Load())
	assert.Equal(t, int32(1), limiter.successes.Load())

	byField := make(map[string]connector.FieldFinding)
	for _, f := range res.Findings {
		byField[f.Field] = f
	}

	assert.InDelta(t, 0.98, byField[domain.FieldNPINumber].Score.Score, 1e-9)
	assert.InDelta(t, 0.95, byField[domain.FieldGivenName].Score.Score, 1e-9)
	assert.InDelta(t, 0.95, byField[domain.FieldFamilyName].Score.Score, 1e-9)
	assert.InDelta(t, 0.92, byField[domain.FieldSpecialty].Score.Score, 1e-9)
}

func TestNPIValidator_NameMismatchScoresLower(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"result_count": 1,
			"results": [{
				"number": "1234567893",
				"basic": {"first_name": "John", "last_name": "Smith"}
			}]
		}`))
	}))
	defer srv.Close()

	v := connector.NewNPIValidator(srv.URL, &countingLimiter{}, srv.Client(), logger.Nop())

	res, err := v.Validate(context.Background(), npiProvider("1234567893"))
	require.NoError(t, err)

	for _, f := range res.Findings {
		if f.Field == domain.FieldGivenName {
			assert.InDelta(t, 0.6, f.Score.Score, 1e-9)
			assert.Equal(t, "John", f.ValidatedValue)
			assert.Contains(t, f.Issues, "name differs from NPI registry")
		}
	}
}

func TestNPIValidator_RegistryMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result_count": 0, "results": []}`))
	}))
	defer srv.Close()

	v := connector.NewNPIValidator(srv.URL, &countingLimiter{}, srv.Client(), logger.Nop())

	res, err := v.Validate(context.Background(), npiProvider("1234567893"))
	require.NoError(t, err)

	assert.Equal(t, connector.OutcomeNotFound, res.Outcome)
	require.Len(t, res.Flags, 1)
	assert.Equal(t, domain.FlagNPINotFound, res.Flags[0].Code)
}

func TestNPIValidator_RateLimitedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	limiter := &countingLimiter{}
	v := connector.NewNPIValidator(srv.URL, limiter, srv.Client(), logger.Nop())

	res, err := v.Validate(context.Background(), npiProvider("1234567893"))
	require.NoError(t, err)

	assert.Equal(t, connector.OutcomeRateLimited, res.Outcome)
	assert.Equal(t, int32(1), limiter.rateLimited.Load())
	assert.Equal(t, int32(0), limiter.successes.Load())
}

func TestNPIValidator_RegistryUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	v := connector.NewNPIValidator(srv.URL, &countingLimiter{}, srv.Client(), logger.Nop())

	res, err := v.Validate(context.Background(), npiProvider("1234567893"))
	require.NoError(t, err)

	assert.Equal(t, connector.OutcomeSourceError, res.Outcome)
	require.Len(t, res.Flags, 1)
	assert.Equal(t, domain.FlagNPINotFound, res.Flags[0].Code)
	for _, f := range res.Findings {
		assert.Zero(t, f.Score.Score)
	}
}

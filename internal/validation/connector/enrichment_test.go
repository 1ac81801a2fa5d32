package connector_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provident/provident-backend/internal/validation/connector"
	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/pkg/logger"
)

func enrichmentProvider() *domain.Provider {
	return &domain.Provider{
		ID: "p1",
		Fields: map[string]string{
			domain.FieldNPINumber: "1234567893",
			domain.FieldPhone:     "+1 555-867-5309",
			domain.FieldSpecialty: "Internal Medicine",
		},
	}
}

func TestEnrichmentValidator_MatchesAndMismatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/providers/1234567893", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{
			"name": "Jane Smith",
			"phone": "15558675309",
			"specialty": "Cardiology"
		}`)
	}))
	defer srv.Close()

	v := connector.NewEnrichmentValidator(srv.URL, "test-key", &countingLimiter{}, srv.Client(), logger.Nop())

	res, err := v.Validate(context.Background(), enrichmentProvider())
	require.NoError(t, err)
	assert.Equal(t, connector.OutcomeOK, res.Outcome)

	byField := make(map[string]connector.FieldFinding)
	for _, f := range res.Findings {
		byField[f.Field] = f
	}

	// Punctuation differences do not break a phone match.
	assert.InDelta(t, 0.65, byField[domain.FieldPhone].Score.Score, 1e-9)
	assert.InDelta(t, 0.4, byField[domain.FieldSpecialty].Score.Score, 1e-9)
	assert.Contains(t, byField[domain.FieldSpecialty].Issues, "differs from enrichment data")
}

func TestEnrichmentValidator_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	v := connector.NewEnrichmentValidator(srv.URL, "", &countingLimiter{}, srv.Client(), logger.Nop())

	res, err := v.Validate(context.Background(), enrichmentProvider())
	require.NoError(t, err)
	assert.Equal(t, connector.OutcomeNotFound, res.Outcome)
	for _, f := range res.Findings {
		assert.Zero(t, f.Score.Score)
	}
}

func TestEnrichmentValidator_SkipsWithoutNPI(t *testing.T) {
	limiter := &countingLimiter{}
	v := connector.NewEnrichmentValidator("https://enrich.invalid", "", limiter, nil, logger.Nop())

	p := &domain.Provider{ID: "p1", Fields: map[string]string{domain.FieldPhone: "555-867-5309"}}
	res, err := v.Validate(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, connector.OutcomeSkipped, res.Outcome)
	assert.Equal(t, int32(0), limiter.acquires.Load())
}

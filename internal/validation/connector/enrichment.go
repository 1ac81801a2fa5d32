package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/pkg/logger"
)

// EnrichmentValidator cross-checks contact details against a commercial
// provider data enrichment API. Enrichment data is aggregated from many
// feeds of varying freshness, so its scores sit in the middle of the range.
type EnrichmentValidator struct {
	client  *http.Client
	baseURL string
	apiKey  string
	limiter Limiter
	logger  *logger.Logger
}

// NewEnrichmentValidator creates an enrichment validator
func NewEnrichmentValidator(baseURL, apiKey string, limiter Limiter, client *http.Client, log *logger.Logger) *EnrichmentValidator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &EnrichmentValidator{
		client:  client,
		baseURL: baseURL,
		apiKey:  apiKey,
		limiter: limiter,
		logger:  log.WithSource(string(domain.SourceEnrichment)),
	}
}

// Source implements SourceValidator
func (v *EnrichmentValidator) Source() domain.Source {
	return domain.SourceEnrichment
}

// Fields implements SourceValidator
func (v *EnrichmentValidator) Fields(p *domain.Provider) []string {
	var fields []string
	for _, f := range []string{domain.FieldPhone, domain.FieldEmail, domain.FieldSpecialty} {
		if p.Fields[f] != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// Validate implements SourceValidator
func (v *EnrichmentValidator) Validate(ctx context.Context, p *domain.Provider) (*Result, error) {
	npi := digitsOnly(p.Fields[domain.FieldNPINumber])
	if npi == "" || len(v.Fields(p)) == 0 {
		return Skipped(v.Source()), nil
	}

	if err := v.limiter.Acquire(ctx, v.Source()); err != nil {
		return nil, err
	}

	rec, status, err := v.fetch(ctx, npi)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		v.logger.Warn().Err(err).Msg("enrichment lookup failed")
		return Failed(v.Source(), OutcomeSourceError, "enrichment service unreachable: "+err.Error(), p, v.Fields(p)), nil
	}
	if status == http.StatusTooManyRequests {
		v.limiter.OnRateLimited(v.Source())
		return Failed(v.Source(), OutcomeRateLimited, "enrichment service rate limited the request", p, v.Fields(p)), nil
	}
	v.limiter.OnSuccess(v.Source())

	if rec == nil {
		return Failed(v.Source(), OutcomeNotFound, "provider not present in enrichment data", p, v.Fields(p)), nil
	}

	res := &Result{Source: v.Source(), Outcome: OutcomeOK}
	res.Findings = append(res.Findings, v.compare(p, domain.FieldPhone, rec.Phone)...)
	res.Findings = append(res.Findings, v.compare(p, domain.FieldEmail, rec.Email)...)
	res.Findings = append(res.Findings, v.compare(p, domain.FieldSpecialty, rec.Specialty)...)
	return res, nil
}

func (v *EnrichmentValidator) compare(p *domain.Provider, field, enriched string) []FieldFinding {
	supplied := p.Fields[field]
	if supplied == "" || enriched == "" {
		return nil
	}
	finding := FieldFinding{
		Field:          field,
		OriginalValue:  supplied,
		ValidatedValue: enriched,
	}
	if normalizeLoose(supplied) == normalizeLoose(enriched) {
		finding.Score = domain.NewTrustScore(v.Source(), 0.65, "matches enrichment data")
	} else {
		finding.Score = domain.NewTrustScore(v.Source(), 0.4, "differs from enrichment data")
		finding.Issues = append(finding.Issues, "differs from enrichment data")
	}
	return []FieldFinding{finding}
}

type enrichmentRecord struct {
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
	Specialty string `json:"specialty"`
}

func (v *EnrichmentValidator) fetch(ctx context.Context, npi string) (*enrichmentRecord, int, error) {
	u, err := url.Parse(strings.TrimSuffix(v.baseURL, "/") + "/providers/" + npi)
	if err != nil {
		return nil, 0, fmt.Errorf("parse enrichment url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if v.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.apiKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, resp.StatusCode, nil
	case http.StatusTooManyRequests:
		return nil, resp.StatusCode, nil
	default:
		return nil, resp.StatusCode, fmt.Errorf("enrichment returned status %d", resp.StatusCode)
	}

	var rec enrichmentRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode enrichment response: %w", err)
	}
	return &rec, resp.StatusCode, nil
}

package connector

import (
	"context"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/pkg/logger"
)

// Reference field used for fuzzy name matching. It is filled by whichever
// upstream step already resolved the provider against a registry (intake
// enrichment or a prior run) and compared against the self-reported name.
const FieldRegistryName = "registry_name"

// NameValidator scores how closely the self-reported name matches a
// reference name, using case-insensitive Levenshtein similarity.
// A ratio of 0.85 or better counts as a match, 0.7 as a near miss.
type NameValidator struct {
	logger *logger.Logger
}

// NewNameValidator creates a fuzzy name validator
func NewNameValidator(log *logger.Logger) *NameValidator {
	return &NameValidator{logger: log.WithSource(string(domain.SourceNameFuzzy))}
}

// Source implements SourceValidator
func (v *NameValidator) Source() domain.Source {
	return domain.SourceNameFuzzy
}

// Fields implements SourceValidator
func (v *NameValidator) Fields(p *domain.Provider) []string {
	if p.Fields[FieldRegistryName] == "" {
		return nil
	}
	var fields []string
	if p.Fields[domain.FieldGivenName] != "" {
		fields = append(fields, domain.FieldGivenName)
	}
	if p.Fields[domain.FieldFamilyName] != "" {
		fields = append(fields, domain.FieldFamilyName)
	}
	return fields
}

// Validate implements SourceValidator
func (v *NameValidator) Validate(ctx context.Context, p *domain.Provider) (*Result, error) {
	reference := strings.TrimSpace(p.Fields[FieldRegistryName])
	given := strings.TrimSpace(p.Fields[domain.FieldGivenName])
	family := strings.TrimSpace(p.Fields[domain.FieldFamilyName])

	if reference == "" || (given == "" && family == "") {
		return Skipped(v.Source()), nil
	}

	supplied := strings.TrimSpace(given + " " + family)
	ratio := levenshtein.Similarity(strings.ToLower(supplied), strings.ToLower(reference), nil)

	var score float64
	var reason string
	var issues []string
	switch {
	case ratio >= 0.85:
		score = ratio
		reason = "name matches reference"
	case ratio >= 0.7:
		score = ratio
		reason = "name close to reference"
		issues = append(issues, "name differs slightly from reference")
	default:
		score = ratio * 0.5
		reason = "name does not match reference"
		issues = append(issues, "name does not match reference")
	}

	res := &Result{Source: v.Source(), Outcome: OutcomeOK}
	for _, field := range v.Fields(p) {
		res.Findings = append(res.Findings, FieldFinding{
			Field:          field,
			OriginalValue:  p.Fields[field],
			ValidatedValue: p.Fields[field],
			Score:          domain.NewTrustScore(v.Source(), score, reason),
			Issues:         issues,
		})
	}
	return res, nil
}

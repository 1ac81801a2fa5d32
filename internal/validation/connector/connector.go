package connector

import (
	"context"
	"fmt"

	"github.com/provident/provident-backend/internal/validation/domain"
)

// Limiter gates outbound calls per source. Validators acquire a slot before
// touching the network and report the outcome so the limiter can back off.
type Limiter interface {
	Acquire(ctx context.Context, source domain.Source) error
	OnSuccess(source domain.Source)
	OnRateLimited(source domain.Source)
}

// Outcome classifies how a validation attempt ended. Everything except
// OutcomeOK still produces findings (zero scores with a reason), so the
// aggregator always has data to work with.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeNotFound      Outcome = "not_found"
	OutcomeRobotDetected Outcome = "robot_detected"
	OutcomeRateLimited   Outcome = "rate_limited"
	OutcomeSourceError   Outcome = "source_error"
	OutcomeSkipped       Outcome = "skipped"
)

// FieldFinding is one validator's verdict on one provider field
type FieldFinding struct {
	Field          string
	OriginalValue  string
	ValidatedValue string
	Score          domain.TrustScore
	Issues         []string
}

// Result is everything a single source learned about a provider
type Result struct {
	Source   domain.Source
	Outcome  Outcome
	Findings []FieldFinding
	Flags    []domain.Flag
	Err      string
}

// Failed builds a Result where every named field scores 0.0 with the given
// reason. Used for not-found, rate-limited, robot and transport failures.
func Failed(source domain.Source, outcome Outcome, reason string, p *domain.Provider, fields []string) *Result {
	res := &Result{Source: source, Outcome: outcome, Err: reason}
	for _, f := range fields {
		res.Findings = append(res.Findings, FieldFinding{
			Field:          f,
			OriginalValue:  p.Fields[f],
			ValidatedValue: p.Fields[f],
			Score:          domain.NewTrustScore(source, 0.0, reason),
		})
	}
	return res
}

// Skipped builds a Result for a validator that had nothing to check
// (e.g. the field is absent from the provider input).
func Skipped(source domain.Source) *Result {
	return &Result{Source: source, Outcome: OutcomeSkipped}
}

// SourceValidator defines the interface for a single validation source.
// Implementations can be swapped in without changing the orchestrator
// or aggregation layer.
type SourceValidator interface {
	// Source returns the source identity used for scoring and rate limiting
	Source() domain.Source

	// Fields returns the canonical field names this validator would score
	// for the given provider. The orchestrator uses it to degrade failures
	// into zero scores on exactly those fields.
	Fields(p *domain.Provider) []string

	// Validate checks the provider against this source. Expected failure
	// modes (not found, rate limited, robot detection, transport errors)
	// come back as a Result with zero scores and a reason. An error return
	// is reserved for programmer or configuration mistakes, which abort
	// the whole run.
	Validate(ctx context.Context, p *domain.Provider) (*Result, error)
}

// Registry holds all registered validators and dispatches by source name
type Registry struct {
	validators []SourceValidator
}

// NewRegistry creates a new validator registry
func NewRegistry(validators ...SourceValidator) *Registry {
	return &Registry{validators: validators}
}

// Get returns the validator for the given source, or nil if none registered
func (r *Registry) Get(source domain.Source) SourceValidator {
	for _, v := range r.validators {
		if v.Source() == source {
			return v
		}
	}
	return nil
}

// ForSources returns the validators for the named sources in the given
// order. Unknown names are reported as an error so a typo in configuration
// fails loudly instead of silently dropping a source.
func (r *Registry) ForSources(names []string) ([]SourceValidator, error) {
	result := make([]SourceValidator, 0, len(names))
	for _, name := range names {
		v := r.Get(domain.Source(name))
		if v == nil {
			return nil, fmt.Errorf("no validator registered for source %q", name)
		}
		result = append(result, v)
	}
	return result, nil
}

// All returns every registered validator in registration order
func (r *Registry) All() []SourceValidator {
	return r.validators
}

package connector

import (
	"context"
	"net"
	"regexp"
	"strings"

	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/pkg/logger"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// MXResolver looks up mail exchange records for a domain. net.Resolver
// satisfies it; tests inject a stub.
type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// EmailValidator checks email syntax and whether the domain can actually
// receive mail. A deliverable domain earns 0.8, bare syntax only 0.3.
type EmailValidator struct {
	resolver MXResolver
	limiter  Limiter
	logger   *logger.Logger
}

// NewEmailValidator creates an email validator. Pass nil to use the system
// DNS resolver.
func NewEmailValidator(resolver MXResolver, limiter Limiter, log *logger.Logger) *EmailValidator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &EmailValidator{
		resolver: resolver,
		limiter:  limiter,
		logger:   log.WithSource(string(domain.SourceEmailMX)),
	}
}

// Source implements SourceValidator
func (v *EmailValidator) Source() domain.Source {
	return domain.SourceEmailMX
}

// Fields implements SourceValidator
func (v *EmailValidator) Fields(p *domain.Provider) []string {
	if p.Fields[domain.FieldEmail] == "" {
		return nil
	}
	return []string{domain.FieldEmail}
}

// Validate implements SourceValidator
func (v *EmailValidator) Validate(ctx context.Context, p *domain.Provider) (*Result, error) {
	email := strings.TrimSpace(strings.ToLower(p.Fields[domain.FieldEmail]))
	if email == "" {
		return Skipped(v.Source()), nil
	}

	if !emailPattern.MatchString(email) {
		res := Failed(v.Source(), OutcomeNotFound, "email address is not syntactically valid", p, v.Fields(p))
		res.Findings[0].Issues = append(res.Findings[0].Issues, "invalid email syntax")
		return res, nil
	}

	if err := v.limiter.Acquire(ctx, v.Source()); err != nil {
		return nil, err
	}

	domainPart := email[strings.LastIndex(email, "@")+1:]
	mx, err := v.resolver.LookupMX(ctx, domainPart)
	if err != nil || len(mx) == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		v.limiter.OnSuccess(v.Source())
		finding := FieldFinding{
			Field:          domain.FieldEmail,
			OriginalValue:  p.Fields[domain.FieldEmail],
			ValidatedValue: email,
			Score:          domain.NewTrustScore(v.Source(), 0.3, "valid syntax but domain has no mail exchanger"),
			Issues:         []string{"email domain has no MX record"},
		}
		return &Result{Source: v.Source(), Outcome: OutcomeOK, Findings: []FieldFinding{finding}}, nil
	}
	v.limiter.OnSuccess(v.Source())

	finding := FieldFinding{
		Field:          domain.FieldEmail,
		OriginalValue:  p.Fields[domain.FieldEmail],
		ValidatedValue: email,
		Score:          domain.NewTrustScore(v.Source(), 0.8, "valid syntax and deliverable domain"),
	}
	return &Result{Source: v.Source(), Outcome: OutcomeOK, Findings: []FieldFinding{finding}}, nil
}

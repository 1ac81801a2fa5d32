package connector

import (
	"context"
	"strings"

	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/pkg/logger"
)

// PhoneValidator normalizes a phone number to E.164 and scores it on how
// plausible the result is. Validation is purely local: 0.8 for a number
// that normalizes cleanly, small bonuses for area code plausibility.
type PhoneValidator struct {
	defaultRegion string
	logger        *logger.Logger
}

// NewPhoneValidator creates a phone validator. defaultRegion is the country
// calling code assumed for national numbers ("1" for NANP).
func NewPhoneValidator(defaultRegion string, log *logger.Logger) *PhoneValidator {
	if defaultRegion == "" {
		defaultRegion = "1"
	}
	return &PhoneValidator{
		defaultRegion: defaultRegion,
		logger:        log.WithSource(string(domain.SourcePhoneE164)),
	}
}

// Source implements SourceValidator
func (v *PhoneValidator) Source() domain.Source {
	return domain.SourcePhoneE164
}

// Fields implements SourceValidator
func (v *PhoneValidator) Fields(p *domain.Provider) []string {
	if p.Fields[domain.FieldPhone] == "" {
		return nil
	}
	return []string{domain.FieldPhone}
}

// Validate implements SourceValidator
func (v *PhoneValidator) Validate(ctx context.Context, p *domain.Provider) (*Result, error) {
	raw := p.Fields[domain.FieldPhone]
	if strings.TrimSpace(raw) == "" {
		return Skipped(v.Source()), nil
	}

	normalized, ok := v.normalizeE164(raw)
	if !ok {
		res := Failed(v.Source(), OutcomeNotFound, "phone number could not be normalized to E.164", p, v.Fields(p))
		res.Findings[0].Issues = append(res.Findings[0].Issues, "unparseable phone number")
		return res, nil
	}

	score := 0.8
	reasons := []string{"normalized to E.164"}

	national := strings.TrimPrefix(normalized, "+"+v.defaultRegion)
	if v.defaultRegion == "1" && len(national) == 10 {
		score += 0.05
		reasons = append(reasons, "possible NANP number")
		// Area codes never start with 0 or 1.
		if national[0] >= '2' && national[0] <= '9' {
			score += 0.05
			reasons = append(reasons, "plausible area code")
		}
	}
	if score > 1.0 {
		score = 1.0
	}

	finding := FieldFinding{
		Field:          domain.FieldPhone,
		OriginalValue:  raw,
		ValidatedValue: normalized,
		Score:          domain.NewTrustScore(v.Source(), score, strings.Join(reasons, ", ")),
	}
	return &Result{Source: v.Source(), Outcome: OutcomeOK, Findings: []FieldFinding{finding}}, nil
}

// normalizeE164 converts a free-form phone number to +<country><national>
func (v *PhoneValidator) normalizeE164(raw string) (string, bool) {
	hasPlus := strings.HasPrefix(strings.TrimSpace(raw), "+")
	digits := digitsOnly(raw)

	switch {
	case hasPlus:
		// Already international form; E.164 allows max 15 digits.
		if len(digits) < 8 || len(digits) > 15 {
			return "", false
		}
		return "+" + digits, true
	case v.defaultRegion == "1" && len(digits) == 11 && digits[0] == '1':
		return "+" + digits, true
	case v.defaultRegion == "1" && len(digits) == 10:
		return "+1" + digits, true
	case len(digits) >= 8 && len(digits) <= 15-len(v.defaultRegion):
		return "+" + v.defaultRegion + digits, true
	default:
		return "", false
	}
}

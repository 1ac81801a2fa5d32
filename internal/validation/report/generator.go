package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/provident/provident-backend/internal/validation/domain"
)

// Summary holds the roll-up statistics for one report
type Summary struct {
	TotalFields         int     `json:"total_fields"`
	HighConfidenceCount int     `json:"high_confidence_count"`
	LowConfidenceCount  int     `json:"low_confidence_count"`
	IssueCount          int     `json:"issue_count"`
	FlagCount           int     `json:"flag_count"`
	OverallConfidence   float64 `json:"overall_confidence"`
}

// Enriched is a ValidationReport augmented with the reviewer-facing
// material: summary statistics, a recommended action and plain language
// recommendations.
type Enriched struct {
	*domain.ValidationReport
	Summary         Summary               `json:"summary"`
	Recommendation  domain.Recommendation `json:"recommendation"`
	Recommendations []string              `json:"recommendations"`
}

// Generator derives the reviewer-facing layer from a finished report.
// It never changes scores or status; it only explains them.
type Generator struct {
	lowConfidenceThreshold float64
}

// NewGenerator creates a report generator
func NewGenerator(lowConfidenceThreshold float64) *Generator {
	return &Generator{lowConfidenceThreshold: lowConfidenceThreshold}
}

// Enrich builds the enriched view of a report
func (g *Generator) Enrich(r *domain.ValidationReport) *Enriched {
	return &Enriched{
		ValidationReport: r,
		Summary:          g.summarize(r),
		Recommendation:   g.recommendAction(r),
		Recommendations:  g.recommendations(r),
	}
}

func (g *Generator) summarize(r *domain.ValidationReport) Summary {
	s := Summary{
		TotalFields:       len(r.FieldResults),
		FlagCount:         len(r.Flags),
		OverallConfidence: r.OverallConfidence,
	}
	for _, fr := range r.FieldResults {
		if fr.Confidence >= 0.8 {
			s.HighConfidenceCount++
		}
		if fr.Confidence < g.lowConfidenceThreshold {
			s.LowConfidenceCount++
		}
		s.IssueCount += len(fr.Issues)
	}
	return s
}

// recommendAction maps the report verdict to the next reviewer action
func (g *Generator) recommendAction(r *domain.ValidationReport) domain.Recommendation {
	switch {
	case r.ValidationStatus == domain.StatusInvalid:
		return domain.RecommendReject
	case r.ValidationStatus == domain.StatusValid && len(r.Flags) == 0:
		return domain.RecommendAccept
	default:
		return domain.RecommendManualReview
	}
}

// recommendations produces concrete follow-ups, one per actionable finding
func (g *Generator) recommendations(r *domain.ValidationReport) []string {
	var recs []string

	for _, f := range r.Flags {
		switch f.Code {
		case domain.FlagNPINotFound:
			recs = append(recs, "verify the NPI number with the provider; it could not be confirmed against the registry")
		case domain.FlagAddressMismatch:
			recs = append(recs, "confirm the practice address; geocoding could not resolve it with confidence")
		case domain.FlagLicenseExpired:
			recs = append(recs, "request a current license; the state board reports it expired")
		case domain.FlagLicenseSuspended, domain.FlagLicenseRevoked:
			recs = append(recs, "escalate to credentialing review; the state board reports a disciplinary license status")
		case domain.FlagDuplicateNPI:
			recs = append(recs, "investigate the duplicate NPI; another provider record uses the same number")
		}
	}

	var lowFields []string
	for _, name := range sortedFieldNames(r.FieldResults) {
		if r.FieldResults[name].Confidence < g.lowConfidenceThreshold {
			lowFields = append(lowFields, name)
		}
	}
	if len(lowFields) > 0 {
		recs = append(recs, fmt.Sprintf("manually verify low confidence fields: %s", strings.Join(lowFields, ", ")))
	}

	if len(recs) == 0 && r.ValidationStatus == domain.StatusValid {
		recs = append(recs, "no follow-up required; all fields validated with sufficient confidence")
	}
	return recs
}

func sortedFieldNames(fields map[string]domain.FieldValidationResult) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package domain

import "time"

// Source identifies where a trust score came from
type Source string

const (
	SourceNPI          Source = "npi"
	SourceGooglePlaces Source = "google_places"
	SourceStateBoard   Source = "state_board"
	SourceEmailMX      Source = "email_mx"
	SourcePhoneE164    Source = "phone_e164"
	SourceNameFuzzy    Source = "name_fuzzy"
	SourceEnrichment   Source = "enrichment"
	SourceOCR          Source = "ocr"
	SourceManual       Source = "manual"
)

// Canonical provider field names. Every source reports against these keys so
// the aggregator can merge results field by field.
const (
	FieldNPINumber     = "npi_number"
	FieldGivenName     = "given_name"
	FieldFamilyName    = "family_name"
	FieldAddress       = "address"
	FieldPhone         = "phone"
	FieldEmail         = "email"
	FieldLicenseNumber = "license_number"
	FieldLicenseState  = "license_state"
	FieldLicenseStatus = "license_status"
	FieldSpecialty     = "specialty"
)

// TrustTier buckets a trust score for display and filtering
type TrustTier string

const (
	TierNone   TrustTier = "none"
	TierLow    TrustTier = "low"
	TierMedium TrustTier = "medium"
	TierHigh   TrustTier = "high"
)

// TierForScore derives the tier from a score. 0.0 maps to none, anything
// above zero is at least low.
func TierForScore(score float64) TrustTier {
	switch {
	case score >= 0.8:
		return TierHigh
	case score >= 0.5:
		return TierMedium
	case score > 0:
		return TierLow
	default:
		return TierNone
	}
}

// TrustScore is one source's verdict on one field. Score is always populated,
// even when the source failed (failures report 0.0 with a reason).
type TrustScore struct {
	Source Source    `json:"source"`
	Score  float64   `json:"score"`
	Tier   TrustTier `json:"tier"`
	Reason string    `json:"reason,omitempty"`
}

// NewTrustScore builds a TrustScore with the tier derived from the score
func NewTrustScore(source Source, score float64, reason string) TrustScore {
	return TrustScore{
		Source: source,
		Score:  score,
		Tier:   TierForScore(score),
		Reason: reason,
	}
}

// FieldValidationResult collects every source's verdict on a single field.
// Confidence is the aggregated per-field score after disagreement penalties;
// TrustScores keeps the raw per-source verdicts for explainability.
type FieldValidationResult struct {
	FieldName      string       `json:"field_name"`
	OriginalValue  string       `json:"original_value"`
	ValidatedValue string       `json:"validated_value"`
	Confidence     float64      `json:"confidence"`
	TrustScores    []TrustScore `json:"trust_scores"`
	Issues         []string     `json:"issues,omitempty"`
}

// BestScore returns the highest trust score attached to this field,
// or a zero TrustScore when no source reported.
func (r *FieldValidationResult) BestScore() TrustScore {
	best := TrustScore{Tier: TierNone}
	for i, ts := range r.TrustScores {
		if i == 0 || ts.Score > best.Score {
			best = ts
		}
	}
	return best
}

// ValidationStatus is the overall verdict for a report
type ValidationStatus string

const (
	StatusValid   ValidationStatus = "valid"
	StatusWarning ValidationStatus = "warning"
	StatusInvalid ValidationStatus = "invalid"
)

// Flag codes attached to reports
const (
	FlagNPINotFound      = "NPI_NOT_FOUND"
	FlagAddressMismatch  = "ADDRESS_MISMATCH"
	FlagLicenseExpired   = "LICENSE_EXPIRED"
	FlagLicenseSuspended = "LICENSE_SUSPENDED"
	FlagLicenseRevoked   = "LICENSE_REVOKED"
	FlagDuplicateNPI     = "DUPLICATE_NPI"

	// FlagLowConfidencePrefix is joined with the upper-cased field name,
	// e.g. LOW_CONFIDENCE_PHONE.
	FlagLowConfidencePrefix = "LOW_CONFIDENCE_"
)

// Flag marks a condition on a report that needs attention. Blocking is
// stamped by the aggregator from its configured blocking set, so a persisted
// report records which flags forced its status.
type Flag struct {
	Code      string    `json:"code"`
	Reason    string    `json:"reason"`
	Blocking  bool      `json:"blocking,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DefaultBlockingFlags lists the flag codes that force a report to invalid
// regardless of its confidence when no explicit set is configured.
func DefaultBlockingFlags() []string {
	return []string{
		FlagNPINotFound,
		FlagLicenseExpired,
		FlagLicenseSuspended,
		FlagLicenseRevoked,
	}
}

// ValidationReport is the immutable output of one validation run. A re-run
// produces a new report that supersedes this one; reports are never edited.
type ValidationReport struct {
	ID                string                           `json:"report_id"`
	ProviderID        string                           `json:"provider_id"`
	FieldResults      map[string]FieldValidationResult `json:"field_results"`
	OverallConfidence float64                          `json:"overall_confidence"`
	ValidationStatus  ValidationStatus                 `json:"validation_status"`
	Flags             []Flag                           `json:"flags"`
	GeneratedAt       time.Time                        `json:"generated_at"`
}

// HasFlag reports whether the report carries a flag with the given code
func (r *ValidationReport) HasFlag(code string) bool {
	for _, f := range r.Flags {
		if f.Code == code {
			return true
		}
	}
	return false
}

// FlagCodes returns the codes of all flags on the report
func (r *ValidationReport) FlagCodes() []string {
	codes := make([]string, 0, len(r.Flags))
	for _, f := range r.Flags {
		codes = append(codes, f.Code)
	}
	return codes
}

// HasBlockingFlag reports whether any flag forces an invalid status
func (r *ValidationReport) HasBlockingFlag() bool {
	for _, f := range r.Flags {
		if f.Blocking {
			return true
		}
	}
	return false
}

// Provider is the input to a validation run: an identifier plus the
// self-reported field values to verify.
type Provider struct {
	ID     string            `json:"provider_id"`
	Fields map[string]string `json:"fields"`
}

// RunStatus tracks the lifecycle of a validation run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ValidationRun is the bookkeeping record for one orchestrated run
type ValidationRun struct {
	ID         string    `json:"run_id"`
	ProviderID string    `json:"provider_id"`
	Status     RunStatus `json:"status"`
	ReportID   string    `json:"report_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Clone returns a copy of the run, safe to hand out while the original
// keeps mutating under the service's lock.
func (r *ValidationRun) Clone() *ValidationRun {
	c := *r
	return &c
}

// Recommendation is the suggested next action derived from a report
type Recommendation string

const (
	RecommendAccept       Recommendation = "accept"
	RecommendManualReview Recommendation = "manual_review"
	RecommendReject       Recommendation = "reject"
)

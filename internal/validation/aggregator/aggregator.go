package aggregator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/provident/provident-backend/internal/validation/connector"
	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/pkg/config"
)

// defaultWeight applies to sources without a configured reliability weight
const defaultWeight = 0.1

// Config holds the aggregation tunables
type Config struct {
	SourceWeights          map[string]float64
	DisagreementPenalty    float64
	ValidThreshold         float64
	InvalidThreshold       float64
	LowConfidenceThreshold float64
	RequiredFields         []string

	// BlockingFlags lists the flag codes that force a report to invalid
	// regardless of confidence. Nil means domain.DefaultBlockingFlags.
	BlockingFlags []string
}

// FromValidationConfig maps the service configuration onto the aggregator
func FromValidationConfig(cfg *config.ValidationConfig) Config {
	return Config{
		SourceWeights:          cfg.SourceWeights,
		DisagreementPenalty:    cfg.DisagreementPenalty,
		ValidThreshold:         cfg.ValidThreshold,
		InvalidThreshold:       cfg.InvalidThreshold,
		LowConfidenceThreshold: cfg.LowConfidenceThreshold,
		RequiredFields:         cfg.RequiredFields,
		BlockingFlags:          cfg.BlockingFlags,
	}
}

// Context carries facts the caller knows that influence the run but that
// no source validator can see, such as whether the NPI already exists on
// another provider record.
type Context struct {
	DuplicateNPI bool

	// RequestedFields scopes the report to exactly these fields when
	// non-empty. A requested field no source reported on still appears as
	// a zero-confidence entry with an explanatory issue.
	RequestedFields []string

	// External carries caller-supplied source results, such as manual
	// review verdicts or scores lifted from uploaded documents, that take
	// part in aggregation alongside the live source results.
	External []*connector.Result
}

// Aggregator turns independent per-source results into one explainable
// report. It is pure: same inputs produce the same report regardless of
// the order results arrived in.
type Aggregator struct {
	cfg      Config
	blocking map[string]bool
}

// New creates an aggregator
func New(cfg Config) *Aggregator {
	codes := cfg.BlockingFlags
	if codes == nil {
		codes = domain.DefaultBlockingFlags()
	}
	blocking := make(map[string]bool, len(codes))
	for _, code := range codes {
		blocking[code] = true
	}
	return &Aggregator{cfg: cfg, blocking: blocking}
}

// Aggregate merges all source results for a provider into a report.
// The caller assigns the report ID; generatedAt is passed in so a reused
// cached report keeps its original timestamp.
func (a *Aggregator) Aggregate(p *domain.Provider, results []*connector.Result, vctx Context, generatedAt time.Time) *domain.ValidationReport {
	if len(vctx.External) > 0 {
		merged := make([]*connector.Result, 0, len(results)+len(vctx.External))
		merged = append(merged, results...)
		merged = append(merged, vctx.External...)
		results = merged
	}

	byField := a.groupFindings(results)

	report := &domain.ValidationReport{
		ProviderID:   p.ID,
		FieldResults: make(map[string]domain.FieldValidationResult, len(byField)),
		GeneratedAt:  generatedAt,
	}

	// Aggregate each field that at least one source reported on.
	fieldWeights := make(map[string]float64)
	for field, findings := range byField {
		fr, weight := a.aggregateField(field, findings)
		report.FieldResults[field] = fr
		fieldWeights[field] = weight
	}

	// An explicit field scope wins over the required-field default: the
	// report holds exactly the requested fields, each guaranteed present.
	if len(vctx.RequestedFields) > 0 {
		a.applyFieldScope(report, fieldWeights, p, vctx.RequestedFields)
	} else {
		// Required fields no source touched still appear, scoring zero.
		for _, field := range a.cfg.RequiredFields {
			if _, ok := report.FieldResults[field]; ok {
				continue
			}
			report.FieldResults[field] = zeroFieldResult(field, p.Fields[field])
			fieldWeights[field] = defaultWeight
		}
	}

	report.OverallConfidence = a.overallConfidence(report.FieldResults, fieldWeights)
	report.Flags = a.collectFlags(report, results, vctx, generatedAt)
	report.ValidationStatus = a.deriveStatus(report)

	return report
}

// applyFieldScope trims the report to the requested fields and stamps a
// zero-confidence entry for any requested field no source reported on.
func (a *Aggregator) applyFieldScope(report *domain.ValidationReport, fieldWeights map[string]float64, p *domain.Provider, requested []string) {
	scope := make(map[string]bool, len(requested))
	for _, field := range requested {
		scope[field] = true
	}
	for field := range report.FieldResults {
		if !scope[field] {
			delete(report.FieldResults, field)
			delete(fieldWeights, field)
		}
	}
	for _, field := range requested {
		if _, ok := report.FieldResults[field]; ok {
			continue
		}
		report.FieldResults[field] = zeroFieldResult(field, p.Fields[field])
		fieldWeights[field] = defaultWeight
	}
}

func zeroFieldResult(field, original string) domain.FieldValidationResult {
	return domain.FieldValidationResult{
		FieldName:     field,
		OriginalValue: original,
		Confidence:    0.0,
		Issues:        []string{"no source validated this field"},
	}
}

// groupFindings collects findings per field in a deterministic order
func (a *Aggregator) groupFindings(results []*connector.Result) map[string][]connector.FieldFinding {
	byField := make(map[string][]connector.FieldFinding)
	for _, res := range results {
		if res == nil {
			continue
		}
		for _, f := range res.Findings {
			byField[f.Field] = append(byField[f.Field], f)
		}
	}
	// Sort each field's findings by source so arrival order is irrelevant.
	for _, findings := range byField {
		sort.SliceStable(findings, func(i, j int) bool {
			return findings[i].Score.Source < findings[j].Score.Source
		})
	}
	return byField
}

// aggregateField merges one field's findings. Agreement takes the best
// score as is; disagreement takes the most trusted source's value but caps
// the confidence with the disagreement penalty. The returned weight is the
// reliability weight of the winning source.
func (a *Aggregator) aggregateField(field string, findings []connector.FieldFinding) (domain.FieldValidationResult, float64) {
	fr := domain.FieldValidationResult{FieldName: field}

	var issues []string
	for _, f := range findings {
		fr.TrustScores = append(fr.TrustScores, f.Score)
		issues = append(issues, f.Issues...)
		if fr.OriginalValue == "" {
			fr.OriginalValue = f.OriginalValue
		}
	}

	winner := findings[0]
	for _, f := range findings[1:] {
		if f.Score.Score > winner.Score.Score {
			winner = f
		}
	}

	fr.ValidatedValue = winner.ValidatedValue
	fr.Confidence = winner.Score.Score

	if a.disagree(findings) {
		fr.Confidence = winner.Score.Score * a.cfg.DisagreementPenalty
		issues = append(issues, "source disagreement on validated value")
	}

	fr.Issues = dedupeStrings(issues)
	return fr, a.weightFor(winner.Score.Source)
}

// disagree reports whether the positively scored findings settled on more
// than one distinct validated value. Zero-score findings carry no value
// opinion and are ignored here.
func (a *Aggregator) disagree(findings []connector.FieldFinding) bool {
	var seen string
	var count int
	for _, f := range findings {
		if f.Score.Score <= 0 || f.ValidatedValue == "" {
			continue
		}
		v := normalizeValue(f.ValidatedValue)
		if count == 0 {
			seen = v
			count = 1
			continue
		}
		if v != seen {
			return true
		}
	}
	return false
}

func (a *Aggregator) weightFor(source domain.Source) float64 {
	if w, ok := a.cfg.SourceWeights[string(source)]; ok {
		return w
	}
	return defaultWeight
}

// overallConfidence is the weighted average of per-field confidences,
// weighted by the reliability of each field's winning source.
func (a *Aggregator) overallConfidence(fields map[string]domain.FieldValidationResult, weights map[string]float64) float64 {
	var sum, wsum float64
	for field, fr := range fields {
		w := weights[field]
		if w <= 0 {
			w = defaultWeight
		}
		sum += fr.Confidence * w
		wsum += w
	}
	if wsum == 0 {
		return 0
	}
	return sum / wsum
}

// collectFlags merges source-raised flags with aggregation-level flags
func (a *Aggregator) collectFlags(report *domain.ValidationReport, results []*connector.Result, vctx Context, now time.Time) []domain.Flag {
	byCode := make(map[string]domain.Flag)

	// Visit results in source order so the retained flag for a code does
	// not depend on which source happened to finish first.
	ordered := make([]*connector.Result, 0, len(results))
	for _, res := range results {
		if res != nil {
			ordered = append(ordered, res)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Source < ordered[j].Source })

	for _, res := range ordered {
		for _, f := range res.Flags {
			if _, ok := byCode[f.Code]; !ok {
				byCode[f.Code] = f
			}
		}
	}

	// License flags can also come straight from the validated value, e.g.
	// when the status field was confirmed by a source that raises no flags.
	if fr, ok := report.FieldResults[domain.FieldLicenseStatus]; ok {
		switch strings.ToUpper(fr.ValidatedValue) {
		case "EXPIRED":
			addFlag(byCode, domain.FlagLicenseExpired, "license status is expired", now)
		case "SUSPENDED":
			addFlag(byCode, domain.FlagLicenseSuspended, "license status is suspended", now)
		case "REVOKED":
			addFlag(byCode, domain.FlagLicenseRevoked, "license status is revoked", now)
		}
	}

	for _, field := range sortedFieldNames(report.FieldResults) {
		fr := report.FieldResults[field]
		if fr.Confidence < a.cfg.LowConfidenceThreshold {
			code := domain.FlagLowConfidencePrefix + strings.ToUpper(field)
			addFlag(byCode, code, fmt.Sprintf("confidence %.2f below %.2f for %s", fr.Confidence, a.cfg.LowConfidenceThreshold, field), now)
		}
	}

	if vctx.DuplicateNPI {
		addFlag(byCode, domain.FlagDuplicateNPI, "NPI number already present on another provider record", now)
	}

	flags := make([]domain.Flag, 0, len(byCode))
	for _, f := range byCode {
		f.Blocking = a.blocking[f.Code]
		flags = append(flags, f)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].Code < flags[j].Code })
	return flags
}

// deriveStatus maps overall confidence and flags to the report status.
// Blocking flags win over any confidence; the valid threshold is inclusive.
func (a *Aggregator) deriveStatus(report *domain.ValidationReport) domain.ValidationStatus {
	if report.HasBlockingFlag() {
		return domain.StatusInvalid
	}
	if report.OverallConfidence < a.cfg.InvalidThreshold {
		return domain.StatusInvalid
	}
	if report.OverallConfidence >= a.cfg.ValidThreshold {
		return domain.StatusValid
	}
	return domain.StatusWarning
}

func addFlag(byCode map[string]domain.Flag, code, reason string, now time.Time) {
	if _, ok := byCode[code]; ok {
		return
	}
	byCode[code] = domain.Flag{Code: code, Reason: reason, Timestamp: now}
}

func sortedFieldNames(fields map[string]domain.FieldValidationResult) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeValue(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

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

// NPIValidator verifies a provider against the CMS NPI registry. It is the
// most authoritative source: a registry hit yields high trust scores on the
// NPI number and the identity fields it can cross-check.
type NPIValidator struct {
	client  *http.Client
	baseURL string
	limiter Limiter
	logger  *logger.Logger
}

// NewNPIValidator creates an NPI registry validator
func NewNPIValidator(baseURL string, limiter Limiter, client *http.Client, log *logger.Logger) *NPIValidator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &NPIValidator{
		client:  client,
		baseURL: baseURL,
		limiter: limiter,
		logger:  log.WithSource(string(domain.SourceNPI)),
	}
}

// Source implements SourceValidator
func (v *NPIValidator) Source() domain.Source {
	return domain.SourceNPI
}

// Fields implements SourceValidator
func (v *NPIValidator) Fields(p *domain.Provider) []string {
	fields := []string{domain.FieldNPINumber}
	for _, f := range []string{domain.FieldGivenName, domain.FieldFamilyName, domain.FieldAddress, domain.FieldSpecialty} {
		if p.Fields[f] != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// Validate implements SourceValidator. Malformed and implausible NPI numbers
// are rejected locally; the rate limiter and the network are only touched
// once the number passes the checksum.
func (v *NPIValidator) Validate(ctx context.Context, p *domain.Provider) (*Result, error) {
	raw := p.Fields[domain.FieldNPINumber]
	npi := digitsOnly(raw)

	if npi == "" {
		return Failed(v.Source(), OutcomeNotFound, "no NPI number supplied", p, v.Fields(p)), nil
	}
	if len(npi) != 10 {
		return v.rejected(p, fmt.Sprintf("NPI must be 10 digits, got %d", len(npi))), nil
	}
	if allSameDigit(npi) {
		return v.rejected(p, "implausible NPI pattern (repeated digit)"), nil
	}
	if !ValidNPIChecksum(npi) {
		return v.rejected(p, "NPI failed checksum validation"), nil
	}

	if err := v.limiter.Acquire(ctx, v.Source()); err != nil {
		return nil, err
	}

	record, status, err := v.lookup(ctx, npi)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		v.logger.Warn().Err(err).Str("npi", npi).Msg("registry lookup failed")
		res := Failed(v.Source(), OutcomeSourceError, "NPI registry unreachable: "+err.Error(), p, v.Fields(p))
		res.Flags = append(res.Flags, domain.Flag{
			Code:      domain.FlagNPINotFound,
			Reason:    "NPI registry lookup failed",
			Timestamp: time.Now().UTC(),
		})
		return res, nil
	}
	if status == http.StatusTooManyRequests {
		v.limiter.OnRateLimited(v.Source())
		return Failed(v.Source(), OutcomeRateLimited, "NPI registry rate limited the request", p, v.Fields(p)), nil
	}
	v.limiter.OnSuccess(v.Source())

	if record == nil {
		res := Failed(v.Source(), OutcomeNotFound, fmt.Sprintf("NPI %s not found in registry", npi), p, v.Fields(p))
		res.Flags = append(res.Flags, domain.Flag{
			Code:      domain.FlagNPINotFound,
			Reason:    fmt.Sprintf("NPI %s not found in registry", npi),
			Timestamp: time.Now().UTC(),
		})
		return res, nil
	}

	return v.score(p, npi, record), nil
}

// rejected builds a local rejection result. Like a registry miss, a number
// that cannot pass the checksum can never resolve to a real provider.
func (v *NPIValidator) rejected(p *domain.Provider, reason string) *Result {
	res := Failed(v.Source(), OutcomeNotFound, reason, p, v.Fields(p))
	for i := range res.Findings {
		if res.Findings[i].Field == domain.FieldNPINumber {
			res.Findings[i].Issues = append(res.Findings[i].Issues, reason)
		}
	}
	res.Flags = append(res.Flags, domain.Flag{
		Code:      domain.FlagNPINotFound,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	return res
}

// npiRecord is the subset of the registry response we score against
type npiRecord struct {
	Number string `json:"number"`
	Basic  struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	} `json:"basic"`
	Addresses []struct {
		Address1   string `json:"address_1"`
		City       string `json:"city"`
		State      string `json:"state"`
		PostalCode string `json:"postal_code"`
	} `json:"addresses"`
	Taxonomies []struct {
		Desc    string `json:"desc"`
		Primary bool   `json:"primary"`
	} `json:"taxonomies"`
}

type npiResponse struct {
	ResultCount int         `json:"result_count"`
	Results     []npiRecord `json:"results"`
}

func (v *NPIValidator) lookup(ctx context.Context, npi string) (*npiRecord, int, error) {
	u, err := url.Parse(v.baseURL)
	if err != nil {
		return nil, 0, fmt.Errorf("parse registry url: %w", err)
	}
	q := u.Query()
	q.Set("number", npi)
	q.Set("version", "2.1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	var body npiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode registry response: %w", err)
	}
	if body.ResultCount == 0 || len(body.Results) == 0 {
		return nil, resp.StatusCode, nil
	}
	return &body.Results[0], resp.StatusCode, nil
}

func (v *NPIValidator) score(p *domain.Provider, npi string, rec *npiRecord) *Result {
	res := &Result{Source: v.Source(), Outcome: OutcomeOK}

	res.Findings = append(res.Findings, FieldFinding{
		Field:          domain.FieldNPINumber,
		OriginalValue:  p.Fields[domain.FieldNPINumber],
		ValidatedValue: npi,
		Score:          domain.NewTrustScore(v.Source(), 0.98, "verified against NPI registry"),
	})

	res.Findings = append(res.Findings, v.compareName(p, domain.FieldGivenName, rec.Basic.FirstName)...)
	res.Findings = append(res.Findings, v.compareName(p, domain.FieldFamilyName, rec.Basic.LastName)...)

	if addr := p.Fields[domain.FieldAddress]; addr != "" && len(rec.Addresses) > 0 {
		a := rec.Addresses[0]
		registryAddr := strings.TrimSpace(fmt.Sprintf("%s, %s, %s %s", a.Address1, a.City, a.State, a.PostalCode))
		finding := FieldFinding{
			Field:          domain.FieldAddress,
			OriginalValue:  addr,
			ValidatedValue: registryAddr,
		}
		if normalizeLoose(addr) == normalizeLoose(registryAddr) {
			finding.Score = domain.NewTrustScore(v.Source(), 0.85, "address matches registry record")
		} else {
			finding.Score = domain.NewTrustScore(v.Source(), 0.5, "address differs from registry record")
			finding.Issues = append(finding.Issues, "address differs from NPI registry")
		}
		res.Findings = append(res.Findings, finding)
	}

	if spec := p.Fields[domain.FieldSpecialty]; spec != "" && len(rec.Taxonomies) > 0 {
		registrySpec := rec.Taxonomies[0].Desc
		for _, t := range rec.Taxonomies {
			if t.Primary {
				registrySpec = t.Desc
				break
			}
		}
		finding := FieldFinding{
			Field:          domain.FieldSpecialty,
			OriginalValue:  spec,
			ValidatedValue: registrySpec,
		}
		if strings.EqualFold(strings.TrimSpace(spec), strings.TrimSpace(registrySpec)) {
			finding.Score = domain.NewTrustScore(v.Source(), 0.92, "specialty matches registry taxonomy")
		} else {
			finding.Score = domain.NewTrustScore(v.Source(), 0.6, "specialty differs from registry taxonomy")
			finding.Issues = append(finding.Issues, "specialty differs from NPI registry taxonomy")
		}
		res.Findings = append(res.Findings, finding)
	}

	return res
}

func (v *NPIValidator) compareName(p *domain.Provider, field, registryName string) []FieldFinding {
	supplied := p.Fields[field]
	if supplied == "" || registryName == "" {
		return nil
	}
	finding := FieldFinding{
		Field:          field,
		OriginalValue:  supplied,
		ValidatedValue: registryName,
	}
	if strings.EqualFold(strings.TrimSpace(supplied), strings.TrimSpace(registryName)) {
		finding.Score = domain.NewTrustScore(v.Source(), 0.95, "name matches registry record")
	} else {
		finding.Score = domain.NewTrustScore(v.Source(), 0.6, "name differs from registry record")
		finding.Issues = append(finding.Issues, "name differs from NPI registry")
	}
	return []FieldFinding{finding}
}

// ValidNPIChecksum applies the Luhn check to an NPI number. The 10 digit
// form implies an 80840 prefix, which contributes a constant 24 to the sum.
func ValidNPIChecksum(npi string) bool {
	if len(npi) != 10 {
		return false
	}
	sum := 24
	double := true
	for i := 8; i >= 0; i-- {
		d := int(npi[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	check := (10 - sum%10) % 10
	return check == int(npi[9]-'0')
}

func allSameDigit(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return len(s) > 0
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizeLoose lowercases and strips punctuation for tolerant comparison
func normalizeLoose(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}

package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/pkg/logger"
)

// StateBoardSelectors holds the per-state extraction patterns. Each pattern
// is a regular expression with one capture group applied to the lookup page.
type StateBoardSelectors struct {
	ProviderName   string
	LicenseNumber  string
	LicenseStatus  string
	ExpirationDate string
}

// DefaultSelectors covers the common markup of state board lookup pages.
// Individual states override these through configuration.
func DefaultSelectors() StateBoardSelectors {
	return StateBoardSelectors{
		ProviderName:   `(?i)provider[_\s-]*name[^>]*>\s*([^<]+)<`,
		LicenseNumber:  `(?i)license[_\s-]*number[^>]*>\s*([^<]+)<`,
		LicenseStatus:  `(?i)license[_\s-]*status[^>]*>\s*([^<]+)<`,
		ExpirationDate: `(?i)expir\w*[_\s-]*date[^>]*>\s*([^<]+)<`,
	}
}

// StateBoardValidator looks up a provider's license on the state medical
// board website. Boards have no API so this is a scrape, which makes robot
// detection a first-class outcome: when an anti-bot challenge is served the
// validator short-circuits before any extraction and is never retried.
type StateBoardValidator struct {
	client    *http.Client
	baseURL   string
	selectors map[string]compiledSelectors
	fallback  compiledSelectors
	limiter   Limiter
	logger    *logger.Logger
}

// compiledSelectors holds the pre-compiled extraction patterns for one state
type compiledSelectors struct {
	providerName   *regexp.Regexp
	licenseNumber  *regexp.Regexp
	licenseStatus  *regexp.Regexp
	expirationDate *regexp.Regexp
}

// NewStateBoardValidator creates a state board license validator. The
// selectors map is keyed by two-letter state code; states without an entry
// fall back to DefaultSelectors. Every pattern is compiled up front: a
// broken selector is a configuration error, not a "license not found".
func NewStateBoardValidator(baseURL string, selectors map[string]StateBoardSelectors, limiter Limiter, client *http.Client, log *logger.Logger) (*StateBoardValidator, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	fallback, err := compileSelectors("default", DefaultSelectors())
	if err != nil {
		return nil, err
	}
	compiled := make(map[string]compiledSelectors, len(selectors))
	for state, sel := range selectors {
		cs, err := compileSelectors(state, sel)
		if err != nil {
			return nil, err
		}
		compiled[strings.ToUpper(state)] = cs
	}

	return &StateBoardValidator{
		client:    client,
		baseURL:   baseURL,
		selectors: compiled,
		fallback:  fallback,
		limiter:   limiter,
		logger:    log.WithSource(string(domain.SourceStateBoard)),
	}, nil
}

func compileSelectors(state string, sel StateBoardSelectors) (compiledSelectors, error) {
	var cs compiledSelectors
	var err error
	if cs.providerName, err = compileSelector(state, "provider_name", sel.ProviderName); err != nil {
		return cs, err
	}
	if cs.licenseNumber, err = compileSelector(state, "license_number", sel.LicenseNumber); err != nil {
		return cs, err
	}
	if cs.licenseStatus, err = compileSelector(state, "license_status", sel.LicenseStatus); err != nil {
		return cs, err
	}
	if cs.expirationDate, err = compileSelector(state, "expiration_date", sel.ExpirationDate); err != nil {
		return cs, err
	}
	return cs, nil
}

func compileSelector(state, name, pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("state board selector %s for %s: %w", name, state, err)
	}
	return re, nil
}

// Source implements SourceValidator
func (v *StateBoardValidator) Source() domain.Source {
	return domain.SourceStateBoard
}

// Fields implements SourceValidator
func (v *StateBoardValidator) Fields(p *domain.Provider) []string {
	if p.Fields[domain.FieldLicenseNumber] == "" || p.Fields[domain.FieldLicenseState] == "" {
		return nil
	}
	return []string{domain.FieldLicenseNumber, domain.FieldLicenseStatus}
}

// Validate implements SourceValidator
func (v *StateBoardValidator) Validate(ctx context.Context, p *domain.Provider) (*Result, error) {
	license := strings.TrimSpace(p.Fields[domain.FieldLicenseNumber])
	state := strings.ToUpper(strings.TrimSpace(p.Fields[domain.FieldLicenseState]))
	if license == "" || state == "" {
		return Skipped(v.Source()), nil
	}

	if err := v.limiter.Acquire(ctx, v.Source()); err != nil {
		return nil, err
	}

	resp, body, err := v.fetch(ctx, state, license)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		v.logger.Warn().Err(err).Str("state", state).Msg("state board lookup failed")
		return Failed(v.Source(), OutcomeSourceError, "state board unreachable: "+err.Error(), p, v.Fields(p)), nil
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		v.limiter.OnRateLimited(v.Source())
		return Failed(v.Source(), OutcomeRateLimited, "state board rate limited the request", p, v.Fields(p)), nil
	}

	// Robot check comes before any extraction. A challenge page may well
	// contain text that looks like license data.
	if blocked, marker := detectRobotCheck(resp, body); blocked {
		v.logger.Warn().Str("state", state).Str("marker", marker).Msg("robot detection triggered")
		return Failed(v.Source(), OutcomeRobotDetected,
			fmt.Sprintf("robot detection triggered (%s)", marker), p, v.Fields(p)), nil
	}

	if resp.StatusCode != http.StatusOK {
		return Failed(v.Source(), OutcomeSourceError,
			fmt.Sprintf("state board returned status %d", resp.StatusCode), p, v.Fields(p)), nil
	}
	v.limiter.OnSuccess(v.Source())

	sel, ok := v.selectors[state]
	if !ok {
		sel = v.fallback
	}

	boardLicense := extractPattern(body, sel.licenseNumber)
	boardStatus := strings.ToUpper(extractPattern(body, sel.licenseStatus))

	if boardLicense == "" && boardStatus == "" {
		return Failed(v.Source(), OutcomeNotFound,
			fmt.Sprintf("license %s not found on %s board", license, state), p, v.Fields(p)), nil
	}

	return v.score(p, license, boardLicense, boardStatus), nil
}

func (v *StateBoardValidator) fetch(ctx context.Context, state, license string) (*http.Response, string, error) {
	u, err := url.Parse(v.baseURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse state board url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.ToLower(state) + "/lookup"
	q := u.Query()
	q.Set("license", license)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, "", err
	}
	return resp, string(body), nil
}

func (v *StateBoardValidator) score(p *domain.Provider, supplied, boardLicense, boardStatus string) *Result {
	res := &Result{Source: v.Source(), Outcome: OutcomeOK}
	now := time.Now().UTC()

	numberFinding := FieldFinding{
		Field:          domain.FieldLicenseNumber,
		OriginalValue:  supplied,
		ValidatedValue: boardLicense,
	}
	if boardLicense != "" && strings.EqualFold(boardLicense, supplied) {
		numberFinding.Score = domain.NewTrustScore(v.Source(), 0.90, "license number confirmed by state board")
	} else if boardLicense != "" {
		numberFinding.Score = domain.NewTrustScore(v.Source(), 0.4, "state board shows a different license number")
		numberFinding.Issues = append(numberFinding.Issues, "license number differs from state board record")
	} else {
		numberFinding.ValidatedValue = supplied
		numberFinding.Score = domain.NewTrustScore(v.Source(), 0.5, "license number not shown on board page")
	}
	res.Findings = append(res.Findings, numberFinding)

	statusFinding := FieldFinding{
		Field:          domain.FieldLicenseStatus,
		OriginalValue:  p.Fields[domain.FieldLicenseStatus],
		ValidatedValue: boardStatus,
	}
	switch boardStatus {
	case "ACTIVE":
		statusFinding.Score = domain.NewTrustScore(v.Source(), 0.95, "license active per state board")
	case "SUSPENDED":
		statusFinding.Score = domain.NewTrustScore(v.Source(), 0.1, "license suspended per state board")
		res.Flags = append(res.Flags, domain.Flag{Code: domain.FlagLicenseSuspended, Reason: "state board reports license suspended", Timestamp: now})
	case "REVOKED":
		statusFinding.Score = domain.NewTrustScore(v.Source(), 0.1, "license revoked per state board")
		res.Flags = append(res.Flags, domain.Flag{Code: domain.FlagLicenseRevoked, Reason: "state board reports license revoked", Timestamp: now})
	case "EXPIRED":
		statusFinding.Score = domain.NewTrustScore(v.Source(), 0.2, "license expired per state board")
		res.Flags = append(res.Flags, domain.Flag{Code: domain.FlagLicenseExpired, Reason: "state board reports license expired", Timestamp: now})
	default:
		statusFinding.Score = domain.NewTrustScore(v.Source(), 0.5, "unrecognized license status: "+boardStatus)
		statusFinding.Issues = append(statusFinding.Issues, "unrecognized license status")
	}
	res.Findings = append(res.Findings, statusFinding)

	return res
}

// detectRobotCheck inspects a response for signs of anti-bot protection
func detectRobotCheck(resp *http.Response, body string) (bool, string) {
	if resp == nil {
		return false, ""
	}

	// Cloudflare style blocks: 403/503 with cf-* headers.
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if resp.Header.Get("cf-ray") != "" || resp.Header.Get("cf-cache-status") != "" {
			return true, "cloudflare"
		}
		if resp.Header.Get("server") == "cloudflare" {
			return true, "cloudflare"
		}
	}

	lower := strings.ToLower(body)

	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") {
		return true, "cloudflare challenge"
	}

	for _, marker := range []string{"captcha", "recaptcha", "hcaptcha", "robot-check", `name="robot"`} {
		if strings.Contains(lower, marker) {
			return true, marker
		}
	}

	// JS-only shell: tiny body that demands javascript.
	if len(body) < 2000 && strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
		return true, "js shell"
	}

	return false, ""
}

// extractPattern applies a single-capture-group regex to the page body
func extractPattern(body string, re *regexp.Regexp) string {
	if re == nil {
		return ""
	}
	m := re.FindStringSubmatch(body)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

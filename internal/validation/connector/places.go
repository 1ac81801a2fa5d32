package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/pkg/logger"
)

// PlacesValidator geocodes the practice address and derives a confidence
// from the geometry accuracy Google reports. A result below the mismatch
// threshold raises ADDRESS_MISMATCH.
type PlacesValidator struct {
	client            *http.Client
	geocodeURL        string
	apiKey            string
	mismatchThreshold float64
	limiter           Limiter
	logger            *logger.Logger
}

// NewPlacesValidator creates a geocoding address validator
func NewPlacesValidator(geocodeURL, apiKey string, mismatchThreshold float64, limiter Limiter, client *http.Client, log *logger.Logger) *PlacesValidator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &PlacesValidator{
		client:            client,
		geocodeURL:        geocodeURL,
		apiKey:            apiKey,
		mismatchThreshold: mismatchThreshold,
		limiter:           limiter,
		logger:            log.WithSource(string(domain.SourceGooglePlaces)),
	}
}

// Source implements SourceValidator
func (v *PlacesValidator) Source() domain.Source {
	return domain.SourceGooglePlaces
}

// Fields implements SourceValidator
func (v *PlacesValidator) Fields(p *domain.Provider) []string {
	if p.Fields[domain.FieldAddress] == "" {
		return nil
	}
	return []string{domain.FieldAddress}
}

// Validate implements SourceValidator
func (v *PlacesValidator) Validate(ctx context.Context, p *domain.Provider) (*Result, error) {
	address := p.Fields[domain.FieldAddress]
	if address == "" {
		return Skipped(v.Source()), nil
	}

	if err := v.limiter.Acquire(ctx, v.Source()); err != nil {
		return nil, err
	}

	geo, status, err := v.geocode(ctx, address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		v.logger.Warn().Err(err).Msg("geocoding failed")
		return Failed(v.Source(), OutcomeSourceError, "geocoding service unreachable: "+err.Error(), p, v.Fields(p)), nil
	}
	if status == http.StatusTooManyRequests {
		v.limiter.OnRateLimited(v.Source())
		return Failed(v.Source(), OutcomeRateLimited, "geocoding service rate limited the request", p, v.Fields(p)), nil
	}
	v.limiter.OnSuccess(v.Source())

	if geo == nil {
		res := Failed(v.Source(), OutcomeNotFound, "address could not be geocoded", p, v.Fields(p))
		res.Flags = append(res.Flags, domain.Flag{
			Code:      domain.FlagAddressMismatch,
			Reason:    "address could not be geocoded",
			Timestamp: time.Now().UTC(),
		})
		return res, nil
	}

	confidence := geometryConfidence(geo.LocationType)
	reason := fmt.Sprintf("geocoded with %s accuracy", geo.LocationType)

	finding := FieldFinding{
		Field:          domain.FieldAddress,
		OriginalValue:  address,
		ValidatedValue: geo.FormattedAddress,
		Score:          domain.NewTrustScore(v.Source(), confidence, reason),
	}

	res := &Result{Source: v.Source(), Outcome: OutcomeOK, Findings: []FieldFinding{finding}}
	if confidence < v.mismatchThreshold {
		res.Flags = append(res.Flags, domain.Flag{
			Code:      domain.FlagAddressMismatch,
			Reason:    fmt.Sprintf("geocode confidence %.2f below threshold %.2f", confidence, v.mismatchThreshold),
			Timestamp: time.Now().UTC(),
		})
	}
	return res, nil
}

type geocodeHit struct {
	FormattedAddress string
	PlaceID          string
	LocationType     string
	Lat              float64
	Lng              float64
}

func (v *PlacesValidator) geocode(ctx context.Context, address string) (*geocodeHit, int, error) {
	u, err := url.Parse(v.geocodeURL)
	if err != nil {
		return nil, 0, fmt.Errorf("parse geocode url: %w", err)
	}
	q := u.Query()
	q.Set("address", address)
	if v.apiKey != "" {
		q.Set("key", v.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("geocoding returned status %d", resp.StatusCode)
	}

	var body struct {
		Status  string `json:"status"`
		Results []struct {
			FormattedAddress string `json:"formatted_address"`
			PlaceID          string `json:"place_id"`
			Geometry         struct {
				LocationType string `json:"location_type"`
				Location     struct {
					Lat float64 `json:"lat"`
					Lng float64 `json:"lng"`
				} `json:"location"`
			} `json:"geometry"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode geocode response: %w", err)
	}
	if body.Status == "OVER_QUERY_LIMIT" {
		return nil, http.StatusTooManyRequests, nil
	}
	if body.Status != "OK" || len(body.Results) == 0 {
		return nil, resp.StatusCode, nil
	}

	hit := body.Results[0]
	return &geocodeHit{
		FormattedAddress: hit.FormattedAddress,
		PlaceID:          hit.PlaceID,
		LocationType:     hit.Geometry.LocationType,
		Lat:              hit.Geometry.Location.Lat,
		Lng:              hit.Geometry.Location.Lng,
	}, resp.StatusCode, nil
}

// geometryConfidence maps geometry accuracy to a confidence score
func geometryConfidence(locationType string) float64 {
	switch locationType {
	case "ROOFTOP":
		return 0.95
	case "RANGE_INTERPOLATED":
		return 0.85
	case "GEOMETRIC_CENTER":
		return 0.75
	case "APPROXIMATE":
		return 0.60
	default:
		return 0.50
	}
}

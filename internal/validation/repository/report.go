package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/pkg/database"
	"github.com/provident/provident-backend/pkg/errors"
)

// providerRow maps the providers table
type providerRow struct {
	ID            string         `db:"id"`
	NPINumber     sql.NullString `db:"npi_number"`
	GivenName     sql.NullString `db:"given_name"`
	FamilyName    sql.NullString `db:"family_name"`
	Address       sql.NullString `db:"address"`
	Phone         sql.NullString `db:"phone"`
	Email         sql.NullString `db:"email"`
	LicenseNumber sql.NullString `db:"license_number"`
	LicenseState  sql.NullString `db:"license_state"`
	Specialty     sql.NullString `db:"specialty"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// reportRow maps the validation_reports table. Field results and flags are
// stored as JSONB; reports are insert-only.
type reportRow struct {
	ID                string    `db:"id"`
	ProviderID        string    `db:"provider_id"`
	OverallConfidence float64   `db:"overall_confidence"`
	ValidationStatus  string    `db:"validation_status"`
	FieldResults      []byte    `db:"field_results"`
	Flags             []byte    `db:"flags"`
	GeneratedAt       time.Time `db:"generated_at"`
	CreatedAt         time.Time `db:"created_at"`
}

// ReportRepository persists providers and their validation report history
type ReportRepository struct {
	db *database.DB
}

// NewReportRepository creates a new report repository
func NewReportRepository(db *database.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// GetProvider loads a provider's self-reported fields for validation
func (r *ReportRepository) GetProvider(ctx context.Context, id string) (*domain.Provider, error) {
	var row providerRow
	query := `
		SELECT id, npi_number, given_name, family_name, address, phone, email,
		       license_number, license_state, specialty, created_at, updated_at
		FROM providers WHERE id = $1
	`
	err := r.db.GetContext(ctx, &row, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("provider")
	}
	if err != nil {
		return nil, err
	}

	p := &domain.Provider{ID: row.ID, Fields: make(map[string]string)}
	setField := func(name string, v sql.NullString) {
		if v.Valid && v.String != "" {
			p.Fields[name] = v.String
		}
	}
	setField(domain.FieldNPINumber, row.NPINumber)
	setField(domain.FieldGivenName, row.GivenName)
	setField(domain.FieldFamilyName, row.FamilyName)
	setField(domain.FieldAddress, row.Address)
	setField(domain.FieldPhone, row.Phone)
	setField(domain.FieldEmail, row.Email)
	setField(domain.FieldLicenseNumber, row.LicenseNumber)
	setField(domain.FieldLicenseState, row.LicenseState)
	setField(domain.FieldSpecialty, row.Specialty)
	return p, nil
}

// CountProvidersWithNPI counts other provider records carrying the same
// NPI number. Used to raise DUPLICATE_NPI.
func (r *ReportRepository) CountProvidersWithNPI(ctx context.Context, npi, excludeProviderID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM providers WHERE npi_number = $1 AND id != $2`
	if err := r.db.GetContext(ctx, &count, query, npi, excludeProviderID); err != nil {
		return 0, err
	}
	return count, nil
}

// SaveReport appends a report to the provider's history. Reports are
// immutable: re-validation inserts a new row, it never updates.
func (r *ReportRepository) SaveReport(ctx context.Context, report *domain.ValidationReport) error {
	fieldResults, err := json.Marshal(report.FieldResults)
	if err != nil {
		return err
	}
	flags, err := json.Marshal(report.Flags)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO validation_reports (
			id, provider_id, overall_confidence, validation_status,
			field_results, flags, generated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(ctx, query,
		report.ID, report.ProviderID, report.OverallConfidence,
		string(report.ValidationStatus), fieldResults, flags, report.GeneratedAt,
	)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}
	return nil
}

// GetLatestReport returns the most recent report for a provider
func (r *ReportRepository) GetLatestReport(ctx context.Context, providerID string) (*domain.ValidationReport, error) {
	var row reportRow
	query := `
		SELECT id, provider_id, overall_confidence, validation_status,
		       field_results, flags, generated_at, created_at
		FROM validation_reports
		WHERE provider_id = $1
		ORDER BY generated_at DESC
		LIMIT 1
	`
	err := r.db.GetContext(ctx, &row, query, providerID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("validation report")
	}
	if err != nil {
		return nil, err
	}
	return rowToReport(&row)
}

// ListReports returns a provider's report history, newest first
func (r *ReportRepository) ListReports(ctx context.Context, providerID string, limit int) ([]*domain.ValidationReport, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []reportRow
	query := `
		SELECT id, provider_id, overall_confidence, validation_status,
		       field_results, flags, generated_at, created_at
		FROM validation_reports
		WHERE provider_id = $1
		ORDER BY generated_at DESC
		LIMIT $2
	`
	if err := r.db.SelectContext(ctx, &rows, query, providerID, limit); err != nil {
		return nil, err
	}

	reports := make([]*domain.ValidationReport, 0, len(rows))
	for i := range rows {
		report, err := rowToReport(&rows[i])
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func rowToReport(row *reportRow) (*domain.ValidationReport, error) {
	report := &domain.ValidationReport{
		ID:                row.ID,
		ProviderID:        row.ProviderID,
		OverallConfidence: row.OverallConfidence,
		ValidationStatus:  domain.ValidationStatus(row.ValidationStatus),
		GeneratedAt:       row.GeneratedAt,
	}
	if len(row.FieldResults) > 0 {
		if err := json.Unmarshal(row.FieldResults, &report.FieldResults); err != nil {
			return nil, err
		}
	}
	if len(row.Flags) > 0 {
		if err := json.Unmarshal(row.Flags, &report.Flags); err != nil {
			return nil, err
		}
	}
	return report, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/finrag/backend/internal/storage/models"
)

// LookupKPI returns the fact for (company, year, metric) or
// models.ErrNotFound.
func (c *Client) LookupKPI(ctx context.Context, companyID string, year int, metric string) (*models.KPIFact, error) {
	query := `
		SELECT company_id, company_name, fiscal_year, metric, value, unit, source_sentence_id, updated_at
		FROM kpi_facts
		WHERE company_id = ? AND fiscal_year = ? AND metric = ?
	`

	var f models.KPIFact
	var name, unit, source sql.NullString
	var updatedAt int64

	err := c.db.QueryRowContext(ctx, query, companyID, year, metric).Scan(
		&f.CompanyID,
		&name,
		&f.FiscalYear,
		&f.Metric,
		&f.Value,
		&unit,
		&source,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lookup kpi: %w", err)
	}

	f.CompanyName = name.String
	f.Unit = unit.String
	f.SourceSentenceID = source.String
	f.UpdatedAt = time.Unix(updatedAt, 0)
	return &f, nil
}

// AvailableYears lists the fiscal years holding a value for the metric,
// ascending.
func (c *Client) AvailableYears(ctx context.Context, companyID, metric string) ([]int, error) {
	query := `SELECT fiscal_year FROM kpi_facts WHERE company_id = ? AND metric = ? ORDER BY fiscal_year ASC`

	rows, err := c.db.QueryContext(ctx, query, companyID, metric)
	if err != nil {
		return nil, fmt.Errorf("failed to list kpi years: %w", err)
	}
	defer rows.Close()

	var years []int
	for rows.Next() {
		var y int
		if err := rows.Scan(&y); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		years = append(years, y)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate kpi years: %w", err)
	}
	return years, nil
}

// UpsertKPIFacts loads facts in one transaction; used by the operator CLI to
// import an extract produced by the offline pipeline.
func (c *Client) UpsertKPIFacts(ctx context.Context, facts []models.KPIFact) error {
	if len(facts) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO kpi_facts (company_id, company_name, fiscal_year, metric, value, unit, source_sentence_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(company_id, fiscal_year, metric) DO UPDATE SET
			company_name = excluded.company_name,
			value = excluded.value,
			unit = excluded.unit,
			source_sentence_id = excluded.source_sentence_id,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare kpi upsert: %w", err)
	}
	defer stmt.Close()

	for _, f := range facts {
		updated := f.UpdatedAt
		if updated.IsZero() {
			updated = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			f.CompanyID,
			f.CompanyName,
			f.FiscalYear,
			f.Metric,
			f.Value,
			f.Unit,
			f.SourceSentenceID,
			updated.Unix(),
		); err != nil {
			return fmt.Errorf("failed to upsert kpi fact: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit kpi facts: %w", err)
	}

	c.logger.Info("KPI facts loaded", zap.Int("count", len(facts)))
	return nil
}

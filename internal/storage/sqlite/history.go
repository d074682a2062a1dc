package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/finrag/backend/internal/storage/models"
)

// InsertQueryRecord stores a finished query and its citations atomically.
func (c *Client) InsertQueryRecord(ctx context.Context, record *models.QueryRecord, citations []models.QueryCitation) error {
	companies, err := json.Marshal(record.Companies)
	if err != nil {
		return fmt.Errorf("failed to marshal companies: %w", err)
	}
	years, err := json.Marshal(record.Years)
	if err != nil {
		return fmt.Errorf("failed to marshal years: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO query_history (id, user_id, query_text, answer, state, reason, answer_type, verified,
			companies, years, context_tokens, kpi_count, rag_count, model_id, input_tokens, output_tokens,
			cost_usd, latency_ms, config_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.UserID,
		record.QueryText,
		record.Answer,
		record.State,
		record.Reason,
		record.AnswerType,
		boolToInt(record.Verified),
		string(companies),
		string(years),
		record.ContextTokens,
		record.KPICount,
		record.RAGCount,
		record.ModelID,
		record.InputTokens,
		record.OutputTokens,
		record.CostUSD,
		record.LatencyMS,
		int64(record.ConfigVersion),
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}

	for _, cit := range citations {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO query_citations (query_id, evidence_id, kind, verified) VALUES (?, ?, ?, ?)`,
			record.ID, cit.EvidenceID, cit.Kind, boolToInt(cit.Verified),
		)
		if err != nil {
			return fmt.Errorf("failed to insert query citation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit query record: %w", err)
	}

	c.logger.Debug("Query recorded",
		zap.String("query_id", record.ID),
		zap.String("state", record.State),
		zap.Int("citations", len(citations)),
	)
	return nil
}

func (c *Client) GetQueryHistory(ctx context.Context, userID string, limit int) ([]models.QueryRecord, error) {
	query := `
		SELECT id, user_id, query_text, answer, state, reason, answer_type, verified, companies, years,
			cost_usd, latency_ms, created_at
		FROM query_history
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get query history: %w", err)
	}
	defer rows.Close()

	var records []models.QueryRecord
	for rows.Next() {
		var r models.QueryRecord
		var user, answer, reason, answerType, companies, years sql.NullString
		var verified int
		var createdAt int64

		err := rows.Scan(&r.ID, &user, &r.QueryText, &answer, &r.State, &reason, &answerType, &verified,
			&companies, &years, &r.CostUSD, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.UserID = user.String
		r.Answer = answer.String
		r.Reason = reason.String
		r.AnswerType = answerType.String
		r.Verified = verified == 1
		if companies.Valid && companies.String != "" {
			_ = json.Unmarshal([]byte(companies.String), &r.Companies)
		}
		if years.Valid && years.String != "" {
			_ = json.Unmarshal([]byte(years.String), &r.Years)
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate query history: %w", err)
	}

	return records, nil
}

func (c *Client) GetQueryCitations(ctx context.Context, queryID string) ([]models.QueryCitation, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, query_id, evidence_id, kind, verified FROM query_citations WHERE query_id = ? ORDER BY id`,
		queryID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get query citations: %w", err)
	}
	defer rows.Close()

	var out []models.QueryCitation
	for rows.Next() {
		var cit models.QueryCitation
		var verified int
		if err := rows.Scan(&cit.ID, &cit.QueryID, &cit.EvidenceID, &cit.Kind, &verified); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		cit.Verified = verified == 1
		out = append(out, cit)
	}
	return out, rows.Err()
}

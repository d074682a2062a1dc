package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/finrag/backend/pkg/logger"
)

type Client struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewClient(dbPath string, log *zap.Logger) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	c := NewFromDB(db, log)
	c.logger.Info("SQLite client initialized", zap.String("path", dbPath))
	return c, nil
}

// NewFromDB wraps an already opened handle.
func NewFromDB(db *sql.DB, log *zap.Logger) *Client {
	return &Client{db: db, logger: logger.OrDefault(log).Named("sqlite")}
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

const schema = `
	CREATE TABLE IF NOT EXISTS kpi_facts (
		company_id TEXT NOT NULL,
		company_name TEXT,
		fiscal_year INTEGER NOT NULL,
		metric TEXT NOT NULL,
		value REAL NOT NULL,
		unit TEXT,
		source_sentence_id TEXT,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (company_id, fiscal_year, metric)
	);
	CREATE INDEX IF NOT EXISTS idx_kpi_company_metric ON kpi_facts(company_id, metric);

	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		query_text TEXT NOT NULL,
		answer TEXT,
		state TEXT NOT NULL,
		reason TEXT,
		answer_type TEXT,
		verified INTEGER DEFAULT 0,
		companies TEXT,
		years TEXT,
		context_tokens INTEGER,
		kpi_count INTEGER,
		rag_count INTEGER,
		model_id TEXT,
		input_tokens INTEGER,
		output_tokens INTEGER,
		cost_usd REAL,
		latency_ms INTEGER,
		config_version INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_user ON query_history(user_id);
	CREATE INDEX IF NOT EXISTS idx_query_created ON query_history(created_at);

	CREATE TABLE IF NOT EXISTS query_citations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		evidence_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		verified INTEGER DEFAULT 1,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_citations_query ON query_citations(query_id);
`

func (c *Client) InitSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	c.logger.Info("SQLite schema initialized")
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

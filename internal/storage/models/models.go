package models

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a keyed record does not exist.
var ErrNotFound = errors.New("record not found")

// KPIFact is one row of the structured metrics table, keyed by
// (company, fiscal year, metric).
type KPIFact struct {
	CompanyID        string
	CompanyName      string
	FiscalYear       int
	Metric           string
	Value            float64
	Unit             string
	SourceSentenceID string
	UpdatedAt        time.Time
}

type QueryRecord struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	QueryText     string    `json:"query"`
	Answer        string    `json:"answer"`
	State         string    `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	AnswerType    string    `json:"answer_type"`
	Verified      bool      `json:"verified"`
	Companies     []string  `json:"companies"`
	Years         []int     `json:"years"`
	ContextTokens int       `json:"context_tokens"`
	KPICount      int       `json:"kpi_count"`
	RAGCount      int       `json:"rag_count"`
	ModelID       string    `json:"model_id"`
	InputTokens   int       `json:"input_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	CostUSD       float64   `json:"cost_usd"`
	LatencyMS     int64     `json:"latency_ms"`
	ConfigVersion uint64    `json:"config_version"`
	CreatedAt     time.Time `json:"created_at"`
}

type QueryCitation struct {
	ID         int    `json:"id"`
	QueryID    string `json:"query_id"`
	EvidenceID string `json:"evidence_id"`
	Kind       string `json:"kind"`
	Verified   bool   `json:"verified"`
}

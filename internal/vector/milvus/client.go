package milvus

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/pkg/logger"
)

const (
	fieldSentenceID  = "sentence_id"
	fieldEmbedding   = "embedding"
	fieldText        = "text"
	fieldCompanyID   = "company_id"
	fieldCompanyName = "company_name"
	fieldFiscalYear  = "fiscal_year"
	fieldSection     = "section"
	fieldPosition    = "position"
)

var outputFields = []string{
	fieldSentenceID,
	fieldText,
	fieldCompanyID,
	fieldCompanyName,
	fieldFiscalYear,
	fieldSection,
	fieldPosition,
}

// Client reads the sentence corpus. The collection is provisioned and filled
// by the offline ingestion pipeline; this side never writes to it.
type Client struct {
	client         client.Client
	collectionName string
	nprobe         int
	logger         *zap.Logger
}

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, nprobe int, log *zap.Logger) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	mc := NewFromClient(c, collectionName, nprobe, log)
	mc.logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)
	return mc, nil
}

func NewFromClient(c client.Client, collectionName string, nprobe int, log *zap.Logger) *Client {
	if nprobe <= 0 {
		nprobe = 16
	}
	return &Client{
		client:         c,
		collectionName: collectionName,
		nprobe:         nprobe,
		logger:         logger.OrDefault(log).Named("milvus"),
	}
}

func (m *Client) Close() error {
	return m.client.Close()
}

// EnsureLoaded verifies the collection exists and is loaded for search.
func (m *Client) EnsureLoaded(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !has {
		return fmt.Errorf("collection %q does not exist", m.collectionName)
	}
	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

// Search returns the topK nearest sentences by L2 distance, lower is closer.
// A nil filter searches the whole corpus.
func (m *Client) Search(ctx context.Context, vector []float32, topK int, filter *domain.MetadataFilter) ([]domain.Hit, error) {
	expr := ""
	if filter != nil {
		expr = Expr(*filter)
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(m.nprobe)
	if err != nil {
		return nil, fmt.Errorf("invalid search params: %w", err)
	}

	results, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		outputFields,
		[]entity.Vector{entity.FloatVector(vector)},
		fieldEmbedding,
		entity.L2,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]domain.Hit, 0, topK)
	for _, sr := range results {
		if sr.Err != nil {
			return nil, fmt.Errorf("search result error: %w", sr.Err)
		}
		sentences, err := decodeSentences(sr.Fields, sr.ResultCount)
		if err != nil {
			return nil, err
		}
		for i, s := range sentences {
			hits = append(hits, domain.Hit{Sentence: s, Distance: sr.Scores[i]})
		}
	}

	m.logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(hits)),
		zap.String("expr", expr),
	)

	return hits, nil
}

// SectionSentences returns the sentences of one section with positions in
// [from, to], ordered by position.
func (m *Client) SectionSentences(ctx context.Context, key domain.SectionKey, from, to int) ([]domain.Sentence, error) {
	if from < 0 {
		from = 0
	}
	if to < from {
		return nil, nil
	}

	expr := fmt.Sprintf("%s && %s >= %d && %s <= %d",
		sectionExpr(key), fieldPosition, from, fieldPosition, to)

	cols, err := m.client.Query(ctx, m.collectionName, []string{}, expr, outputFields)
	if err != nil {
		return nil, fmt.Errorf("failed to query section window: %w", err)
	}

	rs := client.ResultSet(cols)
	n := 0
	if col := rs.GetColumn(fieldSentenceID); col != nil {
		n = col.Len()
	}
	sentences, err := decodeSentences(rs, n)
	if err != nil {
		return nil, err
	}

	sortByPosition(sentences)
	return sentences, nil
}

// Expr renders a metadata filter as a Milvus boolean expression.
func Expr(f domain.MetadataFilter) string {
	var parts []string
	if len(f.CompanyIDs) > 0 {
		parts = append(parts, fmt.Sprintf("%s in [%s]", fieldCompanyID, quoteAll(f.CompanyIDs)))
	}
	if len(f.Years) > 0 {
		years := make([]string, len(f.Years))
		for i, y := range f.Years {
			years[i] = strconv.Itoa(y)
		}
		parts = append(parts, fmt.Sprintf("%s in [%s]", fieldFiscalYear, strings.Join(years, ", ")))
	}
	if len(f.Sections) > 0 {
		parts = append(parts, fmt.Sprintf("%s in [%s]", fieldSection, quoteAll(f.Sections)))
	}
	return strings.Join(parts, " && ")
}

func sectionExpr(key domain.SectionKey) string {
	return fmt.Sprintf("%s == %s && %s == %d && %s == %s",
		fieldCompanyID, quote(key.CompanyID),
		fieldFiscalYear, key.Year,
		fieldSection, quote(key.Section))
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func quoteAll(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = quote(v)
	}
	return strings.Join(quoted, ", ")
}

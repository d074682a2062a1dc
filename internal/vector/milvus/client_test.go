package milvus

import (
	"context"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/finrag/backend/internal/domain"
)

// fakeMilvus overrides the calls the reader makes; anything else panics.
type fakeMilvus struct {
	client.Client

	searchExpr string
	searchTopK int
	results    []client.SearchResult

	queryExpr string
	queryRows client.ResultSet
}

func (f *fakeMilvus) Search(_ context.Context, _ string, _ []string, expr string, _ []string,
	_ []entity.Vector, _ string, _ entity.MetricType, topK int, _ entity.SearchParam, _ ...client.SearchQueryOptionFunc,
) ([]client.SearchResult, error) {
	f.searchExpr = expr
	f.searchTopK = topK
	return f.results, nil
}

func (f *fakeMilvus) Query(_ context.Context, _ string, _ []string, expr string, _ []string, _ ...client.SearchQueryOptionFunc) (client.ResultSet, error) {
	f.queryExpr = expr
	return f.queryRows, nil
}

func rows(ids []string, positions []int64) client.ResultSet {
	n := len(ids)
	texts := make([]string, n)
	companies := make([]string, n)
	names := make([]string, n)
	sections := make([]string, n)
	years := make([]int64, n)
	for i := range ids {
		texts[i] = "text " + ids[i]
		companies[i] = "0000320193"
		names[i] = "Apple Inc."
		sections[i] = "Item 7"
		years[i] = 2020
	}
	return client.ResultSet{
		entity.NewColumnVarChar(fieldSentenceID, ids),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnVarChar(fieldCompanyID, companies),
		entity.NewColumnVarChar(fieldCompanyName, names),
		entity.NewColumnInt64(fieldFiscalYear, years),
		entity.NewColumnVarChar(fieldSection, sections),
		entity.NewColumnInt64(fieldPosition, positions),
	}
}

func TestExpr(t *testing.T) {
	assert.Equal(t, "", Expr(domain.MetadataFilter{}))
	assert.Equal(t,
		`company_id in ["0000320193", "0000789019"] && fiscal_year in [2019, 2020] && section in ["Item 7"]`,
		Expr(domain.MetadataFilter{
			CompanyIDs: []string{"0000320193", "0000789019"},
			Years:      []int{2019, 2020},
			Sections:   []string{"Item 7"},
		}))
	assert.Equal(t, `company_id in ["a\"b"]`, Expr(domain.MetadataFilter{CompanyIDs: []string{`a"b`}}))
}

func TestSearchDecodesHits(t *testing.T) {
	f := &fakeMilvus{results: []client.SearchResult{{
		ResultCount: 2,
		Fields:      rows([]string{"s1", "s2"}, []int64{4, 9}),
		Scores:      []float32{0.12, 0.34},
	}}}
	c := NewFromClient(f, "sentences", 16, zaptest.NewLogger(t))

	hits, err := c.Search(context.Background(), []float32{0.1, 0.2}, 30, &domain.MetadataFilter{CompanyIDs: []string{"0000320193"}})
	require.NoError(t, err)

	require.Len(t, hits, 2)
	assert.Equal(t, "s1", hits[0].ID)
	assert.Equal(t, domain.SectionKey{CompanyID: "0000320193", Year: 2020, Section: "Item 7"}, hits[0].Key)
	assert.Equal(t, 4, hits[0].Position)
	assert.Equal(t, "Apple Inc.", hits[0].Company)
	assert.Equal(t, float32(0.34), hits[1].Distance)
	assert.Equal(t, `company_id in ["0000320193"]`, f.searchExpr)
	assert.Equal(t, 30, f.searchTopK)
}

func TestSearchWithoutFilterIsGlobal(t *testing.T) {
	f := &fakeMilvus{}
	c := NewFromClient(f, "sentences", 0, zaptest.NewLogger(t))

	hits, err := c.Search(context.Background(), []float32{1}, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Equal(t, "", f.searchExpr)
}

func TestSectionSentencesClipsAndSorts(t *testing.T) {
	f := &fakeMilvus{queryRows: rows([]string{"s3", "s1", "s2"}, []int64{3, 1, 2})}
	c := NewFromClient(f, "sentences", 16, zaptest.NewLogger(t))
	key := domain.SectionKey{CompanyID: "0000320193", Year: 2020, Section: "Item 7"}

	got, err := c.SectionSentences(context.Background(), key, -2, 3)
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{got[0].Position, got[1].Position, got[2].Position})
	assert.Equal(t,
		`company_id == "0000320193" && fiscal_year == 2020 && section == "Item 7" && position >= 0 && position <= 3`,
		f.queryExpr)
}

func TestDecodeRejectsMissingColumns(t *testing.T) {
	_, err := decodeSentences(client.ResultSet{entity.NewColumnVarChar(fieldSentenceID, []string{"s1"})}, 1)
	assert.Error(t, err)
}

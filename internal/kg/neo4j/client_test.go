package neo4j

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/finrag/backend/internal/entity"
)

type loader struct {
	companies []entity.Company
	err       error
	calls     int
}

func (l *loader) load(context.Context) ([]entity.Company, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.companies, nil
}

func newTestClient(t *testing.T, l *loader) (*Client, *time.Time) {
	c := newClient(nil, "", zaptest.NewLogger(t))
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.load = l.load
	return c, &now
}

func TestCandidatesFromGraph(t *testing.T) {
	l := &loader{companies: []entity.Company{
		{ID: "0000320193", Ticker: "AAPL", Name: "Apple Inc."},
		{ID: "0000027904", Ticker: "DAL", Name: "Delta Air Lines, Inc.", Aliases: []string{"Delta"}},
	}}
	c, _ := newTestClient(t, l)

	cands, err := c.Candidates(context.Background(), "AAPL", 2)
	require.NoError(t, err)
	require.NotEmpty(t, cands)
	assert.Equal(t, "0000320193", cands[0].Company.ID)
	assert.Equal(t, 1.0, cands[0].Confidence)

	co, ok, err := c.Company(context.Background(), "0000027904")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"Delta"}, co.Aliases)
	assert.Equal(t, 1, l.calls)
}

func TestRegistryRefreshAndStaleFallback(t *testing.T) {
	l := &loader{companies: []entity.Company{{ID: "1", Ticker: "ACME", Name: "Acme Corporation"}}}
	c, now := newTestClient(t, l)
	ctx := context.Background()

	_, err := c.Candidates(ctx, "ACME", 1)
	require.NoError(t, err)
	*now = now.Add(defaultRefresh + time.Second)

	l.err = errors.New("connection reset")
	cands, err := c.Candidates(ctx, "ACME", 1)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, 2, l.calls)

	// Stale set is served again without hammering the graph.
	_, err = c.Candidates(ctx, "ACME", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, l.calls)

	c.Invalidate()
	l.err = nil
	_, err = c.Candidates(ctx, "ACME", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, l.calls)
}

func TestRegistryInitialLoadFailure(t *testing.T) {
	c, _ := newTestClient(t, &loader{err: errors.New("auth failed")})

	_, err := c.Candidates(context.Background(), "ACME", 1)
	assert.ErrorContains(t, err, "failed to load company registry")
}

func TestCompanyFromValues(t *testing.T) {
	co, ok := companyFromValues(map[string]interface{}{
		"id":      "0000789019",
		"ticker":  "MSFT",
		"name":    "Microsoft Corporation",
		"aliases": []interface{}{"Microsoft", nil, ""},
	})
	require.True(t, ok)
	assert.Equal(t, entity.Company{ID: "0000789019", Ticker: "MSFT", Name: "Microsoft Corporation", Aliases: []string{"Microsoft"}}, co)

	_, ok = companyFromValues(map[string]interface{}{"name": "orphan"})
	assert.False(t, ok)
}

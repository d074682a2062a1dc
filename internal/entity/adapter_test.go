package entity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/finrag/backend/internal/domain"
)

var testSettings = Settings{
	MinConfidence:   0.82,
	AmbiguityMargin: 0.08,
	Years:           YearSettings{LatestFiscalYear: 2020, MaxYearSpan: 10},
}

type failingRegistry struct{}

func (failingRegistry) Candidates(context.Context, string, int) ([]Candidate, error) {
	return nil, errors.New("registry down")
}

func (failingRegistry) Company(context.Context, string) (Company, bool, error) {
	return Company{}, false, errors.New("registry down")
}

func newTestAdapter(t *testing.T, r Registry) *Adapter {
	return NewAdapter(r, nil, zaptest.NewLogger(t))
}

func TestResolveSingleCompanyAndYear(t *testing.T) {
	a := newTestAdapter(t, testRegistry(t))

	q, err := a.Resolve(context.Background(), "What was Acme's revenue in 2020?", testSettings)
	require.NoError(t, err)

	require.Len(t, q.Entities, 1)
	assert.Equal(t, "0000000001", q.Entities[0].CompanyID)
	assert.Equal(t, "Acme Corporation", q.Entities[0].Name)
	assert.Equal(t, domain.SingleYear(2020), q.Years)
	assert.Equal(t, domain.CategoryNumeric, q.Classification.Category)
	assert.Equal(t, []string{"revenue"}, q.Classification.MetricKeys)
	assert.Empty(t, q.Ambiguities)
}

func TestResolveUnregisteredCompanyYieldsNoEntities(t *testing.T) {
	a := newTestAdapter(t, testRegistry(t))

	q, err := a.Resolve(context.Background(), "What was Zyntrax Dynamics revenue in 2019?", testSettings)
	require.NoError(t, err)
	assert.False(t, q.HasEntities())
	assert.Equal(t, domain.SingleYear(2019), q.Years)
}

func TestResolveTickersInMentionOrder(t *testing.T) {
	a := newTestAdapter(t, testRegistry(t))

	q, err := a.Resolve(context.Background(), "Compare MSFT and AAPL revenue from 2018 to 2020", testSettings)
	require.NoError(t, err)

	require.Len(t, q.Entities, 2)
	assert.Equal(t, "MSFT", q.Entities[0].Ticker)
	assert.Equal(t, "AAPL", q.Entities[1].Ticker)
	assert.Equal(t, []int{2018, 2019, 2020}, q.Years.Years)
	assert.Equal(t, domain.CategoryComparative, q.Classification.Category)
}

func TestResolveRecordsAmbiguity(t *testing.T) {
	a := newTestAdapter(t, testRegistry(t))

	q, err := a.Resolve(context.Background(), "How did Delta perform?", testSettings)
	require.NoError(t, err)

	require.Len(t, q.Entities, 1)
	assert.Equal(t, "0000027904", q.Entities[0].CompanyID)
	require.Len(t, q.Ambiguities, 1)
	assert.Equal(t, "Delta", q.Ambiguities[0].Mention)
	assert.Equal(t, "0000029332", q.Ambiguities[0].RunnerUp.CompanyID)
}

func TestResolveDegradesOnRegistryError(t *testing.T) {
	a := newTestAdapter(t, failingRegistry{})

	q, err := a.Resolve(context.Background(), "What was Acme's revenue in 2020?", testSettings)
	require.NoError(t, err)
	assert.False(t, q.HasEntities())
	assert.Equal(t, domain.SingleYear(2020), q.Years)
}

func TestResolveHonoursCancellation(t *testing.T) {
	a := newTestAdapter(t, testRegistry(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Resolve(ctx, "Acme revenue", testSettings)
	assert.ErrorIs(t, err, context.Canceled)
}

package kpi

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/internal/storage/models"
)

type factKey struct {
	company string
	year    int
	metric  string
}

type fakeStore struct {
	mu      sync.Mutex
	facts   map[factKey]models.KPIFact
	failFor string
	lookups int
}

func newFakeStore(facts ...models.KPIFact) *fakeStore {
	s := &fakeStore{facts: map[factKey]models.KPIFact{}}
	for _, f := range facts {
		s.facts[factKey{f.CompanyID, f.FiscalYear, f.Metric}] = f
	}
	return s
}

func (s *fakeStore) LookupKPI(ctx context.Context, companyID string, year int, metric string) (*models.KPIFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	f, ok := s.facts[factKey{companyID, year, metric}]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &f, nil
}

func (s *fakeStore) AvailableYears(ctx context.Context, companyID, metric string) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if companyID == s.failFor {
		return nil, errors.New("database is locked")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var years []int
	for k := range s.facts {
		if k.company == companyID && k.metric == metric {
			years = append(years, k.year)
		}
	}
	sort.Ints(years)
	return years, nil
}

var acme = domain.Entity{CompanyID: "0000000001", Name: "Acme Corp", Ticker: "ACME", Confidence: 1}

func acmeFact(year int, metric string, v float64) models.KPIFact {
	return models.KPIFact{CompanyID: acme.CompanyID, CompanyName: "ACME CORP", FiscalYear: year, Metric: metric, Value: v, Unit: "USD"}
}

func numericQuery(scope domain.YearScope, metrics ...string) domain.Query {
	return domain.Query{
		ID:       "q-test",
		Entities: []domain.Entity{acme},
		Years:    scope,
		Classification: domain.Classification{
			Category:   domain.CategoryNumeric,
			MetricKeys: metrics,
		},
	}
}

var settings = Settings{DefaultMetrics: []string{"revenue"}, MaxSuggestions: 2, Concurrency: 2}

func TestLookupSingleYear(t *testing.T) {
	store := newFakeStore(acmeFact(2020, "revenue", 1.5e9))
	p := NewPipeline(store, zaptest.NewLogger(t))

	res, err := p.Lookup(context.Background(), numericQuery(domain.SingleYear(2020), "revenue"), settings)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)

	rec := res.Records[0]
	assert.True(t, rec.Disclosed)
	assert.Equal(t, "kpi:0000000001:2020:revenue", rec.ID)
	assert.Equal(t, "Acme Corp", rec.Company)
	assert.Equal(t, "Revenue", rec.Label)
	assert.Equal(t, 1.5e9, rec.Value)
	assert.Empty(t, res.Diagnostics)
	assert.Equal(t, 1, res.Disclosed())
}

func TestLookupMissingMiddleYear(t *testing.T) {
	store := newFakeStore(
		acmeFact(2018, "revenue", 1.0e9),
		acmeFact(2020, "revenue", 1.5e9),
	)
	p := NewPipeline(store, zaptest.NewLogger(t))

	res, err := p.Lookup(context.Background(), numericQuery(domain.YearRange(2018, 2020), "revenue"), settings)
	require.NoError(t, err)
	require.Len(t, res.Records, 3)

	assert.Equal(t, 2018, res.Records[0].Year)
	assert.True(t, res.Records[0].Disclosed)

	missing := res.Records[1]
	assert.Equal(t, 2019, missing.Year)
	assert.False(t, missing.Disclosed)
	assert.Zero(t, missing.Value)
	assert.Equal(t, []int{2018, 2020}, missing.NearestYears)
	assert.Contains(t, missing.Note, "not disclosed for year 2019")

	assert.Equal(t, 2020, res.Records[2].Year)
	assert.True(t, res.Records[2].Disclosed)

	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, domain.ReasonMetricNotFound, res.Diagnostics[0].Reason)
	assert.Equal(t, 2, res.Disclosed())
}

func TestLookupUnspecifiedUsesLatest(t *testing.T) {
	store := newFakeStore(acmeFact(2017, "net_income", 1), acmeFact(2019, "net_income", 2))
	p := NewPipeline(store, zaptest.NewLogger(t))

	res, err := p.Lookup(context.Background(), numericQuery(domain.YearScope{}, "net_income"), settings)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, 2019, res.Records[0].Year)
}

func TestLookupAllYears(t *testing.T) {
	store := newFakeStore(acmeFact(2017, "revenue", 1), acmeFact(2018, "revenue", 2), acmeFact(2019, "revenue", 3))
	p := NewPipeline(store, zaptest.NewLogger(t))

	res, err := p.Lookup(context.Background(), numericQuery(domain.YearScope{Kind: domain.YearsAll}, "revenue"), settings)
	require.NoError(t, err)
	require.Len(t, res.Records, 3)
	for _, r := range res.Records {
		assert.True(t, r.Disclosed)
	}
}

func TestLookupNoValuesAtAll(t *testing.T) {
	p := NewPipeline(newFakeStore(), zaptest.NewLogger(t))

	res, err := p.Lookup(context.Background(), numericQuery(domain.YearScope{}, "revenue"), settings)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	require.Len(t, res.Diagnostics, 1)
	assert.Contains(t, res.Diagnostics[0].Message, "no disclosed values")
}

func TestLookupSkipsWithoutEntitiesOrMetrics(t *testing.T) {
	store := newFakeStore(acmeFact(2020, "revenue", 1))
	p := NewPipeline(store, zaptest.NewLogger(t))

	q := numericQuery(domain.SingleYear(2020), "revenue")
	q.Entities = nil
	res, err := p.Lookup(context.Background(), q, settings)
	require.NoError(t, err)
	assert.Empty(t, res.Records)

	q = numericQuery(domain.SingleYear(2020))
	q.Classification.Category = domain.CategoryNarrative
	res, err = p.Lookup(context.Background(), q, settings)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Zero(t, store.lookups)
}

func TestLookupDefaultMetricsForNumericQueries(t *testing.T) {
	store := newFakeStore(acmeFact(2020, "revenue", 1))
	p := NewPipeline(store, zaptest.NewLogger(t))

	res, err := p.Lookup(context.Background(), numericQuery(domain.SingleYear(2020)), settings)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "revenue", res.Records[0].Metric)
}

func TestLookupStoreFailureIsAbsorbed(t *testing.T) {
	store := newFakeStore(acmeFact(2020, "revenue", 1))
	store.failFor = acme.CompanyID
	p := NewPipeline(store, zaptest.NewLogger(t))

	res, err := p.Lookup(context.Background(), numericQuery(domain.SingleYear(2020), "revenue"), settings)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, domain.ReasonMetricNotFound, res.Diagnostics[0].Reason)
}

func TestLookupCancelled(t *testing.T) {
	p := NewPipeline(newFakeStore(acmeFact(2020, "revenue", 1)), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Lookup(ctx, numericQuery(domain.SingleYear(2020), "revenue"), settings)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNearestYears(t *testing.T) {
	assert.Equal(t, []int{2018, 2020}, NearestYears([]int{2015, 2018, 2020}, 2019, 2))
	assert.Equal(t, []int{2016}, NearestYears([]int{2012, 2016}, 2019, 1))
	assert.Equal(t, []int{2015, 2018}, NearestYears([]int{2015, 2018}, 2019, 5))
	assert.Nil(t, NearestYears(nil, 2019, 2))
	assert.Nil(t, NearestYears([]int{2019}, 2019, 2))
	assert.Nil(t, NearestYears([]int{2018}, 2019, 0))
}

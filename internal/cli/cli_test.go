package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/internal/entity"
	"github.com/finrag/backend/internal/query"
	"github.com/finrag/backend/internal/storage/models"
	"github.com/finrag/backend/pkg/config"
)

type stubEngine struct {
	resp *query.QueryResponse
	err  error
	req  query.QueryRequest
}

func (s *stubEngine) ProcessQuery(_ context.Context, req query.QueryRequest) (*query.QueryResponse, error) {
	s.req = req
	if req.Observer != nil {
		req.Observer(domain.StageEvent{State: domain.StateReceived})
	}
	return s.resp, s.err
}

type stubKPI struct {
	years    []int
	upserted []models.KPIFact
}

func (s *stubKPI) AvailableYears(context.Context, string, string) ([]int, error) {
	return s.years, nil
}

func (s *stubKPI) UpsertKPIFacts(_ context.Context, facts []models.KPIFact) error {
	s.upserted = append(s.upserted, facts...)
	return nil
}

type stubGraph struct {
	companies []entity.Company
}

func (s *stubGraph) UpsertCompanies(_ context.Context, companies []entity.Company) error {
	s.companies = companies
	return nil
}

// setupTestServices swaps every backend opener for stubs and resets flags.
func setupTestServices(t *testing.T, engine *stubEngine, kpis *stubKPI, graph *stubGraph) {
	t.Helper()
	prevEngine, prevKPI, prevGraph, prevStore := openEngine, openKPIStore, openGraph, loadStore

	cfg := config.Defaults()
	cfg.LLM.APIKey = "sk-live-secret"
	loadStore = func() (*config.Store, error) { return config.NewStaticStore(cfg), nil }
	openEngine = func(context.Context, *config.Store, *zap.Logger) (queryRunner, func(), error) {
		return engine, func() {}, nil
	}
	openKPIStore = func(context.Context, config.Config, *zap.Logger) (kpiStore, func(), error) {
		return kpis, func() {}, nil
	}
	openGraph = func(context.Context, config.Config, *zap.Logger) (companyWriter, func(), error) {
		return graph, func() {}, nil
	}

	t.Cleanup(func() {
		openEngine, openKPIStore, openGraph, loadStore = prevEngine, prevKPI, prevGraph, prevStore
		queryJSON, queryTrace, queryModel, queryUser = false, false, "", "cli"
		rootCmd.SetArgs(nil)
	})
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func answered() *query.QueryResponse {
	return &query.QueryResponse{
		ID:        "q-1",
		State:     domain.StateAnswered,
		Answer:    "Revenue was 274.52B USD [M:kpi:0000320193:2020:revenue].",
		Verified:  true,
		Citations: []domain.Citation{{ID: "kpi:0000320193:2020:revenue", Kind: domain.EvidenceMetric}},
		Diagnostics: []domain.Diagnostic{
			{Reason: domain.ReasonRetrievalEmpty, Stage: domain.StateRetrieved, Message: "no sentences returned by any retrieval path"},
		},
		Metadata: query.Metadata{LLM: query.LLMMetadata{ModelID: "gpt-4o-mini", InputTokens: 1000, OutputTokens: 200, Cost: 0.00027, Attempts: 1}},
	}
}

func TestQueryCommandPrintsAnswer(t *testing.T) {
	engine := &stubEngine{resp: answered()}
	setupTestServices(t, engine, &stubKPI{}, &stubGraph{})

	out, err := run(t, "query", "--model", "fast", "What was", "Apple's revenue in 2020?")
	require.NoError(t, err)

	assert.Equal(t, "What was Apple's revenue in 2020?", engine.req.Query)
	assert.Equal(t, "fast", engine.req.ServingModel)
	assert.Equal(t, "cli", engine.req.UserID)
	assert.Contains(t, out, "Revenue was 274.52B USD")
	assert.Contains(t, out, "Status:    ANSWERED")
	assert.Contains(t, out, "Citations: M:kpi:0000320193:2020:revenue")
	assert.Contains(t, out, "Note:      RETRIEVAL_EMPTY")
	assert.Contains(t, out, "$0.0003")
}

func TestQueryCommandJSON(t *testing.T) {
	setupTestServices(t, &stubEngine{resp: answered()}, &stubKPI{}, &stubGraph{})

	out, err := run(t, "query", "--json", "revenue?")
	require.NoError(t, err)

	var resp query.QueryResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "q-1", resp.ID)
	assert.True(t, resp.Verified)
}

func TestQueryCommandFailure(t *testing.T) {
	engine := &stubEngine{
		resp: &query.QueryResponse{State: domain.StateFailed},
		err:  domain.NewPipelineError(domain.StateMerged, domain.ReasonSynthesisProviderError, errors.New("503")),
	}
	setupTestServices(t, engine, &stubKPI{}, &stubGraph{})

	_, err := run(t, "query", "revenue?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNTHESIS_PROVIDER_ERROR")
}

func TestQueryCommandRequiresQuestion(t *testing.T) {
	setupTestServices(t, &stubEngine{}, &stubKPI{}, &stubGraph{})

	_, err := run(t, "query")
	assert.Error(t, err)
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	setupTestServices(t, &stubEngine{}, &stubKPI{}, &stubGraph{})

	out, err := run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "# source: static")
	assert.Contains(t, out, redacted)
	assert.NotContains(t, out, "sk-live-secret")
}

func TestConfigValidate(t *testing.T) {
	setupTestServices(t, &stubEngine{}, &stubKPI{}, &stubGraph{})

	out, err := run(t, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid")
}

func TestKPIYears(t *testing.T) {
	setupTestServices(t, &stubEngine{}, &stubKPI{years: []int{2018, 2020}}, &stubGraph{})

	out, err := run(t, "kpi", "years", "0000320193", "Revenue")
	require.NoError(t, err)
	assert.Contains(t, out, "FY2018, FY2020")

	_, err = run(t, "kpi", "years", "0000320193", "vibes")
	assert.ErrorContains(t, err, "unknown metric")
}

func TestKPILoad(t *testing.T) {
	kpis := &stubKPI{}
	setupTestServices(t, &stubEngine{}, kpis, &stubGraph{})

	path := filepath.Join(t.TempDir(), "facts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
facts:
  - company_id: "0000320193"
    company: Apple Inc.
    fiscal_year: 2020
    metric: Revenue
    value: 274515000000
    unit: USD
`), 0o600))

	out, err := run(t, "kpi", "load", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Loaded 1 facts")
	require.Len(t, kpis.upserted, 1)
	assert.Equal(t, "revenue", kpis.upserted[0].Metric)
	assert.Equal(t, 274515000000.0, kpis.upserted[0].Value)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("facts:\n  - company_id: x\n    fiscal_year: 2020\n    metric: vibes\n"), 0o600))
	_, err = run(t, "kpi", "load", bad)
	assert.ErrorContains(t, err, `unknown metric "vibes"`)
}

func TestRegistryLoad(t *testing.T) {
	graph := &stubGraph{}
	setupTestServices(t, &stubEngine{}, &stubKPI{}, graph)

	path := filepath.Join(t.TempDir(), "companies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
companies:
  - id: "0000320193"
    ticker: AAPL
    name: Apple Inc.
    aliases: [Apple Computer]
`), 0o600))

	out, err := run(t, "registry", "load", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Loaded 1 companies")
	require.Len(t, graph.companies, 1)
	assert.Equal(t, "AAPL", graph.companies[0].Ticker)
}

func TestVersion(t *testing.T) {
	setupTestServices(t, &stubEngine{}, &stubKPI{}, &stubGraph{})

	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "finrag version dev\n", out)
}

package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finrag/backend/internal/assembly"
	"github.com/finrag/backend/internal/audit"
	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/internal/embedding"
	"github.com/finrag/backend/internal/entity"
	"github.com/finrag/backend/internal/evidence"
	"github.com/finrag/backend/internal/kpi"
	"github.com/finrag/backend/internal/metrics"
	"github.com/finrag/backend/internal/retrieval"
	"github.com/finrag/backend/internal/supply"
	"github.com/finrag/backend/internal/synthesis"
	"github.com/finrag/backend/pkg/config"
	"github.com/finrag/backend/pkg/logger"
)

const MaxQueryLength = 2000

var ErrInvalidRequest = errors.New("invalid request")

type Components struct {
	Adapter   *entity.Adapter
	Embedder  *embedding.QueryEmbedder
	Variants  *embedding.VariantGenerator
	Retriever *retrieval.MultiPathRetriever
	Expander  *evidence.WindowExpander
	Assembler *assembly.Assembler
	KPI       *kpi.Pipeline
	Synth     *synthesis.Orchestrator
	Audit     audit.Sink
}

// Engine runs the answer pipeline. It holds no per-query state; every call
// reads one config snapshot and uses it throughout.
type Engine struct {
	c      Components
	config *config.Store
	logger *zap.Logger
}

type QueryRequest struct {
	Query        string
	UserID       string
	ServingModel string
	Observer     Observer
}

type QueryResponse struct {
	ID               string                `json:"id"`
	Query            string                `json:"query"`
	State            domain.State          `json:"state"`
	Reason           domain.ReasonCode     `json:"reason,omitempty"`
	Answer           string                `json:"answer"`
	AnswerType       string                `json:"answer_type"`
	Verified         bool                  `json:"verified"`
	Citations        []domain.Citation     `json:"citations"`
	UnverifiedClaims []string              `json:"unverified_claims,omitempty"`
	Entities         []domain.Entity       `json:"entities"`
	Classification   domain.Classification `json:"classification"`
	Diagnostics      []domain.Diagnostic   `json:"diagnostics,omitempty"`
	Metadata         Metadata              `json:"metadata"`
	Trace            []domain.StageEvent   `json:"trace"`
}

type Metadata struct {
	LLM           LLMMetadata       `json:"llm"`
	Context       ContextMetadata   `json:"context"`
	Retrieval     RetrievalMetadata `json:"retrieval"`
	ConfigVersion uint64            `json:"config_version"`
	LatencyMs     int64             `json:"latency_ms"`
}

// LLMMetadata totals every LLM call made for the query. ModelID and
// Attempts describe the synthesis call.
type LLMMetadata struct {
	ModelID      string    `json:"model_id"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	Attempts     int       `json:"attempts"`
	Calls        []LLMCall `json:"calls,omitempty"`
}

type LLMCall struct {
	Purpose      string  `json:"purpose"`
	ModelID      string  `json:"model_id"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

type ContextMetadata struct {
	ContextLength int  `json:"context_length"`
	ContextTokens int  `json:"context_tokens"`
	OverBudget    bool `json:"over_budget"`
}

type RetrievalMetadata struct {
	KPICount  int                    `json:"kpi_count"`
	RAGCount  int                    `json:"rag_count"`
	Tickers   []string               `json:"tickers"`
	Years     []int                  `json:"years"`
	Sections  []string               `json:"sections"`
	Variants  int                    `json:"variants"`
	Neighbors int                    `json:"neighbors"`
	Truncated bool                   `json:"truncated"`
	Paths     []retrieval.PathReport `json:"paths"`
}

func NewEngine(c Components, store *config.Store, log *zap.Logger) *Engine {
	if c.Audit == nil {
		c.Audit = audit.NopSink{}
	}
	return &Engine{c: c, config: store, logger: logger.OrDefault(log).Named("query")}
}

// run carries the state of one query through the stages.
type run struct {
	id       string
	req      QueryRequest
	snap     *config.Snapshot
	settings Settings
	trace    *trace
	resp     *QueryResponse
	tracker  *evidence.Tracker
	query    domain.Query
	context  assembly.Context
	logger   *zap.Logger
}

func (r *run) recordLLM(purpose, model string, usage domain.Usage, cost float64) {
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return
	}
	m := &r.resp.Metadata.LLM
	m.Calls = append(m.Calls, LLMCall{
		Purpose:      purpose,
		ModelID:      model,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		Cost:         cost,
	})
	m.InputTokens += usage.PromptTokens
	m.OutputTokens += usage.CompletionTokens
	m.Cost += cost
}

func (r *run) diagnose(reason domain.ReasonCode, stage domain.State, msg string) {
	r.resp.Diagnostics = append(r.resp.Diagnostics, domain.Diagnostic{Reason: reason, Stage: stage, Message: msg})
}

// ProcessQuery answers one question. The response is always returned, with
// its trace, even when err is non-nil; err is then a *domain.PipelineError.
func (e *Engine) ProcessQuery(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	snap := e.config.Current()
	r := &run{
		id:      uuid.New().String(),
		req:     req,
		snap:    snap,
		trace:   newTrace(req.Observer),
		tracker: evidence.NewTracker(),
	}
	r.logger = e.logger.With(zap.String("query_id", r.id))
	r.resp = &QueryResponse{
		ID:       r.id,
		Query:    req.Query,
		Metadata: Metadata{ConfigVersion: snap.Version},
	}

	r.logger.Info("Processing query",
		zap.String("query", req.Query),
		zap.Uint64("config_version", snap.Version),
	)

	err := e.execute(ctx, r)
	if err != nil {
		if ctx.Err() != nil && domain.ReasonOf(err) != domain.ReasonCancelled {
			err = domain.NewPipelineError(r.trace.state, domain.ReasonCancelled, ctx.Err())
		}
		r.trace.fail(err.Error())
		r.resp.State = domain.StateFailed
		r.resp.Reason = domain.ReasonOf(err)
		r.logger.Warn("Query failed",
			zap.String("reason", string(r.resp.Reason)),
			zap.Error(err),
		)
	}

	r.resp.Trace = r.trace.events
	r.resp.Metadata.LatencyMs = time.Since(r.trace.start).Milliseconds()
	e.finish(r)
	return r.resp, err
}

func (e *Engine) execute(ctx context.Context, r *run) error {
	text := strings.TrimSpace(r.req.Query)
	if text == "" {
		return domain.NewPipelineError(domain.StateReceived, domain.ReasonInvalidRequest, fmt.Errorf("%w: query is empty", ErrInvalidRequest))
	}
	if utf8.RuneCountInString(text) > MaxQueryLength {
		return domain.NewPipelineError(domain.StateReceived, domain.ReasonInvalidRequest,
			fmt.Errorf("%w: query exceeds %d characters", ErrInvalidRequest, MaxQueryLength))
	}

	model, err := r.snap.Config.LLM.ServingModel(r.req.ServingModel)
	if err != nil {
		return domain.NewPipelineError(domain.StateReceived, domain.ReasonInvalidRequest, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	r.settings = SettingsFrom(r.snap.Config, model)

	// ENTITY_RESOLVED
	q, err := e.c.Adapter.Resolve(ctx, text, r.settings.Entity)
	if err != nil {
		return domain.NewPipelineError(domain.StateReceived, domain.ReasonCancelled, err)
	}
	q.ID = r.id
	r.query = q
	r.resp.Entities = q.Entities
	r.resp.Classification = q.Classification
	for _, a := range q.Ambiguities {
		r.diagnose(domain.ReasonEntityAmbiguous, domain.StateEntityResolved,
			fmt.Sprintf("%q matched %s and %s; using %s", a.Mention, a.Chosen.Name, a.RunnerUp.Name, a.Chosen.Name))
	}
	if err := r.trace.advance(domain.StateEntityResolved, fmt.Sprintf("%d entities, %s", len(q.Entities), q.Classification.Category)); err != nil {
		return domain.NewPipelineError(domain.StateReceived, domain.ReasonInternal, err)
	}

	// The structured line only needs the resolved query.
	kpiDone := make(chan kpiOutcome, 1)
	kpiCtx, cancelKPI := context.WithCancel(ctx)
	defer cancelKPI()
	go func() {
		res, err := e.c.KPI.Lookup(kpiCtx, q, r.settings.KPI)
		kpiDone <- kpiOutcome{res: res, err: err}
	}()

	// RETRIEVED
	hits, err := e.retrieve(ctx, r)
	if err != nil {
		return err
	}
	if err := r.trace.advance(domain.StateRetrieved, fmt.Sprintf("%d hits", len(hits))); err != nil {
		return domain.NewPipelineError(domain.StateEntityResolved, domain.ReasonInternal, err)
	}

	// EXPANDED
	candidates, err := e.expand(ctx, r, hits)
	if err != nil {
		return err
	}
	if err := r.trace.advance(domain.StateExpanded, fmt.Sprintf("%d sentences", len(candidates))); err != nil {
		return domain.NewPipelineError(domain.StateRetrieved, domain.ReasonInternal, err)
	}

	// ASSEMBLED
	r.context = e.c.Assembler.Assemble(candidates, r.settings.Assembly)
	r.resp.Metadata.Context = ContextMetadata{
		ContextLength: len(r.context.Text),
		ContextTokens: r.context.Tokens,
		OverBudget:    r.context.OverBudget,
	}
	r.resp.Metadata.Retrieval.RAGCount = r.context.Sentences
	r.resp.Metadata.Retrieval.Sections = sectionsOf(r.context)
	metrics.ContextTokens.Observe(float64(r.context.Tokens))
	if r.context.OverBudget {
		r.logger.Warn("Context exceeds token budget",
			zap.Int("tokens", r.context.Tokens),
			zap.Int("budget", r.settings.Assembly.MaxContextTokens),
		)
	}
	if err := r.trace.advance(domain.StateAssembled, fmt.Sprintf("%d blocks, %d tokens", len(r.context.Blocks), r.context.Tokens)); err != nil {
		return domain.NewPipelineError(domain.StateExpanded, domain.ReasonInternal, err)
	}

	// MERGED
	var outcome kpiOutcome
	select {
	case outcome = <-kpiDone:
	case <-ctx.Done():
		return domain.NewPipelineError(domain.StateAssembled, domain.ReasonCancelled, ctx.Err())
	}
	if outcome.err != nil {
		return domain.NewPipelineError(domain.StateAssembled, domain.ReasonCancelled, outcome.err)
	}
	r.resp.Diagnostics = append(r.resp.Diagnostics, outcome.res.Diagnostics...)
	for _, rec := range outcome.res.Records {
		if rec.Disclosed {
			metrics.KPILookups.WithLabelValues("disclosed").Inc()
		} else {
			metrics.KPILookups.WithLabelValues("not_disclosed").Inc()
		}
	}

	payload := supply.Merge(
		supply.Narrative(r.context, r.tracker.Records()),
		supply.Metrics(outcome.res.Records),
	)
	r.resp.Metadata.Retrieval.KPICount = payload.DisclosedMetrics()
	if err := r.trace.advance(domain.StateMerged, fmt.Sprintf("%d sentences, %d metrics", payload.NarrativeCount(), len(payload.Metrics))); err != nil {
		return domain.NewPipelineError(domain.StateAssembled, domain.ReasonInternal, err)
	}

	// SYNTHESIZED
	result, err := e.c.Synth.Synthesize(ctx, q, payload, r.settings.Synthesis)
	r.applySynthesis(result)
	if err != nil {
		return err
	}

	if result.State == domain.StateInsufficientEvidence {
		if err := r.trace.advance(domain.StateInsufficientEvidence, string(result.Reason)); err != nil {
			return domain.NewPipelineError(domain.StateMerged, domain.ReasonInternal, err)
		}
		return nil
	}

	if err := r.trace.advance(domain.StateSynthesized, fmt.Sprintf("%d attempts", result.Attempts)); err != nil {
		return domain.NewPipelineError(domain.StateMerged, domain.ReasonInternal, err)
	}
	if !result.Verified {
		r.diagnose(domain.ReasonCitationValidation, domain.StateSynthesized,
			fmt.Sprintf("%d claims could not be verified against the supplied evidence", len(result.UnverifiedClaims)))
	}
	if err := r.trace.advance(domain.StateAnswered, ""); err != nil {
		return domain.NewPipelineError(domain.StateSynthesized, domain.ReasonInternal, err)
	}
	return nil
}

type kpiOutcome struct {
	res kpi.Result
	err error
}

func (e *Engine) retrieve(ctx context.Context, r *run) ([]domain.Hit, error) {
	q := r.query

	primary, err := e.c.Embedder.Embed(ctx, q.Text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewPipelineError(domain.StateEntityResolved, domain.ReasonCancelled, ctx.Err())
		}
		r.logger.Warn("Query embedding failed, narrative line disabled", zap.Error(err))
		r.diagnose(domain.ReasonRetrievalEmpty, domain.StateRetrieved, "query embedding unavailable: "+err.Error())
		return nil, nil
	}

	var variants []retrieval.VariantVector
	vr, err := e.c.Variants.Generate(ctx, q.Text, primary, r.settings.Variants)
	r.recordLLM("variants", r.settings.Variants.Model, vr.Usage, r.settings.VariantPricing.Cost(vr.Usage))
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, domain.NewPipelineError(domain.StateEntityResolved, domain.ReasonCancelled, ctx.Err())
	case err != nil:
		r.logger.Warn("Variant generation failed, using primary query only", zap.Error(err))
	default:
		for _, v := range vr.Variants {
			variants = append(variants, retrieval.VariantVector{Origin: v.Origin, Vector: v.Vector})
		}
	}
	r.resp.Metadata.Retrieval.Variants = len(variants)

	req := retrieval.Request{Primary: primary, Variants: variants}
	if f, ok := retrieval.BuildFilter(q, r.settings.Filter); ok {
		req.Filter = &f
	}

	res, err := e.c.Retriever.Retrieve(ctx, req, r.settings.Retrieval)
	if err != nil {
		return nil, domain.NewPipelineError(domain.StateEntityResolved, domain.ReasonCancelled, err)
	}
	r.resp.Metadata.Retrieval.Paths = res.Reports
	for _, rep := range res.Reports {
		label := metrics.PathLabel(string(rep.Origin))
		metrics.RetrievalPathTotal.WithLabelValues(label, string(rep.Status)).Inc()
		metrics.RetrievalPathLatency.WithLabelValues(label).Observe(float64(rep.LatencyMs) / 1000)
		metrics.RetrievalHits.WithLabelValues(label).Observe(float64(rep.Kept))
	}

	if res.Empty() {
		r.diagnose(domain.ReasonRetrievalEmpty, domain.StateRetrieved, "no sentences returned by any retrieval path")
	}
	r.tracker.ObserveHits(res.Hits)
	return res.Hits, nil
}

func (e *Engine) expand(ctx context.Context, r *run, hits []domain.Hit) ([]domain.CandidateSentence, error) {
	cores := evidence.Deduplicate(evidence.FromHits(hits))
	metrics.CandidateCount.WithLabelValues("deduplicated").Observe(float64(len(cores)))
	if len(cores) == 0 {
		return nil, nil
	}

	res, err := e.c.Expander.Expand(ctx, cores, r.settings.Window)
	if err != nil {
		return nil, domain.NewPipelineError(domain.StateRetrieved, domain.ReasonCancelled, err)
	}
	for _, section := range res.DegradedSections {
		r.diagnose(domain.ReasonInternal, domain.StateExpanded, "window expansion unavailable for "+section)
	}
	r.resp.Metadata.Retrieval.Neighbors = res.Neighbors
	r.resp.Metadata.Retrieval.Truncated = res.Truncated

	candidates := evidence.Deduplicate(res.Candidates)
	r.tracker.Observe(candidates...)
	metrics.CandidateCount.WithLabelValues("expanded").Observe(float64(len(candidates)))
	return candidates, nil
}

func (r *run) applySynthesis(res domain.SynthesisResult) {
	r.resp.State = res.State
	r.resp.Reason = res.Reason
	r.resp.Answer = res.Answer
	r.resp.AnswerType = res.AnswerType
	r.resp.Verified = res.Verified
	r.resp.Citations = res.Citations
	r.resp.UnverifiedClaims = res.UnverifiedClaims
	r.resp.Metadata.LLM.ModelID = res.ModelID
	r.resp.Metadata.LLM.Attempts = res.Attempts
	r.recordLLM("synthesis", res.ModelID, res.Usage, res.CostUSD)
	if r.resp.Citations == nil {
		r.resp.Citations = []domain.Citation{}
	}
}

// finish fills the summary fields, records metrics and emits the audit
// record. It runs for every outcome.
func (e *Engine) finish(r *run) {
	resp := r.resp
	for _, ent := range r.query.Entities {
		if ent.Ticker != "" {
			resp.Metadata.Retrieval.Tickers = append(resp.Metadata.Retrieval.Tickers, ent.Ticker)
		}
	}
	if r.query.Years.Constrained() {
		resp.Metadata.Retrieval.Years = r.query.Years.Years
	}

	state := string(resp.State)
	metrics.QueryTotal.WithLabelValues(state, string(resp.Reason)).Inc()
	metrics.QueryDuration.WithLabelValues(state).Observe(float64(resp.Metadata.LatencyMs) / 1000)
	for _, call := range resp.Metadata.LLM.Calls {
		metrics.LLMTokensUsed.WithLabelValues(call.ModelID, "input").Add(float64(call.InputTokens))
		metrics.LLMTokensUsed.WithLabelValues(call.ModelID, "output").Add(float64(call.OutputTokens))
		metrics.LLMCost.WithLabelValues(call.ModelID).Add(call.Cost)
	}
	if resp.Metadata.LLM.Attempts > 0 {
		metrics.SynthesisAttempts.Observe(float64(resp.Metadata.LLM.Attempts))
		outcome := "verified"
		if !resp.Verified {
			outcome = "unverified"
		}
		metrics.CitationValidation.WithLabelValues(outcome).Inc()
	}

	rec := audit.Record{
		QueryID:       resp.ID,
		UserID:        r.req.UserID,
		Query:         r.req.Query,
		Companies:     r.query.CompanyIDs(),
		Years:         resp.Metadata.Retrieval.Years,
		Context:       r.context.Text,
		Answer:        resp.Answer,
		AnswerType:    resp.AnswerType,
		Citations:     resp.Citations,
		Verified:      resp.Verified,
		State:         resp.State,
		Reason:        resp.Reason,
		ModelID:       resp.Metadata.LLM.ModelID,
		Usage:         domain.Usage{PromptTokens: resp.Metadata.LLM.InputTokens, CompletionTokens: resp.Metadata.LLM.OutputTokens},
		CostUSD:       resp.Metadata.LLM.Cost,
		ContextTokens: resp.Metadata.Context.ContextTokens,
		KPICount:      resp.Metadata.Retrieval.KPICount,
		RAGCount:      resp.Metadata.Retrieval.RAGCount,
		LatencyMs:     resp.Metadata.LatencyMs,
		ConfigVersion: resp.Metadata.ConfigVersion,
		CreatedAt:     r.trace.start,
	}
	if err := e.c.Audit.Emit(rec); err != nil {
		if errors.Is(err, audit.ErrQueueFull) {
			metrics.AuditDropped.Inc()
		}
		r.logger.Warn("Audit record not queued", zap.Error(err))
	}

	r.logger.Info("Query processed",
		zap.String("state", state),
		zap.String("reason", string(resp.Reason)),
		zap.Bool("verified", resp.Verified),
		zap.Int("citations", len(resp.Citations)),
		zap.Int64("latency_ms", resp.Metadata.LatencyMs),
	)
}

func sectionsOf(ctx assembly.Context) []string {
	seen := map[string]bool{}
	var out []string
	for _, b := range ctx.Blocks {
		if !seen[b.Key.Section] {
			seen[b.Key.Section] = true
			out = append(out, b.Key.Section)
		}
	}
	sort.Slice(out, func(i, j int) bool { return assembly.SectionLess(out[i], out[j]) })
	return out
}

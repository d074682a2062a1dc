// Package synthesis turns a merged evidence payload into a cited answer.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/internal/llm"
	"github.com/finrag/backend/internal/supply"
	"github.com/finrag/backend/pkg/logger"
)

// ErrProvider wraps failures of the inference endpoint.
var ErrProvider = errors.New("synthesis provider error")

const insufficientAnswer = "There is not enough evidence in the available filings or the KPI database to answer this question."

// Generator is the inference endpoint.
type Generator interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

func (p Pricing) Cost(u domain.Usage) float64 {
	return float64(u.PromptTokens)/1000*p.InputPer1K + float64(u.CompletionTokens)/1000*p.OutputPer1K
}

type Settings struct {
	ModelID          string
	MaxTokens        int
	Temperature      float32
	MaxRegenerations int
	// RequireCitations flags an answer with no citation tokens as
	// unverified when evidence was supplied.
	RequireCitations bool
	Pricing          Pricing
}

type Orchestrator struct {
	generator Generator
	prompts   *Prompts
	cleaner   *Cleaner
	logger    *zap.Logger
}

func NewOrchestrator(generator Generator, prompts *Prompts, log *zap.Logger) *Orchestrator {
	log = logger.OrDefault(log).Named("synthesis")
	if prompts == nil {
		prompts = MustDefaultPrompts()
	}
	return &Orchestrator{
		generator: generator,
		prompts:   prompts,
		cleaner:   NewCleaner(log),
		logger:    log,
	}
}

// insufficientEvidenceAnswer keeps the not-disclosed markers, with their
// nearest-year suggestions, in the answer text.
func insufficientEvidenceAnswer(markers []domain.MetricRecord) string {
	if len(markers) == 0 {
		return insufficientAnswer
	}
	var sb strings.Builder
	sb.WriteString(insufficientAnswer)
	sb.WriteString("\n")
	for _, m := range markers {
		fmt.Fprintf(&sb, "\n- %s FY%d %s: %s", m.Company, m.Year, m.Label, m.Note)
	}
	return sb.String()
}

// AnswerType maps the query category onto the reported answer type.
func AnswerType(c domain.Category) string {
	return c.String()
}

// Synthesize answers q from payload. An empty payload short-circuits to
// INSUFFICIENT_EVIDENCE without calling the generator. Provider failures are
// returned as a PipelineError; citation problems never are.
func (o *Orchestrator) Synthesize(ctx context.Context, q domain.Query, payload supply.Payload, s Settings) (domain.SynthesisResult, error) {
	start := time.Now()
	result := domain.SynthesisResult{
		AnswerType: AnswerType(q.Classification.Category),
		ModelID:    s.ModelID,
	}

	if payload.Empty() {
		result.State = domain.StateInsufficientEvidence
		result.Reason = domain.ReasonRetrievalEmpty
		if len(payload.Metrics) > 0 {
			result.Reason = domain.ReasonMetricNotFound
		}
		result.Answer = insufficientEvidenceAnswer(payload.Metrics)
		result.LatencyMs = time.Since(start).Milliseconds()
		o.logger.Info("Insufficient evidence, skipping generation",
			zap.String("query_id", q.ID),
			zap.String("reason", string(result.Reason)),
		)
		return result, nil
	}

	data := NewPromptData(q, payload)
	var (
		answer     string
		validation Validation
	)

	attempts := s.MaxRegenerations + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		system, user, err := o.prompts.Render(data)
		if err != nil {
			return result, domain.NewPipelineError(domain.StateMerged, domain.ReasonInternal, err)
		}

		resp, err := o.generator.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: system,
			UserPrompt:   user,
			Model:        s.ModelID,
			Temperature:  s.Temperature,
			MaxTokens:    s.MaxTokens,
			Purpose:      llm.PurposeSynthesis,
		})
		result.Attempts = attempt
		if err != nil {
			// Earlier attempts were billed even though this one failed.
			result.CostUSD = s.Pricing.Cost(result.Usage)
			if ctx.Err() != nil {
				return result, domain.NewPipelineError(domain.StateMerged, domain.ReasonCancelled, ctx.Err())
			}
			o.logger.Error("Generation failed",
				zap.String("query_id", q.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return result, domain.NewPipelineError(domain.StateMerged, domain.ReasonSynthesisProviderError,
				fmt.Errorf("%w: %v", ErrProvider, err))
		}

		result.Usage = result.Usage.Add(resp.Usage)
		if resp.Model != "" {
			result.ModelID = resp.Model
		}

		answer = o.cleaner.Clean(resp.Content)
		validation = Validate(answer, payload)
		if validation.Valid() {
			break
		}

		o.logger.Warn("Answer cites evidence that was not supplied",
			zap.String("query_id", q.ID),
			zap.Int("attempt", attempt),
			zap.Strings("invalid", validation.InvalidIDs()),
		)
		data.Feedback = validation.InvalidIDs()
	}

	result.State = domain.StateAnswered
	result.Citations = validation.Citations
	result.Verified = true

	switch {
	case !validation.Valid():
		answer, result.UnverifiedClaims = MarkUnverified(answer, validation.Invalid)
		result.Verified = false
		result.Reason = domain.ReasonCitationValidation
	case s.RequireCitations && len(validation.Citations) == 0:
		result.UnverifiedClaims = Claims(answer)
		result.Verified = false
		result.Reason = domain.ReasonCitationValidation
		o.logger.Warn("Answer carries no citations", zap.String("query_id", q.ID))
	}

	result.Answer = answer
	result.CostUSD = s.Pricing.Cost(result.Usage)
	result.LatencyMs = time.Since(start).Milliseconds()

	o.logger.Info("Answer synthesized",
		zap.String("query_id", q.ID),
		zap.Int("attempts", result.Attempts),
		zap.Int("citations", len(result.Citations)),
		zap.Bool("verified", result.Verified),
		zap.Int("input_tokens", result.Usage.PromptTokens),
		zap.Int("output_tokens", result.Usage.CompletionTokens),
		zap.Float64("cost_usd", result.CostUSD),
	)
	return result, nil
}

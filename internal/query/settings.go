package query

import (
	"time"

	"github.com/finrag/backend/internal/assembly"
	"github.com/finrag/backend/internal/embedding"
	"github.com/finrag/backend/internal/entity"
	"github.com/finrag/backend/internal/evidence"
	"github.com/finrag/backend/internal/kpi"
	"github.com/finrag/backend/internal/retrieval"
	"github.com/finrag/backend/internal/synthesis"
	"github.com/finrag/backend/pkg/config"
)

// Settings is every per-stage knob for one query, derived once from a
// config snapshot.
type Settings struct {
	Entity    entity.Settings
	Variants  embedding.VariantSettings
	Filter    retrieval.FilterSettings
	Retrieval retrieval.Settings
	Window    evidence.WindowSettings
	Assembly  assembly.Settings
	KPI       kpi.Settings
	Synthesis synthesis.Settings
	// VariantPricing prices the rephrasing call, which may use a cheaper
	// model than synthesis.
	VariantPricing synthesis.Pricing
}

// SettingsFrom maps a configuration onto stage settings for the chosen
// serving model.
func SettingsFrom(cfg config.Config, model config.ServingModel) Settings {
	r := cfg.Retrieval

	variantModel := cfg.Variants.Model
	if variantModel == "" {
		variantModel = model.ModelID
	}

	price, _ := cfg.LLM.Price(model.ModelID)
	variantPrice, _ := cfg.LLM.Price(variantModel)

	temperature := model.Temperature
	if temperature == 0 {
		temperature = cfg.LLM.Temperature
	}

	return Settings{
		Entity: entity.Settings{
			MinConfidence:   cfg.Registry.MinConfidence,
			AmbiguityMargin: cfg.Registry.AmbiguityMargin,
			Years: entity.YearSettings{
				LatestFiscalYear: r.LatestFiscalYear,
				MaxYearSpan:      r.MaxYearSpan,
			},
		},
		Variants: embedding.VariantSettings{
			Enabled:       cfg.Variants.Enabled && r.EnableVariants,
			Count:         cfg.Variants.Count,
			Model:         variantModel,
			MaxTokens:     cfg.Variants.MaxTokens,
			Temperature:   cfg.Variants.Temperature,
			MaxSimilarity: cfg.Variants.MaxSimilarity,
			Timeout:       time.Duration(cfg.Variants.TimeoutMs) * time.Millisecond,
		},
		Filter: retrieval.FilterSettings{ApplySectionHints: r.ApplySectionHints},
		Retrieval: retrieval.Settings{
			TopKFiltered:  r.TopKFiltered,
			TopKGlobal:    r.TopKGlobal,
			TopKVariant:   r.TopKVariant,
			EnableGlobal:  r.EnableGlobal,
			KeepFraction:  r.KeepFraction,
			MinKeep:       r.MinKeep,
			MaxDistance:   r.MaxDistance,
			PathTimeout:   time.Duration(r.PathTimeoutMs) * time.Millisecond,
			MaxConcurrent: r.MaxConcurrentPaths,
		},
		Window: evidence.WindowSettings{
			Size:         cfg.Window.Size,
			GrowthStep:   cfg.Window.GrowthStep,
			MaxSize:      cfg.Window.MaxSize,
			MaxSentences: cfg.Window.MaxSentences,
			Concurrency:  4,
		},
		Assembly: assembly.Settings{MaxContextTokens: cfg.Synthesis.MaxContextTokens},
		KPI: kpi.Settings{
			DefaultMetrics: cfg.KPI.DefaultMetrics,
			MaxSuggestions: cfg.KPI.MaxSuggestions,
			Concurrency:    4,
		},
		Synthesis: synthesis.Settings{
			ModelID:          model.ModelID,
			MaxTokens:        model.MaxTokens,
			Temperature:      temperature,
			MaxRegenerations: cfg.Synthesis.MaxRegenerations,
			RequireCitations: cfg.Synthesis.RequireCitations,
			Pricing:          synthesis.Pricing{InputPer1K: price.InputPer1K, OutputPer1K: price.OutputPer1K},
		},
		VariantPricing: synthesis.Pricing{InputPer1K: variantPrice.InputPer1K, OutputPer1K: variantPrice.OutputPer1K},
	}
}

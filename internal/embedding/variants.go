package embedding

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/internal/llm"
	"github.com/finrag/backend/pkg/logger"
)

const variantSystemPrompt = `You rewrite questions about SEC filings for semantic search.
Produce paraphrases that keep the same meaning but use different wording: synonyms,
different sentence structure, filing terminology (e.g. "net sales" for revenue).
Keep every company name, ticker, fiscal year and metric from the original.
Do not answer the question. Return ONLY a JSON array of strings.`

var (
	listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)
	codeFence  = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
)

type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

type VariantSettings struct {
	Enabled       bool
	Count         int
	Model         string
	MaxTokens     int
	Temperature   float32
	MaxSimilarity float64
	Timeout       time.Duration
}

type Variant struct {
	Index  int
	Origin domain.Origin
	Text   string
	Vector []float32
}

type VariantResult struct {
	Variants []Variant
	Usage    domain.Usage
	// Dropped counts paraphrases removed as duplicates or near-duplicates.
	Dropped int
}

// VariantGenerator asks the LLM for paraphrases of a query and embeds them.
// Any failure leaves the caller with the primary embedding only.
type VariantGenerator struct {
	completer Completer
	embedder  *QueryEmbedder
	logger    *zap.Logger
}

func NewVariantGenerator(completer Completer, embedder *QueryEmbedder, log *zap.Logger) *VariantGenerator {
	return &VariantGenerator{
		completer: completer,
		embedder:  embedder,
		logger:    logger.OrDefault(log).Named("variants"),
	}
}

func (g *VariantGenerator) Generate(ctx context.Context, query string, primary []float32, s VariantSettings) (VariantResult, error) {
	var res VariantResult
	if !s.Enabled || s.Count <= 0 {
		return res, nil
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	resp, err := g.completer.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: variantSystemPrompt,
		UserPrompt:   fmt.Sprintf("Write %d paraphrases of this question:\n\n%s", s.Count, query),
		Model:        s.Model,
		Temperature:  s.Temperature,
		MaxTokens:    s.MaxTokens,
		Purpose:      llm.PurposeVariants,
	})
	if err != nil {
		return res, fmt.Errorf("failed to generate variants: %w", err)
	}
	res.Usage = resp.Usage

	texts := ParseVariants(resp.Content)
	unique := dedupeVariants(query, texts)
	res.Dropped = len(texts) - len(unique)
	if len(unique) > s.Count {
		unique = unique[:s.Count]
	}
	if len(unique) == 0 {
		return res, nil
	}

	vecs, err := g.embedder.EmbedMany(ctx, unique)
	if err != nil {
		return res, fmt.Errorf("failed to embed variants: %w", err)
	}

	for i, text := range unique {
		if s.MaxSimilarity > 0 && len(primary) > 0 {
			if sim := Cosine(primary, vecs[i]); sim >= s.MaxSimilarity {
				g.logger.Debug("Dropping near-duplicate variant",
					zap.String("variant", text),
					zap.Float64("similarity", sim),
				)
				res.Dropped++
				continue
			}
		}
		k := len(res.Variants) + 1
		res.Variants = append(res.Variants, Variant{
			Index:  k,
			Origin: domain.VariantOrigin(k),
			Text:   text,
			Vector: vecs[i],
		})
	}

	g.logger.Debug("Variants generated",
		zap.Int("kept", len(res.Variants)),
		zap.Int("dropped", res.Dropped),
	)
	return res, nil
}

// ParseVariants accepts a JSON array of strings, an object with a
// "variants" array, or one paraphrase per line.
func ParseVariants(content string) []string {
	content = strings.TrimSpace(content)
	if m := codeFence.FindStringSubmatch(content); m != nil {
		content = strings.TrimSpace(m[1])
	}

	if gjson.Valid(content) {
		parsed := gjson.Parse(content)
		if !parsed.IsArray() {
			parsed = parsed.Get("variants")
		}
		if parsed.IsArray() {
			var out []string
			for _, item := range parsed.Array() {
				if s := strings.TrimSpace(item.String()); s != "" {
					out = append(out, s)
				}
			}
			return out
		}
	}

	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = listMarker.ReplaceAllString(line, "")
		line = strings.Trim(strings.TrimSpace(line), `"'`)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func dedupeVariants(query string, texts []string) []string {
	seen := map[string]bool{normalizeVariant(query): true}
	out := make([]string, 0, len(texts))
	for _, t := range texts {
		key := normalizeVariant(t)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

func normalizeVariant(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.TrimRight(s, "?.! ")
}

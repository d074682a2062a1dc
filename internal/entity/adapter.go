package entity

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/pkg/logger"
)

const maxMentionTokens = 3

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true, "by": true,
	"did": true, "do": true, "does": true, "for": true, "from": true, "has": true, "have": true,
	"how": true, "in": true, "is": true, "it": true, "its": true, "of": true, "on": true, "or": true,
	"over": true, "the": true, "their": true, "to": true, "vs": true, "was": true, "were": true,
	"what": true, "when": true, "which": true, "why": true, "with": true, "year": true, "years": true,
	"fiscal": true, "fy": true, "compare": true, "between": true, "last": true, "past": true,
	"revenue": true, "revenues": true, "income": true, "sales": true, "profit": true, "debt": true,
	"cash": true, "flow": true, "assets": true, "risk": true, "risks": true, "factors": true,
	"company": true, "companies": true, "report": true, "filing": true, "10-k": true,
}

// Settings are the per-query knobs for entity resolution, taken from the
// active config snapshot.
type Settings struct {
	MinConfidence   float64
	AmbiguityMargin float64
	Years           YearSettings
}

// Adapter turns a raw question into a resolved domain.Query.
type Adapter struct {
	registry   Registry
	classifier *Classifier
	logger     *zap.Logger
}

func NewAdapter(registry Registry, classifier *Classifier, log *zap.Logger) *Adapter {
	if classifier == nil {
		classifier = NewClassifier()
	}
	return &Adapter{
		registry:   registry,
		classifier: classifier,
		logger:     logger.OrDefault(log).Named("entity"),
	}
}

type mention struct {
	text  string
	start int
	end   int
}

type resolved struct {
	entity domain.Entity
	at     int
}

// Resolve never fails on unknown companies: an empty entity set sends
// retrieval down the global path. Only cancellation is returned as an error.
func (a *Adapter) Resolve(ctx context.Context, text string, s Settings) (domain.Query, error) {
	q := domain.Query{Text: text}
	q.Years = ExtractYears(text, s.Years)

	words, err := tokenize(text)
	if err != nil {
		a.logger.Warn("Tokenization failed, skipping entity resolution", zap.Error(err))
	}

	byCompany := map[string]resolved{}
	consumed := make([]bool, len(words))

	for n := maxMentionTokens; n >= 1; n-- {
		for i := 0; i+n <= len(words); i++ {
			m, ok := buildMention(words, consumed, i, n)
			if !ok {
				continue
			}

			cands, err := a.registry.Candidates(ctx, m.text, 2)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return q, ctxErr
				}
				a.logger.Warn("Registry lookup failed",
					zap.String("mention", m.text),
					zap.Error(err),
				)
				continue
			}
			if len(cands) == 0 || cands[0].Confidence < s.MinConfidence {
				continue
			}

			chosen := toEntity(cands[0], m.text)
			if len(cands) > 1 && cands[1].Confidence >= s.MinConfidence &&
				cands[0].Confidence-cands[1].Confidence <= s.AmbiguityMargin {
				q.Ambiguities = append(q.Ambiguities, domain.Ambiguity{
					Mention:  m.text,
					Chosen:   chosen,
					RunnerUp: toEntity(cands[1], m.text),
				})
			}

			for j := m.start; j < m.end; j++ {
				consumed[j] = true
			}
			if prev, seen := byCompany[chosen.CompanyID]; !seen || chosen.Confidence > prev.entity.Confidence {
				at := m.start
				if seen && prev.at < at {
					at = prev.at
				}
				byCompany[chosen.CompanyID] = resolved{entity: chosen, at: at}
			}
		}
	}

	list := make([]resolved, 0, len(byCompany))
	for _, r := range byCompany {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].at != list[j].at {
			return list[i].at < list[j].at
		}
		return list[i].entity.CompanyID < list[j].entity.CompanyID
	})
	for _, r := range list {
		q.Entities = append(q.Entities, r.entity)
	}

	q.Classification = a.classifier.Classify(ClassifyInput{
		Text:        text,
		EntityCount: len(q.Entities),
		Years:       q.Years,
	})

	a.logger.Debug("Query resolved",
		zap.Strings("companies", q.CompanyIDs()),
		zap.Ints("years", q.Years.Years),
		zap.Stringer("category", q.Classification.Category),
		zap.Int("ambiguities", len(q.Ambiguities)),
	)

	return q, nil
}

func toEntity(c Candidate, mention string) domain.Entity {
	return domain.Entity{
		CompanyID:  c.Company.ID,
		Ticker:     c.Company.Ticker,
		Name:       c.Company.Name,
		Confidence: c.Confidence,
		Mention:    mention,
	}
}

// tokenize returns word tokens with punctuation kept as empty separators,
// so mentions never span a comma or a possessive.
func tokenize(text string) ([]string, error) {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithSegmentation(false),
	)
	if err != nil {
		return nil, err
	}
	toks := doc.Tokens()
	words := make([]string, 0, len(toks))
	for _, t := range toks {
		w := strings.TrimSpace(t.Text)
		for _, suffix := range []string{"'s", "’s"} {
			if len(w) > len(suffix) && strings.HasSuffix(strings.ToLower(w), suffix) {
				w = w[:len(w)-len(suffix)]
			}
		}
		if w == "" || isPunct(w) || strings.EqualFold(w, "'s") || w == "’s" {
			words = append(words, "")
			continue
		}
		words = append(words, w)
	}
	return words, nil
}

func buildMention(words []string, consumed []bool, i, n int) (mention, bool) {
	parts := words[i : i+n]
	for j, w := range parts {
		if w == "" || consumed[i+j] {
			return mention{}, false
		}
	}
	first, last := strings.ToLower(parts[0]), strings.ToLower(parts[n-1])
	if stopwords[first] || stopwords[last] || isNumeric(first) || isNumeric(last) {
		return mention{}, false
	}
	if n == 1 && len(parts[0]) <= 2 && strings.ToLower(parts[0]) == parts[0] {
		return mention{}, false
	}
	return mention{text: strings.Join(parts, " "), start: i, end: i + n}, true
}

func isPunct(s string) bool {
	for _, r := range s {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) {
			return false
		}
	}
	return true
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' && r != ',' && r != '$' && r != '%' {
			return false
		}
	}
	return true
}

package entity

import (
	"regexp"
	"sort"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/internal/kpi"
)

type rule struct {
	category domain.Category
	pattern  *regexp.Regexp
	weight   float64
}

type sectionRule struct {
	section string
	topic   string
	pattern *regexp.Regexp
}

var classifierRules = []rule{
	{domain.CategoryNumeric, regexp.MustCompile(`(?i)\b(what (was|were|is|are)|how much|how many|amount of|value of|total)\b`), 0.5},
	{domain.CategoryTrend, regexp.MustCompile(`(?i)\b(trend|over time|grow(th|n)?|declin(e|ed|ing)|increas(e|ed|ing)|decreas(e|ed|ing)|change[ds]?|evolv(e|ed)|trajectory|year[- ]over[- ]year|yoy)\b`), 0.8},
	{domain.CategoryComparative, regexp.MustCompile(`(?i)\b(compare[ds]?|comparison|versus|vs\.?|relative to|higher than|lower than|better|worse|difference between|outperform(ed)?)\b`), 0.9},
	{domain.CategoryNarrative, regexp.MustCompile(`(?i)\b(why|explain|describe|discuss|what (are|were) the (main |key |primary )?(risks?|factors|drivers|reasons)|strategy|outlook|risk factors?|challenges?|how does|how did)\b`), 0.7},
}

var sectionRules = []sectionRule{
	{"Item 7A", "market_risk", regexp.MustCompile(`(?i)\b(market risk|interest rate risk|foreign (currency|exchange)|fx|hedg(e|es|ing)|commodity price)\b`)},
	{"Item 1A", "risk_factors", regexp.MustCompile(`(?i)\b(risks?|risk factors?|uncertaint(y|ies)|threats?)\b`)},
	{"Item 7", "mdna", regexp.MustCompile(`(?i)\b(md&a|management'?s discussion|results of operations|liquidity|capital resources|outlook|drivers?)\b`)},
	{"Item 1", "business", regexp.MustCompile(`(?i)\b(business (model|overview|description)|products?|services|segments?|competition|competitors?|customers)\b`)},
	{"Item 3", "legal_proceedings", regexp.MustCompile(`(?i)\b(litigation|lawsuits?|legal proceedings|settlements?)\b`)},
	{"Item 8", "financial_statements", regexp.MustCompile(`(?i)\b(financial statements|balance sheet|income statement|cash flow statement|footnotes?)\b`)},
}

// ClassifyInput carries the already-extracted facts the classifier weighs.
type ClassifyInput struct {
	Text        string
	EntityCount int
	Years       domain.YearScope
}

// Classifier assigns a typed category to a query from weighted pattern rules.
type Classifier struct{}

func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify scores every category and returns the winner. Confidence is the
// winning score clamped to 1, scaled by its share of the total score so that
// queries matching several categories report lower confidence.
func (c *Classifier) Classify(in ClassifyInput) domain.Classification {
	scores := map[domain.Category]float64{}
	for _, r := range classifierRules {
		if r.pattern.MatchString(in.Text) {
			scores[r.category] += r.weight
		}
	}

	metrics := kpi.MatchMetrics(in.Text)
	if len(metrics) > 0 {
		scores[domain.CategoryNumeric] += 0.6
	}
	if in.Years.Kind == domain.YearsSingle {
		scores[domain.CategoryNumeric] += 0.3
	}
	if in.Years.Kind == domain.YearsRange && len(in.Years.Years) > 1 && scores[domain.CategoryTrend] > 0 {
		scores[domain.CategoryTrend] += 0.4
	}
	if in.EntityCount >= 2 {
		scores[domain.CategoryComparative] += 0.6
	}

	sections, topic := sectionHints(in.Text, len(metrics) > 0)

	out := domain.Classification{
		Category:     domain.CategoryGeneral,
		Confidence:   0.3,
		MetricKeys:   metrics,
		SectionHints: sections,
		Topic:        topic,
	}

	var best domain.Category
	var top, total float64
	// Iterate in category order so ties resolve deterministically.
	for _, cat := range []domain.Category{
		domain.CategoryNumeric,
		domain.CategoryTrend,
		domain.CategoryComparative,
		domain.CategoryNarrative,
	} {
		s := scores[cat]
		total += s
		if s > top {
			best, top = cat, s
		}
	}
	if top == 0 {
		return out
	}

	conf := top
	if conf > 1 {
		conf = 1
	}
	out.Category = best
	out.Confidence = conf * top / total
	return out
}

func sectionHints(text string, hasMetric bool) ([]string, string) {
	seen := map[string]bool{}
	var sections []string
	topic := ""
	for _, r := range sectionRules {
		if !r.pattern.MatchString(text) || seen[r.section] {
			continue
		}
		seen[r.section] = true
		sections = append(sections, r.section)
		if topic == "" {
			topic = r.topic
		}
	}
	if hasMetric && !seen["Item 8"] {
		sections = append(sections, "Item 8")
		if topic == "" {
			topic = "financial_statements"
		}
	}
	sort.Strings(sections)
	return sections, topic
}

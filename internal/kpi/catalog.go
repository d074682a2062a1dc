package kpi

import (
	"regexp"
	"sort"
	"strings"
)

// Metric describes one canonical KPI and the phrases that refer to it.
type Metric struct {
	Key     string
	Label   string
	Unit    string
	Aliases []string
}

var catalog = []Metric{
	{Key: "revenue", Label: "Revenue", Unit: "USD", Aliases: []string{"revenue", "revenues", "net sales", "total revenue", "total revenues", "sales", "top line", "turnover"}},
	{Key: "net_income", Label: "Net Income", Unit: "USD", Aliases: []string{"net income", "net earnings", "net profit", "net loss", "profit", "bottom line"}},
	{Key: "operating_income", Label: "Operating Income", Unit: "USD", Aliases: []string{"operating income", "operating profit", "income from operations", "ebit"}},
	{Key: "gross_profit", Label: "Gross Profit", Unit: "USD", Aliases: []string{"gross profit", "gross margin"}},
	{Key: "operating_cash_flow", Label: "Operating Cash Flow", Unit: "USD", Aliases: []string{"operating cash flow", "cash from operations", "cash flow from operating activities", "net cash provided by operating activities", "cfo"}},
	{Key: "free_cash_flow", Label: "Free Cash Flow", Unit: "USD", Aliases: []string{"free cash flow", "fcf"}},
	{Key: "total_assets", Label: "Total Assets", Unit: "USD", Aliases: []string{"total assets", "assets"}},
	{Key: "total_liabilities", Label: "Total Liabilities", Unit: "USD", Aliases: []string{"total liabilities", "liabilities"}},
	{Key: "stockholders_equity", Label: "Stockholders' Equity", Unit: "USD", Aliases: []string{"stockholders' equity", "stockholders equity", "shareholders' equity", "shareholders equity", "book value", "equity"}},
	{Key: "eps_diluted", Label: "Diluted EPS", Unit: "USD/share", Aliases: []string{"diluted eps", "earnings per share", "eps"}},
	{Key: "rd_expense", Label: "R&D Expense", Unit: "USD", Aliases: []string{"research and development", "r&d"}},
	{Key: "long_term_debt", Label: "Long-Term Debt", Unit: "USD", Aliases: []string{"long-term debt", "long term debt", "debt"}},
}

type aliasPattern struct {
	key     string
	alias   string
	pattern *regexp.Regexp
}

var (
	byKey    = map[string]Metric{}
	patterns []aliasPattern
)

func init() {
	for _, m := range catalog {
		byKey[m.Key] = m
		for _, a := range m.Aliases {
			patterns = append(patterns, aliasPattern{
				key:     m.Key,
				alias:   a,
				pattern: regexp.MustCompile(`(?i)(^|[^a-z0-9&])` + regexp.QuoteMeta(a) + `($|[^a-z0-9&])`),
			})
		}
	}
	// Longer phrases first so "net income" wins over "income"-like fragments.
	sort.SliceStable(patterns, func(i, j int) bool {
		return len(patterns[i].alias) > len(patterns[j].alias)
	})
}

// Lookup returns the catalog entry for a canonical key.
func Lookup(key string) (Metric, bool) {
	m, ok := byKey[key]
	return m, ok
}

// Label returns a human label for key, falling back to the key itself.
func Label(key string) string {
	if m, ok := byKey[key]; ok {
		return m.Label
	}
	return key
}

// MatchMetrics finds canonical metric keys mentioned in text, in order of
// first appearance. Matched spans are consumed so nested aliases do not
// double count.
func MatchMetrics(text string) []string {
	work := strings.ToLower(text)
	type found struct {
		key string
		at  int
	}
	var hits []found
	seen := map[string]bool{}

	for _, p := range patterns {
		for {
			loc := p.pattern.FindStringIndex(work)
			if loc == nil {
				break
			}
			if !seen[p.key] {
				seen[p.key] = true
				hits = append(hits, found{key: p.key, at: loc[0]})
			}
			work = work[:loc[0]] + strings.Repeat(" ", loc[1]-loc[0]) + work[loc[1]:]
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].at < hits[j].at })
	keys := make([]string, len(hits))
	for i, h := range hits {
		keys[i] = h.key
	}
	return keys
}

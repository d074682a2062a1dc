package entity

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Company is one entry of the company registry.
type Company struct {
	ID      string   `yaml:"id"`
	Ticker  string   `yaml:"ticker"`
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

// Candidate is a registry match for a free-text mention.
type Candidate struct {
	Company    Company
	Confidence float64
}

// Registry resolves free-text names and tickers to canonical companies.
type Registry interface {
	Candidates(ctx context.Context, mention string, limit int) ([]Candidate, error)
	Company(ctx context.Context, id string) (Company, bool, error)
}

// StaticRegistry is an in-memory registry, usually loaded from yaml.
type StaticRegistry struct {
	companies []Company
	byID      map[string]Company
}

type registryFile struct {
	Companies []Company `yaml:"companies"`
}

func NewStaticRegistry(companies []Company) *StaticRegistry {
	r := &StaticRegistry{byID: make(map[string]Company, len(companies))}
	for _, c := range companies {
		if c.ID == "" {
			continue
		}
		r.companies = append(r.companies, c)
		r.byID[c.ID] = c
	}
	return r
}

func LoadRegistryFile(path string) (*StaticRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}
	return ParseRegistry(data)
}

func ParseRegistry(data []byte) (*StaticRegistry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	if len(f.Companies) == 0 {
		return nil, fmt.Errorf("registry has no companies")
	}
	return NewStaticRegistry(f.Companies), nil
}

func (r *StaticRegistry) Candidates(ctx context.Context, mention string, limit int) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, 4)
	for _, c := range r.companies {
		if score := ScoreCompany(mention, c); score > 0 {
			out = append(out, Candidate{Company: c, Confidence: score})
		}
	}
	RankCandidates(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *StaticRegistry) Company(_ context.Context, id string) (Company, bool, error) {
	c, ok := r.byID[id]
	return c, ok, nil
}

// Companies returns the registered companies in file order.
func (r *StaticRegistry) Companies() []Company {
	return append([]Company(nil), r.companies...)
}

func (r *StaticRegistry) Len() int {
	return len(r.companies)
}

// RankCandidates sorts by confidence, then company ID for stable ties.
func RankCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Confidence != c[j].Confidence {
			return c[i].Confidence > c[j].Confidence
		}
		return c[i].Company.ID < c[j].Company.ID
	})
}

// ScoreCompany rates how well mention names company c, in [0, 1].
func ScoreCompany(mention string, c Company) float64 {
	raw := strings.TrimSpace(mention)
	if raw == "" {
		return 0
	}

	best := 0.0
	if c.Ticker != "" {
		best = tickerScore(raw, c.Ticker)
	}

	names := append([]string{c.Name}, c.Aliases...)
	for _, n := range names {
		if s := Similarity(raw, n); s > best {
			best = s
		}
	}
	return best
}

// tickerScore only trusts short tickers when written in upper case, so
// words like "on" or "all" do not resolve to companies.
func tickerScore(mention, ticker string) float64 {
	if mention == strings.ToUpper(ticker) {
		return 1.0
	}
	if len(ticker) >= 4 && strings.EqualFold(mention, ticker) {
		return 0.92
	}
	return 0
}

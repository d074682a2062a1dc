// Package domain holds the per-query data model shared by every pipeline
// stage. Values are created fresh for each query and never persisted by the
// core.
package domain

import (
	"fmt"
	"sort"
)

type Category int

const (
	CategoryGeneral Category = iota
	CategoryNumeric
	CategoryTrend
	CategoryComparative
	CategoryNarrative
)

func (c Category) String() string {
	switch c {
	case CategoryNumeric:
		return "numeric"
	case CategoryTrend:
		return "trend"
	case CategoryComparative:
		return "comparative"
	case CategoryNarrative:
		return "narrative"
	default:
		return "general"
	}
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText maps unknown names to CategoryGeneral.
func (c *Category) UnmarshalText(b []byte) error {
	*c = CategoryGeneral
	for _, cand := range []Category{CategoryNumeric, CategoryTrend, CategoryComparative, CategoryNarrative} {
		if cand.String() == string(b) {
			*c = cand
		}
	}
	return nil
}

// Classification is the typed output of the query classifier.
type Classification struct {
	Category     Category `json:"category"`
	Confidence   float64  `json:"confidence"`
	MetricKeys   []string `json:"metric_keys,omitempty"`
	SectionHints []string `json:"section_hints,omitempty"`
	Topic        string   `json:"topic,omitempty"`
}

type Entity struct {
	CompanyID  string  `json:"company_id"`
	Ticker     string  `json:"ticker,omitempty"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Mention    string  `json:"mention,omitempty"`
}

// Ambiguity records a mention that matched more than one company.
type Ambiguity struct {
	Mention  string `json:"mention"`
	Chosen   Entity `json:"chosen"`
	RunnerUp Entity `json:"runner_up"`
}

type YearScopeKind int

const (
	YearsUnspecified YearScopeKind = iota
	YearsSingle
	YearsRange
	YearsAll
)

func (k YearScopeKind) String() string {
	switch k {
	case YearsSingle:
		return "single"
	case YearsRange:
		return "range"
	case YearsAll:
		return "all"
	default:
		return "unspecified"
	}
}

func (k YearScopeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *YearScopeKind) UnmarshalText(b []byte) error {
	*k = YearsUnspecified
	for _, cand := range []YearScopeKind{YearsSingle, YearsRange, YearsAll} {
		if cand.String() == string(b) {
			*k = cand
		}
	}
	return nil
}

type YearScope struct {
	Kind  YearScopeKind `json:"kind"`
	Years []int         `json:"years,omitempty"`
}

func SingleYear(y int) YearScope {
	return YearScope{Kind: YearsSingle, Years: []int{y}}
}

func YearRange(from, to int) YearScope {
	if from > to {
		from, to = to, from
	}
	years := make([]int, 0, to-from+1)
	for y := from; y <= to; y++ {
		years = append(years, y)
	}
	return YearScope{Kind: YearsRange, Years: years}
}

// Constrained reports whether the scope names explicit years.
func (s YearScope) Constrained() bool {
	return (s.Kind == YearsSingle || s.Kind == YearsRange) && len(s.Years) > 0
}

type Query struct {
	ID             string         `json:"id"`
	Text           string         `json:"text"`
	Entities       []Entity       `json:"entities"`
	Years          YearScope      `json:"years"`
	Classification Classification `json:"classification"`
	Ambiguities    []Ambiguity    `json:"ambiguities,omitempty"`
}

func (q Query) HasEntities() bool {
	return len(q.Entities) > 0
}

func (q Query) CompanyIDs() []string {
	ids := make([]string, 0, len(q.Entities))
	for _, e := range q.Entities {
		ids = append(ids, e.CompanyID)
	}
	sort.Strings(ids)
	return ids
}

// CompanyName returns the display name of a resolved company, if any.
func (q Query) CompanyName(companyID string) (string, bool) {
	for _, e := range q.Entities {
		if e.CompanyID == companyID {
			return e.Name, true
		}
	}
	return "", false
}

// SectionKey identifies one section of one filing.
type SectionKey struct {
	CompanyID string `json:"company_id"`
	Year      int    `json:"fiscal_year"`
	Section   string `json:"section"`
}

func (k SectionKey) String() string {
	return fmt.Sprintf("%s/%d/%s", k.CompanyID, k.Year, k.Section)
}

type Sentence struct {
	ID       string     `json:"sentence_id"`
	Key      SectionKey `json:"key"`
	Company  string     `json:"company,omitempty"`
	Position int        `json:"position"`
	Text     string     `json:"text"`
}

// MetadataFilter scopes a vector search to companies, years and sections.
// Empty dimensions are unconstrained.
type MetadataFilter struct {
	CompanyIDs []string `json:"company_ids,omitempty"`
	Years      []int    `json:"years,omitempty"`
	Sections   []string `json:"sections,omitempty"`
}

func (f MetadataFilter) Empty() bool {
	return len(f.CompanyIDs) == 0 && len(f.Years) == 0 && len(f.Sections) == 0
}

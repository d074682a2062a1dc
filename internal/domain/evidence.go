package domain

import (
	"fmt"
	"sort"
)

type Origin string

const (
	OriginFiltered Origin = "filtered"
	OriginGlobal   Origin = "global"
	// OriginWindow tags sentences that entered through window expansion only.
	OriginWindow Origin = "window"
)

func VariantOrigin(k int) Origin {
	return Origin(fmt.Sprintf("variant-%d", k))
}

// Hit is a single vector search result tagged with the path that produced it.
type Hit struct {
	Sentence
	Distance float32 `json:"distance"`
	Origin   Origin  `json:"origin"`
}

type CandidateSentence struct {
	Sentence
	Distance float32  `json:"distance"`
	Origins  []Origin `json:"origins"`
	Core     bool     `json:"core"`
	Anchors  []string `json:"anchors,omitempty"`
}

// ProvenanceRecord explains why a sentence is in the context.
type ProvenanceRecord struct {
	SentenceID string     `json:"sentence_id"`
	Key        SectionKey `json:"key"`
	Position   int        `json:"position"`
	Origins    []Origin   `json:"origins"`
	Anchors    []string   `json:"anchors,omitempty"`
	Distances  []float32  `json:"distances,omitempty"`
	Core       bool       `json:"core"`
}

// BestDistance returns the lowest observed distance, or false for pure neighbors.
func (p ProvenanceRecord) BestDistance() (float32, bool) {
	if len(p.Distances) == 0 {
		return 0, false
	}
	best := p.Distances[0]
	for _, d := range p.Distances[1:] {
		if d < best {
			best = d
		}
	}
	return best, true
}

type ContextBlock struct {
	Key       SectionKey          `json:"key"`
	Company   string              `json:"company"`
	Header    string              `json:"header"`
	Sentences []CandidateSentence `json:"sentences"`
}

type MetricRecord struct {
	ID               string  `json:"id"`
	CompanyID        string  `json:"company_id"`
	Company          string  `json:"company"`
	Year             int     `json:"fiscal_year"`
	Metric           string  `json:"metric"`
	Label            string  `json:"label"`
	Value            float64 `json:"value"`
	Unit             string  `json:"unit,omitempty"`
	SourceSentenceID string  `json:"source_sentence_id,omitempty"`
	Disclosed        bool    `json:"disclosed"`
	NearestYears     []int   `json:"nearest_years,omitempty"`
	Note             string  `json:"note,omitempty"`
}

func MetricRecordID(companyID string, year int, metric string) string {
	return fmt.Sprintf("kpi:%s:%d:%s", companyID, year, metric)
}

type EvidenceKind uint8

const (
	EvidenceNarrative EvidenceKind = iota + 1
	EvidenceMetric
)

func (k EvidenceKind) String() string {
	switch k {
	case EvidenceNarrative:
		return "narrative"
	case EvidenceMetric:
		return "metric"
	default:
		return "unknown"
	}
}

func (k EvidenceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *EvidenceKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "narrative":
		*k = EvidenceNarrative
	case "metric":
		*k = EvidenceMetric
	default:
		return fmt.Errorf("unknown evidence kind %q", b)
	}
	return nil
}

// CitationPrefix is the token prefix used in prompts and answers.
func (k EvidenceKind) CitationPrefix() string {
	if k == EvidenceMetric {
		return "M"
	}
	return "S"
}

// Evidence is one citable item of a supply line payload. Exactly one of
// Sentence or Metric is set, as indicated by Kind.
type Evidence struct {
	Kind     EvidenceKind       `json:"kind"`
	Sentence *CandidateSentence `json:"sentence,omitempty"`
	Metric   *MetricRecord      `json:"metric,omitempty"`
}

func NarrativeEvidence(c CandidateSentence) Evidence {
	return Evidence{Kind: EvidenceNarrative, Sentence: &c}
}

func MetricEvidence(m MetricRecord) Evidence {
	return Evidence{Kind: EvidenceMetric, Metric: &m}
}

func (e Evidence) ID() string {
	switch e.Kind {
	case EvidenceNarrative:
		return e.Sentence.ID
	case EvidenceMetric:
		return e.Metric.ID
	default:
		return ""
	}
}

// Token renders the citation token for this evidence, e.g. "[S:abc]".
func (e Evidence) Token() string {
	return fmt.Sprintf("[%s:%s]", e.Kind.CitationPrefix(), e.ID())
}

type Citation struct {
	ID   string       `json:"id"`
	Kind EvidenceKind `json:"kind"`
}

// SortOrigins orders origins as filtered, global, then variants by index.
func SortOrigins(origins []Origin) {
	rank := func(o Origin) (int, string) {
		switch o {
		case OriginFiltered:
			return 0, ""
		case OriginGlobal:
			return 1, ""
		case OriginWindow:
			return 3, ""
		default:
			return 2, string(o)
		}
	}
	sort.SliceStable(origins, func(i, j int) bool {
		ri, si := rank(origins[i])
		rj, sj := rank(origins[j])
		if ri != rj {
			return ri < rj
		}
		if len(si) != len(sj) {
			return len(si) < len(sj)
		}
		return si < sj
	})
}

// UnionOrigins merges b into a without duplicates and returns a sorted set.
func UnionOrigins(a, b []Origin) []Origin {
	seen := make(map[Origin]struct{}, len(a)+len(b))
	out := make([]Origin, 0, len(a)+len(b))
	for _, list := range [][]Origin{a, b} {
		for _, o := range list {
			if _, ok := seen[o]; ok {
				continue
			}
			seen[o] = struct{}{}
			out = append(out, o)
		}
	}
	SortOrigins(out)
	return out
}

// UnionStrings merges two string sets into a sorted slice.
func UnionStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

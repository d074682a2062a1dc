// Package supply joins the two evidence channels, narrative sentences and
// structured metrics, into the single payload synthesis reads from.
package supply

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/finrag/backend/internal/assembly"
	"github.com/finrag/backend/internal/domain"
)

// Line is one supply line. Build it with Narrative or Metrics.
type Line struct {
	kind       domain.EvidenceKind
	context    assembly.Context
	provenance []domain.ProvenanceRecord
	metrics    []domain.MetricRecord
}

// Narrative wraps an assembled context and the provenance of its sentences.
func Narrative(ctx assembly.Context, provenance []domain.ProvenanceRecord) Line {
	return Line{kind: domain.EvidenceNarrative, context: ctx, provenance: provenance}
}

func Metrics(records []domain.MetricRecord) Line {
	return Line{kind: domain.EvidenceMetric, metrics: records}
}

// Payload is the merged, read-only evidence set for one query.
type Payload struct {
	Context    assembly.Context          `json:"context"`
	Metrics    []domain.MetricRecord     `json:"metrics"`
	Provenance []domain.ProvenanceRecord `json:"provenance"`

	index map[string]domain.Evidence
}

// Merge combines supply lines into a payload. The result does not depend on
// argument order. A kind given twice is merged into one line.
func Merge(lines ...Line) Payload {
	var (
		p       Payload
		prov    = map[string]domain.ProvenanceRecord{}
		metrics = map[string]domain.MetricRecord{}
	)

	for _, l := range lines {
		switch l.kind {
		case domain.EvidenceNarrative:
			p.Context = mergeContext(p.Context, l.context)
			for _, r := range l.provenance {
				prov[r.SentenceID] = r
			}
		case domain.EvidenceMetric:
			for _, m := range l.metrics {
				if prev, ok := metrics[m.ID]; ok && !outranks(m, prev) {
					continue
				}
				metrics[m.ID] = m
			}
		}
	}

	p.index = make(map[string]domain.Evidence, p.Context.Sentences+len(metrics))
	for _, b := range p.Context.Blocks {
		for _, s := range b.Sentences {
			p.index[s.ID] = domain.NarrativeEvidence(s)
			if r, ok := prov[s.ID]; ok {
				p.Provenance = append(p.Provenance, r)
			}
		}
	}
	sort.Slice(p.Provenance, func(i, j int) bool {
		return p.Provenance[i].SentenceID < p.Provenance[j].SentenceID
	})

	for _, m := range metrics {
		p.Metrics = append(p.Metrics, m)
		p.index[m.ID] = domain.MetricEvidence(m)
	}
	sortMetrics(p.Metrics)
	return p
}

// outranks orders two records with the same ID: a disclosed value, then one
// traced to a source sentence, then the lower value.
func outranks(m, prev domain.MetricRecord) bool {
	if m.Disclosed != prev.Disclosed {
		return m.Disclosed
	}
	if !m.Disclosed {
		return m.Note < prev.Note
	}
	if (m.SourceSentenceID != "") != (prev.SourceSentenceID != "") {
		return m.SourceSentenceID != ""
	}
	if m.Value != prev.Value {
		return m.Value < prev.Value
	}
	if m.SourceSentenceID != prev.SourceSentenceID {
		return m.SourceSentenceID < prev.SourceSentenceID
	}
	return m.Unit < prev.Unit
}

func mergeContext(a, b assembly.Context) assembly.Context {
	if a.Empty() {
		return b
	}
	if b.Empty() {
		return a
	}
	// Two narrative lines only arise in tests and tools; reassemble so the
	// result stays canonical.
	var cands []domain.CandidateSentence
	for _, ctx := range []assembly.Context{a, b} {
		for _, blk := range ctx.Blocks {
			cands = append(cands, blk.Sentences...)
		}
	}
	return assembly.NewAssembler(nil, nil).Assemble(cands, assembly.Settings{})
}

func sortMetrics(recs []domain.MetricRecord) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Company != b.Company {
			return strings.ToLower(a.Company) < strings.ToLower(b.Company)
		}
		if a.CompanyID != b.CompanyID {
			return a.CompanyID < b.CompanyID
		}
		if a.Metric != b.Metric {
			return a.Metric < b.Metric
		}
		return a.Year < b.Year
	})
}

// Lookup resolves a citation ID against the payload.
func (p Payload) Lookup(id string) (domain.Evidence, bool) {
	e, ok := p.index[id]
	return e, ok
}

// Has reports whether id is present as evidence of the given kind.
func (p Payload) Has(kind domain.EvidenceKind, id string) bool {
	e, ok := p.index[id]
	return ok && e.Kind == kind
}

func (p Payload) NarrativeCount() int {
	return p.Context.Sentences
}

// DisclosedMetrics counts metric records that carry a value.
func (p Payload) DisclosedMetrics() int {
	n := 0
	for _, m := range p.Metrics {
		if m.Disclosed {
			n++
		}
	}
	return n
}

// Empty reports whether there is nothing an answer could be grounded in.
// Not-disclosed markers alone do not count as evidence.
func (p Payload) Empty() bool {
	return p.NarrativeCount() == 0 && p.DisclosedMetrics() == 0
}

// Evidence lists every citable item, narrative first in context order.
func (p Payload) Evidence() []domain.Evidence {
	out := make([]domain.Evidence, 0, len(p.index))
	for _, b := range p.Context.Blocks {
		for _, s := range b.Sentences {
			out = append(out, p.index[s.ID])
		}
	}
	for _, m := range p.Metrics {
		out = append(out, p.index[m.ID])
	}
	return out
}

const rule = "═══════════════════════════════════════════════════════════════"

// RenderMetrics renders the structured metrics section.
func (p Payload) RenderMetrics() string {
	var sb strings.Builder
	sb.WriteString(rule + "\n")
	sb.WriteString("STRUCTURED METRICS - KPI DATABASE\n")
	sb.WriteString(rule + "\n")
	if len(p.Metrics) == 0 {
		sb.WriteString("(no structured metrics available)\n")
		return sb.String()
	}
	for _, m := range p.Metrics {
		sb.WriteString(MetricLine(m))
		sb.WriteString("\n")
	}
	return sb.String()
}

// RenderNarrative renders the narrative context section.
func (p Payload) RenderNarrative() string {
	var sb strings.Builder
	sb.WriteString(rule + "\n")
	sb.WriteString("NARRATIVE CONTEXT - SEC FILINGS\n")
	sb.WriteString(rule + "\n")
	if p.Context.Empty() {
		sb.WriteString("(no narrative context retrieved)\n")
		return sb.String()
	}
	sb.WriteString(p.Context.Text)
	if !strings.HasSuffix(p.Context.Text, "\n") {
		sb.WriteString("\n")
	}
	return sb.String()
}

// MetricLine renders one record with its citation token.
func MetricLine(m domain.MetricRecord) string {
	token := domain.MetricEvidence(m).Token()
	if !m.Disclosed {
		return fmt.Sprintf("%s %s FY%d: %s %s", token, m.Company, m.Year, m.Label, m.Note)
	}
	line := fmt.Sprintf("%s %s FY%d: %s = %s", token, m.Company, m.Year, m.Label, FormatValue(m.Value, m.Unit))
	if m.SourceSentenceID != "" {
		line += fmt.Sprintf(" (source sentence %s)", m.SourceSentenceID)
	}
	return line
}

// FormatValue prints large currency amounts in millions or billions.
func FormatValue(v float64, unit string) string {
	abs := v
	if abs < 0 {
		abs = -abs
	}
	var num string
	switch {
	case unit == "USD" && abs >= 1e9:
		num = strconv.FormatFloat(v/1e9, 'f', 2, 64) + "B"
	case unit == "USD" && abs >= 1e6:
		num = strconv.FormatFloat(v/1e6, 'f', 2, 64) + "M"
	default:
		num = strconv.FormatFloat(v, 'f', -1, 64)
	}
	if unit == "" {
		return num
	}
	return num + " " + unit
}

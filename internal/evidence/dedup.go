package evidence

import (
	"sort"

	"github.com/finrag/backend/internal/domain"
)

// FromHits wraps raw path hits as core candidates with a single origin each.
func FromHits(hits []domain.Hit) []domain.CandidateSentence {
	out := make([]domain.CandidateSentence, 0, len(hits))
	for _, h := range hits {
		out = append(out, domain.CandidateSentence{
			Sentence: h.Sentence,
			Distance: h.Distance,
			Origins:  []domain.Origin{h.Origin},
			Core:     true,
		})
	}
	return out
}

// Deduplicate merges candidates sharing a sentence ID. The merged entry keeps
// the best distance among its core entries (neighbors only count when no core
// entry exists) and the union of origins and anchors. The result is ordered by
// distance, then ID, and deduplicating it again returns the same slice.
func Deduplicate(cands []domain.CandidateSentence) []domain.CandidateSentence {
	byID := make(map[string]int, len(cands))
	out := make([]domain.CandidateSentence, 0, len(cands))

	for _, c := range cands {
		i, seen := byID[c.ID]
		if !seen {
			c.Origins = domain.UnionOrigins(nil, c.Origins)
			c.Anchors = domain.UnionStrings(nil, c.Anchors)
			byID[c.ID] = len(out)
			out = append(out, c)
			continue
		}

		m := &out[i]
		switch {
		case c.Core && !m.Core:
			m.Sentence = c.Sentence
			m.Distance = c.Distance
		case c.Core == m.Core && c.Distance < m.Distance:
			m.Sentence = c.Sentence
			m.Distance = c.Distance
		}
		m.Core = m.Core || c.Core
		m.Origins = domain.UnionOrigins(m.Origins, c.Origins)
		m.Anchors = domain.UnionStrings(m.Anchors, c.Anchors)
	}

	SortByDistance(out)
	return out
}

func SortByDistance(cands []domain.CandidateSentence) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Distance != cands[j].Distance {
			return cands[i].Distance < cands[j].Distance
		}
		return cands[i].ID < cands[j].ID
	})
}

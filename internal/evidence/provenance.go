package evidence

import (
	"sort"
	"sync"

	"github.com/finrag/backend/internal/domain"
)

// Tracker is the append-only provenance ledger of one query. Records are
// created on first sight of a sentence and only ever gain origins, anchors
// and distances afterwards.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*domain.ProvenanceRecord
}

func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]*domain.ProvenanceRecord)}
}

// ObserveHits records every per-path distance before deduplication folds
// them together.
func (t *Tracker) ObserveHits(hits []domain.Hit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range hits {
		r := t.recordLocked(h.Sentence)
		r.Core = true
		r.Origins = domain.UnionOrigins(r.Origins, []domain.Origin{h.Origin})
		r.Distances = append(r.Distances, h.Distance)
	}
}

func (t *Tracker) Observe(cands ...domain.CandidateSentence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range cands {
		r := t.recordLocked(c.Sentence)
		r.Core = r.Core || c.Core
		r.Origins = domain.UnionOrigins(r.Origins, c.Origins)
		r.Anchors = domain.UnionStrings(r.Anchors, c.Anchors)
		if c.Core && len(r.Distances) == 0 {
			r.Distances = append(r.Distances, c.Distance)
		}
	}
}

func (t *Tracker) recordLocked(s domain.Sentence) *domain.ProvenanceRecord {
	if r, ok := t.records[s.ID]; ok {
		return r
	}
	r := &domain.ProvenanceRecord{
		SentenceID: s.ID,
		Key:        s.Key,
		Position:   s.Position,
	}
	t.records[s.ID] = r
	return r
}

func (t *Tracker) Contains(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.records[id]
	return ok
}

// Record returns a copy, so callers cannot rewrite the ledger.
func (t *Tracker) Record(id string) (domain.ProvenanceRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	if !ok {
		return domain.ProvenanceRecord{}, false
	}
	return copyRecord(r), true
}

// Records returns all records ordered by sentence ID.
func (t *Tracker) Records() []domain.ProvenanceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.ProvenanceRecord, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, copyRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentenceID < out[j].SentenceID })
	return out
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

func copyRecord(r *domain.ProvenanceRecord) domain.ProvenanceRecord {
	c := *r
	c.Origins = append([]domain.Origin(nil), r.Origins...)
	c.Anchors = append([]string(nil), r.Anchors...)
	c.Distances = append([]float32(nil), r.Distances...)
	return c
}

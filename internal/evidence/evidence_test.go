package evidence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/finrag/backend/internal/domain"
)

var (
	mdna  = domain.SectionKey{CompanyID: "0000320193", Year: 2020, Section: "Item 7"}
	risks = domain.SectionKey{CompanyID: "0000320193", Year: 2020, Section: "Item 1A"}
)

func sentence(key domain.SectionKey, pos int) domain.Sentence {
	return domain.Sentence{
		ID:       fmt.Sprintf("%s-%d", key.Section, pos),
		Key:      key,
		Position: pos,
		Text:     fmt.Sprintf("sentence %d of %s", pos, key.Section),
	}
}

// corpus serves sections of a fixed length, clipping like the vector store.
type corpus struct {
	lengths map[domain.SectionKey]int
	fail    map[domain.SectionKey]error

	mu    sync.Mutex
	calls int
}

func (c *corpus) SectionSentences(_ context.Context, key domain.SectionKey, from, to int) ([]domain.Sentence, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if err := c.fail[key]; err != nil {
		return nil, err
	}
	n := c.lengths[key]
	var out []domain.Sentence
	for p := from; p <= to && p < n; p++ {
		if p >= 0 {
			out = append(out, sentence(key, p))
		}
	}
	return out, nil
}

func core(key domain.SectionKey, pos int, d float32, origins ...domain.Origin) domain.CandidateSentence {
	if len(origins) == 0 {
		origins = []domain.Origin{domain.OriginFiltered}
	}
	return domain.CandidateSentence{Sentence: sentence(key, pos), Distance: d, Origins: origins, Core: true}
}

func TestDeduplicateKeepsBestDistanceAndUnionsOrigins(t *testing.T) {
	hits := []domain.Hit{
		{Sentence: sentence(mdna, 4), Distance: 0.5, Origin: domain.OriginGlobal},
		{Sentence: sentence(mdna, 4), Distance: 0.2, Origin: domain.OriginFiltered},
		{Sentence: sentence(mdna, 9), Distance: 0.3, Origin: domain.VariantOrigin(2)},
		{Sentence: sentence(mdna, 4), Distance: 0.4, Origin: domain.VariantOrigin(1)},
	}

	got := Deduplicate(FromHits(hits))
	require.Len(t, got, 2)
	assert.Equal(t, "Item 7-4", got[0].ID)
	assert.Equal(t, float32(0.2), got[0].Distance)
	assert.Equal(t, []domain.Origin{domain.OriginFiltered, domain.OriginGlobal, domain.VariantOrigin(1)}, got[0].Origins)
	assert.True(t, got[0].Core)
	assert.Equal(t, "Item 7-9", got[1].ID)
}

func TestDeduplicateIsIdempotent(t *testing.T) {
	cands := []domain.CandidateSentence{
		core(mdna, 3, 0.3, domain.OriginGlobal),
		core(mdna, 1, 0.1),
		core(mdna, 3, 0.2),
		{Sentence: sentence(mdna, 2), Distance: 0.1, Origins: []domain.Origin{domain.OriginWindow}, Anchors: []string{"Item 7-1"}},
		{Sentence: sentence(mdna, 2), Distance: 0.2, Origins: []domain.Origin{domain.OriginWindow}, Anchors: []string{"Item 7-3"}},
	}

	once := Deduplicate(cands)
	twice := Deduplicate(once)
	assert.Equal(t, once, twice)
	assert.Len(t, once, 3)
}

func TestDeduplicatePrefersCoreOverNeighbor(t *testing.T) {
	cands := []domain.CandidateSentence{
		{Sentence: sentence(mdna, 2), Distance: 0.05, Origins: []domain.Origin{domain.OriginWindow}, Anchors: []string{"Item 7-1"}},
		core(mdna, 2, 0.4, domain.OriginGlobal),
	}

	got := Deduplicate(cands)
	require.Len(t, got, 1)
	assert.True(t, got[0].Core)
	assert.Equal(t, float32(0.4), got[0].Distance)
	assert.Equal(t, []domain.Origin{domain.OriginGlobal, domain.OriginWindow}, got[0].Origins)
	assert.Equal(t, []string{"Item 7-1"}, got[0].Anchors)
}

func TestTrackerIsAppendOnly(t *testing.T) {
	tr := NewTracker()
	tr.ObserveHits([]domain.Hit{
		{Sentence: sentence(mdna, 4), Distance: 0.3, Origin: domain.OriginGlobal},
		{Sentence: sentence(mdna, 4), Distance: 0.2, Origin: domain.OriginFiltered},
	})
	tr.Observe(domain.CandidateSentence{
		Sentence: sentence(mdna, 5),
		Distance: 0.2,
		Origins:  []domain.Origin{domain.OriginWindow},
		Anchors:  []string{"Item 7-4"},
	})
	tr.Observe(domain.CandidateSentence{
		Sentence: sentence(mdna, 5),
		Origins:  []domain.Origin{domain.OriginWindow},
		Anchors:  []string{"Item 7-6"},
	})

	require.Equal(t, 2, tr.Len())

	r, ok := tr.Record("Item 7-4")
	require.True(t, ok)
	assert.Equal(t, []float32{0.3, 0.2}, r.Distances)
	best, ok := r.BestDistance()
	assert.True(t, ok)
	assert.Equal(t, float32(0.2), best)
	assert.True(t, r.Core)

	n, ok := tr.Record("Item 7-5")
	require.True(t, ok)
	assert.False(t, n.Core)
	assert.Equal(t, []string{"Item 7-4", "Item 7-6"}, n.Anchors)
	_, ok = n.BestDistance()
	assert.False(t, ok, "neighbors carry no retrieval distance")

	r.Origins[0] = "tampered"
	again, _ := tr.Record("Item 7-4")
	assert.Equal(t, domain.OriginFiltered, again.Origins[0])

	assert.False(t, tr.Contains("missing"))
	assert.Len(t, tr.Records(), 2)
}

func settings() WindowSettings {
	return WindowSettings{Size: 3, GrowthStep: 1, MaxSize: 5, MaxSentences: 400}
}

func TestExpandClipsAtSectionBoundaries(t *testing.T) {
	src := &corpus{lengths: map[domain.SectionKey]int{mdna: 3, risks: 10}}
	e := NewWindowExpander(src, zaptest.NewLogger(t))

	res, err := e.Expand(context.Background(), []domain.CandidateSentence{core(mdna, 0, 0.1)}, settings())
	require.NoError(t, err)

	require.Equal(t, 2, res.Neighbors)
	for _, c := range res.Candidates {
		assert.Equal(t, mdna, c.Key, "neighbors stay inside the anchor's section")
		assert.GreaterOrEqual(t, c.Position, 0)
		assert.Less(t, c.Position, 3)
	}
}

func TestExpandMergesSharedNeighbors(t *testing.T) {
	src := &corpus{lengths: map[domain.SectionKey]int{mdna: 20}}
	e := NewWindowExpander(src, zaptest.NewLogger(t))

	res, err := e.Expand(context.Background(), []domain.CandidateSentence{
		core(mdna, 5, 0.1),
		core(mdna, 8, 0.2),
	}, settings())
	require.NoError(t, err)

	var shared *domain.CandidateSentence
	ids := map[string]int{}
	for i := range res.Candidates {
		ids[res.Candidates[i].ID]++
		if res.Candidates[i].ID == "Item 7-6" {
			shared = &res.Candidates[i]
		}
	}
	for id, n := range ids {
		assert.Equal(t, 1, n, "sentence %s appears once", id)
	}
	require.NotNil(t, shared)
	assert.False(t, shared.Core)
	assert.Equal(t, []string{"Item 7-5", "Item 7-8"}, shared.Anchors)
	assert.Equal(t, float32(0.1), shared.Distance)
	// positions 2..11 minus the two anchors
	assert.Equal(t, 8, res.Neighbors)
	assert.Equal(t, 1, src.calls, "one fetch per section")
}

func TestExpandGrowsWindowForMultiPathAnchors(t *testing.T) {
	src := &corpus{lengths: map[domain.SectionKey]int{mdna: 40}}
	e := NewWindowExpander(src, zaptest.NewLogger(t))

	single, err := e.Expand(context.Background(), []domain.CandidateSentence{core(mdna, 20, 0.1)}, settings())
	require.NoError(t, err)
	assert.Equal(t, 6, single.Neighbors)

	multi, err := e.Expand(context.Background(), []domain.CandidateSentence{
		core(mdna, 20, 0.1, domain.OriginFiltered, domain.OriginGlobal),
	}, settings())
	require.NoError(t, err)
	assert.Equal(t, 8, multi.Neighbors)

	s := settings()
	s.GrowthStep = 10
	assert.Equal(t, 5, WindowFor(core(mdna, 0, 0, domain.OriginFiltered, domain.OriginGlobal), s))
}

func TestExpandCapsNeighborsClosestAnchorFirst(t *testing.T) {
	src := &corpus{lengths: map[domain.SectionKey]int{mdna: 100}}
	e := NewWindowExpander(src, zaptest.NewLogger(t))
	s := settings()
	s.MaxSentences = 6

	res, err := e.Expand(context.Background(), []domain.CandidateSentence{
		core(mdna, 80, 0.9),
		core(mdna, 10, 0.1),
	}, s)
	require.NoError(t, err)

	assert.True(t, res.Truncated)
	assert.Equal(t, 6, res.Neighbors)
	for _, c := range res.Candidates {
		if !c.Core {
			assert.Equal(t, []string{"Item 7-10"}, c.Anchors)
		}
	}
}

func TestExpandDegradesOnFetchFailure(t *testing.T) {
	src := &corpus{
		lengths: map[domain.SectionKey]int{mdna: 10, risks: 10},
		fail:    map[domain.SectionKey]error{risks: errors.New("query timeout")},
	}
	e := NewWindowExpander(src, zaptest.NewLogger(t))

	res, err := e.Expand(context.Background(), []domain.CandidateSentence{
		core(mdna, 5, 0.1),
		core(risks, 5, 0.2),
	}, settings())
	require.NoError(t, err)

	assert.Equal(t, []string{risks.String()}, res.DegradedSections)
	assert.Equal(t, 6, res.Neighbors)
	assert.Len(t, res.Candidates, 8, "both anchors survive")
}

package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitions(t *testing.T) {
	path := []State{
		StateReceived, StateEntityResolved, StateRetrieved, StateExpanded,
		StateAssembled, StateMerged, StateSynthesized, StateAnswered,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, CanTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
	}

	assert.True(t, CanTransition(StateMerged, StateInsufficientEvidence))
	assert.False(t, CanTransition(StateRetrieved, StateAnswered))
	assert.False(t, CanTransition(StateAnswered, StateFailed))
	assert.True(t, StateInsufficientEvidence.Terminal())
	assert.False(t, StateMerged.Terminal())
}

func TestReasonOf(t *testing.T) {
	base := errors.New("provider down")
	err := fmt.Errorf("synthesis: %w", NewPipelineError(StateSynthesized, ReasonSynthesisProviderError, base))

	assert.Equal(t, ReasonSynthesisProviderError, ReasonOf(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, ReasonInternal, ReasonOf(base))
	assert.Equal(t, ReasonNone, ReasonOf(nil))
}

func TestEvidenceUnion(t *testing.T) {
	s := NarrativeEvidence(CandidateSentence{Sentence: Sentence{ID: "s1"}})
	m := MetricEvidence(MetricRecord{ID: MetricRecordID("AAPL", 2020, "revenue")})

	assert.Equal(t, "[S:s1]", s.Token())
	assert.Equal(t, "[M:kpi:AAPL:2020:revenue]", m.Token())
	assert.Equal(t, EvidenceMetric, m.Kind)
}

func TestUnionOriginsSortsAndDedupes(t *testing.T) {
	got := UnionOrigins(
		[]Origin{VariantOrigin(10), OriginGlobal},
		[]Origin{VariantOrigin(2), OriginFiltered, OriginGlobal},
	)
	assert.Equal(t, []Origin{OriginFiltered, OriginGlobal, VariantOrigin(2), VariantOrigin(10)}, got)
}

func TestYearRange(t *testing.T) {
	r := YearRange(2020, 2018)
	assert.Equal(t, []int{2018, 2019, 2020}, r.Years)
	assert.True(t, r.Constrained())
	assert.False(t, YearScope{Kind: YearsAll}.Constrained())
}

func TestTextEnumsDecode(t *testing.T) {
	var k EvidenceKind
	assert.NoError(t, k.UnmarshalText([]byte("metric")))
	assert.Equal(t, EvidenceMetric, k)
	assert.Error(t, k.UnmarshalText([]byte("table")))

	var c Category
	assert.NoError(t, c.UnmarshalText([]byte("trend")))
	assert.Equal(t, CategoryTrend, c)
	assert.NoError(t, c.UnmarshalText([]byte("poetry")))
	assert.Equal(t, CategoryGeneral, c)

	var y YearScopeKind
	assert.NoError(t, y.UnmarshalText([]byte("range")))
	assert.Equal(t, YearsRange, y)
}

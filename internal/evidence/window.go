package evidence

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/pkg/logger"
)

type SentenceSource interface {
	SectionSentences(ctx context.Context, key domain.SectionKey, from, to int) ([]domain.Sentence, error)
}

type WindowSettings struct {
	Size int
	// GrowthStep widens the window of anchors found by two or more paths.
	GrowthStep   int
	MaxSize      int
	MaxSentences int
	Concurrency  int
}

type ExpandResult struct {
	// Candidates holds the anchors followed by their neighbors.
	Candidates []domain.CandidateSentence
	Neighbors  int
	// DegradedSections lists sections whose fetch failed; their anchors are
	// kept without neighbors.
	DegradedSections []string
	Truncated        bool
}

type WindowExpander struct {
	source SentenceSource
	logger *zap.Logger
}

func NewWindowExpander(source SentenceSource, log *zap.Logger) *WindowExpander {
	return &WindowExpander{source: source, logger: logger.OrDefault(log).Named("window")}
}

// WindowFor is the half-width of the window around one anchor.
func WindowFor(anchor domain.CandidateSentence, s WindowSettings) int {
	w := s.Size
	if distinctPaths(anchor.Origins) >= 2 {
		w += s.GrowthStep
	}
	if s.MaxSize > 0 && w > s.MaxSize {
		w = s.MaxSize
	}
	if w < 0 {
		w = 0
	}
	return w
}

// Expand adds up to ±W neighbors around every core candidate, never leaving
// the anchor's section. Neighbors reachable from several anchors are kept
// once with every anchor listed. Anchors are visited closest first, so the
// neighbor cap trims around the weakest hits.
func (e *WindowExpander) Expand(ctx context.Context, cores []domain.CandidateSentence, s WindowSettings) (ExpandResult, error) {
	anchors := make([]domain.CandidateSentence, 0, len(cores))
	isCore := make(map[string]bool, len(cores))
	for _, c := range cores {
		if c.Core {
			anchors = append(anchors, c)
			isCore[c.ID] = true
		}
	}
	SortByDistance(anchors)

	res := ExpandResult{Candidates: append([]domain.CandidateSentence(nil), cores...)}
	if s.Size <= 0 && s.GrowthStep <= 0 {
		return res, nil
	}

	type span struct {
		key      domain.SectionKey
		from, to int
	}
	spans := map[domain.SectionKey]*span{}
	var keys []domain.SectionKey
	for _, a := range anchors {
		w := WindowFor(a, s)
		from, to := a.Position-w, a.Position+w
		if from < 0 {
			from = 0
		}
		sp, ok := spans[a.Key]
		if !ok {
			spans[a.Key] = &span{key: a.Key, from: from, to: to}
			keys = append(keys, a.Key)
			continue
		}
		if from < sp.from {
			sp.from = from
		}
		if to > sp.to {
			sp.to = to
		}
	}

	fetched := make([][]domain.Sentence, len(keys))
	failed := make([]error, len(keys))

	var g errgroup.Group
	limit := s.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for i, k := range keys {
		i, sp := i, spans[k]
		g.Go(func() error {
			fetched[i], failed[i] = e.source.SectionSentences(ctx, sp.key, sp.from, sp.to)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return res, err
	}

	sections := make(map[domain.SectionKey]map[int]domain.Sentence, len(keys))
	for i, k := range keys {
		if failed[i] != nil {
			res.DegradedSections = append(res.DegradedSections, k.String())
			e.logger.Warn("Window fetch failed, keeping anchors without neighbors",
				zap.String("section", k.String()),
				zap.Error(failed[i]),
			)
			continue
		}
		byPos := make(map[int]domain.Sentence, len(fetched[i]))
		for _, sent := range fetched[i] {
			if sent.Key != k {
				continue
			}
			byPos[sent.Position] = sent
		}
		sections[k] = byPos
	}

	neighborIdx := map[string]int{}
	var neighbors []domain.CandidateSentence

	for _, a := range anchors {
		byPos, ok := sections[a.Key]
		if !ok {
			continue
		}
		w := WindowFor(a, s)
		for pos := a.Position - w; pos <= a.Position+w; pos++ {
			if pos == a.Position {
				continue
			}
			sent, ok := byPos[pos]
			if !ok || isCore[sent.ID] {
				continue
			}
			if i, seen := neighborIdx[sent.ID]; seen {
				neighbors[i].Anchors = domain.UnionStrings(neighbors[i].Anchors, []string{a.ID})
				continue
			}
			if s.MaxSentences > 0 && len(neighbors) >= s.MaxSentences {
				res.Truncated = true
				continue
			}
			neighborIdx[sent.ID] = len(neighbors)
			neighbors = append(neighbors, domain.CandidateSentence{
				Sentence: sent,
				// Neighbors rank with their closest anchor.
				Distance: a.Distance,
				Origins:  []domain.Origin{domain.OriginWindow},
				Core:     false,
				Anchors:  []string{a.ID},
			})
		}
	}

	res.Neighbors = len(neighbors)
	res.Candidates = append(res.Candidates, neighbors...)

	e.logger.Debug("Window expansion completed",
		zap.Int("anchors", len(anchors)),
		zap.Int("neighbors", res.Neighbors),
		zap.Int("sections", len(keys)),
		zap.Bool("truncated", res.Truncated),
	)
	return res, nil
}

func distinctPaths(origins []domain.Origin) int {
	n := 0
	for _, o := range origins {
		if o != domain.OriginWindow {
			n++
		}
	}
	return n
}

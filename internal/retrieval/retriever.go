package retrieval

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/pkg/logger"
)

type VectorStore interface {
	Search(ctx context.Context, vector []float32, topK int, filter *domain.MetadataFilter) ([]domain.Hit, error)
}

type PathStatus string

const (
	PathOK        PathStatus = "ok"
	PathTimeout   PathStatus = "timeout"
	PathError     PathStatus = "error"
	PathCancelled PathStatus = "cancelled"
)

// PathReport describes what one search path contributed.
type PathReport struct {
	Origin    domain.Origin `json:"origin"`
	Filtered  bool          `json:"filtered"`
	Status    PathStatus    `json:"status"`
	Hits      int           `json:"hits"`
	Kept      int           `json:"kept"`
	LatencyMs int64         `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
}

type VariantVector struct {
	Origin domain.Origin
	Vector []float32
}

type Request struct {
	Primary  []float32
	Variants []VariantVector
	// Filter is nil when no entity was resolved.
	Filter *domain.MetadataFilter
}

type Settings struct {
	TopKFiltered  int
	TopKGlobal    int
	TopKVariant   int
	EnableGlobal  bool
	KeepFraction  float64
	MinKeep       int
	MaxDistance   float64
	PathTimeout   time.Duration
	MaxConcurrent int
}

type Result struct {
	// Hits are origin-tagged and already capped per path, in path order.
	Hits    []domain.Hit
	Reports []PathReport
}

func (r Result) Empty() bool {
	return len(r.Hits) == 0
}

type path struct {
	origin domain.Origin
	vector []float32
	topK   int
	filter *domain.MetadataFilter
}

// MultiPathRetriever runs the filtered, global and variant searches
// concurrently. A failed or timed-out path contributes nothing and never
// fails the query.
type MultiPathRetriever struct {
	store  VectorStore
	logger *zap.Logger
}

func NewMultiPathRetriever(store VectorStore, log *zap.Logger) *MultiPathRetriever {
	return &MultiPathRetriever{store: store, logger: logger.OrDefault(log).Named("retrieval")}
}

func (r *MultiPathRetriever) Retrieve(ctx context.Context, req Request, s Settings) (Result, error) {
	paths := planPaths(req, s)

	reports := make([]PathReport, len(paths))
	kept := make([][]domain.Hit, len(paths))

	var g errgroup.Group
	if s.MaxConcurrent > 0 {
		g.SetLimit(s.MaxConcurrent)
	}

	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			reports[i], kept[i] = r.runPath(ctx, p, s)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Result{Reports: reports}, err
	}

	var res Result
	res.Reports = reports
	for _, hits := range kept {
		res.Hits = append(res.Hits, hits...)
	}

	r.logger.Debug("Multi-path retrieval completed",
		zap.Int("paths", len(paths)),
		zap.Int("hits", len(res.Hits)),
	)
	return res, nil
}

func planPaths(req Request, s Settings) []path {
	var paths []path
	if req.Filter != nil {
		paths = append(paths, path{origin: domain.OriginFiltered, vector: req.Primary, topK: s.TopKFiltered, filter: req.Filter})
	}
	if s.EnableGlobal || req.Filter == nil {
		paths = append(paths, path{origin: domain.OriginGlobal, vector: req.Primary, topK: s.TopKGlobal})
	}
	for _, v := range req.Variants {
		paths = append(paths, path{origin: v.Origin, vector: v.Vector, topK: s.TopKVariant, filter: req.Filter})
	}
	return paths
}

func (r *MultiPathRetriever) runPath(ctx context.Context, p path, s Settings) (PathReport, []domain.Hit) {
	report := PathReport{Origin: p.origin, Filtered: p.filter != nil}
	start := time.Now()

	pctx := ctx
	cancel := func() {}
	if s.PathTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, s.PathTimeout)
	}
	defer cancel()

	hits, err := r.store.Search(pctx, p.vector, p.topK, p.filter)
	report.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		switch {
		case ctx.Err() != nil:
			report.Status = PathCancelled
		case errors.Is(err, context.DeadlineExceeded) || pctx.Err() == context.DeadlineExceeded:
			report.Status = PathTimeout
		default:
			report.Status = PathError
		}
		report.Error = err.Error()
		r.logger.Warn("Retrieval path degraded to empty",
			zap.String("origin", string(p.origin)),
			zap.String("status", string(report.Status)),
			zap.Error(err),
		)
		return report, nil
	}

	for i := range hits {
		hits[i].Origin = p.origin
	}
	report.Status = PathOK
	report.Hits = len(hits)

	capped := StratifiedCap(hits, s.KeepFraction, s.MinKeep, s.MaxDistance)
	report.Kept = len(capped)
	return report, capped
}

// StratifiedCap keeps the closest fraction of one path's hits so that no
// single path dominates the merged set. At least min(n, minKeep) hits
// survive, after dropping hits beyond maxDistance when it is set.
func StratifiedCap(hits []domain.Hit, keepFraction float64, minKeep int, maxDistance float64) []domain.Hit {
	out := make([]domain.Hit, 0, len(hits))
	for _, h := range hits {
		if maxDistance > 0 && float64(h.Distance) > maxDistance {
			continue
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})

	n := len(out)
	if keepFraction <= 0 || keepFraction >= 1 {
		return out
	}
	keep := int(math.Ceil(keepFraction*float64(n) - 1e-9))
	floor := minKeep
	if floor > n {
		floor = n
	}
	if keep < floor {
		keep = floor
	}
	return out[:keep]
}

package kpi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/internal/storage/models"
	"github.com/finrag/backend/pkg/logger"
)

// ErrNotFound is the store's explicit not-found signal.
var ErrNotFound = models.ErrNotFound

// Store is the tabular KPI store keyed by (company, year, metric).
type Store interface {
	LookupKPI(ctx context.Context, companyID string, year int, metric string) (*models.KPIFact, error)
	AvailableYears(ctx context.Context, companyID, metric string) ([]int, error)
}

type Settings struct {
	// DefaultMetrics are looked up for quantitative queries that name no
	// metric of their own.
	DefaultMetrics []string
	MaxSuggestions int
	Concurrency    int
}

type Result struct {
	Records     []domain.MetricRecord
	Diagnostics []domain.Diagnostic
}

// Disclosed counts records that carry a value.
func (r Result) Disclosed() int {
	n := 0
	for _, rec := range r.Records {
		if rec.Disclosed {
			n++
		}
	}
	return n
}

type Pipeline struct {
	store  Store
	logger *zap.Logger
}

func NewPipeline(store Store, log *zap.Logger) *Pipeline {
	return &Pipeline{store: store, logger: logger.OrDefault(log).Named("kpi")}
}

// MetricsFor picks the metric keys to look up for q.
func MetricsFor(q domain.Query, s Settings) []string {
	if len(q.Classification.MetricKeys) > 0 {
		return q.Classification.MetricKeys
	}
	switch q.Classification.Category {
	case domain.CategoryNumeric, domain.CategoryTrend, domain.CategoryComparative:
		return s.DefaultMetrics
	}
	return nil
}

// Lookup resolves every (company, metric, year) the query asks about. Years
// without a value become explicit not-disclosed records with the nearest
// available years attached. Store failures are absorbed as diagnostics; only
// cancellation is returned.
func (p *Pipeline) Lookup(ctx context.Context, q domain.Query, s Settings) (Result, error) {
	metrics := MetricsFor(q, s)
	if !q.HasEntities() || len(metrics) == 0 {
		return Result{}, nil
	}

	limit := s.Concurrency
	if limit <= 0 {
		limit = 4
	}

	var (
		mu  sync.Mutex
		out Result
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, ent := range q.Entities {
		for _, metric := range metrics {
			ent, metric := ent, metric
			g.Go(func() error {
				recs, diags, err := p.lookupOne(gctx, ent, metric, q.Years, s)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					p.logger.Warn("KPI lookup failed",
						zap.String("query_id", q.ID),
						zap.String("company_id", ent.CompanyID),
						zap.String("metric", metric),
						zap.Error(err),
					)
					diags = append(diags, domain.Diagnostic{
						Reason:  domain.ReasonMetricNotFound,
						Stage:   domain.StateRetrieved,
						Message: fmt.Sprintf("%s %s: store unavailable", ent.Name, Label(metric)),
					})
				}
				mu.Lock()
				out.Records = append(out.Records, recs...)
				out.Diagnostics = append(out.Diagnostics, diags...)
				mu.Unlock()
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	SortRecords(out.Records)
	sort.SliceStable(out.Diagnostics, func(i, j int) bool {
		return out.Diagnostics[i].Message < out.Diagnostics[j].Message
	})

	p.logger.Debug("KPI lookup complete",
		zap.String("query_id", q.ID),
		zap.Int("records", len(out.Records)),
		zap.Int("disclosed", out.Disclosed()),
	)
	return out, nil
}

func (p *Pipeline) lookupOne(ctx context.Context, ent domain.Entity, metric string, scope domain.YearScope, s Settings) ([]domain.MetricRecord, []domain.Diagnostic, error) {
	available, err := p.store.AvailableYears(ctx, ent.CompanyID, metric)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list years: %w", err)
	}

	var targets []int
	switch {
	case scope.Constrained():
		targets = scope.Years
	case scope.Kind == domain.YearsAll:
		targets = available
	case len(available) > 0:
		targets = []int{available[len(available)-1]}
	}

	if len(targets) == 0 {
		return nil, []domain.Diagnostic{{
			Reason:  domain.ReasonMetricNotFound,
			Stage:   domain.StateRetrieved,
			Message: fmt.Sprintf("%s %s: no disclosed values", ent.Name, Label(metric)),
		}}, nil
	}

	have := make(map[int]bool, len(available))
	for _, y := range available {
		have[y] = true
	}

	var (
		records []domain.MetricRecord
		diags   []domain.Diagnostic
	)
	for _, year := range targets {
		if have[year] {
			fact, err := p.store.LookupKPI(ctx, ent.CompanyID, year, metric)
			switch {
			case err == nil:
				records = append(records, fromFact(ent, metric, fact))
				continue
			case !errors.Is(err, ErrNotFound):
				return records, diags, fmt.Errorf("failed to lookup %d: %w", year, err)
			}
		}

		rec := notDisclosed(ent, metric, year, NearestYears(available, year, s.MaxSuggestions))
		records = append(records, rec)
		diags = append(diags, domain.Diagnostic{
			Reason:  domain.ReasonMetricNotFound,
			Stage:   domain.StateRetrieved,
			Message: fmt.Sprintf("%s %s: %s", ent.Name, rec.Label, rec.Note),
		})
	}
	return records, diags, nil
}

func fromFact(ent domain.Entity, metric string, f *models.KPIFact) domain.MetricRecord {
	unit := f.Unit
	if unit == "" {
		if m, ok := Lookup(metric); ok {
			unit = m.Unit
		}
	}
	name := ent.Name
	if name == "" {
		name = f.CompanyName
	}
	return domain.MetricRecord{
		ID:               domain.MetricRecordID(ent.CompanyID, f.FiscalYear, metric),
		CompanyID:        ent.CompanyID,
		Company:          name,
		Year:             f.FiscalYear,
		Metric:           metric,
		Label:            Label(metric),
		Value:            f.Value,
		Unit:             unit,
		SourceSentenceID: f.SourceSentenceID,
		Disclosed:        true,
	}
}

func notDisclosed(ent domain.Entity, metric string, year int, nearest []int) domain.MetricRecord {
	note := fmt.Sprintf("not disclosed for year %d", year)
	if len(nearest) > 0 {
		note += "; nearest available: " + joinYears(nearest)
	}
	return domain.MetricRecord{
		ID:           domain.MetricRecordID(ent.CompanyID, year, metric),
		CompanyID:    ent.CompanyID,
		Company:      ent.Name,
		Year:         year,
		Metric:       metric,
		Label:        Label(metric),
		Disclosed:    false,
		NearestYears: nearest,
		Note:         note,
	}
}

// NearestYears returns up to limit available years closest to year,
// ascending. Ties prefer the earlier year.
func NearestYears(available []int, year, limit int) []int {
	if limit <= 0 {
		return nil
	}
	cands := make([]int, 0, len(available))
	for _, y := range available {
		if y != year {
			cands = append(cands, y)
		}
	}
	if len(cands) == 0 {
		return nil
	}
	sort.Slice(cands, func(i, j int) bool {
		di, dj := abs(cands[i]-year), abs(cands[j]-year)
		if di != dj {
			return di < dj
		}
		return cands[i] < cands[j]
	})
	if len(cands) > limit {
		cands = cands[:limit]
	}
	sort.Ints(cands)
	return cands
}

// SortRecords orders records by company, metric, then year.
func SortRecords(recs []domain.MetricRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.CompanyID != b.CompanyID {
			return a.CompanyID < b.CompanyID
		}
		if a.Metric != b.Metric {
			return a.Metric < b.Metric
		}
		return a.Year < b.Year
	})
}

func joinYears(years []int) string {
	s := ""
	for i, y := range years {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("FY%d", y)
	}
	return s
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

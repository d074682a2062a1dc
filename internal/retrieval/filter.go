package retrieval

import (
	"github.com/finrag/backend/internal/domain"
)

type FilterSettings struct {
	// ApplySectionHints narrows the filtered path to classifier section
	// hints. Off by default: hints are noisy and the global path already
	// covers the whole corpus.
	ApplySectionHints bool
}

// BuildFilter scopes the filtered path to the resolved companies and years.
// It reports false when no company was resolved, leaving retrieval to the
// global path alone.
func BuildFilter(q domain.Query, s FilterSettings) (domain.MetadataFilter, bool) {
	if !q.HasEntities() {
		return domain.MetadataFilter{}, false
	}

	f := domain.MetadataFilter{CompanyIDs: q.CompanyIDs()}
	if q.Years.Constrained() {
		f.Years = append([]int(nil), q.Years.Years...)
	}
	if s.ApplySectionHints && len(q.Classification.SectionHints) > 0 {
		f.Sections = append([]string(nil), q.Classification.SectionHints...)
	}
	return f, true
}

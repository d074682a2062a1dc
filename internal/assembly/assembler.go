package assembly

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/pkg/logger"
)

var itemPattern = regexp.MustCompile(`(?i)^item\s+(\d+)([a-z]?)\b`)

type Settings struct {
	// MaxContextTokens is a soft budget; exceeding it is reported, never
	// enforced by dropping evidence.
	MaxContextTokens int
}

type Context struct {
	Blocks     []domain.ContextBlock `json:"blocks"`
	Text       string                `json:"-"`
	Sentences  int                   `json:"sentences"`
	Tokens     int                   `json:"tokens"`
	OverBudget bool                  `json:"over_budget"`
}

func (c Context) Empty() bool {
	return c.Sentences == 0
}

// Assembler orders candidates into headered blocks. Output depends only on the
// set of candidates, never on their input order.
type Assembler struct {
	counter TokenCounter
	logger  *zap.Logger
}

func NewAssembler(counter TokenCounter, log *zap.Logger) *Assembler {
	if counter == nil {
		counter = EstimateCounter{}
	}
	return &Assembler{counter: counter, logger: logger.OrDefault(log).Named("assembly")}
}

func (a *Assembler) Assemble(cands []domain.CandidateSentence, s Settings) Context {
	sorted := append([]domain.CandidateSentence(nil), cands...)
	SortCandidates(sorted)

	var ctx Context
	for _, c := range sorted {
		n := len(ctx.Blocks)
		if n > 0 && ctx.Blocks[n-1].Key == c.Key {
			last := &ctx.Blocks[n-1]
			if prev := last.Sentences[len(last.Sentences)-1]; prev.ID == c.ID {
				continue
			}
			last.Sentences = append(last.Sentences, c)
			continue
		}
		company := displayCompany(c)
		ctx.Blocks = append(ctx.Blocks, domain.ContextBlock{
			Key:       c.Key,
			Company:   company,
			Header:    Header(company, c.Key),
			Sentences: []domain.CandidateSentence{c},
		})
	}

	for _, b := range ctx.Blocks {
		ctx.Sentences += len(b.Sentences)
	}
	ctx.Text = Render(ctx.Blocks)
	ctx.Tokens = a.counter.Count(ctx.Text)
	ctx.OverBudget = s.MaxContextTokens > 0 && ctx.Tokens > s.MaxContextTokens

	if ctx.OverBudget {
		a.logger.Warn("Assembled context exceeds token budget",
			zap.Int("tokens", ctx.Tokens),
			zap.Int("budget", s.MaxContextTokens),
		)
	}
	a.logger.Debug("Context assembled",
		zap.Int("blocks", len(ctx.Blocks)),
		zap.Int("sentences", ctx.Sentences),
		zap.Int("tokens", ctx.Tokens),
	)
	return ctx
}

// SortCandidates orders by company, fiscal year, section in filing order,
// then position.
func SortCandidates(c []domain.CandidateSentence) {
	sort.SliceStable(c, func(i, j int) bool {
		a, b := c[i], c[j]
		if ca, cb := strings.ToLower(displayCompany(a)), strings.ToLower(displayCompany(b)); ca != cb {
			return ca < cb
		}
		if a.Key.CompanyID != b.Key.CompanyID {
			return a.Key.CompanyID < b.Key.CompanyID
		}
		if a.Key.Year != b.Key.Year {
			return a.Key.Year < b.Key.Year
		}
		if a.Key.Section != b.Key.Section {
			return SectionLess(a.Key.Section, b.Key.Section)
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ID < b.ID
	})
}

// SectionLess orders 10-K items numerically ("Item 7" < "Item 7A" < "Item 10").
// Sections that are not items sort after them, alphabetically.
func SectionLess(a, b string) bool {
	ra, okA := sectionRank(a)
	rb, okB := sectionRank(b)
	switch {
	case okA && okB && ra != rb:
		return ra < rb
	case okA != okB:
		return okA
	default:
		return a < b
	}
}

func sectionRank(section string) (int, bool) {
	m := itemPattern.FindStringSubmatch(strings.TrimSpace(section))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	rank := n * 100
	if m[2] != "" {
		rank += int(strings.ToLower(m[2])[0]-'a') + 1
	}
	return rank, true
}

func Header(company string, key domain.SectionKey) string {
	return fmt.Sprintf("%s — FY%d — %s", company, key.Year, key.Section)
}

// Render writes each block as a header followed by citable sentence lines,
// with "..." marking gaps in position.
func Render(blocks []domain.ContextBlock) string {
	var b strings.Builder
	for i, block := range blocks {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("### ")
		b.WriteString(block.Header)
		b.WriteString("\n")
		for j, s := range block.Sentences {
			if j > 0 && s.Position > block.Sentences[j-1].Position+1 {
				b.WriteString("...\n")
			}
			b.WriteString(domain.NarrativeEvidence(s).Token())
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(s.Text))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func displayCompany(c domain.CandidateSentence) string {
	if c.Company != "" {
		return c.Company
	}
	return c.Key.CompanyID
}

package synthesis

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

var (
	fencePattern = regexp.MustCompile("(?m)^\\s*```[a-zA-Z]*\\s*$")
	// Inline math only when it carries LaTeX syntax, so "$5 and $6" survives.
	latexInline = regexp.MustCompile(`\$([^$\n]*[\\^{}][^$\n]*)\$`)
	latexCmd    = regexp.MustCompile(`\\(?:text|mathrm|mathbf)\{([^}]*)\}`)
	boldPattern = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	htmlTag     = regexp.MustCompile(`</?[a-zA-Z][a-zA-Z0-9]*(\s[^<>]*)?/?>`)
	blankRuns   = regexp.MustCompile(`\n{3,}`)
)

// Cleaner normalizes raw model output before citation validation.
type Cleaner struct {
	logger *zap.Logger
}

func NewCleaner(log *zap.Logger) *Cleaner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cleaner{logger: log}
}

func (c *Cleaner) Clean(text string) string {
	out := fencePattern.ReplaceAllString(text, "")
	out = latexInline.ReplaceAllStringFunc(out, func(m string) string {
		inner := latexInline.FindStringSubmatch(m)[1]
		inner = latexCmd.ReplaceAllString(inner, "$1")
		inner = strings.NewReplacer(`\`, "", "{", "", "}", "", "^", "").Replace(inner)
		return strings.TrimSpace(inner)
	})
	out = boldPattern.ReplaceAllString(out, "$1")

	if htmlTag.MatchString(out) {
		out = c.stripHTML(out)
	}

	out = blankRuns.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// stripHTML keeps the text content of any markup the model emitted. Line
// structure from <br> and block elements is preserved.
func (c *Cleaner) stripHTML(text string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		c.logger.Debug("HTML cleanup skipped", zap.Error(err))
		return htmlTag.ReplaceAllString(text, "")
	}

	doc.Find("script, style").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, h1, h2, h3, h4, tr").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	return doc.Find("body").Text()
}

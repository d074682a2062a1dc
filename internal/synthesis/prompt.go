package synthesis

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/internal/supply"
)

//go:embed templates/answer.tmpl
var templateFS embed.FS

var templateFuncs = template.FuncMap{
	"join": strings.Join,
	"joinYears": func(years []int) string {
		parts := make([]string, len(years))
		for i, y := range years {
			parts[i] = "FY" + strconv.Itoa(y)
		}
		return strings.Join(parts, ", ")
	},
}

// PromptData is everything the answer template may reference.
type PromptData struct {
	Query       string
	Category    string
	AnswerStyle string
	Companies   []string
	Years       []int
	Metrics     string
	Narrative   string
	Feedback    []string
}

// Prompts renders the system and user prompts. The template must define
// both "system" and "user".
type Prompts struct {
	tmpl *template.Template
}

// LoadPrompts parses the template at path, or the built-in one when path is
// empty.
func LoadPrompts(path string) (*Prompts, error) {
	var (
		content []byte
		err     error
	)
	if path == "" {
		content, err = templateFS.ReadFile("templates/answer.tmpl")
	} else {
		content, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt template: %w", err)
	}

	tmpl, err := template.New("answer").Funcs(templateFuncs).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}
	for _, name := range []string{"system", "user"} {
		if tmpl.Lookup(name) == nil {
			return nil, fmt.Errorf("prompt template missing %q block", name)
		}
	}
	return &Prompts{tmpl: tmpl}, nil
}

// MustDefaultPrompts returns the built-in prompts.
func MustDefaultPrompts() *Prompts {
	p, err := LoadPrompts("")
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Prompts) Render(data PromptData) (system, user string, err error) {
	var buf bytes.Buffer
	if err := p.tmpl.ExecuteTemplate(&buf, "system", data); err != nil {
		return "", "", fmt.Errorf("failed to render system prompt: %w", err)
	}
	system = strings.TrimSpace(buf.String())

	buf.Reset()
	if err := p.tmpl.ExecuteTemplate(&buf, "user", data); err != nil {
		return "", "", fmt.Errorf("failed to render user prompt: %w", err)
	}
	user = strings.TrimSpace(buf.String())
	return system, user, nil
}

// NewPromptData fills template data from the query and payload.
func NewPromptData(q domain.Query, p supply.Payload) PromptData {
	data := PromptData{
		Query:       q.Text,
		Category:    q.Classification.Category.String(),
		AnswerStyle: answerStyle(q.Classification.Category),
		Metrics:     p.RenderMetrics(),
		Narrative:   p.RenderNarrative(),
	}
	for _, e := range q.Entities {
		data.Companies = append(data.Companies, e.Name)
	}
	if q.Years.Constrained() {
		data.Years = q.Years.Years
	}
	return data
}

func answerStyle(c domain.Category) string {
	switch c {
	case domain.CategoryNumeric:
		return "Lead with the requested figure and its fiscal year."
	case domain.CategoryTrend:
		return "Describe the change year over year and state the direction of the trend."
	case domain.CategoryComparative:
		return "Compare the companies side by side on the same metrics and years."
	case domain.CategoryNarrative:
		return "Summarize the relevant disclosures in a few short paragraphs."
	default:
		return ""
	}
}

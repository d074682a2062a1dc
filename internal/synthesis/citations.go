package synthesis

import (
	"regexp"
	"strings"

	"github.com/jdkato/prose/v2"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/internal/supply"
)

// UnverifiedMarker replaces citation tokens that do not resolve.
const UnverifiedMarker = "[UNVERIFIED]"

var (
	citationPattern = regexp.MustCompile(`\[\s*([SM])\s*:\s*([^\]\s][^\]]*?)\s*\]`)
	spacedCitation  = regexp.MustCompile(`\s*` + citationPattern.String())
)

// Token is one citation occurrence in an answer.
type Token struct {
	Raw  string
	Kind domain.EvidenceKind
	ID   string
}

// ExtractTokens finds every citation token in text, in order.
func ExtractTokens(text string) []Token {
	matches := citationPattern.FindAllStringSubmatch(text, -1)
	out := make([]Token, 0, len(matches))
	for _, m := range matches {
		kind := domain.EvidenceNarrative
		if m[1] == "M" {
			kind = domain.EvidenceMetric
		}
		out = append(out, Token{Raw: m[0], Kind: kind, ID: m[2]})
	}
	return out
}

// Validation is the outcome of checking an answer against its payload.
type Validation struct {
	Citations []domain.Citation
	Invalid   []Token
}

// Valid reports whether every token resolved. Uncited answers are judged by
// the caller.
func (v Validation) Valid() bool {
	return len(v.Invalid) == 0
}

func (v Validation) InvalidIDs() []string {
	ids := make([]string, 0, len(v.Invalid))
	seen := map[string]bool{}
	for _, t := range v.Invalid {
		id := t.Kind.CitationPrefix() + ":" + t.ID
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// Validate checks each citation token against the payload. A token resolves
// only if an item of the same kind with that ID was supplied.
func Validate(answer string, p supply.Payload) Validation {
	var v Validation
	seen := map[string]bool{}
	for _, t := range ExtractTokens(answer) {
		if !p.Has(t.Kind, t.ID) {
			v.Invalid = append(v.Invalid, t)
			continue
		}
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		v.Citations = append(v.Citations, domain.Citation{ID: t.ID, Kind: t.Kind})
	}
	return v
}

// MarkUnverified replaces every invalid token with the unverified marker and
// returns the claims that carried one.
func MarkUnverified(answer string, invalid []Token) (string, []string) {
	if len(invalid) == 0 {
		return answer, nil
	}
	bad := make(map[string]bool, len(invalid))
	for _, t := range invalid {
		bad[t.Raw] = true
	}

	var claims []string
	for _, claim := range Claims(answer) {
		for raw := range bad {
			if strings.Contains(claim, raw) {
				claims = append(claims, stripTokens(claim))
				break
			}
		}
	}

	marked := citationPattern.ReplaceAllStringFunc(answer, func(tok string) string {
		if bad[tok] {
			return UnverifiedMarker
		}
		return tok
	})
	return marked, claims
}

// Claims splits an answer into sentences.
func Claims(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithTokenization(false),
	)
	if err != nil {
		return fallbackClaims(text)
	}
	var out []string
	for _, s := range doc.Sentences() {
		if t := strings.TrimSpace(s.Text); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return fallbackClaims(text)
	}
	return out
}

func fallbackClaims(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func stripTokens(s string) string {
	s = spacedCitation.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

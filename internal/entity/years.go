package entity

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/finrag/backend/internal/domain"
)

var (
	yearRangePattern   = regexp.MustCompile(`(?i)\b(?:fy\s?|fiscal\s+(?:year\s+)?)?((?:19|20)\d{2})\s*(?:-|–|—|to|through|thru|until)\s*(?:fy\s?|fiscal\s+(?:year\s+)?)?((?:19|20)\d{2})\b`)
	yearBetweenPattern = regexp.MustCompile(`(?i)\bbetween\s+(?:fy\s?)?((?:19|20)\d{2})\s+and\s+(?:fy\s?)?((?:19|20)\d{2})\b`)
	yearSinglePattern  = regexp.MustCompile(`(?i)\b(?:fy\s?|fiscal\s+(?:year\s+)?)?((?:19|20)\d{2})\b`)
	yearShortFYPattern = regexp.MustCompile(`(?i)\bfy\s?'?(\d{2})\b`)
	yearRelPattern     = regexp.MustCompile(`(?i)\b(?:last|past|previous|prior|recent)\s+(\d{1,2}|two|three|four|five|six|seven|eight|nine|ten)\s+(?:fiscal\s+)?years?\b`)
	yearAllPattern     = regexp.MustCompile(`(?i)\b(?:all\s+(?:available\s+)?years|every\s+year|historically|over\s+time|across\s+(?:all\s+)?years|all\s+time)\b`)
)

var numberWords = map[string]int{
	"two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

// YearSettings bounds year extraction.
type YearSettings struct {
	LatestFiscalYear int
	MaxYearSpan      int
}

// ExtractYears finds the fiscal year scope of a query. Explicit years and
// ranges win over relative phrases, which win over "all years" phrases.
// Multiple explicit years yield a YearsRange scope holding the explicit set.
func ExtractYears(text string, s YearSettings) domain.YearScope {
	set := map[int]bool{}
	work := text

	for _, p := range []*regexp.Regexp{yearRangePattern, yearBetweenPattern} {
		for _, m := range p.FindAllStringSubmatch(work, -1) {
			from, _ := strconv.Atoi(m[1])
			to, _ := strconv.Atoi(m[2])
			for _, y := range domain.YearRange(from, to).Years {
				set[y] = true
			}
		}
		work = p.ReplaceAllString(work, " ")
	}

	for _, m := range yearSinglePattern.FindAllStringSubmatch(work, -1) {
		y, _ := strconv.Atoi(m[1])
		set[y] = true
	}
	for _, m := range yearShortFYPattern.FindAllStringSubmatch(work, -1) {
		y, _ := strconv.Atoi(m[1])
		set[2000+y] = true
	}

	if len(set) > 0 {
		years := make([]int, 0, len(set))
		for y := range set {
			years = append(years, y)
		}
		sort.Ints(years)
		if s.MaxYearSpan > 0 && len(years) > s.MaxYearSpan {
			years = years[len(years)-s.MaxYearSpan:]
		}
		if len(years) == 1 {
			return domain.SingleYear(years[0])
		}
		return domain.YearScope{Kind: domain.YearsRange, Years: years}
	}

	if m := yearRelPattern.FindStringSubmatch(text); m != nil && s.LatestFiscalYear > 0 {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			n = numberWords[strings.ToLower(m[1])]
		}
		if s.MaxYearSpan > 0 && n > s.MaxYearSpan {
			n = s.MaxYearSpan
		}
		if n > 0 {
			return domain.YearRange(s.LatestFiscalYear-n+1, s.LatestFiscalYear)
		}
	}

	if yearAllPattern.MatchString(text) {
		return domain.YearScope{Kind: domain.YearsAll}
	}

	return domain.YearScope{Kind: domain.YearsUnspecified}
}

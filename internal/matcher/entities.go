package matcher

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/aristath/arbiter/internal/domain"
)

// entityRule is one (pattern, class) rule in the data-driven extraction
// table. Rules are compiled once at package init.
type entityRule struct {
	class   string
	pattern *regexp.Regexp
}

var (
	yearPattern      = regexp.MustCompile(`\b(20[2-3][0-9])\b`)
	monthDayPattern  = regexp.MustCompile(`\b(january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2}\b`)
	thresholdPattern = regexp.MustCompile(`\b(\d+(?:\.\d+)?)\s*(%|percent|bp|bps|basis points)\b`)
	dollarPattern    = regexp.MustCompile(`\$\s*(\d+(?:\.\d+)?)\s*(k|m|b)?\b`)
	numberPattern    = regexp.MustCompile(`\b(\d+(?:\.\d+)?)\b`)
)

// knownPersons and knownTeams are a fixed domain list used to extract
// person/team entities from question text. They are intentionally small —
// real deployments would extend this via configuration.
var knownPersons = []string{
	"trump", "biden", "harris", "desantis", "newsom", "powell", "musk",
}

var knownTeams = []string{
	"lakers", "celtics", "warriors", "chiefs", "eagles", "yankees",
	"dodgers", "real madrid", "barcelona", "manchester united",
}

// extractEntities pulls the fixed entity classes out of a question's
// normalized text.
func extractEntities(normalized string) domain.EntitySet {
	var set domain.EntitySet

	for _, m := range yearPattern.FindAllString(normalized, -1) {
		if y, err := strconv.Atoi(m); err == nil {
			set.Years = append(set.Years, y)
		}
	}

	set.Dates = append(set.Dates, monthDayPattern.FindAllString(normalized, -1)...)

	for _, m := range thresholdPattern.FindAllString(normalized, -1) {
		set.Thresholds = append(set.Thresholds, strings.TrimSpace(m))
	}
	for _, m := range dollarPattern.FindAllString(normalized, -1) {
		set.Thresholds = append(set.Thresholds, strings.TrimSpace(m))
	}

	for _, p := range knownPersons {
		if strings.Contains(normalized, p) {
			set.Persons = append(set.Persons, p)
		}
	}
	for _, team := range knownTeams {
		if strings.Contains(normalized, team) {
			set.Teams = append(set.Teams, team)
		}
	}

	nums := numberPattern.FindAllString(normalized, -1)
	if len(nums) > 10 {
		nums = nums[:10]
	}
	for _, n := range nums {
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			set.Numbers = append(set.Numbers, f)
		}
	}

	return set
}

// verify compares two EntitySets and produces a VerificationReport. A
// non-empty vs non-empty disagreement on a critical class (year, date,
// threshold, person, team) reduces confidence and sets NeedsReview-worthy
// warnings; numeric classes tolerate a 10% relative difference.
func verify(a, b domain.EntitySet) domain.VerificationReport {
	report := domain.VerificationReport{EntitiesA: a, EntitiesB: b, Confidence: 1.0}

	checkClass := func(class string, av, bv []string, penalty float64) {
		if len(av) == 0 || len(bv) == 0 {
			return
		}
		if !stringSetsOverlap(av, bv) {
			report.Warnings = append(report.Warnings, class+" mismatch: "+strings.Join(av, ",")+" vs "+strings.Join(bv, ","))
			report.Confidence -= penalty
		}
	}

	checkClass("date", a.Dates, b.Dates, 0.3)
	checkClass("person", a.Persons, b.Persons, 0.4)
	checkClass("team", a.Teams, b.Teams, 0.4)
	checkClass("threshold", a.Thresholds, b.Thresholds, 0.3)

	if len(a.Years) > 0 && len(b.Years) > 0 && !intSetsOverlap(a.Years, b.Years) {
		report.Warnings = append(report.Warnings, "year mismatch")
		report.Confidence -= 0.5
	}

	if len(a.Numbers) > 0 && len(b.Numbers) > 0 && !numberSetsWithinTolerance(a.Numbers, b.Numbers) {
		report.Warnings = append(report.Warnings, "numeric mismatch")
		report.Confidence -= 0.3
	}

	if report.Confidence < 0 {
		report.Confidence = 0
	}

	report.Verified = len(report.Warnings) < 2 && report.Confidence >= 0.7
	return report
}

func stringSetsOverlap(a, b []string) bool {
	set := toSet(a)
	for _, v := range b {
		if set[v] {
			return true
		}
	}
	return false
}

func intSetsOverlap(a, b []int) bool {
	set := make(map[int]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if set[v] {
			return true
		}
	}
	return false
}

// numbersWithinTolerance reports whether two numeric values are within 10%
// relative difference of each other, used when comparing numeric entity
// classes that legitimately differ in formatting (e.g. "50%" vs "50.0").
func numbersWithinTolerance(a, b float64) bool {
	if a == 0 && b == 0 {
		return true
	}
	denom := a
	if b > a {
		denom = b
	}
	if denom == 0 {
		return false
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff/denom <= 0.10
}

// numberSetsWithinTolerance reports whether every number in a has some
// counterpart in b within tolerance (and vice versa is not required —
// free numbers frequently include incidental figures from only one side).
func numberSetsWithinTolerance(a, b []float64) bool {
	for _, av := range a {
		found := false
		for _, bv := range b {
			if numbersWithinTolerance(av, bv) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

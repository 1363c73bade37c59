// Package watch implements pure matching of deals against watch
// criteria: a name pattern with an optional wildcard marker plus a
// price ceiling.
package watch

import (
	"strings"

	"github.com/leader001a/ro-market-crawler-sub001/internal/model"
	"github.com/leader001a/ro-market-crawler-sub001/internal/pkg/metrics"
)

// Wildcard is the arbitrary-substring marker inside a pattern.
const Wildcard = "*"

// Match pairs a criterion with the deals that satisfied it.
type Match struct {
	Criterion model.WatchCriterion
	Deals     []model.DealItem
}

// Evaluate returns, per criterion, the deals whose name matches the
// pattern and whose price is at or below the ceiling. Criteria with a
// blank pattern or no ceiling are inert. Matching is case-sensitive;
// the only normalization is trimming.
func Evaluate(deals []model.DealItem, criteria []model.WatchCriterion) []Match {
	var matches []Match
	for _, criterion := range criteria {
		matched := EvaluateOne(deals, criterion)
		if len(matched) == 0 {
			continue
		}
		matches = append(matches, Match{Criterion: criterion, Deals: matched})
	}
	return matches
}

// EvaluateOne filters deals against a single criterion.
func EvaluateOne(deals []model.DealItem, criterion model.WatchCriterion) []model.DealItem {
	pattern := strings.TrimSpace(criterion.Pattern)
	if pattern == "" || criterion.MaxPrice == nil {
		return nil
	}

	var matched []model.DealItem
	for _, deal := range deals {
		if deal.Price > *criterion.MaxPrice {
			continue
		}
		if !MatchName(pattern, deal.ItemName) {
			continue
		}
		matched = append(matched, deal)
	}
	if len(matched) > 0 {
		metrics.WatchMatchesTotal.Add(float64(len(matched)))
	}
	return matched
}

// MatchName reports whether text satisfies pattern. Without a wildcard
// the comparison is exact equality on the trimmed text. With wildcards,
// every literal segment must appear in the text, in order.
func MatchName(pattern, text string) bool {
	pattern = strings.TrimSpace(pattern)
	text = strings.TrimSpace(text)
	if pattern == "" {
		return false
	}

	if !strings.Contains(pattern, Wildcard) {
		return pattern == text
	}

	rest := text
	for _, segment := range strings.Split(pattern, Wildcard) {
		if segment == "" {
			continue
		}
		idx := strings.Index(rest, segment)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(segment):]
	}
	return true
}

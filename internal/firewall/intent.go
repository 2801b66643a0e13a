package firewall

import (
	"regexp"
	"strings"

	"agentswitchboard/internal/domain"
)

var wordBoundary = regexp.MustCompile(`[^a-z0-9]+`)

// classifyIntent tokenises the serialised body once (lowercase) and
// scores each fixed category by Σ matched_keyword × weight. The category with the maximum score wins; confidence
// is min(0.95, max_score/5). Empty input yields unknown, confidence 0.
func classifyIntent(body string) (domain.IntentCategory, float64, float64) {
	lower := strings.ToLower(strings.TrimSpace(body))
	if lower == "" {
		return domain.IntentUnknown, 0, 0
	}

	tokens := make(map[string]int)
	for _, tok := range wordBoundary.Split(lower, -1) {
		if tok != "" {
			tokens[tok]++
		}
	}

	var best domain.IntentCategory = domain.IntentUnknown
	bestScore := 0.0

	for cat, keywords := range domain.IntentKeywords {
		weight := domain.IntentWeight[cat]
		score := 0.0
		for _, kw := range keywords {
			if n, ok := tokens[kw]; ok {
				score += float64(n) * weight
			}
		}
		if score > bestScore {
			bestScore = score
			best = cat
		}
	}

	if bestScore == 0 {
		return domain.IntentUnknown, 0, 0
	}

	confidence := bestScore / 5
	if confidence > 0.95 {
		confidence = 0.95
	}
	return best, bestScore, confidence
}

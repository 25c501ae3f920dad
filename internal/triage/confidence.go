package triage

import (
	"strings"

	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
)

const (
	baseConfidence     = 0.5
	maxRelevanceBoost  = 0.3
	relevanceScale     = 20.0
	uncertaintyPenalty = 0.2
)

// uncertaintyPhrases in a response lower its confidence.
var uncertaintyPhrases = []string{
	"i don't know",
	"i'm not sure",
	"i cannot find",
	"i don't have enough information",
	"let me connect you",
	"human agent",
}

// ScoreConfidence estimates how well the response is grounded: a base of
// 0.5, plus up to 0.3 from the mean snippet relevance, minus 0.2 when the
// response hedges. The result is clamped to [0, 1].
func ScoreConfidence(snippets []models.KnowledgeSnippet, response string) float64 {
	score := baseConfidence

	if len(snippets) > 0 {
		var sum float64
		for _, s := range snippets {
			sum += s.RelevanceScore
		}
		boost := (sum / float64(len(snippets))) / relevanceScale
		if boost > maxRelevanceBoost {
			boost = maxRelevanceBoost
		}
		score += boost
	}

	if containsAny(strings.ToLower(response), uncertaintyPhrases) {
		score -= uncertaintyPenalty
	}

	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}

// containsAny reports whether lower contains any of the phrases. Both sides
// are expected in lower case.
func containsAny(lower string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

package triage

import "strings"

// Handoff reasons. These strings are stored on the conversation and shown
// to human agents.
const (
	ReasonLowConfidence   = "Low confidence response"
	ReasonHumanRequested  = "Customer requested human agent"
	ReasonSensitiveTopic  = "Sensitive topic detected"
	ReasonAIIndicated     = "AI indicated handoff needed"
	ReasonAgentDisabled   = "AI Agent is disabled"
	ReasonGenerationError = "AI generation failed"
	ReasonEmptyResponse   = "AI returned an empty response"
	ReasonDeliveryFailed  = "AI response could not be delivered"
)

var humanRequestPhrases = []string{
	"talk to human",
	"speak to agent",
	"real person",
	"human agent",
	"talk to someone",
	"speak to someone",
	"customer service",
	"representative",
}

var sensitivePhrases = []string{
	"billing",
	"refund",
	"cancel subscription",
	"delete account",
	"complaint",
	"legal",
	"lawsuit",
}

var handoffIndicatorPhrases = []string{
	"let me connect you",
	"human agent",
}

// Decision is the outcome of DecideHandoff.
type Decision struct {
	Handoff bool
	Reason  string
}

// DecideHandoff applies the handoff rules in priority order; the first rule
// that matches determines the reason.
func DecideHandoff(response string, confidence, threshold float64, query string) Decision {
	if confidence < threshold {
		return Decision{Handoff: true, Reason: ReasonLowConfidence}
	}

	q := strings.ToLower(query)
	if containsAny(q, humanRequestPhrases) {
		return Decision{Handoff: true, Reason: ReasonHumanRequested}
	}
	if containsAny(q, sensitivePhrases) {
		return Decision{Handoff: true, Reason: ReasonSensitiveTopic}
	}

	if containsAny(strings.ToLower(response), handoffIndicatorPhrases) {
		return Decision{Handoff: true, Reason: ReasonAIIndicated}
	}

	return Decision{}
}

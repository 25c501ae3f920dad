// Package triage implements the AI conversation triage pipeline: model
// configuration validation, knowledge-grounded prompt construction,
// generation with a single empty-output retry, confidence scoring and the
// handoff decision.
package triage

import (
	"fmt"
	"strings"

	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
)

// SupportedProviders is the provider allow-list. Anything else is rejected
// before a generation is attempted.
var SupportedProviders = map[string]bool{
	"openai": true,
}

// ModelRef is a parsed "<provider>/<model>" identifier.
type ModelRef struct {
	Provider string
	Model    string
}

func (r ModelRef) String() string { return r.Provider + "/" + r.Model }

// ParseModelID splits a raw model id into provider and model. It succeeds
// only for exactly one "/" separating two non-empty trimmed segments.
func ParseModelID(raw string) (ModelRef, bool) {
	parts := strings.Split(strings.TrimSpace(raw), "/")
	if len(parts) != 2 {
		return ModelRef{}, false
	}
	ref := ModelRef{Provider: strings.TrimSpace(parts[0]), Model: strings.TrimSpace(parts[1])}
	if ref.Provider == "" || ref.Model == "" {
		return ModelRef{}, false
	}
	return ref, true
}

// ValidateModelConfig checks the configured model id and credential
// presence. It returns nil when generation may proceed. The returned
// diagnostic carries no tenant or timestamp; the recorder fills those.
func ValidateModelConfig(rawModelID string, hasCredential bool) *models.Diagnostic {
	if strings.TrimSpace(rawModelID) == "" {
		return &models.Diagnostic{
			Code:    models.DiagMissingModel,
			Message: "AI model is not configured",
		}
	}

	ref, ok := ParseModelID(rawModelID)
	if !ok {
		return &models.Diagnostic{
			Code:    models.DiagInvalidModelFormat,
			Message: fmt.Sprintf("AI model %q must use the format <provider>/<model>", strings.TrimSpace(rawModelID)),
		}
	}

	if !SupportedProviders[ref.Provider] {
		return &models.Diagnostic{
			Code:     models.DiagUnsupportedProvider,
			Message:  fmt.Sprintf("AI provider %q is not supported", ref.Provider),
			Provider: ref.Provider,
		}
	}

	if !hasCredential {
		return &models.Diagnostic{
			Code:     models.DiagMissingProviderCredentials,
			Message:  fmt.Sprintf("Credentials for AI provider %q are not configured", ref.Provider),
			Provider: ref.Provider,
			Model:    ref.Model,
		}
	}

	return nil
}

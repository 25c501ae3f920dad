package triage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/relaydesk/relaydesk/control-plane/pkg/contracts"
	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	BaseTemperature   = 0.7
	RetryTemperature  = 0.2
	DefaultRetryLimit = 1

	// MaxTelemetryChars bounds the serialized attempt telemetry stored in a
	// diagnostic.
	MaxTelemetryChars = 1800

	maxAttemptWarnings = 3
)

const retryInstruction = "\n\nIMPORTANT: Your previous attempt returned an empty response. " +
	"Answer the visitor's question in at least one full sentence."

// OutcomeState is the terminal state of a generation cycle.
type OutcomeState string

const (
	OutcomeSuccess     OutcomeState = "success"
	OutcomeExhausted   OutcomeState = "exhausted"
	OutcomeHardFailure OutcomeState = "hard_failure"
)

// AttemptTelemetry describes one call to the text generator.
type AttemptTelemetry struct {
	Attempt       int               `json:"attempt"`
	Retry         bool              `json:"retry"`
	OutputLength  int               `json:"output_length"`
	FinishReason  string            `json:"finish_reason,omitempty"`
	Usage         models.TokenUsage `json:"usage"`
	Warnings      []string          `json:"warnings,omitempty"`
	ResponseID    string            `json:"response_id,omitempty"`
	ResponseModel string            `json:"response_model,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// Outcome is the result of Orchestrator.Generate.
type Outcome struct {
	State    OutcomeState
	Text     string // trimmed; set only on success
	Err      error  // set only on hard failure
	Attempts []AttemptTelemetry
	Usage    models.TokenUsage // summed over attempts
	Duration time.Duration
}

// TelemetryJSON serializes the attempt telemetry, truncated to
// MaxTelemetryChars.
func (o *Outcome) TelemetryJSON() string {
	data, err := json.Marshal(o.Attempts)
	if err != nil {
		return ""
	}
	s := string(data)
	if len(s) > MaxTelemetryChars {
		s = s[:MaxTelemetryChars]
	}
	return s
}

// GenerationInput is what the pipeline hands the orchestrator.
type GenerationInput struct {
	Model           ModelRef
	SystemPrompt    string
	History         []models.ChatMessage
	Query           string
	MaxOutputTokens int
}

// Orchestrator runs the generation cycle: one attempt, and on empty output
// up to RetryLimit retries with a lower temperature and an explicit
// instruction. Provider errors are never retried.
type Orchestrator struct {
	generator  contracts.TextGenerator
	retryLimit int
	now        func() time.Time
}

// NewOrchestrator returns an orchestrator. retryLimit < 0 uses the default.
func NewOrchestrator(gen contracts.TextGenerator, retryLimit int) *Orchestrator {
	if retryLimit < 0 {
		retryLimit = DefaultRetryLimit
	}
	return &Orchestrator{generator: gen, retryLimit: retryLimit, now: time.Now}
}

func (o *Orchestrator) Generate(ctx context.Context, in GenerationInput) *Outcome {
	start := o.now()
	out := &Outcome{State: OutcomeExhausted}

	messages := make([]models.ChatMessage, 0, len(in.History)+1)
	messages = append(messages, in.History...)
	messages = append(messages, models.ChatMessage{Role: "user", Content: in.Query})

	for i := 0; i <= o.retryLimit; i++ {
		retry := i > 0
		req := contracts.GenerationRequest{
			Provider:        in.Model.Provider,
			Model:           in.Model.Model,
			SystemPrompt:    in.SystemPrompt,
			Messages:        messages,
			MaxOutputTokens: in.MaxOutputTokens,
			Temperature:     BaseTemperature,
		}
		if retry {
			req.SystemPrompt += retryInstruction
			req.Temperature = RetryTemperature
		}

		at := AttemptTelemetry{Attempt: i + 1, Retry: retry}
		resp, err := o.generator.Generate(ctx, req)
		if err != nil {
			at.Error = err.Error()
			out.Attempts = append(out.Attempts, at)
			out.State = OutcomeHardFailure
			out.Err = err
			break
		}

		text := strings.TrimSpace(resp.Text)
		at.OutputLength = len(text)
		at.FinishReason = resp.FinishReason
		at.Usage = resp.Usage
		at.ResponseID = resp.ResponseID
		at.ResponseModel = resp.ResponseModel
		if len(resp.Warnings) > 0 {
			n := len(resp.Warnings)
			if n > maxAttemptWarnings {
				n = maxAttemptWarnings
			}
			at.Warnings = append([]string(nil), resp.Warnings[:n]...)
		}
		out.Attempts = append(out.Attempts, at)
		out.Usage = out.Usage.Add(resp.Usage)

		if text != "" {
			out.State = OutcomeSuccess
			out.Text = text
			break
		}

		log.Warn().
			Int("attempt", at.Attempt).
			Str("model", in.Model.String()).
			Str("finish_reason", resp.FinishReason).
			Msg("Generation returned empty output")
	}

	out.Duration = o.now().Sub(start)
	return out
}

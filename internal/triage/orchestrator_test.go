package triage

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/relaydesk/relaydesk/control-plane/pkg/contracts"
	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testModel = ModelRef{Provider: "openai", Model: "gpt-4o-mini"}

func input() GenerationInput {
	return GenerationInput{
		Model:        testModel,
		SystemPrompt: "SYSTEM",
		History:      []models.ChatMessage{{Role: "assistant", Content: "Hi there!"}},
		Query:        "Where is my order?",
	}
}

func TestOrchestrator_FirstAttemptSucceeds(t *testing.T) {
	gen := &scriptedGenerator{replies: []generatorReply{text("  It ships tomorrow.  ")}}
	out := NewOrchestrator(gen, DefaultRetryLimit).Generate(context.Background(), input())

	assert.Equal(t, OutcomeSuccess, out.State)
	assert.Equal(t, "It ships tomorrow.", out.Text)
	require.Len(t, gen.calls, 1)

	call := gen.calls[0]
	assert.Equal(t, BaseTemperature, call.Temperature)
	assert.Equal(t, "SYSTEM", call.SystemPrompt)
	assert.Equal(t, "gpt-4o-mini", call.Model)
	require.Len(t, call.Messages, 2)
	assert.Equal(t, models.ChatMessage{Role: "user", Content: "Where is my order?"}, call.Messages[1])
}

func TestOrchestrator_EmptyThenSuccess(t *testing.T) {
	gen := &scriptedGenerator{replies: []generatorReply{text("   "), text("Your order ships tomorrow.")}}
	out := NewOrchestrator(gen, DefaultRetryLimit).Generate(context.Background(), input())

	assert.Equal(t, OutcomeSuccess, out.State)
	require.Len(t, gen.calls, 2)
	assert.Equal(t, RetryTemperature, gen.calls[1].Temperature)
	assert.True(t, strings.HasPrefix(gen.calls[1].SystemPrompt, "SYSTEM"))
	assert.Contains(t, gen.calls[1].SystemPrompt, "at least one full sentence")

	require.Len(t, out.Attempts, 2)
	assert.False(t, out.Attempts[0].Retry)
	assert.True(t, out.Attempts[1].Retry)
	assert.Equal(t, 0, out.Attempts[0].OutputLength)
	assert.Equal(t, int64(200), out.Usage.InputTokens, "usage is summed across attempts")
}

func TestOrchestrator_EmptyTwiceIsExhausted(t *testing.T) {
	gen := &scriptedGenerator{replies: []generatorReply{text(""), text("\n")}}
	out := NewOrchestrator(gen, DefaultRetryLimit).Generate(context.Background(), input())

	assert.Equal(t, OutcomeExhausted, out.State)
	assert.Empty(t, out.Text)
	assert.Len(t, gen.calls, 2)
}

func TestOrchestrator_ProviderErrorIsNotRetried(t *testing.T) {
	gen := &scriptedGenerator{replies: []generatorReply{failure("rate limited"), text("never used")}}
	out := NewOrchestrator(gen, DefaultRetryLimit).Generate(context.Background(), input())

	assert.Equal(t, OutcomeHardFailure, out.State)
	assert.EqualError(t, out.Err, "rate limited")
	assert.Len(t, gen.calls, 1)
	assert.Equal(t, "rate limited", out.Attempts[0].Error)
}

func TestOrchestrator_RetryErrorIsHardFailure(t *testing.T) {
	gen := &scriptedGenerator{replies: []generatorReply{text(""), failure("timeout")}}
	out := NewOrchestrator(gen, DefaultRetryLimit).Generate(context.Background(), input())

	assert.Equal(t, OutcomeHardFailure, out.State)
	assert.Len(t, out.Attempts, 2)
}

func TestOrchestrator_ZeroRetryLimit(t *testing.T) {
	gen := &scriptedGenerator{replies: []generatorReply{text(""), text("unused")}}
	out := NewOrchestrator(gen, 0).Generate(context.Background(), input())

	assert.Equal(t, OutcomeExhausted, out.State)
	assert.Len(t, gen.calls, 1)
}

func TestOrchestrator_WarningsCappedAtThree(t *testing.T) {
	gen := &scriptedGenerator{replies: []generatorReply{{resp: &contracts.GenerationResponse{
		Text:     "ok",
		Warnings: []string{"w1", "w2", "w3", "w4", "w5"},
	}}}}
	out := NewOrchestrator(gen, DefaultRetryLimit).Generate(context.Background(), input())
	assert.Equal(t, []string{"w1", "w2", "w3"}, out.Attempts[0].Warnings)
}

func TestOutcome_TelemetryJSONIsTruncated(t *testing.T) {
	out := &Outcome{}
	for i := 0; i < 40; i++ {
		out.Attempts = append(out.Attempts, AttemptTelemetry{
			Attempt:       i + 1,
			ResponseModel: strings.Repeat("m", 50),
			Warnings:      []string{"content filtered"},
		})
	}
	s := out.TelemetryJSON()
	assert.Len(t, s, MaxTelemetryChars)

	small := &Outcome{Attempts: []AttemptTelemetry{{Attempt: 1, FinishReason: "stop"}}}
	var decoded []AttemptTelemetry
	require.NoError(t, json.Unmarshal([]byte(small.TelemetryJSON()), &decoded))
	assert.Equal(t, "stop", decoded[0].FinishReason)
}

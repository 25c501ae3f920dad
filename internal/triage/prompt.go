package triage

import (
	"fmt"
	"strings"

	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
)

const (
	// MaxKnowledgeSnippets is the number of ranked snippets placed in the prompt.
	MaxKnowledgeSnippets = 5
	// MaxSnippetChars caps each snippet's content in the prompt.
	MaxSnippetChars = 2000

	snippetDivider   = "\n\n---\n\n"
	noKnowledgeFound = "No relevant knowledge base articles found."
)

const basePrompt = `You are a customer support assistant answering visitors on behalf of the company.`

// guidelines are appended to every system prompt regardless of tenant
// configuration.
var guidelines = []string{
	"Answer using the knowledge base context below and cite the source titles you relied on.",
	"Never invent facts, prices, policies or links that are not in the context.",
	"Always reply with at least one complete sentence. Never return an empty response.",
	"If the context does not answer the question or you are unsure, say so and offer to connect the visitor with a human agent.",
}

// FormatKnowledgeContext renders up to MaxKnowledgeSnippets snippets as
// "[Source i: title]" blocks separated by a divider.
func FormatKnowledgeContext(snippets []models.KnowledgeSnippet) string {
	if len(snippets) == 0 {
		return noKnowledgeFound
	}
	if len(snippets) > MaxKnowledgeSnippets {
		snippets = snippets[:MaxKnowledgeSnippets]
	}

	blocks := make([]string, 0, len(snippets))
	for i, s := range snippets {
		blocks = append(blocks, fmt.Sprintf("[Source %d: %s]\n%s", i+1, s.Title, truncateContent(s.Content, MaxSnippetChars)))
	}
	return strings.Join(blocks, snippetDivider)
}

// BuildSystemPrompt combines the base instructions, the tenant personality
// (optional), the behavioral guidelines and the knowledge context.
func BuildSystemPrompt(personality, knowledgeContext string) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)

	if p := strings.TrimSpace(personality); p != "" {
		sb.WriteString("\n\n## Personality\n")
		sb.WriteString(p)
	}

	sb.WriteString("\n\n## Guidelines\n")
	for _, g := range guidelines {
		sb.WriteString("- ")
		sb.WriteString(g)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Knowledge Base Context\n")
	sb.WriteString(knowledgeContext)
	return sb.String()
}

// SourcesFromSnippets returns the citations for the snippets used in the prompt.
func SourcesFromSnippets(snippets []models.KnowledgeSnippet) []models.SourceRef {
	if len(snippets) > MaxKnowledgeSnippets {
		snippets = snippets[:MaxKnowledgeSnippets]
	}
	refs := make([]models.SourceRef, 0, len(snippets))
	for _, s := range snippets {
		refs = append(refs, models.SourceRef{Type: s.Type, ID: s.ID, Title: s.Title})
	}
	return refs
}

// truncateContent cuts s to max runes and marks the cut with "...".
func truncateContent(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

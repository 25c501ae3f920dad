// Package knowledge is an in-process lexical index of tenant help content
// (FAQ entries, articles, product pages). It serves the triage pipeline's
// knowledge retrieval when no external retrieval service is configured.
package knowledge

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
)

// MaxScore is the top of the relevance scale.
const MaxScore = 20.0

// MaxResults caps a single Retrieve call.
const MaxResults = 20

// Source types.
const (
	TypeFAQ     = "faq"
	TypeArticle = "article"
	TypeProduct = "product"
)

// Document is one indexed piece of tenant knowledge.
type Document struct {
	ID        string    `yaml:"id" json:"id"`
	TenantID  string    `yaml:"tenant_id" json:"tenant_id"`
	Type      string    `yaml:"type" json:"type"`
	Title     string    `yaml:"title" json:"title"`
	Content   string    `yaml:"content" json:"content"`
	Tags      []string  `yaml:"tags,omitempty" json:"tags,omitempty"`
	UpdatedAt time.Time `yaml:"-" json:"updated_at"`

	titleTerms   map[string]struct{}
	contentTerms map[string]struct{}
}

// Index holds documents per tenant.
type Index struct {
	mu   sync.RWMutex
	docs map[string]map[string]*Document // tenant → id → doc
}

func NewIndex() *Index {
	return &Index{docs: make(map[string]map[string]*Document)}
}

// Upsert adds or replaces a document.
func (ix *Index) Upsert(doc Document) error {
	if doc.TenantID == "" || doc.ID == "" {
		return fmt.Errorf("knowledge document requires tenant and id")
	}
	if doc.Type == "" {
		doc.Type = TypeArticle
	}
	doc.UpdatedAt = time.Now().UTC()
	doc.titleTerms = termSet(doc.Title)
	doc.contentTerms = termSet(doc.Content + " " + strings.Join(doc.Tags, " "))

	ix.mu.Lock()
	defer ix.mu.Unlock()
	tenant, ok := ix.docs[doc.TenantID]
	if !ok {
		tenant = make(map[string]*Document)
		ix.docs[doc.TenantID] = tenant
	}
	tenant[doc.ID] = &doc
	return nil
}

// Delete removes a document. Deleting an unknown id is not an error.
func (ix *Index) Delete(tenantID, id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.docs[tenantID], id)
}

// Len returns the number of documents indexed for a tenant.
func (ix *Index) Len(tenantID string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs[tenantID])
}

// Retrieve implements contracts.KnowledgeRetriever. A document scores on
// the share of query terms it contains, with title hits weighted higher.
// Documents that match no term are not returned.
func (ix *Index) Retrieve(_ context.Context, tenantID, query string, allowedTypes []string, limit int) ([]models.KnowledgeSnippet, error) {
	if limit <= 0 || limit > MaxResults {
		limit = MaxResults
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[strings.ToLower(t)] = true
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []models.KnowledgeSnippet
	for _, doc := range ix.docs[tenantID] {
		if len(allowed) > 0 && !allowed[doc.Type] {
			continue
		}
		score := scoreDocument(doc, terms)
		if score == 0 {
			continue
		}
		out = append(out, models.KnowledgeSnippet{
			Type:           doc.Type,
			ID:             doc.ID,
			Title:          doc.Title,
			Content:        doc.Content,
			RelevanceScore: score,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RelevanceScore != out[j].RelevanceScore {
			return out[i].RelevanceScore > out[j].RelevanceScore
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func scoreDocument(doc *Document, terms []string) float64 {
	var inTitle, inAny int
	for _, t := range terms {
		_, title := doc.titleTerms[t]
		_, content := doc.contentTerms[t]
		if title {
			inTitle++
		}
		if title || content {
			inAny++
		}
	}
	if inAny == 0 {
		return 0
	}
	n := float64(len(terms))
	coverage := float64(inAny) / n
	titleShare := float64(inTitle) / n
	return MaxScore * (0.7*coverage + 0.3*titleShare)
}

// ── Tokenizing ──────────────────────────────────────────────

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "can": {}, "do": {}, "does": {},
	"for": {}, "how": {}, "i": {}, "in": {}, "is": {}, "it": {}, "me": {},
	"my": {}, "of": {}, "on": {}, "or": {}, "the": {}, "to": {}, "what": {},
	"when": {}, "where": {}, "why": {}, "with": {}, "you": {}, "your": {},
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func termSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range tokenize(s) {
		set[tok] = struct{}{}
	}
	return set
}

// queryTerms returns the distinct non-stop-word tokens of q in order.
func queryTerms(q string) []string {
	seen := make(map[string]struct{})
	var terms []string
	for _, tok := range tokenize(q) {
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		terms = append(terms, tok)
	}
	return terms
}

// ── Seed file ───────────────────────────────────────────────

type seedFile struct {
	Documents []Document `yaml:"documents"`
}

// LoadFile upserts every document listed in a YAML seed file:
//
//	documents:
//	  - id: shipping
//	    tenant_id: acme
//	    type: faq
//	    title: Shipping times
//	    content: Orders ship within two business days.
func (ix *Index) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read knowledge seed: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parse knowledge seed %s: %w", path, err)
	}
	for i, doc := range seed.Documents {
		if err := ix.Upsert(doc); err != nil {
			return i, fmt.Errorf("knowledge seed %s entry %d: %w", path, i, err)
		}
	}
	log.Info().Str("path", path).Int("documents", len(seed.Documents)).Msg("📚 Knowledge seed loaded")
	return len(seed.Documents), nil
}

// Package inbox ranks and pages a tenant's conversations for human agents.
//
// Ranking is by activity time (last message, else creation) descending with
// ties broken by id descending, so the order is total and stable. Cursors
// are conversation ids.
package inbox

import (
	"sort"

	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
)

const (
	MaxPageSize     = 100
	DefaultPageSize = 20
)

type Page struct {
	Conversations []models.Conversation `json:"conversations"`
	NextCursor    string                `json:"next_cursor,omitempty"`
}

// ClampLimit bounds limit to [1, MaxPageSize].
func ClampLimit(limit int) int {
	switch {
	case limit < 1:
		return 1
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}

// Sort orders conversations in place by inbox rank.
func Sort(convs []models.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		ai, aj := convs[i].ActivityAt(), convs[j].ActivityAt()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return convs[i].ID > convs[j].ID
	})
}

// Paginate returns the page after cursor. An empty or unknown cursor starts
// at the first item. The input slice is not modified.
func Paginate(convs []models.Conversation, limit int, cursor string) Page {
	sorted := make([]models.Conversation, len(convs))
	copy(sorted, convs)
	Sort(sorted)

	start := 0
	if cursor != "" {
		for i := range sorted {
			if sorted[i].ID == cursor {
				start = i + 1
				break
			}
		}
	}

	end := start + ClampLimit(limit)
	if end > len(sorted) {
		end = len(sorted)
	}

	page := Page{Conversations: sorted[start:end]}
	if end < len(sorted) && end > start {
		page.NextCursor = sorted[end-1].ID
	}
	return page
}

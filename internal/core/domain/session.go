package domain

import (
	"context"
	"time"
)

type DialogState string

const (
	StateWaitingForSearchType DialogState = "waiting_for_search_type"
	StateWaitingForCode       DialogState = "waiting_for_code"
	StateWaitingForName       DialogState = "waiting_for_name"
	StateInDialog             DialogState = "in_dialog"
	StateClarifyingSearch     DialogState = "clarifying_search"
	StateConfirmingSearchType DialogState = "confirming_search_type"
	StateProcessing           DialogState = "processing"
)

// MaxResultCursors is how many pagination cursors a chat retains; older
// cursors are evicted LRU.
const MaxResultCursors = 3

// ResultCursor is a short-lived pagination snapshot bound to one search.
type ResultCursor struct {
	ID        string
	Entries   []ScoredEntry
	Query     string
	CreatedAt time.Time
}

// SearchContext is the per-chat conversation state. It is owned and
// mutated only by the dialog state machine; the registry serializes
// access per chat.
type SearchContext struct {
	ChatID string
	User   UserRef

	State                 DialogState
	CurrentEntry          *CatalogEntry
	LastViewedCode        string
	PendingClassification *Classification
	PendingQuery          string

	// ShowProfiles is the one-shot modal flag: the user asked for bundle
	// profiles rather than individual tests. Cleared after the next
	// result presentation.
	ShowProfiles bool

	cursors []ResultCursor

	IsProcessing bool
	Cancel       context.CancelFunc

	LastActivity time.Time
}

// UserRef is the closed record of user context the core consumes.
type UserRef struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
}

func NewSearchContext(chatID string, user UserRef) *SearchContext {
	return &SearchContext{
		ChatID:       chatID,
		User:         user,
		State:        StateWaitingForSearchType,
		LastActivity: time.Now(),
	}
}

// PutCursor stores a pagination cursor, evicting the least recent one
// beyond MaxResultCursors.
func (c *SearchContext) PutCursor(cursor ResultCursor) {
	for i := range c.cursors {
		if c.cursors[i].ID == cursor.ID {
			c.cursors[i] = cursor
			return
		}
	}
	c.cursors = append(c.cursors, cursor)
	if len(c.cursors) > MaxResultCursors {
		c.cursors = c.cursors[len(c.cursors)-MaxResultCursors:]
	}
}

func (c *SearchContext) Cursor(id string) (ResultCursor, bool) {
	for i := len(c.cursors) - 1; i >= 0; i-- {
		if c.cursors[i].ID == id {
			return c.cursors[i], true
		}
	}
	return ResultCursor{}, false
}

func (c *SearchContext) CursorCount() int { return len(c.cursors) }

// Reset clears everything but the chat identity; used on end-dialog.
func (c *SearchContext) Reset() {
	c.State = StateWaitingForSearchType
	c.CurrentEntry = nil
	c.LastViewedCode = ""
	c.PendingClassification = nil
	c.PendingQuery = ""
	c.ShowProfiles = false
	c.cursors = nil
}

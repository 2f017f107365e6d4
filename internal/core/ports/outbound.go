package ports

import (
	"context"

	"github.com/vetlab/catalog-search/internal/core/domain"
)

// VectorStore is the retrieval facade the core consumes. The embedding
// model and index implementation stay external; scores are in [0,1] and
// documents carry the full CatalogEntry payload.
type VectorStore interface {
	// Filter is an exact metadata lookup, e.g. {code: "AN5"}.
	Filter(ctx context.Context, field, value string) ([]domain.ScoredEntry, error)
	// Similar is dense top-K retrieval over the query text.
	Similar(ctx context.Context, text string, k int) ([]domain.ScoredEntry, error)
}

// VectorIndexer upserts catalog entries into the store (cmd/indexer only).
type VectorIndexer interface {
	IndexEntries(ctx context.Context, entries []domain.CatalogEntry, vectors [][]float32) error
}

// Embedder builds vectors for catalog entry text at index time.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatModel is the single LLM capability the core uses: a system+user
// message pair in, a completion string out.
type ChatModel interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// CatalogSource reads the prepared catalog snapshot.
type CatalogSource interface {
	LoadEntries(ctx context.Context) ([]domain.CatalogEntry, error)
}

// DictionarySource reads the three-sheet dictionary workbook:
// veterinary abbreviations, disease glossary, PCR shortcuts.
type DictionarySource interface {
	LoadTerms(ctx context.Context) ([]domain.DictionaryTerm, error)
}

// PhotoStore resolves container photos by normalized container type.
type PhotoStore interface {
	GetContainerPhoto(ctx context.Context, normalizedType string) (ContainerPhoto, bool, error)
}

type ContainerPhoto struct {
	FileID      string
	Description string
}

// SearchEvent is the append-only record published after every search.
type SearchEvent struct {
	EventID      string `json:"event_id"`
	UserID       string `json:"user_id"`
	Query        string `json:"query"`
	MatchedCode  string `json:"matched_code,omitempty"`
	PreviousCode string `json:"previous_code,omitempty"`
	Success      bool   `json:"success"`
	UnixTime     int64  `json:"unix_time"`
}

// EventQueue decouples the search path from history persistence.
type EventQueue interface {
	PublishSearchRecorded(ctx context.Context, event SearchEvent) error
	SubscribeSearchRecorded(ctx context.Context, handler func(context.Context, SearchEvent) error) error
}

// HistoryStore persists personalization data: append-only writes and
// small reads.
type HistoryStore interface {
	AddSearchHistory(ctx context.Context, event SearchEvent) error
	UpdateUserFrequentTest(ctx context.Context, userID, code string) error
	GetSearchSuggestions(ctx context.Context, userID, prefix string, limit int) ([]string, error)
}

// RelatedGraph maintains the co-search graph between catalog codes.
type RelatedGraph interface {
	UpdateRelatedTests(ctx context.Context, codeA, codeB string) error
	GetUserRelatedTests(ctx context.Context, code string, limit int) ([]string, error)
}

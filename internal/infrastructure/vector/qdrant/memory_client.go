package qdrant

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/vetlab/catalog-search/internal/core/domain"
)

// MemoryClient is an in-process VectorStore used in tests and local
// runs without a Qdrant instance. Similarity is token overlap over the
// entry name, which is enough to exercise the retrieval pipeline.
type MemoryClient struct {
	mu      sync.RWMutex
	entries []domain.CatalogEntry
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{}
}

func (m *MemoryClient) IndexEntries(_ context.Context, entries []domain.CatalogEntry, _ [][]float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

// Seed replaces the stored entries; test helper.
func (m *MemoryClient) Seed(entries []domain.CatalogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append([]domain.CatalogEntry(nil), entries...)
}

func (m *MemoryClient) Filter(_ context.Context, field, value string) ([]domain.ScoredEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.ScoredEntry
	for _, e := range m.entries {
		if fieldValue(e, field) == value {
			out = append(out, domain.ScoredEntry{Entry: e, Score: 1.0})
		}
	}
	return out, nil
}

func (m *MemoryClient) Similar(_ context.Context, text string, k int) ([]domain.ScoredEntry, error) {
	if k <= 0 {
		k = 10
	}
	queryTokens := tokenSet(text)

	m.mu.RLock()
	defer m.mu.RUnlock()

	scored := make([]domain.ScoredEntry, 0, len(m.entries))
	for _, e := range m.entries {
		score := overlapScore(queryTokens, tokenSet(e.Name+" "+e.Department))
		scored = append(scored, domain.ScoredEntry{Entry: e, Score: score})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func fieldValue(e domain.CatalogEntry, field string) string {
	switch field {
	case "code":
		return e.Code
	case "name":
		return e.Name
	case "department":
		return e.Department
	default:
		return ""
	}
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,!?;:()\"'")
		if len([]rune(token)) < 2 {
			continue
		}
		set[token] = struct{}{}
	}
	return set
}

func overlapScore(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	matched := 0
	for token := range query {
		if _, ok := doc[token]; ok {
			matched++
			continue
		}
		// crude stemming: prefix match covers Russian case endings
		for dt := range doc {
			if len(token) >= 4 && len(dt) >= 4 && strings.HasPrefix(dt, token[:4]) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(query))
}

package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vetlab/catalog-search/internal/core/domain"
	"github.com/vetlab/catalog-search/internal/core/ports"
)

const (
	// codeSnapshotSize bounds the neutral-query code enumeration used by
	// the fuzzy fallback.
	codeSnapshotSize = 2000
	// neutralCodeQuery is the text embedded to pull a representative
	// slice of the catalog for code enumeration.
	neutralCodeQuery = "лабораторное исследование"
	// similarityHighConfidence gates the last-resort text pass of the
	// smart code search.
	similarityHighConfidence = 0.8
)

// Retriever is the smart-search facade over the vector store: exact
// filter lookup, confusable-variant lookup, fuzzy ranking over a code
// snapshot, and text similarity as a last resort.
type Retriever struct {
	store  ports.VectorStore
	logger *slog.Logger
}

func NewRetriever(store ports.VectorStore, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{store: store, logger: logger}
}

// FindByCode resolves a raw token meant to be a code: normalized exact
// filter first, then up to maxCodeVariants generated variants, then a
// high-confidence text-similarity pass. Returns an empty slice, not an
// error, when nothing matches.
func (r *Retriever) FindByCode(ctx context.Context, raw string) ([]domain.ScoredEntry, error) {
	code := NormalizeCode(raw)
	if code == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "find by code", fmt.Errorf("empty code"))
	}

	entries, err := r.store.Filter(ctx, "code", code)
	if err != nil {
		return nil, fmt.Errorf("filter code %s: %w", code, err)
	}
	if len(entries) > 0 {
		return entries, nil
	}

	for _, variant := range GenerateCodeVariants(code) {
		entries, err = r.store.Filter(ctx, "code", variant)
		if err != nil {
			r.logger.Warn("variant lookup failed", "variant", variant, "error", err)
			continue
		}
		if len(entries) > 0 {
			return entries, nil
		}
	}

	similar, err := r.store.Similar(ctx, code, 5)
	if err != nil {
		return nil, fmt.Errorf("similar code %s: %w", code, err)
	}
	out := similar[:0]
	for _, se := range similar {
		if se.Score > similarityHighConfidence {
			out = append(out, se)
		}
	}
	return out, nil
}

// FindByText is plain dense retrieval for name and profile searches.
func (r *Retriever) FindByText(ctx context.Context, text string, k int) ([]domain.ScoredEntry, error) {
	if k <= 0 {
		k = 30
	}
	entries, err := r.store.Similar(ctx, text, k)
	if err != nil {
		return nil, fmt.Errorf("similar text: %w", err)
	}
	return entries, nil
}

// SuggestCodes ranks catalog codes against a failed code query using the
// fuzzy matcher over a bounded snapshot of the catalog.
func (r *Retriever) SuggestCodes(ctx context.Context, raw string) ([]domain.ScoredEntry, error) {
	snapshot, err := r.store.Similar(ctx, neutralCodeQuery, codeSnapshotSize)
	if err != nil {
		return nil, fmt.Errorf("code snapshot: %w", err)
	}

	byCode := make(map[string]domain.CatalogEntry, len(snapshot))
	codes := make([]string, 0, len(snapshot))
	for _, se := range snapshot {
		code := NormalizeCode(se.Entry.Code)
		if _, ok := byCode[code]; ok {
			continue
		}
		byCode[code] = se.Entry
		codes = append(codes, code)
	}

	matches := RankCodes(raw, codes, DefaultFuzzyThreshold)
	out := make([]domain.ScoredEntry, 0, len(matches))
	for _, m := range matches {
		entry, ok := byCode[m.Code]
		if !ok {
			continue
		}
		out = append(out, domain.ScoredEntry{Entry: entry, Score: float64(m.Score) / 100})
	}
	return out, nil
}

// LookupCode is the single-entry convenience used by callback routes.
func (r *Retriever) LookupCode(ctx context.Context, code string) (domain.CatalogEntry, error) {
	entries, err := r.store.Filter(ctx, "code", NormalizeCode(code))
	if err != nil {
		return domain.CatalogEntry{}, err
	}
	if len(entries) == 0 {
		return domain.CatalogEntry{}, domain.WrapError(domain.ErrEntryNotFound, "lookup code", fmt.Errorf("code %s", code))
	}
	return entries[0].Entry, nil
}

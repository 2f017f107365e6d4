package usecase

import "github.com/vetlab/catalog-search/internal/core/domain"

// PartitionByKind filters the ordered results by the one-shot profile
// flag: when the user asked for bundles only profiles survive, otherwise
// only ordinary tests. The partition may come back empty; the caller
// presents that as not found rather than showing the wrong kind.
func PartitionByKind(entries []domain.ScoredEntry, showProfiles bool) []domain.ScoredEntry {
	out := make([]domain.ScoredEntry, 0, len(entries))
	for _, se := range entries {
		if se.Entry.IsProfile() == showProfiles {
			out = append(out, se)
		}
	}
	return out
}

// WantsProfiles reports whether the utterance carries any of the profile
// keywords that set the modal flag.
func WantsProfiles(query string) bool {
	for _, word := range splitPreserving(query) {
		if word.word && profileKeywords[normalizeWordKey(word.text)] {
			return true
		}
	}
	return false
}

package domain

// DictionaryTerm links one canonical medical form to its lookup views:
// colloquial synonyms, abbreviation spellings and a category. Terms come
// from the three-sheet dictionary workbook and are immutable after load.
type DictionaryTerm struct {
	Canonical     string   `json:"canonical"`
	Category      string   `json:"category,omitempty"`
	Synonyms      []string `json:"synonyms,omitempty"`
	Abbreviations []string `json:"abbreviations,omitempty"`
	English       []string `json:"english,omitempty"`
}

// Expansion returns the text inserted in parentheses after a matched span.
func (t DictionaryTerm) Expansion() string {
	return t.Canonical
}

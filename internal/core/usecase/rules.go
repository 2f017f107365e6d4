package usecase

import "strings"

// PriorityTopic is one curated trigger: a short phrase that maps to an
// ordered list of preferred catalog codes. Preferred topics bypass LLM
// arbitration entirely; others only bias its output.
type PriorityTopic struct {
	Trigger   string
	Codes     []string
	Preferred bool
}

// Rules is the curated rule data loaded from the rules file at startup
// and immutable afterwards.
type Rules struct {
	// PriorityTopics keyed by normalized trigger phrase.
	PriorityTopics map[string]PriorityTopic
	// DepartmentSynonyms maps every recognized spelling to the canonical
	// department value (closed vocabulary of about 25 values).
	DepartmentSynonyms map[string]string
	// StopWords skipped by the expander's single-word passes.
	StopWords map[string]bool
	// FallbackTypos fixes stubbornly frequent misspellings before any
	// dictionary lookup (калл -> кал).
	FallbackTypos map[string]string
}

// CanonicalDepartment resolves a department spelling through the synonym
// table; ok is false for words outside the vocabulary.
func (r Rules) CanonicalDepartment(word string) (string, bool) {
	if r.DepartmentSynonyms == nil {
		return "", false
	}
	canon, ok := r.DepartmentSynonyms[normalizeRuleKey(word)]
	return canon, ok
}

// ExtractDepartment scans a query for the first recognizable department
// name or keyword and returns its canonical form.
func (r Rules) ExtractDepartment(query string) (string, bool) {
	for _, word := range strings.Fields(query) {
		if canon, ok := r.CanonicalDepartment(word); ok {
			return canon, true
		}
	}
	return "", false
}

// PriorityFor matches the whole normalized query against the trigger
// table.
func (r Rules) PriorityFor(query string) (PriorityTopic, bool) {
	if r.PriorityTopics == nil {
		return PriorityTopic{}, false
	}
	topic, ok := r.PriorityTopics[normalizeRuleKey(query)]
	return topic, ok
}

func (r Rules) IsStopWord(word string) bool {
	return r.StopWords[normalizeRuleKey(word)]
}

func normalizeRuleKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "ё", "е")
	return strings.Trim(s, ".,!?:;\"'()")
}

// NormalizeRuleKey is the exported form used by the rules loader so file
// keys and lookup keys agree.
func NormalizeRuleKey(s string) string { return normalizeRuleKey(s) }

package rules

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/vetlab/catalog-search/internal/core/usecase"
)

// file is the on-disk shape of the curated rules file. Methodologists
// edit it by hand, so loading validates aggressively and fails startup
// on anything suspicious rather than silently dropping rules.
type file struct {
	PriorityTopics []priorityTopic   `yaml:"priority_topics"`
	Departments    []department      `yaml:"departments"`
	StopWords      []string          `yaml:"stop_words"`
	FallbackTypos  map[string]string `yaml:"fallback_typos"`
}

type priorityTopic struct {
	Trigger   string   `yaml:"trigger"`
	Codes     []string `yaml:"codes"`
	Preferred bool     `yaml:"preferred"`
}

type department struct {
	Canonical string   `yaml:"canonical"`
	Synonyms  []string `yaml:"synonyms"`
}

// Load parses and validates the rules file into the immutable rule
// tables the core consumes.
func Load(path string) (usecase.Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return usecase.Rules{}, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (usecase.Rules, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return usecase.Rules{}, fmt.Errorf("parse rules yaml: %w", err)
	}

	rules := usecase.Rules{
		PriorityTopics:     make(map[string]usecase.PriorityTopic, len(f.PriorityTopics)),
		DepartmentSynonyms: make(map[string]string),
		StopWords:          make(map[string]bool, len(f.StopWords)),
		FallbackTypos:      make(map[string]string, len(f.FallbackTypos)),
	}

	for i, topic := range f.PriorityTopics {
		key := usecase.NormalizeRuleKey(topic.Trigger)
		if key == "" {
			return usecase.Rules{}, fmt.Errorf("priority_topics[%d]: empty trigger", i)
		}
		if len(topic.Codes) == 0 {
			return usecase.Rules{}, fmt.Errorf("priority topic %q: no codes", topic.Trigger)
		}
		if _, dup := rules.PriorityTopics[key]; dup {
			return usecase.Rules{}, fmt.Errorf("priority topic %q: duplicate trigger", topic.Trigger)
		}
		rules.PriorityTopics[key] = usecase.PriorityTopic{
			Trigger:   key,
			Codes:     append([]string(nil), topic.Codes...),
			Preferred: topic.Preferred,
		}
	}

	for i, dep := range f.Departments {
		if dep.Canonical == "" {
			return usecase.Rules{}, fmt.Errorf("departments[%d]: empty canonical value", i)
		}
		// the canonical spelling resolves to itself
		spellings := append([]string{dep.Canonical}, dep.Synonyms...)
		for _, spelling := range spellings {
			key := usecase.NormalizeRuleKey(spelling)
			if key == "" {
				continue
			}
			if existing, dup := rules.DepartmentSynonyms[key]; dup && existing != dep.Canonical {
				return usecase.Rules{}, fmt.Errorf("department synonym %q maps to both %q and %q", spelling, existing, dep.Canonical)
			}
			rules.DepartmentSynonyms[key] = dep.Canonical
		}
	}

	for _, word := range f.StopWords {
		if key := usecase.NormalizeRuleKey(word); key != "" {
			rules.StopWords[key] = true
		}
	}

	for typo, fix := range f.FallbackTypos {
		typoKey := usecase.NormalizeRuleKey(typo)
		fixKey := usecase.NormalizeRuleKey(fix)
		if typoKey == "" || fixKey == "" || typoKey == fixKey {
			return usecase.Rules{}, fmt.Errorf("fallback typo %q -> %q is not a correction", typo, fix)
		}
		rules.FallbackTypos[typoKey] = fixKey
	}

	return rules, nil
}

// Departments lists the canonical department vocabulary, sorted. Used
// by startup logging and the catalog loader's validation pass.
func Departments(r usecase.Rules) []string {
	seen := make(map[string]bool)
	for _, canon := range r.DepartmentSynonyms {
		seen[canon] = true
	}
	out := make([]string, 0, len(seen))
	for canon := range seen {
		out = append(out, canon)
	}
	sort.Strings(out)
	return out
}

package usecase

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/vetlab/catalog-search/internal/core/domain"
)

const defaultExpanderCacheSize = 1000

// Expander rewrites an utterance so that each first occurrence of a
// dictionary term is followed by its canonical expansion in parentheses.
// Expansion is idempotent and loop-safe: already expanded spans are never
// re-entered and no committed matches overlap.
//
// On dictionary load failure the engine constructs an identity expander
// and the rest of the pipeline keeps working.
type Expander struct {
	full  map[string]*domain.DictionaryTerm
	abbr  map[string]*domain.DictionaryTerm
	rules Rules

	// fuzzyKeys holds the plain abbreviation spellings used by the fuzzy
	// pass; generated typo keys are lookup-only.
	fuzzyKeys []fuzzyKey

	identity bool

	mu       sync.Mutex
	cache    map[string]string
	maxCache int
}

type fuzzyKey struct {
	key  string
	term *domain.DictionaryTerm
}

// NewIdentityExpander returns the no-op fallback.
func NewIdentityExpander() *Expander {
	return &Expander{identity: true}
}

func NewExpander(terms []domain.DictionaryTerm, rules Rules) *Expander {
	e := &Expander{
		full:     make(map[string]*domain.DictionaryTerm),
		abbr:     make(map[string]*domain.DictionaryTerm),
		rules:    rules,
		cache:    make(map[string]string),
		maxCache: defaultExpanderCacheSize,
	}

	// Real abbreviation spellings claim their keys first so that
	// generated typos can never shadow a genuine form.
	realAbbr := make(map[string]bool)
	for i := range terms {
		term := &terms[i]
		for _, form := range term.Abbreviations {
			key := normalizeWordKey(form)
			if key == "" {
				continue
			}
			realAbbr[key] = true
			realAbbr[normalizeWordKey(stripDots(form))] = true
		}
	}

	for i := range terms {
		term := &terms[i]
		e.indexFullForms(term)
		e.indexAbbreviations(term, realAbbr)
	}
	return e
}

func (e *Expander) indexFullForms(term *domain.DictionaryTerm) {
	forms := make([]string, 0, 1+len(term.Synonyms)+len(term.English))
	forms = append(forms, term.Canonical)
	forms = append(forms, term.Synonyms...)
	forms = append(forms, term.English...)

	for _, form := range forms {
		key := normalizePhraseKey(form)
		if key == "" {
			continue
		}
		e.putFull(key, term)
		e.putFull(morphPhraseKey(form), term)
		if t := transliterate(form); t != form {
			e.putFull(normalizePhraseKey(t), term)
		}
	}
}

func (e *Expander) indexAbbreviations(term *domain.DictionaryTerm, realAbbr map[string]bool) {
	for _, form := range term.Abbreviations {
		base := normalizeWordKey(form)
		if base == "" {
			continue
		}
		e.putAbbr(base, term)
		e.putAbbr(normalizeWordKey(stripDots(form)), term)
		if t := transliterate(form); t != form {
			e.putAbbr(normalizeWordKey(t), term)
		}
		e.fuzzyKeys = append(e.fuzzyKeys, fuzzyKey{key: base, term: term})

		for _, typo := range typoVariants(base) {
			if realAbbr[typo] {
				continue
			}
			e.putAbbr(typo, term)
		}
	}
}

func (e *Expander) putFull(key string, term *domain.DictionaryTerm) {
	if key == "" {
		return
	}
	if _, taken := e.full[key]; !taken {
		e.full[key] = term
	}
}

func (e *Expander) putAbbr(key string, term *domain.DictionaryTerm) {
	if key == "" {
		return
	}
	if _, taken := e.abbr[key]; !taken {
		e.abbr[key] = term
	}
}

// Expand rewrites the utterance. Memoized; the cache is flushed once it
// exceeds the configured size.
func (e *Expander) Expand(query string) string {
	if e.identity || strings.TrimSpace(query) == "" {
		return query
	}

	e.mu.Lock()
	if cached, ok := e.cache[query]; ok {
		e.mu.Unlock()
		return cached
	}
	e.mu.Unlock()

	result := e.expand(query)

	e.mu.Lock()
	if len(e.cache) >= e.maxCache {
		e.cache = make(map[string]string)
	}
	e.cache[query] = result
	e.mu.Unlock()
	return result
}

type expansionMatch struct {
	start       int // byte offsets into the typo-fixed query
	end         int
	found       string
	replacement string
	exact       bool
	words       int
}

func (e *Expander) expand(query string) string {
	fixed := e.fixTypos(query)
	used := parenthesizedSpans(fixed)
	tokens := tokenizeWithOffsets(fixed)

	var matches []expansionMatch
	matches = append(matches, e.matchNGrams(fixed, tokens, used)...)
	matches = append(matches, e.matchSingleWords(tokens, used)...)
	matches = append(matches, e.matchFuzzy(tokens, used)...)

	committed := commitMatches(fixed, matches, used)
	if len(committed) == 0 {
		return fixed
	}
	return applyMatches(fixed, committed)
}

// fixTypos rewrites tokens through the fallback typo table, preserving
// whitespace and punctuation. Digit tokens pass through untouched.
func (e *Expander) fixTypos(query string) string {
	if len(e.rules.FallbackTypos) == 0 {
		return query
	}
	var b strings.Builder
	for _, piece := range splitPreserving(query) {
		if !piece.word || isDigits(piece.text) {
			b.WriteString(piece.text)
			continue
		}
		if fix, ok := e.rules.FallbackTypos[normalizeWordKey(piece.text)]; ok {
			b.WriteString(matchCase(piece.text, fix))
			continue
		}
		b.WriteString(piece.text)
	}
	return b.String()
}

type span struct{ start, end int }

var parenPattern = regexp.MustCompile(`\([^()]*\)`)

// parenthesizedSpans marks every existing (expansion) region, including
// the word immediately before it, as used so matches never re-enter an
// expansion.
func parenthesizedSpans(s string) []span {
	var spans []span
	for _, loc := range parenPattern.FindAllStringIndex(s, -1) {
		start := loc[0]
		// extend left over the preceding word
		i := start - 1
		for i >= 0 && s[i] == ' ' {
			i--
		}
		for i >= 0 && !isSeparatorByte(s[i]) {
			i--
		}
		spans = append(spans, span{start: i + 1, end: loc[1]})
	}
	return spans
}

func isSeparatorByte(b byte) bool {
	return b == ' ' || b == ',' || b == '.' || b == ';' || b == '!' || b == '?' || b == '(' || b == ')'
}

type tokenSpan struct {
	text  string
	start int
	end   int
}

func tokenizeWithOffsets(s string) []tokenSpan {
	var tokens []tokenSpan
	start := -1
	for i, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			tokens = append(tokens, tokenSpan{text: s[start:i], start: start, end: i})
			start = -1
		}
	}
	if start >= 0 {
		tokens = append(tokens, tokenSpan{text: s[start:], start: start, end: len(s)})
	}
	return tokens
}

// matchNGrams runs the exact n-gram pass (n in {3,2,1}) against the full
// index.
func (e *Expander) matchNGrams(s string, tokens []tokenSpan, used []span) []expansionMatch {
	var matches []expansionMatch
	for _, n := range []int{3, 2, 1} {
		for i := 0; i+n <= len(tokens); i++ {
			first, last := tokens[i], tokens[i+n-1]
			if overlapsAny(first.start, last.end, used) {
				continue
			}
			phrase := s[first.start:last.end]
			term, ok := e.full[normalizePhraseKey(phrase)]
			if !ok {
				term, ok = e.full[morphPhraseKey(phrase)]
			}
			if !ok {
				continue
			}
			matches = append(matches, expansionMatch{
				start:       first.start,
				end:         last.end,
				found:       phrase,
				replacement: term.Expansion(),
				exact:       true,
				words:       n,
			})
		}
	}
	return matches
}

// matchSingleWords checks each word against the abbreviation index first,
// then the full index, using morphological variants of the word.
func (e *Expander) matchSingleWords(tokens []tokenSpan, used []span) []expansionMatch {
	var matches []expansionMatch
	for _, tok := range tokens {
		if e.skipToken(tok.text) || overlapsAny(tok.start, tok.end, used) {
			continue
		}
		keys := []string{normalizeWordKey(tok.text), morphKey(tok.text)}
		var term *domain.DictionaryTerm
		for _, key := range keys {
			if t, ok := e.abbr[key]; ok {
				term = t
				break
			}
			if t, ok := e.full[key]; ok {
				term = t
				break
			}
		}
		if term == nil {
			continue
		}
		matches = append(matches, expansionMatch{
			start:       tok.start,
			end:         tok.end,
			found:       tok.text,
			replacement: term.Expansion(),
			exact:       true,
			words:       1,
		})
	}
	return matches
}

// matchFuzzy is the final single-word pass with an adaptive threshold:
// short tokens must match almost exactly, longer ones get more slack.
func (e *Expander) matchFuzzy(tokens []tokenSpan, used []span) []expansionMatch {
	var matches []expansionMatch
	for _, tok := range tokens {
		if e.skipToken(tok.text) || overlapsAny(tok.start, tok.end, used) {
			continue
		}
		key := normalizeWordKey(tok.text)
		threshold := fuzzyThresholdFor(key)

		bestScore := 0
		var bestTerm *domain.DictionaryTerm
		for _, fk := range e.fuzzyKeys {
			score := similarityRatio(key, fk.key)
			if score > bestScore {
				bestScore = score
				bestTerm = fk.term
			}
		}
		if bestTerm == nil || bestScore < threshold {
			continue
		}
		matches = append(matches, expansionMatch{
			start:       tok.start,
			end:         tok.end,
			found:       tok.text,
			replacement: bestTerm.Expansion(),
			words:       1,
		})
	}
	return matches
}

func fuzzyThresholdFor(key string) int {
	switch n := len([]rune(key)); {
	case n <= 4:
		return 90
	case n <= 6:
		return 80
	default:
		return 75
	}
}

func (e *Expander) skipToken(text string) bool {
	if len([]rune(text)) < 2 || isDigits(text) {
		return true
	}
	return e.rules.IsStopWord(text)
}

// commitMatches orders candidates (longest first, earlier position first,
// exact before fuzzy) and commits those that neither overlap a used span
// nor would duplicate adjacent text.
func commitMatches(s string, matches []expansionMatch, used []span) []expansionMatch {
	sort.SliceStable(matches, func(i, j int) bool {
		li, lj := matches[i].end-matches[i].start, matches[j].end-matches[j].start
		if li != lj {
			return li > lj
		}
		if matches[i].start != matches[j].start {
			return matches[i].start < matches[j].start
		}
		return matches[i].exact && !matches[j].exact
	})

	taken := append([]span(nil), used...)
	expanded := make(map[string]bool)
	var committed []expansionMatch

	for _, m := range matches {
		if overlapsAny(m.start, m.end, taken) {
			continue
		}
		repKey := normalizePhraseKey(m.replacement)
		if repKey == normalizePhraseKey(m.found) {
			continue
		}
		// one expansion per replacement per utterance
		if expanded[repKey] {
			continue
		}
		if wouldDuplicate(s, m) {
			continue
		}
		taken = append(taken, span{start: m.start, end: m.end})
		expanded[repKey] = true
		committed = append(committed, m)
	}

	sort.Slice(committed, func(i, j int) bool { return committed[i].start < committed[j].start })
	return committed
}

// wouldDuplicate rejects insertions that produce "X (X)", "X X" or
// "X (Y) Y" shapes around the match.
func wouldDuplicate(s string, m expansionMatch) bool {
	repKey := normalizePhraseKey(m.replacement)

	after := strings.TrimLeft(s[m.end:], " ")
	if after != "" {
		if strings.HasPrefix(after, "(") {
			inner := strings.TrimPrefix(after, "(")
			if normHasPrefix(inner, repKey) {
				return true
			}
		}
		if normHasPrefix(after, repKey) {
			return true
		}
	}

	before := strings.TrimRight(s[:m.start], " ")
	if before != "" && normHasSuffixWord(before, repKey) {
		return true
	}
	return false
}

func normHasPrefix(s, key string) bool {
	tokens := tokenizeWithOffsets(s)
	if len(tokens) == 0 {
		return false
	}
	keyWords := strings.Fields(key)
	if len(tokens) < len(keyWords) {
		return false
	}
	for i, w := range keyWords {
		if normalizeWordKey(tokens[i].text) != w {
			return false
		}
	}
	return true
}

func normHasSuffixWord(s, key string) bool {
	tokens := tokenizeWithOffsets(s)
	if len(tokens) == 0 {
		return false
	}
	keyWords := strings.Fields(key)
	if len(tokens) < len(keyWords) {
		return false
	}
	offset := len(tokens) - len(keyWords)
	for i, w := range keyWords {
		if normalizeWordKey(tokens[offset+i].text) != w {
			return false
		}
	}
	return true
}

func applyMatches(s string, committed []expansionMatch) string {
	var b strings.Builder
	last := 0
	for _, m := range committed {
		b.WriteString(s[last:m.end])
		b.WriteString(" (")
		b.WriteString(m.replacement)
		b.WriteString(")")
		last = m.end
	}
	b.WriteString(s[last:])
	return b.String()
}

func overlapsAny(start, end int, spans []span) bool {
	for _, sp := range spans {
		if start < sp.end && end > sp.start {
			return true
		}
	}
	return false
}

type piece struct {
	text string
	word bool
}

func splitPreserving(s string) []piece {
	var pieces []piece
	start := 0
	inWord := false
	flush := func(end int, word bool) {
		if end > start {
			pieces = append(pieces, piece{text: s[start:end], word: word})
			start = end
		}
	}
	for i, r := range s {
		isWord := unicode.IsLetter(r) || unicode.IsDigit(r)
		if isWord != inWord {
			flush(i, inWord)
			inWord = isWord
		}
	}
	flush(len(s), inWord)
	return pieces
}

func matchCase(original, replacement string) string {
	runes := []rune(original)
	if len(runes) > 0 && unicode.IsUpper(runes[0]) {
		repRunes := []rune(replacement)
		if len(repRunes) > 0 {
			return string(unicode.ToUpper(repRunes[0])) + string(repRunes[1:])
		}
	}
	return replacement
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func stripDots(s string) string {
	return strings.ReplaceAll(s, ".", "")
}

// normalizeWordKey lowercases through Unicode folding, folds ё and trims
// punctuation.
func normalizeWordKey(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "ё", "е")
	return strings.Trim(s, ".,!?:;\"'-")
}

func normalizePhraseKey(s string) string {
	words := strings.Fields(s)
	keys := make([]string, 0, len(words))
	for _, w := range words {
		if k := normalizeWordKey(w); k != "" {
			keys = append(keys, k)
		}
	}
	return strings.Join(keys, " ")
}

// Russian inflection endings stripped for index keys, longest first.
var ruMorphSuffixes = []string{
	"иями", "ями", "ами", "иях", "ях", "ах", "ием", "ом", "ем",
	"ому", "ему", "ого", "его", "ыми", "ими", "ой", "ей",
	"ов", "ев", "ам", "ям", "ы", "и", "а", "я", "у", "ю", "е", "о",
}

// morphKey reduces a Russian word to a crude normal form by stripping the
// longest known inflection ending, keeping at least three runes of stem.
func morphKey(word string) string {
	key := normalizeWordKey(word)
	runes := []rune(key)
	if len(runes) <= 4 {
		return key
	}
	for _, suffix := range ruMorphSuffixes {
		if strings.HasSuffix(key, suffix) {
			stem := strings.TrimSuffix(key, suffix)
			if len([]rune(stem)) >= 3 {
				return stem
			}
		}
	}
	return key
}

func morphPhraseKey(phrase string) string {
	words := strings.Fields(phrase)
	keys := make([]string, 0, len(words))
	for _, w := range words {
		if k := morphKey(w); k != "" {
			keys = append(keys, k)
		}
	}
	return strings.Join(keys, " ")
}

// translitPairs is the naive Russian-to-Latin transliteration used for
// generated lookup forms, multi-rune mappings first.
var translitPairs = []struct{ ru, lat string }{
	{"щ", "sch"}, {"ш", "sh"}, {"ч", "ch"}, {"ж", "zh"}, {"ю", "yu"},
	{"я", "ya"}, {"х", "kh"}, {"ц", "ts"}, {"а", "a"}, {"б", "b"},
	{"в", "v"}, {"г", "g"}, {"д", "d"}, {"е", "e"}, {"з", "z"},
	{"и", "i"}, {"й", "y"}, {"к", "k"}, {"л", "l"}, {"м", "m"},
	{"н", "n"}, {"о", "o"}, {"п", "p"}, {"р", "r"}, {"с", "s"},
	{"т", "t"}, {"у", "u"}, {"ф", "f"}, {"ы", "y"}, {"э", "e"},
	{"ь", ""}, {"ъ", ""},
}

func transliterate(s string) string {
	out := strings.ToLower(s)
	for _, p := range translitPairs {
		out = strings.ReplaceAll(out, p.ru, p.lat)
	}
	return out
}

// typoVariants generates common misspellings of an abbreviation key:
// single deletion, adjacent transposition, confusable substitution and
// Cyrillic/Latin look-alike substitution. Insertions are generated only
// for very short keys to keep the index bounded.
func typoVariants(key string) []string {
	runes := []rune(key)
	if len(runes) < 2 {
		return nil
	}
	seen := map[string]bool{key: true}
	var out []string
	add := func(v string) {
		if v == "" || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, v)
	}

	// single deletion
	for i := range runes {
		add(string(runes[:i]) + string(runes[i+1:]))
	}
	// adjacent transposition
	for i := 0; i+1 < len(runes); i++ {
		swapped := append([]rune(nil), runes...)
		swapped[i], swapped[i+1] = swapped[i+1], swapped[i]
		add(string(swapped))
	}
	// confusable and look-alike substitution
	for i, r := range runes {
		for _, alt := range lookalikeLower(r) {
			add(string(runes[:i]) + alt + string(runes[i+1:]))
		}
	}
	// duplicated-character insertion for short keys
	if len(runes) <= 4 {
		for i, r := range runes {
			add(string(runes[:i]) + string(r) + string(runes[i:]))
		}
	}
	return out
}

func lookalikeLower(r rune) []string {
	upper := unicode.ToUpper(r)
	var alts []string
	for _, alt := range alternativesFor(upper) {
		alts = append(alts, strings.ToLower(alt))
	}
	return alts
}

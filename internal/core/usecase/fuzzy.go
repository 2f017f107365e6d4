package usecase

import (
	"sort"
	"strings"
)

// DefaultFuzzyThreshold is the minimum score a candidate code must reach
// to be suggested. Tuned empirically; only the relative ordering of the
// scoring rules matters.
const DefaultFuzzyThreshold = 30

type CodeMatch struct {
	Code  string
	Score int
}

// ScoreCode ranks a candidate catalog code against a raw query token on a
// 0..100 scale. Digit mismatch is fatal for code search: when the query
// carries digits, the candidate's digit-string must begin with the
// query's digit-string or the score is zero.
func ScoreCode(query, candidate string) int {
	q := NormalizeCode(query)
	c := NormalizeCode(candidate)
	if q == "" || c == "" {
		return 0
	}
	if q == c {
		return 100
	}

	qd := digitsOf(q)
	cd := digitsOf(c)

	if qd != "" {
		if cd == "" {
			return 0
		}
		if qd == cd {
			return 90
		}
		if strings.HasPrefix(cd, qd) {
			return 70 + 20*len(qd)/len(cd)
		}
		return 0
	}

	score := similarityRatio(q, c)
	if strings.HasPrefix(q, "AN") && strings.HasPrefix(c, "AN") {
		score += 10
	}
	if score > 100 {
		score = 100
	}

	// Alphabetic similarity in the ambiguous middle band defers to the
	// phonetic reading of the confusable alphabet.
	if score >= 40 && score <= 80 {
		if p := phoneticScore(q, c); p > score {
			score = p
		}
	}
	return score
}

// similarityRatio is a character-level Levenshtein ratio on 0..100.
func similarityRatio(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 && len(rb) == 0 {
		return 100
	}
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein(ra, rb)
	return 100 * (longest - dist) / longest
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// phoneticKey folds each confusable into one canonical Latin letter and
// collapses the PH/TH digraphs, so that АН5ГИЭ and AN5GIE read the same.
var phoneticCanonical = map[rune]rune{
	'А': 'A', 'Б': 'B', 'В': 'V', 'Г': 'G', 'Д': 'D', 'Е': 'E',
	'З': 'Z', 'И': 'I', 'К': 'K', 'Л': 'L', 'М': 'M', 'Н': 'N',
	'О': 'O', 'П': 'P', 'Р': 'R', 'С': 'S', 'Т': 'T', 'У': 'U',
	'Ф': 'F', 'Х': 'H', 'Ц': 'C', 'Э': 'E', 'Ы': 'I', 'Й': 'I',
	'Я': 'A', 'Ю': 'U', 'Ж': 'J', 'Ч': 'C', 'Ш': 'S', 'Щ': 'S',
	'W': 'V', 'Y': 'I', 'C': 'K', 'X': 'H', 'Q': 'K',
}

func phoneticKey(s string) string {
	s = strings.ToUpper(s)
	s = strings.ReplaceAll(s, "PH", "F")
	s = strings.ReplaceAll(s, "TH", "T")
	var b strings.Builder
	for _, r := range s {
		if folded, ok := phoneticCanonical[r]; ok {
			b.WriteRune(folded)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// phoneticScore compares the phonetic keys, penalizing 20 points per
// differing digit.
func phoneticScore(q, c string) int {
	score := similarityRatio(phoneticKey(q), phoneticKey(c))
	qd, cd := digitsOf(q), digitsOf(c)
	diff := digitDifference(qd, cd)
	score -= 20 * diff
	if score < 0 {
		score = 0
	}
	return score
}

func digitDifference(a, b string) int {
	longer, shorter := a, b
	if len(shorter) > len(longer) {
		longer, shorter = shorter, longer
	}
	diff := len(longer) - len(shorter)
	for i := range shorter {
		if shorter[i] != longer[i] {
			diff++
		}
	}
	return diff
}

// RankCodes scores every candidate code against the query token and
// returns matches at or above threshold, best first. When the query
// carries digits only candidates whose digit-string begins with the
// query's survive, regardless of alphabetic similarity.
func RankCodes(query string, candidates []string, threshold int) []CodeMatch {
	if threshold <= 0 {
		threshold = DefaultFuzzyThreshold
	}
	qd := digitsOf(NormalizeCode(query))

	out := make([]CodeMatch, 0, 16)
	seen := make(map[string]bool, len(candidates))
	for _, candidate := range candidates {
		code := NormalizeCode(candidate)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		if qd != "" && !strings.HasPrefix(digitsOf(code), qd) {
			continue
		}
		score := ScoreCode(query, candidate)
		if score >= threshold {
			out = append(out, CodeMatch{Code: code, Score: score})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Code < out[j].Code
	})
	return out
}

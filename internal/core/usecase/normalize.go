package usecase

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeCode canonicalizes a raw token into a catalog code: trimmed,
// upper-cased, space-free, confusable AN prefix mapped to Latin, bare
// numbers prefixed with AN. Never fails; idempotent.
func NormalizeCode(raw string) string {
	s := norm.NFC.String(strings.TrimSpace(raw))
	s = strings.ToUpper(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	if s == "" {
		return s
	}

	s = normalizeANPrefix(s)

	if r := []rune(s)[0]; r >= '0' && r <= '9' {
		return "AN" + s
	}
	return s
}

// The confusable prefixes АН, AН, АN (any Cyrillic/Latin mix of A and N)
// all canonicalize to Latin AN.
func normalizeANPrefix(s string) string {
	runes := []rune(s)
	if len(runes) < 2 {
		return s
	}
	aLike := runes[0] == 'A' || runes[0] == 'А'
	nLike := runes[1] == 'N' || runes[1] == 'Н'
	if aLike && nLike {
		return "AN" + string(runes[2:])
	}
	return s
}

// cyrToLat maps each Cyrillic confusable to its Latin candidates, most
// likely first. One-to-many: В can be read as V, W or B depending on the
// source of the typo.
var cyrToLat = map[rune][]string{
	'А': {"A"},
	'Б': {"B"},
	'В': {"V", "W", "B"},
	'Г': {"G"},
	'Д': {"D"},
	'Е': {"E", "I"},
	'З': {"Z", "3"},
	'И': {"I", "Y"},
	'К': {"K", "C"},
	'Л': {"L"},
	'М': {"M"},
	'Н': {"H", "N"},
	'О': {"O"},
	'П': {"P"},
	'Р': {"P", "R"},
	'С': {"S", "C"},
	'Т': {"T"},
	'У': {"U", "Y"},
	'Ф': {"F"},
	'Х': {"X", "H"},
}

var latToCyr = map[rune][]string{
	'A': {"А"},
	'B': {"В", "Б"},
	'C': {"С", "К"},
	'E': {"Е"},
	'H': {"Н", "Х"},
	'K': {"К"},
	'M': {"М"},
	'N': {"Н"},
	'O': {"О"},
	'P': {"Р", "П"},
	'R': {"Р"},
	'S': {"С"},
	'T': {"Т"},
	'U': {"У"},
	'V': {"В"},
	'W': {"В"},
	'X': {"Х"},
	'Y': {"У", "И"},
	'Z': {"З"},
}

// knownCodeSuffixes are catalog suffix tokens whitelisted for two-way
// conversion during variant generation.
var knownCodeSuffixes = map[string]string{
	"ОБС": "OBS",
	"ГИЭ": "GIE",
	"БТК": "BTK",
	"ИГХ": "IGH",
	"ЦИТ": "CIT",
	"ПЦР": "PCR",
}

const maxCodeVariants = 20

// GenerateCodeVariants produces confusable-alphabet spellings of a
// normalized code for the fuzzy exact-lookup fallback: full conversion,
// prefix-only and suffix-only conversions, per-character single
// substitutions and whitelisted suffix swaps. Digits and separators are
// preserved. The original code is not included; output is deduplicated
// and capped.
func GenerateCodeVariants(code string) []string {
	code = NormalizeCode(code)
	if code == "" {
		return nil
	}

	seen := map[string]bool{code: true}
	variants := make([]string, 0, maxCodeVariants)
	add := func(v string) {
		if v == "" || seen[v] || len(variants) >= maxCodeVariants {
			return
		}
		seen[v] = true
		variants = append(variants, v)
	}

	add(convertAll(code, cyrToLat))
	add(convertAll(code, latToCyr))
	add(convertPrefix(code, cyrToLat))
	add(convertPrefix(code, latToCyr))
	add(convertSuffix(code, cyrToLat))
	add(convertSuffix(code, latToCyr))

	for cyr, lat := range knownCodeSuffixes {
		if strings.HasSuffix(code, cyr) {
			add(strings.TrimSuffix(code, cyr) + lat)
		}
		if strings.HasSuffix(code, lat) {
			add(strings.TrimSuffix(code, lat) + cyr)
		}
	}

	runes := []rune(code)
	for i, r := range runes {
		for _, alt := range alternativesFor(r) {
			add(string(runes[:i]) + alt + string(runes[i+1:]))
		}
	}

	return variants
}

func alternativesFor(r rune) []string {
	if alts, ok := cyrToLat[r]; ok {
		return alts
	}
	if alts, ok := latToCyr[r]; ok {
		return alts
	}
	return nil
}

func convertAll(code string, table map[rune][]string) string {
	var b strings.Builder
	for _, r := range code {
		if alts, ok := table[r]; ok {
			b.WriteString(alts[0])
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// convertPrefix converts only the leading alphabetic run, leaving the rest
// of the code untouched.
func convertPrefix(code string, table map[rune][]string) string {
	runes := []rune(code)
	end := 0
	for end < len(runes) && unicode.IsLetter(runes[end]) {
		end++
	}
	return convertAll(string(runes[:end]), table) + string(runes[end:])
}

// convertSuffix converts only the trailing alphabetic run.
func convertSuffix(code string, table map[rune][]string) string {
	runes := []rune(code)
	start := len(runes)
	for start > 0 && unicode.IsLetter(runes[start-1]) {
		start--
	}
	return string(runes[:start]) + convertAll(string(runes[start:]), table)
}

var (
	codeShapeAN       = regexp.MustCompile(`^(AN|АН)\d+[A-ZА-Я\-]*$`)
	codeShapeDigitAlp = regexp.MustCompile(`^\d+[A-ZА-Я\-]+$`)
	codeShapeAlpDigit = regexp.MustCompile(`^[A-ZА-Я]+\d+[A-ZА-Я\-]*$`)
)

// LooksLikeTestCode reports whether a token is plausibly a catalog code:
// short, digit-bearing, no spaces, matching one of the catalog shapes.
func LooksLikeTestCode(token string) bool {
	token = strings.ToUpper(strings.TrimSpace(token))
	runes := []rune(token)
	if len(runes) == 0 || len(runes) > 15 {
		return false
	}
	if strings.ContainsFunc(token, unicode.IsSpace) {
		return false
	}

	hasDigit := false
	allDigits := true
	for _, r := range runes {
		if r >= '0' && r <= '9' {
			hasDigit = true
		} else {
			allDigits = false
		}
	}
	if !hasDigit {
		return false
	}
	if allDigits {
		return len(runes) >= 2 && len(runes) <= 4
	}
	return codeShapeAN.MatchString(token) ||
		codeShapeDigitAlp.MatchString(token) ||
		codeShapeAlpDigit.MatchString(token)
}

// digitsOf extracts the concatenated digit substring of a token.
func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

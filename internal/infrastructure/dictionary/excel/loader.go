package excel

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/vetlab/catalog-search/internal/core/domain"
)

// Loader reads the three-sheet dictionary workbook maintained by the
// laboratory methodologists:
//
//	"Сокращения" — veterinary abbreviations (ОАК, СНК, ...)
//	"Заболевания" — disease glossary with colloquial synonyms
//	"ПЦР" — PCR panel shortcuts and pathogen names
//
// Columns: canonical form, then any number of synonym/abbreviation
// cells. Sparse rows and missing sheets are tolerated; the expander is
// built from whatever loads.
type Loader struct {
	path string
}

func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

var sheetCategories = map[string]string{
	"сокращения":  "abbreviation",
	"заболевания": "disease",
	"пцр":         "pcr",
}

func (l *Loader) LoadTerms(ctx context.Context) ([]domain.DictionaryTerm, error) {
	file, err := excelize.OpenFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("open dictionary workbook: %w", err)
	}
	defer file.Close()

	var terms []domain.DictionaryTerm
	for _, sheet := range file.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		category, ok := sheetCategories[strings.ToLower(strings.TrimSpace(sheet))]
		if !ok {
			continue
		}

		rows, err := file.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read dictionary sheet %q: %w", sheet, err)
		}
		for _, row := range rows {
			term := termFromRow(row, category)
			if term.Canonical == "" {
				continue
			}
			terms = append(terms, term)
		}
	}
	if len(terms) == 0 {
		return nil, fmt.Errorf("dictionary workbook %s: no usable terms", l.path)
	}
	return terms, nil
}

// termFromRow parses one dictionary row. The first non-empty cell is
// the canonical form; remaining cells are lookup views. Short all-caps
// cells are treated as abbreviations, Latin-script cells as English
// names, everything else as synonyms.
func termFromRow(row []string, category string) domain.DictionaryTerm {
	term := domain.DictionaryTerm{Category: category}
	for _, cell := range row {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		if term.Canonical == "" {
			term.Canonical = cell
			continue
		}
		switch {
		case looksLikeAbbreviation(cell):
			term.Abbreviations = append(term.Abbreviations, cell)
		case isLatinScript(cell):
			term.English = append(term.English, cell)
		default:
			term.Synonyms = append(term.Synonyms, cell)
		}
	}
	return term
}

func looksLikeAbbreviation(s string) bool {
	runes := []rune(s)
	if len(runes) > 6 {
		return false
	}
	hasLetter := false
	for _, r := range runes {
		if r >= 'а' && r <= 'я' || r >= 'a' && r <= 'z' {
			return false
		}
		if r >= 'А' && r <= 'Я' || r >= 'A' && r <= 'Z' || r == 'Ё' {
			hasLetter = true
		}
	}
	return hasLetter
}

func isLatinScript(s string) bool {
	hasLatin := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
			hasLatin = true
		case r >= 'а' && r <= 'я' || r >= 'А' && r <= 'Я' || r == 'ё' || r == 'Ё':
			return false
		}
	}
	return hasLatin
}

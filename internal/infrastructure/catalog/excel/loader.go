package excel

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/vetlab/catalog-search/internal/core/domain"
)

// Loader reads the catalog snapshot workbook exported from the LIS.
// The first sheet holds one test per row; the header row maps columns
// to fields, so column order in the export may change freely.
type Loader struct {
	path string
}

func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// headerFields maps normalized header cells to entry field setters.
var headerFields = map[string]func(*domain.CatalogEntry, string){
	"код":                      func(e *domain.CatalogEntry, v string) { e.Code = strings.ToUpper(v) },
	"code":                     func(e *domain.CatalogEntry, v string) { e.Code = strings.ToUpper(v) },
	"наименование":             func(e *domain.CatalogEntry, v string) { e.Name = v },
	"название":                 func(e *domain.CatalogEntry, v string) { e.Name = v },
	"отдел":                    func(e *domain.CatalogEntry, v string) { e.Department = v },
	"биоматериал":              func(e *domain.CatalogEntry, v string) { e.Biomaterial = v },
	"контейнер":                func(e *domain.CatalogEntry, v string) { e.ContainerPrimary = v },
	"контейнер для хранения":   func(e *domain.CatalogEntry, v string) { e.ContainerStorage = v },
	"количество контейнеров":   func(e *domain.CatalogEntry, v string) { e.ContainerNumber = v },
	"температура хранения":     func(e *domain.CatalogEntry, v string) { e.StorageTemp = v },
	"преаналитика":             func(e *domain.CatalogEntry, v string) { e.Preanalytics = v },
	"подготовка пациента":      func(e *domain.CatalogEntry, v string) { e.PatientPreparation = v },
	"важная информация":        func(e *domain.CatalogEntry, v string) { e.ImportantInformation = v },
	"дозаказ":                  func(e *domain.CatalogEntry, v string) { e.PossPostorderContainer = v },
	"бланк":                    func(e *domain.CatalogEntry, v string) { e.FormLink = v },
	"дополнительная информация": func(e *domain.CatalogEntry, v string) { e.AdditionalInfoLink = v },
}

func (l *Loader) LoadEntries(ctx context.Context) ([]domain.CatalogEntry, error) {
	file, err := excelize.OpenFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("open catalog workbook: %w", err)
	}
	defer file.Close()

	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("catalog workbook has no sheets")
	}

	rows, err := file.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read catalog sheet %q: %w", sheets[0], err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("catalog sheet %q has no data rows", sheets[0])
	}

	setters := make(map[int]func(*domain.CatalogEntry, string))
	for col, header := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(header))
		if setter, ok := headerFields[key]; ok {
			setters[col] = setter
		}
	}
	if len(setters) == 0 {
		return nil, fmt.Errorf("catalog sheet %q: no recognized header columns", sheets[0])
	}

	var entries []domain.CatalogEntry
	for _, row := range rows[1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var entry domain.CatalogEntry
		for col, value := range row {
			if setter, ok := setters[col]; ok {
				setter(&entry, strings.TrimSpace(value))
			}
		}
		if entry.Code == "" || entry.Name == "" {
			continue // blank or partially filled row
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("catalog sheet %q: no usable rows", sheets[0])
	}
	return entries, nil
}

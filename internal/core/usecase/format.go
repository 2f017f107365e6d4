package usecase

import (
	"fmt"
	"html"
	"strings"

	"github.com/vetlab/catalog-search/internal/core/domain"
)

const (
	// PageSize is the list-view page length.
	PageSize = 6
	// maxButtonCodeLen truncates long codes on button labels.
	maxButtonCodeLen = 20
)

// Formatter renders catalog entries and candidate lists into
// transport-neutral replies. deepLinkBase prefixes entry deep links, e.g.
// "https://t.me/vetlab_bot?start=".
type Formatter struct {
	deepLinkBase string
}

func NewFormatter(deepLinkBase string) *Formatter {
	return &Formatter{deepLinkBase: deepLinkBase}
}

// entry attribute presentation order; empty fields are skipped.
var entryFields = []struct {
	label string
	value func(domain.CatalogEntry) string
}{
	{"Отдел", func(e domain.CatalogEntry) string { return e.Department }},
	{"Важная информация", func(e domain.CatalogEntry) string { return e.ImportantInformation }},
	{"Подготовка пациента", func(e domain.CatalogEntry) string { return e.PatientPreparation }},
	{"Биоматериал", func(e domain.CatalogEntry) string { return e.Biomaterial }},
	{"Контейнер", func(e domain.CatalogEntry) string { return e.ContainerPrimary }},
	{"Контейнер для хранения", func(e domain.CatalogEntry) string { return e.ContainerStorage }},
	{"Количество контейнеров", func(e domain.CatalogEntry) string { return e.ContainerNumber }},
	{"Преаналитика", func(e domain.CatalogEntry) string { return e.Preanalytics }},
	{"Температура хранения", func(e domain.CatalogEntry) string { return e.StorageTemp }},
	{"Дозаказ", func(e domain.CatalogEntry) string { return e.PossPostorderContainer }},
	{"Бланк", func(e domain.CatalogEntry) string { return e.FormLink }},
	{"Дополнительно", func(e domain.CatalogEntry) string { return e.AdditionalInfoLink }},
}

// FormatEntry is the canonical single-entry view: a kind+code+name
// header followed by each non-empty attribute in fixed order. Values are
// HTML-escaped; the <b> markup is the structural part the transport
// understands.
func (f *Formatter) FormatEntry(e domain.CatalogEntry) domain.Reply {
	var b strings.Builder

	kind := "Исследование"
	if e.IsProfile() {
		kind = "Профиль"
	}
	fmt.Fprintf(&b, "<b>%s %s</b>\n%s\n", kind, html.EscapeString(NormalizeCode(e.Code)), html.EscapeString(e.Name))

	for _, field := range entryFields {
		value := strings.TrimSpace(field.value(e))
		if value == "" {
			continue
		}
		fmt.Fprintf(&b, "\n<b>%s:</b> %s", field.label, html.EscapeString(value))
	}

	keyboard := [][]domain.Button{
		{
			{Label: "📷 Фото контейнеров", Callback: domain.Callback{ShowPhotos: &domain.ShowPhotosCallback{Code: e.Code}}.Encode()},
		},
		{
			{Label: "🔎 Новый поиск", Callback: domain.Callback{NewSearch: true}.Encode()},
			{Label: "✖ Закрыть", Callback: domain.Callback{CloseKeyboard: true}.Encode()},
		},
	}

	return domain.Reply{Text: b.String(), Keyboard: keyboard}
}

// FormatList renders one page of a candidate list: a numbered text block
// with per-entry deep links and a button per entry carrying the short
// code.
func (f *Formatter) FormatList(cursor domain.ResultCursor, page int) domain.Reply {
	total := len(cursor.Entries)
	pages := (total + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}
	if page < 0 {
		page = 0
	}
	if page >= pages {
		page = pages - 1
	}

	start := page * PageSize
	end := start + PageSize
	if end > total {
		end = total
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Найдено: %d", total)
	if pages > 1 {
		fmt.Fprintf(&b, " (стр. %d из %d)", page+1, pages)
	}
	b.WriteString("\n")

	var keyboard [][]domain.Button
	for i, se := range cursor.Entries[start:end] {
		e := se.Entry
		code := NormalizeCode(e.Code)
		link := f.deepLink(code)
		fmt.Fprintf(&b, "\n%d. <a href=\"%s\">%s</a> — %s",
			start+i+1, link, html.EscapeString(code), html.EscapeString(e.Name))

		keyboard = append(keyboard, []domain.Button{{
			Label:    truncateCode(code),
			Callback: domain.Callback{ShowTest: &domain.ShowTestCallback{Code: code}}.Encode(),
		}})
	}

	if pages > 1 {
		var nav []domain.Button
		if page > 0 {
			nav = append(nav, domain.Button{
				Label:    "◀",
				Callback: domain.Callback{Page: &domain.PageCallback{Direction: domain.PagePrev, Page: page - 1, SearchID: cursor.ID}}.Encode(),
			})
		}
		nav = append(nav, domain.Button{Label: fmt.Sprintf("%d/%d", page+1, pages), Callback: domain.Callback{Ignore: true}.Encode()})
		if page < pages-1 {
			nav = append(nav, domain.Button{
				Label:    "▶",
				Callback: domain.Callback{Page: &domain.PageCallback{Direction: domain.PageNext, Page: page + 1, SearchID: cursor.ID}}.Encode(),
			})
		}
		keyboard = append(keyboard, nav)
	}

	return domain.Reply{Text: b.String(), Keyboard: keyboard, EditInPlace: page > 0}
}

// FormatNotFound presents a failed code search with fuzzy suggestions.
func (f *Formatter) FormatNotFound(query string, suggestions domain.ResultCursor) domain.Reply {
	if len(suggestions.Entries) == 0 {
		return domain.Reply{Text: fmt.Sprintf("По запросу «%s» ничего не найдено. Попробуйте уточнить код или название.", html.EscapeString(query))}
	}
	reply := f.FormatList(suggestions, 0)
	reply.Text = fmt.Sprintf("Код «%s» не найден. Возможно, вы искали:\n%s", html.EscapeString(query), reply.Text)
	reply.EditInPlace = false
	return reply
}

// deepLink joins the base with the start payload. A bare bot URL
// without a query string still yields a working ?start= link.
func (f *Formatter) deepLink(code string) string {
	base := f.deepLinkBase
	if base != "" && !strings.Contains(base, "?") {
		base += "?start="
	}
	return base + domain.EncodeDeepLink(code)
}

func truncateCode(code string) string {
	runes := []rune(code)
	if len(runes) <= maxButtonCodeLen {
		return code
	}
	return string(runes[:maxButtonCodeLen-1]) + "…"
}

package usecase

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vetlab/catalog-search/internal/core/domain"
)

// needNewSearchPrefix is the LLM escape hatch: a general-question answer
// starting with it means the follow-up was really a fresh query.
const needNewSearchPrefix = "NEED_NEW_SEARCH:"

func (e *Engine) handleUtterance(ctx context.Context, sess *domain.SearchContext, text string) (domain.Reply, error) {
	switch sess.State {
	case domain.StateConfirmingSearchType:
		return e.handleConfirmation(ctx, sess, text)
	case domain.StateClarifyingSearch:
		return e.handleClarification(ctx, sess, text)
	case domain.StateInDialog:
		return e.handleInDialog(ctx, sess, text)
	case domain.StateWaitingForCode:
		return e.runCodeSearch(ctx, sess, text)
	case domain.StateWaitingForName:
		return e.runNameSearch(ctx, sess, text)
	default:
		return e.classifyAndRoute(ctx, sess, text)
	}
}

func (e *Engine) classifyAndRoute(ctx context.Context, sess *domain.SearchContext, text string) (domain.Reply, error) {
	cls := e.deps.Classifier.Classify(ctx, text)
	e.deps.Metrics.RecordClassification(string(cls.Intent), string(cls.Method))

	switch {
	case cls.Confidence > ConfirmHighConfidence:
		return e.route(ctx, sess, text, cls)

	case cls.Confidence >= ConfirmLowConfidence:
		sess.PendingClassification = &cls
		sess.PendingQuery = text
		e.transition(sess, domain.StateConfirmingSearchType)
		return domain.Reply{
			Text: fmt.Sprintf("Похоже, вы ищете %s. Верно?", intentLabel(cls.Intent)),
			Keyboard: [][]domain.Button{{
				{Label: "Да", Callback: domain.Callback{Confirm: &domain.ConfirmCallback{Accept: true}}.Encode()},
				{Label: "Нет", Callback: domain.Callback{Confirm: &domain.ConfirmCallback{Accept: false}}.Encode()},
			}},
		}, nil

	default:
		sess.PendingQuery = text
		e.transition(sess, domain.StateClarifyingSearch)
		return e.typeSelectorReply(), nil
	}
}

func intentLabel(intent domain.Intent) string {
	switch intent {
	case domain.IntentCode:
		return "исследование по коду"
	case domain.IntentProfile:
		return "профиль (комплекс исследований)"
	case domain.IntentGeneral:
		return "ответ на общий вопрос"
	default:
		return "исследование по названию"
	}
}

func (e *Engine) typeSelectorReply() domain.Reply {
	return domain.Reply{
		Text: "Уточните, что искать: код, название, профиль или общий вопрос?",
		Keyboard: [][]domain.Button{{
			{Label: "Код", Callback: domain.Callback{SearchType: &domain.SearchTypeCallback{Kind: domain.SearchTypeCode}}.Encode()},
			{Label: "Название", Callback: domain.Callback{SearchType: &domain.SearchTypeCallback{Kind: domain.SearchTypeName}}.Encode()},
			{Label: "Профиль", Callback: domain.Callback{SearchType: &domain.SearchTypeCallback{Kind: domain.SearchTypeProfile}}.Encode()},
			{Label: "Вопрос", Callback: domain.Callback{SearchType: &domain.SearchTypeCallback{Kind: domain.SearchTypeQuestion}}.Encode()},
		}},
	}
}

// clarifierWord maps a selector callback kind onto the same keyword a
// typed reply would carry, so buttons and text share one code path.
func clarifierWord(kind string) string {
	switch kind {
	case domain.SearchTypeCode:
		return "код"
	case domain.SearchTypeName:
		return "название"
	case domain.SearchTypeProfile:
		return "профиль"
	default:
		return "вопрос"
	}
}

var yesWords = map[string]bool{"да": true, "ага": true, "верно": true, "конечно": true, "yes": true, "y": true}
var noWords = map[string]bool{"нет": true, "не": true, "no": true, "n": true}

func (e *Engine) handleConfirmation(ctx context.Context, sess *domain.SearchContext, text string) (domain.Reply, error) {
	word := normalizeRuleKey(text)
	switch {
	case yesWords[word]:
		cls := sess.PendingClassification
		query := sess.PendingQuery
		sess.PendingClassification = nil
		if cls == nil || query == "" {
			e.transition(sess, domain.StateWaitingForSearchType)
			return domain.Reply{Text: "Введите запрос ещё раз."}, nil
		}
		return e.route(ctx, sess, query, *cls)

	case noWords[word]:
		sess.PendingClassification = nil
		e.transition(sess, domain.StateClarifyingSearch)
		return e.typeSelectorReply(), nil

	default:
		// not an answer: treat as a brand-new utterance
		sess.PendingClassification = nil
		e.transition(sess, domain.StateWaitingForSearchType)
		return e.classifyAndRoute(ctx, sess, text)
	}
}

func (e *Engine) handleClarification(ctx context.Context, sess *domain.SearchContext, text string) (domain.Reply, error) {
	query := sess.PendingQuery
	switch normalizeRuleKey(text) {
	case "код", "по коду", "code":
		if query == "" {
			e.transition(sess, domain.StateWaitingForCode)
			return domain.Reply{Text: "Введите код исследования."}, nil
		}
		return e.runCodeSearch(ctx, sess, query)
	case "название", "по названию", "имя", "name":
		if query == "" {
			e.transition(sess, domain.StateWaitingForName)
			return domain.Reply{Text: "Введите название исследования."}, nil
		}
		return e.runNameSearch(ctx, sess, query)
	case "профиль", "профили", "profile":
		sess.ShowProfiles = true
		if query == "" {
			e.transition(sess, domain.StateWaitingForName)
			return domain.Reply{Text: "Введите название профиля."}, nil
		}
		return e.runNameSearch(ctx, sess, query)
	case "вопрос", "общий вопрос", "question":
		if query == "" {
			e.transition(sess, domain.StateWaitingForSearchType)
			return domain.Reply{Text: "Задайте ваш вопрос."}, nil
		}
		return e.runGeneralQuestion(ctx, sess, query)
	default:
		// they typed a fresh query instead of picking a type
		e.transition(sess, domain.StateWaitingForSearchType)
		return e.classifyAndRoute(ctx, sess, text)
	}
}

// handleInDialog decides whether a follow-up stays bound to the current
// entry or is really a new search. A confident question stays in the
// dialog unless it names another code or another department.
func (e *Engine) handleInDialog(ctx context.Context, sess *domain.SearchContext, text string) (domain.Reply, error) {
	cls := e.deps.Classifier.Classify(ctx, text)
	e.deps.Metrics.RecordClassification(string(cls.Intent), string(cls.Method))

	if cls.Intent != domain.IntentGeneral || cls.Confidence < ConfirmHighConfidence {
		e.transition(sess, domain.StateWaitingForSearchType)
		return e.route(ctx, sess, text, cls)
	}
	if code, ok := foreignCode(sess, text); ok {
		e.transition(sess, domain.StateWaitingForSearchType)
		return e.runCodeSearch(ctx, sess, code)
	}
	if e.departmentShift(sess, text) {
		e.transition(sess, domain.StateWaitingForSearchType)
		return e.runNameSearch(ctx, sess, text)
	}
	return e.runGeneralQuestion(ctx, sess, text)
}

// foreignCode finds a code token that is not the entry on screen.
func foreignCode(sess *domain.SearchContext, text string) (string, bool) {
	current := ""
	if sess.CurrentEntry != nil {
		current = NormalizeCode(sess.CurrentEntry.Code)
	}
	for _, word := range strings.Fields(text) {
		token := strings.Trim(word, ".,!?")
		if LooksLikeTestCode(token) && NormalizeCode(token) != current {
			return token, true
		}
	}
	return "", false
}

func (e *Engine) departmentShift(sess *domain.SearchContext, text string) bool {
	dep, ok := e.deps.Rules.ExtractDepartment(text)
	if !ok || sess.CurrentEntry == nil {
		return false
	}
	entryDep, known := e.deps.Rules.CanonicalDepartment(sess.CurrentEntry.Department)
	if !known {
		entryDep = sess.CurrentEntry.Department
	}
	return NormalizeRuleKey(dep) != NormalizeRuleKey(entryDep)
}

func (e *Engine) route(ctx context.Context, sess *domain.SearchContext, text string, cls domain.Classification) (domain.Reply, error) {
	switch cls.Intent {
	case domain.IntentCode:
		return e.runCodeSearch(ctx, sess, text)
	case domain.IntentProfile:
		sess.ShowProfiles = true
		return e.runNameSearch(ctx, sess, text)
	case domain.IntentGeneral:
		return e.runGeneralQuestion(ctx, sess, text)
	default:
		if WantsProfiles(text) {
			sess.ShowProfiles = true
		}
		return e.runNameSearch(ctx, sess, text)
	}
}

func (e *Engine) runCodeSearch(ctx context.Context, sess *domain.SearchContext, raw string) (domain.Reply, error) {
	token := extractCodeToken(raw)
	entries, err := e.deps.Retriever.FindByCode(ctx, token)
	if err != nil {
		e.deps.Logger.Error("code search failed", "query", raw, "error", err)
		return domain.Reply{Text: "Поиск временно недоступен, попробуйте позже."}, nil
	}

	if len(entries) > 0 {
		e.deps.Metrics.RecordSearch("code", true)
		return e.presentSingle(ctx, sess, raw, entries[0].Entry)
	}

	// fuzzy fallback: rank snapshot codes, digit-prefix filtered
	suggestions, err := e.deps.Retriever.SuggestCodes(ctx, token)
	if err != nil {
		e.deps.Logger.Warn("code suggestions failed", "query", raw, "error", err)
		suggestions = nil
	}
	e.deps.Metrics.RecordSearch("code", false)
	e.publishSearchEvent(ctx, sess, raw, "", false)

	cursor := domain.ResultCursor{
		ID:        uuid.NewString(),
		Entries:   suggestions,
		Query:     raw,
		CreatedAt: time.Now(),
	}
	sess.PutCursor(cursor)
	e.transition(sess, domain.StateWaitingForSearchType)
	return e.deps.Formatter.FormatNotFound(raw, cursor), nil
}

// extractCodeToken picks the code-looking token out of phrases like
// "код AN5".
func extractCodeToken(raw string) string {
	fields := strings.Fields(raw)
	for _, f := range fields {
		token := strings.Trim(f, ".,!?")
		if LooksLikeTestCode(token) {
			return token
		}
	}
	// "ан 5" splits the prefix from the number
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(raw, "код "), "Код "))
}

func (e *Engine) runNameSearch(ctx context.Context, sess *domain.SearchContext, query string) (domain.Reply, error) {
	expanded := e.deps.Expander.Expand(query)

	shortlist, err := e.deps.Retriever.FindByText(ctx, expanded, e.deps.TopK)
	if err != nil {
		e.deps.Logger.Error("name search failed", "query", query, "error", err)
		return domain.Reply{Text: "Поиск временно недоступен, попробуйте позже."}, nil
	}

	var ranked []domain.ScoredEntry
	if e.deps.Reranker != nil {
		ranked = e.deps.Reranker.Rerank(ctx, query, expanded, shortlist)
	} else {
		ranked = shortlist
	}

	showProfiles := sess.ShowProfiles
	sess.ShowProfiles = false // one-shot
	ranked = PartitionByKind(ranked, showProfiles)

	if len(ranked) == 0 {
		e.deps.Metrics.RecordSearch("name", false)
		e.publishSearchEvent(ctx, sess, query, "", false)
		e.transition(sess, domain.StateWaitingForSearchType)
		return domain.Reply{Text: fmt.Sprintf("По запросу «%s» ничего не найдено.", html.EscapeString(query))}, nil
	}

	e.deps.Metrics.RecordSearch("name", true)
	if len(ranked) == 1 {
		return e.presentSingle(ctx, sess, query, ranked[0].Entry)
	}

	cursor := domain.ResultCursor{
		ID:        uuid.NewString(),
		Entries:   ranked,
		Query:     query,
		CreatedAt: time.Now(),
	}
	sess.PutCursor(cursor)
	e.publishSearchEvent(ctx, sess, query, ranked[0].Entry.Code, true)
	e.transition(sess, domain.StateWaitingForSearchType)
	return e.deps.Formatter.FormatList(cursor, 0), nil
}

func (e *Engine) presentSingle(ctx context.Context, sess *domain.SearchContext, query string, entry domain.CatalogEntry) (domain.Reply, error) {
	e.publishSearchEvent(ctx, sess, query, entry.Code, true)
	entryCopy := entry
	sess.CurrentEntry = &entryCopy
	sess.LastViewedCode = NormalizeCode(entry.Code)
	sess.ShowProfiles = false
	e.transition(sess, domain.StateInDialog)

	reply := e.deps.Formatter.FormatEntry(entry)
	if row := e.relatedRow(ctx, entry.Code); len(row) > 0 {
		reply.Keyboard = append(reply.Keyboard, row)
	}
	return reply, nil
}

// relatedRow offers tests frequently searched together with the shown
// one, best effort from the co-search graph.
func (e *Engine) relatedRow(ctx context.Context, code string) []domain.Button {
	if e.deps.Related == nil {
		return nil
	}
	codes, err := e.deps.Related.GetUserRelatedTests(ctx, NormalizeCode(code), 3)
	if err != nil {
		e.deps.Logger.Warn("related tests lookup failed", "code", code, "error", err)
		return nil
	}
	var row []domain.Button
	for _, related := range codes {
		row = append(row, domain.Button{
			Label:    "🔗 " + truncateCode(related),
			Callback: domain.Callback{ShowTest: &domain.ShowTestCallback{Code: related}}.Encode(),
		})
	}
	return row
}

func (e *Engine) showEntryByCode(ctx context.Context, sess *domain.SearchContext, code string) (domain.Reply, error) {
	entry, err := e.deps.Retriever.LookupCode(ctx, code)
	if err != nil {
		if domain.IsKind(err, domain.ErrEntryNotFound) {
			return domain.Reply{Text: fmt.Sprintf("Исследование %s не найдено.", html.EscapeString(NormalizeCode(code)))}, err
		}
		return domain.Reply{Text: "Поиск временно недоступен, попробуйте позже."}, nil
	}
	return e.presentSingle(ctx, sess, code, entry)
}

const generalQuestionSystem = `Ты — ассистент ветеринарной лаборатории. Отвечай кратко и по делу на вопросы о подготовке, хранении и сдаче анализов.
Если вопрос пользователя на самом деле является новым поиском исследования, ответь строго строкой:
NEED_NEW_SEARCH: <поисковый запрос>`

func (e *Engine) runGeneralQuestion(ctx context.Context, sess *domain.SearchContext, question string) (domain.Reply, error) {
	if e.deps.LLM == nil {
		return domain.Reply{Text: "Задайте вопрос оператору лаборатории."}, nil
	}

	system := generalQuestionSystem
	if sess.CurrentEntry != nil {
		entry := *sess.CurrentEntry
		system += fmt.Sprintf("\n\nТекущее исследование: %s (%s). Отдел: %s. Биоматериал: %s. Подготовка: %s. Преаналитика: %s.",
			entry.Name, entry.Code, entry.Department, entry.Biomaterial, entry.PatientPreparation, entry.Preanalytics)
	}

	answer, err := e.deps.LLM.Complete(ctx, system, question)
	if err != nil {
		e.deps.Logger.Warn("general question failed", "error", err)
		return domain.Reply{Text: "Не получилось ответить сейчас, попробуйте переформулировать вопрос."}, nil
	}

	answer = strings.TrimSpace(answer)
	if extracted, ok := strings.CutPrefix(answer, needNewSearchPrefix); ok {
		query := strings.TrimSpace(extracted)
		if query != "" {
			e.transition(sess, domain.StateWaitingForSearchType)
			cls := e.deps.Classifier.Classify(ctx, query)
			e.deps.Metrics.RecordClassification(string(cls.Intent), string(cls.Method))
			return e.route(ctx, sess, query, cls)
		}
	}

	e.deps.Metrics.RecordSearch("general", true)
	return domain.Reply{Text: html.EscapeString(answer)}, nil
}

package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vetlab/catalog-search/internal/core/domain"
	"github.com/vetlab/catalog-search/internal/core/ports"
)

// Confidence bands for routing a fresh classification: above the high
// bar the engine routes directly, between the bars it asks for a yes/no
// confirmation, below the low bar it shows the explicit type selector.
const (
	ConfirmHighConfidence = 0.85
	ConfirmLowConfidence  = 0.70
)

// EngineDeps lists everything the engine needs; built once in bootstrap,
// no ambient state.
type EngineDeps struct {
	Expander   *Expander
	Classifier *Classifier
	Retriever  *Retriever
	Reranker   *Reranker
	Formatter  *Formatter
	Rules      Rules
	LLM        ChatCompleter

	Photos  ports.PhotoStore
	Events  ports.EventQueue
	Related ports.RelatedGraph

	Sessions *SessionRegistry
	Logger   *slog.Logger
	Metrics  Metrics

	TopK int
}

// Engine drives the whole query-understanding pipeline and owns the
// dialog state machine. It is safe for concurrent use across chats.
type Engine struct {
	deps EngineDeps
}

func NewEngine(deps EngineDeps) (*Engine, error) {
	if deps.Retriever == nil || deps.Classifier == nil || deps.Formatter == nil {
		return nil, fmt.Errorf("engine: retriever, classifier and formatter are required")
	}
	if deps.Expander == nil {
		deps.Expander = NewIdentityExpander()
	}
	if deps.Sessions == nil {
		deps.Sessions = NewSessionRegistry(0)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.TopK <= 0 {
		deps.TopK = 30
	}
	return &Engine{deps: deps}, nil
}

// HandleMessage processes one user utterance for one chat. A second
// message while a search is running gets a wait reply with ErrBusy and
// mutates nothing.
func (e *Engine) HandleMessage(ctx context.Context, chatID string, user domain.UserRef, text string) (domain.Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Reply{Text: "Пустой запрос. Введите код или название исследования."}, domain.ErrInvalidInput
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := e.deps.Sessions.Acquire(chatID, user, cancel)
	if err != nil {
		return domain.Reply{Text: "⏳ Предыдущий поиск ещё выполняется, подождите."}, err
	}
	defer e.deps.Sessions.Release(chatID)

	reply, err := e.handleUtterance(ctx, sess, text)
	if err != nil && ctx.Err() != nil {
		// cancelled mid-flight: the transport already removed the
		// loading UI, nothing to report
		return domain.Reply{}, ctx.Err()
	}
	return reply, err
}

// HandleDeepLink resolves a start=test_<b64> payload straight to the
// single-entry view.
func (e *Engine) HandleDeepLink(ctx context.Context, chatID string, user domain.UserRef, payload string) (domain.Reply, error) {
	code, err := domain.DecodeDeepLink(payload)
	if err != nil {
		return domain.Reply{Text: "Ссылка не распознана."}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := e.deps.Sessions.Acquire(chatID, user, cancel)
	if err != nil {
		return domain.Reply{Text: "⏳ Предыдущий поиск ещё выполняется, подождите."}, err
	}
	defer e.deps.Sessions.Release(chatID)

	return e.showEntryByCode(ctx, sess, code)
}

// EndDialog clears the chat context; the transport returns to its menu.
func (e *Engine) EndDialog(chatID string) {
	e.deps.Sessions.CancelInFlight(chatID)
	e.deps.Sessions.Drop(chatID)
}

// HandleCallback routes an inline-button payload.
func (e *Engine) HandleCallback(ctx context.Context, chatID string, payload string) (domain.Reply, error) {
	cb, err := domain.DecodeCallback(payload)
	if err != nil {
		return domain.Reply{Text: "Кнопка устарела."}, err
	}

	switch {
	case cb.ShowTest != nil:
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		sess, err := e.deps.Sessions.Acquire(chatID, domain.UserRef{}, cancel)
		if err != nil {
			return domain.Reply{Text: "⏳ Подождите завершения поиска."}, err
		}
		defer e.deps.Sessions.Release(chatID)
		return e.showEntryByCode(ctx, sess, cb.ShowTest.Code)

	case cb.Page != nil:
		sess, ok := e.deps.Sessions.Peek(chatID)
		if !ok {
			return domain.Reply{Text: "Результаты устарели, выполните поиск заново."}, nil
		}
		cursor, ok := sess.Cursor(cb.Page.SearchID)
		if !ok {
			return domain.Reply{Text: "Результаты устарели, выполните поиск заново."}, nil
		}
		reply := e.deps.Formatter.FormatList(cursor, cb.Page.Page)
		reply.EditInPlace = true
		return reply, nil

	case cb.Confirm != nil:
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		sess, err := e.deps.Sessions.Acquire(chatID, domain.UserRef{}, cancel)
		if err != nil {
			return domain.Reply{Text: "⏳ Подождите завершения поиска."}, err
		}
		defer e.deps.Sessions.Release(chatID)
		if sess.State != domain.StateConfirmingSearchType {
			return domain.Reply{Text: "Кнопка устарела."}, nil
		}
		answer := "нет"
		if cb.Confirm.Accept {
			answer = "да"
		}
		return e.handleConfirmation(ctx, sess, answer)

	case cb.SearchType != nil:
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		sess, err := e.deps.Sessions.Acquire(chatID, domain.UserRef{}, cancel)
		if err != nil {
			return domain.Reply{Text: "⏳ Подождите завершения поиска."}, err
		}
		defer e.deps.Sessions.Release(chatID)
		if sess.State != domain.StateClarifyingSearch {
			return domain.Reply{Text: "Кнопка устарела."}, nil
		}
		return e.handleClarification(ctx, sess, clarifierWord(cb.SearchType.Kind))

	case cb.ShowPhotos != nil:
		return e.showContainerPhotos(ctx, cb.ShowPhotos.Code)

	case cb.HidePhotos != nil:
		// delete the listed message ids and the prompting message
		return domain.Reply{DeleteMessageIDs: cb.HidePhotos.MessageIDs, RemoveKeyboard: true}, nil

	case cb.NewSearch:
		if sess, ok := e.deps.Sessions.Peek(chatID); ok {
			sess.Reset()
		}
		return domain.Reply{Text: "Введите код или название исследования."}, nil

	case cb.CloseKeyboard:
		return domain.Reply{RemoveKeyboard: true}, nil

	default: // ignore
		return domain.Reply{}, nil
	}
}

func (e *Engine) showContainerPhotos(ctx context.Context, code string) (domain.Reply, error) {
	if e.deps.Photos == nil {
		return domain.Reply{Text: "Фото контейнеров недоступны."}, nil
	}
	entry, err := e.deps.Retriever.LookupCode(ctx, code)
	if err != nil {
		return domain.Reply{Text: "Исследование не найдено."}, err
	}

	var fileIDs []string
	var captions []string
	for _, container := range []string{entry.ContainerPrimary, entry.ContainerStorage} {
		key := NormalizeRuleKey(container)
		if key == "" {
			continue
		}
		photo, ok, err := e.deps.Photos.GetContainerPhoto(ctx, key)
		if err != nil {
			e.deps.Logger.Warn("container photo lookup failed", "container", key, "error", err)
			continue
		}
		if ok {
			fileIDs = append(fileIDs, photo.FileID)
			if photo.Description != "" {
				captions = append(captions, photo.Description)
			}
		}
	}
	if len(fileIDs) == 0 {
		return domain.Reply{Text: "Для этого исследования нет фото контейнеров."}, nil
	}

	return domain.Reply{
		Text:         strings.Join(captions, "\n"),
		PhotoFileIDs: fileIDs,
		Keyboard: [][]domain.Button{{{
			Label:    "Скрыть фото",
			Callback: domain.Callback{HidePhotos: &domain.HidePhotosCallback{Code: entry.Code}}.Encode(),
		}}},
	}, nil
}

// publishSearchEvent is best effort: history must never break the turn.
func (e *Engine) publishSearchEvent(ctx context.Context, sess *domain.SearchContext, query, matchedCode string, success bool) {
	if e.deps.Events == nil {
		return
	}
	event := ports.SearchEvent{
		EventID:      uuid.NewString(),
		UserID:       sess.User.ID,
		Query:        query,
		MatchedCode:  matchedCode,
		PreviousCode: sess.LastViewedCode,
		Success:      success,
		UnixTime:     time.Now().Unix(),
	}
	if err := e.deps.Events.PublishSearchRecorded(ctx, event); err != nil {
		e.deps.Logger.Warn("search event publish failed", "error", err)
	}
}

func (e *Engine) transition(sess *domain.SearchContext, to domain.DialogState) {
	if sess.State != to {
		e.deps.Metrics.RecordStateTransition(string(sess.State), string(to))
		sess.State = to
	}
}

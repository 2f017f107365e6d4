package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/vetlab/catalog-search/internal/core/domain"
	"github.com/vetlab/catalog-search/internal/core/ports"
)

// fakeVectorStore is an exact-filter plus constant-score similarity
// double. The low default score keeps the text-similarity fallback of
// the code search quiet unless a test raises it.
type fakeVectorStore struct {
	entries  []domain.CatalogEntry
	simScore float64
}

func (f *fakeVectorStore) Filter(_ context.Context, field, value string) ([]domain.ScoredEntry, error) {
	var out []domain.ScoredEntry
	for _, e := range f.entries {
		var fv string
		switch field {
		case "code":
			fv = e.Code
		case "name":
			fv = e.Name
		case "department":
			fv = e.Department
		}
		if fv == value {
			out = append(out, domain.ScoredEntry{Entry: e, Score: 1.0})
		}
	}
	return out, nil
}

func (f *fakeVectorStore) Similar(_ context.Context, _ string, k int) ([]domain.ScoredEntry, error) {
	score := f.simScore
	if score == 0 {
		score = 0.5
	}
	out := make([]domain.ScoredEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, domain.ScoredEntry{Entry: e, Score: score})
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// scriptedLLM returns canned responses in order and fails on any call
// past the script.
type scriptedLLM struct {
	responses []string
	calls     int
}

func (s *scriptedLLM) Complete(_ context.Context, _, _ string) (string, error) {
	if s.calls >= len(s.responses) {
		return "", fmt.Errorf("unexpected llm call %d", s.calls+1)
	}
	r := s.responses[s.calls]
	s.calls++
	return r, nil
}

type fakeQueue struct {
	events []ports.SearchEvent
}

func (q *fakeQueue) PublishSearchRecorded(_ context.Context, event ports.SearchEvent) error {
	q.events = append(q.events, event)
	return nil
}

func (q *fakeQueue) SubscribeSearchRecorded(context.Context, func(context.Context, ports.SearchEvent) error) error {
	return nil
}

type fakePhotos map[string]ports.ContainerPhoto

func (p fakePhotos) GetContainerPhoto(_ context.Context, normalizedType string) (ports.ContainerPhoto, bool, error) {
	photo, ok := p[normalizedType]
	return photo, ok, nil
}

type fakeRelated map[string][]string

func (r fakeRelated) UpdateRelatedTests(context.Context, string, string) error { return nil }

func (r fakeRelated) GetUserRelatedTests(_ context.Context, code string, limit int) ([]string, error) {
	codes := r[code]
	if len(codes) > limit {
		codes = codes[:limit]
	}
	return codes, nil
}

func catalogFixture() []domain.CatalogEntry {
	return []domain.CatalogEntry{
		{Code: "AN5", Name: "ОАК (Общий анализ крови)", Department: "Гематология", ContainerPrimary: "Пробирка ЭДТА"},
		{Code: "AN33", Name: "Глюкоза", Department: "Биохимия"},
		{Code: "AN116", Name: "ОАМ (Общий анализ мочи)", Department: "Клиническая лаборатория"},
		{Code: "AN30ОБС", Name: "Биохимия стандарт", Department: "Биохимия"},
	}
}

type engineFixture struct {
	engine *Engine
	store  *fakeVectorStore
	queue  *fakeQueue
	llm    ChatCompleter
}

func newEngineFixture(t *testing.T, llm ChatCompleter) *engineFixture {
	t.Helper()

	store := &fakeVectorStore{entries: catalogFixture()}
	queue := &fakeQueue{}
	engine, err := NewEngine(EngineDeps{
		Classifier: NewClassifier(llm, Rules{}, nil),
		Retriever:  NewRetriever(store, nil),
		Formatter:  NewFormatter("https://t.me/bot?start="),
		LLM:        llm,
		Photos:     fakePhotos{"пробирка эдта": {FileID: "file-1", Description: "Пробирка с ЭДТА"}},
		Events:     queue,
		Related:    fakeRelated{"AN5": {"AN33"}},
		Sessions:   NewSessionRegistry(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	return &engineFixture{engine: engine, store: store, queue: queue, llm: llm}
}

func (f *engineFixture) session(t *testing.T, chatID string) *domain.SearchContext {
	t.Helper()
	sess, ok := f.engine.deps.Sessions.Peek(chatID)
	if !ok {
		t.Fatalf("no session for chat %q", chatID)
	}
	return sess
}

var testUser = domain.UserRef{ID: "u1", Name: "Вика"}

func TestEngineDirectCodeHit(t *testing.T) {
	f := newEngineFixture(t, &scriptedLLM{})

	reply, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "ан5")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(reply.Text, "<b>Исследование AN5</b>") {
		t.Fatalf("reply: %q", reply.Text)
	}

	sess := f.session(t, "chat1")
	if sess.State != domain.StateInDialog || sess.LastViewedCode != "AN5" {
		t.Fatalf("session after hit: state=%q code=%q", sess.State, sess.LastViewedCode)
	}

	if len(f.queue.events) != 1 {
		t.Fatalf("events = %d, want 1", len(f.queue.events))
	}
	ev := f.queue.events[0]
	if !ev.Success || ev.MatchedCode != "AN5" || ev.UserID != "u1" {
		t.Fatalf("event: %+v", ev)
	}

	// the co-search row is appended after the standard keyboard
	last := reply.Keyboard[len(reply.Keyboard)-1]
	if len(last) != 1 || last[0].Label != "🔗 AN33" {
		t.Fatalf("related row: %v", last)
	}
}

func TestEngineCodeMissFallsBackToFuzzy(t *testing.T) {
	f := newEngineFixture(t, &scriptedLLM{})

	reply, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "AN11")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(reply.Text, "Код «AN11» не найден") {
		t.Fatalf("reply: %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "AN116") {
		t.Fatalf("fuzzy suggestion missing: %q", reply.Text)
	}

	ev := f.queue.events[0]
	if ev.Success || ev.MatchedCode != "" {
		t.Fatalf("miss must record a failed search: %+v", ev)
	}
}

func TestEngineConfirmationBand(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"TYPE: name\nCONFIDENCE: 0.75\nREASONING: свободный текст"}}
	f := newEngineFixture(t, llm)

	reply, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "что-то про печень")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "Верно?") {
		t.Fatalf("expected a confirmation prompt, got %q", reply.Text)
	}
	if f.session(t, "chat1").State != domain.StateConfirmingSearchType {
		t.Fatalf("state = %q", f.session(t, "chat1").State)
	}

	// "да" resumes the pending query as a name search
	reply, err = f.engine.HandleMessage(context.Background(), "chat1", testUser, "да")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(reply.Text, "Найдено:") {
		t.Fatalf("confirmed search reply: %q", reply.Text)
	}
	if f.session(t, "chat1").State != domain.StateWaitingForSearchType {
		t.Fatalf("state after list = %q", f.session(t, "chat1").State)
	}
}

func TestEngineConfirmationRejectedShowsSelector(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"TYPE: name\nCONFIDENCE: 0.75"}}
	f := newEngineFixture(t, llm)

	if _, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "что-то про печень"); err != nil {
		t.Fatal(err)
	}
	reply, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "нет")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "Уточните") {
		t.Fatalf("expected the type selector, got %q", reply.Text)
	}
	if f.session(t, "chat1").State != domain.StateClarifyingSearch {
		t.Fatalf("state = %q", f.session(t, "chat1").State)
	}
}

func TestEngineClarifierBand(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"TYPE: name\nCONFIDENCE: 0.5"}}
	f := newEngineFixture(t, llm)

	reply, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "что-то про печень")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "Уточните") {
		t.Fatalf("low confidence must show the selector, got %q", reply.Text)
	}

	// picking "название" replays the stored query
	reply, err = f.engine.HandleMessage(context.Background(), "chat1", testUser, "название")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(reply.Text, "Найдено:") {
		t.Fatalf("clarified search reply: %q", reply.Text)
	}
}

func TestEngineConfirmationViaButton(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"TYPE: name\nCONFIDENCE: 0.75"}}
	f := newEngineFixture(t, llm)

	reply, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "что-то про печень")
	if err != nil {
		t.Fatal(err)
	}
	yes := reply.Keyboard[0][0]
	if yes.Label != "Да" {
		t.Fatalf("first confirm button = %+v", yes)
	}

	// pressing the button runs the pending query, same as typing "да"
	reply, err = f.engine.HandleCallback(context.Background(), "chat1", yes.Callback)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(reply.Text, "Найдено:") {
		t.Fatalf("confirmed search reply: %q", reply.Text)
	}
}

func TestEngineConfirmationButtonRejectShowsSelector(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"TYPE: name\nCONFIDENCE: 0.75"}}
	f := newEngineFixture(t, llm)

	reply, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "что-то про печень")
	if err != nil {
		t.Fatal(err)
	}
	no := reply.Keyboard[0][1]

	reply, err = f.engine.HandleCallback(context.Background(), "chat1", no.Callback)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "Уточните") {
		t.Fatalf("expected the type selector, got %q", reply.Text)
	}
	if f.session(t, "chat1").State != domain.StateClarifyingSearch {
		t.Fatalf("state = %q", f.session(t, "chat1").State)
	}
}

func TestEngineTypeSelectorViaButton(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"TYPE: name\nCONFIDENCE: 0.5"}}
	f := newEngineFixture(t, llm)

	reply, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "что-то про печень")
	if err != nil {
		t.Fatal(err)
	}
	var nameBtn domain.Button
	for _, btn := range reply.Keyboard[0] {
		if btn.Label == "Название" {
			nameBtn = btn
		}
	}
	if nameBtn.Callback == "" {
		t.Fatalf("selector keyboard: %+v", reply.Keyboard)
	}

	reply, err = f.engine.HandleCallback(context.Background(), "chat1", nameBtn.Callback)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(reply.Text, "Найдено:") {
		t.Fatalf("selector pick must replay the stored query: %q", reply.Text)
	}
}

func TestEngineStaleConfirmButton(t *testing.T) {
	f := newEngineFixture(t, &scriptedLLM{})

	payload := domain.Callback{Confirm: &domain.ConfirmCallback{Accept: true}}.Encode()
	reply, err := f.engine.HandleCallback(context.Background(), "chat1", payload)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "устарела") {
		t.Fatalf("stale confirm reply: %q", reply.Text)
	}
}

// blockingLLM parks the first completion until released, so a test can
// hold a search in flight.
type blockingLLM struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingLLM) Complete(ctx context.Context, _, _ string) (string, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
		return "", errors.New("released")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestEngineBusySingleFlight(t *testing.T) {
	llm := &blockingLLM{started: make(chan struct{}, 1), release: make(chan struct{})}
	f := newEngineFixture(t, llm)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.engine.HandleMessage(context.Background(), "chat1", testUser, "что-то про печень")
	}()
	<-llm.started

	reply, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "AN5")
	if !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if !strings.Contains(reply.Text, "подождите") {
		t.Fatalf("busy reply: %q", reply.Text)
	}

	// an unrelated chat is not blocked
	if _, err := f.engine.HandleMessage(context.Background(), "chat2", testUser, "AN5"); err != nil {
		t.Fatalf("independent chat: %v", err)
	}

	close(llm.release)
	<-done
	if _, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "AN5"); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

func TestEngineProfileIntentIsOneShot(t *testing.T) {
	f := newEngineFixture(t, &scriptedLLM{})

	reply, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "профили")
	if err != nil {
		t.Fatal(err)
	}
	// the catalog holds a single profile, so the view collapses to it
	if !strings.HasPrefix(reply.Text, "<b>Профиль AN30ОБС</b>") {
		t.Fatalf("profile search reply: %q", reply.Text)
	}
	if f.session(t, "chat1").ShowProfiles {
		t.Fatal("profile flag must be consumed by the search")
	}
}

func TestEngineProfileSearchWithoutProfilesNotFound(t *testing.T) {
	f := newEngineFixture(t, &scriptedLLM{})
	f.store.entries = []domain.CatalogEntry{
		{Code: "AN5", Name: "ОАК (Общий анализ крови)", Department: "Гематология"},
		{Code: "AN33", Name: "Глюкоза", Department: "Биохимия"},
	}

	reply, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "профили")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "ничего не найдено") {
		t.Fatalf("expected not found, got %q", reply.Text)
	}
	if strings.Contains(reply.Text, "AN5") || strings.Contains(reply.Text, "AN33") {
		t.Fatalf("ordinary tests must not stand in for missing profiles: %q", reply.Text)
	}
}

func TestEngineEmptyMessage(t *testing.T) {
	f := newEngineFixture(t, &scriptedLLM{})

	_, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "   ")
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEngineDeepLink(t *testing.T) {
	f := newEngineFixture(t, &scriptedLLM{})

	reply, err := f.engine.HandleDeepLink(context.Background(), "chat1", testUser, domain.EncodeDeepLink("AN116"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(reply.Text, "<b>Исследование AN116</b>") {
		t.Fatalf("deep link reply: %q", reply.Text)
	}

	if _, err := f.engine.HandleDeepLink(context.Background(), "chat1", testUser, "promo_x"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("foreign payload: %v", err)
	}
}

func TestEngineCallbackShowTest(t *testing.T) {
	f := newEngineFixture(t, &scriptedLLM{})

	payload := domain.Callback{ShowTest: &domain.ShowTestCallback{Code: "AN33"}}.Encode()
	reply, err := f.engine.HandleCallback(context.Background(), "chat1", payload)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(reply.Text, "<b>Исследование AN33</b>") {
		t.Fatalf("callback reply: %q", reply.Text)
	}
	if f.session(t, "chat1").LastViewedCode != "AN33" {
		t.Fatal("callback view must update the session")
	}
}

func TestEngineCallbackStalePage(t *testing.T) {
	f := newEngineFixture(t, &scriptedLLM{})

	payload := domain.Callback{Page: &domain.PageCallback{Direction: domain.PageNext, Page: 1, SearchID: "gone"}}.Encode()
	reply, err := f.engine.HandleCallback(context.Background(), "chat1", payload)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "устарели") {
		t.Fatalf("stale page reply: %q", reply.Text)
	}
}

func TestEngineCallbackNewSearchResets(t *testing.T) {
	f := newEngineFixture(t, &scriptedLLM{})

	if _, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "AN5"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.HandleCallback(context.Background(), "chat1", domain.Callback{NewSearch: true}.Encode()); err != nil {
		t.Fatal(err)
	}
	sess := f.session(t, "chat1")
	if sess.State != domain.StateWaitingForSearchType || sess.CurrentEntry != nil {
		t.Fatalf("session not reset: %+v", sess)
	}
}

func TestEngineCallbackPhotos(t *testing.T) {
	f := newEngineFixture(t, &scriptedLLM{})

	payload := domain.Callback{ShowPhotos: &domain.ShowPhotosCallback{Code: "AN5"}}.Encode()
	reply, err := f.engine.HandleCallback(context.Background(), "chat1", payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.PhotoFileIDs) != 1 || reply.PhotoFileIDs[0] != "file-1" {
		t.Fatalf("photos reply: %+v", reply)
	}

	// entry without a known container
	payload = domain.Callback{ShowPhotos: &domain.ShowPhotosCallback{Code: "AN33"}}.Encode()
	reply, err = f.engine.HandleCallback(context.Background(), "chat1", payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.PhotoFileIDs) != 0 || !strings.Contains(reply.Text, "нет фото") {
		t.Fatalf("no-photo reply: %+v", reply)
	}
}

func TestEngineGeneralQuestionInDialog(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"TYPE: general\nCONFIDENCE: 0.9",
		"Хранить при +2..+8 не дольше суток.",
	}}
	f := newEngineFixture(t, llm)

	if _, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "AN5"); err != nil {
		t.Fatal(err)
	}
	reply, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "как хранить материал?")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "Хранить при +2..+8") {
		t.Fatalf("answer: %q", reply.Text)
	}
	if f.session(t, "chat1").State != domain.StateInDialog {
		t.Fatal("general follow-up must keep the dialog open")
	}
}

func TestEngineGeneralQuestionEscapesToNewSearch(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"TYPE: general\nCONFIDENCE: 0.9",
		"NEED_NEW_SEARCH: AN116",
	}}
	f := newEngineFixture(t, llm)

	if _, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "AN5"); err != nil {
		t.Fatal(err)
	}
	reply, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "как хранить материал?")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(reply.Text, "<b>Исследование AN116</b>") {
		t.Fatalf("escape hatch must run the extracted search, got %q", reply.Text)
	}
}

func TestEngineInDialogCodeMentionStartsNewSearch(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"TYPE: general\nCONFIDENCE: 0.9"}}
	f := newEngineFixture(t, llm)

	if _, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "AN5"); err != nil {
		t.Fatal(err)
	}
	// mentions a different code, so it is a fresh search even though the
	// classifier read it as a question
	reply, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "как сдавать ан116 правильно?")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(reply.Text, "<b>Исследование AN116</b>") {
		t.Fatalf("expected a new search, got %q", reply.Text)
	}
}

func TestEngineEndDialogDropsSession(t *testing.T) {
	f := newEngineFixture(t, &scriptedLLM{})

	if _, err := f.engine.HandleMessage(context.Background(), "chat1", testUser, "AN5"); err != nil {
		t.Fatal(err)
	}
	f.engine.EndDialog("chat1")
	if _, ok := f.engine.deps.Sessions.Peek("chat1"); ok {
		t.Fatal("session must be dropped")
	}
}

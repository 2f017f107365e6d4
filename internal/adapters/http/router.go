package httpadapter

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/vetlab/catalog-search/internal/core/domain"
	"github.com/vetlab/catalog-search/internal/core/ports"
)

// Router exposes the search engine to the chat transport gateway. The
// gateway terminates the messenger protocol and speaks this small JSON
// API; every endpoint returns a transport-neutral Reply.
type Router struct {
	engine  ports.SearchEngine
	history ports.HistoryStore
}

func NewRouter(engine ports.SearchEngine, history ports.HistoryStore) *Router {
	return &Router{
		engine:  engine,
		history: history,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/messages", rt.handleMessage)
	mux.HandleFunc("/v1/callbacks", rt.handleCallback)
	mux.HandleFunc("/v1/links", rt.handleDeepLink)
	mux.HandleFunc("/v1/dialogs/", rt.endDialog)
	mux.HandleFunc("/v1/suggestions", rt.suggestions)
	return requestIDMiddleware(accessLogMiddleware(mux))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
}

func (u userPayload) ref() domain.UserRef {
	return domain.UserRef{ID: u.ID, Name: u.Name, Language: u.Language}
}

func (rt *Router) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		ChatID string      `json:"chat_id"`
		User   userPayload `json:"user"`
		Text   string      `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.ChatID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat_id is required"})
		return
	}

	reply, err := rt.engine.HandleMessage(r.Context(), req.ChatID, req.User.ref(), req.Text)
	if err != nil {
		writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (rt *Router) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		ChatID  string `json:"chat_id"`
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.ChatID == "" || req.Payload == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat_id and payload are required"})
		return
	}

	reply, err := rt.engine.HandleCallback(r.Context(), req.ChatID, req.Payload)
	if err != nil {
		writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (rt *Router) handleDeepLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		ChatID  string      `json:"chat_id"`
		User    userPayload `json:"user"`
		Payload string      `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.ChatID == "" || req.Payload == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat_id and payload are required"})
		return
	}

	reply, err := rt.engine.HandleDeepLink(r.Context(), req.ChatID, req.User.ref(), req.Payload)
	if err != nil {
		writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (rt *Router) endDialog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	chatID := strings.TrimPrefix(r.URL.Path, "/v1/dialogs/")
	if chatID == "" || strings.Contains(chatID, "/") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat id is required"})
		return
	}

	rt.engine.EndDialog(chatID)
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) suggestions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if rt.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"suggestions": []string{}})
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	prefix := r.URL.Query().Get("prefix")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	suggestions, err := rt.history.GetSearchSuggestions(r.Context(), userID, prefix, limit)
	if err != nil {
		writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
		return
	}
	if suggestions == nil {
		suggestions = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

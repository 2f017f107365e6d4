package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vetlab/catalog-search/internal/core/domain"
)

func TestCompleteSendsSystemAndUserMessages(t *testing.T) {
	var captured struct {
		Model    string        `json:"model"`
		Stream   bool          `json:"stream"`
		Messages []chatMessage `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"  TYPE: code\n"}}`))
	}))
	defer server.Close()

	client := New(server.URL, "gen-model", "embed-model", Options{})
	got, err := client.Complete(context.Background(), "системная инструкция", "ан5")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "TYPE: code" {
		t.Fatalf("completion = %q, want trimmed text", got)
	}

	if captured.Model != "gen-model" || captured.Stream {
		t.Fatalf("request: %+v", captured)
	}
	if len(captured.Messages) != 2 ||
		captured.Messages[0].Role != "system" || captured.Messages[0].Content != "системная инструкция" ||
		captured.Messages[1].Role != "user" || captured.Messages[1].Content != "ан5" {
		t.Fatalf("messages: %+v", captured.Messages)
	}
}

func TestEmbedBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2],[0.3,0.4]]}`))
	}))
	defer server.Close()

	client := New(server.URL, "gen-model", "embed-model", Options{})
	vectors, err := client.Embed(context.Background(), []string{"оак", "глюкоза"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vectors) != 2 || len(vectors[0]) != 2 {
		t.Fatalf("vectors = %v", vectors)
	}
}

func TestEmbedVectorCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[0.1]]}`))
	}))
	defer server.Close()

	client := New(server.URL, "gen-model", "embed-model", Options{})
	_, err := client.Embed(context.Background(), []string{"оак", "глюкоза"})
	if err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestCompleteIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	client := New(server.URL, "gen-model", "embed-model", Options{})
	_, err := client.Complete(context.Background(), "s", "u")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
}

func TestServerErrorIsTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(server.URL, "gen-model", "embed-model", Options{})
	_, err := client.Complete(context.Background(), "s", "u")
	if !errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("5xx must map to ErrTemporary, got %v", err)
	}
}

func TestEmbedQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[0.5,0.6]]}`))
	}))
	defer server.Close()

	client := New(server.URL, "gen-model", "embed-model", Options{})
	vector, err := client.EmbedQuery(context.Background(), "оак")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if len(vector) != 2 || vector[0] != 0.5 {
		t.Fatalf("vector = %v", vector)
	}
}

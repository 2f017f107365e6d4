package qdrant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vetlab/catalog-search/internal/core/domain"
	"github.com/vetlab/catalog-search/internal/infrastructure/resilience"
)

type staticEmbedder struct {
	vector []float32
}

func (s *staticEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return s.vector, nil
}

func TestFilterBuildsMustMatch(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/catalog/points/scroll" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"result":{"points":[{"payload":{"code":"AN5","name":"ОАК","department":"Гематология"}}]}}`))
	}))
	defer server.Close()

	client := New(server.URL, "catalog", nil)
	entries, err := client.Filter(context.Background(), "code", "AN5")
	if err != nil {
		t.Fatalf("Filter() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Entry.Code != "AN5" || entries[0].Entry.Name != "ОАК" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Score != 1.0 {
		t.Fatalf("exact match score = %v", entries[0].Score)
	}

	raw, _ := json.Marshal(captured["filter"])
	if !strings.Contains(string(raw), `"key":"code"`) || !strings.Contains(string(raw), `"value":"AN5"`) {
		t.Fatalf("filter body: %s", raw)
	}
}

func TestSimilarEmbedsAndSearches(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/catalog/points/search" {
			http.NotFound(w, r)
			return
		}
		var payload struct {
			Vector []float32 `json:"vector"`
			Limit  int       `json:"limit"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(payload.Vector) != 3 || payload.Limit != 5 {
			t.Fatalf("search request: %+v", payload)
		}
		_, _ = w.Write([]byte(`{"result":[{"score":0.91,"payload":{"code":"AN33","name":"Глюкоза"}}]}`))
	}))
	defer server.Close()

	client := New(server.URL, "catalog", &staticEmbedder{vector: []float32{0.1, 0.2, 0.3}})
	entries, err := client.Similar(context.Background(), "глюкоза", 5)
	if err != nil {
		t.Fatalf("Similar() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Entry.Code != "AN33" || entries[0].Score != 0.91 {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestIndexEntriesEnsuresCollectionOnce(t *testing.T) {
	var ensureCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/collections/catalog":
			atomic.AddInt32(&ensureCalls, 1)
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/catalog/points":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := New(server.URL, "catalog", nil)
	entries := []domain.CatalogEntry{{Code: "AN5", Name: "ОАК"}}
	vectors := [][]float32{{0.1, 0.2}}

	if err := client.IndexEntries(context.Background(), entries, vectors); err != nil {
		t.Fatalf("first IndexEntries() error = %v", err)
	}
	if err := client.IndexEntries(context.Background(), entries, vectors); err != nil {
		t.Fatalf("second IndexEntries() error = %v", err)
	}
	if got := atomic.LoadInt32(&ensureCalls); got != 1 {
		t.Fatalf("expected ensure collection called once, got %d", got)
	}
}

func TestIndexEntriesToleratesExistingCollection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/collections/catalog":
			w.WriteHeader(http.StatusConflict)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/catalog/points":
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := New(server.URL, "catalog", nil)
	err := client.IndexEntries(context.Background(), []domain.CatalogEntry{{Code: "AN5"}}, [][]float32{{0.1}})
	if err != nil {
		t.Fatalf("IndexEntries() error = %v", err)
	}
}

func TestIndexEntriesVectorMismatch(t *testing.T) {
	client := New("http://unused", "catalog", nil)
	err := client.IndexEntries(context.Background(), []domain.CatalogEntry{{Code: "AN5"}}, [][]float32{{0.1}, {0.2}})
	if err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestFilterIncludesResponseBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "collection missing", http.StatusNotFound)
	}))
	defer server.Close()

	client := New(server.URL, "catalog", nil)
	_, err := client.Filter(context.Background(), "code", "AN5")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "collection missing") {
		t.Fatalf("expected response body in error, got %v", err)
	}
}

func TestFilterRetriesServerErrorsThroughExecutor(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"result":{"points":[{"payload":{"code":"AN5"}}]}}`))
	}))
	defer server.Close()

	executor := resilience.NewExecutor(resilience.Config{
		Retry: resilience.Retry{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			Multiplier:     2,
		},
	})
	client := NewWithOptions(server.URL, "catalog", nil, Options{Executor: executor})

	entries, err := client.Filter(context.Background(), "code", "AN5")
	if err != nil {
		t.Fatalf("Filter() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Entry.Code != "AN5" {
		t.Fatalf("entries = %+v", entries)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected the 503 to be retried once, calls = %d", got)
	}
}

func TestSimilarWrapsServerErrorAsTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "shard down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(server.URL, "catalog", &staticEmbedder{vector: []float32{0.1}})
	_, err := client.Similar(context.Background(), "глюкоза", 3)
	if !errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected the typed status error, got %v", err)
	}
}

func TestEntryPayloadRoundTrip(t *testing.T) {
	entry := domain.CatalogEntry{
		Code:                 "AN520ГИЭ",
		Name:                 "Гистология",
		Department:           "Патоморфология",
		Biomaterial:          "Ткань",
		ContainerPrimary:     "Контейнер с формалином",
		StorageTemp:          "+15..+25",
		ImportantInformation: "Фиксация обязательна",
	}
	got := entryFromPayload(payloadFromEntry(entry))
	if got != entry {
		t.Fatalf("round trip:\n got %+v\nwant %+v", got, entry)
	}
}

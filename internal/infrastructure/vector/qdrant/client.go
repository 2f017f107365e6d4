package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vetlab/catalog-search/internal/core/domain"
	"github.com/vetlab/catalog-search/internal/infrastructure/resilience"
)

// QueryEmbedder turns query text into a vector. The embedding model
// itself stays external to the core.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Client implements the core VectorStore facade over a Qdrant
// collection whose point payloads carry full CatalogEntry metadata.
type Client struct {
	baseURL    string
	collection string
	embedder   QueryEmbedder
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

type Options struct {
	Executor *resilience.Executor
}

func New(baseURL, collection string, embedder QueryEmbedder) *Client {
	return NewWithOptions(baseURL, collection, embedder, Options{})
}

func NewWithOptions(baseURL, collection string, embedder QueryEmbedder, opts Options) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		embedder:   embedder,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		executor:   opts.Executor,
	}
}

// execute routes one Qdrant call through the shared retry/breaker
// executor; without one the call runs bare.
func (c *Client) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if c.executor == nil {
		return fn(ctx)
	}
	return c.executor.Execute(ctx, "qdrant."+operation, fn, classifyQdrantError)
}

// Filter is the exact metadata lookup, e.g. field="code", value="AN5".
func (c *Client) Filter(ctx context.Context, field, value string) ([]domain.ScoredEntry, error) {
	reqBody := map[string]any{
		"limit":        32,
		"with_payload": true,
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": field, "match": map[string]any{"value": value}},
			},
		},
	}

	var scrollResp struct {
		Result struct {
			Points []struct {
				Payload map[string]any `json:"payload"`
			} `json:"points"`
		} `json:"result"`
	}
	err := c.execute(ctx, "scroll", func(ctx context.Context) error {
		return c.postJSON(ctx, fmt.Sprintf("/collections/%s/points/scroll", c.collection), reqBody, &scrollResp, "scroll")
	})
	if err != nil {
		return nil, wrapTemporaryIfNeeded("qdrant scroll", err)
	}

	out := make([]domain.ScoredEntry, 0, len(scrollResp.Result.Points))
	for _, p := range scrollResp.Result.Points {
		out = append(out, domain.ScoredEntry{Entry: entryFromPayload(p.Payload), Score: 1.0})
	}
	return out, nil
}

// Similar embeds the query text and runs dense top-K retrieval.
func (c *Client) Similar(ctx context.Context, text string, k int) ([]domain.ScoredEntry, error) {
	if k <= 0 {
		k = 10
	}
	vector, err := c.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	reqBody := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
	}

	var searchResp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := c.execute(ctx, "search", func(ctx context.Context) error {
		return c.postJSON(ctx, fmt.Sprintf("/collections/%s/points/search", c.collection), reqBody, &searchResp, "search")
	}); err != nil {
		return nil, wrapTemporaryIfNeeded("qdrant search", err)
	}

	out := make([]domain.ScoredEntry, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		out = append(out, domain.ScoredEntry{Entry: entryFromPayload(r.Payload), Score: r.Score})
	}
	return out, nil
}

// IndexEntries upserts catalog entries with their vectors (cmd/indexer).
func (c *Client) IndexEntries(ctx context.Context, entries []domain.CatalogEntry, vectors [][]float32) error {
	if len(entries) == 0 || len(vectors) == 0 {
		return nil
	}
	if len(entries) != len(vectors) {
		return fmt.Errorf("entries/vectors mismatch: %d vs %d", len(entries), len(vectors))
	}

	if err := c.execute(ctx, "ensure_collection", func(ctx context.Context) error {
		return c.ensureCollection(ctx, len(vectors[0]))
	}); err != nil {
		return wrapTemporaryIfNeeded("qdrant ensure collection", err)
	}

	type point struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload"`
	}

	points := make([]point, 0, len(entries))
	for i, entry := range entries {
		points = append(points, point{
			ID:      uuid.NewString(),
			Vector:  vectors[i],
			Payload: payloadFromEntry(entry),
		})
	}

	body, err := json.Marshal(map[string]any{"points": points})
	if err != nil {
		return fmt.Errorf("marshal upsert body: %w", err)
	}

	// the body is marshaled once, so a retry re-sends the same point ids
	err = c.execute(ctx, "upsert", func(ctx context.Context) error {
		url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.baseURL, c.collection)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create upsert request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("qdrant upsert request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return httpStatusError("upsert", resp)
		}
		return nil
	})
	return wrapTemporaryIfNeeded("qdrant upsert", err)
}

func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		return nil
	}

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal collection body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create collection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant create collection: %w", err)
	}
	defer resp.Body.Close()

	// 409 means the collection already exists
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		return httpStatusError("create collection", resp)
	}

	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return httpStatusError(operation, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func httpStatusError(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &StatusError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
	}
}

func payloadFromEntry(e domain.CatalogEntry) map[string]any {
	return map[string]any{
		"code":                        e.Code,
		"name":                        e.Name,
		"department":                  e.Department,
		"biomaterial":                 e.Biomaterial,
		"container_primary":           e.ContainerPrimary,
		"container_storage":           e.ContainerStorage,
		"container_number":            e.ContainerNumber,
		"storage_temp":                e.StorageTemp,
		"preanalytics":                e.Preanalytics,
		"patient_preparation":         e.PatientPreparation,
		"important_information":       e.ImportantInformation,
		"poss_postorder_container":    e.PossPostorderContainer,
		"form_link":                   e.FormLink,
		"additional_information_link": e.AdditionalInfoLink,
	}
}

func entryFromPayload(payload map[string]any) domain.CatalogEntry {
	return domain.CatalogEntry{
		Code:                   getStringPayload(payload, "code"),
		Name:                   getStringPayload(payload, "name"),
		Department:             getStringPayload(payload, "department"),
		Biomaterial:            getStringPayload(payload, "biomaterial"),
		ContainerPrimary:       getStringPayload(payload, "container_primary"),
		ContainerStorage:       getStringPayload(payload, "container_storage"),
		ContainerNumber:        getStringPayload(payload, "container_number"),
		StorageTemp:            getStringPayload(payload, "storage_temp"),
		Preanalytics:           getStringPayload(payload, "preanalytics"),
		PatientPreparation:     getStringPayload(payload, "patient_preparation"),
		ImportantInformation:   getStringPayload(payload, "important_information"),
		PossPostorderContainer: getStringPayload(payload, "poss_postorder_container"),
		FormLink:               getStringPayload(payload, "form_link"),
		AdditionalInfoLink:     getStringPayload(payload, "additional_information_link"),
	}
}

func getStringPayload(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

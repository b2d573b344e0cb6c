package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CollectionKey names a logical knowledge collection, decoupled from the
// physical Qdrant collection name.
type CollectionKey string

const (
	CollectionOfferings CollectionKey = "company_offerings"
	CollectionFAQ       CollectionKey = "faq"
)

// DefaultCollections maps logical keys to physical collection names.
func DefaultCollections() map[CollectionKey]string {
	return map[CollectionKey]string{
		CollectionOfferings: "dextrends_offerings",
		CollectionFAQ:       "dextrends_faq",
	}
}

// Document is one record to index.
type Document struct {
	ID      string         `json:"id"`
	Content string         `json:"content"`
	Vector  []float64      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// SearchHit is one vector search result.
type SearchHit struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// StoreConfig configures the Qdrant-backed store.
type StoreConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	VectorSize int
	Distance   string

	// Collections overrides the default logical-to-physical mapping.
	Collections map[CollectionKey]string
}

// Store implements vector storage and search over Qdrant's REST API across
// a fixed set of named collections.
type Store struct {
	cfg         StoreConfig
	collections map[CollectionKey]string
	baseURL     string
	client      *http.Client
	logger      *zap.Logger
}

// NewStore creates a Qdrant store with defaulted config.
func NewStore(cfg StoreConfig, logger *zap.Logger) *Store {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:6333"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.VectorSize <= 0 {
		cfg.VectorSize = 1536
	}
	if cfg.Distance == "" {
		cfg.Distance = "Cosine"
	}
	collections := cfg.Collections
	if collections == nil {
		collections = DefaultCollections()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:         cfg,
		collections: collections,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		client:      &http.Client{Timeout: cfg.Timeout},
		logger:      logger.With(zap.String("component", "qdrant_store")),
	}
}

var pointNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// PointID derives a stable UUID from a document's source and content, so
// re-ingesting the same material upserts rather than duplicates.
func PointID(source, content string) string {
	return uuid.NewSHA1(pointNamespace, []byte(source+":"+content)).String()
}

// CollectionFor resolves a logical key to the physical collection name.
func (s *Store) CollectionFor(key CollectionKey) (string, error) {
	name, ok := s.collections[key]
	if !ok {
		return "", fmt.Errorf("unknown collection key %q", key)
	}
	return name, nil
}

func (s *Store) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(s.cfg.APIKey) != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}
}

func (s *Store) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant request failed: method=%s path=%s status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Store) createCollection(ctx context.Context, name string) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.cfg.VectorSize,
			"distance": s.cfg.Distance,
		},
	}
	path := "/collections/" + url.PathEscape(name)

	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 409 means the collection already exists.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant create collection %s failed: status=%d body=%s", name, resp.StatusCode, string(raw))
	}
	return nil
}

// EnsureCollections creates every configured collection that does not yet
// exist.
func (s *Store) EnsureCollections(ctx context.Context) error {
	for key, name := range s.collections {
		if err := s.createCollection(ctx, name); err != nil {
			return fmt.Errorf("ensure collection %s: %w", key, err)
		}
		s.logger.Debug("collection ensured", zap.String("collection", name))
	}
	return nil
}

// RecreateCollection drops and recreates one collection. Used by forced
// re-ingestion.
func (s *Store) RecreateCollection(ctx context.Context, key CollectionKey) error {
	name, err := s.CollectionFor(key)
	if err != nil {
		return err
	}
	// Deleting a missing collection is not an error worth surfacing.
	if err := s.doJSON(ctx, http.MethodDelete, "/collections/"+url.PathEscape(name), nil, nil); err != nil {
		s.logger.Debug("collection delete skipped", zap.String("collection", name), zap.Error(err))
	}
	return s.createCollection(ctx, name)
}

// Upsert writes documents into the collection. Vectors must match the
// configured size.
func (s *Store) Upsert(ctx context.Context, key CollectionKey, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	name, err := s.CollectionFor(key)
	if err != nil {
		return err
	}

	type point struct {
		ID      string         `json:"id"`
		Vector  []float64      `json:"vector"`
		Payload map[string]any `json:"payload,omitempty"`
	}
	points := make([]point, 0, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document[%d] has empty id", i)
		}
		if len(doc.Vector) != s.cfg.VectorSize {
			return fmt.Errorf("document[%d] vector dimension mismatch: got=%d want=%d", i, len(doc.Vector), s.cfg.VectorSize)
		}
		payload := doc.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		payload["content"] = doc.Content
		points = append(points, point{ID: doc.ID, Vector: doc.Vector, Payload: payload})
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", url.PathEscape(name))
	var resp any
	if err := s.doJSON(ctx, http.MethodPut, path, map[string]any{"points": points}, &resp); err != nil {
		return err
	}
	s.logger.Debug("qdrant upsert completed", zap.String("collection", name), zap.Int("count", len(docs)))
	return nil
}

// Search runs a vector similarity search with a score threshold.
func (s *Store) Search(ctx context.Context, key CollectionKey, vector []float64, limit int, threshold float64) ([]SearchHit, error) {
	if limit <= 0 {
		return []SearchHit{}, nil
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is required")
	}
	name, err := s.CollectionFor(key)
	if err != nil {
		return nil, err
	}

	req := struct {
		Vector         []float64 `json:"vector"`
		Limit          int       `json:"limit"`
		ScoreThreshold float64   `json:"score_threshold,omitempty"`
		WithPayload    bool      `json:"with_payload"`
	}{
		Vector:         vector,
		Limit:          limit,
		ScoreThreshold: threshold,
		WithPayload:    true,
	}

	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(name))
	if err := s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, SearchHit{
			ID:      fmt.Sprint(r.ID),
			Score:   r.Score,
			Payload: r.Payload,
		})
	}
	return hits, nil
}

// Count returns the exact number of points in a collection.
func (s *Store) Count(ctx context.Context, key CollectionKey) (int, error) {
	name, err := s.CollectionFor(key)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/count", url.PathEscape(name))
	if err := s.doJSON(ctx, http.MethodPost, path, map[string]any{"exact": true}, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

// HealthCheck verifies Qdrant is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.doJSON(ctx, http.MethodGet, "/collections", nil, nil)
}

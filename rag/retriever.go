package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dextrends/ragcore/internal/metrics"
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
	Dimensions() int
}

// VectorStore is the slice of the Qdrant store the retriever uses.
type VectorStore interface {
	Search(ctx context.Context, key CollectionKey, vector []float64, limit int, threshold float64) ([]SearchHit, error)
	Upsert(ctx context.Context, key CollectionKey, docs []Document) error
	EnsureCollections(ctx context.Context) error
	RecreateCollection(ctx context.Context, key CollectionKey) error
	Count(ctx context.Context, key CollectionKey) (int, error)
}

// Retriever embeds queries and searches the knowledge collections.
// Retrieval failures degrade to empty results.
type Retriever struct {
	embedder Embedder
	store    VectorStore
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewRetriever creates a retriever.
func NewRetriever(embedder Embedder, store VectorStore, m *metrics.Metrics, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		embedder: embedder,
		store:    store,
		metrics:  m,
		logger:   logger.With(zap.String("component", "retriever")),
	}
}

// hitToRecord normalizes a search hit into a scored record.
func hitToRecord(hit SearchHit, key CollectionKey) ScoredRecord {
	rec := ScoredRecord{
		Source:   SourceVector,
		Score:    hit.Score,
		Metadata: hit.Payload,
	}
	if v, ok := hit.Payload["content"].(string); ok {
		rec.Content = v
	}
	if v, ok := hit.Payload["title"].(string); ok {
		rec.Title = v
	}
	if v, ok := hit.Payload["category"].(string); ok {
		rec.Category = v
	}
	if v, ok := hit.Payload["type"].(string); ok {
		rec.Type = v
	} else {
		rec.Type = string(key)
	}
	return rec
}

// Search embeds the query once and searches every collection in the plan
// concurrently. Results are merged, sorted by score descending, and capped
// at limit. A failed collection contributes nothing.
func (r *Retriever) Search(ctx context.Context, query string, collections []CollectionKey, limit int, threshold float64) []ScoredRecord {
	if len(collections) == 0 || limit <= 0 {
		return nil
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("query embedding failed", zap.Error(err))
		return nil
	}

	var mu sync.Mutex
	var records []ScoredRecord
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range collections {
		key := key // per-iteration copy; the go directive predates Go 1.22 loop semantics
		g.Go(func() error {
			hits, err := r.store.Search(gctx, key, vector, limit, threshold)
			if err != nil {
				r.logger.Warn("vector search failed",
					zap.String("collection", string(key)), zap.Error(err))
				return nil
			}
			mu.Lock()
			for _, hit := range hits {
				records = append(records, hitToRecord(hit, key))
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Score > records[j].Score
	})
	if len(records) > limit {
		records = records[:limit]
	}

	r.metrics.AddRetrievalResults(string(SourceVector), len(records))
	r.logger.Debug("vector retrieval completed",
		zap.Int("collections", len(collections)),
		zap.Int("results", len(records)))
	return records
}

// OfferingDoc is one product or service entry in the offerings corpus.
type OfferingDoc struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Features    []string `json:"features,omitempty"`
}

// FAQDoc is one question/answer entry in the FAQ corpus.
type FAQDoc struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Category string `json:"category"`
}

func (d OfferingDoc) text() string {
	parts := []string{d.Title, d.Description}
	if len(d.Features) > 0 {
		parts = append(parts, "Features: "+strings.Join(d.Features, ", "))
	}
	return strings.Join(parts, "\n")
}

func (d FAQDoc) text() string {
	return fmt.Sprintf("Q: %s\nA: %s", d.Question, d.Answer)
}

func loadJSON[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var docs []T
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return docs, nil
}

func (r *Retriever) ingest(ctx context.Context, key CollectionKey, texts []string, payloads []map[string]any, source string) error {
	if len(texts) == 0 {
		return nil
	}
	vectors, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed %s corpus: %w", source, err)
	}

	docs := make([]Document, len(texts))
	for i, text := range texts {
		docs[i] = Document{
			ID:      PointID(source, text),
			Content: text,
			Vector:  vectors[i],
			Payload: payloads[i],
		}
	}
	if err := r.store.Upsert(ctx, key, docs); err != nil {
		return fmt.Errorf("upsert %s corpus: %w", source, err)
	}
	r.logger.Info("corpus ingested", zap.String("source", source), zap.Int("documents", len(docs)))
	return nil
}

// IngestOfferings indexes the offerings corpus from a JSON file.
func (r *Retriever) IngestOfferings(ctx context.Context, path string) error {
	offerings, err := loadJSON[OfferingDoc](path)
	if err != nil {
		return err
	}
	texts := make([]string, len(offerings))
	payloads := make([]map[string]any, len(offerings))
	for i, o := range offerings {
		texts[i] = o.text()
		payloads[i] = map[string]any{
			"type":     "offering",
			"title":    o.Title,
			"category": o.Category,
		}
	}
	return r.ingest(ctx, CollectionOfferings, texts, payloads, "offering")
}

// IngestFAQ indexes the FAQ corpus from a JSON file.
func (r *Retriever) IngestFAQ(ctx context.Context, path string) error {
	faqs, err := loadJSON[FAQDoc](path)
	if err != nil {
		return err
	}
	texts := make([]string, len(faqs))
	payloads := make([]map[string]any, len(faqs))
	for i, f := range faqs {
		texts[i] = f.text()
		payloads[i] = map[string]any{
			"type":     "faq",
			"title":    f.Question,
			"category": f.Category,
		}
	}
	return r.ingest(ctx, CollectionFAQ, texts, payloads, "faq")
}

// InitializeEmbeddings prepares both collections and ingests the corpora.
// Populated collections are skipped unless force is set, in which case they
// are dropped and rebuilt.
func (r *Retriever) InitializeEmbeddings(ctx context.Context, offeringsPath, faqPath string, force bool) error {
	if force {
		for _, key := range []CollectionKey{CollectionOfferings, CollectionFAQ} {
			if err := r.store.RecreateCollection(ctx, key); err != nil {
				return fmt.Errorf("recreate collection %s: %w", key, err)
			}
		}
	} else if err := r.store.EnsureCollections(ctx); err != nil {
		return err
	}

	type corpus struct {
		key    CollectionKey
		path   string
		ingest func(context.Context, string) error
	}
	for _, c := range []corpus{
		{CollectionOfferings, offeringsPath, r.IngestOfferings},
		{CollectionFAQ, faqPath, r.IngestFAQ},
	} {
		if !force {
			count, err := r.store.Count(ctx, c.key)
			if err == nil && count > 0 {
				r.logger.Info("collection already populated, skipping",
					zap.String("collection", string(c.key)), zap.Int("count", count))
				continue
			}
		}
		if err := c.ingest(ctx, c.path); err != nil {
			return err
		}
	}
	return nil
}

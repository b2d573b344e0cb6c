// Package embedding generates dense vectors for semantic search through the
// OpenAI embeddings API.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/dextrends/ragcore/llm"
)

// maxInputChars caps embedding input length. Longer texts are truncated
// rather than rejected so ingestion never fails on an oversized document.
const maxInputChars = 8000

// Config holds embedding provider settings.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// OpenAIProvider generates embeddings via the OpenAI embeddings endpoint.
type OpenAIProvider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates an embedding provider with defaulted config.
func New(cfg Config, logger *zap.Logger) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1536
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "embedding")),
	}
}

// Dimensions returns the configured vector width.
func (p *OpenAIProvider) Dimensions() int { return p.cfg.Dimensions }

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// cleanText collapses runs of whitespace and truncates oversized input.
// Truncation lands on a rune boundary so the payload stays valid UTF-8.
func (p *OpenAIProvider) cleanText(text string) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	if len(cleaned) > maxInputChars {
		p.logger.Warn("embedding input truncated",
			zap.Int("original_chars", len(cleaned)),
			zap.Int("max_chars", maxInputChars))
		cut := maxInputChars
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = cleaned[:cut]
	}
	return cleaned
}

// Embed generates a vector for a single text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates vectors for multiple texts in one call. The returned
// slice is index-aligned with the input.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embed: empty input")
	}

	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = p.cleanText(t)
		if inputs[i] == "" {
			return nil, fmt.Errorf("embed: input %d is empty after cleaning", i)
		}
	}

	payload, err := json.Marshal(embedRequest{Input: inputs, Model: p.cfg.Model})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: "openai-embedding",
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := llm.ReadErrorMessage(resp.Body)
		return nil, llm.MapHTTPError(resp.StatusCode, msg, "openai-embedding")
	}

	var wire embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(wire.Data) != len(inputs) {
		return nil, fmt.Errorf("embed: got %d vectors for %d inputs", len(wire.Data), len(inputs))
	}

	vectors := make([][]float64, len(inputs))
	for _, d := range wire.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embed: vector index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

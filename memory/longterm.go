// Package memory provides the two conversation memory tiers: a long-term
// semantic memory backed by a hosted memory API, and a short-term sliding
// window of recent turns in Redis.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Record is one stored long-term memory.
type Record struct {
	ID        string         `json:"id"`
	Memory    string         `json:"memory"`
	Score     float64        `json:"score,omitempty"`
	CreatedAt string         `json:"created_at,omitempty"`
	UpdatedAt string         `json:"updated_at,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// LongTermConfig configures the hosted memory client. An empty APIKey
// disables the client: every operation becomes a no-op.
type LongTermConfig struct {
	APIKey    string
	OrgID     string
	ProjectID string
	BaseURL   string
	Timeout   time.Duration

	// TopKSession and TopKUser size the two halves of the dual search.
	TopKSession int
	TopKUser    int

	// MergeLimit caps the merged search result.
	MergeLimit int

	// StoredAssistantLimit truncates assistant messages before storage so
	// long generations do not bloat the memory service.
	StoredAssistantLimit int
}

// LongTermClient talks to a mem0-compatible memory API. Retrieval and
// storage failures are logged and absorbed; memory is an enrichment, never
// a dependency the chat path can fail on.
type LongTermClient struct {
	cfg     LongTermConfig
	client  *http.Client
	logger  *zap.Logger
	enabled bool
}

// NewLongTermClient creates a client. Missing credentials produce a
// permanently disabled client rather than an error.
func NewLongTermClient(cfg LongTermConfig, logger *zap.Logger) *LongTermClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.mem0.ai"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TopKSession <= 0 {
		cfg.TopKSession = 3
	}
	if cfg.TopKUser <= 0 {
		cfg.TopKUser = 5
	}
	if cfg.MergeLimit <= 0 {
		cfg.MergeLimit = 5
	}
	if cfg.StoredAssistantLimit <= 0 {
		cfg.StoredAssistantLimit = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "longterm_memory"))

	enabled := cfg.APIKey != ""
	if !enabled {
		logger.Warn("long-term memory disabled: no API key configured")
	}
	return &LongTermClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
		enabled: enabled,
	}
}

// Enabled reports whether the client has credentials.
func (c *LongTermClient) Enabled() bool { return c.enabled }

func (c *LongTermClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal memory request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create memory request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("memory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("memory API returned status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode memory response: %w", err)
		}
	}
	return nil
}

type searchFilters struct {
	UserID string `json:"user_id"`
	RunID  string `json:"run_id,omitempty"`
}

type searchRequest struct {
	Query   string        `json:"query"`
	Filters searchFilters `json:"filters"`
	TopK    int           `json:"top_k"`
}

func (c *LongTermClient) search(ctx context.Context, query, userID, runID string, topK int) ([]Record, error) {
	body := searchRequest{
		Query:   query,
		Filters: searchFilters{UserID: userID, RunID: runID},
		TopK:    topK,
	}
	var records []Record
	if err := c.doJSON(ctx, http.MethodPost, "/v2/memories/search/", body, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Search runs the dual memory lookup: session-scoped plus user-wide,
// concurrently, merged with session results first. It never returns an
// error; failures degrade to an empty result.
func (c *LongTermClient) Search(ctx context.Context, userID, sessionID, query string) []Record {
	if !c.enabled || userID == "" || query == "" {
		return nil
	}

	var sessionHits, userHits []Record
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sessionHits, err = c.search(gctx, query, userID, sessionID, c.cfg.TopKSession)
		if err != nil {
			c.logger.Warn("session-scoped memory search failed", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		var err error
		userHits, err = c.search(gctx, query, userID, "", c.cfg.TopKUser)
		if err != nil {
			c.logger.Warn("user-wide memory search failed", zap.Error(err))
		}
		return nil
	})
	g.Wait()

	merged := mergeRecords(sessionHits, userHits, c.cfg.MergeLimit)
	c.logger.Debug("memory search completed",
		zap.Int("session_hits", len(sessionHits)),
		zap.Int("user_hits", len(userHits)),
		zap.Int("merged", len(merged)))
	return merged
}

// mergeRecords keeps session records first, then appends user-wide records
// not already present, capped at limit. Duplicates are detected by ID, or
// by identical memory text when IDs are absent.
func mergeRecords(session, user []Record, limit int) []Record {
	merged := make([]Record, 0, limit)
	seenIDs := make(map[string]bool)
	seenText := make(map[string]bool)

	add := func(r Record) {
		if (r.ID != "" && seenIDs[r.ID]) || seenText[r.Memory] {
			return
		}
		if r.ID != "" {
			seenIDs[r.ID] = true
		}
		seenText[r.Memory] = true
		merged = append(merged, r)
	}

	for _, r := range session {
		if len(merged) >= limit {
			return merged
		}
		add(r)
	}
	for _, r := range user {
		if len(merged) >= limit {
			break
		}
		add(r)
	}
	return merged
}

type addMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type addRequest struct {
	Messages []addMessage   `json:"messages"`
	UserID   string         `json:"user_id"`
	RunID    string         `json:"run_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Version  string         `json:"version"`
}

// Add stores one user/assistant exchange. The assistant message is
// truncated before storage. Returns false on any failure.
func (c *LongTermClient) Add(ctx context.Context, userID, sessionID, userMsg, assistantMsg string, metadata map[string]any) bool {
	if !c.enabled || userID == "" {
		return false
	}

	if len(assistantMsg) > c.cfg.StoredAssistantLimit {
		assistantMsg = assistantMsg[:c.cfg.StoredAssistantLimit]
	}
	body := addRequest{
		Messages: []addMessage{
			{Role: "user", Content: userMsg},
			{Role: "assistant", Content: assistantMsg},
		},
		UserID:   userID,
		RunID:    sessionID,
		Metadata: metadata,
		Version:  "v2",
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/memories/", body, nil); err != nil {
		c.logger.Warn("memory store failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return true
}

// GetAll returns every memory stored for a user.
func (c *LongTermClient) GetAll(ctx context.Context, userID string) []Record {
	if !c.enabled || userID == "" {
		return nil
	}

	body := map[string]any{"filters": searchFilters{UserID: userID}}
	var records []Record
	if err := c.doJSON(ctx, http.MethodPost, "/v2/memories/", body, &records); err != nil {
		c.logger.Warn("memory list failed", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	return records
}

package memory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dextrends/ragcore/internal/cache"
)

// Turn is one message in the short-term window.
type Turn struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// sessionDoc is the Redis value for one session.
type sessionDoc struct {
	SessionID   string    `json:"session_id"`
	Messages    []Turn    `json:"messages"`
	LastUpdated time.Time `json:"last_updated"`
}

// SessionConfig configures the sliding window.
type SessionConfig struct {
	// MaxMessages is the window size. Older turns are evicted.
	MaxMessages int

	// TTL is the sliding idle expiry; every write renews it.
	TTL time.Duration

	// KeyPrefix namespaces session keys in Redis.
	KeyPrefix string
}

// DefaultSessionConfig returns the production window settings.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxMessages: 5,
		TTL:         time.Hour,
		KeyPrefix:   "chat_memory",
	}
}

// SessionStore keeps the most recent conversation turns per session in
// Redis. All failures degrade to empty results: short-term memory loss is
// acceptable, a failed chat request is not.
type SessionStore struct {
	cache  *cache.Manager
	cfg    SessionConfig
	logger *zap.Logger
	clock  func() time.Time
}

// NewSessionStore creates a store over the given cache manager.
func NewSessionStore(cacheManager *cache.Manager, cfg SessionConfig, logger *zap.Logger) *SessionStore {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 5
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "chat_memory"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionStore{
		cache:  cacheManager,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "session_memory")),
		clock:  time.Now,
	}
}

func (s *SessionStore) key(sessionID string) string {
	return fmt.Sprintf("%s:%s", s.cfg.KeyPrefix, sessionID)
}

func (s *SessionStore) load(ctx context.Context, sessionID string) (*sessionDoc, bool) {
	var doc sessionDoc
	err := s.cache.GetJSON(ctx, s.key(sessionID), &doc)
	if err != nil {
		if !cache.IsCacheMiss(err) {
			s.logger.Warn("session load failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		return nil, false
	}
	return &doc, true
}

// GetHistory returns the window for sessionID, oldest first. Missing or
// unreadable sessions yield an empty history.
func (s *SessionStore) GetHistory(ctx context.Context, sessionID string) []Turn {
	if sessionID == "" {
		return nil
	}
	doc, ok := s.load(ctx, sessionID)
	if !ok {
		return nil
	}
	return doc.Messages
}

// AddMessage appends a turn, evicts beyond the window, and renews the TTL.
func (s *SessionStore) AddMessage(ctx context.Context, sessionID, role, content string, metadata map[string]any) bool {
	if sessionID == "" || content == "" {
		return false
	}

	doc, ok := s.load(ctx, sessionID)
	if !ok {
		doc = &sessionDoc{SessionID: sessionID}
	}

	doc.Messages = append(doc.Messages, Turn{
		Role:      role,
		Content:   content,
		Timestamp: s.clock(),
		Metadata:  metadata,
	})
	if len(doc.Messages) > s.cfg.MaxMessages {
		doc.Messages = doc.Messages[len(doc.Messages)-s.cfg.MaxMessages:]
	}
	doc.LastUpdated = s.clock()

	if err := s.cache.SetJSON(ctx, s.key(sessionID), doc, s.cfg.TTL); err != nil {
		s.logger.Warn("session write failed", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	return true
}

// AddUserMessage records a user turn.
func (s *SessionStore) AddUserMessage(ctx context.Context, sessionID, content string) bool {
	return s.AddMessage(ctx, sessionID, "user", content, nil)
}

// AddAssistantMessage records an assistant turn with optional metadata
// (intent, model, source counts).
func (s *SessionStore) AddAssistantMessage(ctx context.Context, sessionID, content string, metadata map[string]any) bool {
	return s.AddMessage(ctx, sessionID, "assistant", content, metadata)
}

// Clear deletes the session window.
func (s *SessionStore) Clear(ctx context.Context, sessionID string) bool {
	if sessionID == "" {
		return false
	}
	if err := s.cache.Delete(ctx, s.key(sessionID)); err != nil {
		s.logger.Warn("session clear failed", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	return true
}

// SessionInfo summarizes a stored session.
type SessionInfo struct {
	SessionID    string        `json:"session_id"`
	Exists       bool          `json:"exists"`
	MessageCount int           `json:"message_count"`
	FirstMessage time.Time     `json:"first_message,omitempty"`
	LastMessage  time.Time     `json:"last_message,omitempty"`
	LastUpdated  time.Time     `json:"last_updated,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	TTL          time.Duration `json:"ttl,omitempty"`
}

// Info returns metadata about a session window.
func (s *SessionStore) Info(ctx context.Context, sessionID string) SessionInfo {
	info := SessionInfo{SessionID: sessionID}
	doc, ok := s.load(ctx, sessionID)
	if !ok {
		return info
	}

	info.Exists = true
	info.MessageCount = len(doc.Messages)
	info.LastUpdated = doc.LastUpdated
	if len(doc.Messages) > 0 {
		info.FirstMessage = doc.Messages[0].Timestamp
		info.LastMessage = doc.Messages[len(doc.Messages)-1].Timestamp
		info.Duration = info.LastMessage.Sub(info.FirstMessage)
	}
	if ttl, err := s.cache.TTL(ctx, s.key(sessionID)); err == nil {
		info.TTL = ttl
	}
	return info
}

// ActiveSessions lists session IDs with a live window.
func (s *SessionStore) ActiveSessions(ctx context.Context) []string {
	keys, err := s.cache.Keys(ctx, s.cfg.KeyPrefix+":*")
	if err != nil {
		s.logger.Warn("active session listing failed", zap.Error(err))
		return nil
	}
	prefix := s.cfg.KeyPrefix + ":"
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(prefix):])
	}
	return ids
}

// SessionSummary condenses a session for ops inspection.
type SessionSummary struct {
	SessionID         string   `json:"session_id"`
	TotalMessages     int      `json:"total_messages"`
	UserMessages      int      `json:"user_messages"`
	AssistantMessages int      `json:"assistant_messages"`
	TopicsDiscussed   []string `json:"topics_discussed"`
	FirstUserQuery    string   `json:"first_user_query,omitempty"`
	LastUserQuery     string   `json:"last_user_query,omitempty"`
}

const summaryQueryLimit = 100

func truncateQuery(q string) string {
	if len(q) <= summaryQueryLimit {
		return q
	}
	return q[:summaryQueryLimit] + "..."
}

// Summary reports message counts, discussed topics (from assistant turn
// metadata) and the first/last user queries of a session.
func (s *SessionStore) Summary(ctx context.Context, sessionID string) SessionSummary {
	summary := SessionSummary{SessionID: sessionID}
	doc, ok := s.load(ctx, sessionID)
	if !ok {
		return summary
	}

	topics := map[string]struct{}{}
	var userTurns []Turn
	for _, t := range doc.Messages {
		switch t.Role {
		case "user":
			summary.UserMessages++
			userTurns = append(userTurns, t)
		case "assistant":
			summary.AssistantMessages++
			if intent, ok := t.Metadata["intent"].(string); ok && intent != "" {
				topics[intent] = struct{}{}
			}
		}
	}
	summary.TotalMessages = len(doc.Messages)

	for topic := range topics {
		summary.TopicsDiscussed = append(summary.TopicsDiscussed, topic)
	}
	if len(summary.TopicsDiscussed) == 0 {
		summary.TopicsDiscussed = []string{"general"}
	}

	if len(userTurns) > 0 {
		summary.FirstUserQuery = truncateQuery(userTurns[0].Content)
		summary.LastUserQuery = truncateQuery(userTurns[len(userTurns)-1].Content)
	}
	return summary
}

// Export returns the full window for external inspection or handoff.
func (s *SessionStore) Export(ctx context.Context, sessionID string) ([]Turn, SessionInfo) {
	return s.GetHistory(ctx, sessionID), s.Info(ctx, sessionID)
}

package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dextrends/ragcore/internal/metrics"
	"github.com/dextrends/ragcore/llm"
	"github.com/dextrends/ragcore/memory"
)

// fallbackResponse is returned when generation fails outright.
const fallbackResponse = "I apologize, but I'm having trouble generating a response right now. Please try again in a moment."

// chatClient is the slice of the LLM client the pipeline uses.
type chatClient interface {
	CreateMessages(req llm.MessageRequest) llm.MessageBundle
	Complete(ctx context.Context, messages []llm.Message, opts ...llm.CallOption) llm.CompletionResult
}

// LongTermMemory is the long-term memory surface the pipeline depends on.
type LongTermMemory interface {
	Enabled() bool
	Search(ctx context.Context, userID, sessionID, query string) []memory.Record
	Add(ctx context.Context, userID, sessionID, userMsg, assistantMsg string, metadata map[string]any) bool
}

// SessionMemory is the short-term window surface the pipeline depends on.
type SessionMemory interface {
	GetHistory(ctx context.Context, sessionID string) []memory.Turn
	AddUserMessage(ctx context.Context, sessionID, content string) bool
	AddAssistantMessage(ctx context.Context, sessionID, content string, metadata map[string]any) bool
}

// ContextRetriever searches the knowledge collections.
type ContextRetriever interface {
	Search(ctx context.Context, query string, collections []CollectionKey, limit int, threshold float64) []ScoredRecord
}

// PipelineConfig bounds how much context feeds the prompt.
type PipelineConfig struct {
	// MaxVectorInContext caps vector records rendered into the prompt.
	MaxVectorInContext int

	// MaxMemoriesInContext caps memory records rendered into the prompt.
	MaxMemoriesInContext int

	// MaxSources caps the citations attached to the response.
	MaxSources int

	// MaxHistoryTurns caps conversation turns passed to the model.
	MaxHistoryTurns int
}

// DefaultPipelineConfig returns the production limits.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxVectorInContext:   3,
		MaxMemoriesInContext: 2,
		MaxSources:           5,
		MaxHistoryTurns:      5,
	}
}

// Pipeline orchestrates one query end to end: understand, retrieve,
// assemble, generate, persist. It always returns a response; upstream
// failures degrade to an apology with error metadata.
type Pipeline struct {
	processor *Processor
	retriever ContextRetriever
	longTerm  LongTermMemory
	sessions  SessionMemory
	client    chatClient
	cfg       PipelineConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewPipeline wires the pipeline dependencies.
func NewPipeline(
	processor *Processor,
	retriever ContextRetriever,
	longTerm LongTermMemory,
	sessions SessionMemory,
	client chatClient,
	cfg PipelineConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Pipeline {
	if cfg.MaxVectorInContext <= 0 {
		cfg.MaxVectorInContext = 3
	}
	if cfg.MaxMemoriesInContext <= 0 {
		cfg.MaxMemoriesInContext = 2
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = 5
	}
	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		processor: processor,
		retriever: retriever,
		longTerm:  longTerm,
		sessions:  sessions,
		client:    client,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With(zap.String("component", "rag_pipeline")),
	}
}

// historyMessages converts the short-term window into chat turns, keeping
// only the most recent MaxHistoryTurns.
func (p *Pipeline) historyMessages(turns []memory.Turn) []llm.Message {
	if len(turns) > p.cfg.MaxHistoryTurns {
		turns = turns[len(turns)-p.cfg.MaxHistoryTurns:]
	}
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := llm.Role(t.Role)
		if role != llm.RoleUser && role != llm.RoleAssistant {
			continue
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	return msgs
}

// retrieveContext gathers vector and memory context concurrently. A
// non-RAG decision (greetings, goodbyes) issues no retrieval calls at
// all. Either source failing or being disabled leaves its half empty.
func (p *Pipeline) retrieveContext(ctx context.Context, decision Decision, pq *ProcessedQuery, userID, sessionID string) ContextBundle {
	var bundle ContextBundle
	if !decision.UseRAG {
		return bundle
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		bundle.VectorResults = p.retriever.Search(
			gctx, pq.Enhanced, decision.Collections, decision.TopK, decision.ScoreThreshold)
		return nil
	})
	if p.longTerm != nil && p.longTerm.Enabled() && userID != "" {
		g.Go(func() error {
			records := p.longTerm.Search(gctx, userID, sessionID, pq.Enhanced)
			memories := make([]ScoredRecord, 0, len(records))
			for _, r := range records {
				memories = append(memories, ScoredRecord{
					Source:   SourceMemory,
					Type:     "memory",
					Content:  r.Memory,
					Score:    r.Score,
					Metadata: r.Metadata,
				})
			}
			bundle.MemoryResults = memories
			p.metrics.AddRetrievalResults(string(SourceMemory), len(memories))
			return nil
		})
	}
	g.Wait()
	return bundle
}

// buildContextString renders retrieved context into the prompt block.
func (p *Pipeline) buildContextString(bundle ContextBundle) string {
	var sb strings.Builder

	if len(bundle.VectorResults) > 0 {
		sb.WriteString("=== COMPANY INFORMATION ===\n")
		limit := min(len(bundle.VectorResults), p.cfg.MaxVectorInContext)
		for _, rec := range bundle.VectorResults[:limit] {
			if rec.Title != "" {
				fmt.Fprintf(&sb, "[%s] (Relevance: %.2f)\n", rec.Title, rec.Score)
			} else {
				fmt.Fprintf(&sb, "(Relevance: %.2f)\n", rec.Score)
			}
			sb.WriteString(rec.Content)
			sb.WriteString("\n\n")
		}
	}

	if len(bundle.MemoryResults) > 0 {
		sb.WriteString("=== PREVIOUS INTERACTIONS ===\n")
		limit := min(len(bundle.MemoryResults), p.cfg.MaxMemoriesInContext)
		for _, rec := range bundle.MemoryResults[:limit] {
			fmt.Fprintf(&sb, "Previous context: %s\n", rec.Content)
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}

// extractSources builds the citation list, vector hits first, capped.
func (p *Pipeline) extractSources(bundle ContextBundle) []SourceRef {
	sources := make([]SourceRef, 0, p.cfg.MaxSources)
	for _, rec := range bundle.VectorResults {
		if len(sources) >= p.cfg.MaxSources {
			return sources
		}
		sources = append(sources, SourceRef{
			Type:           rec.Type,
			Title:          rec.Title,
			Category:       rec.Category,
			Origin:         string(SourceVector),
			RelevanceScore: rec.Score,
		})
	}
	for _, rec := range bundle.MemoryResults {
		if len(sources) >= p.cfg.MaxSources {
			break
		}
		sources = append(sources, SourceRef{
			Type:           rec.Type,
			Origin:         string(SourceMemory),
			RelevanceScore: rec.Score,
		})
	}
	return sources
}

// storeInteraction persists the exchange to both memory tiers. Failures
// are logged and absorbed.
func (p *Pipeline) storeInteraction(ctx context.Context, userID, sessionID, query, response string, decision Decision) {
	meta := map[string]any{
		"intent":     string(decision.Intent),
		"query_type": string(decision.QueryType),
	}
	if p.sessions != nil && sessionID != "" {
		if !p.sessions.AddUserMessage(ctx, sessionID, query) ||
			!p.sessions.AddAssistantMessage(ctx, sessionID, response, meta) {
			p.logger.Warn("session memory write incomplete", zap.String("session_id", sessionID))
		}
	}
	if p.longTerm != nil && p.longTerm.Enabled() && userID != "" {
		if !p.longTerm.Add(ctx, userID, sessionID, query, response, meta) {
			p.logger.Warn("long-term memory write failed", zap.String("user_id", userID))
		}
	}
}

// ProcessQuery runs the full pipeline for one user query.
func (p *Pipeline) ProcessQuery(ctx context.Context, query, userID, sessionID string) *RagResponse {
	started := time.Now()

	var history []memory.Turn
	if p.sessions != nil && sessionID != "" {
		history = p.sessions.GetHistory(ctx, sessionID)
	}
	histMsgs := p.historyMessages(history)

	pq, decision := p.processor.Process(ctx, query, histMsgs)
	p.metrics.IncQuery(string(decision.Intent))

	bundle := p.retrieveContext(ctx, decision, pq, userID, sessionID)
	contextStr := p.buildContextString(bundle)

	msgBundle := p.client.CreateMessages(llm.MessageRequest{
		Query:        query,
		SystemPrompt: systemPrompt(decision.ResponseStyle),
		History:      histMsgs,
		RAGContext:   contextStr,
	})

	result := p.client.Complete(ctx, msgBundle.Messages)

	resp := &RagResponse{
		Sources: p.extractSources(bundle),
		ContextUsed: ContextUsage{
			VectorResults:  len(bundle.VectorResults),
			MemoryResults:  len(bundle.MemoryResults),
			HasHistory:     len(histMsgs) > 0,
			RAGContextUsed: contextStr != "",
		},
		RoutingInfo:     decision,
		QueryProcessing: pq,
		Metadata: ResponseMetadata{
			UserID:    userID,
			SessionID: sessionID,
			Timestamp: time.Now().UTC(),
			ModelUsed: result.Model,
		},
	}

	if !result.Success {
		resp.Response = fallbackResponse
		resp.Metadata.Error = result.Err
		p.logger.Error("response generation failed",
			zap.String("error_type", result.ErrType),
			zap.String("error", result.Err),
			zap.Duration("elapsed", time.Since(started)))
		return resp
	}

	resp.Response = result.Completion
	p.storeInteraction(ctx, userID, sessionID, query, result.Completion, decision)

	p.logger.Info("query processed",
		zap.String("intent", string(decision.Intent)),
		zap.String("query_type", string(decision.QueryType)),
		zap.Bool("use_rag", decision.UseRAG),
		zap.Bool("escalate", decision.Escalate),
		zap.Int("vector_results", len(bundle.VectorResults)),
		zap.Int("memory_results", len(bundle.MemoryResults)),
		zap.Duration("elapsed", time.Since(started)))
	return resp
}

package rag

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dextrends/ragcore/llm"
	"github.com/dextrends/ragcore/memory"
)

type fakeChatClient struct {
	requests []llm.MessageRequest
	result   llm.CompletionResult
}

func (c *fakeChatClient) CreateMessages(req llm.MessageRequest) llm.MessageBundle {
	c.requests = append(c.requests, req)
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: req.SystemPrompt}}
	msgs = append(msgs, req.History...)
	content := req.Query
	if req.RAGContext != "" {
		content = fmt.Sprintf("Context information:\n%s\n\nUser question: %s", req.RAGContext, req.Query)
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: content})
	return llm.MessageBundle{Messages: msgs}
}

func (c *fakeChatClient) Complete(ctx context.Context, messages []llm.Message, opts ...llm.CallOption) llm.CompletionResult {
	return c.result
}

type retrieverCall struct {
	query       string
	collections []CollectionKey
	limit       int
	threshold   float64
}

type fakeRetriever struct {
	mu      sync.Mutex
	records []ScoredRecord
	calls   []retrieverCall
}

func (r *fakeRetriever) Search(ctx context.Context, query string, collections []CollectionKey, limit int, threshold float64) []ScoredRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, retrieverCall{query, collections, limit, threshold})
	return r.records
}

type longTermAdd struct {
	userID, sessionID, userMsg, assistantMsg string
	metadata                                 map[string]any
}

type fakeLongTerm struct {
	mu       sync.Mutex
	enabled  bool
	records  []memory.Record
	adds     []longTermAdd
	searches []string
}

func (m *fakeLongTerm) Enabled() bool { return m.enabled }

func (m *fakeLongTerm) Search(ctx context.Context, userID, sessionID, query string) []memory.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches = append(m.searches, query)
	return m.records
}

func (m *fakeLongTerm) Add(ctx context.Context, userID, sessionID, userMsg, assistantMsg string, metadata map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adds = append(m.adds, longTermAdd{userID, sessionID, userMsg, assistantMsg, metadata})
	return true
}

type fakeSessions struct {
	history        []memory.Turn
	userAdds       []string
	assistantAdds  []string
	rejectWrites   bool
	historyQueries int
}

func (s *fakeSessions) GetHistory(ctx context.Context, sessionID string) []memory.Turn {
	s.historyQueries++
	return s.history
}

func (s *fakeSessions) AddUserMessage(ctx context.Context, sessionID, content string) bool {
	if s.rejectWrites {
		return false
	}
	s.userAdds = append(s.userAdds, content)
	return true
}

func (s *fakeSessions) AddAssistantMessage(ctx context.Context, sessionID, content string, metadata map[string]any) bool {
	if s.rejectWrites {
		return false
	}
	s.assistantAdds = append(s.assistantAdds, content)
	return true
}

type pipelineFixture struct {
	pipeline  *Pipeline
	client    *fakeChatClient
	retriever *fakeRetriever
	longTerm  *fakeLongTerm
	sessions  *fakeSessions
}

func newPipelineFixture(t *testing.T, completions []llm.CompletionResult) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		client:    &fakeChatClient{result: ok("Here is what we offer.")},
		retriever: &fakeRetriever{},
		longTerm:  &fakeLongTerm{enabled: true},
		sessions:  &fakeSessions{},
	}
	processor := NewProcessor(&scriptedCompleter{results: completions}, nil)
	f.pipeline = NewPipeline(processor, f.retriever, f.longTerm, f.sessions,
		f.client, DefaultPipelineConfig(), nil, nil)
	return f
}

func TestProcessQueryHappyPath(t *testing.T) {
	f := newPipelineFixture(t, []llm.CompletionResult{
		ok("What services does Dextrends offer?"), // rewrite
		ok("service_inquiry"),                     // intent
		ok("offering"),                            // query type
	})
	f.sessions.history = []memory.Turn{
		{Role: "user", Content: "hi there", Timestamp: time.Now()},
		{Role: "assistant", Content: "Hello! How can I help?", Timestamp: time.Now()},
	}
	f.retriever.records = []ScoredRecord{
		{Source: SourceVector, Type: "offering", Title: "Wallet", Category: "payments",
			Content: "Digital wallet service", Score: 0.91},
	}
	f.longTerm.records = []memory.Record{
		{ID: "m1", Memory: "User asked about fees before", Score: 0.5},
	}

	resp := f.pipeline.ProcessQuery(context.Background(), "what do you offer?", "user-1", "sess-1")

	assert.Equal(t, "Here is what we offer.", resp.Response)
	assert.Empty(t, resp.Metadata.Error)
	assert.Equal(t, IntentServiceInquiry, resp.RoutingInfo.Intent)
	assert.True(t, resp.RoutingInfo.UseRAG)

	// Retrieval follows the routing plan and uses the enhanced query.
	require.Len(t, f.retriever.calls, 1)
	call := f.retriever.calls[0]
	assert.Equal(t, []CollectionKey{CollectionOfferings}, call.collections)
	assert.Equal(t, 5, call.limit)
	assert.Equal(t, 0.4, call.threshold)
	assert.Contains(t, call.query, "What services does Dextrends offer?")

	// Long-term memory searches with the same enhanced query as the vector side.
	require.Len(t, f.longTerm.searches, 1)
	assert.Equal(t, call.query, f.longTerm.searches[0])

	// The prompt carries both context blocks in the documented shape.
	require.Len(t, f.client.requests, 1)
	req := f.client.requests[0]
	assert.Equal(t, systemPrompt("detailed"), req.SystemPrompt)
	assert.Equal(t,
		"=== COMPANY INFORMATION ===\n[Wallet] (Relevance: 0.91)\nDigital wallet service\n\n"+
			"=== PREVIOUS INTERACTIONS ===\nPrevious context: User asked about fees before",
		req.RAGContext)
	require.Len(t, req.History, 2)
	assert.Equal(t, "hi there", req.History[0].Content)

	// Context accounting and citations.
	assert.Equal(t, 1, resp.ContextUsed.VectorResults)
	assert.Equal(t, 1, resp.ContextUsed.MemoryResults)
	assert.True(t, resp.ContextUsed.HasHistory)
	assert.True(t, resp.ContextUsed.RAGContextUsed)
	require.Len(t, resp.Sources, 2)
	assert.Equal(t, string(SourceVector), resp.Sources[0].Origin)
	assert.Equal(t, "Wallet", resp.Sources[0].Title)
	assert.Equal(t, string(SourceMemory), resp.Sources[1].Origin)

	// Both memory tiers persisted the exchange.
	assert.Equal(t, []string{"what do you offer?"}, f.sessions.userAdds)
	assert.Equal(t, []string{"Here is what we offer."}, f.sessions.assistantAdds)
	require.Len(t, f.longTerm.adds, 1)
	assert.Equal(t, "user-1", f.longTerm.adds[0].userID)
	assert.Equal(t, "service_inquiry", f.longTerm.adds[0].metadata["intent"])
}

func TestProcessQueryGreetingSkipsRetrieval(t *testing.T) {
	f := newPipelineFixture(t, []llm.CompletionResult{
		ok("hello"),    // rewrite
		ok("greeting"), // intent
		ok("general"),  // query type
	})
	f.client.result = ok("Hello! How can I help you today?")

	resp := f.pipeline.ProcessQuery(context.Background(), "hello", "user-1", "sess-1")

	assert.Equal(t, "Hello! How can I help you today?", resp.Response)
	assert.False(t, resp.RoutingInfo.UseRAG)
	assert.Empty(t, resp.RoutingInfo.Collections)
	assert.Empty(t, f.retriever.calls, "no vector search for a greeting")
	assert.Empty(t, f.longTerm.searches, "no memory search for a greeting")
	assert.Empty(t, resp.Sources)
	assert.False(t, resp.ContextUsed.RAGContextUsed)

	require.Len(t, f.client.requests, 1)
	assert.Equal(t, systemPrompt("friendly"), f.client.requests[0].SystemPrompt)
	assert.Empty(t, f.client.requests[0].RAGContext)

	// The greeting exchange is still remembered.
	assert.Equal(t, []string{"hello"}, f.sessions.userAdds)
}

func TestProcessQueryGenerationFailure(t *testing.T) {
	f := newPipelineFixture(t, []llm.CompletionResult{
		ok("what do you offer?"),
		ok("service_inquiry"),
		ok("offering"),
	})
	f.client.result = llm.CompletionResult{
		Success: false,
		Err:     "Connection error - AI service unavailable",
		ErrType: llm.ErrTypeConnection,
	}

	resp := f.pipeline.ProcessQuery(context.Background(), "what do you offer?", "user-1", "sess-1")

	assert.Equal(t, fallbackResponse, resp.Response)
	assert.Equal(t, "Connection error - AI service unavailable", resp.Metadata.Error)

	// Failed generations must not pollute either memory tier.
	assert.Empty(t, f.sessions.userAdds)
	assert.Empty(t, f.sessions.assistantAdds)
	assert.Empty(t, f.longTerm.adds)
}

func TestProcessQueryDegradedRetrieval(t *testing.T) {
	f := newPipelineFixture(t, []llm.CompletionResult{
		ok("how much does it cost?"),
		ok("pricing"),
		ok("both"),
	})
	f.longTerm.enabled = false
	f.client.result = ok("Our pricing starts at...")

	resp := f.pipeline.ProcessQuery(context.Background(), "how much does it cost?", "user-1", "sess-1")

	assert.Equal(t, "Our pricing starts at...", resp.Response)
	assert.Empty(t, resp.Metadata.Error)
	assert.Equal(t, 0, resp.ContextUsed.VectorResults)
	assert.Equal(t, 0, resp.ContextUsed.MemoryResults)
	assert.False(t, resp.ContextUsed.RAGContextUsed, "empty retrieval leaves the prompt bare")
	require.Len(t, f.retriever.calls, 1, "the search itself still runs")
}

func TestProcessQueryClassificationFallback(t *testing.T) {
	f := newPipelineFixture(t, []llm.CompletionResult{
		failed(), // rewrite
		failed(), // intent
		failed(), // query type
	})
	f.client.result = ok("Let me help with that.")

	resp := f.pipeline.ProcessQuery(context.Background(), "something unusual", "user-1", "sess-1")

	require.NotNil(t, resp.QueryProcessing)
	assert.True(t, resp.QueryProcessing.UsedFallback)
	assert.Equal(t, IntentUnknown, resp.RoutingInfo.Intent)
	assert.True(t, resp.RoutingInfo.UseRAG, "fallback plan still retrieves")
	require.Len(t, f.retriever.calls, 1)
	assert.Equal(t, 3, f.retriever.calls[0].limit)
	assert.Equal(t, "Let me help with that.", resp.Response)
}

func TestProcessQueryWithoutSession(t *testing.T) {
	f := newPipelineFixture(t, []llm.CompletionResult{
		ok("how do refunds work?"),
		ok("general_faq"),
		ok("faq"),
	})
	f.client.result = ok("Sure, here is the answer.")

	resp := f.pipeline.ProcessQuery(context.Background(), "how do refunds work?", "", "")

	assert.Equal(t, "Sure, here is the answer.", resp.Response)
	assert.Equal(t, 0, f.sessions.historyQueries, "no session lookup without a session id")
	assert.Empty(t, f.sessions.userAdds)
	assert.Empty(t, f.longTerm.adds, "no long-term write without a user id")
	assert.False(t, resp.ContextUsed.HasHistory)
}

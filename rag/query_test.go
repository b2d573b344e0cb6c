package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dextrends/ragcore/llm"
)

// scriptedCompleter returns canned completions in call order.
type scriptedCompleter struct {
	results []llm.CompletionResult
	calls   []string
}

func (s *scriptedCompleter) Complete(ctx context.Context, messages []llm.Message, opts ...llm.CallOption) llm.CompletionResult {
	s.calls = append(s.calls, messages[len(messages)-1].Content)
	if len(s.results) == 0 {
		return llm.CompletionResult{Success: true, Completion: "unknown"}
	}
	res := s.results[0]
	s.results = s.results[1:]
	return res
}

func ok(completion string) llm.CompletionResult {
	return llm.CompletionResult{Success: true, Completion: completion}
}

func failed() llm.CompletionResult {
	return llm.CompletionResult{Success: false, Err: "Service temporarily unavailable - please try again later", ErrType: llm.ErrTypeCircuitOpen}
}

func TestRewriteFirstTurnStillCallsLLM(t *testing.T) {
	c := &scriptedCompleter{results: []llm.CompletionResult{ok("what does the Dextrends wallet service cost?")}}
	p := NewProcessor(c, nil)

	got := p.Rewrite(context.Background(), "what does it cost?", nil)
	assert.Equal(t, "what does the Dextrends wallet service cost?", got)
	require.Len(t, c.calls, 1)
	assert.Contains(t, c.calls[0], "No previous conversation context")
}

func TestRewriteFirstTurnFailureKeepsOriginal(t *testing.T) {
	c := &scriptedCompleter{results: []llm.CompletionResult{failed()}}
	p := NewProcessor(c, nil)

	got := p.Rewrite(context.Background(), "what does it cost?", nil)
	assert.Equal(t, "what does it cost?", got)
	assert.Len(t, c.calls, 1)
}

func TestRewriteResolvesReferences(t *testing.T) {
	c := &scriptedCompleter{results: []llm.CompletionResult{ok("What does the Dextrends wallet service cost?")}}
	p := NewProcessor(c, nil)

	history := []llm.Message{
		{Role: llm.RoleUser, Content: "tell me about your wallet service"},
		{Role: llm.RoleAssistant, Content: "Our wallet service offers..."},
	}
	got := p.Rewrite(context.Background(), "what does it cost?", history)
	assert.Equal(t, "What does the Dextrends wallet service cost?", got)
}

func TestRewriteFailureKeepsOriginal(t *testing.T) {
	c := &scriptedCompleter{results: []llm.CompletionResult{failed()}}
	p := NewProcessor(c, nil)

	history := []llm.Message{{Role: llm.RoleUser, Content: "context"}}
	assert.Equal(t, "my query", p.Rewrite(context.Background(), "my query", history))
}

func TestClassifyIntentJSON(t *testing.T) {
	c := &scriptedCompleter{results: []llm.CompletionResult{ok(`{"intent": "pricing", "confidence": 0.92}`)}}
	p := NewProcessor(c, nil)

	intent, conf, callOK := p.ClassifyIntent(context.Background(), "how much is it")
	assert.True(t, callOK)
	assert.Equal(t, IntentPricing, intent)
	assert.InDelta(t, 0.92, conf, 0.0001)
}

func TestClassifyIntentFencedJSON(t *testing.T) {
	c := &scriptedCompleter{results: []llm.CompletionResult{ok("```json\n{\"intent\": \"greeting\", \"confidence\": 0.99}\n```")}}
	p := NewProcessor(c, nil)

	intent, conf, _ := p.ClassifyIntent(context.Background(), "hi there")
	assert.Equal(t, IntentGreeting, intent)
	assert.InDelta(t, 0.99, conf, 0.0001)
}

func TestClassifyIntentBareLabel(t *testing.T) {
	c := &scriptedCompleter{results: []llm.CompletionResult{ok("technical_support")}}
	p := NewProcessor(c, nil)

	intent, conf, _ := p.ClassifyIntent(context.Background(), "it is broken")
	assert.Equal(t, IntentTechnicalSupport, intent)
	assert.InDelta(t, 0.8, conf, 0.0001)
}

func TestClassifyIntentInvalidLabelFallsBack(t *testing.T) {
	c := &scriptedCompleter{results: []llm.CompletionResult{ok(`{"intent": "made_up_label", "confidence": 0.9}`)}}
	p := NewProcessor(c, nil)

	intent, conf, callOK := p.ClassifyIntent(context.Background(), "anything")
	assert.True(t, callOK)
	assert.Equal(t, IntentUnknown, intent)
	assert.InDelta(t, 0.3, conf, 0.0001)
}

func TestClassifyIntentCallFailure(t *testing.T) {
	c := &scriptedCompleter{results: []llm.CompletionResult{failed()}}
	p := NewProcessor(c, nil)

	intent, conf, callOK := p.ClassifyIntent(context.Background(), "anything")
	assert.False(t, callOK)
	assert.Equal(t, IntentUnknown, intent)
	assert.InDelta(t, 0.3, conf, 0.0001)
}

func TestClassifyTypeJSON(t *testing.T) {
	c := &scriptedCompleter{results: []llm.CompletionResult{ok(`{"query_type": "offering", "confidence": 0.85}`)}}
	p := NewProcessor(c, nil)

	qt, conf, callOK := p.ClassifyType(context.Background(), "what services do you offer")
	assert.True(t, callOK)
	assert.Equal(t, QueryTypeOffering, qt)
	assert.InDelta(t, 0.85, conf, 0.0001)
}

func TestClassifyTypeSubstringFallback(t *testing.T) {
	tests := []struct {
		response string
		want     QueryType
		conf     float64
	}{
		{response: "I think this needs both collections", want: QueryTypeBoth, conf: 0.7},
		{response: "offering related", want: QueryTypeOffering, conf: 0.7},
		{response: "its an faq question", want: QueryTypeFAQ, conf: 0.7},
		{response: "no idea at all", want: QueryTypeGeneral, conf: 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.response, func(t *testing.T) {
			c := &scriptedCompleter{results: []llm.CompletionResult{ok(tt.response)}}
			p := NewProcessor(c, nil)

			qt, conf, callOK := p.ClassifyType(context.Background(), "query")
			assert.True(t, callOK)
			assert.Equal(t, tt.want, qt)
			assert.InDelta(t, tt.conf, conf, 0.0001)
		})
	}
}

func TestClassifyTypeCallFailure(t *testing.T) {
	c := &scriptedCompleter{results: []llm.CompletionResult{failed()}}
	p := NewProcessor(c, nil)

	qt, conf, callOK := p.ClassifyType(context.Background(), "anything")
	assert.False(t, callOK)
	assert.Equal(t, QueryTypeGeneral, qt)
	assert.InDelta(t, 0.3, conf, 0.0001)
}

func TestClassifyTypeInvalidEnumLowConfidence(t *testing.T) {
	c := &scriptedCompleter{results: []llm.CompletionResult{ok(`{"query_type": "widget", "confidence": 0.9}`)}}
	p := NewProcessor(c, nil)

	qt, conf, _ := p.ClassifyType(context.Background(), "query")
	assert.Equal(t, QueryTypeGeneral, qt)
	assert.InDelta(t, 0.3, conf, 0.0001)
}

func TestEnhanceKeywordsAddsAtMostTwo(t *testing.T) {
	p := NewProcessor(&scriptedCompleter{}, nil)

	enhanced, added := p.EnhanceKeywords("how much do you charge", IntentPricing)
	require.Len(t, added, 2)
	assert.Equal(t, []string{"cost", "price"}, added)
	assert.Equal(t, "how much do you charge cost price", enhanced)
}

func TestEnhanceKeywordsSkipsPresentTerms(t *testing.T) {
	p := NewProcessor(&scriptedCompleter{}, nil)

	enhanced, added := p.EnhanceKeywords("what is the cost and price", IntentPricing)
	assert.Equal(t, []string{"fee", "pricing"}, added)
	assert.Contains(t, enhanced, "fee pricing")
}

func TestEnhanceKeywordsNoMapForIntent(t *testing.T) {
	p := NewProcessor(&scriptedCompleter{}, nil)

	enhanced, added := p.EnhanceKeywords("hello", IntentGreeting)
	assert.Equal(t, "hello", enhanced)
	assert.Empty(t, added)
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFences(`{"a":1}`))
}

func TestProcessFullFlow(t *testing.T) {
	c := &scriptedCompleter{results: []llm.CompletionResult{
		ok("how much do you charge for your services"),
		ok(`{"intent": "pricing", "confidence": 0.9}`),
		ok(`{"query_type": "both", "confidence": 0.8}`),
	}}
	p := NewProcessor(c, nil)

	pq, decision := p.Process(context.Background(), "how much do you charge", nil)

	assert.Equal(t, "how much do you charge for your services", pq.Rewritten)

	assert.Equal(t, IntentPricing, pq.Intent)
	assert.Equal(t, QueryTypeBoth, pq.QueryType)
	assert.False(t, pq.UsedFallback)
	assert.Contains(t, pq.Enhanced, "cost")
	assert.Equal(t, IntentPricing, decision.Intent)
	assert.Equal(t, 4, decision.TopK)
	assert.Equal(t, "precise", decision.ResponseStyle)
}

func TestProcessTotalClassificationFailureUsesFallback(t *testing.T) {
	c := &scriptedCompleter{results: []llm.CompletionResult{failed(), failed(), failed()}}
	p := NewProcessor(c, nil)

	pq, decision := p.Process(context.Background(), "anything", nil)

	assert.True(t, pq.UsedFallback)
	assert.Equal(t, FallbackDecision(), decision)
	assert.Equal(t, "anything", pq.Enhanced, "no keyword enhancement under fallback")
}

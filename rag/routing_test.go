package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestRouteTable(t *testing.T) {
	tests := []struct {
		intent      Intent
		confidence  float64
		queryType   QueryType
		useRAG      bool
		collections []CollectionKey
		topK        int
		threshold   float64
		style       string
		escalate    bool
	}{
		{
			intent: IntentCompanyInfo, confidence: 0.9, queryType: QueryTypeOffering,
			useRAG: true, collections: []CollectionKey{CollectionOfferings},
			topK: 3, threshold: 0.4, style: "professional",
		},
		{
			intent: IntentServiceInquiry, confidence: 0.9, queryType: QueryTypeOffering,
			useRAG: true, collections: []CollectionKey{CollectionOfferings},
			topK: 5, threshold: 0.4, style: "detailed",
		},
		{
			intent: IntentPricing, confidence: 0.9, queryType: QueryTypeBoth,
			useRAG: true, collections: []CollectionKey{CollectionOfferings, CollectionFAQ},
			topK: 4, threshold: 0.4, style: "precise",
		},
		{
			intent: IntentTechnicalSupport, confidence: 0.9, queryType: QueryTypeFAQ,
			useRAG: true, collections: []CollectionKey{CollectionFAQ},
			topK: 6, threshold: 0.4, style: "step_by_step",
		},
		{
			intent: IntentTechnicalSupport, confidence: 0.6, queryType: QueryTypeFAQ,
			useRAG: true, collections: []CollectionKey{CollectionFAQ},
			topK: 6, threshold: 0.4, style: "step_by_step", escalate: true,
		},
		{
			intent: IntentIntegration, confidence: 0.9, queryType: QueryTypeBoth,
			useRAG: true, collections: []CollectionKey{CollectionOfferings, CollectionFAQ},
			topK: 5, threshold: 0.7, style: "technical",
		},
		{
			intent: IntentSecurity, confidence: 0.9, queryType: QueryTypeBoth,
			useRAG: true, collections: []CollectionKey{CollectionOfferings, CollectionFAQ},
			topK: 4, threshold: 0.8, style: "authoritative",
		},
		{
			intent: IntentCompliance, confidence: 0.9, queryType: QueryTypeBoth,
			useRAG: true, collections: []CollectionKey{CollectionOfferings, CollectionFAQ},
			topK: 4, threshold: 0.8, style: "authoritative",
		},
		{
			intent: IntentGeneralFAQ, confidence: 0.9, queryType: QueryTypeFAQ,
			useRAG: true, collections: []CollectionKey{CollectionFAQ},
			topK: 5, threshold: 0.65, style: "conversational",
		},
		{
			intent: IntentGreeting, confidence: 0.95, queryType: QueryTypeGeneral,
			useRAG: false, style: "friendly",
		},
		{
			intent: IntentGoodbye, confidence: 0.95, queryType: QueryTypeGeneral,
			useRAG: false, style: "polite",
		},
		{
			intent: IntentUnknown, confidence: 0.5, queryType: QueryTypeGeneral,
			useRAG: true, collections: []CollectionKey{CollectionOfferings, CollectionFAQ},
			topK: 3, threshold: 0.6, style: "helpful",
		},
		{
			intent: IntentUnknown, confidence: 0.3, queryType: QueryTypeGeneral,
			useRAG: true, collections: []CollectionKey{CollectionOfferings, CollectionFAQ},
			topK: 3, threshold: 0.6, style: "helpful", escalate: true,
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.intent)+"/"+string(tt.queryType), func(t *testing.T) {
			d := Route(tt.intent, tt.confidence, tt.queryType)

			assert.Equal(t, tt.useRAG, d.UseRAG)
			assert.Equal(t, tt.collections, d.Collections)
			assert.Equal(t, tt.topK, d.TopK)
			assert.InDelta(t, tt.threshold, d.ScoreThreshold, 0.0001)
			assert.Equal(t, tt.style, d.ResponseStyle)
			assert.Equal(t, tt.escalate, d.Escalate)
			assert.Equal(t, tt.intent, d.Intent)
			assert.Equal(t, tt.queryType, d.QueryType)
			assert.Equal(t, tt.confidence, d.Confidence)
		})
	}
}

func TestRouteUnrecognizedIntentRoutesAsUnknown(t *testing.T) {
	d := Route(Intent("made_up"), 0.9, QueryTypeGeneral)
	assert.Equal(t, IntentUnknown, d.Intent)
	assert.True(t, d.UseRAG)
	assert.Equal(t, 3, d.TopK)
	assert.Equal(t, "helpful", d.ResponseStyle)
}

func TestTechnicalSupportEscalationBoundary(t *testing.T) {
	assert.False(t, Route(IntentTechnicalSupport, 0.7, QueryTypeFAQ).Escalate,
		"confidence at the boundary does not escalate")
	assert.True(t, Route(IntentTechnicalSupport, 0.69, QueryTypeFAQ).Escalate)
}

func TestFallbackDecision(t *testing.T) {
	d := FallbackDecision()
	assert.True(t, d.UseRAG)
	assert.Equal(t, []CollectionKey{CollectionOfferings, CollectionFAQ}, d.Collections)
	assert.Equal(t, 3, d.TopK)
	assert.InDelta(t, 0.6, d.ScoreThreshold, 0.0001)
	assert.Equal(t, "helpful", d.ResponseStyle)
	assert.False(t, d.Escalate)
	assert.Equal(t, IntentUnknown, d.Intent)
	assert.Equal(t, QueryTypeGeneral, d.QueryType)
	assert.InDelta(t, 0.3, d.Confidence, 0.0001)
}

func TestRouteInvariants(t *testing.T) {
	intents := []Intent{
		IntentCompanyInfo, IntentServiceInquiry, IntentPricing, IntentTechnicalSupport,
		IntentIntegration, IntentSecurity, IntentCompliance, IntentGeneralFAQ,
		IntentGreeting, IntentGoodbye, IntentUnknown,
	}
	queryTypes := []QueryType{QueryTypeOffering, QueryTypeFAQ, QueryTypeBoth, QueryTypeGeneral}

	rapid.Check(t, func(t *rapid.T) {
		intent := rapid.SampledFrom(intents).Draw(t, "intent")
		qt := rapid.SampledFrom(queryTypes).Draw(t, "query_type")
		conf := rapid.Float64Range(0, 1).Draw(t, "confidence")

		d := Route(intent, conf, qt)

		if d.UseRAG {
			if len(d.Collections) == 0 {
				t.Fatalf("RAG decision with no collections: %+v", d)
			}
			if d.TopK <= 0 {
				t.Fatalf("RAG decision with non-positive top_k: %+v", d)
			}
			if d.ScoreThreshold <= 0 || d.ScoreThreshold >= 1 {
				t.Fatalf("score threshold out of range: %+v", d)
			}
		} else {
			if len(d.Collections) != 0 {
				t.Fatalf("non-RAG decision carries collections: %+v", d)
			}
		}
		if d.ResponseStyle == "" {
			t.Fatalf("decision has no response style: %+v", d)
		}
		if _, ok := styleDirectives[d.ResponseStyle]; !ok {
			t.Fatalf("style %q has no prompt directive", d.ResponseStyle)
		}
		if d.Confidence != conf {
			t.Fatalf("confidence not propagated: got %v want %v", d.Confidence, conf)
		}
	})
}

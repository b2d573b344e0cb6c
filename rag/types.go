// Package rag implements the retrieval-augmented chat pipeline: query
// understanding, deterministic routing, multi-source context retrieval,
// prompt assembly, and response generation.
package rag

import "time"

// SourceKind identifies where a retrieved record came from.
type SourceKind string

const (
	SourceVector SourceKind = "vector_db"
	SourceMemory SourceKind = "user_memory"
)

// ScoredRecord is one retrieved context record, normalized across sources.
type ScoredRecord struct {
	Source   SourceKind     `json:"source"`
	Type     string         `json:"type,omitempty"`
	Title    string         `json:"title,omitempty"`
	Content  string         `json:"content"`
	Category string         `json:"category,omitempty"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ContextBundle is everything retrieved for one query.
type ContextBundle struct {
	VectorResults []ScoredRecord `json:"vector_results"`
	MemoryResults []ScoredRecord `json:"memory_results"`
}

// SourceRef is a citation attached to a response.
type SourceRef struct {
	Type           string  `json:"type"`
	Title          string  `json:"title,omitempty"`
	Category       string  `json:"category,omitempty"`
	Origin         string  `json:"origin"`
	RelevanceScore float64 `json:"relevance_score"`
}

// ContextUsage reports how much retrieved context fed the response.
type ContextUsage struct {
	VectorResults  int  `json:"vector_results"`
	MemoryResults  int  `json:"memory_results"`
	HasHistory     bool `json:"has_history"`
	RAGContextUsed bool `json:"rag_context_used"`
}

// ResponseMetadata carries request identity and error state.
type ResponseMetadata struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	ModelUsed string    `json:"model_used,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// RagResponse is the structured result of one pipeline run.
type RagResponse struct {
	Response        string           `json:"response"`
	Sources         []SourceRef      `json:"sources"`
	ContextUsed     ContextUsage     `json:"context_used"`
	RoutingInfo     Decision         `json:"routing_info"`
	QueryProcessing *ProcessedQuery  `json:"query_processing,omitempty"`
	Metadata        ResponseMetadata `json:"metadata"`
}

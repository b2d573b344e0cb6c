package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dextrends/ragcore/llm"
)

// completer is the slice of the LLM client the processor needs.
type completer interface {
	Complete(ctx context.Context, messages []llm.Message, opts ...llm.CallOption) llm.CompletionResult
}

// ProcessedQuery captures every stage of query understanding.
type ProcessedQuery struct {
	Original         string    `json:"original"`
	Rewritten        string    `json:"rewritten"`
	Enhanced         string    `json:"enhanced"`
	Intent           Intent    `json:"intent"`
	IntentConfidence float64   `json:"intent_confidence"`
	QueryType        QueryType `json:"query_type"`
	TypeConfidence   float64   `json:"type_confidence"`
	AddedKeywords    []string  `json:"added_keywords,omitempty"`
	UsedFallback     bool      `json:"used_fallback,omitempty"`
}

// intentKeywords drives retrieval-side keyword enhancement per intent.
var intentKeywords = map[Intent][]string{
	IntentCompanyInfo:      {"Dextrends", "company", "about", "mission", "history", "team"},
	IntentServiceInquiry:   {"services", "solutions", "platform", "features", "capabilities"},
	IntentPricing:          {"cost", "price", "fee", "pricing", "rates", "charges", "subscription"},
	IntentTechnicalSupport: {"help", "support", "troubleshooting", "issue", "problem", "how to"},
	IntentIntegration:      {"API", "integration", "connect", "implement", "setup", "developer"},
	IntentSecurity:         {"security", "safe", "encryption", "protection", "secure", "safety"},
	IntentCompliance:       {"compliance", "regulatory", "legal", "KYC", "AML", "regulation"},
}

// maxAddedKeywords caps enhancement so the query stays recognizable.
const maxAddedKeywords = 2

// Processor performs LLM-assisted query understanding. Every stage
// degrades gracefully: a failed LLM call falls back to conservative
// defaults rather than failing the request.
type Processor struct {
	client completer
	logger *zap.Logger
}

// NewProcessor creates a query processor.
func NewProcessor(client completer, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		client: client,
		logger: logger.With(zap.String("component", "query_processor")),
	}
}

const rewritePrompt = `You rewrite customer queries for Dextrends, a fintech and blockchain solutions company, to be specific and suitable for semantic search. Expand abbreviations, make implicit questions explicit, and resolve pronouns and references using the conversation context. Preserve the original intent. Return ONLY the rewritten query with no commentary. If the query is already clear and specific, return it unchanged.`

// Rewrite makes the query self-contained and search-friendly, pulling in
// recent conversation turns when there are any. On any failure the
// original query is returned.
func (p *Processor) Rewrite(ctx context.Context, query string, history []llm.Message) string {
	convo := "No previous conversation context"
	if len(history) > 0 {
		var sb strings.Builder
		for _, m := range history {
			sb.WriteString(fmt.Sprintf("%s: %s\n", m.Role, m.Content))
		}
		convo = strings.TrimRight(sb.String(), "\n")
	}
	userMsg := fmt.Sprintf("Conversation context:\n%s\n\nLatest query: %s", convo, query)

	res := p.client.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: rewritePrompt},
		{Role: llm.RoleUser, Content: userMsg},
	}, llm.WithTemperature(0.3), llm.WithMaxTokens(150))

	if !res.Success || strings.TrimSpace(res.Completion) == "" {
		p.logger.Debug("query rewrite failed, keeping original", zap.String("error", res.Err))
		return query
	}
	rewritten := strings.TrimSpace(res.Completion)
	if rewritten != query {
		p.logger.Debug("query rewritten",
			zap.String("original", query),
			zap.String("rewritten", rewritten))
	}
	return rewritten
}

const intentPrompt = `Classify the intent of a customer query for Dextrends, a fintech and blockchain solutions company. Respond with JSON only:
{"intent": "<label>", "confidence": <0.0-1.0>}

Valid labels: company_info, service_inquiry, pricing, technical_support, integration, security, compliance, general_faq, greeting, goodbye, unknown.`

// ClassifyIntent labels the query's intent. The second return is the
// confidence; ok is false when the LLM call itself failed.
func (p *Processor) ClassifyIntent(ctx context.Context, query string) (Intent, float64, bool) {
	res := p.client.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: intentPrompt},
		{Role: llm.RoleUser, Content: query},
	}, llm.WithTemperature(0), llm.WithMaxTokens(60))

	if !res.Success {
		p.logger.Warn("intent classification call failed", zap.String("error", res.Err))
		return IntentUnknown, 0.3, false
	}

	var parsed struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	raw := stripCodeFences(res.Completion)
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		// Some models return a bare label despite the instructions.
		label := strings.ToLower(strings.TrimSpace(raw))
		if ValidIntent(label) {
			return Intent(label), 0.8, true
		}
		p.logger.Warn("unparseable intent response", zap.String("response", res.Completion))
		return IntentUnknown, 0.3, true
	}

	label := strings.ToLower(strings.TrimSpace(parsed.Intent))
	if !ValidIntent(label) {
		p.logger.Warn("invalid intent label", zap.String("label", parsed.Intent))
		return IntentUnknown, 0.3, true
	}
	conf := parsed.Confidence
	if conf <= 0 || conf > 1 {
		conf = 0.8
	}
	return Intent(label), conf, true
}

const queryTypePrompt = `Classify what knowledge a customer query needs. Respond with JSON only:
{"query_type": "<label>", "confidence": <0.0-1.0>}

Labels: "offering" (products and services), "faq" (support and how-to), "both", "general" (neither).`

// ClassifyType labels the retrieval category of the query. Malformed
// responses fall back to substring detection, then to general.
func (p *Processor) ClassifyType(ctx context.Context, query string) (QueryType, float64, bool) {
	res := p.client.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: queryTypePrompt},
		{Role: llm.RoleUser, Content: query},
	}, llm.WithTemperature(0), llm.WithMaxTokens(60))

	if !res.Success {
		p.logger.Warn("query type classification call failed", zap.String("error", res.Err))
		return QueryTypeGeneral, 0.3, false
	}

	var parsed struct {
		QueryType  string  `json:"query_type"`
		Confidence float64 `json:"confidence"`
	}
	raw := stripCodeFences(res.Completion)
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		qt, conf := fallbackQueryType(raw)
		return qt, conf, true
	}

	label := strings.ToLower(strings.TrimSpace(parsed.QueryType))
	if !ValidQueryType(label) {
		p.logger.Warn("invalid query type label", zap.String("label", parsed.QueryType))
		return QueryTypeGeneral, 0.3, true
	}
	conf := parsed.Confidence
	if conf <= 0 || conf > 1 {
		conf = 0.8
	}
	return QueryType(label), conf, true
}

// fallbackQueryType recovers a label from free-form classifier output.
func fallbackQueryType(raw string) (QueryType, float64) {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "both"):
		return QueryTypeBoth, 0.7
	case strings.Contains(lower, "offering"):
		return QueryTypeOffering, 0.7
	case strings.Contains(lower, "faq"):
		return QueryTypeFAQ, 0.7
	default:
		return QueryTypeGeneral, 0.5
	}
}

// stripCodeFences removes a surrounding markdown code fence, with or
// without a language tag.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// EnhanceKeywords appends up to two intent-related keywords missing from
// the query, improving vector recall without distorting the question.
func (p *Processor) EnhanceKeywords(query string, intent Intent) (string, []string) {
	keywords, ok := intentKeywords[intent]
	if !ok {
		return query, nil
	}

	lower := strings.ToLower(query)
	var added []string
	for _, kw := range keywords {
		if len(added) >= maxAddedKeywords {
			break
		}
		if !strings.Contains(lower, strings.ToLower(kw)) {
			added = append(added, kw)
		}
	}
	if len(added) == 0 {
		return query, nil
	}
	return query + " " + strings.Join(added, " "), added
}

// Process runs the full understanding stage and produces the retrieval
// plan. When every classification call fails, the safe fallback plan is
// used.
func (p *Processor) Process(ctx context.Context, query string, history []llm.Message) (*ProcessedQuery, Decision) {
	rewritten := p.Rewrite(ctx, query, history)

	intent, intentConf, intentOK := p.ClassifyIntent(ctx, rewritten)
	qt, typeConf, typeOK := p.ClassifyType(ctx, rewritten)

	pq := &ProcessedQuery{
		Original:         query,
		Rewritten:        rewritten,
		Intent:           intent,
		IntentConfidence: intentConf,
		QueryType:        qt,
		TypeConfidence:   typeConf,
	}

	if !intentOK && !typeOK {
		pq.UsedFallback = true
		pq.Enhanced = rewritten
		decision := FallbackDecision()
		pq.Intent = decision.Intent
		pq.IntentConfidence = decision.Confidence
		pq.QueryType = decision.QueryType
		p.logger.Warn("query processing degraded to fallback plan", zap.String("query", query))
		return pq, decision
	}

	pq.Enhanced, pq.AddedKeywords = p.EnhanceKeywords(rewritten, intent)
	decision := Route(intent, intentConf, qt)

	p.logger.Debug("query processed",
		zap.String("intent", string(intent)),
		zap.Float64("confidence", intentConf),
		zap.String("query_type", string(qt)),
		zap.Bool("use_rag", decision.UseRAG),
		zap.Bool("escalate", decision.Escalate))
	return pq, decision
}

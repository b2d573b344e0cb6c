package rag

// Intent is the classified purpose of a user query.
type Intent string

const (
	IntentCompanyInfo      Intent = "company_info"
	IntentServiceInquiry   Intent = "service_inquiry"
	IntentPricing          Intent = "pricing"
	IntentTechnicalSupport Intent = "technical_support"
	IntentIntegration      Intent = "integration"
	IntentSecurity         Intent = "security"
	IntentCompliance       Intent = "compliance"
	IntentGeneralFAQ       Intent = "general_faq"
	IntentGreeting         Intent = "greeting"
	IntentGoodbye          Intent = "goodbye"
	IntentUnknown          Intent = "unknown"
)

// ValidIntent reports whether s is a known intent label.
func ValidIntent(s string) bool {
	switch Intent(s) {
	case IntentCompanyInfo, IntentServiceInquiry, IntentPricing, IntentTechnicalSupport,
		IntentIntegration, IntentSecurity, IntentCompliance, IntentGeneralFAQ,
		IntentGreeting, IntentGoodbye, IntentUnknown:
		return true
	}
	return false
}

// QueryType is the coarse retrieval category of a query.
type QueryType string

const (
	QueryTypeOffering QueryType = "offering"
	QueryTypeFAQ      QueryType = "faq"
	QueryTypeBoth     QueryType = "both"
	QueryTypeGeneral  QueryType = "general"
)

// ValidQueryType reports whether s is a known query type label.
func ValidQueryType(s string) bool {
	switch QueryType(s) {
	case QueryTypeOffering, QueryTypeFAQ, QueryTypeBoth, QueryTypeGeneral:
		return true
	}
	return false
}

// Decision is the deterministic retrieval plan for a classified query.
type Decision struct {
	UseRAG         bool            `json:"use_rag"`
	Collections    []CollectionKey `json:"collections"`
	TopK           int             `json:"top_k"`
	ScoreThreshold float64         `json:"score_threshold"`
	ResponseStyle  string          `json:"response_style"`
	Escalate       bool            `json:"escalate"`
	Intent         Intent          `json:"intent"`
	QueryType      QueryType       `json:"query_type"`
	Confidence     float64         `json:"confidence"`
}

// intentRoute is one routing table row.
type intentRoute struct {
	collections      []CollectionKey
	topK             int
	scoreThreshold   float64
	responseStyle    string
	useRAG           bool
	escalateBelow    float64
	overrideBaseline bool
}

var bothCollections = []CollectionKey{CollectionOfferings, CollectionFAQ}

// routeTable maps each intent to its retrieval plan. Intents without an
// overrideBaseline entry inherit collections from the query type baseline.
var routeTable = map[Intent]intentRoute{
	IntentCompanyInfo: {
		collections: []CollectionKey{CollectionOfferings}, overrideBaseline: true,
		topK: 3, scoreThreshold: 0.4, responseStyle: "professional", useRAG: true,
	},
	IntentServiceInquiry: {
		collections: []CollectionKey{CollectionOfferings}, overrideBaseline: true,
		topK: 5, scoreThreshold: 0.4, responseStyle: "detailed", useRAG: true,
	},
	IntentPricing: {
		collections: bothCollections, overrideBaseline: true,
		topK: 4, scoreThreshold: 0.4, responseStyle: "precise", useRAG: true,
	},
	IntentTechnicalSupport: {
		collections: []CollectionKey{CollectionFAQ}, overrideBaseline: true,
		topK: 6, scoreThreshold: 0.4, responseStyle: "step_by_step", useRAG: true,
		escalateBelow: 0.7,
	},
	IntentIntegration: {
		collections: bothCollections, overrideBaseline: true,
		topK: 5, scoreThreshold: 0.7, responseStyle: "technical", useRAG: true,
	},
	IntentSecurity: {
		collections: bothCollections, overrideBaseline: true,
		topK: 4, scoreThreshold: 0.8, responseStyle: "authoritative", useRAG: true,
	},
	IntentCompliance: {
		collections: bothCollections, overrideBaseline: true,
		topK: 4, scoreThreshold: 0.8, responseStyle: "authoritative", useRAG: true,
	},
	IntentGeneralFAQ: {
		collections: []CollectionKey{CollectionFAQ}, overrideBaseline: true,
		topK: 5, scoreThreshold: 0.65, responseStyle: "conversational", useRAG: true,
	},
	IntentGreeting: {
		responseStyle: "friendly", useRAG: false,
	},
	IntentGoodbye: {
		responseStyle: "polite", useRAG: false,
	},
	IntentUnknown: {
		collections: bothCollections, overrideBaseline: true,
		topK: 3, scoreThreshold: 0.6, responseStyle: "helpful", useRAG: true,
		escalateBelow: 0.4,
	},
}

// baselineCollections is the query-type fallback collection set, used when
// an intent row does not override it.
func baselineCollections(qt QueryType) []CollectionKey {
	switch qt {
	case QueryTypeOffering:
		return []CollectionKey{CollectionOfferings}
	case QueryTypeFAQ:
		return []CollectionKey{CollectionFAQ}
	default:
		return bothCollections
	}
}

// Route produces the retrieval plan for a classified query. Unrecognized
// intents route as unknown.
func Route(intent Intent, intentConfidence float64, qt QueryType) Decision {
	row, ok := routeTable[intent]
	if !ok {
		intent = IntentUnknown
		row = routeTable[IntentUnknown]
	}

	d := Decision{
		UseRAG:         row.useRAG,
		TopK:           row.topK,
		ScoreThreshold: row.scoreThreshold,
		ResponseStyle:  row.responseStyle,
		Intent:         intent,
		QueryType:      qt,
		Confidence:     intentConfidence,
	}
	if row.useRAG {
		if row.overrideBaseline {
			d.Collections = append([]CollectionKey(nil), row.collections...)
		} else {
			d.Collections = baselineCollections(qt)
		}
	}
	if row.escalateBelow > 0 && intentConfidence < row.escalateBelow {
		d.Escalate = true
	}
	return d
}

// FallbackDecision is the safe plan used when query processing itself
// fails.
func FallbackDecision() Decision {
	return Decision{
		UseRAG:         true,
		Collections:    append([]CollectionKey(nil), bothCollections...),
		TopK:           3,
		ScoreThreshold: 0.6,
		ResponseStyle:  "helpful",
		Escalate:       false,
		Intent:         IntentUnknown,
		QueryType:      QueryTypeGeneral,
		Confidence:     0.3,
	}
}

package domain

type Intent string

const (
	IntentCode    Intent = "code"
	IntentName    Intent = "name"
	IntentProfile Intent = "profile"
	IntentGeneral Intent = "general"
)

type ClassifyMethod string

const (
	MethodPattern    ClassifyMethod = "pattern"
	MethodKeyword    ClassifyMethod = "keyword"
	MethodSimpleCode ClassifyMethod = "simple_code"
	MethodHeuristic  ClassifyMethod = "heuristic"
	MethodLLM        ClassifyMethod = "llm"
	MethodFallback   ClassifyMethod = "fallback"
)

// Classification is the classifier verdict for one utterance.
// Confidence is always in [0,1].
type Classification struct {
	Intent     Intent            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Method     ClassifyMethod    `json:"method"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

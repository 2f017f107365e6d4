package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vetlab/catalog-search/internal/core/domain"
)

// Classification thresholds. Tuned empirically; preserve the relative
// ordering when recalibrating.
const (
	patternStopConfidence   = 0.90
	heuristicStopConfidence = 0.85
	llmClassifyTimeout      = 3 * time.Second
	llmFallbackScale        = 0.8
)

// Classifier tags an utterance with one of the four intents using the
// precedence {pattern, keyword, heuristic, LLM}: the first rule that
// clears its confidence bar wins.
type Classifier struct {
	llm    ChatCompleter
	rules  Rules
	logger *slog.Logger
}

// ChatCompleter is the single LLM capability the classifier needs.
type ChatCompleter interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

func NewClassifier(llm ChatCompleter, rules Rules, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{llm: llm, rules: rules, logger: logger}
}

var (
	reCodeAN      = regexp.MustCompile(`^(?i)(AN|АН)\d+[A-ZА-Я\-]*$`)
	reCodeDigits  = regexp.MustCompile(`^\d+[A-ZА-Яa-zа-я\-]*$`)
	reCodePrefix  = regexp.MustCompile(`(?i)^код\s+(AN|АН)`)
	// \b is ASCII-only in Go regexps, so Cyrillic boundaries are spelled
	// out with explicit whitespace.
	reNameSearch  = regexp.MustCompile(`(?i)(найди|найти|ищи|искать|покажи|показать|подбери|поиск)\s+.*(тест|анализ|исследован)`)
	reNameOnWord  = regexp.MustCompile(`(?i)(^|\s)(тест|анализ|исследован\S*)\s+на\s+\S`)
	reProfileStem = regexp.MustCompile(`(?i)(профил|комплекс|панел|скрининг|чек-ап|check-?up)`)
	reGeneral     = regexp.MustCompile(`(?i)(как\s+(под)?готов|сколько\s+(стоит|хранит)|что\s+такое|(можно|нужно)\s+ли|срок\s+(исполнен|готовност))`)
	reQuestionOp  = regexp.MustCompile(`(?i)^(как|что|почему|зачем|когда|где|сколько|можно|нужно)(\s|-|\?|$)`)
)

// profileKeywords trigger the bundle-profile intent on exact word match.
var profileKeywords = map[string]bool{
	"обс":      true,
	"профиль":  true,
	"профили":  true,
	"комплекс": true, "комплексы": true,
	"панель": true, "панели": true,
	"скрининг": true,
	"чек-ап":   true, "check-up": true, "чекап": true, "checkup": true,
}

// Classify always yields exactly one intent with confidence in [0,1] for
// any non-empty input.
func (c *Classifier) Classify(ctx context.Context, query string) domain.Classification {
	query = strings.TrimSpace(query)
	if query == "" {
		return domain.Classification{Intent: domain.IntentGeneral, Confidence: 0, Method: domain.MethodFallback}
	}

	if cls, ok := c.classifyByPattern(query); ok && cls.Confidence >= patternStopConfidence {
		return cls
	}

	heuristic := c.classifyByHeuristic(query)
	if heuristic.Confidence >= heuristicStopConfidence {
		return heuristic
	}

	if cls, ok := c.classifyByLLM(ctx, query); ok {
		return cls
	}

	fallback := heuristic
	fallback.Confidence *= llmFallbackScale
	fallback.Method = domain.MethodFallback
	return fallback
}

func (c *Classifier) classifyByPattern(query string) (domain.Classification, bool) {
	compact := strings.TrimSpace(query)

	switch {
	case reCodeAN.MatchString(compact):
		return pattern(domain.IntentCode, 0.98), true
	case reCodePrefix.MatchString(compact):
		return pattern(domain.IntentCode, 0.97), true
	case reCodeDigits.MatchString(compact):
		return pattern(domain.IntentCode, 0.96), true
	}

	if words := strings.Fields(strings.ToLower(compact)); len(words) > 0 {
		for _, w := range words {
			if profileKeywords[strings.Trim(w, ".,!?")] {
				return domain.Classification{Intent: domain.IntentProfile, Confidence: 0.98, Method: domain.MethodKeyword}, true
			}
		}
	}

	if reGeneral.MatchString(compact) {
		return pattern(domain.IntentGeneral, 0.95), true
	}

	if reNameSearch.MatchString(compact) || reNameOnWord.MatchString(compact) {
		return pattern(domain.IntentName, 0.94), true
	}

	if reProfileStem.MatchString(compact) {
		return pattern(domain.IntentProfile, 0.90), true
	}

	if !strings.Contains(compact, " ") && LooksLikeTestCode(compact) {
		return domain.Classification{Intent: domain.IntentCode, Confidence: 0.88, Method: domain.MethodSimpleCode}, true
	}

	return domain.Classification{}, false
}

func pattern(intent domain.Intent, confidence float64) domain.Classification {
	return domain.Classification{Intent: intent, Confidence: confidence, Method: domain.MethodPattern}
}

// classifyByHeuristic counts intent-leaning signals and picks the
// strongest.
func (c *Classifier) classifyByHeuristic(query string) domain.Classification {
	lower := strings.ToLower(query)
	words := strings.Fields(lower)

	scores := map[domain.Intent]float64{}

	// code-leaning: short utterance with a digit-bearing token, or an
	// "an"/"ан" token next to a number
	for i, w := range words {
		token := strings.Trim(w, ".,!?")
		if LooksLikeTestCode(token) {
			scores[domain.IntentCode] += 0.45
		}
		if (token == "an" || token == "ан") && i+1 < len(words) && isDigits(strings.Trim(words[i+1], ".,!?")) {
			scores[domain.IntentCode] += 0.6
		}
	}
	if len(words) <= 2 && strings.ContainsFunc(lower, func(r rune) bool { return r >= '0' && r <= '9' }) {
		scores[domain.IntentCode] += 0.3
	}

	// name-leaning: search verb + object noun + preposition "на"
	if reNameSearch.MatchString(lower) {
		scores[domain.IntentName] += 0.5
	}
	if strings.Contains(lower, " на ") {
		scores[domain.IntentName] += 0.2
	}
	if reProfileStem.MatchString(lower) {
		scores[domain.IntentProfile] += 0.6
	}

	// question shape: interrogative opener, terminal ?, length
	if reQuestionOp.MatchString(lower) {
		scores[domain.IntentGeneral] += 0.4
	}
	if strings.HasSuffix(strings.TrimSpace(lower), "?") {
		scores[domain.IntentGeneral] += 0.3
	}
	if len(words) > 5 {
		scores[domain.IntentGeneral] += 0.15
	}

	best := domain.IntentName
	bestScore := 0.25 // weak default: treat unknowns as name search
	for intent, score := range scores {
		if score > bestScore {
			best, bestScore = intent, score
		}
	}
	if bestScore > 1 {
		bestScore = 1
	}
	return domain.Classification{Intent: best, Confidence: bestScore, Method: domain.MethodHeuristic}
}

const classifySystemPrompt = `Ты — классификатор запросов к каталогу ветеринарных лабораторных исследований.
Определи тип запроса. Ответь строго в формате:
TYPE: code|name|profile|general
CONFIDENCE: число от 0 до 1
REASONING: одна короткая фраза
Никакого другого текста.`

func (c *Classifier) classifyByLLM(ctx context.Context, query string) (domain.Classification, bool) {
	if c.llm == nil {
		return domain.Classification{}, false
	}

	llmCtx, cancel := context.WithTimeout(ctx, llmClassifyTimeout)
	defer cancel()

	raw, err := c.llm.Complete(llmCtx, classifySystemPrompt, query)
	if err != nil {
		c.logger.Warn("llm classification failed", "error", err)
		return domain.Classification{}, false
	}

	cls, err := parseLLMClassification(raw)
	if err != nil {
		c.logger.Warn("llm classification unparseable", "response", raw, "error", err)
		return domain.Classification{}, false
	}
	return cls, true
}

// parseLLMClassification parses the strict TYPE/CONFIDENCE/REASONING
// schema, tolerating case, extra whitespace and reordered lines.
func parseLLMClassification(raw string) (domain.Classification, error) {
	cls := domain.Classification{Method: domain.MethodLLM, Confidence: -1}

	for _, line := range strings.Split(raw, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "TYPE":
			switch strings.ToLower(value) {
			case "code":
				cls.Intent = domain.IntentCode
			case "name":
				cls.Intent = domain.IntentName
			case "profile":
				cls.Intent = domain.IntentProfile
			case "general":
				cls.Intent = domain.IntentGeneral
			default:
				return cls, fmt.Errorf("unknown type %q", value)
			}
		case "CONFIDENCE":
			conf, err := strconv.ParseFloat(strings.ReplaceAll(value, ",", "."), 64)
			if err != nil {
				return cls, fmt.Errorf("bad confidence %q", value)
			}
			if conf < 0 {
				conf = 0
			}
			if conf > 1 {
				conf = 1
			}
			cls.Confidence = conf
		case "REASONING":
			if value != "" {
				cls.Metadata = map[string]string{"reasoning": value}
			}
		}
	}

	if cls.Intent == "" {
		return cls, fmt.Errorf("no TYPE line in %q", raw)
	}
	if cls.Confidence < 0 {
		return cls, fmt.Errorf("no CONFIDENCE line in %q", raw)
	}
	return cls, nil
}

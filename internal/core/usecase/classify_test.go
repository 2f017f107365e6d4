package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/vetlab/catalog-search/internal/core/domain"
)

type stubLLM struct {
	response string
	err      error
	calls    int
}

func (s *stubLLM) Complete(_ context.Context, _, _ string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func TestClassifyCodePatterns(t *testing.T) {
	c := NewClassifier(nil, Rules{}, nil)

	cases := []struct {
		query      string
		wantMethod domain.ClassifyMethod
		minConf    float64
	}{
		{"AN5", domain.MethodPattern, 0.98},
		{"ан116", domain.MethodPattern, 0.98},
		{"AN520ГИЭ", domain.MethodPattern, 0.98},
		{"код АН520", domain.MethodPattern, 0.97},
		{"520гиэ", domain.MethodPattern, 0.96},
	}
	for _, tc := range cases {
		got := c.Classify(context.Background(), tc.query)
		if got.Intent != domain.IntentCode {
			t.Fatalf("Classify(%q).Intent = %q, want code", tc.query, got.Intent)
		}
		if got.Method != tc.wantMethod {
			t.Fatalf("Classify(%q).Method = %q, want %q", tc.query, got.Method, tc.wantMethod)
		}
		if got.Confidence < tc.minConf {
			t.Fatalf("Classify(%q).Confidence = %v, want >= %v", tc.query, got.Confidence, tc.minConf)
		}
	}
}

func TestClassifySpacedCodeUsesHeuristic(t *testing.T) {
	c := NewClassifier(nil, Rules{}, nil)

	got := c.Classify(context.Background(), "ан 116")
	if got.Intent != domain.IntentCode {
		t.Fatalf("Intent = %q, want code", got.Intent)
	}
	if got.Method != domain.MethodHeuristic {
		t.Fatalf("Method = %q, want heuristic", got.Method)
	}
	if got.Confidence < heuristicStopConfidence {
		t.Fatalf("Confidence = %v, want >= %v", got.Confidence, heuristicStopConfidence)
	}
}

func TestClassifyNameSearch(t *testing.T) {
	c := NewClassifier(nil, Rules{}, nil)

	got := c.Classify(context.Background(), "найди тест на глюкозу")
	if got.Intent != domain.IntentName {
		t.Fatalf("Intent = %q, want name", got.Intent)
	}
	if got.Confidence < 0.94 {
		t.Fatalf("Confidence = %v, want >= 0.94", got.Confidence)
	}
}

func TestClassifyProfileKeyword(t *testing.T) {
	c := NewClassifier(nil, Rules{}, nil)

	for _, q := range []string{"профили биохимия", "обс", "чек-ап для кота"} {
		got := c.Classify(context.Background(), q)
		if got.Intent != domain.IntentProfile {
			t.Fatalf("Classify(%q).Intent = %q, want profile", q, got.Intent)
		}
		if got.Method != domain.MethodKeyword {
			t.Fatalf("Classify(%q).Method = %q, want keyword", q, got.Method)
		}
	}
}

func TestClassifyGeneralQuestion(t *testing.T) {
	c := NewClassifier(nil, Rules{}, nil)

	got := c.Classify(context.Background(), "как подготовить животное к анализу?")
	if got.Intent != domain.IntentGeneral {
		t.Fatalf("Intent = %q, want general", got.Intent)
	}
	if got.Confidence < 0.95 {
		t.Fatalf("Confidence = %v, want >= 0.95", got.Confidence)
	}
}

func TestClassifyFallsBackToLLM(t *testing.T) {
	llm := &stubLLM{response: "TYPE: name\nCONFIDENCE: 0.8\nREASONING: похоже на название теста"}
	c := NewClassifier(llm, Rules{}, nil)

	got := c.Classify(context.Background(), "что-то про печень у собаки")
	if llm.calls != 1 {
		t.Fatalf("expected one LLM call, got %d", llm.calls)
	}
	if got.Intent != domain.IntentName || got.Method != domain.MethodLLM {
		t.Fatalf("got %+v, want name/llm", got)
	}
	if got.Confidence != 0.8 {
		t.Fatalf("Confidence = %v, want 0.8", got.Confidence)
	}
}

func TestClassifyLLMFailureScalesHeuristic(t *testing.T) {
	llm := &stubLLM{err: errors.New("llm down")}
	c := NewClassifier(llm, Rules{}, nil)

	got := c.Classify(context.Background(), "что-то про печень у собаки")
	if got.Method != domain.MethodFallback {
		t.Fatalf("Method = %q, want fallback", got.Method)
	}
	if got.Confidence >= heuristicStopConfidence {
		t.Fatalf("fallback confidence must be scaled down, got %v", got.Confidence)
	}
}

func TestClassifyEmptyQuery(t *testing.T) {
	c := NewClassifier(nil, Rules{}, nil)
	got := c.Classify(context.Background(), "   ")
	if got.Intent != domain.IntentGeneral || got.Confidence != 0 {
		t.Fatalf("empty query should be zero-confidence general, got %+v", got)
	}
}

func TestParseLLMClassification(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    domain.Intent
		conf    float64
		wantErr bool
	}{
		{"canonical", "TYPE: code\nCONFIDENCE: 0.93\nREASONING: похоже на код", domain.IntentCode, 0.93, false},
		{"comma decimal", "TYPE: general\nCONFIDENCE: 0,7\nREASONING: вопрос", domain.IntentGeneral, 0.7, false},
		{"reordered lines", "CONFIDENCE: 0.5\nTYPE: profile", domain.IntentProfile, 0.5, false},
		{"clamped above one", "TYPE: name\nCONFIDENCE: 1.4", domain.IntentName, 1.0, false},
		{"missing type", "CONFIDENCE: 0.9", "", 0, true},
		{"missing confidence", "TYPE: name", "", 0, true},
		{"unknown type", "TYPE: chitchat\nCONFIDENCE: 0.9", "", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseLLMClassification(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Intent != tc.want || got.Confidence != tc.conf {
				t.Fatalf("got %+v, want intent %q conf %v", got, tc.want, tc.conf)
			}
		})
	}
}

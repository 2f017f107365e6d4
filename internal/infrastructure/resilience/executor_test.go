package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

// backendStatusError mimics the typed HTTP errors the Qdrant and Ollama
// adapters feed their classifiers.
type backendStatusError struct {
	status int
}

func (e *backendStatusError) Error() string {
	return fmt.Sprintf("backend status %d", e.status)
}

func classifyStatus(err error) ErrorClassification {
	var statusErr *backendStatusError
	if errors.As(err, &statusErr) {
		return ErrorClassification{
			Retryable:     statusErr.status >= 500,
			RecordFailure: true,
		}
	}
	return ErrorClassification{Retryable: false, RecordFailure: true}
}

func fastRetryConfig() Config {
	return Config{
		Retry: Retry{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			Multiplier:     2,
		},
	}
}

func TestExecuteRetriesServerErrors(t *testing.T) {
	exec := NewExecutor(fastRetryConfig())

	attempts := 0
	err := exec.Execute(context.Background(), "qdrant.search", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return &backendStatusError{status: 503}
		}
		return nil
	}, classifyStatus)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestExecuteStopsOnClientError(t *testing.T) {
	exec := NewExecutor(fastRetryConfig())

	attempts := 0
	err := exec.Execute(context.Background(), "qdrant.scroll", func(context.Context) error {
		attempts++
		return &backendStatusError{status: 400}
	}, classifyStatus)

	var statusErr *backendStatusError
	if !errors.As(err, &statusErr) || statusErr.status != 400 {
		t.Fatalf("expected the 400 back unchanged, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("client errors must not retry, attempts = %d", attempts)
	}
}

func TestExecuteStopsWhenContextCancelled(t *testing.T) {
	exec := NewExecutor(fastRetryConfig())

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := exec.Execute(ctx, "neo4j.write", func(context.Context) error {
		attempts++
		cancel() // cancelled while the call is in flight
		return &backendStatusError{status: 503}
	}, classifyStatus)

	if err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if attempts != 1 {
		t.Fatalf("cancelled turn must not retry, attempts = %d", attempts)
	}
}

func TestExecuteOpensCircuitPerOperation(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker = Breaker{
		Enabled:          true,
		MinRequests:      2,
		FailureRatio:     0.5,
		OpenTimeout:      50 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	}
	exec := NewExecutor(cfg)

	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "neo4j.write", func(context.Context) error {
			return &backendStatusError{status: 503}
		}, classifyStatus)
		if err == nil {
			t.Fatalf("iteration %d: expected failure", i)
		}
	}

	err := exec.Execute(context.Background(), "neo4j.write", func(context.Context) error {
		t.Fatal("open circuit must not reach the backend")
		return nil
	}, classifyStatus)
	if !IsCircuitOpen(err) {
		t.Fatalf("expected an open circuit, got %v", err)
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected gobreaker open state, got %v", err)
	}

	// a different operation keeps its own healthy circuit
	if err := exec.Execute(context.Background(), "neo4j.read", func(context.Context) error {
		return nil
	}, classifyStatus); err != nil {
		t.Fatalf("independent operation blocked: %v", err)
	}
}

func TestNormalizeFillsZeroConfig(t *testing.T) {
	exec := NewExecutor(Config{})

	def := DefaultConfig()
	if exec.cfg.Retry.MaxAttempts != def.Retry.MaxAttempts {
		t.Fatalf("retry attempts = %d, want %d", exec.cfg.Retry.MaxAttempts, def.Retry.MaxAttempts)
	}
	if exec.cfg.Breaker.FailureRatio != def.Breaker.FailureRatio {
		t.Fatalf("failure ratio = %v, want %v", exec.cfg.Breaker.FailureRatio, def.Breaker.FailureRatio)
	}

	// max backoff never sinks below the initial one
	cfg := DefaultConfig()
	cfg.Retry.InitialBackoff = time.Second
	cfg.Retry.MaxBackoff = time.Millisecond
	exec = NewExecutor(cfg)
	if exec.cfg.Retry.MaxBackoff != time.Second {
		t.Fatalf("max backoff = %v, want %v", exec.cfg.Retry.MaxBackoff, time.Second)
	}
}

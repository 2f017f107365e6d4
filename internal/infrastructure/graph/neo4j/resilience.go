package neo4j

import (
	"context"
	"errors"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"

	"github.com/vetlab/catalog-search/internal/infrastructure/resilience"
)

func classifyNeo4jError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	if neo4j.IsConnectivityError(err) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}

	// server-reported errors carry a code; transient and leader-switch
	// codes are retryable, the rest mean the query itself is wrong
	var neoErr *db.Neo4jError
	if errors.As(err, &neoErr) {
		if neoErr.IsRetriable() {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}

	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/vetlab/catalog-search/internal/infrastructure/resilience"
)

// RelatedGraph stores which catalog codes get searched together. Every
// consecutive pair of successful searches bumps an undirected edge
// weight; recommendations read the heaviest neighbours.
type RelatedGraph struct {
	driver   neo4j.DriverWithContext
	executor *resilience.Executor
}

type Options struct {
	Executor *resilience.Executor
}

func New(ctx context.Context, uri, user, password string) (*RelatedGraph, error) {
	return NewWithOptions(ctx, uri, user, password, Options{})
}

func NewWithOptions(ctx context.Context, uri, user, password string, opts Options) (*RelatedGraph, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return &RelatedGraph{driver: driver, executor: opts.Executor}, nil
}

// execute routes one graph call through the shared retry/breaker
// executor; without one the call runs bare.
func (g *RelatedGraph) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if g.executor == nil {
		return fn(ctx)
	}
	return g.executor.Execute(ctx, "neo4j."+operation, fn, classifyNeo4jError)
}

func (g *RelatedGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

func (g *RelatedGraph) UpdateRelatedTests(ctx context.Context, codeA, codeB string) error {
	if codeA == "" || codeB == "" || codeA == codeB {
		return nil
	}
	// Canonical edge direction keeps the pair on a single relationship.
	if codeA > codeB {
		codeA, codeB = codeB, codeA
	}

	err := g.execute(ctx, "write", func(ctx context.Context) error {
		session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
		defer session.Close(ctx)

		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			const query = `
MERGE (a:Test {code: $codeA})
MERGE (b:Test {code: $codeB})
MERGE (a)-[r:SEARCHED_WITH]->(b)
ON CREATE SET r.weight = 1
ON MATCH SET r.weight = r.weight + 1`
			_, err := tx.Run(ctx, query, map[string]any{"codeA": codeA, "codeB": codeB})
			return nil, err
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("update related tests: %w", err)
	}
	return nil
}

func (g *RelatedGraph) GetUserRelatedTests(ctx context.Context, code string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}

	var codes []string
	err := g.execute(ctx, "read", func(ctx context.Context) error {
		session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
		defer session.Close(ctx)

		result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			const query = `
MATCH (a:Test {code: $code})-[r:SEARCHED_WITH]-(b:Test)
RETURN b.code AS code
ORDER BY r.weight DESC
LIMIT $limit`
			records, err := tx.Run(ctx, query, map[string]any{"code": code, "limit": limit})
			if err != nil {
				return nil, err
			}

			var out []string
			for records.Next(ctx) {
				if value, ok := records.Record().Get("code"); ok {
					if s, ok := value.(string); ok {
						out = append(out, s)
					}
				}
			}
			return out, records.Err()
		})
		if err != nil {
			return err
		}
		codes, _ = result.([]string)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get related tests: %w", err)
	}
	return codes, nil
}

// Package neo4jgraph persists the knowledge graph through the Bolt
// driver.
package neo4jgraph

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/config"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// Store implements domain.GraphStore. Every batch is one explicit
// transaction so a crash mid-batch leaves no partial merge; replays are
// harmless because all writes are MERGE keyed on qualified name.
type Store struct {
	driver    neo4j.DriverWithContext
	database  string
	batchSize int
}

// New connects and verifies the Bolt endpoint.
func New(ctx domain.Context, cfg config.Config) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURI, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""))
	if err != nil {
		return nil, fmt.Errorf("op=graph.connect: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("op=graph.connect: %w", err)
	}
	slog.Info("graph store connected", slog.String("uri", cfg.Neo4jURI), slog.String("database", cfg.Neo4jDatabase))
	batch := cfg.GraphBatchSize
	if batch <= 0 {
		batch = 500
	}
	return &Store{driver: driver, database: cfg.Neo4jDatabase, batchSize: batch}, nil
}

// Close releases the driver.
func (s *Store) Close(ctx domain.Context) error { return s.driver.Close(ctx) }

// EnsureConstraints creates the uniqueness constraint backing MERGE. Safe
// to call on every startup.
func (s *Store) EnsureConstraints(ctx domain.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer func() { _ = session.Close(ctx) }()

	for label := range domain.AllowedPOITypes {
		q := fmt.Sprintf(
			"CREATE CONSTRAINT IF NOT EXISTS FOR (n:`%s`) REQUIRE (n.run_id, n.qualified_name) IS UNIQUE",
			label)
		if _, err := session.Run(ctx, q, nil); err != nil {
			return fmt.Errorf("op=graph.constraints: %w", err)
		}
	}
	return nil
}

// ApplyBatch applies one batch: deletes first, then node merges, then
// edge merges, all inside one write transaction.
func (s *Store) ApplyBatch(ctx domain.Context, b domain.GraphBatch) error {
	if err := validateBatch(b); err != nil {
		return err
	}

	start := time.Now()
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer func() { _ = session.Close(ctx) }()

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if len(b.DeleteFiles) > 0 {
			if err := deleteFiles(ctx, tx, b.DeleteFiles); err != nil {
				return nil, err
			}
		}
		for label, nodes := range groupNodes(b.Nodes) {
			for _, part := range chunkRows(nodes, s.batchSize) {
				if err := mergeNodes(ctx, tx, label, part); err != nil {
					return nil, err
				}
			}
		}
		for relType, edges := range groupEdges(b.Edges) {
			for _, part := range chunkRows(edges, s.batchSize) {
				if err := mergeEdges(ctx, tx, relType, part); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("op=graph.apply: %w", err)
	}
	observability.GraphBatchDuration.Observe(time.Since(start).Seconds())
	return nil
}

// validateBatch is the security boundary: labels and relationship types
// are interpolated into Cypher, so anything outside the closed sets is
// refused before a query is built.
func validateBatch(b domain.GraphBatch) error {
	for _, n := range b.Nodes {
		if !domain.AllowedPOITypes[n.Label] {
			slog.Error("rejected graph node with unknown label",
				slog.String("label", string(n.Label)),
				slog.String("qualified_name", n.QualifiedName),
				slog.Bool("security", true))
			return fmt.Errorf("%w: node label %q", domain.ErrSecurityViolation, n.Label)
		}
	}
	for _, e := range b.Edges {
		if !domain.AllowedRelTypes[e.Type] {
			slog.Error("rejected graph edge with unknown type",
				slog.String("type", string(e.Type)),
				slog.String("source", e.SourceQN),
				slog.Bool("security", true))
			return fmt.Errorf("%w: relationship type %q", domain.ErrSecurityViolation, e.Type)
		}
	}
	return nil
}

func deleteFiles(ctx domain.Context, tx neo4j.ManagedTransaction, paths []string) error {
	_, err := tx.Run(ctx,
		"UNWIND $paths AS p MATCH (n {file_path: p}) DETACH DELETE n",
		map[string]any{"paths": paths})
	return err
}

func mergeNodes(ctx domain.Context, tx neo4j.ManagedTransaction, label domain.POIType, nodes []domain.GraphNode) error {
	rows := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		props := map[string]any{}
		for k, v := range n.Properties {
			props[k] = v
		}
		rows = append(rows, map[string]any{"qn": n.QualifiedName, "props": props})
	}
	q := fmt.Sprintf(
		"UNWIND $rows AS row MERGE (n:`%s` {qualified_name: row.qn}) SET n += row.props",
		label)
	_, err := tx.Run(ctx, q, map[string]any{"rows": rows})
	return err
}

func mergeEdges(ctx domain.Context, tx neo4j.ManagedTransaction, relType domain.RelType, edges []domain.GraphEdge) error {
	rows := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		props := map[string]any{}
		for k, v := range e.Properties {
			props[k] = v
		}
		rows = append(rows, map[string]any{"src": e.SourceQN, "dst": e.TargetQN, "props": props})
	}
	// Endpoints may have been merged under any label; match on the
	// qualified-name key alone.
	q := fmt.Sprintf(
		"UNWIND $rows AS row MATCH (a {qualified_name: row.src}) MATCH (b {qualified_name: row.dst}) MERGE (a)-[r:`%s`]->(b) SET r += row.props",
		relType)
	_, err := tx.Run(ctx, q, map[string]any{"rows": rows})
	return err
}

// chunkRows splits rows so no single UNWIND carries an unbounded
// parameter list. The transaction still covers the whole batch.
func chunkRows[T any](rows []T, n int) [][]T {
	if n <= 0 {
		n = len(rows)
	}
	var out [][]T
	for len(rows) > n {
		out = append(out, rows[:n])
		rows = rows[n:]
	}
	if len(rows) > 0 {
		out = append(out, rows)
	}
	return out
}

func groupNodes(nodes []domain.GraphNode) map[domain.POIType][]domain.GraphNode {
	out := make(map[domain.POIType][]domain.GraphNode)
	for _, n := range nodes {
		out[n.Label] = append(out[n.Label], n)
	}
	return out
}

func groupEdges(edges []domain.GraphEdge) map[domain.RelType][]domain.GraphEdge {
	out := make(map[domain.RelType][]domain.GraphEdge)
	for _, e := range edges {
		out[e.Type] = append(out[e.Type], e)
	}
	return out
}

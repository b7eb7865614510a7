package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// GraphIngestor applies outbox-delivered batches to the graph store and
// records which relationships made it in. MERGE keyed on qualified name
// makes replays after a crash produce zero duplicate nodes or edges.
type GraphIngestor struct {
	graph domain.GraphStore
	rels  domain.RelationshipRepository
}

// NewGraphIngestor constructs a GraphIngestor.
func NewGraphIngestor(graph domain.GraphStore, rels domain.RelationshipRepository) *GraphIngestor {
	return &GraphIngestor{graph: graph, rels: rels}
}

// Handle applies one batch.
func (g *GraphIngestor) Handle(ctx domain.Context, payload []byte) error {
	tracer := otel.Tracer("usecase.ingest")
	ctx, span := tracer.Start(ctx, "ingest.Handle")
	defer span.End()

	var job domain.GraphIngestionPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("op=ingest.decode: %w", err)
	}

	if err := g.graph.ApplyBatch(ctx, job.Batch); err != nil {
		return err
	}

	var relHashes []string
	for _, e := range job.Batch.Edges {
		if h, ok := e.Properties["rel_hash"].(string); ok && h != "" {
			relHashes = append(relHashes, h)
		}
	}
	if len(relHashes) > 0 {
		if err := g.rels.MarkCommitted(ctx, relHashes); err != nil {
			return err
		}
	}

	slog.Info("graph batch applied",
		slog.String("run_id", job.RunID),
		slog.Int("deletes", len(job.Batch.DeleteFiles)),
		slog.Int("nodes", len(job.Batch.Nodes)),
		slog.Int("edges", len(job.Batch.Edges)))
	return nil
}

package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// POIRepo reads points of interest. Writes go through Store.InTx so POIs
// and their outbox events commit together.
type POIRepo struct{ DB *sql.DB }

// NewPOIRepo constructs a POIRepo.
func NewPOIRepo(db *sql.DB) *POIRepo { return &POIRepo{DB: db} }

const poiColumns = `id, file_id, run_id, type, name, qualified_name, signature, start_line, end_line`

func scanPOIs(rows *sql.Rows) ([]domain.POI, error) {
	var out []domain.POI
	for rows.Next() {
		var p domain.POI
		if err := rows.Scan(&p.ID, &p.FileID, &p.RunID, &p.Type, &p.Name, &p.QualifiedName, &p.Signature, &p.StartLine, &p.EndLine); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListByFile returns the POIs extracted from one file.
func (r *POIRepo) ListByFile(ctx domain.Context, fileID string) ([]domain.POI, error) {
	tracer := otel.Tracer("repo.pois")
	ctx, span := tracer.Start(ctx, "pois.ListByFile")
	defer span.End()
	rows, err := r.DB.QueryContext(ctx, `SELECT `+poiColumns+` FROM pois WHERE file_id=? ORDER BY qualified_name`, fileID)
	if err != nil {
		return nil, fmt.Errorf("op=poi.list_by_file: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out, err := scanPOIs(rows)
	if err != nil {
		return nil, fmt.Errorf("op=poi.list_by_file: %w", err)
	}
	return out, nil
}

// ListByDir returns all POIs whose file lives directly in dirPath.
func (r *POIRepo) ListByDir(ctx domain.Context, runID, dirPath string) ([]domain.POI, error) {
	tracer := otel.Tracer("repo.pois")
	ctx, span := tracer.Start(ctx, "pois.ListByDir")
	defer span.End()
	dir := strings.TrimSuffix(dirPath, "/")
	const q = `SELECT p.id, p.file_id, p.run_id, p.type, p.name, p.qualified_name, p.signature, p.start_line, p.end_line
		FROM pois p JOIN files f ON p.file_id = f.id
		WHERE p.run_id = ?
		  AND f.path LIKE ? || '/%'
		  AND f.path NOT LIKE ? || '/%/%'
		ORDER BY p.qualified_name`
	rows, err := r.DB.QueryContext(ctx, q, runID, dir, dir)
	if err != nil {
		return nil, fmt.Errorf("op=poi.list_by_dir: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out, err := scanPOIs(rows)
	if err != nil {
		return nil, fmt.Errorf("op=poi.list_by_dir: %w", err)
	}
	return out, nil
}

// ListByRun returns every POI of a run.
func (r *POIRepo) ListByRun(ctx domain.Context, runID string) ([]domain.POI, error) {
	tracer := otel.Tracer("repo.pois")
	ctx, span := tracer.Start(ctx, "pois.ListByRun")
	defer span.End()
	rows, err := r.DB.QueryContext(ctx, `SELECT `+poiColumns+` FROM pois WHERE run_id=? ORDER BY qualified_name`, runID)
	if err != nil {
		return nil, fmt.Errorf("op=poi.list_by_run: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out, err := scanPOIs(rows)
	if err != nil {
		return nil, fmt.Errorf("op=poi.list_by_run: %w", err)
	}
	return out, nil
}

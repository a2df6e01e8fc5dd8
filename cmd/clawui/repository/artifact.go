package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
	"github.com/ccchow/ClawUI-sub001/common/db"
)

// ArtifactRepository handles database operations for handoff artifacts
type ArtifactRepository struct {
	db *db.DB
}

// NewArtifactRepository creates a new artifact repository
func NewArtifactRepository(database *db.DB) *ArtifactRepository {
	return &ArtifactRepository{db: database}
}

const artifactColumns = `id, blueprint_id, source_node_id, target_node_id, type, content, created_at`

// Create inserts a new artifact. Ids are never re-used; deleting and
// re-creating identical content yields a new id.
func (r *ArtifactRepository) Create(ctx context.Context, a *models.Artifact) error {
	a.ID = uuid.NewString()
	if a.Type == "" {
		a.Type = models.ArtifactHandoffSummary
	}
	a.CreatedAt = models.NowISO()

	query := `
		INSERT INTO artifacts (id, blueprint_id, source_node_id, target_node_id, type, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		a.ID,
		a.BlueprintID,
		a.SourceNodeID,
		a.TargetNodeID,
		a.Type,
		a.Content,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create artifact: %w", translate(err))
	}
	return nil
}

// ListForNode returns a node's artifacts, selected by direction: in for
// artifacts targeted at the node, out for artifacts the node produced.
func (r *ArtifactRepository) ListForNode(ctx context.Context, nodeID string, direction models.ArtifactDirection) ([]*models.Artifact, error) {
	column := "source_node_id"
	if direction == models.ArtifactIn {
		column = "target_node_id"
	}

	rows, err := r.db.QueryContext(
		ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE `+column+` = ? ORDER BY created_at ASC, id ASC`,
		nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", translate(err))
	}
	defer rows.Close()

	artifacts := []*models.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// LatestForTarget returns the newest artifact produced by sourceNodeID and
// targeted at targetNodeID, falling back to the newest with a null target.
func (r *ArtifactRepository) LatestForTarget(ctx context.Context, sourceNodeID, targetNodeID string) (*models.Artifact, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE source_node_id = ? AND target_node_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		sourceNodeID, targetNodeID,
	)
	a, err := scanArtifact(row)
	if err == nil {
		return a, nil
	}
	if translate(err) != ErrNotFound {
		return nil, fmt.Errorf("latest artifact: %w", translate(err))
	}

	row = r.db.QueryRowContext(
		ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE source_node_id = ? AND target_node_id IS NULL ORDER BY created_at DESC, id DESC LIMIT 1`,
		sourceNodeID,
	)
	a, err = scanArtifact(row)
	if err != nil {
		return nil, fmt.Errorf("latest artifact: %w", translate(err))
	}
	return a, nil
}

// Delete removes an artifact
func (r *ArtifactRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete artifact: %w", translate(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanArtifact(row rowScanner) (*models.Artifact, error) {
	a := &models.Artifact{}
	err := row.Scan(
		&a.ID,
		&a.BlueprintID,
		&a.SourceNodeID,
		&a.TargetNodeID,
		&a.Type,
		&a.Content,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

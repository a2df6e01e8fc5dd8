package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
	"github.com/ccchow/ClawUI-sub001/common/db"
)

// BlueprintRepository handles database operations for blueprints
type BlueprintRepository struct {
	db    *db.DB
	nodes *NodeRepository
}

// NewBlueprintRepository creates a new blueprint repository
func NewBlueprintRepository(database *db.DB, nodes *NodeRepository) *BlueprintRepository {
	return &BlueprintRepository{db: database, nodes: nodes}
}

const blueprintColumns = `id, title, description, project_cwd, status, starred, archived_at, created_at, updated_at`

// Create inserts a new blueprint. Missing id and timestamps are filled in.
func (r *BlueprintRepository) Create(ctx context.Context, bp *models.Blueprint) error {
	if bp.ID == "" {
		bp.ID = uuid.NewString()
	}
	if bp.Status == "" {
		bp.Status = models.BlueprintDraft
	}
	now := models.NowISO()
	bp.CreatedAt = now
	bp.UpdatedAt = now

	query := `
		INSERT INTO blueprints (id, title, description, project_cwd, status, starred, archived_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		bp.ID,
		bp.Title,
		bp.Description,
		bp.ProjectCwd,
		bp.Status,
		bp.Starred,
		bp.ArchivedAt,
		bp.CreatedAt,
		bp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create blueprint: %w", translate(err))
	}

	return nil
}

// GetByID retrieves a blueprint with its nodes hydrated in display order,
// each node carrying its artifacts and executions in chronological order.
func (r *BlueprintRepository) GetByID(ctx context.Context, id string) (*models.Blueprint, error) {
	bp, err := r.getBare(ctx, r.db, id)
	if err != nil {
		return nil, err
	}

	nodes, err := r.nodes.ListByBlueprint(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := r.hydrateNodes(ctx, id, nodes); err != nil {
		return nil, err
	}

	bp.Nodes = nodes
	return bp, nil
}

// GetBare retrieves a blueprint without hydrating its nodes
func (r *BlueprintRepository) GetBare(ctx context.Context, id string) (*models.Blueprint, error) {
	return r.getBare(ctx, r.db, id)
}

func (r *BlueprintRepository) getBare(ctx context.Context, q dbtx, id string) (*models.Blueprint, error) {
	row := q.QueryRowContext(ctx, `SELECT `+blueprintColumns+` FROM blueprints WHERE id = ?`, id)
	bp, err := scanBlueprint(row)
	if err != nil {
		return nil, fmt.Errorf("get blueprint: %w", translate(err))
	}
	return bp, nil
}

// ListFilter narrows blueprint listings
type ListFilter struct {
	Status          string
	ProjectCwd      string
	IncludeArchived bool
}

// List returns blueprints matching the filter. Starred blueprints sort
// before unstarred, then by updatedAt descending.
func (r *BlueprintRepository) List(ctx context.Context, filter ListFilter) ([]*models.Blueprint, error) {
	var (
		where []string
		args  []any
	)

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.ProjectCwd != "" {
		where = append(where, "project_cwd = ?")
		args = append(args, filter.ProjectCwd)
	}
	if !filter.IncludeArchived {
		where = append(where, "archived_at IS NULL")
	}

	query := `SELECT ` + blueprintColumns + ` FROM blueprints`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY starred DESC, updated_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list blueprints: %w", translate(err))
	}
	defer rows.Close()

	blueprints := []*models.Blueprint{}
	for rows.Next() {
		bp, err := scanBlueprint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan blueprint: %w", err)
		}
		blueprints = append(blueprints, bp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blueprints: %w", err)
	}

	return blueprints, nil
}

// Update applies an RFC 7386 merge patch to the blueprint's external shape
// and persists the result. Immutable fields are preserved.
func (r *BlueprintRepository) Update(ctx context.Context, id string, patch []byte) (*models.Blueprint, error) {
	current, err := r.getBare(ctx, r.db, id)
	if err != nil {
		return nil, err
	}

	original, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("marshal blueprint: %w", err)
	}

	merged, err := jsonpatch.MergePatch(original, patch)
	if err != nil {
		return nil, fmt.Errorf("%w: bad patch: %v", ErrInvalid, err)
	}

	var updated models.Blueprint
	if err := json.Unmarshal(merged, &updated); err != nil {
		return nil, fmt.Errorf("%w: bad patch shape: %v", ErrInvalid, err)
	}

	updated.ID = current.ID
	updated.CreatedAt = current.CreatedAt
	updated.Nodes = nil
	if !models.ValidBlueprintStatus(string(updated.Status)) {
		return nil, fmt.Errorf("%w: invalid status %q", ErrInvalid, updated.Status)
	}
	updated.UpdatedAt = models.NowISO()

	query := `
		UPDATE blueprints
		SET title = ?, description = ?, project_cwd = ?, status = ?, starred = ?, archived_at = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := r.db.ExecContext(
		ctx,
		query,
		updated.Title,
		updated.Description,
		updated.ProjectCwd,
		updated.Status,
		updated.Starred,
		updated.ArchivedAt,
		updated.UpdatedAt,
		updated.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update blueprint: %w", translate(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	return &updated, nil
}

// SetStatus updates only the blueprint status
func (r *BlueprintRepository) SetStatus(ctx context.Context, id string, status models.BlueprintStatus) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE blueprints SET status = ?, updated_at = ? WHERE id = ?`,
		status, models.NowISO(), id,
	)
	if err != nil {
		return fmt.Errorf("set blueprint status: %w", translate(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetArchived sets or clears archivedAt
func (r *BlueprintRepository) SetArchived(ctx context.Context, id string, archived bool) error {
	var archivedAt any
	if archived {
		archivedAt = models.NowISO()
	}
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE blueprints SET archived_at = ?, updated_at = ? WHERE id = ?`,
		archivedAt, models.NowISO(), id,
	)
	if err != nil {
		return fmt.Errorf("set blueprint archived: %w", translate(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch bumps updatedAt
func (r *BlueprintRepository) Touch(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE blueprints SET updated_at = ? WHERE id = ?`, models.NowISO(), id)
	return translate(err)
}

// Delete removes the blueprint. Owned nodes, artifacts, executions, and
// related sessions cascade in the same transaction.
func (r *BlueprintRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM blueprints WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete blueprint: %w", translate(err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// hydrateNodes attaches artifacts and executions to each node in one pass
// per table rather than one query per node.
func (r *BlueprintRepository) hydrateNodes(ctx context.Context, blueprintID string, nodes []*models.MacroNode) error {
	byID := make(map[string]*models.MacroNode, len(nodes))
	for _, n := range nodes {
		n.Artifacts = []*models.Artifact{}
		n.Executions = []*models.NodeExecution{}
		byID[n.ID] = n
	}

	rows, err := r.db.QueryContext(
		ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE blueprint_id = ? ORDER BY created_at ASC, id ASC`,
		blueprintID,
	)
	if err != nil {
		return fmt.Errorf("list blueprint artifacts: %w", translate(err))
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return fmt.Errorf("scan artifact: %w", err)
		}
		if n, ok := byID[a.SourceNodeID]; ok {
			n.Artifacts = append(n.Artifacts, a)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate artifacts: %w", err)
	}

	execRows, err := r.db.QueryContext(
		ctx,
		`SELECT `+executionColumns+` FROM node_executions WHERE blueprint_id = ? ORDER BY started_at ASC, id ASC`,
		blueprintID,
	)
	if err != nil {
		return fmt.Errorf("list blueprint executions: %w", translate(err))
	}
	defer execRows.Close()

	for execRows.Next() {
		e, err := scanExecution(execRows)
		if err != nil {
			return fmt.Errorf("scan execution: %w", err)
		}
		if n, ok := byID[e.NodeID]; ok {
			n.Executions = append(n.Executions, e)
		}
	}
	return execRows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlueprint(row rowScanner) (*models.Blueprint, error) {
	bp := &models.Blueprint{}
	err := row.Scan(
		&bp.ID,
		&bp.Title,
		&bp.Description,
		&bp.ProjectCwd,
		&bp.Status,
		&bp.Starred,
		&bp.ArchivedAt,
		&bp.CreatedAt,
		&bp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return bp, nil
}

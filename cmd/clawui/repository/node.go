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

// NodeRepository handles database operations for macro nodes
type NodeRepository struct {
	db *db.DB
}

// NewNodeRepository creates a new node repository
func NewNodeRepository(database *db.DB) *NodeRepository {
	return &NodeRepository{db: database}
}

const nodeColumns = `id, blueprint_id, node_order, title, description, prompt, dependencies, status, error, estimated_minutes, actual_minutes, parallel_group, agent_type, created_at, updated_at`

// Create inserts a new node at its ordinal, shifting every node at or above
// that ordinal by one. Dependency ids must reference nodes of the same
// blueprint.
func (r *NodeRepository) Create(ctx context.Context, node *models.MacroNode) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		return r.CreateInTx(ctx, tx, node)
	})
}

// CreateInTx is Create running inside an existing transaction, so graph
// mutations can insert nodes and rewire edges atomically.
func (r *NodeRepository) CreateInTx(ctx context.Context, tx *sql.Tx, node *models.MacroNode) error {
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	if node.Status == "" {
		node.Status = models.NodePending
	}
	if node.AgentType == "" {
		node.AgentType = "claude"
	}
	if node.Dependencies == nil {
		node.Dependencies = []string{}
	}
	now := models.NowISO()
	node.CreatedAt = now
	node.UpdatedAt = now

	if err := validateDependencies(ctx, tx, node.BlueprintID, node.ID, node.Dependencies); err != nil {
		return err
	}

	if node.Order < 0 {
		// Append at the end
		row := tx.QueryRowContext(
			ctx,
			`SELECT COALESCE(MAX(node_order), -1) + 1 FROM macro_nodes WHERE blueprint_id = ?`,
			node.BlueprintID,
		)
		if err := row.Scan(&node.Order); err != nil {
			return fmt.Errorf("next node order: %w", translate(err))
		}
	} else {
		_, err := tx.ExecContext(
			ctx,
			`UPDATE macro_nodes SET node_order = node_order + 1 WHERE blueprint_id = ? AND node_order >= ?`,
			node.BlueprintID, node.Order,
		)
		if err != nil {
			return fmt.Errorf("shift node ordinals: %w", translate(err))
		}
	}

	deps, err := depsToJSON(node.Dependencies)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO macro_nodes (id, blueprint_id, node_order, title, description, prompt, dependencies, status, error, estimated_minutes, actual_minutes, parallel_group, agent_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(
		ctx,
		query,
		node.ID,
		node.BlueprintID,
		node.Order,
		node.Title,
		node.Description,
		node.Prompt,
		deps,
		node.Status,
		node.Error,
		node.EstimatedMinutes,
		node.ActualMinutes,
		node.ParallelGroup,
		node.AgentType,
		node.CreatedAt,
		node.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create node: %w", translate(err))
	}

	return nil
}

// GetByID retrieves a node by id
func (r *NodeRepository) GetByID(ctx context.Context, id string) (*models.MacroNode, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM macro_nodes WHERE id = ?`, id)
	node, err := scanNode(row)
	if err != nil {
		return nil, fmt.Errorf("get node: %w", translate(err))
	}
	return node, nil
}

// ListByBlueprint returns the blueprint's nodes in display order
func (r *NodeRepository) ListByBlueprint(ctx context.Context, blueprintID string) ([]*models.MacroNode, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT `+nodeColumns+` FROM macro_nodes WHERE blueprint_id = ? ORDER BY node_order ASC, created_at ASC`,
		blueprintID,
	)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", translate(err))
	}
	defer rows.Close()

	nodes := []*models.MacroNode{}
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return nodes, nil
}

// Update applies an RFC 7386 merge patch to the node's external shape.
// Ownership and timestamps are immutable; dependency edits are validated
// against the blueprint.
func (r *NodeRepository) Update(ctx context.Context, id string, patch []byte) (*models.MacroNode, error) {
	var updated *models.MacroNode
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM macro_nodes WHERE id = ?`, id)
		current, err := scanNode(row)
		if err != nil {
			return fmt.Errorf("get node: %w", translate(err))
		}

		original, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("marshal node: %w", err)
		}

		merged, err := jsonpatch.MergePatch(original, patch)
		if err != nil {
			return fmt.Errorf("%w: bad patch: %v", ErrInvalid, err)
		}

		next := &models.MacroNode{}
		if err := json.Unmarshal(merged, next); err != nil {
			return fmt.Errorf("%w: bad patch shape: %v", ErrInvalid, err)
		}

		next.ID = current.ID
		next.BlueprintID = current.BlueprintID
		next.CreatedAt = current.CreatedAt
		next.Artifacts = nil
		next.Executions = nil
		if next.Dependencies == nil {
			next.Dependencies = []string{}
		}
		if !models.ValidNodeStatus(string(next.Status)) {
			return fmt.Errorf("%w: invalid status %q", ErrInvalid, next.Status)
		}
		if err := validateDependencies(ctx, tx, next.BlueprintID, next.ID, next.Dependencies); err != nil {
			return err
		}
		next.UpdatedAt = models.NowISO()

		deps, err := depsToJSON(next.Dependencies)
		if err != nil {
			return err
		}

		query := `
			UPDATE macro_nodes
			SET node_order = ?, title = ?, description = ?, prompt = ?, dependencies = ?, status = ?, error = ?, estimated_minutes = ?, actual_minutes = ?, parallel_group = ?, agent_type = ?, updated_at = ?
			WHERE id = ?
		`
		_, err = tx.ExecContext(
			ctx,
			query,
			next.Order,
			next.Title,
			next.Description,
			next.Prompt,
			deps,
			next.Status,
			next.Error,
			next.EstimatedMinutes,
			next.ActualMinutes,
			next.ParallelGroup,
			next.AgentType,
			next.UpdatedAt,
			next.ID,
		)
		if err != nil {
			return fmt.Errorf("update node: %w", translate(err))
		}

		updated = next
		return nil
	})
	return updated, err
}

// SetStatus updates a node's status, and its error message when errMsg is
// non-nil.
func (r *NodeRepository) SetStatus(ctx context.Context, id string, status models.NodeStatus, errMsg *string) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE macro_nodes SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, models.NowISO(), id,
	)
	if err != nil {
		return fmt.Errorf("set node status: %w", translate(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActualMinutes records how long the node's successful run took
func (r *NodeRepository) SetActualMinutes(ctx context.Context, id string, minutes int) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE macro_nodes SET actual_minutes = ?, updated_at = ? WHERE id = ?`,
		minutes, models.NowISO(), id,
	)
	return translate(err)
}

// SetDependenciesInTx rewrites a node's dependency list inside a transaction
func (r *NodeRepository) SetDependenciesInTx(ctx context.Context, tx *sql.Tx, id string, deps []string) error {
	var blueprintID string
	row := tx.QueryRowContext(ctx, `SELECT blueprint_id FROM macro_nodes WHERE id = ?`, id)
	if err := row.Scan(&blueprintID); err != nil {
		return fmt.Errorf("set node dependencies: %w", translate(err))
	}
	if err := validateDependencies(ctx, tx, blueprintID, id, deps); err != nil {
		return err
	}
	raw, err := depsToJSON(deps)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(
		ctx,
		`UPDATE macro_nodes SET dependencies = ?, updated_at = ? WHERE id = ?`,
		raw, models.NowISO(), id,
	)
	if err != nil {
		return fmt.Errorf("set node dependencies: %w", translate(err))
	}
	return nil
}

// Delete removes a node. Deletion is local: dependents keep dangling ids,
// which are filtered when resolving.
func (r *NodeRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM macro_nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete node: %w", translate(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// NodeOrder pairs a node id with its new display ordinal
type NodeOrder struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}

// Reorder writes a batch of (id, order) pairs atomically
func (r *NodeRepository) Reorder(ctx context.Context, blueprintID string, orders []NodeOrder) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, o := range orders {
			res, err := tx.ExecContext(
				ctx,
				`UPDATE macro_nodes SET node_order = ?, updated_at = ? WHERE id = ? AND blueprint_id = ?`,
				o.Order, models.NowISO(), o.ID, blueprintID,
			)
			if err != nil {
				return fmt.Errorf("reorder node %s: %w", o.ID, translate(err))
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: node %s", ErrNotFound, o.ID)
			}
		}
		return nil
	})
}

// validateDependencies checks that every dependency id names another node of
// the same blueprint and that the resulting graph stays acyclic.
func validateDependencies(ctx context.Context, q dbtx, blueprintID, selfID string, deps []string) error {
	if len(deps) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(deps))
	unique := make([]string, 0, len(deps))
	for _, dep := range deps {
		if dep == selfID {
			return fmt.Errorf("%w: node cannot depend on itself", ErrInvalid)
		}
		if !seen[dep] {
			seen[dep] = true
			unique = append(unique, dep)
		}
	}

	placeholders := strings.Repeat("?,", len(unique))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(unique)+1)
	args = append(args, blueprintID)
	for _, dep := range unique {
		args = append(args, dep)
	}

	var count int
	row := q.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM macro_nodes WHERE blueprint_id = ? AND id IN (`+placeholders+`)`,
		args...,
	)
	if err := row.Scan(&count); err != nil {
		return fmt.Errorf("validate dependencies: %w", translate(err))
	}
	if count != len(unique) {
		return fmt.Errorf("%w: dependency references a node outside this blueprint", ErrForeignKey)
	}

	return checkAcyclic(ctx, q, blueprintID, selfID, unique)
}

// checkAcyclic walks the blueprint's dependency graph from the candidate
// edges. The graph is acyclic before every write, so a new cycle must pass
// through selfID: reaching it again means the candidate edges close a loop.
func checkAcyclic(ctx context.Context, q dbtx, blueprintID, selfID string, deps []string) error {
	rows, err := q.QueryContext(
		ctx,
		`SELECT id, dependencies FROM macro_nodes WHERE blueprint_id = ?`,
		blueprintID,
	)
	if err != nil {
		return fmt.Errorf("load dependency graph: %w", translate(err))
	}
	defer rows.Close()

	adjacent := make(map[string][]string)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("load dependency graph: %w", translate(err))
		}
		var edges []string
		if err := json.Unmarshal([]byte(raw), &edges); err != nil {
			return fmt.Errorf("decode dependencies of %s: %w", id, err)
		}
		adjacent[id] = edges
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load dependency graph: %w", translate(err))
	}

	visited := make(map[string]bool, len(adjacent))
	stack := append([]string(nil), deps...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == selfID {
			return fmt.Errorf("%w: dependency cycle through node %s", ErrConflict, selfID)
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		stack = append(stack, adjacent[id]...)
	}
	return nil
}

func depsToJSON(deps []string) (string, error) {
	if deps == nil {
		deps = []string{}
	}
	raw, err := json.Marshal(deps)
	if err != nil {
		return "", fmt.Errorf("marshal dependencies: %w", err)
	}
	return string(raw), nil
}

func scanNode(row rowScanner) (*models.MacroNode, error) {
	node := &models.MacroNode{}
	var deps string
	err := row.Scan(
		&node.ID,
		&node.BlueprintID,
		&node.Order,
		&node.Title,
		&node.Description,
		&node.Prompt,
		&deps,
		&node.Status,
		&node.Error,
		&node.EstimatedMinutes,
		&node.ActualMinutes,
		&node.ParallelGroup,
		&node.AgentType,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(deps), &node.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	if node.Dependencies == nil {
		node.Dependencies = []string{}
	}
	return node, nil
}

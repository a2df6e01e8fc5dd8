package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
	"github.com/ccchow/ClawUI-sub001/common/db"
)

// RecoveryRepository holds the queries the recovery supervisor needs to
// reconcile persisted running-state with reality after a restart
type RecoveryRepository struct {
	db *db.DB
}

// NewRecoveryRepository creates a new recovery repository
func NewRecoveryRepository(database *db.DB) *RecoveryRepository {
	return &RecoveryRepository{db: database}
}

// StaleExecution is a running execution joined with the context the
// supervisor needs to probe it
type StaleExecution struct {
	Execution  *models.NodeExecution `json:"execution"`
	ProjectCwd *string               `json:"projectCwd,omitempty"`
	AgentType  string                `json:"agentType"`
}

// GetStaleRunningExecutions returns every execution still marked running,
// joined with its blueprint's project directory and its node's agent type.
func (r *RecoveryRepository) GetStaleRunningExecutions(ctx context.Context) ([]*StaleExecution, error) {
	query := `
		SELECT ` + prefixColumns("e", executionColumns) + `, b.project_cwd, n.agent_type
		FROM node_executions e
		JOIN blueprints b ON b.id = e.blueprint_id
		JOIN macro_nodes n ON n.id = e.node_id
		WHERE e.status = ?
		ORDER BY e.started_at ASC
	`
	return r.queryStale(ctx, query, models.ExecutionRunning)
}

// GetRecentRestartFailedExecutions returns executions a previous restart
// force-failed within the lookback window. A too-eager restart may have
// killed rows whose process was actually still alive.
func (r *RecoveryRepository) GetRecentRestartFailedExecutions(ctx context.Context, lookback time.Duration) ([]*StaleExecution, error) {
	cutoff := time.Now().UTC().Add(-lookback).Format(time.RFC3339)
	query := `
		SELECT ` + prefixColumns("e", executionColumns) + `, b.project_cwd, n.agent_type
		FROM node_executions e
		JOIN blueprints b ON b.id = e.blueprint_id
		JOIN macro_nodes n ON n.id = e.node_id
		WHERE e.status = ? AND e.output_summary LIKE ? AND e.completed_at >= ?
		ORDER BY e.started_at ASC
	`
	return r.queryStale(ctx, query, models.ExecutionFailed, "%"+models.RestartSentinel+"%", cutoff)
}

func (r *RecoveryRepository) queryStale(ctx context.Context, query string, args ...any) ([]*StaleExecution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stale executions: %w", translate(err))
	}
	defer rows.Close()

	out := []*StaleExecution{}
	for rows.Next() {
		e := &models.NodeExecution{}
		se := &StaleExecution{Execution: e}
		err := rows.Scan(
			&e.ID, &e.NodeID, &e.BlueprintID, &e.SessionID, &e.Type, &e.Status,
			&e.InputContext, &e.OutputSummary, &e.ContextTokensUsed, &e.ParentExecutionID,
			&e.CLIPid, &e.StartedAt, &e.CompletedAt, &e.BlockerInfo, &e.TaskSummary,
			&e.ReportedStatus, &e.ReportedReason, &e.FailureReason, &e.CompactCount,
			&e.PeakTokens, &e.ContextPressure,
			&se.ProjectCwd, &se.AgentType,
		)
		if err != nil {
			return nil, fmt.Errorf("scan stale execution: %w", err)
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

// GetOrphanedQueuedNodes returns nodes the store shows as queued. At
// start-up none of them can match an in-memory queue entry.
func (r *RecoveryRepository) GetOrphanedQueuedNodes(ctx context.Context) ([]*models.MacroNode, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT `+nodeColumns+` FROM macro_nodes WHERE status = ? ORDER BY blueprint_id, node_order ASC`,
		models.NodeQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("query orphaned nodes: %w", translate(err))
	}
	defer rows.Close()

	nodes := []*models.MacroNode{}
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan orphaned node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// RecoverStaleExecutions fails every running execution not in skipIDs,
// stamping the restart sentinel, and fails its node with a matching error.
// One transaction covers the whole batch.
func (r *RecoveryRepository) RecoverStaleExecutions(ctx context.Context, skipIDs []string) (int, error) {
	skip := make(map[string]bool, len(skipIDs))
	for _, id := range skipIDs {
		skip[id] = true
	}

	recovered := 0
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(
			ctx,
			`SELECT id, node_id FROM node_executions WHERE status = ?`,
			models.ExecutionRunning,
		)
		if err != nil {
			return fmt.Errorf("query running executions: %w", translate(err))
		}

		type pair struct{ execID, nodeID string }
		var pairs []pair
		for rows.Next() {
			var p pair
			if err := rows.Scan(&p.execID, &p.nodeID); err != nil {
				rows.Close()
				return fmt.Errorf("scan running execution: %w", err)
			}
			if !skip[p.execID] {
				pairs = append(pairs, p)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := models.NowISO()
		for _, p := range pairs {
			_, err := tx.ExecContext(
				ctx,
				`UPDATE node_executions SET status = ?, output_summary = ?, completed_at = ? WHERE id = ?`,
				models.ExecutionFailed, models.RestartSentinel, now, p.execID,
			)
			if err != nil {
				return fmt.Errorf("fail execution %s: %w", p.execID, translate(err))
			}
			_, err = tx.ExecContext(
				ctx,
				`UPDATE macro_nodes SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
				models.NodeFailed, models.RestartSentinel, now, p.nodeID,
			)
			if err != nil {
				return fmt.Errorf("fail node %s: %w", p.nodeID, translate(err))
			}
			recovered++
		}
		return nil
	})

	return recovered, err
}

// prefixColumns qualifies a comma-separated column list with a table alias
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

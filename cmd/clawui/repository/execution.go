package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
	"github.com/ccchow/ClawUI-sub001/common/db"
)

// ExecutionRepository handles database operations for node executions
type ExecutionRepository struct {
	db *db.DB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(database *db.DB) *ExecutionRepository {
	return &ExecutionRepository{db: database}
}

const executionColumns = `id, node_id, blueprint_id, session_id, type, status, input_context, output_summary, context_tokens_used, parent_execution_id, cli_pid, started_at, completed_at, blocker_info, task_summary, reported_status, reported_reason, failure_reason, compact_count, peak_tokens, context_pressure`

// Create inserts a new execution. The engine only ever creates running
// executions; pre-set terminal statuses are rejected.
func (r *ExecutionRepository) Create(ctx context.Context, e *models.NodeExecution) error {
	if e.Status != "" && e.Status != models.ExecutionRunning {
		return fmt.Errorf("%w: executions start as running", ErrInvalid)
	}
	e.ID = uuid.NewString()
	e.Status = models.ExecutionRunning
	if e.Type == "" {
		e.Type = models.ExecutionPrimary
	}
	e.StartedAt = models.NowISO()

	query := `
		INSERT INTO node_executions (id, node_id, blueprint_id, session_id, type, status, input_context, parent_execution_id, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		e.ID,
		e.NodeID,
		e.BlueprintID,
		e.SessionID,
		e.Type,
		e.Status,
		e.InputContext,
		e.ParentExecutionID,
		e.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create execution: %w", translate(err))
	}
	return nil
}

// GetByID retrieves an execution by id
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.NodeExecution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM node_executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", translate(err))
	}
	return e, nil
}

// GetBySessionID retrieves the execution that owns a session
func (r *ExecutionRepository) GetBySessionID(ctx context.Context, sessionID string) (*models.NodeExecution, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT `+executionColumns+` FROM node_executions WHERE session_id = ? ORDER BY started_at DESC LIMIT 1`,
		sessionID,
	)
	e, err := scanExecution(row)
	if err != nil {
		return nil, fmt.Errorf("get execution by session: %w", translate(err))
	}
	return e, nil
}

// ListForNode returns a node's executions in chronological order
func (r *ExecutionRepository) ListForNode(ctx context.Context, nodeID string) ([]*models.NodeExecution, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT `+executionColumns+` FROM node_executions WHERE node_id = ? ORDER BY started_at ASC, id ASC`,
		nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", translate(err))
	}
	defer rows.Close()

	executions := []*models.NodeExecution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// HasFailedExecution reports whether the node has any prior failed attempt
func (r *ExecutionRepository) HasFailedExecution(ctx context.Context, nodeID string) (bool, error) {
	var count int
	row := r.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM node_executions WHERE node_id = ? AND status = ?`,
		nodeID, models.ExecutionFailed,
	)
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("count failed executions: %w", translate(err))
	}
	return count > 0, nil
}

// Finish marks an execution terminal with an output summary
func (r *ExecutionRepository) Finish(ctx context.Context, id string, status models.ExecutionStatus, outputSummary *string, failureReason *string) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE node_executions SET status = ?, output_summary = ?, failure_reason = ?, completed_at = ? WHERE id = ?`,
		status, outputSummary, failureReason, models.NowISO(), id,
	)
	if err != nil {
		return fmt.Errorf("finish execution: %w", translate(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus updates only the execution status (used by recovery to revert
// wrongly-failed executions back to running)
func (r *ExecutionRepository) SetStatus(ctx context.Context, id string, status models.ExecutionStatus) error {
	var completedAt any
	if status != models.ExecutionRunning {
		completedAt = models.NowISO()
	}
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE node_executions SET status = ?, completed_at = ? WHERE id = ?`,
		status, completedAt, id,
	)
	return translate(err)
}

// SetSessionID records the detected agent session for an execution
func (r *ExecutionRepository) SetSessionID(ctx context.Context, id, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE node_executions SET session_id = ? WHERE id = ?`, sessionID, id)
	return translate(err)
}

// SetPID records the spawned CLI process id
func (r *ExecutionRepository) SetPID(ctx context.Context, id string, pid int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE node_executions SET cli_pid = ? WHERE id = ?`, pid, id)
	return translate(err)
}

// SetBlocker stores a blocker callback payload
func (r *ExecutionRepository) SetBlocker(ctx context.Context, id, blockerJSON string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE node_executions SET blocker_info = ? WHERE id = ?`, blockerJSON, id)
	if err != nil {
		return fmt.Errorf("set blocker: %w", translate(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskSummary stores a task-summary callback
func (r *ExecutionRepository) SetTaskSummary(ctx context.Context, id, summary string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE node_executions SET task_summary = ? WHERE id = ?`, summary, id)
	if err != nil {
		return fmt.Errorf("set task summary: %w", translate(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetReportedStatus stores a status-report callback. Reported status is
// authoritative over any inferred outcome.
func (r *ExecutionRepository) SetReportedStatus(ctx context.Context, id, status string, reason *string) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE node_executions SET reported_status = ?, reported_reason = ? WHERE id = ?`,
		status, reason, id,
	)
	if err != nil {
		return fmt.Errorf("set reported status: %w", translate(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetHealth stores session-derived health metrics on the execution
func (r *ExecutionRepository) SetHealth(ctx context.Context, id string, compactCount, peakTokens int, pressure string) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE node_executions SET compact_count = ?, peak_tokens = ?, context_pressure = ?, context_tokens_used = ? WHERE id = ?`,
		compactCount, peakTokens, pressure, peakTokens, id,
	)
	return translate(err)
}

func scanExecution(row rowScanner) (*models.NodeExecution, error) {
	e := &models.NodeExecution{}
	err := row.Scan(
		&e.ID,
		&e.NodeID,
		&e.BlueprintID,
		&e.SessionID,
		&e.Type,
		&e.Status,
		&e.InputContext,
		&e.OutputSummary,
		&e.ContextTokensUsed,
		&e.ParentExecutionID,
		&e.CLIPid,
		&e.StartedAt,
		&e.CompletedAt,
		&e.BlockerInfo,
		&e.TaskSummary,
		&e.ReportedStatus,
		&e.ReportedReason,
		&e.FailureReason,
		&e.CompactCount,
		&e.PeakTokens,
		&e.ContextPressure,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

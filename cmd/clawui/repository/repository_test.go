package repository

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
	"github.com/ccchow/ClawUI-sub001/common/config"
	"github.com/ccchow/ClawUI-sub001/common/db"
	"github.com/ccchow/ClawUI-sub001/common/logger"
)

// testDB opens a migrated throwaway database in a temp dir
func testDB(t *testing.T) *db.DB {
	t.Helper()

	cfg := &config.Config{}
	cfg.Data.Dir = t.TempDir()
	cfg.Data.DBFile = filepath.Join(cfg.Data.Dir, "clawui.db")

	database, err := db.New(context.Background(), cfg, logger.New("error", "text"))
	require.NoError(t, err)
	t.Cleanup(database.Close)

	require.NoError(t, db.Migrate(database))
	return database
}

func seedBlueprint(t *testing.T, repo *BlueprintRepository) *models.Blueprint {
	t.Helper()
	cwd := "/tmp/project"
	bp := &models.Blueprint{Title: "test blueprint", ProjectCwd: &cwd}
	require.NoError(t, repo.Create(context.Background(), bp))
	return bp
}

func seedNode(t *testing.T, repo *NodeRepository, blueprintID, title string, deps ...string) *models.MacroNode {
	t.Helper()
	node := &models.MacroNode{
		BlueprintID:  blueprintID,
		Order:        -1,
		Title:        title,
		Dependencies: deps,
	}
	require.NoError(t, repo.Create(context.Background(), node))
	return node
}

func TestBlueprintCreateDefaults(t *testing.T) {
	database := testDB(t)
	repo := NewBlueprintRepository(database, NewNodeRepository(database))

	bp := seedBlueprint(t, repo)
	require.NotEmpty(t, bp.ID)
	require.Equal(t, models.BlueprintDraft, bp.Status)
	require.NotEmpty(t, bp.CreatedAt)

	got, err := repo.GetBare(context.Background(), bp.ID)
	require.NoError(t, err)
	require.Equal(t, bp.Title, got.Title)
	require.Equal(t, "/tmp/project", *got.ProjectCwd)
}

func TestBlueprintGetByIDHydratesNodes(t *testing.T) {
	database := testDB(t)
	nodes := NewNodeRepository(database)
	repo := NewBlueprintRepository(database, nodes)
	artifacts := NewArtifactRepository(database)
	executions := NewExecutionRepository(database)

	bp := seedBlueprint(t, repo)
	n1 := seedNode(t, nodes, bp.ID, "first")
	seedNode(t, nodes, bp.ID, "second", n1.ID)

	require.NoError(t, artifacts.Create(context.Background(), &models.Artifact{
		BlueprintID:  bp.ID,
		SourceNodeID: n1.ID,
		Content:      "handoff text",
	}))
	require.NoError(t, executions.Create(context.Background(), &models.NodeExecution{
		NodeID:      n1.ID,
		BlueprintID: bp.ID,
	}))

	got, err := repo.GetByID(context.Background(), bp.ID)
	require.NoError(t, err)
	require.Len(t, got.Nodes, 2)
	require.Equal(t, "first", got.Nodes[0].Title)
	require.Len(t, got.Nodes[0].Artifacts, 1)
	require.Len(t, got.Nodes[0].Executions, 1)
	require.Empty(t, got.Nodes[1].Artifacts)
}

func TestBlueprintGetMissing(t *testing.T) {
	database := testDB(t)
	repo := NewBlueprintRepository(database, NewNodeRepository(database))

	_, err := repo.GetBare(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBlueprintListFilters(t *testing.T) {
	database := testDB(t)
	repo := NewBlueprintRepository(database, NewNodeRepository(database))
	ctx := context.Background()

	a := seedBlueprint(t, repo)
	b := seedBlueprint(t, repo)
	require.NoError(t, repo.SetStatus(ctx, b.ID, models.BlueprintRunning))
	require.NoError(t, repo.SetArchived(ctx, a.ID, true))

	// Archived rows are hidden by default.
	out, err := repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, b.ID, out[0].ID)

	out, err = repo.List(ctx, ListFilter{IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, out, 2)

	out, err = repo.List(ctx, ListFilter{Status: "running"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, b.ID, out[0].ID)
}

func TestBlueprintListStarredFirst(t *testing.T) {
	database := testDB(t)
	repo := NewBlueprintRepository(database, NewNodeRepository(database))
	ctx := context.Background()

	first := seedBlueprint(t, repo)
	starred := seedBlueprint(t, repo)
	_, err := repo.Update(ctx, starred.ID, []byte(`{"starred":true}`))
	require.NoError(t, err)
	// Bump the unstarred one last; starred still sorts first.
	require.NoError(t, repo.Touch(ctx, first.ID))

	out, err := repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, starred.ID, out[0].ID)
}

func TestBlueprintMergePatch(t *testing.T) {
	database := testDB(t)
	repo := NewBlueprintRepository(database, NewNodeRepository(database))
	ctx := context.Background()

	bp := seedBlueprint(t, repo)
	updated, err := repo.Update(ctx, bp.ID, []byte(`{"title":"renamed","description":"added"}`))
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Title)
	require.Equal(t, "added", *updated.Description)
	require.Equal(t, bp.CreatedAt, updated.CreatedAt)

	// null clears a nullable field per RFC 7386.
	updated, err = repo.Update(ctx, bp.ID, []byte(`{"description":null}`))
	require.NoError(t, err)
	require.Nil(t, updated.Description)

	// Unknown statuses are rejected.
	_, err = repo.Update(ctx, bp.ID, []byte(`{"status":"bogus"}`))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestBlueprintDeleteCascades(t *testing.T) {
	database := testDB(t)
	nodes := NewNodeRepository(database)
	repo := NewBlueprintRepository(database, nodes)
	executions := NewExecutionRepository(database)
	ctx := context.Background()

	bp := seedBlueprint(t, repo)
	n := seedNode(t, nodes, bp.ID, "victim")
	require.NoError(t, executions.Create(ctx, &models.NodeExecution{NodeID: n.ID, BlueprintID: bp.ID}))

	require.NoError(t, repo.Delete(ctx, bp.ID))

	_, err := nodes.GetByID(ctx, n.ID)
	require.ErrorIs(t, err, ErrNotFound)

	execs, err := executions.ListForNode(ctx, n.ID)
	require.NoError(t, err)
	require.Empty(t, execs)
}

func TestNodeCreateAppendsAtEnd(t *testing.T) {
	database := testDB(t)
	nodes := NewNodeRepository(database)
	repo := NewBlueprintRepository(database, nodes)

	bp := seedBlueprint(t, repo)
	n1 := seedNode(t, nodes, bp.ID, "a")
	n2 := seedNode(t, nodes, bp.ID, "b")
	require.Equal(t, 0, n1.Order)
	require.Equal(t, 1, n2.Order)
	require.Equal(t, "claude", n1.AgentType)
	require.Equal(t, models.NodePending, n1.Status)
}

func TestNodeCreateAtOrdinalShifts(t *testing.T) {
	database := testDB(t)
	nodes := NewNodeRepository(database)
	repo := NewBlueprintRepository(database, nodes)
	ctx := context.Background()

	bp := seedBlueprint(t, repo)
	seedNode(t, nodes, bp.ID, "a")
	shifted := seedNode(t, nodes, bp.ID, "b")

	inserted := &models.MacroNode{BlueprintID: bp.ID, Order: 1, Title: "wedge"}
	require.NoError(t, nodes.Create(ctx, inserted))

	listed, err := nodes.ListByBlueprint(ctx, bp.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "wedge", "b"}, []string{listed[0].Title, listed[1].Title, listed[2].Title})

	moved, err := nodes.GetByID(ctx, shifted.ID)
	require.NoError(t, err)
	require.Equal(t, 2, moved.Order)
}

func TestNodeDependencyValidation(t *testing.T) {
	database := testDB(t)
	nodes := NewNodeRepository(database)
	repo := NewBlueprintRepository(database, nodes)
	ctx := context.Background()

	bp := seedBlueprint(t, repo)
	other := seedBlueprint(t, repo)
	outsider := seedNode(t, nodes, other.ID, "outsider")

	err := nodes.Create(ctx, &models.MacroNode{
		BlueprintID:  bp.ID,
		Order:        -1,
		Title:        "bad",
		Dependencies: []string{outsider.ID},
	})
	require.ErrorIs(t, err, ErrForeignKey)

	err = nodes.Create(ctx, &models.MacroNode{
		ID:           "self-dep",
		BlueprintID:  bp.ID,
		Order:        -1,
		Title:        "self",
		Dependencies: []string{"self-dep"},
	})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestNodeDependencyCycleRejected(t *testing.T) {
	database := testDB(t)
	nodes := NewNodeRepository(database)
	repo := NewBlueprintRepository(database, nodes)
	ctx := context.Background()

	bp := seedBlueprint(t, repo)
	a := seedNode(t, nodes, bp.ID, "a")
	b := seedNode(t, nodes, bp.ID, "b", a.ID)
	c := seedNode(t, nodes, bp.ID, "c", b.ID)

	// direct two-node cycle
	_, err := nodes.Update(ctx, a.ID, []byte(`{"dependencies":["`+b.ID+`"]}`))
	require.ErrorIs(t, err, ErrConflict)

	// transitive cycle through an intermediate node
	_, err = nodes.Update(ctx, a.ID, []byte(`{"dependencies":["`+c.ID+`"]}`))
	require.ErrorIs(t, err, ErrConflict)

	// rejected writes leave the stored list untouched
	got, err := nodes.GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.Empty(t, got.Dependencies)

	// acyclic additions still pass
	_, err = nodes.Update(ctx, c.ID, []byte(`{"dependencies":["`+a.ID+`","`+b.ID+`"]}`))
	require.NoError(t, err)
}

func TestSetDependenciesInTxRejectsCycle(t *testing.T) {
	database := testDB(t)
	nodes := NewNodeRepository(database)
	repo := NewBlueprintRepository(database, nodes)
	ctx := context.Background()

	bp := seedBlueprint(t, repo)
	a := seedNode(t, nodes, bp.ID, "a")
	b := seedNode(t, nodes, bp.ID, "b", a.ID)

	err := database.WithTx(ctx, func(tx *sql.Tx) error {
		return nodes.SetDependenciesInTx(ctx, tx, a.ID, []string{b.ID})
	})
	require.ErrorIs(t, err, ErrConflict)

	got, err := nodes.GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.Empty(t, got.Dependencies)
}

func TestNodeMergePatchPreservesOwnership(t *testing.T) {
	database := testDB(t)
	nodes := NewNodeRepository(database)
	repo := NewBlueprintRepository(database, nodes)
	ctx := context.Background()

	bp := seedBlueprint(t, repo)
	n := seedNode(t, nodes, bp.ID, "orig")

	updated, err := nodes.Update(ctx, n.ID, []byte(`{"title":"patched","blueprintId":"hijack","estimatedMinutes":15}`))
	require.NoError(t, err)
	require.Equal(t, "patched", updated.Title)
	require.Equal(t, bp.ID, updated.BlueprintID)
	require.Equal(t, 15, *updated.EstimatedMinutes)

	_, err = nodes.Update(ctx, n.ID, []byte(`{"status":"exploded"}`))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestNodeReorder(t *testing.T) {
	database := testDB(t)
	nodes := NewNodeRepository(database)
	repo := NewBlueprintRepository(database, nodes)
	ctx := context.Background()

	bp := seedBlueprint(t, repo)
	a := seedNode(t, nodes, bp.ID, "a")
	b := seedNode(t, nodes, bp.ID, "b")

	orders := []NodeOrder{{ID: a.ID, Order: 1}, {ID: b.ID, Order: 0}}
	require.NoError(t, nodes.Reorder(ctx, bp.ID, orders))

	listed, err := nodes.ListByBlueprint(ctx, bp.ID)
	require.NoError(t, err)
	require.Equal(t, "b", listed[0].Title)

	// Re-applying the same batch is a no-op.
	require.NoError(t, nodes.Reorder(ctx, bp.ID, orders))
	again, err := nodes.ListByBlueprint(ctx, bp.ID)
	require.NoError(t, err)
	require.Equal(t, "b", again[0].Title)

	// An unknown id rolls the whole batch back.
	err = nodes.Reorder(ctx, bp.ID, []NodeOrder{{ID: a.ID, Order: 5}, {ID: "nope", Order: 6}})
	require.ErrorIs(t, err, ErrNotFound)
	final, err := nodes.ListByBlueprint(ctx, bp.ID)
	require.NoError(t, err)
	require.Equal(t, 1, final[1].Order)
}

func TestExecutionLifecycle(t *testing.T) {
	database := testDB(t)
	nodes := NewNodeRepository(database)
	repo := NewBlueprintRepository(database, nodes)
	executions := NewExecutionRepository(database)
	ctx := context.Background()

	bp := seedBlueprint(t, repo)
	n := seedNode(t, nodes, bp.ID, "worker")

	e := &models.NodeExecution{NodeID: n.ID, BlueprintID: bp.ID}
	require.NoError(t, executions.Create(ctx, e))
	require.Equal(t, models.ExecutionRunning, e.Status)
	require.Equal(t, models.ExecutionPrimary, e.Type)

	// Pre-set terminal statuses are rejected.
	err := executions.Create(ctx, &models.NodeExecution{
		NodeID: n.ID, BlueprintID: bp.ID, Status: models.ExecutionDone,
	})
	require.ErrorIs(t, err, ErrInvalid)

	require.NoError(t, executions.SetPID(ctx, e.ID, 4242))
	require.NoError(t, executions.SetSessionID(ctx, e.ID, "sess-1"))
	require.NoError(t, executions.SetTaskSummary(ctx, e.ID, "built the thing"))
	reason := "requirements held"
	require.NoError(t, executions.SetReportedStatus(ctx, e.ID, "done", &reason))
	require.NoError(t, executions.SetHealth(ctx, e.ID, 2, 160000, "high"))

	summary := "all done"
	require.NoError(t, executions.Finish(ctx, e.ID, models.ExecutionDone, &summary, nil))

	got, err := executions.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionDone, got.Status)
	require.Equal(t, 4242, *got.CLIPid)
	require.Equal(t, "sess-1", *got.SessionID)
	require.Equal(t, "built the thing", *got.TaskSummary)
	require.Equal(t, "done", *got.ReportedStatus)
	require.Equal(t, 2, *got.CompactCount)
	require.Equal(t, 160000, *got.PeakTokens)
	require.NotNil(t, got.CompletedAt)

	bySession, err := executions.GetBySessionID(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, e.ID, bySession.ID)

	failed, err := executions.HasFailedExecution(ctx, n.ID)
	require.NoError(t, err)
	require.False(t, failed)
}

func TestArtifactLatestForTargetFallsBackToNull(t *testing.T) {
	database := testDB(t)
	nodes := NewNodeRepository(database)
	repo := NewBlueprintRepository(database, nodes)
	artifacts := NewArtifactRepository(database)
	ctx := context.Background()

	bp := seedBlueprint(t, repo)
	src := seedNode(t, nodes, bp.ID, "source")
	dst := seedNode(t, nodes, bp.ID, "target", src.ID)

	require.NoError(t, artifacts.Create(ctx, &models.Artifact{
		BlueprintID: bp.ID, SourceNodeID: src.ID, Content: "broadcast",
	}))

	// With no targeted artifact, the null-target one serves everyone.
	a, err := artifacts.LatestForTarget(ctx, src.ID, dst.ID)
	require.NoError(t, err)
	require.Equal(t, "broadcast", a.Content)

	require.NoError(t, artifacts.Create(ctx, &models.Artifact{
		BlueprintID: bp.ID, SourceNodeID: src.ID, TargetNodeID: &dst.ID, Content: "targeted",
	}))

	a, err = artifacts.LatestForTarget(ctx, src.ID, dst.ID)
	require.NoError(t, err)
	require.Equal(t, "targeted", a.Content)
}

func TestRecoverStaleExecutionsBatch(t *testing.T) {
	database := testDB(t)
	nodes := NewNodeRepository(database)
	repo := NewBlueprintRepository(database, nodes)
	executions := NewExecutionRepository(database)
	recovery := NewRecoveryRepository(database)
	ctx := context.Background()

	bp := seedBlueprint(t, repo)
	n1 := seedNode(t, nodes, bp.ID, "one")
	n2 := seedNode(t, nodes, bp.ID, "two")

	e1 := &models.NodeExecution{NodeID: n1.ID, BlueprintID: bp.ID}
	e2 := &models.NodeExecution{NodeID: n2.ID, BlueprintID: bp.ID}
	require.NoError(t, executions.Create(ctx, e1))
	require.NoError(t, executions.Create(ctx, e2))
	require.NoError(t, nodes.SetStatus(ctx, n1.ID, models.NodeRunning, nil))
	require.NoError(t, nodes.SetStatus(ctx, n2.ID, models.NodeRunning, nil))

	stale, err := recovery.GetStaleRunningExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	require.Equal(t, "claude", stale[0].AgentType)
	require.Equal(t, "/tmp/project", *stale[0].ProjectCwd)

	// e2 is watched by the monitor, so only e1 is force-failed.
	count, err := recovery.RecoverStaleExecutions(ctx, []string{e2.ID})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	got1, err := executions.GetByID(ctx, e1.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionFailed, got1.Status)
	require.Equal(t, models.RestartSentinel, *got1.OutputSummary)

	got2, err := executions.GetByID(ctx, e2.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionRunning, got2.Status)

	node1, err := nodes.GetByID(ctx, n1.ID)
	require.NoError(t, err)
	require.Equal(t, models.NodeFailed, node1.Status)
	require.Equal(t, models.RestartSentinel, *node1.Error)
}

func TestGetRecentRestartFailedExecutions(t *testing.T) {
	database := testDB(t)
	nodes := NewNodeRepository(database)
	repo := NewBlueprintRepository(database, nodes)
	executions := NewExecutionRepository(database)
	recovery := NewRecoveryRepository(database)
	ctx := context.Background()

	bp := seedBlueprint(t, repo)
	n := seedNode(t, nodes, bp.ID, "restarted")
	e := &models.NodeExecution{NodeID: n.ID, BlueprintID: bp.ID}
	require.NoError(t, executions.Create(ctx, e))

	count, err := recovery.RecoverStaleExecutions(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	recent, err := recovery.GetRecentRestartFailedExecutions(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, e.ID, recent[0].Execution.ID)

	// Ordinary failures are not restart casualties.
	n2 := seedNode(t, nodes, bp.ID, "ordinary")
	e2 := &models.NodeExecution{NodeID: n2.ID, BlueprintID: bp.ID}
	require.NoError(t, executions.Create(ctx, e2))
	msg := "compile error"
	require.NoError(t, executions.Finish(ctx, e2.ID, models.ExecutionFailed, &msg, nil))

	recent, err = recovery.GetRecentRestartFailedExecutions(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestGetOrphanedQueuedNodes(t *testing.T) {
	database := testDB(t)
	nodes := NewNodeRepository(database)
	repo := NewBlueprintRepository(database, nodes)
	recovery := NewRecoveryRepository(database)
	ctx := context.Background()

	bp := seedBlueprint(t, repo)
	n := seedNode(t, nodes, bp.ID, "stuck")
	seedNode(t, nodes, bp.ID, "fine")
	require.NoError(t, nodes.SetStatus(ctx, n.ID, models.NodeQueued, nil))

	orphans, err := recovery.GetOrphanedQueuedNodes(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, n.ID, orphans[0].ID)
}

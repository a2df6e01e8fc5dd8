package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
	"github.com/ccchow/ClawUI-sub001/cmd/clawui/repository"
)

func TestBlueprintCreateValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")

	_, err := env.planner.Create(ctx, &CreateBlueprintRequest{Title: "  "})
	require.Equal(t, KindBadRequest, KindOf(err))

	bp, err := env.planner.Create(ctx, &CreateBlueprintRequest{Title: "new plan"})
	require.NoError(t, err)
	require.Equal(t, models.BlueprintDraft, bp.Status)
	require.NotEmpty(t, bp.ID)
}

func TestBlueprintApproveOnlyFromDraft(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")

	bp, err := env.planner.Create(ctx, &CreateBlueprintRequest{Title: "plan"})
	require.NoError(t, err)

	approved, err := env.planner.Approve(ctx, bp.ID)
	require.NoError(t, err)
	require.Equal(t, models.BlueprintApproved, approved.Status)

	_, err = env.planner.Approve(ctx, bp.ID)
	require.Equal(t, KindPrecondition, KindOf(err))

	_, err = env.planner.Approve(ctx, "missing")
	require.Equal(t, KindNotFound, KindOf(err))
}

func TestBatchCreateNodesResolvesMixedReferences(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	existing := env.seedNode(t, bp.ID, "existing")

	specs := []BatchNodeSpec{
		{Title: "one"},
		{Title: "two", Dependencies: []json.RawMessage{json.RawMessage(`0`)}},
		{Title: "three", Dependencies: []json.RawMessage{
			json.RawMessage(`1`),
			json.RawMessage(fmt.Sprintf("%q", existing.ID)),
		}},
	}

	created, err := env.planner.BatchCreateNodes(ctx, bp.ID, specs)
	require.NoError(t, err)
	require.Len(t, created, 3)

	require.Equal(t, []string{created[0].ID}, created[1].Dependencies)
	require.ElementsMatch(t, []string{created[1].ID, existing.ID}, created[2].Dependencies)
}

func TestBatchCreateNodesRollsBackOnBadReference(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)

	specs := []BatchNodeSpec{
		{Title: "one", Dependencies: []json.RawMessage{json.RawMessage(`0`)}}, // self-index
		{Title: "two"},
	}

	_, err := env.planner.BatchCreateNodes(ctx, bp.ID, specs)
	require.Equal(t, KindBadRequest, KindOf(err))

	nodes, err := env.nodes.ListByBlueprint(ctx, bp.ID)
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestUpdateNodeChecksOwnership(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	other := env.seedBlueprint(t)
	node := env.seedNode(t, bp.ID, "step")

	_, err := env.planner.UpdateNode(ctx, other.ID, node.ID, []byte(`{"title":"hijacked"}`))
	require.Equal(t, KindNotFound, KindOf(err))

	updated, err := env.planner.UpdateNode(ctx, bp.ID, node.ID, []byte(`{"title":"renamed"}`))
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Title)
}

func TestDeleteNodeRefusesRunning(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	node := env.seedNode(t, bp.ID, "step")
	require.NoError(t, env.nodes.SetStatus(ctx, node.ID, models.NodeRunning, nil))

	err := env.planner.DeleteNode(ctx, bp.ID, node.ID)
	require.Equal(t, KindConflict, KindOf(err))

	require.NoError(t, env.nodes.SetStatus(ctx, node.ID, models.NodePending, nil))
	require.NoError(t, env.planner.DeleteNode(ctx, bp.ID, node.ID))
}

func TestReorderRejectsEmptyList(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)

	err := env.planner.Reorder(ctx, bp.ID, nil)
	require.Equal(t, KindBadRequest, KindOf(err))

	a := env.seedNode(t, bp.ID, "a")
	b := env.seedNode(t, bp.ID, "b")
	require.NoError(t, env.planner.Reorder(ctx, bp.ID, []repository.NodeOrder{
		{ID: a.ID, Order: 1},
		{ID: b.ID, Order: 0},
	}))

	nodes, err := env.nodes.ListByBlueprint(ctx, bp.ID)
	require.NoError(t, err)
	require.Equal(t, b.ID, nodes[0].ID)
	require.Equal(t, a.ID, nodes[1].ID)
}

func TestGetReturnsNodesWithHistory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	a := env.seedNode(t, bp.ID, "a")
	b := env.seedNode(t, bp.ID, "b", a.ID)

	exec := env.seedExecution(t, bp, a)
	require.NoError(t, env.artifacts.Create(ctx, &models.Artifact{
		BlueprintID:  bp.ID,
		SourceNodeID: a.ID,
		TargetNodeID: &b.ID,
		Content:      "handoff text",
	}))

	got, err := env.planner.Get(ctx, bp.ID)
	require.NoError(t, err)
	require.Len(t, got.Nodes, 2)
	require.Equal(t, a.ID, got.Nodes[0].ID)
	require.Len(t, got.Nodes[0].Executions, 1)
	require.Equal(t, exec.ID, got.Nodes[0].Executions[0].ID)
	require.Len(t, got.Nodes[0].Artifacts, 1)
	require.Equal(t, "handoff text", got.Nodes[0].Artifacts[0].Content)
	require.Empty(t, got.Nodes[1].Executions)
}

func TestUpdateNodeRejectsDependencyCycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	a := env.seedNode(t, bp.ID, "a")
	b := env.seedNode(t, bp.ID, "b", a.ID)

	patch := fmt.Sprintf(`{"dependencies":[%q]}`, b.ID)
	_, err := env.planner.UpdateNode(ctx, bp.ID, a.ID, []byte(patch))
	require.Equal(t, KindConflict, KindOf(err))

	got, err := env.nodes.GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.Empty(t, got.Dependencies)
}

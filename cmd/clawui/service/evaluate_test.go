package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
)

func TestInsertBetweenRewiresDependents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	done := env.seedNode(t, bp.ID, "completed")
	downstream := env.seedNode(t, bp.ID, "downstream", done.ID)
	unrelated := env.seedNode(t, bp.ID, "unrelated")
	require.NoError(t, env.nodes.SetStatus(ctx, done.ID, models.NodeDone, nil))

	inserted, err := env.svc.InsertBetween(ctx, bp.ID, done.ID, "follow-up fixes", "address review notes")
	require.NoError(t, err)

	require.Equal(t, []string{done.ID}, inserted.Dependencies)
	require.Equal(t, done.AgentType, inserted.AgentType)

	// the downstream edge now points at the inserted node
	got := env.reloadNode(t, downstream.ID)
	require.Equal(t, []string{inserted.ID}, got.Dependencies)
	require.Empty(t, env.reloadNode(t, unrelated.ID).Dependencies)
}

func TestInsertBetweenSecondApplyDoesNotRewireAgain(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	done := env.seedNode(t, bp.ID, "completed")
	downstream := env.seedNode(t, bp.ID, "downstream", done.ID)

	first, err := env.svc.InsertBetween(ctx, bp.ID, done.ID, "follow-up", "")
	require.NoError(t, err)

	// a duplicate callback delivery creates another node but the downstream
	// edge, already moved off the completed node, stays put
	second, err := env.svc.InsertBetween(ctx, bp.ID, done.ID, "follow-up", "")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	require.Equal(t, []string{first.ID}, env.reloadNode(t, downstream.ID).Dependencies)
}

func TestInsertBetweenValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	other := env.seedBlueprint(t)
	node := env.seedNode(t, bp.ID, "step")

	_, err := env.svc.InsertBetween(ctx, bp.ID, node.ID, "   ", "")
	require.Equal(t, KindBadRequest, KindOf(err))

	_, err = env.svc.InsertBetween(ctx, other.ID, node.ID, "title", "")
	require.Equal(t, KindNotFound, KindOf(err))
}

func TestAddSiblingInheritsDepsAndBlocksDependents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	root := env.seedNode(t, bp.ID, "root")
	done := env.seedNode(t, bp.ID, "completed", root.ID)
	downstream := env.seedNode(t, bp.ID, "downstream", done.ID)

	sibling, err := env.svc.AddSibling(ctx, bp.ID, done.ID, "resolve discovered blocker", "creds needed")
	require.NoError(t, err)

	require.Equal(t, models.NodeBlocked, sibling.Status)
	require.Equal(t, []string{root.ID}, sibling.Dependencies)

	// the dependent now waits on the sibling as well
	got := env.reloadNode(t, downstream.ID)
	require.ElementsMatch(t, []string{done.ID, sibling.ID}, got.Dependencies)
}

func TestApplyEvaluationPreconditions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	node := env.seedNode(t, bp.ID, "step")

	err := env.svc.ApplyEvaluation(ctx, bp.ID, node.ID, &EvaluationResult{Status: VerdictComplete})
	require.Equal(t, KindPrecondition, KindOf(err))

	require.NoError(t, env.nodes.SetStatus(ctx, node.ID, models.NodeDone, nil))

	err = env.svc.ApplyEvaluation(ctx, bp.ID, node.ID, &EvaluationResult{Status: "MAYBE"})
	require.Equal(t, KindBadRequest, KindOf(err))

	require.NoError(t, env.svc.ApplyEvaluation(ctx, bp.ID, node.ID, &EvaluationResult{Status: VerdictComplete}))
}

func TestApplyEvaluationNeedsRefinement(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	done := env.seedNode(t, bp.ID, "completed")
	downstream := env.seedNode(t, bp.ID, "downstream", done.ID)
	require.NoError(t, env.nodes.SetStatus(ctx, done.ID, models.NodeDone, nil))

	eval := &EvaluationResult{Status: VerdictNeedsRefinement}
	eval.Mutations = []Mutation{{Action: ActionInsertBetween}}
	eval.Mutations[0].NewNode.Title = "tighten error handling"

	require.NoError(t, env.svc.ApplyEvaluation(ctx, bp.ID, done.ID, eval))

	got := env.reloadNode(t, downstream.ID)
	require.Len(t, got.Dependencies, 1)
	require.NotEqual(t, done.ID, got.Dependencies[0])

	inserted := env.reloadNode(t, got.Dependencies[0])
	require.Equal(t, "tighten error handling", inserted.Title)
	require.Equal(t, []string{done.ID}, inserted.Dependencies)
}

func TestApplyEvaluationHasBlocker(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	done := env.seedNode(t, bp.ID, "completed")
	downstream := env.seedNode(t, bp.ID, "downstream", done.ID)
	require.NoError(t, env.nodes.SetStatus(ctx, done.ID, models.NodeDone, nil))

	eval := &EvaluationResult{Status: VerdictHasBlocker}
	eval.Mutations = []Mutation{{Action: ActionAddSibling}}
	eval.Mutations[0].NewNode.Title = "obtain API access"

	require.NoError(t, env.svc.ApplyEvaluation(ctx, bp.ID, done.ID, eval))

	got := env.reloadNode(t, downstream.ID)
	require.Len(t, got.Dependencies, 2)
	require.Contains(t, got.Dependencies, done.ID)

	// mismatched actions for the verdict are ignored
	skip := &EvaluationResult{Status: VerdictHasBlocker}
	skip.Mutations = []Mutation{{Action: ActionInsertBetween}}
	skip.Mutations[0].NewNode.Title = "should not appear"
	require.NoError(t, env.svc.ApplyEvaluation(ctx, bp.ID, done.ID, skip))
	require.Len(t, env.reloadNode(t, downstream.ID).Dependencies, 2)
}

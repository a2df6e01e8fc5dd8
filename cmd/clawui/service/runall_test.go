package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
)

func TestNextPicksFirstReadyNode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	first := env.seedNode(t, bp.ID, "first")
	second := env.seedNode(t, bp.ID, "second", first.ID)

	node, err := env.svc.Next(ctx, bp.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, node.ID)

	// once the dependency is satisfied, its dependent becomes next
	require.NoError(t, env.nodes.SetStatus(ctx, first.ID, models.NodeDone, nil))
	node, err = env.svc.Next(ctx, bp.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, node.ID)
}

func TestNextSkipsNodesWithUnsatisfiedDeps(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	blocked := env.seedNode(t, bp.ID, "blocked")
	require.NoError(t, env.nodes.SetStatus(ctx, blocked.ID, models.NodeBlocked, nil))
	env.seedNode(t, bp.ID, "waiting", blocked.ID)
	standalone := env.seedNode(t, bp.ID, "standalone")

	node, err := env.svc.Next(ctx, bp.ID)
	require.NoError(t, err)
	require.Equal(t, standalone.ID, node.ID)
}

func TestNextSettlesFullySatisfiedBlueprint(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	a := env.seedNode(t, bp.ID, "a")
	b := env.seedNode(t, bp.ID, "b")
	require.NoError(t, env.nodes.SetStatus(ctx, a.ID, models.NodeDone, nil))
	require.NoError(t, env.nodes.SetStatus(ctx, b.ID, models.NodeSkipped, nil))

	node, err := env.svc.Next(ctx, bp.ID)
	require.NoError(t, err)
	require.Nil(t, node)

	got, err := env.blueprints.GetByID(ctx, bp.ID)
	require.NoError(t, err)
	require.Equal(t, models.BlueprintDone, got.Status)
}

func TestRunNextWithNothingRunnable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)

	// empty blueprint, nothing to run and nothing to settle
	node, err := env.svc.RunNext(ctx, bp.ID)
	require.NoError(t, err)
	require.Nil(t, node)
}

func TestRunAllDrivesChainToCompletion(t *testing.T) {
	ctx := context.Background()
	script := fakeAgent(t, `cat > /dev/null
echo "===TASK_COMPLETE==="
echo "finished this step and left notes for the next one"
echo "===END_TASK==="`)
	env := newTestEnv(t, script)
	bp := env.seedBlueprint(t)
	first := env.seedNode(t, bp.ID, "first")
	second := env.seedNode(t, bp.ID, "second", first.ID)

	require.NoError(t, env.svc.RunAll(ctx, bp.ID))

	require.Eventually(t, func() bool {
		got, err := env.blueprints.GetByID(ctx, bp.ID)
		return err == nil && got.Status == models.BlueprintDone
	}, 30*time.Second, 50*time.Millisecond)

	require.Equal(t, models.NodeDone, env.reloadNode(t, first.ID).Status)
	require.Equal(t, models.NodeDone, env.reloadNode(t, second.ID).Status)

	// the second run consumed the first node's handoff
	execs, err := env.executions.ListForNode(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.NotNil(t, execs[0].InputContext)
}

func TestRunAllStopsOnFailureAndReverts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "") // silent agent, every run fails as hung
	bp := env.seedBlueprint(t)
	first := env.seedNode(t, bp.ID, "first")
	second := env.seedNode(t, bp.ID, "second", first.ID)

	require.NoError(t, env.svc.RunAll(ctx, bp.ID))

	require.Eventually(t, func() bool {
		got, err := env.blueprints.GetByID(ctx, bp.ID)
		return err == nil && got.Status == models.BlueprintFailed
	}, 30*time.Second, 50*time.Millisecond)

	require.Equal(t, models.NodeFailed, env.reloadNode(t, first.ID).Status)
	// the pre-queued dependent went back to pending, it never ran
	require.Equal(t, models.NodePending, env.reloadNode(t, second.ID).Status)
	execs, err := env.executions.ListForNode(ctx, second.ID)
	require.NoError(t, err)
	require.Empty(t, execs)
}

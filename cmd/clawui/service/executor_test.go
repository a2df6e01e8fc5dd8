package service

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRunNodeCompletesWithMarkedSummary(t *testing.T) {
	ctx := context.Background()
	script := fakeAgent(t, `cat > /dev/null
echo "working through the task, plenty of tool output here"
echo "===TASK_COMPLETE==="
echo "implemented the endpoint and its tests"
echo "===END_TASK==="`)
	env := newTestEnv(t, script)
	bp := env.seedBlueprint(t)
	node := env.seedNode(t, bp.ID, "implement endpoint")

	fut, err := env.svc.RunNode(ctx, bp.ID, node.ID)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	val, err := fut.Wait(waitCtx)
	require.NoError(t, err)
	require.Equal(t, models.NodeDone, val)

	require.Equal(t, models.NodeDone, env.reloadNode(t, node.ID).Status)

	execs, err := env.executions.ListForNode(ctx, node.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, models.ExecutionDone, execs[0].Status)
	require.NotNil(t, execs[0].OutputSummary)
	require.Equal(t, "implemented the endpoint and its tests", *execs[0].OutputSummary)

	// single node, all satisfied
	got, err := env.blueprints.GetByID(ctx, bp.ID)
	require.NoError(t, err)
	require.Equal(t, models.BlueprintDone, got.Status)
}

func TestRunNodeSilentAgentIsHung(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "") // /bin/true, exits cleanly with no output
	bp := env.seedBlueprint(t)
	node := env.seedNode(t, bp.ID, "step")

	fut, err := env.svc.RunNode(ctx, bp.ID, node.ID)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	val, err := fut.Wait(waitCtx)
	require.NoError(t, err)
	require.Equal(t, models.NodeFailed, val)

	execs, err := env.executions.ListForNode(ctx, node.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.NotNil(t, execs[0].FailureReason)
	require.Equal(t, "hung", *execs[0].FailureReason)
}

func TestRunNodePreconditions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)

	running := env.seedNode(t, bp.ID, "already running")
	require.NoError(t, env.nodes.SetStatus(ctx, running.ID, models.NodeRunning, nil))
	_, err := env.svc.RunNode(ctx, bp.ID, running.ID)
	require.Equal(t, KindPrecondition, KindOf(err))

	blocked := env.seedNode(t, bp.ID, "blocked dep")
	require.NoError(t, env.nodes.SetStatus(ctx, blocked.ID, models.NodeBlocked, nil))
	child := env.seedNode(t, bp.ID, "child", blocked.ID)
	_, err = env.svc.RunNode(ctx, bp.ID, child.ID)
	require.Equal(t, KindPrecondition, KindOf(err))

	other := env.seedBlueprint(t)
	_, err = env.svc.RunNode(ctx, other.ID, running.ID)
	require.Equal(t, KindNotFound, KindOf(err))
}

func TestRunNodeFailsWhenDependencyUnsatisfiedAtRunTime(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)

	// pending dependency passes the enqueue check but fails the
	// authoritative, run-time one
	dep := env.seedNode(t, bp.ID, "pending dep")
	child := env.seedNode(t, bp.ID, "child", dep.ID)

	fut, err := env.svc.RunNode(ctx, bp.ID, child.ID)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	val, err := fut.Wait(waitCtx)
	require.NoError(t, err)
	require.Equal(t, models.NodeFailed, val)

	got := env.reloadNode(t, child.ID)
	require.Equal(t, models.NodeFailed, got.Status)
	require.NotNil(t, got.Error)
	require.Contains(t, *got.Error, "pending dep")

	// no execution row exists, the run never started
	execs, err := env.executions.ListForNode(ctx, child.ID)
	require.NoError(t, err)
	require.Empty(t, execs)
}

func TestRunNodePassesDependencyHandoffs(t *testing.T) {
	ctx := context.Background()
	// only the first invocation keeps its prompt; the handoff reshape and
	// evaluation calls reuse the same binary afterwards
	script := fakeAgent(t, `if [ ! -f "$CLAWUI_TEST_PROMPT_COPY" ]; then cat > "$CLAWUI_TEST_PROMPT_COPY"; fi
echo "acknowledged, done with enough output to clear the short-output guard"`)
	env := newTestEnv(t, script)
	bp := env.seedBlueprint(t)

	dep := env.seedNode(t, bp.ID, "schema work")
	child := env.seedNode(t, bp.ID, "api work", dep.ID)
	require.NoError(t, env.nodes.SetStatus(ctx, dep.ID, models.NodeDone, nil))
	require.NoError(t, env.svc.generateHandoff(ctx, bp, dep, "schema is final, see migrations/", false))

	promptCopy := env.cfg.Data.Dir + "/prompt.txt"
	t.Setenv("CLAWUI_TEST_PROMPT_COPY", promptCopy)

	fut, err := env.svc.RunNode(ctx, bp.ID, child.ID)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	val, err := fut.Wait(waitCtx)
	require.NoError(t, err)
	require.Equal(t, models.NodeDone, val)

	prompt := readFile(t, promptCopy)
	require.Contains(t, prompt, "step 2 of 2")
	require.Contains(t, prompt, "## Handoff from: schema work")
	require.Contains(t, prompt, "schema is final, see migrations/")

	execs, err := env.executions.ListForNode(ctx, child.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.NotNil(t, execs[0].InputContext)
	require.Contains(t, *execs[0].InputContext, "schema is final")
}

func TestUnqueueRevertsOrphanedQueuedNode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	node := env.seedNode(t, bp.ID, "step")

	// queued in the store with no matching queue entry, as after a restart
	require.NoError(t, env.nodes.SetStatus(ctx, node.ID, models.NodeQueued, nil))
	require.NoError(t, env.svc.Unqueue(ctx, bp.ID, node.ID))
	require.Equal(t, models.NodePending, env.reloadNode(t, node.ID).Status)

	// a pending node has nothing to unqueue
	err := env.svc.Unqueue(ctx, bp.ID, node.ID)
	require.Equal(t, KindPrecondition, KindOf(err))
}

func TestRetryExecutionTyped(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	node := env.seedNode(t, bp.ID, "step")

	run := func() {
		fut, err := env.svc.RunNode(ctx, bp.ID, node.ID)
		require.NoError(t, err)
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_, err = fut.Wait(waitCtx)
		require.NoError(t, err)
	}

	run() // silent agent, fails as hung
	run() // second attempt is a retry

	execs, err := env.executions.ListForNode(ctx, node.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)

	types := map[models.ExecutionType]bool{}
	for _, e := range execs {
		types[e.Type] = true
	}
	require.True(t, types[models.ExecutionPrimary])
	require.True(t, types[models.ExecutionRetry])
}

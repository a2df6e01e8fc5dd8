package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/models"
)

// failNodeWithSession seeds a failed node whose only execution carries a
// detected session id
func failNodeWithSession(t *testing.T, env *testEnv, bp *models.Blueprint, sessionID string) (*models.MacroNode, *models.NodeExecution) {
	t.Helper()
	ctx := context.Background()

	node := env.seedNode(t, bp.ID, "flaky step")
	exec := env.seedExecution(t, bp, node)
	require.NoError(t, env.executions.SetSessionID(ctx, exec.ID, sessionID))

	detail := "agent process timed out"
	reason := "timeout"
	require.NoError(t, env.executions.Finish(ctx, exec.ID, models.ExecutionFailed, &detail, &reason))
	require.NoError(t, env.nodes.SetStatus(ctx, node.ID, models.NodeFailed, &detail))
	return node, env.reload(t, exec.ID)
}

func TestResumeSessionPreconditions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)

	pending := env.seedNode(t, bp.ID, "pending step")
	_, err := env.svc.ResumeSession(ctx, bp.ID, pending.ID)
	require.Equal(t, KindPrecondition, KindOf(err))

	// failed but nothing to resume from
	orphan := env.seedNode(t, bp.ID, "failed without session")
	msg := "boom"
	require.NoError(t, env.nodes.SetStatus(ctx, orphan.ID, models.NodeFailed, &msg))
	_, err = env.svc.ResumeSession(ctx, bp.ID, orphan.ID)
	require.Equal(t, KindPrecondition, KindOf(err))
}

func TestResumeSessionRunsContinuation(t *testing.T) {
	ctx := context.Background()
	script := fakeAgent(t, `cat > /dev/null
echo "===TASK_COMPLETE==="
echo "picked up where the interrupted run stopped and finished it"
echo "===END_TASK==="`)
	env := newTestEnv(t, script)
	bp := env.seedBlueprint(t)
	node, parent := failNodeWithSession(t, env, bp, "sess-old")

	fut, err := env.svc.ResumeSession(ctx, bp.ID, node.ID)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	val, err := fut.Wait(waitCtx)
	require.NoError(t, err)
	require.Equal(t, models.NodeDone, val)

	require.Equal(t, models.NodeDone, env.reloadNode(t, node.ID).Status)

	execs, err := env.executions.ListForNode(ctx, node.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)

	var cont *models.NodeExecution
	for _, e := range execs {
		if e.Type == models.ExecutionContinuation {
			cont = e
		}
	}
	require.NotNil(t, cont)
	require.NotNil(t, cont.ParentExecutionID)
	require.Equal(t, parent.ID, *cont.ParentExecutionID)
	require.NotNil(t, cont.SessionID)
	require.Equal(t, "sess-old", *cont.SessionID)
	require.NotNil(t, cont.OutputSummary)
	require.Equal(t, "picked up where the interrupted run stopped and finished it", *cont.OutputSummary)
}

func TestRecoverSessionFinalizesFromLog(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	node, exec := failNodeWithSession(t, env, bp, "sess-done")

	env.writeStaleSessionLog(t, "sess-done", time.Minute)

	require.NoError(t, env.svc.RecoverSession(ctx, bp.ID, node.ID))

	got := env.reload(t, exec.ID)
	require.Equal(t, models.ExecutionDone, got.Status)
	require.NotNil(t, got.OutputSummary)
	require.Contains(t, *got.OutputSummary, models.RestartRecoveryMarker)
	require.Contains(t, *got.OutputSummary, "Finished wiring the importer")

	require.Equal(t, models.NodeDone, env.reloadNode(t, node.ID).Status)

	outs, err := env.artifacts.ListForNode(ctx, node.ID, models.ArtifactOut)
	require.NoError(t, err)
	require.Len(t, outs, 1)
}

func TestRecoverSessionRequiresFailedNode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	bp := env.seedBlueprint(t)
	node := env.seedNode(t, bp.ID, "step")

	err := env.svc.RecoverSession(ctx, bp.ID, node.ID)
	require.Equal(t, KindPrecondition, KindOf(err))
}

package flows

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/songzhibin97/stepflow/schema"
	"github.com/songzhibin97/stepflow/storage"
	"github.com/songzhibin97/stepflow/types"
	"github.com/songzhibin97/stepflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockGenerator struct {
	id atomic.Uint64
}

func (g *mockGenerator) NextID() (uint64, error) {
	return g.id.Add(1), nil
}

func newEngine(t *testing.T, store storage.RunStore, gen *mockGenerator) *workflow.Engine {
	t.Helper()
	e, err := workflow.NewEngine(gen, store,
		workflow.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	require.NoError(t, Register(e))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return e
}

func startApproval(t *testing.T, e *workflow.Engine) *types.Result {
	t.Helper()
	res, err := e.Start(context.Background(), ApprovalWorkflowID, map[string]interface{}{"userEmail": "a@b.com"})
	require.NoError(t, err)
	return res
}

func TestApprovalScenarios(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, storage.NewMemoryStore(nil), &mockGenerator{})

	t.Run("suspends pending approval", func(t *testing.T) {
		res := startApproval(t, e)
		assert.Equal(t, types.StatusSuspended, res.Status)
		assert.Equal(t, map[string]interface{}{"reason": "Human approval required."}, res.SuspendPayload)
		assert.Equal(t, []string{"step1"}, res.SuspendedPath)
	})

	t.Run("rejection bails", func(t *testing.T) {
		res := startApproval(t, e)
		res, err := e.Resume(ctx, res.RunID, map[string]interface{}{"approved": false})
		require.NoError(t, err)
		assert.Equal(t, types.StatusBailed, res.Status)
		assert.Equal(t, map[string]interface{}{"reason": "User not approved."}, res.Output)
	})

	t.Run("approval completes", func(t *testing.T) {
		res := startApproval(t, e)
		res, err := e.Resume(ctx, res.RunID, map[string]interface{}{"approved": true})
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, res.Status)
		assert.Equal(t, map[string]interface{}{"output": "Email sent to a@b.com"}, res.Output)
	})

	t.Run("rejects malformed email", func(t *testing.T) {
		_, err := e.Start(ctx, ApprovalWorkflowID, map[string]interface{}{"userEmail": "nobody"})
		assert.ErrorIs(t, err, schema.ErrValidation)
	})
}

// TestApprovalAcrossProcesses resumes a run from a second engine sharing
// the SQLite file, as a restarted process would.
func TestApprovalAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")
	gen := &mockGenerator{}

	first, err := storage.NewSQLiteStore(path, storage.MsgpackCodec{})
	require.NoError(t, err)
	res := startApproval(t, newEngine(t, first, gen))
	require.Equal(t, types.StatusSuspended, res.Status)
	require.NoError(t, first.Close())

	second, err := storage.NewSQLiteStore(path, storage.MsgpackCodec{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })
	e := newEngine(t, second, gen)

	status, err := e.GetStatus(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuspended, status)

	done, err := e.Resume(ctx, res.RunID, map[string]interface{}{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, done.Status)
	assert.Equal(t, map[string]interface{}{"output": "Email sent to a@b.com"}, done.Output)
}

func TestParentWorkflowSharesState(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, storage.NewMemoryStore(nil), &mockGenerator{})

	res, err := e.Start(ctx, ParentWorkflowID, map[string]interface{}{"test": "hello"})
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, res.Status, res.Error)

	out := res.Output.(map[string]interface{})["result"].(string)
	assert.Equal(t, "Received: modified-by-nested-step(modified-by-parentmap -map), Shared Value: modified-by-nested-step-shared", out)
	assert.Contains(t, out, "modified-by-parentmap -map")
	assert.Contains(t, out, "modified-by-nested-step-shared")

	run, err := e.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"sharedValue": "modified-by-nested-step-shared"}, run.SharedState())
	assert.Equal(t, map[string]interface{}{"test": "modified-by-parentmap -map"}, run.Frames[0].Results["map-1"])
}

func TestWorkflowDefinitions(t *testing.T) {
	parent, err := Parent()
	require.NoError(t, err)
	stages := parent.Stages()
	require.Len(t, stages, 3)
	assert.Equal(t, []string{"parent-step", "map-1", NestedWorkflowID}, []string{
		stages[0].StageID(), stages[1].StageID(), stages[2].StageID(),
	})
	assert.True(t, parent.SharesState(2))

	approval, err := Approval()
	require.NoError(t, err)
	assert.Equal(t, ApprovalWorkflowID, approval.ID())
}

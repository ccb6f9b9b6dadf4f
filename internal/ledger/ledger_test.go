package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-distill/internal/checkpoint"
	"github.com/23skdu/longbow-distill/internal/config"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	l := openTest(t)
	cfg := config.Default()
	id := uuid.New()

	require.NoError(t, l.StartRun(ctx, id, &cfg))
	require.NoError(t, l.RecordEpoch(ctx, id, EpochResult{Epoch: 0, ValAccuracy: 0.6, ValLoss: 1.1}, ""))
	require.NoError(t, l.RecordEpoch(ctx, id, EpochResult{Epoch: 1, ValAccuracy: 0.8, ValLoss: 0.7}, "ckpt/e1.arrow"))
	require.NoError(t, l.RecordEpoch(ctx, id, EpochResult{Epoch: 2, ValAccuracy: 0.8, ValLoss: 0.6}, "ckpt/e2.arrow"))

	records, err := l.Checkpoints(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "ckpt/e1.arrow", records[0].Handle)

	best, err := checkpoint.Select(records)
	require.NoError(t, err)
	assert.Equal(t, 2, best.Epoch)

	require.NoError(t, l.FinishRun(ctx, id, Outcome{Best: best, TestAccuracy: 0.79, TestLoss: 0.65}))

	run, err := l.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, "meanpool_dist", run.ModelName)
	assert.True(t, run.Distilled)
	assert.Contains(t, run.Config, "num_epoches: 6")
	assert.True(t, run.CompletionTime.Valid)
	assert.Equal(t, int64(2), run.BestEpoch.Int64)
	assert.InDelta(t, 0.79, run.TestAccuracy.Float64, 1e-12)
	require.Len(t, run.Epochs, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{run.Epochs[0].Epoch, run.Epochs[1].Epoch, run.Epochs[2].Epoch})
}

func TestRecordEpochOverwrites(t *testing.T) {
	ctx := context.Background()
	l := openTest(t)
	cfg := config.Default()
	id := uuid.New()
	require.NoError(t, l.StartRun(ctx, id, &cfg))

	require.NoError(t, l.RecordEpoch(ctx, id, EpochResult{Epoch: 0, ValAccuracy: 0.1}, ""))
	require.NoError(t, l.RecordEpoch(ctx, id, EpochResult{Epoch: 0, ValAccuracy: 0.2}, "e0"))

	run, err := l.GetRun(ctx, id)
	require.NoError(t, err)
	require.Len(t, run.Epochs, 1)
	assert.Equal(t, 0.2, run.Epochs[0].ValAccuracy)
}

func TestFailRun(t *testing.T) {
	ctx := context.Background()
	l := openTest(t)
	cfg := config.Default()
	id := uuid.New()
	require.NoError(t, l.StartRun(ctx, id, &cfg))

	require.NoError(t, l.FailRun(ctx, id, errors.New("loss diverged")))
	run, err := l.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, "loss diverged", run.FailureReason.String)
}

func TestInterruptRun(t *testing.T) {
	ctx := context.Background()
	l := openTest(t)
	cfg := config.Default()

	running := uuid.New()
	require.NoError(t, l.StartRun(ctx, running, &cfg))
	ok, err := l.InterruptRun(ctx, running, "interrupted by signal")
	require.NoError(t, err)
	assert.True(t, ok)

	run, err := l.GetRun(ctx, running)
	require.NoError(t, err)
	assert.Equal(t, RunInterrupted, run.Status)
	assert.Equal(t, "interrupted by signal", run.FailureReason.String)
	assert.True(t, run.CompletionTime.Valid)

	failed := uuid.New()
	require.NoError(t, l.StartRun(ctx, failed, &cfg))
	require.NoError(t, l.FailRun(ctx, failed, errors.New("loss diverged")))
	ok, err = l.InterruptRun(ctx, failed, "interrupted by signal")
	require.NoError(t, err)
	assert.False(t, ok)

	run, err = l.GetRun(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, "loss diverged", run.FailureReason.String)
}

func TestUnknownRun(t *testing.T) {
	ctx := context.Background()
	l := openTest(t)

	_, err := l.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, l.FailRun(ctx, uuid.New(), errors.New("x")), ErrRunNotFound)
}

func TestReopenFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db", "ledger.db")
	cfg := config.Default()
	id := uuid.New()

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.StartRun(ctx, id, &cfg))
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	runs, err := l.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].Id)
}

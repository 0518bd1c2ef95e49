package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/status"
	"github.com/Lllllllleong/ragdocumentflow/internal/store"
	"github.com/Lllllllleong/ragdocumentflow/internal/store/memory"
)

type jobs []models.ProcessJob

func (j *jobs) Submit(_ context.Context, job models.ProcessJob) error {
	*j = append(*j, job)
	return nil
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := memory.NewRepository()

	create := func(id string, st models.Status, age time.Duration, stage *string) {
		require.NoError(t, repo.CreateDocument(ctx, &models.Document{
			ID:              id,
			Status:          st,
			ProcessingStage: stage,
			UpdatedAt:       now.Add(-age),
		}))
	}
	create("dead", models.StatusProcessing, 10*time.Minute, models.Ptr(models.StageEmbedding))
	create("running", models.StatusProcessing, 2*time.Minute, models.Ptr(models.StageExtracting))
	create("stuck", models.StatusPending, time.Hour, nil)
	create("fresh", models.StatusPending, time.Second, nil)
	_, _, err := repo.Transition(ctx, "dead", store.Transition{
		From:         []models.Status{models.StatusProcessing},
		To:           models.StatusProcessing,
		At:           now.Add(-10 * time.Minute),
		InsertChunks: []models.Chunk{{ID: "partial", DocumentID: "dead"}},
	})
	require.NoError(t, err)
	require.NoError(t, repo.SetProcessingStage(ctx, "dead", models.StageEmbedding))

	submitted := &jobs{}
	s := New(repo, status.NewTracker(repo, nil), submitted, Config{
		ProcessingTimeout: 5 * time.Minute,
		Grace:             time.Minute,
		ResubmitAfter:     15 * time.Minute,
	}, nil)
	s.now = func() time.Time { return now }

	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dead"}, report.TimedOut)
	assert.Equal(t, []string{"stuck"}, report.Resubmitted)
	assert.Equal(t, jobs{{DocumentID: "stuck", Attempt: 1}}, *submitted)

	dead, err := repo.GetDocument(ctx, "dead")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, dead.Status)
	require.Len(t, dead.ErrorHistory, 1)
	assert.Equal(t, models.ErrorStageEmbedding, dead.ErrorHistory[0].Stage)
	n, _ := repo.CountChunks(ctx, "dead")
	assert.Zero(t, n)

	running, _ := repo.GetDocument(ctx, "running")
	assert.Equal(t, models.StatusProcessing, running.Status)
}

func TestStageFor(t *testing.T) {
	assert.Equal(t, models.ErrorStageStorage, StageFor(nil))
	assert.Equal(t, models.ErrorStageStorage, StageFor(models.Ptr(models.StageDownloading)))
	assert.Equal(t, models.ErrorStageExtraction, StageFor(models.Ptr(models.StageExtracting)))
	assert.Equal(t, models.ErrorStageExtraction, StageFor(models.Ptr(models.StageChunking)))
	assert.Equal(t, models.ErrorStageEmbedding, StageFor(models.Ptr(models.StageEmbedding)))
	assert.Equal(t, models.ErrorStageDatabase, StageFor(models.Ptr(models.StagePersisting)))
}

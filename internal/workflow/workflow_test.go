package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/labflow/internal/models"
)

func taskWithHandovers(n int) *models.Task {
	t := &models.Task{
		ID:         1,
		Title:      "Batch",
		AssignedBy: "bob",
		AssignedTo: "alice",
		CreatedAt:  "2024-01-01 08:00:00",
		UpdatedAt:  "2024-01-02 08:00:00",
		Status:     models.TaskStatusPending,
	}
	for i := 0; i < n; i++ {
		t.HandoverHistory = append(t.HandoverHistory, models.HandoverRecord{
			FromUser:     "alice",
			ToUser:       "alice",
			HandoverDate: "2024-01-02 08:00:00",
		})
	}
	return t
}

func TestStageNameForIndex(t *testing.T) {
	assert.Equal(t, "Receive sample", StageNameForIndex(0))
	assert.Equal(t, "Review and approve results", StageNameForIndex(4))
	assert.Equal(t, "Save results", StageNameForIndex(5))
	assert.Equal(t, "Stage 7", StageNameForIndex(6))
}

func TestCompletionPredicate(t *testing.T) {
	for n := 0; n < len(Stages); n++ {
		task := taskWithHandovers(n)
		assert.False(t, IsWorkflowCompleted(task), "handovers=%d", n)
		assert.True(t, CanHandover(task), "handovers=%d", n)
	}

	done := taskWithHandovers(len(Stages))
	assert.True(t, IsWorkflowCompleted(done))
	assert.False(t, CanHandover(done))
}

func TestCompletionIgnoresStatus(t *testing.T) {
	task := taskWithHandovers(1)
	task.Status = models.TaskStatusCompleted
	assert.False(t, IsWorkflowCompleted(task))
}

func TestInfo(t *testing.T) {
	info := Info(taskWithHandovers(2))

	require.Len(t, info.CompletedStages, 3)
	assert.Equal(t, InitializationStage, info.CompletedStages[0].StageName)
	assert.Equal(t, "bob", info.CompletedStages[0].User)
	assert.Equal(t, "2024-01-01 08:00:00", info.CompletedStages[0].Date)
	assert.Equal(t, "Receive sample", info.CompletedStages[1].StageName)
	assert.Equal(t, "Close sample", info.CompletedStages[2].StageName)

	assert.Equal(t, "Irradiate sample", info.CurrentStage)
	assert.Equal(t, 2, info.CurrentStageIndex)
	assert.Equal(t, 5, info.TotalStages)
	assert.Equal(t, 40, info.Progress)
}

func TestInfoProgressCapped(t *testing.T) {
	info := Info(taskWithHandovers(7))
	assert.Equal(t, 100, info.Progress)
	assert.Equal(t, "Stage 8", info.CurrentStage)
}

func TestCurrentStageIndexFollowsHistory(t *testing.T) {
	for n := 0; n < 8; n++ {
		task := taskWithHandovers(n)
		assert.Equal(t, len(task.HandoverHistory), CurrentStageIndex(task))
		assert.Equal(t, n, Info(task).CurrentStageIndex)
	}
}

func TestTimeline(t *testing.T) {
	entries := Timeline(taskWithHandovers(1))
	require.Len(t, entries, 3)

	last := entries[len(entries)-1]
	assert.True(t, last.Current)
	assert.Equal(t, "Close sample", last.StageName)
	assert.Equal(t, "alice", last.User)
	assert.Equal(t, models.TaskStatusPending, last.Status)
	assert.False(t, entries[0].Current)
}

func TestAnnotate(t *testing.T) {
	a := Annotate(taskWithHandovers(5))
	assert.True(t, a.IsWorkflowCompleted)
	assert.False(t, a.CanHandover)
	assert.Equal(t, int64(1), a.ID)
}

func TestStageByKey(t *testing.T) {
	st, ok := StageByKey("irradiate")
	require.True(t, ok)
	assert.Equal(t, "Irradiate sample", st.Name)

	_, ok = StageByKey("bogus")
	assert.False(t, ok)
}

func TestHandoverTitle(t *testing.T) {
	assert.Equal(t, "Sample batch 7 - Stage 1: Close sample", HandoverTitle("Sample batch 7", 1))
	assert.Equal(t, "X - Stage 5: Save results", HandoverTitle("X", 5))
}

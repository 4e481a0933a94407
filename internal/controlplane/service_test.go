package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/labflow/internal/audit"
	"github.com/fentz26/labflow/internal/blobstore"
	"github.com/fentz26/labflow/internal/models"
	"github.com/fentz26/labflow/internal/notify"
	"github.com/fentz26/labflow/internal/query"
	"github.com/fentz26/labflow/internal/store"
	"github.com/fentz26/labflow/internal/workflow"
)

type testEnv struct {
	svc    *Service
	store  *store.MemoryStore
	blobs  *blobstore.Store
	events *notify.Recorder
}

func newTestService(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	blobs, err := blobstore.New(filepath.Join(dir, "uploads"))
	require.NoError(t, err)
	sink, err := audit.NewFileSink(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)

	st := store.NewMemory()
	rec := &notify.Recorder{}
	svc := NewService(st, blobs, audit.NewPDRWriter(sink), rec)
	svc.now = func() time.Time { return time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC) }

	return &testEnv{svc: svc, store: st, blobs: blobs, events: rec}
}

func (e *testEnv) create(t *testing.T, title, assignee, creator string) *models.Task {
	t.Helper()
	task, err := e.svc.CreateTask(context.Background(), NewTask{
		Title:       title,
		Description: "Routine analysis",
		AssignedTo:  assignee,
		AssignedBy:  creator,
	})
	require.NoError(t, err)
	return task
}

func TestCreateTask(t *testing.T) {
	env := newTestService(t)
	task := env.create(t, "Sample batch 7", "alice", "bob")

	assert.Equal(t, int64(1), task.ID)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, models.PriorityMedium, task.Priority)
	assert.Equal(t, "2024-06-01 09:30:00", task.CreatedAt)
	assert.Equal(t, task.CreatedAt, task.UpdatedAt)
	assert.Empty(t, task.HandoverHistory)
	assert.NotNil(t, task.Files)

	events := env.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventCreated, events[0].Type)
	assert.Equal(t, "alice", events[0].To)
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	valid := NewTask{Title: "T", Description: "D", AssignedTo: "alice", AssignedBy: "bob"}

	cases := map[string]func(*NewTask){
		"missing title":       func(n *NewTask) { n.Title = "  " },
		"missing description": func(n *NewTask) { n.Description = "" },
		"missing assignee":    func(n *NewTask) { n.AssignedTo = "" },
		"missing creator":     func(n *NewTask) { n.AssignedBy = "" },
		"bad priority":        func(n *NewTask) { n.Priority = "urgent" },
		"bad due date":        func(n *NewTask) { n.DueDate = "01/02/2024" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := valid
			mutate(&in)
			_, err := env.svc.CreateTask(ctx, in)
			assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
		})
	}

	c, _ := env.store.Load(ctx)
	assert.Empty(t, c.Tasks)
}

func TestMonotonicIDs(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 3; i++ {
		task := env.create(t, "T", "alice", "bob")
		assert.Greater(t, task.ID, last)
		last = task.ID
	}

	require.NoError(t, env.svc.DeleteTask(ctx, last, "bob"))
	require.NoError(t, env.svc.DeleteTask(ctx, 2, "bob"))

	next := env.create(t, "T", "alice", "bob")
	assert.Equal(t, int64(4), next.ID)
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestService(t)
	_, err := env.svc.GetTask(context.Background(), 42)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "task not found", Message(err))
}

func TestUpdateTaskPatch(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	task, err := env.svc.CreateTask(ctx, NewTask{
		Title: "T", Description: "D", AssignedTo: "alice", AssignedBy: "bob",
		Category: "NAA", Note: "keep cold", DueDate: "2024-07-01",
	})
	require.NoError(t, err)

	title := "Renamed"
	empty := ""
	high := models.PriorityHigh
	updated, err := env.svc.UpdateTask(ctx, task.ID, "bob", TaskPatch{Title: &title, Note: &empty, Priority: &high})
	require.NoError(t, err)

	assert.Equal(t, "Renamed", updated.Title)
	assert.Equal(t, "", updated.Note, "pointer to empty clears")
	assert.Equal(t, "NAA", updated.Category, "nil leaves untouched")
	assert.Equal(t, "2024-07-01", updated.DueDate)
	assert.Equal(t, models.PriorityHigh, updated.Priority)

	_, err = env.svc.UpdateTask(ctx, task.ID, "bob", TaskPatch{Title: &empty})
	assert.True(t, errors.Is(err, ErrValidation))

	bad := "tomorrow"
	_, err = env.svc.UpdateTask(ctx, task.ID, "bob", TaskPatch{DueDate: &bad})
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = env.svc.UpdateTask(ctx, 99, "bob", TaskPatch{Title: &title})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHandoverFirstStage(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.create(t, "Sample batch 7", "alice", "bob")

	task, err := env.svc.Handover(ctx, 1, "alice", "carol", "done receiving")
	require.NoError(t, err)

	require.Len(t, task.HandoverHistory, 1)
	h := task.HandoverHistory[0]
	assert.Equal(t, "alice", h.FromUser)
	assert.Equal(t, "carol", h.ToUser)
	assert.Equal(t, "done receiving", h.HandoverNote)
	assert.False(t, h.IsSelfHandover)

	assert.Equal(t, "carol", task.AssignedTo)
	assert.Equal(t, "Sample batch 7", task.OriginalTitle)
	assert.Equal(t, "Sample batch 7 - Stage 1: Close sample", task.Title)
	assert.Equal(t, models.TaskStatusPending, task.Status)

	got, err := env.svc.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, task.Title, got.Title)
}

func TestHandoverFullWorkflow(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.create(t, "Batch", "u0", "bob")

	for i := 0; i < len(workflow.Stages); i++ {
		before, _ := env.svc.GetTask(ctx, 1)
		assert.False(t, workflow.IsWorkflowCompleted(before))

		task, err := env.svc.Handover(ctx, 1, before.AssignedTo, "u"+string(rune('1'+i)), "")
		require.NoError(t, err)
		assert.Equal(t, i+1, workflow.CurrentStageIndex(task))
		assert.Equal(t, "Batch", task.OriginalTitle)
	}

	done, _ := env.svc.GetTask(ctx, 1)
	assert.True(t, workflow.IsWorkflowCompleted(done))
	assert.Equal(t, models.TaskStatusCompleted, done.Status)
	assert.Equal(t, "2024-06-01 09:30:00", done.CompletedAt)
	assert.Equal(t, "Workflow completed", done.CompletionNote)
	assert.Equal(t, "Batch - Stage 5: Save results", done.Title)

	_, err := env.svc.Handover(ctx, 1, done.AssignedTo, "zed", "")
	assert.True(t, errors.Is(err, ErrWorkflowExhausted))
	assert.Contains(t, Message(err), "completed its entire workflow")

	after, _ := env.svc.GetTask(ctx, 1)
	assert.Len(t, after.HandoverHistory, len(workflow.Stages))

	var completedEvents int
	for _, e := range env.events.Events() {
		if e.Type == notify.EventCompleted {
			completedEvents++
			assert.Equal(t, "bob", e.To)
		}
	}
	assert.Equal(t, 1, completedEvents)
}

func TestHandoverCompletionNote(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.create(t, "Batch", "alice", "bob")

	for i := 0; i < len(workflow.Stages)-1; i++ {
		_, err := env.svc.Handover(ctx, 1, "alice", "alice", "")
		require.NoError(t, err)
	}
	task, err := env.svc.Handover(ctx, 1, "alice", "alice", "results archived")
	require.NoError(t, err)
	assert.Equal(t, "results archived", task.CompletionNote)
	assert.True(t, task.HandoverHistory[len(task.HandoverHistory)-1].IsSelfHandover)
}

func TestHandoverNotHolder(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.create(t, "Batch", "alice", "bob")
	before, _ := env.svc.GetTask(ctx, 1)

	_, err := env.svc.Handover(ctx, 1, "bob", "carol", "")
	assert.True(t, errors.Is(err, ErrForbidden))
	assert.Equal(t, "only the current holder may hand over this task", Message(err))

	after, _ := env.svc.GetTask(ctx, 1)
	assert.Equal(t, before, after)
}

func TestHandoverUnknownTaskAndRecipient(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	_, err := env.svc.Handover(ctx, 5, "alice", "carol", "")
	assert.True(t, errors.Is(err, ErrNotFound))

	env.create(t, "Batch", "alice", "bob")
	_, err = env.svc.Handover(ctx, 1, "alice", " ", "")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestHandoverReopensCompletedTask(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.create(t, "Batch", "alice", "bob")

	_, err := env.svc.UpdateStatus(ctx, 1, "alice", models.TaskStatusCompleted)
	require.NoError(t, err)

	task, err := env.svc.Handover(ctx, 1, "alice", "carol", "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, "Reopened by handover from alice", task.CompletionNote)
	assert.Empty(t, task.CompletedAt)
}

func TestHandoverCancelledTaskAllowed(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.create(t, "Batch", "alice", "bob")

	_, err := env.svc.UpdateStatus(ctx, 1, "alice", models.TaskStatusCancelled)
	require.NoError(t, err)

	task, err := env.svc.Handover(ctx, 1, "alice", "carol", "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, task.Status)
}

func TestUpdateStatus(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.create(t, "Batch", "alice", "bob")

	task, err := env.svc.UpdateStatus(ctx, 1, "alice", models.TaskStatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, task.Status)
	assert.Empty(t, task.HandoverHistory)

	_, err = env.svc.UpdateStatus(ctx, 1, "bob", models.TaskStatusCompleted)
	assert.True(t, errors.Is(err, ErrForbidden))

	_, err = env.svc.UpdateStatus(ctx, 1, "alice", "done")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestCreateRepeat(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.create(t, "Batch 9", "alice", "bob")
	_, err := env.svc.Handover(ctx, 1, "alice", "carol", "")
	require.NoError(t, err)

	rep, err := env.svc.CreateRepeat(ctx, RepeatTask{
		SourceID: 1, StageKey: "irradiate", AssignedTo: "dave", AssignedBy: "bob", Reason: "flux monitor failed",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.ID)
	assert.Equal(t, "Batch 9 - Repeat: Irradiate sample", rep.Title)
	assert.Equal(t, "Repeat stage 'Irradiate sample' for task #1\n\nReason: flux monitor failed", rep.Description)
	assert.Equal(t, "Repeated stage from task #1. flux monitor failed", rep.Note)

	_, err = env.svc.CreateRepeat(ctx, RepeatTask{SourceID: 1, StageKey: "bake", AssignedTo: "dave", AssignedBy: "bob"})
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = env.svc.CreateRepeat(ctx, RepeatTask{SourceID: 7, StageKey: "close", AssignedTo: "dave", AssignedBy: "bob"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteTaskCascadesFiles(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.create(t, "Batch", "alice", "bob")

	att := uploadBytes(t, env, 1, "alice", "report.pdf", 100)
	assert.True(t, env.blobs.Exists(1, att.StoredFilename))

	require.NoError(t, env.svc.DeleteTask(ctx, 1, "bob"))
	assert.False(t, env.blobs.Exists(1, att.StoredFilename))

	err := env.svc.DeleteTask(ctx, 1, "bob")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStorageFailure(t *testing.T) {
	env := newTestService(t)
	env.store.FailSave = errors.New("disk full")

	_, err := env.svc.CreateTask(context.Background(), NewTask{Title: "T", Description: "D", AssignedTo: "a", AssignedBy: "b"})
	assert.True(t, errors.Is(err, ErrStorage))
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 500, StatusCode(err))
	assert.Empty(t, env.events.Events())
}

func TestQueries(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.create(t, "Gold foil", "alice", "bob")
	env.create(t, "Cobalt standard", "carol", "bob")
	env.create(t, "Gold wire", "alice", "carol")

	page, err := env.svc.Paginate(ctx, 1, 2, query.Filter{AssignedTo: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalCount)
	assert.Equal(t, 1, page.TotalPages)

	found, err := env.svc.Search(ctx, "GOLD", "")
	require.NoError(t, err)
	assert.Len(t, found, 2)

	stats, err := env.svc.Statistics(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Pending)

	mine, err := env.svc.TasksAssignedTo(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	created, err := env.svc.TasksAssignedBy(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "Gold wire", created[0].Title)
}

func TestHistory(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.create(t, "Batch", "alice", "bob")
	_, err := env.svc.Handover(ctx, 1, "alice", "carol", "")
	require.NoError(t, err)

	entries, err := env.svc.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "task.create", entries[0].Action)
	assert.Equal(t, "task.handover", entries[1].Action)
	assert.Equal(t, "alice", entries[1].Actor)

	_, err = env.svc.History(ctx, 3)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStatusCodes(t *testing.T) {
	assert.Equal(t, 404, StatusCode(ErrTaskNotFound))
	assert.Equal(t, 403, StatusCode(ErrNotHolder))
	assert.Equal(t, 409, StatusCode(ErrWorkflowDone))
	assert.Equal(t, 409, StatusCode(ErrConcurrentUpdate))
	assert.Equal(t, 400, StatusCode(validationf("x")))
	assert.Equal(t, 400, StatusCode(ErrFileTypeNotAllowed))
	assert.Equal(t, 413, StatusCode(ErrFileTooLarge))
	assert.Equal(t, 500, StatusCode(errors.New("boom")))
}

func TestNewTaskEncodesEmptyLists(t *testing.T) {
	env := newTestService(t)
	created := env.create(t, "Batch 3", "alice", "bob")

	got, err := env.svc.GetTask(context.Background(), created.ID)
	require.NoError(t, err)
	data, err := json.Marshal(workflow.Annotate(got))
	require.NoError(t, err)

	assert.Contains(t, string(data), `"handover_history":[]`)
	assert.Contains(t, string(data), `"files":[]`)
}

func newJSONService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewJSONFile(filepath.Join(dir, "data"))
	require.NoError(t, err)
	blobs, err := blobstore.New(filepath.Join(dir, "uploads"))
	require.NoError(t, err)
	return NewService(st, blobs, nil, nil)
}

func TestConcurrentCreatesGetDistinctIDs(t *testing.T) {
	svc := newJSONService(t)
	ctx := context.Background()

	const n = 40
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := svc.CreateTask(ctx, NewTask{
				Title:       fmt.Sprintf("Batch %d", i),
				Description: "Routine analysis",
				AssignedTo:  "alice",
				AssignedBy:  "bob",
			})
			if assert.NoError(t, err) {
				ids <- task.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[int64]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)

	tasks, err := svc.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, n)
}

func TestConcurrentHandoversStopAtLastStage(t *testing.T) {
	svc := newJSONService(t)
	ctx := context.Background()
	task, err := svc.CreateTask(ctx, NewTask{
		Title: "Batch 9", Description: "Routine analysis", AssignedTo: "u", AssignedBy: "u",
	})
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Handover(ctx, task.ID, "u", "u", "")
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrWorkflowExhausted)
		}()
	}
	wg.Wait()

	assert.Equal(t, len(workflow.Stages), ok)
	got, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, got.HandoverHistory, len(workflow.Stages))
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
}

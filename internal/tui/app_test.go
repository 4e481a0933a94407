package tui

import (
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/labflow/internal/blobstore"
	"github.com/fentz26/labflow/internal/controlplane"
	"github.com/fentz26/labflow/internal/models"
	"github.com/fentz26/labflow/internal/store"
	"github.com/fentz26/labflow/internal/workflow"
)

func TestStageDots(t *testing.T) {
	info := workflow.StageInfo{CurrentStageIndex: 2, TotalStages: 5}
	assert.Equal(t, "●●◉··", stageDots(info))

	done := workflow.StageInfo{CurrentStageIndex: 5, TotalStages: 5}
	assert.Equal(t, "●●●●●", stageDots(done))
}

func TestSuggestionsAccept(t *testing.T) {
	s := NewSuggestions()
	s.SetUsers([]string{"alice", "bob"})

	s.Update("/han")
	require.True(t, s.IsVisible())
	assert.Equal(t, "handover ", s.Accept())

	s.Update("handover @bo")
	require.True(t, s.IsVisible())
	assert.Equal(t, "handover bob ", s.Accept())

	s.Update("repeat #irr")
	require.True(t, s.IsVisible())
	assert.Equal(t, "repeat irradiate ", s.Accept())

	s.Update("handover bob ")
	assert.False(t, s.IsVisible())
}

func TestKnownUsers(t *testing.T) {
	tasks := []workflow.AnnotatedTask{
		{Task: &models.Task{AssignedTo: "bob", AssignedBy: "alice"}},
		{Task: &models.Task{AssignedTo: "carol", AssignedBy: ""}},
	}
	assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, knownUsers(tasks, "dave"))
}

func newTestClient(t *testing.T, user string) *Client {
	t.Helper()
	blobs, err := blobstore.New(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)
	svc := controlplane.NewService(store.NewMemory(), blobs, nil, nil)
	srv := httptest.NewServer(controlplane.NewServer(svc, nil, "").Handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, user)
}

func TestClientWorkflow(t *testing.T) {
	c := newTestClient(t, "alice")

	ok, err := c.CheckHealth()
	require.NoError(t, err)
	assert.True(t, ok)

	created, err := c.CreateTask("alice", "Batch 12", "Soil samples")
	require.NoError(t, err)
	assert.Equal(t, "alice", created.AssignedBy)
	assert.Equal(t, "Receive sample", created.StageInfo.CurrentStage)

	handed, err := c.Handover(created.ID, "bob", "sealed")
	require.NoError(t, err)
	assert.Equal(t, "bob", handed.AssignedTo)
	assert.Equal(t, "Close sample", handed.StageInfo.CurrentStage)

	detail, err := c.GetTask(created.ID)
	require.NoError(t, err)
	require.Len(t, detail.Timeline, 3)
	assert.Equal(t, workflow.InitializationStage, detail.Timeline[0].StageName)
	assert.Equal(t, "sealed", detail.Timeline[1].Note)
	assert.True(t, detail.Timeline[2].Current)

	tasks, err := c.ListTasks(Filter{Search: "batch"})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	mine, err := c.ListTasks(Filter{Mine: true})
	require.NoError(t, err)
	assert.Empty(t, mine)

	stats, err := c.Stats(false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestClientErrorMessage(t *testing.T) {
	c := newTestClient(t, "alice")

	_, err := c.Handover(99, "bob", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestCommandNeedsSelection(t *testing.T) {
	app := New("http://127.0.0.1:0", "alice")

	cmd := app.executeCommand("/handover @bob")
	require.NotNil(t, cmd)
	assert.Equal(t, commandResultMsg{"No task selected"}, cmd())

	cmd = app.executeCommand("status")
	require.NotNil(t, cmd)
	assert.Equal(t, commandResultMsg{"No task selected"}, cmd())
}

func TestCommandSwitchesFilter(t *testing.T) {
	app := New("http://127.0.0.1:0", "alice")

	app.executeCommand("search soil")
	assert.Equal(t, "soil", app.filter.Search)
	assert.False(t, app.filter.Mine)

	app.executeCommand("mine")
	assert.True(t, app.filter.Mine)
	assert.Empty(t, app.filter.Search)

	app.executeCommand("stats")
	assert.Equal(t, modeStats, app.mode)
}

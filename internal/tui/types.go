package tui

import (
	"github.com/fentz26/labflow/internal/models"
	"github.com/fentz26/labflow/internal/notify"
	"github.com/fentz26/labflow/internal/query"
	"github.com/fentz26/labflow/internal/workflow"
)

// TaskDetail is a task with its stage timeline, as served by the API.
type TaskDetail struct {
	workflow.AnnotatedTask
	Timeline []workflow.TimelineEntry `json:"timeline"`
}

// Filter selects which tasks the board shows.
type Filter struct {
	Status models.TaskStatus
	Search string
	Mine   bool
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type tasksLoadedMsg struct {
	tasks []workflow.AnnotatedTask
}

type taskDetailLoadedMsg struct {
	task *TaskDetail
}

type statsLoadedMsg struct {
	mine, all *query.Stats
}

type inboxLoadedMsg struct {
	events []notify.Event
	err    error
}

type daemonStatusMsg struct {
	online bool
}

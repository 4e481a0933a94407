// Package workflow derives a task's position in the lab workflow from its
// handover history. Nothing here is persisted; every value is recomputed
// from len(task.HandoverHistory).
package workflow

import (
	"fmt"

	"github.com/fentz26/labflow/internal/models"
)

// Stage is one step of the fixed lab workflow.
type Stage struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Stages is the ordered workflow catalogue.
var Stages = []Stage{
	{Key: "receive", Name: "Receive sample"},
	{Key: "close", Name: "Close sample"},
	{Key: "irradiate", Name: "Irradiate sample"},
	{Key: "process", Name: "Process data"},
	{Key: "review", Name: "Review and approve results"},
}

// FinalStageName labels the terminal post-workflow step.
const FinalStageName = "Save results"

// InitializationStage labels the synthetic first entry of a timeline.
const InitializationStage = "Initialization"

// StageByKey resolves a stage by its key.
func StageByKey(key string) (Stage, bool) {
	for _, st := range Stages {
		if st.Key == key {
			return st, true
		}
	}
	return Stage{}, false
}

// CurrentStageIndex is the number of completed handovers, which is also the
// zero-based index of the stage the task is in.
func CurrentStageIndex(t *models.Task) int {
	return len(t.HandoverHistory)
}

// StageNameForIndex returns the name of stage i.
func StageNameForIndex(i int) string {
	switch {
	case i >= 0 && i < len(Stages):
		return Stages[i].Name
	case i == len(Stages):
		return FinalStageName
	default:
		return fmt.Sprintf("Stage %d", i+1)
	}
}

// IsWorkflowCompleted reports whether the task has been handed over at
// least once per stage. It ignores Status.
func IsWorkflowCompleted(t *models.Task) bool {
	return CurrentStageIndex(t) > len(Stages)-1
}

// CanHandover reports whether another handover is permitted.
func CanHandover(t *models.Task) bool {
	return !IsWorkflowCompleted(t)
}

// CompletedStage is one closed-out step of a task's history.
type CompletedStage struct {
	StageName string `json:"stage_name"`
	User      string `json:"user"`
	ToUser    string `json:"to_user,omitempty"`
	Date      string `json:"date"`
	Note      string `json:"note,omitempty"`
	Self      bool   `json:"is_self_handover,omitempty"`
}

// StageInfo summarises a task's workflow position.
type StageInfo struct {
	CompletedStages   []CompletedStage `json:"completed_stages"`
	CurrentStage      string           `json:"current_stage"`
	CurrentStageIndex int              `json:"current_stage_index"`
	TotalStages       int              `json:"total_stages"`
	Progress          int              `json:"progress"`
}

// Info builds the stage summary of t.
func Info(t *models.Task) StageInfo {
	idx := CurrentStageIndex(t)
	total := len(Stages)

	completed := make([]CompletedStage, 0, idx+1)
	completed = append(completed, CompletedStage{
		StageName: InitializationStage,
		User:      t.AssignedBy,
		Date:      t.CreatedAt,
	})
	for i, h := range t.HandoverHistory {
		completed = append(completed, CompletedStage{
			StageName: StageNameForIndex(i),
			User:      h.FromUser,
			ToUser:    h.ToUser,
			Date:      h.HandoverDate,
			Note:      h.HandoverNote,
			Self:      h.IsSelfHandover,
		})
	}

	progress := 100 * idx / total
	if progress > 100 {
		progress = 100
	}

	return StageInfo{
		CompletedStages:   completed,
		CurrentStage:      StageNameForIndex(idx),
		CurrentStageIndex: idx,
		TotalStages:       total,
		Progress:          progress,
	}
}

// TimelineEntry is one row of a task's detail timeline.
type TimelineEntry struct {
	CompletedStage
	Current bool              `json:"current"`
	Status  models.TaskStatus `json:"status,omitempty"`
}

// Timeline returns the completed stages followed by the current one.
func Timeline(t *models.Task) []TimelineEntry {
	info := Info(t)
	out := make([]TimelineEntry, 0, len(info.CompletedStages)+1)
	for _, c := range info.CompletedStages {
		out = append(out, TimelineEntry{CompletedStage: c})
	}
	out = append(out, TimelineEntry{
		CompletedStage: CompletedStage{
			StageName: info.CurrentStage,
			User:      t.AssignedTo,
			Date:      t.UpdatedAt,
		},
		Current: true,
		Status:  t.Status,
	})
	return out
}

// AnnotatedTask is a task together with its derived workflow fields.
type AnnotatedTask struct {
	*models.Task
	StageInfo           StageInfo `json:"stage_info"`
	CanHandover         bool      `json:"can_handover"`
	IsWorkflowCompleted bool      `json:"is_workflow_completed"`
}

// Annotate attaches the derived workflow fields to t.
func Annotate(t *models.Task) AnnotatedTask {
	return AnnotatedTask{
		Task:                t,
		StageInfo:           Info(t),
		CanHandover:         CanHandover(t),
		IsWorkflowCompleted: IsWorkflowCompleted(t),
	}
}

// AnnotateAll annotates every task in order.
func AnnotateAll(tasks []*models.Task) []AnnotatedTask {
	out := make([]AnnotatedTask, len(tasks))
	for i, t := range tasks {
		out[i] = Annotate(t)
	}
	return out
}

// HandoverTitle is the title a task carries after its n-th handover.
func HandoverTitle(originalTitle string, n int) string {
	return fmt.Sprintf("%s - Stage %d: %s", originalTitle, n, StageNameForIndex(n))
}

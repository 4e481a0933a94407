package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/labflow/internal/models"
	"github.com/fentz26/labflow/internal/workflow"
)

var (
	statusPending    = lipgloss.NewStyle().Foreground(warningColor)
	statusInProgress = lipgloss.NewStyle().Foreground(cyanColor)
	statusCompleted  = lipgloss.NewStyle().Foreground(successColor)
	statusCancelled  = lipgloss.NewStyle().Foreground(mutedColor)
	highPriority     = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
)

var filters = []models.TaskStatus{"", models.TaskStatusPending, models.TaskStatusInProgress, models.TaskStatusCompleted, models.TaskStatusCancelled}
var filterNames = []string{"ALL", "PENDING", "IN PROGRESS", "DONE", "CANCELLED"}

func formatStatus(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusPending:
		return statusPending.Render("○ pending")
	case models.TaskStatusInProgress:
		return statusInProgress.Render("◐ in progress")
	case models.TaskStatusCompleted:
		return statusCompleted.Render("● done")
	case models.TaskStatusCancelled:
		return statusCancelled.Render("✗ cancelled")
	default:
		return string(status)
	}
}

func statusIcon(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusPending:
		return "○"
	case models.TaskStatusInProgress:
		return "◐"
	case models.TaskStatusCompleted:
		return "●"
	case models.TaskStatusCancelled:
		return "✗"
	default:
		return "?"
	}
}

// stageDots draws one dot per stage: filled when done, a ring for the
// current one.
func stageDots(info workflow.StageInfo) string {
	var b strings.Builder
	for i := 0; i < info.TotalStages; i++ {
		switch {
		case i < info.CurrentStageIndex:
			b.WriteString("●")
		case i == info.CurrentStageIndex:
			b.WriteString("◉")
		default:
			b.WriteString("·")
		}
	}
	return b.String()
}

func taskLine(t workflow.AnnotatedTask, user string) string {
	title := t.Title
	if len([]rune(title)) > 44 {
		title = string([]rune(title)[:41]) + "..."
	}
	holder := t.AssignedTo
	if holder == user {
		holder = "you"
	}
	return fmt.Sprintf("#%-4d %s  %-44s  %s  %-26s  %s",
		t.ID, stageDots(t.StageInfo), title, statusIcon(t.Status), t.StageInfo.CurrentStage, holder)
}

func (a *App) renderTaskList(height int) string {
	if a.loading && len(a.tasks) == 0 {
		return "\n  Loading tasks...\n"
	}
	if len(a.tasks) == 0 {
		return "\n  No tasks found. Type: add <assignee> <title> to assign one.\n"
	}

	var lines []string
	for i, task := range a.tasks {
		line := taskLine(task, a.client.User())
		switch {
		case i == a.selectedIdx:
			lines = append(lines, selectedStyle.Render("▶ "+line))
		case task.Priority == models.PriorityHigh && !task.Status.Closed():
			lines = append(lines, taskItemStyle.Render("  "+highPriority.Render(line)))
		default:
			lines = append(lines, taskItemStyle.Render("  "+line))
		}
	}

	// Limit visible lines
	if len(lines) > height {
		start := a.selectedIdx - height/2
		if start < 0 {
			start = 0
		}
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}

	return strings.Join(lines, "\n")
}

package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(13)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			MarginTop(1)

	doneStageStyle    = lipgloss.NewStyle().Foreground(successColor)
	currentStageStyle = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
)

// progressBar renders pct as a bar of the given width.
func progressBar(pct, width int) string {
	filled := pct * width / 100
	bar := lipgloss.NewStyle().Foreground(successColor).Render(strings.Repeat("█", filled)) +
		lipgloss.NewStyle().Foreground(mutedColor).Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %d%%", bar, pct)
}

func field(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	b.WriteString("  " + labelStyle.Render(label) + value + "\n")
}

func renderDetail(t *TaskDetail, width int) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("\n  %s\n", lipgloss.NewStyle().Bold(true).Render(fmt.Sprintf("#%d %s", t.ID, t.Title))))
	field(&b, "Status", formatStatus(t.Status))
	field(&b, "Priority", string(t.Priority))
	field(&b, "Holder", t.AssignedTo)
	field(&b, "Created by", t.AssignedBy)
	field(&b, "Created", t.CreatedAt)
	field(&b, "Due", t.DueDate)
	field(&b, "Category", t.Category)
	field(&b, "Description", t.Description)
	field(&b, "Note", t.Note)
	field(&b, "Completed", t.CompletedAt)

	info := t.StageInfo
	barWidth := 30
	if width > 0 && width < 60 {
		barWidth = 10
	}
	b.WriteString("\n  " + labelStyle.Render("Progress") + progressBar(info.Progress, barWidth) + "\n")

	b.WriteString(sectionStyle.Render("  Timeline") + "\n")
	for i, e := range t.Timeline {
		switch {
		case e.Current && t.IsWorkflowCompleted:
			b.WriteString(doneStageStyle.Render(fmt.Sprintf("    ✓ %s", e.StageName)) + "\n")
		case e.Current:
			b.WriteString(currentStageStyle.Render(fmt.Sprintf("    ▶ %s", e.StageName)) +
				helpStyle.Render(fmt.Sprintf("  held by %s", e.User)) + "\n")
		default:
			who := fmt.Sprintf("%s → %s", e.User, e.ToUser)
			switch {
			case e.Self:
				who = e.User + " (self)"
			case e.ToUser == "":
				who = e.User
			}
			b.WriteString(doneStageStyle.Render(fmt.Sprintf("    %d. %s", i+1, e.StageName)) +
				helpStyle.Render(fmt.Sprintf("  %s, %s", who, e.Date)) + "\n")
			if e.Note != "" {
				b.WriteString(helpStyle.Render("         "+e.Note) + "\n")
			}
		}
	}

	if len(t.Files) > 0 {
		b.WriteString(sectionStyle.Render(fmt.Sprintf("  Files (%d)", len(t.Files))) + "\n")
		for _, f := range t.Files {
			b.WriteString(fmt.Sprintf("    • %s  %s\n", f.OriginalFilename,
				helpStyle.Render(fmt.Sprintf("%.2f MB, %s, %s", f.FileSizeMB, f.StageName, f.UploadedBy))))
		}
	}

	return b.String()
}

func (a *App) renderTaskDetail() string {
	if a.currentTask == nil {
		return "\n  Loading...\n"
	}
	return renderDetail(a.currentTask, a.width)
}

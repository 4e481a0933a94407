package main

import (
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/fatih/color"

	"github.com/fentz26/labflow/internal/models"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

func success(format string, a ...interface{}) {
	green.Printf("✓ "+format+"\n", a...)
}

func warn(format string, a ...interface{}) {
	yellow.Fprintf(os.Stderr, "! "+format+"\n", a...)
}

func statusText(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusCompleted:
		return green.Sprint(s)
	case models.TaskStatusInProgress:
		return cyan.Sprint(s)
	case models.TaskStatusCancelled:
		return faint.Sprint(s)
	default:
		return yellow.Sprint(s)
	}
}

func priorityText(p models.Priority) string {
	if p == models.PriorityHigh {
		return red.Sprint(p)
	}
	return string(p)
}

func progressBar(pct int) string {
	const width = 20
	filled := pct * width / 100
	bar := make([]rune, width)
	for i := range bar {
		if i < filled {
			bar[i] = '█'
		} else {
			bar[i] = '░'
		}
	}
	return fmt.Sprintf("%s %3d%%", string(bar), pct)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-3]) + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/labflow/internal/workflow"
)

// Suggestions provides autocomplete for commands, users and stage keys.
type Suggestions struct {
	items        []SuggestionItem
	filtered     []SuggestionItem
	selectedIdx  int
	visible      bool
	prefix       string // "/", "@" or "#"
	currentInput string
	users        []string
}

// SuggestionItem represents a single autocomplete suggestion
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command", "user", "stage"
}

var commandSuggestions = []SuggestionItem{
	{Text: "add", Description: "add <assignee> <title>: assign a new task", Type: "command"},
	{Text: "handover", Description: "handover <user> [note]: pass the selected task on", Type: "command"},
	{Text: "status", Description: "status <pending|in_progress|completed|cancelled>", Type: "command"},
	{Text: "repeat", Description: "repeat <stage> <user> [reason]: redo one stage", Type: "command"},
	{Text: "search", Description: "search <text>: find tasks", Type: "command"},
	{Text: "mine", Description: "Show only tasks you hold", Type: "command"},
	{Text: "all", Description: "Show every task", Type: "command"},
	{Text: "stats", Description: "Show task statistics", Type: "command"},
	{Text: "inbox", Description: "Show your notifications", Type: "command"},
	{Text: "quit", Description: "Leave labflow", Type: "command"},
}

func stageSuggestions() []SuggestionItem {
	out := make([]SuggestionItem, len(workflow.Stages))
	for i, st := range workflow.Stages {
		out[i] = SuggestionItem{Text: st.Key, Description: st.Name, Type: "stage"}
	}
	return out
}

// NewSuggestions creates a new suggestions handler
func NewSuggestions() *Suggestions {
	return &Suggestions{
		items:   commandSuggestions,
		visible: false,
	}
}

// SetUsers updates the usernames offered after "@".
func (s *Suggestions) SetUsers(users []string) {
	s.users = users
}

func lastWord(input string) string {
	if strings.HasSuffix(input, " ") {
		return ""
	}
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// Update updates suggestions based on current input
func (s *Suggestions) Update(input string) {
	s.currentInput = input
	word := lastWord(input)

	switch {
	case word == "":
		s.visible = false
		s.filtered = nil
		s.prefix = ""
	case strings.HasPrefix(input, "/") && !strings.Contains(input, " "):
		s.prefix = "/"
		s.items = commandSuggestions
		s.visible = true
		s.filter(strings.TrimPrefix(word, "/"))
	case strings.HasPrefix(word, "@"):
		s.prefix = "@"
		s.items = make([]SuggestionItem, len(s.users))
		for i, u := range s.users {
			s.items[i] = SuggestionItem{Text: u, Description: "user", Type: "user"}
		}
		s.visible = true
		s.filter(strings.TrimPrefix(word, "@"))
	case strings.HasPrefix(word, "#"):
		s.prefix = "#"
		s.items = stageSuggestions()
		s.visible = true
		s.filter(strings.TrimPrefix(word, "#"))
	default:
		s.visible = false
		s.filtered = nil
		s.prefix = ""
	}
}

// Accept returns the input with its last word replaced by the selected
// suggestion.
func (s *Suggestions) Accept() string {
	sel := s.Selected()
	if sel == nil {
		return s.currentInput
	}
	head := strings.TrimSuffix(s.currentInput, lastWord(s.currentInput))
	return head + sel.Text + " "
}

func (s *Suggestions) filter(query string) {
	query = strings.ToLower(query)
	if query == "" {
		s.filtered = s.items
		s.selectedIdx = 0
		return
	}

	s.filtered = []SuggestionItem{}
	for _, item := range s.items {
		if strings.Contains(strings.ToLower(item.Text), query) {
			s.filtered = append(s.filtered, item)
		}
	}
	s.selectedIdx = 0
}

// Next moves to the next suggestion
func (s *Suggestions) Next() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
}

// Prev moves to the previous suggestion
func (s *Suggestions) Prev() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx--
	if s.selectedIdx < 0 {
		s.selectedIdx = len(s.filtered) - 1
	}
}

// Selected returns the currently selected suggestion
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.visible || len(s.filtered) == 0 || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// IsVisible returns whether suggestions are currently visible
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

// Render renders the suggestions dropdown
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	var b strings.Builder

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(secondaryColor).
		Padding(0, 1).
		Width(width - 4)

	itemStyle := lipgloss.NewStyle().Foreground(fgColor)
	descStyle := lipgloss.NewStyle().Foreground(mutedColor).Italic(true)

	var header string
	switch s.prefix {
	case "/":
		header = "Commands"
	case "@":
		header = "Users"
	case "#":
		header = "Stages"
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(header))
	b.WriteString("\n")

	// Show max 5 suggestions
	maxVisible := 5
	for i, item := range s.filtered {
		if i >= maxVisible {
			b.WriteString(descStyle.Render(fmt.Sprintf("  ... and %d more", len(s.filtered)-maxVisible)))
			break
		}

		var line string
		if i == s.selectedIdx {
			line = selectedStyle.Render("▶ " + item.Text)
		} else {
			line = itemStyle.Render("  " + item.Text)
		}
		if item.Description != "" {
			line += " " + descStyle.Render(item.Description)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return boxStyle.Render(b.String())
}

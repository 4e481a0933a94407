// Package query filters, pages, searches and counts task records. All
// functions are pure; callers supply the loaded tasks.
package query

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/fentz26/labflow/internal/models"
)

// Filter holds optional equality filters. Empty fields match everything.
type Filter struct {
	Status     models.TaskStatus `json:"status,omitempty"`
	Priority   models.Priority   `json:"priority,omitempty"`
	AssignedTo string            `json:"assigned_to,omitempty"`
}

func (f Filter) match(t *models.Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
		return false
	}
	return true
}

// Page is one slice of a filtered listing.
type Page struct {
	Tasks      []*models.Task `json:"tasks"`
	Page       int            `json:"page"`
	PerPage    int            `json:"per_page"`
	TotalPages int            `json:"total_pages"`
	TotalCount int            `json:"total_count"`
}

// Newest returns a copy of tasks ordered by created_at descending, newest
// id first among equal timestamps.
func Newest(tasks []*models.Task) []*models.Task {
	out := append([]*models.Task(nil), tasks...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Paginate filters, sorts newest first and returns page number page.
// page and perPage must be at least 1.
func Paginate(tasks []*models.Task, page, perPage int, f Filter) Page {
	var matched []*models.Task
	for _, t := range tasks {
		if f.match(t) {
			matched = append(matched, t)
		}
	}
	matched = Newest(matched)

	total := len(matched)
	p := Page{
		Tasks:      []*models.Task{},
		Page:       page,
		PerPage:    perPage,
		TotalPages: (total + perPage - 1) / perPage,
		TotalCount: total,
	}

	start := (page - 1) * perPage
	if start >= total {
		return p
	}
	end := start + perPage
	if end > total {
		end = total
	}
	p.Tasks = matched[start:end]
	return p
}

// Search returns tasks whose title, description, category or note contain
// q, ignoring case. An empty or blank q matches every task. A non-empty
// assignedTo restricts the result to that holder.
func Search(tasks []*models.Task, q, assignedTo string) []*models.Task {
	fold := cases.Fold()
	needle := fold.String(strings.TrimSpace(q))

	out := []*models.Task{}
	for _, t := range tasks {
		if assignedTo != "" && t.AssignedTo != assignedTo {
			continue
		}
		if needle == "" || containsFolded(fold, needle, t.Title, t.Description, t.Category, t.Note) {
			out = append(out, t)
		}
	}
	return Newest(out)
}

func containsFolded(fold cases.Caser, needle string, fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(fold.String(f), needle) {
			return true
		}
	}
	return false
}

// Stats are aggregate counts over a set of tasks.
type Stats struct {
	Total        int `json:"total"`
	Pending      int `json:"pending"`
	InProgress   int `json:"in_progress"`
	Completed    int `json:"completed"`
	Cancelled    int `json:"cancelled"`
	HighPriority int `json:"high_priority"`
	Overdue      int `json:"overdue"`
}

// Statistics counts tasks by status, priority and lateness. A non-empty
// username restricts the count to tasks that user holds.
func Statistics(tasks []*models.Task, username string, today time.Time) Stats {
	var s Stats
	for _, t := range tasks {
		if username != "" && t.AssignedTo != username {
			continue
		}
		s.Total++
		switch t.Status {
		case models.TaskStatusPending:
			s.Pending++
		case models.TaskStatusInProgress:
			s.InProgress++
		case models.TaskStatusCompleted:
			s.Completed++
		case models.TaskStatusCancelled:
			s.Cancelled++
		}
		if t.Priority == models.PriorityHigh {
			s.HighPriority++
		}
		if IsOverdue(t, today) {
			s.Overdue++
		}
	}
	return s
}

// IsOverdue reports whether t is still open past its due date. Tasks
// without a parsable due date are never overdue.
func IsOverdue(t *models.Task, today time.Time) bool {
	if t.DueDate == "" || t.Status.Closed() {
		return false
	}
	due, err := time.ParseInLocation(models.DateLayout, t.DueDate, today.Location())
	if err != nil {
		return false
	}
	y, m, d := today.Date()
	return due.Before(time.Date(y, m, d, 0, 0, 0, 0, today.Location()))
}

// Overdue returns every overdue task.
func Overdue(tasks []*models.Task, today time.Time) []*models.Task {
	var out []*models.Task
	for _, t := range tasks {
		if IsOverdue(t, today) {
			out = append(out, t)
		}
	}
	return out
}

// AssignedTo returns the tasks a user currently holds, newest first.
func AssignedTo(tasks []*models.Task, user string) []*models.Task {
	return Newest(selectTasks(tasks, func(t *models.Task) bool { return t.AssignedTo == user }))
}

// AssignedBy returns the tasks a user created, newest first.
func AssignedBy(tasks []*models.Task, user string) []*models.Task {
	return Newest(selectTasks(tasks, func(t *models.Task) bool { return t.AssignedBy == user }))
}

func selectTasks(tasks []*models.Task, keep func(*models.Task) bool) []*models.Task {
	out := []*models.Task{}
	for _, t := range tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

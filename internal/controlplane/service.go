// Package controlplane provides the HTTP API and service layer for labflow.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/labflow/internal/audit"
	"github.com/fentz26/labflow/internal/blobstore"
	"github.com/fentz26/labflow/internal/models"
	"github.com/fentz26/labflow/internal/notify"
	"github.com/fentz26/labflow/internal/query"
	"github.com/fentz26/labflow/internal/store"
	"github.com/fentz26/labflow/internal/workflow"
)

// DefaultMaxUpload is the attachment size ceiling.
const DefaultMaxUpload int64 = 50 << 20

// Service provides the task workflow business logic. Every read-modify-write
// of the collection runs under one mutex.
type Service struct {
	mu        sync.Mutex
	store     store.Store
	blobs     *blobstore.Store
	pdr       *audit.PDRWriter
	notifier  notify.Publisher
	maxUpload int64
	now       func() time.Time
}

// NewService creates a new control plane service. A nil notifier disables
// notifications.
func NewService(s store.Store, blobs *blobstore.Store, pdr *audit.PDRWriter, n notify.Publisher) *Service {
	if n == nil {
		n = notify.Nop{}
	}
	return &Service{
		store:     s,
		blobs:     blobs,
		pdr:       pdr,
		notifier:  n,
		maxUpload: DefaultMaxUpload,
		now:       time.Now,
	}
}

// SetMaxUpload changes the attachment size ceiling.
func (s *Service) SetMaxUpload(n int64) {
	s.maxUpload = n
}

// MaxUpload is the attachment size ceiling in bytes.
func (s *Service) MaxUpload() int64 {
	return s.maxUpload
}

// Ping checks the task store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) timestamp() string {
	return s.now().Format(models.TimeLayout)
}

// mutate loads the collection, applies fn and saves the result. Nothing is
// saved when fn fails.
func (s *Service) mutate(ctx context.Context, fn func(c *store.Collection) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.store.Load(ctx)
	if err != nil {
		return storageError("failed to load tasks", err)
	}
	if err := fn(c); err != nil {
		return err
	}
	if err := s.store.Save(ctx, c); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return &Error{Kind: ErrConflict, Msg: ErrConcurrentUpdate.Msg, Err: err}
		}
		return storageError("failed to save tasks", err)
	}
	return nil
}

func (s *Service) load(ctx context.Context) (*store.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.store.Load(ctx)
	if err != nil {
		return nil, storageError("failed to load tasks", err)
	}
	return c, nil
}

func (s *Service) record(ctx context.Context, action, actor string, inputs interface{}, taskID int64, details string) {
	if _, err := s.pdr.Record(ctx, action, actor, inputs, "success", taskID, details); err != nil {
		log.Printf("Warning: failed to record %s for task %d: %v", action, taskID, err)
	}
}

func (s *Service) publish(ctx context.Context, e notify.Event) {
	e.At = s.timestamp()
	if err := s.notifier.Publish(ctx, e); err != nil {
		log.Printf("Warning: failed to publish %s for task %d: %v", e.Type, e.TaskID, err)
	}
}

// --- Task Operations ---

// NewTask holds the fields of a task to create.
type NewTask struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	AssignedTo  string          `json:"assigned_to"`
	AssignedBy  string          `json:"assigned_by"`
	Priority    models.Priority `json:"priority,omitempty"`
	DueDate     string          `json:"due_date,omitempty"`
	Category    string          `json:"category,omitempty"`
	Note        string          `json:"note,omitempty"`
}

func (n *NewTask) normalize() error {
	n.Title = strings.TrimSpace(n.Title)
	n.Description = strings.TrimSpace(n.Description)
	n.AssignedTo = strings.TrimSpace(n.AssignedTo)
	n.AssignedBy = strings.TrimSpace(n.AssignedBy)
	n.DueDate = strings.TrimSpace(n.DueDate)
	n.Category = strings.TrimSpace(n.Category)
	n.Note = strings.TrimSpace(n.Note)

	switch {
	case n.Title == "":
		return validationf("title is required")
	case n.Description == "":
		return validationf("description is required")
	case n.AssignedTo == "":
		return validationf("assignee is required")
	case n.AssignedBy == "":
		return validationf("creator is required")
	}
	if n.Priority == "" {
		n.Priority = models.PriorityMedium
	}
	if !n.Priority.Valid() {
		return validationf("invalid priority %q, must be: low, medium, or high", n.Priority)
	}
	return validateDate(n.DueDate)
}

func validateDate(d string) error {
	if d == "" {
		return nil
	}
	if _, err := time.Parse(models.DateLayout, d); err != nil {
		return validationf("invalid due date %q, expected YYYY-MM-DD", d)
	}
	return nil
}

// CreateTask creates a new pending task with the next unused id.
func (s *Service) CreateTask(ctx context.Context, in NewTask) (*models.Task, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	var task *models.Task
	err := s.mutate(ctx, func(c *store.Collection) error {
		now := s.timestamp()
		task = &models.Task{
			ID:              c.AllocateID(),
			Title:           in.Title,
			Description:     in.Description,
			AssignedTo:      in.AssignedTo,
			AssignedBy:      in.AssignedBy,
			Priority:        in.Priority,
			Status:          models.TaskStatusPending,
			CreatedAt:       now,
			UpdatedAt:       now,
			DueDate:         in.DueDate,
			Category:        in.Category,
			Note:            in.Note,
			HandoverHistory: []models.HandoverRecord{},
			Files:           []models.Attachment{},
		}
		c.Tasks = append(c.Tasks, task)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, "task.create", in.AssignedBy, in, task.ID, "")
	s.publish(ctx, notify.Event{Type: notify.EventCreated, TaskID: task.ID, Title: task.Title,
		From: task.AssignedBy, To: task.AssignedTo, Stage: workflow.StageNameForIndex(0)})
	return task, nil
}

// RepeatTask asks for a fresh task that redoes one stage of an existing one.
type RepeatTask struct {
	SourceID   int64           `json:"source_id"`
	StageKey   string          `json:"stage"`
	AssignedTo string          `json:"assigned_to"`
	AssignedBy string          `json:"assigned_by"`
	Reason     string          `json:"reason,omitempty"`
	Priority   models.Priority `json:"priority,omitempty"`
	DueDate    string          `json:"due_date,omitempty"`
}

// CreateRepeat creates a new task that repeats one stage of the source task.
func (s *Service) CreateRepeat(ctx context.Context, in RepeatTask) (*models.Task, error) {
	stage, ok := workflow.StageByKey(strings.TrimSpace(in.StageKey))
	if !ok {
		return nil, validationf("unknown stage %q", in.StageKey)
	}

	c, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	src := c.Find(in.SourceID)
	if src == nil {
		return nil, ErrTaskNotFound
	}

	base := src.OriginalTitle
	if base == "" {
		base = src.Title
	}
	reason := strings.TrimSpace(in.Reason)
	desc := fmt.Sprintf("Repeat stage '%s' for task #%d", stage.Name, src.ID)
	note := fmt.Sprintf("Repeated stage from task #%d", src.ID)
	if reason != "" {
		desc += "\n\nReason: " + reason
		note += ". " + reason
	}

	return s.CreateTask(ctx, NewTask{
		Title:       fmt.Sprintf("%s - Repeat: %s", base, stage.Name),
		Description: desc,
		AssignedTo:  in.AssignedTo,
		AssignedBy:  in.AssignedBy,
		Priority:    in.Priority,
		DueDate:     in.DueDate,
		Category:    src.Category,
		Note:        note,
	})
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	c, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	t := c.Find(id)
	if t == nil {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// ListTasks returns every task, newest first.
func (s *Service) ListTasks(ctx context.Context) ([]*models.Task, error) {
	c, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return query.Newest(c.Tasks), nil
}

// TaskPatch lists the fields to change. A nil field is left untouched; a
// pointer to "" clears an optional field.
type TaskPatch struct {
	Title       *string            `json:"title,omitempty"`
	Description *string            `json:"description,omitempty"`
	AssignedTo  *string            `json:"assigned_to,omitempty"`
	Priority    *models.Priority   `json:"priority,omitempty"`
	Status      *models.TaskStatus `json:"status,omitempty"`
	DueDate     *string            `json:"due_date,omitempty"`
	Category    *string            `json:"category,omitempty"`
	Note        *string            `json:"note,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.AssignedTo == nil && p.Priority == nil &&
		p.Status == nil && p.DueDate == nil && p.Category == nil && p.Note == nil
}

func required(name string, v *string) (string, error) {
	s := strings.TrimSpace(*v)
	if s == "" {
		return "", validationf("%s is required", name)
	}
	return s, nil
}

func (p TaskPatch) apply(t *models.Task) error {
	var err error
	if p.Title != nil {
		if t.Title, err = required("title", p.Title); err != nil {
			return err
		}
	}
	if p.Description != nil {
		if t.Description, err = required("description", p.Description); err != nil {
			return err
		}
	}
	if p.AssignedTo != nil {
		if t.AssignedTo, err = required("assignee", p.AssignedTo); err != nil {
			return err
		}
	}
	if p.Priority != nil {
		if !p.Priority.Valid() {
			return validationf("invalid priority %q, must be: low, medium, or high", *p.Priority)
		}
		t.Priority = *p.Priority
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return validationf("invalid status %q", *p.Status)
		}
		t.Status = *p.Status
	}
	if p.DueDate != nil {
		d := strings.TrimSpace(*p.DueDate)
		if err := validateDate(d); err != nil {
			return err
		}
		t.DueDate = d
	}
	if p.Category != nil {
		t.Category = strings.TrimSpace(*p.Category)
	}
	if p.Note != nil {
		t.Note = strings.TrimSpace(*p.Note)
	}
	return nil
}

// UpdateTask applies a patch. actor is recorded in the audit trail only.
func (s *Service) UpdateTask(ctx context.Context, id int64, actor string, patch TaskPatch) (*models.Task, error) {
	var task *models.Task
	err := s.mutate(ctx, func(c *store.Collection) error {
		task = c.Find(id)
		if task == nil {
			return ErrTaskNotFound
		}
		if err := patch.apply(task); err != nil {
			return err
		}
		task.UpdatedAt = s.timestamp()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, "task.update", actor, patch, id, "")
	return task, nil
}

// DeleteTask removes a task and its stored files.
func (s *Service) DeleteTask(ctx context.Context, id int64, actor string) error {
	err := s.mutate(ctx, func(c *store.Collection) error {
		if !c.Remove(id) {
			return ErrTaskNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.blobs != nil {
		if err := s.blobs.RemoveTask(id); err != nil {
			log.Printf("Warning: task %d deleted but its files remain: %v", id, err)
		}
	}
	s.record(ctx, "task.delete", actor, map[string]int64{"task_id": id}, id, "")
	return nil
}

// --- Workflow Operations ---

// Handover passes the task from its current holder to the next one and
// advances the workflow by one stage. A holder may hand over to themself.
func (s *Service) Handover(ctx context.Context, id int64, from, to, note string) (*models.Task, error) {
	to = strings.TrimSpace(to)
	note = strings.TrimSpace(note)
	if to == "" {
		return nil, validationf("recipient is required")
	}

	var task *models.Task
	var completed bool
	err := s.mutate(ctx, func(c *store.Collection) error {
		task = c.Find(id)
		if task == nil {
			return ErrTaskNotFound
		}
		if task.AssignedTo != from {
			return ErrNotHolder
		}
		if !workflow.CanHandover(task) {
			return ErrWorkflowDone
		}

		now := s.timestamp()
		task.HandoverHistory = append(task.HandoverHistory, models.HandoverRecord{
			FromUser:       from,
			ToUser:         to,
			HandoverNote:   note,
			HandoverDate:   now,
			IsSelfHandover: from == to,
		})
		task.AssignedTo = to
		task.UpdatedAt = now

		if task.OriginalTitle == "" {
			task.OriginalTitle = task.Title
		}
		n := len(task.HandoverHistory)
		task.Title = workflow.HandoverTitle(task.OriginalTitle, n)

		switch {
		case workflow.IsWorkflowCompleted(task):
			completed = true
			task.Status = models.TaskStatusCompleted
			task.CompletionNote = note
			if task.CompletionNote == "" {
				task.CompletionNote = "Workflow completed"
			}
			task.CompletedAt = now
		case task.Status == models.TaskStatusCompleted:
			task.Status = models.TaskStatusPending
			task.CompletionNote = note
			if task.CompletionNote == "" {
				task.CompletionNote = fmt.Sprintf("Reopened by handover from %s", from)
			}
			task.CompletedAt = ""
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stage := workflow.StageNameForIndex(len(task.HandoverHistory) - 1)
	s.record(ctx, "task.handover", from,
		map[string]interface{}{"task_id": id, "from": from, "to": to, "note": note}, id,
		fmt.Sprintf("closed %s, handed to %s", stage, to))
	s.publish(ctx, notify.Event{Type: notify.EventHandover, TaskID: id, Title: task.Title,
		From: from, To: to, Stage: workflow.StageNameForIndex(len(task.HandoverHistory)), Note: note})
	if completed {
		s.publish(ctx, notify.Event{Type: notify.EventCompleted, TaskID: id, Title: task.Title,
			From: from, To: task.AssignedBy, Note: task.CompletionNote})
	}
	return task, nil
}

// UpdateStatus lets the current holder change the task status without
// handing it over.
func (s *Service) UpdateStatus(ctx context.Context, id int64, actor string, status models.TaskStatus) (*models.Task, error) {
	if !status.Valid() {
		return nil, validationf("invalid status %q", status)
	}

	var task *models.Task
	err := s.mutate(ctx, func(c *store.Collection) error {
		task = c.Find(id)
		if task == nil {
			return ErrTaskNotFound
		}
		if task.AssignedTo != actor {
			return ErrNotHolderStatus
		}
		task.Status = status
		task.UpdatedAt = s.timestamp()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, "task.status", actor, map[string]interface{}{"task_id": id, "status": status}, id, "")
	s.publish(ctx, notify.Event{Type: notify.EventStatus, TaskID: id, Title: task.Title,
		From: actor, To: task.AssignedBy, Note: string(status)})
	return task, nil
}

// --- Query Operations ---

// Paginate returns one filtered page, newest first. page and perPage must
// be at least 1.
func (s *Service) Paginate(ctx context.Context, page, perPage int, f query.Filter) (query.Page, error) {
	c, err := s.load(ctx)
	if err != nil {
		return query.Page{}, err
	}
	return query.Paginate(c.Tasks, page, perPage, f), nil
}

// Search matches q against title, description, category and note.
func (s *Service) Search(ctx context.Context, q, assignedTo string) ([]*models.Task, error) {
	c, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return query.Search(c.Tasks, q, assignedTo), nil
}

// Statistics counts tasks, optionally only those username holds.
func (s *Service) Statistics(ctx context.Context, username string) (query.Stats, error) {
	c, err := s.load(ctx)
	if err != nil {
		return query.Stats{}, err
	}
	return query.Statistics(c.Tasks, username, s.now()), nil
}

// TasksAssignedTo returns the tasks a user currently holds.
func (s *Service) TasksAssignedTo(ctx context.Context, user string) ([]*models.Task, error) {
	c, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return query.AssignedTo(c.Tasks, user), nil
}

// TasksAssignedBy returns the tasks a user created.
func (s *Service) TasksAssignedBy(ctx context.Context, user string) ([]*models.Task, error) {
	c, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return query.AssignedBy(c.Tasks, user), nil
}

// History returns the audit trail of a task.
func (s *Service) History(ctx context.Context, id int64) ([]models.PDREntry, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		return nil, err
	}
	entries, err := s.pdr.History(ctx, id)
	if err != nil {
		return nil, storageError("failed to read audit trail", err)
	}
	return entries, nil
}

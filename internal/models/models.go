// Package models defines the core domain types for labflow.
package models

// TimeLayout is the layout of every persisted timestamp.
const TimeLayout = "2006-01-02 15:04:05"

// DateLayout is the layout of due dates.
const DateLayout = "2006-01-02"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusCancelled:
		return true
	}
	return false
}

// Closed reports whether the task no longer counts towards open work.
func (s TaskStatus) Closed() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// Priority of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task is a unit of lab work travelling through the workflow stages.
type Task struct {
	ID              int64            `json:"id"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	AssignedTo      string           `json:"assigned_to"`
	AssignedBy      string           `json:"assigned_by"`
	Priority        Priority         `json:"priority"`
	Status          TaskStatus       `json:"status"`
	CreatedAt       string           `json:"created_at"`
	UpdatedAt       string           `json:"updated_at"`
	DueDate         string           `json:"due_date,omitempty"`
	Category        string           `json:"category,omitempty"`
	Note            string           `json:"note,omitempty"`
	OriginalTitle   string           `json:"original_title,omitempty"`
	CompletionNote  string           `json:"completion_note,omitempty"`
	CompletedAt     string           `json:"completed_at,omitempty"`
	HandoverHistory []HandoverRecord `json:"handover_history"`
	Files           []Attachment     `json:"files"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	c.HandoverHistory = make([]HandoverRecord, len(t.HandoverHistory))
	copy(c.HandoverHistory, t.HandoverHistory)
	c.Files = make([]Attachment, len(t.Files))
	copy(c.Files, t.Files)
	return &c
}

// FindFile returns the index of the attachment with the given id, or -1.
func (t *Task) FindFile(fileID string) int {
	for i := range t.Files {
		if t.Files[i].ID == fileID {
			return i
		}
	}
	return -1
}

// HandoverRecord is one transfer of a task between holders. Records are
// never modified once appended.
type HandoverRecord struct {
	FromUser       string `json:"from_user"`
	ToUser         string `json:"to_user"`
	HandoverNote   string `json:"handover_note"`
	HandoverDate   string `json:"handover_date"`
	IsSelfHandover bool   `json:"is_self_handover"`
}

// Attachment is the metadata of a file uploaded against a task.
type Attachment struct {
	ID               string  `json:"id"`
	OriginalFilename string  `json:"original_filename"`
	StoredFilename   string  `json:"stored_filename"`
	FileSize         int64   `json:"file_size"`
	FileSizeMB       float64 `json:"file_size_mb"`
	FileCategory     string  `json:"file_category"`
	StageName        string  `json:"stage_name"`
	UploadedBy       string  `json:"uploaded_by"`
	UploadedAt       string  `json:"uploaded_at"`
	Description      string  `json:"description,omitempty"`
	SHA256           string  `json:"sha256,omitempty"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string `json:"id"`
	Action     string `json:"action"`
	Actor      string `json:"actor,omitempty"`
	InputsHash string `json:"inputs_hash"`
	Outcome    string `json:"outcome"`
	TaskID     int64  `json:"task_id,omitempty"`
	Details    string `json:"details,omitempty"`
	Timestamp  string `json:"timestamp"`
}

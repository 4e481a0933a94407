// Package identity answers who exists and what they may do. The task
// engine consults it but never owns user records.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Level is a per-section permission grade.
type Level string

const (
	LevelNone Level = "none"
	LevelView Level = "view"
	LevelEdit Level = "edit"
)

// Sections of the lab application that carry permissions.
var Sections = []string{"users", "customers", "receiving", "closing", "irradiation", "task_assignment"}

// WorkflowRoles a user may hold in the sample workflow.
var WorkflowRoles = []string{"customer_info", "receiving", "closing", "irradiation", "task_assignment"}

// TaskSection is the section guarding task operations.
const TaskSection = "task_assignment"

// AdminUsername always holds every permission.
const AdminUsername = "Admin"

// Oracle resolves users and their permissions.
type Oracle interface {
	Exists(username string) bool
	IsAdmin(username string) bool
	HasPermission(username, section string, level Level) bool
	HasWorkflowRole(username, role string) bool
}

// User is one entry of the user directory.
type User struct {
	Username      string           `yaml:"username" json:"username"`
	FullName      string           `yaml:"full_name,omitempty" json:"full_name,omitempty"`
	Role          string           `yaml:"role" json:"role"`
	Active        bool             `yaml:"active" json:"active"`
	Permissions   map[string]Level `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	WorkflowRoles []string         `yaml:"workflow_roles,omitempty" json:"workflow_roles,omitempty"`
}

type directoryFile struct {
	Users []User `yaml:"users"`
}

// Directory is an Oracle backed by a YAML users file.
type Directory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewDirectory returns a directory holding the given users.
func NewDirectory(users ...User) *Directory {
	d := &Directory{users: make(map[string]User, len(users))}
	for _, u := range users {
		d.users[u.Username] = u
	}
	return d
}

// LoadDirectory reads users from a YAML file. A missing file yields a
// directory seeded with the Admin account.
func LoadDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDirectory(adminUser()), nil
		}
		return nil, fmt.Errorf("reading users file: %w", err)
	}

	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing users file: %w", err)
	}
	for _, u := range f.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("users file %s: entry without username", path)
		}
	}

	d := NewDirectory(f.Users...)
	if _, ok := d.users[AdminUsername]; !ok {
		d.users[AdminUsername] = adminUser()
	}
	return d, nil
}

// Save writes the directory to path as YAML.
func (d *Directory) Save(path string) error {
	d.mu.RLock()
	f := directoryFile{Users: make([]User, 0, len(d.users))}
	for _, u := range d.users {
		f.Users = append(f.Users, u)
	}
	d.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating users dir: %w", err)
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("marshaling users: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func adminUser() User {
	return User{
		Username:      AdminUsername,
		Role:          "admin",
		Active:        true,
		WorkflowRoles: append([]string(nil), WorkflowRoles...),
	}
}

// Put adds or replaces a user.
func (d *Directory) Put(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.Username] = u
}

// Get returns a user by name.
func (d *Directory) Get(username string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[username]
	return u, ok
}

func (d *Directory) Exists(username string) bool {
	_, ok := d.Get(username)
	return ok
}

func (d *Directory) IsAdmin(username string) bool {
	if username == AdminUsername {
		return true
	}
	u, ok := d.Get(username)
	return ok && u.Role == "admin"
}

// HasPermission reports whether the user holds at least level on section.
// Edit implies view.
func (d *Directory) HasPermission(username, section string, level Level) bool {
	if d.IsAdmin(username) {
		return true
	}
	u, ok := d.Get(username)
	if !ok || !u.Active {
		return false
	}
	have := u.Permissions[section]
	switch level {
	case LevelEdit:
		return have == LevelEdit
	case LevelView:
		return have == LevelView || have == LevelEdit
	default:
		return have == level
	}
}

func (d *Directory) HasWorkflowRole(username, role string) bool {
	if d.IsAdmin(username) {
		return true
	}
	u, ok := d.Get(username)
	if !ok || !u.Active {
		return false
	}
	for _, r := range u.WorkflowRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Permissions returns the effective level of every section for a user.
func (d *Directory) Permissions(username string) map[string]Level {
	out := make(map[string]Level, len(Sections))
	admin := d.IsAdmin(username)
	u, ok := d.Get(username)
	for _, s := range Sections {
		switch {
		case admin:
			out[s] = LevelEdit
		case !ok || !u.Active:
			out[s] = LevelNone
		default:
			lvl := u.Permissions[s]
			if lvl == "" {
				lvl = LevelNone
			}
			out[s] = lvl
		}
	}
	return out
}

// Usernames lists every known user.
func (d *Directory) Usernames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.users))
	for name := range d.users {
		out = append(out, name)
	}
	return out
}

// AllowAll is an Oracle that knows every user and grants everything. Used
// when no users file is configured.
type AllowAll struct{}

func (AllowAll) Exists(string) bool                       { return true }
func (AllowAll) IsAdmin(string) bool                      { return false }
func (AllowAll) HasPermission(string, string, Level) bool { return true }
func (AllowAll) HasWorkflowRole(string, string) bool      { return true }

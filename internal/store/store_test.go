package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fentz26/labflow/internal/models"
)

func TestNewSQLite(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	s, err := NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	// Verify file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

// backends returns one fresh instance of every Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	sq, err := NewSQLite(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create sqlite store: %v", err)
	}
	js, err := NewJSONFile(filepath.Join(dir, "json"))
	if err != nil {
		t.Fatalf("Failed to create json store: %v", err)
	}
	t.Cleanup(func() { sq.Close() })

	return map[string]Store{
		"sqlite": sq,
		"json":   js,
		"memory": NewMemory(),
	}
}

func sampleTask(id int64) *models.Task {
	return &models.Task{
		ID:          id,
		Title:       "Sample batch",
		Description: "Receive and log",
		AssignedTo:  "alice",
		AssignedBy:  "bob",
		Priority:    models.PriorityHigh,
		Status:      models.TaskStatusPending,
		CreatedAt:   "2024-03-01 09:00:00",
		UpdatedAt:   "2024-03-01 09:00:00",
		DueDate:     "2024-03-10",
		HandoverHistory: []models.HandoverRecord{
			{FromUser: "alice", ToUser: "carol", HandoverNote: "done", HandoverDate: "2024-03-02 10:00:00"},
		},
		Files: []models.Attachment{
			{ID: "f1", OriginalFilename: "a.pdf", StoredFilename: "x.pdf", FileSize: 10, FileCategory: "documents"},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Load(ctx)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if len(c.Tasks) != 0 {
				t.Fatalf("Expected empty collection, got %d tasks", len(c.Tasks))
			}

			c.Tasks = append(c.Tasks, sampleTask(c.AllocateID()))
			if err := s.Save(ctx, c); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			got, err := s.Load(ctx)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if len(got.Tasks) != 1 {
				t.Fatalf("Expected 1 task, got %d", len(got.Tasks))
			}
			task := got.Tasks[0]
			if task.ID != 1 {
				t.Errorf("Expected id 1, got %d", task.ID)
			}
			if task.DueDate != "2024-03-10" {
				t.Errorf("Expected due date to survive, got %q", task.DueDate)
			}
			if len(task.HandoverHistory) != 1 || task.HandoverHistory[0].ToUser != "carol" {
				t.Errorf("Unexpected history: %+v", task.HandoverHistory)
			}
			if len(task.Files) != 1 || task.Files[0].FileCategory != "documents" {
				t.Errorf("Unexpected files: %+v", task.Files)
			}
			if got.NextID != 2 {
				t.Errorf("Expected next id 2, got %d", got.NextID)
			}
		})
	}
}

func TestEmptyListsStayEmpty(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, _ := s.Load(ctx)
			task := sampleTask(c.AllocateID())
			task.HandoverHistory = nil
			task.Files = nil
			c.Tasks = append(c.Tasks, task)
			if err := s.Save(ctx, c); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			got, _ := s.Load(ctx)
			if got.Tasks[0].HandoverHistory == nil || got.Tasks[0].Files == nil {
				t.Error("Expected empty, non-nil slices after load")
			}
		})
	}
}

func TestStaleSaveConflicts(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			first, _ := s.Load(ctx)
			second, _ := s.Load(ctx)

			first.Tasks = append(first.Tasks, sampleTask(first.AllocateID()))
			if err := s.Save(ctx, first); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			second.Tasks = append(second.Tasks, sampleTask(second.AllocateID()))
			err := s.Save(ctx, second)
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("Expected ErrConflict, got %v", err)
			}

			// The saved collection carries the new version and can be saved again.
			first.Tasks[0].Title = "Renamed"
			if err := s.Save(ctx, first); err != nil {
				t.Fatalf("Second save of fresh collection failed: %v", err)
			}
		})
	}
}

func TestIDsNotReusedAfterDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, _ := s.Load(ctx)
			for i := 0; i < 3; i++ {
				c.Tasks = append(c.Tasks, sampleTask(c.AllocateID()))
			}
			if err := s.Save(ctx, c); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			c, _ = s.Load(ctx)
			if !c.Remove(3) {
				t.Fatal("Expected task 3 to be removed")
			}
			if err := s.Save(ctx, c); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			c, _ = s.Load(ctx)
			if id := c.AllocateID(); id != 4 {
				t.Errorf("Expected id 4 after deleting 3, got %d", id)
			}
		})
	}
}

func TestAllocateIDLegacyCollection(t *testing.T) {
	// Collections written without a mark fall back to max id + 1.
	c := &Collection{Tasks: []*models.Task{{ID: 7}, {ID: 2}}}
	if id := c.AllocateID(); id != 8 {
		t.Errorf("Expected 8, got %d", id)
	}
	if id := c.AllocateID(); id != 9 {
		t.Errorf("Expected 9, got %d", id)
	}
}

func TestMemoryLoadIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	c, _ := s.Load(ctx)
	c.Tasks = append(c.Tasks, sampleTask(c.AllocateID()))
	if err := s.Save(ctx, c); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, _ := s.Load(ctx)
	loaded.Tasks[0].Title = "mutated"
	loaded.Tasks[0].HandoverHistory[0].ToUser = "mallory"

	again, _ := s.Load(ctx)
	if again.Tasks[0].Title != "Sample batch" {
		t.Errorf("Unsaved mutation leaked: %s", again.Tasks[0].Title)
	}
	if again.Tasks[0].HandoverHistory[0].ToUser != "carol" {
		t.Errorf("Unsaved history mutation leaked: %s", again.Tasks[0].HandoverHistory[0].ToUser)
	}
}

func TestJSONFileCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewJSONFile(dir)
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(context.Background()); err == nil {
		t.Error("Expected decode error for corrupt file")
	}
}

func TestPDR(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	entries := []models.PDREntry{
		{ID: "a", Action: "task.create", Actor: "bob", InputsHash: "h1", Outcome: "success", TaskID: 1, Timestamp: "2024-01-01 10:00:00"},
		{ID: "b", Action: "task.handover", Actor: "alice", InputsHash: "h2", Outcome: "success", TaskID: 1, Timestamp: "2024-01-01 11:00:00"},
		{ID: "c", Action: "task.create", InputsHash: "h3", Outcome: "success", TaskID: 2, Timestamp: "2024-01-01 12:00:00"},
	}
	for _, e := range entries {
		if err := s.WritePDR(ctx, e); err != nil {
			t.Fatalf("WritePDR failed: %v", err)
		}
	}

	got, err := s.ListPDR(ctx, 1)
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(got))
	}
	if got[1].Action != "task.handover" || got[1].Actor != "alice" {
		t.Errorf("Unexpected entry: %+v", got[1])
	}

	all, _ := s.ListPDR(ctx, 0)
	if len(all) != 3 {
		t.Errorf("Expected 3 entries, got %d", len(all))
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, kind := range []string{"", BackendJSON, BackendSQLite, BackendMemory} {
		s, err := Open(kind, dir)
		if err != nil {
			t.Fatalf("Open(%q) failed: %v", kind, err)
		}
		s.Close()
	}
	if _, err := Open("mongo", dir); err == nil {
		t.Error("Expected error for unknown backend")
	}
}

func TestLoadSeesSavedVersionWithRows(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				c, err := s.Load(ctx)
				if err != nil {
					t.Fatalf("Load failed: %v", err)
				}
				c.Tasks = append(c.Tasks, sampleTask(c.AllocateID()))
				if err := s.Save(ctx, c); err != nil {
					t.Fatalf("Save %d failed: %v", i, err)
				}
			}

			got, err := s.Load(ctx)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if got.Version != 3 || len(got.Tasks) != 3 || got.NextID != 4 {
				t.Errorf("Expected version 3 with 3 tasks and next id 4, got version %d, %d tasks, next id %d",
					got.Version, len(got.Tasks), got.NextID)
			}
		})
	}
}

// Package scheduler runs the periodic background work of the labflow
// daemon: overdue reminders and removal of orphaned uploads.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fentz26/labflow/internal/audit"
	"github.com/fentz26/labflow/internal/blobstore"
	"github.com/fentz26/labflow/internal/models"
	"github.com/fentz26/labflow/internal/notify"
	"github.com/fentz26/labflow/internal/query"
)

// Source is the task data a sweep reads.
type Source interface {
	ListTasks(ctx context.Context) ([]*models.Task, error)
	// ReferencedFiles maps each task id to the stored names its metadata
	// points at.
	ReferencedFiles(ctx context.Context) (map[int64]map[string]bool, error)
}

// Scheduler runs sweeps on a ticker.
type Scheduler struct {
	source   Source
	blobs    *blobstore.Store
	notifier notify.Publisher
	pdr      *audit.PDRWriter
	config   *Config
	now      func() time.Time

	mu        sync.Mutex
	reminded  map[int64]string // task id -> day of the last reminder
	running   bool
	sweeps    int
	reminders int
	removed   int
	lastSweep time.Time
	lastError string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler. blobs and n may be nil to skip the orphan
// sweep or the reminders.
func New(src Source, blobs *blobstore.Store, n notify.Publisher, pdr *audit.PDRWriter, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if n == nil {
		n = notify.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		source:   src,
		blobs:    blobs,
		notifier: n,
		pdr:      pdr,
		config:   cfg,
		now:      time.Now,
		reminded: make(map[int64]string),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the scheduler loop.
func (sch *Scheduler) Start() {
	sch.mu.Lock()
	sch.running = true
	sch.mu.Unlock()

	sch.wg.Add(1)
	go sch.loop()
	log.Printf("Scheduler started (interval %s)", sch.config.Interval)
}

// Stop gracefully stops the scheduler.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()

	sch.mu.Lock()
	sch.running = false
	sch.mu.Unlock()
	log.Println("Scheduler stopped")
}

func (sch *Scheduler) loop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			if err := sch.Sweep(sch.ctx); err != nil {
				log.Printf("Warning: sweep failed: %v", err)
			}
		}
	}
}

// Sweep runs one round of reminders and orphan removal.
func (sch *Scheduler) Sweep(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if sch.config.OverdueReminders {
		keep(sch.remindOverdue(ctx))
	}
	if sch.blobs != nil {
		keep(sch.removeOrphans(ctx))
	}

	sch.mu.Lock()
	sch.sweeps++
	sch.lastSweep = sch.now()
	sch.lastError = ""
	if firstErr != nil {
		sch.lastError = firstErr.Error()
	}
	sch.mu.Unlock()

	return firstErr
}

// remindOverdue notifies each overdue task's holder at most once a day.
func (sch *Scheduler) remindOverdue(ctx context.Context) error {
	tasks, err := sch.source.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}

	now := sch.now()
	today := now.Format(models.DateLayout)
	overdue := query.Overdue(tasks, now)

	sch.mu.Lock()
	still := make(map[int64]string, len(overdue))
	var due []*models.Task
	for _, t := range overdue {
		if sch.reminded[t.ID] == today {
			still[t.ID] = today
			continue
		}
		due = append(due, t)
	}
	sch.mu.Unlock()

	sent := 0
	for _, t := range due {
		err := sch.notifier.Publish(ctx, notify.Event{
			Type:   notify.EventOverdue,
			TaskID: t.ID,
			Title:  t.Title,
			To:     t.AssignedTo,
			Note:   "due " + t.DueDate,
			At:     now.Format(models.TimeLayout),
		})
		if err != nil {
			log.Printf("Warning: failed to remind %s of task %d: %v", t.AssignedTo, t.ID, err)
			continue
		}
		still[t.ID] = today
		sent++
	}

	sch.mu.Lock()
	sch.reminders += sent
	sch.reminded = still
	sch.mu.Unlock()
	return nil
}

// removeOrphans deletes uploads no task references once they are older
// than the grace period, and directories of tasks that no longer exist.
func (sch *Scheduler) removeOrphans(ctx context.Context) error {
	// List blobs before reading metadata so that a file committed in
	// between is seen as referenced.
	entries, err := sch.blobs.List()
	if err != nil {
		return err
	}
	refs, err := sch.source.ReferencedFiles(ctx)
	if err != nil {
		return fmt.Errorf("reading file references: %w", err)
	}

	cutoff := sch.now().Add(-sch.config.OrphanGrace)
	removed := 0
	for _, e := range entries {
		names, known := refs[e.TaskID]
		if e.Name == "" {
			if !known {
				if err := sch.blobs.RemoveTask(e.TaskID); err != nil {
					log.Printf("Warning: failed to remove upload dir of task %d: %v", e.TaskID, err)
				}
			}
			continue
		}
		if names[e.Name] || e.ModTime.After(cutoff) {
			continue
		}
		if err := sch.blobs.Remove(e.TaskID, e.Name); err != nil {
			log.Printf("Warning: failed to remove orphaned file %s of task %d: %v", e.Name, e.TaskID, err)
			continue
		}
		removed++
		log.Printf("Removed orphaned file %s of task %d", e.Name, e.TaskID)
	}

	if removed > 0 {
		if _, err := sch.pdr.Record(ctx, "file.sweep", "scheduler",
			map[string]interface{}{"removed": removed, "cutoff": cutoff.Format(models.TimeLayout)},
			"success", 0, fmt.Sprintf("Removed %d orphaned file(s)", removed)); err != nil {
			log.Printf("Warning: failed to record sweep: %v", err)
		}
	}

	sch.mu.Lock()
	sch.removed += removed
	sch.mu.Unlock()
	return nil
}

// Stats returns current scheduler statistics.
func (sch *Scheduler) Stats() map[string]interface{} {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	stats := map[string]interface{}{
		"running":         sch.running,
		"interval":        sch.config.Interval.String(),
		"orphan_grace":    sch.config.OrphanGrace.String(),
		"sweeps":          sch.sweeps,
		"reminders_sent":  sch.reminders,
		"orphans_removed": sch.removed,
	}
	if !sch.lastSweep.IsZero() {
		stats["last_sweep"] = sch.lastSweep.Format(models.TimeLayout)
	}
	if sch.lastError != "" {
		stats["last_error"] = sch.lastError
	}
	return stats
}

package scheduler

import (
	"errors"
	"time"
)

// Config defines the scheduler configuration.
type Config struct {
	// Interval between two sweeps.
	Interval time.Duration `yaml:"interval"`
	// OrphanGrace is how old an unreferenced upload must be before it is
	// removed. Uploads in flight are younger than this.
	OrphanGrace time.Duration `yaml:"orphan_grace"`
	// OverdueReminders enables the daily task.overdue event.
	OverdueReminders bool `yaml:"overdue_reminders"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:         5 * time.Minute,
		OrphanGrace:      time.Hour,
		OverdueReminders: true,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("scheduler interval must be positive")
	}
	if c.OrphanGrace < 0 {
		return errors.New("scheduler orphan_grace cannot be negative")
	}
	return nil
}

package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one execution of a job, scheduled or on demand.
type RunRecord struct {
	ID       string    `json:"id"`
	Job      string    `json:"job"`
	Trigger  string    `json:"trigger"` // "cron" | "manual"
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Planned  int       `json:"planned"`
	Applied  int       `json:"applied"`
	Failed   int       `json:"failed"`
	Skipped  int       `json:"skipped"`
	Error    string    `json:"error,omitempty"`
}

func (r RunRecord) Took() time.Duration { return r.Finished.Sub(r.Started) }

package app

import (
	"time"

	"filemon/internal/filemon"
)

// Operation tracks one CLI invocation. Its ID tags every log line the
// invocation writes, so lines from the daemon and from concurrent CLI
// commands can be told apart in the shared log file.
type Operation struct {
	ID      string
	Name    string
	Started time.Time
	Status  string // "success" or "error"
}

// NewOperation creates an operation named after the CLI command, e.g.
// "Subscribe" or "Serve".
func NewOperation(name string, clock filemon.Clock) *Operation {
	started := clock.Now().UTC()
	return &Operation{
		ID:      started.Format("20060102T150405Z"),
		Name:    name,
		Started: started,
		Status:  "success",
	}
}

// Record marks the operation failed if err is non-nil and returns err.
func (op *Operation) Record(err error) error {
	if err != nil {
		op.Status = "error"
	}
	return err
}

// Elapsed returns the time since the operation started.
func (op *Operation) Elapsed(now time.Time) time.Duration {
	return now.Sub(op.Started)
}

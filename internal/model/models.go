package model

import "time"

// Subscription is a request to be mailed about lines appended to a file.
type Subscription struct {
	ID        int64     // Row ID
	JobID     string    // UUID handed back to the subscriber
	FilePath  string    // Absolute, cleaned path of the watched file
	Email     string    // Recipient address
	Active    bool      // Inactive subscriptions never receive notifications
	CreatedAt time.Time
}

// ChangeRecord is a point-in-time capture of text appended to a watched file.
// The first record for a path is the anchor and holds the full file content;
// every later record holds only the delta since the previous one.
type ChangeRecord struct {
	ID         int64
	FilePath   string
	Content    string
	ChangeTime time.Time
	NotifiedAt *time.Time // nil while the record is pending
}

// Pending reports whether the record still waits for a notification run.
func (c *ChangeRecord) Pending() bool {
	return c.NotifiedAt == nil
}

// NotificationRun is the history entry of one batcher pass.
type NotificationRun struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string // "running", "success" or "error"
	Records    int    // Records marked notified
	Messages   int    // Messages handed to the dispatcher
	Failures   int    // Messages the dispatcher rejected
}

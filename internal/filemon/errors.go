package filemon

import (
	"errors"
	"fmt"
)

var (
	// ErrSubscriptionNotFound is returned when no subscription has the given job ID.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrInvalidSubscription is returned when a subscription request is malformed.
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrBatchInProgress is returned when a notification run is already executing,
	// either in this process or in another one sharing the database.
	ErrBatchInProgress = errors.New("notification run already in progress")

	// ErrSnapshotChanged is returned by AppendChange when another writer,
	// possibly another process, recorded a change for the path first.
	ErrSnapshotChanged = errors.New("most recent change record has moved")
)

// WatchRegistrationError reports that a native watch could not be created for a path.
// Registration does not proceed when it is returned.
type WatchRegistrationError struct {
	Path string
	Err  error
}

func (e *WatchRegistrationError) Error() string {
	return fmt.Sprintf("registering watch for %s: %v", e.Path, e.Err)
}

func (e *WatchRegistrationError) Unwrap() error { return e.Err }

// FileReadError reports that a watched file could not be read.
type FileReadError struct {
	Path string
	Err  error
}

func (e *FileReadError) Error() string {
	return fmt.Sprintf("reading %s: %v", e.Path, e.Err)
}

func (e *FileReadError) Unwrap() error { return e.Err }

// DispatchError reports that a notification could not be handed to the dispatcher.
type DispatchError struct {
	Recipient string
	Path      string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("sending notification for %s to %s: %v", e.Path, e.Recipient, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

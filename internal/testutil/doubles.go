package testutil

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"filemon/internal/archive"
	"filemon/internal/database"
	"filemon/internal/encryption"
	"filemon/internal/filemon"
	"filemon/internal/model"
)

// NewTestStore creates a new in-memory SQLite store with migrations applied.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *database.SQLiteStore {
	t.Helper()

	store, err := database.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() filemon.Encryptor {
	return encryption.NewTestEncryptor()
}

// NewTestArchive creates a new in-memory archive for testing.
func NewTestArchive() *archive.MemoryArchive {
	return archive.NewMemoryArchive()
}

// SentMessage is one message accepted by a RecordingDispatcher.
type SentMessage struct {
	Recipient string
	Subject   string
	Body      string
}

// RecordingDispatcher records every message it is asked to send. Messages
// to recipients registered with FailFor are rejected instead.
type RecordingDispatcher struct {
	mu      sync.Mutex
	sent    []SentMessage
	failFor map[string]bool
	closed  bool
}

func NewRecordingDispatcher() *RecordingDispatcher {
	return &RecordingDispatcher{failFor: make(map[string]bool)}
}

// FailFor makes Send return an error for recipient.
func (d *RecordingDispatcher) FailFor(recipient string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failFor[recipient] = true
}

func (d *RecordingDispatcher) Send(_ context.Context, recipient, subject, body string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failFor[recipient] {
		return fmt.Errorf("mailbox unavailable: %s", recipient)
	}
	d.sent = append(d.sent, SentMessage{Recipient: recipient, Subject: subject, Body: body})
	return nil
}

func (d *RecordingDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Sent returns a copy of the accepted messages in send order.
func (d *RecordingDispatcher) Sent() []SentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SentMessage(nil), d.sent...)
}

var _ filemon.Dispatcher = (*RecordingDispatcher)(nil)

// MockFileReader is an in-memory FileReader.
type MockFileReader struct {
	mu      sync.Mutex
	files   map[string]string
	readErr map[string]error
}

func NewMockFileReader() *MockFileReader {
	return &MockFileReader{
		files:   make(map[string]string),
		readErr: make(map[string]error),
	}
}

// SetFile creates or replaces the file at path.
func (m *MockFileReader) SetFile(path, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = content
	delete(m.readErr, path)
}

// Append adds text to the end of the file at path.
func (m *MockFileReader) Append(path, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] += text
}

// FailReads makes ReadContent return err for path.
func (m *MockFileReader) FailReads(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr[path] = err
}

func (m *MockFileReader) Resolve(rawPath string) (string, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[absPath]; !ok {
		return "", fmt.Errorf("file not found: %s", absPath)
	}
	return absPath, nil
}

func (m *MockFileReader) ReadContent(path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readErr[path]; err != nil {
		return "", err
	}
	content, ok := m.files[path]
	if !ok {
		return "", fmt.Errorf("file not found: %s", path)
	}
	return content, nil
}

var _ filemon.FileReader = (*MockFileReader)(nil)

// ErrRegistrationRefused is returned by FakeWatcher for paths set with Refuse.
var ErrRegistrationRefused = errors.New("registration refused")

// FakeWatcher is a PathWatcher that only tracks which paths are watched.
type FakeWatcher struct {
	mu      sync.Mutex
	paths   map[string]bool
	refused map[string]bool
}

func NewFakeWatcher() *FakeWatcher {
	return &FakeWatcher{paths: make(map[string]bool), refused: make(map[string]bool)}
}

// Refuse makes Register fail for path.
func (w *FakeWatcher) Refuse(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refused[path] = true
}

func (w *FakeWatcher) Register(_ context.Context, sub *model.Subscription) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.refused[sub.FilePath] {
		return &filemon.WatchRegistrationError{Path: sub.FilePath, Err: ErrRegistrationRefused}
	}
	w.paths[sub.FilePath] = true
	return nil
}

func (w *FakeWatcher) Unregister(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.paths, path)
}

func (w *FakeWatcher) Watching(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paths[path]
}

func (w *FakeWatcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.paths))
	for p := range w.paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

var _ filemon.PathWatcher = (*FakeWatcher)(nil)

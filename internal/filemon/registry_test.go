package filemon_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"filemon/internal/database"
	"filemon/internal/filemon"
	"filemon/internal/fs"
	"filemon/internal/model"
	"filemon/internal/testutil"
)

const waitTimeout = 5 * time.Second

func newTestRegistry(t *testing.T, reader filemon.FileReader, debounce time.Duration) (*filemon.Registry, filemon.Store) {
	t.Helper()
	store := testutil.NewTestStore(t)
	reg := filemon.NewRegistry(store, reader, filemon.NewNopLogger(), testutil.TickingClock(time.Second), debounce)
	t.Cleanup(func() { reg.Close() })
	return reg, store
}

func pendingFor(t *testing.T, store filemon.Store, path string) []*model.ChangeRecord {
	t.Helper()
	all, err := store.FindUnnotified(context.Background())
	if err != nil {
		t.Fatalf("FindUnnotified() error = %v", err)
	}
	var recs []*model.ChangeRecord
	for _, rec := range all {
		if rec.FilePath == path {
			recs = append(recs, rec)
		}
	}
	return recs
}

func TestRegistry_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("stores a notified baseline for a new path", func(t *testing.T) {
		path := testutil.WriteFile(t, "app.log", "line1\n")
		reg, store := newTestRegistry(t, fs.NewOSFileReader(nil), 0)

		if err := reg.Register(ctx, &model.Subscription{FilePath: path}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if !reg.Watching(path) {
			t.Error("Watching() = false after Register")
		}

		last, err := store.MostRecentChange(ctx, path)
		if err != nil {
			t.Fatalf("MostRecentChange() error = %v", err)
		}
		if last == nil {
			t.Fatal("no baseline record stored")
		}
		if last.Content != "line1\n" {
			t.Errorf("baseline Content = %q, want %q", last.Content, "line1\n")
		}
		if last.Pending() {
			t.Error("baseline record is pending, want notified")
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		path := testutil.WriteFile(t, "app.log", "line1\n")
		reg, store := newTestRegistry(t, fs.NewOSFileReader(nil), 0)

		for i := 0; i < 2; i++ {
			if err := reg.Register(ctx, &model.Subscription{FilePath: path}); err != nil {
				t.Fatalf("Register() #%d error = %v", i+1, err)
			}
		}
		if reg.Len() != 1 {
			t.Errorf("Len() = %d, want 1", reg.Len())
		}
		recs, _ := store.FindChanges(ctx, path, 0)
		if len(recs) != 1 {
			t.Errorf("got %d records, want 1 baseline", len(recs))
		}
	})

	t.Run("concurrent registrations start one watch", func(t *testing.T) {
		path := testutil.WriteFile(t, "app.log", "line1\n")
		reg, store := newTestRegistry(t, fs.NewOSFileReader(nil), 0)

		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- reg.Register(ctx, &model.Subscription{FilePath: path})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Errorf("Register() error = %v", err)
			}
		}

		if reg.Len() != 1 {
			t.Errorf("Len() = %d, want 1", reg.Len())
		}
		recs, _ := store.FindChanges(ctx, path, 0)
		if len(recs) != 1 {
			t.Errorf("got %d records, want 1 baseline", len(recs))
		}
	})

	t.Run("fails when parent directory is missing", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "missing", "app.log")
		reg, _ := newTestRegistry(t, fs.NewOSFileReader(nil), 0)

		err := reg.Register(ctx, &model.Subscription{FilePath: path})
		var regErr *filemon.WatchRegistrationError
		if !errors.As(err, &regErr) {
			t.Fatalf("Register() error = %v, want *WatchRegistrationError", err)
		}
		if regErr.Path != path {
			t.Errorf("error Path = %q, want %q", regErr.Path, path)
		}
		if reg.Watching(path) || reg.Len() != 0 {
			t.Error("failed registration left a watch behind")
		}
	})

	t.Run("fails when file cannot be read", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.log")
		reg, _ := newTestRegistry(t, fs.NewOSFileReader(nil), 0)

		err := reg.Register(ctx, &model.Subscription{FilePath: path})
		var readErr *filemon.FileReadError
		if !errors.As(err, &readErr) {
			t.Fatalf("Register() error = %v, want wrapped *FileReadError", err)
		}
		if reg.Len() != 0 {
			t.Errorf("Len() = %d, want 0", reg.Len())
		}
	})

	t.Run("reports lines appended while unwatched", func(t *testing.T) {
		path := testutil.WriteFile(t, "app.log", "line1\n")
		reg, store := newTestRegistry(t, fs.NewOSFileReader(nil), 0)

		if err := reg.Register(ctx, &model.Subscription{FilePath: path}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		reg.Unregister(path)
		testutil.AppendFile(t, path, "offline\n")

		if err := reg.Register(ctx, &model.Subscription{FilePath: path}); err != nil {
			t.Fatalf("second Register() error = %v", err)
		}
		pending := pendingFor(t, store, path)
		if len(pending) != 1 {
			t.Fatalf("got %d pending records, want 1", len(pending))
		}
		if pending[0].Content != "offline" {
			t.Errorf("Content = %q, want %q", pending[0].Content, "offline")
		}
	})
}

// contendedStore records a competing change right after the n-th
// MostRecentChange lookup, the way a second process watching the same file
// would between our read and our write.
type contendedStore struct {
	*database.SQLiteStore
	mu      sync.Mutex
	lookups int
	n       int
	rival   *model.ChangeRecord
}

func (s *contendedStore) MostRecentChange(ctx context.Context, path string) (*model.ChangeRecord, error) {
	last, err := s.SQLiteStore.MostRecentChange(ctx, path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.lookups++
	fire := s.lookups == s.n
	s.mu.Unlock()
	if fire {
		if _, err := s.SQLiteStore.SaveChange(ctx, s.rival); err != nil {
			return nil, err
		}
	}
	return last, nil
}

func TestRegistry_ConcurrentWriter(t *testing.T) {
	ctx := context.Background()
	path := testutil.WriteFile(t, "app.log", "line1\nline2\n")
	earlier := testutil.FixedClock().Now().Add(-time.Hour)

	store := &contendedStore{
		SQLiteStore: testutil.NewTestStore(t),
		n:           2, // anchor lookup, then the catch-up pass
		rival: &model.ChangeRecord{
			FilePath:   path,
			Content:    "line2",
			ChangeTime: earlier.Add(time.Minute),
		},
	}
	if _, err := store.SaveChange(ctx, &model.ChangeRecord{
		FilePath:   path,
		Content:    "line1\n",
		ChangeTime: earlier,
		NotifiedAt: &earlier,
	}); err != nil {
		t.Fatalf("SaveChange() error = %v", err)
	}

	reg := filemon.NewRegistry(store, fs.NewOSFileReader(nil), filemon.NewNopLogger(), testutil.TickingClock(time.Second), 0)
	t.Cleanup(func() { reg.Close() })

	if err := reg.Register(ctx, &model.Subscription{FilePath: path}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	pending := pendingFor(t, store, path)
	if len(pending) != 1 {
		t.Fatalf("got %d pending records, want the rival's only", len(pending))
	}
	if pending[0].Content != "line2" {
		t.Errorf("Content = %q, want %q", pending[0].Content, "line2")
	}
}

func TestRegistry_RecordsAppends(t *testing.T) {
	ctx := context.Background()

	t.Run("each write becomes a pending delta", func(t *testing.T) {
		path := testutil.WriteFile(t, "app.log", "line1\n")
		reg, store := newTestRegistry(t, fs.NewOSFileReader(nil), 0)
		if err := reg.Register(ctx, &model.Subscription{FilePath: path}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		testutil.AppendFile(t, path, "line2\n")
		testutil.WaitFor(t, waitTimeout, "pending record", func() bool {
			return len(pendingFor(t, store, path)) == 1
		})

		pending := pendingFor(t, store, path)
		if pending[0].Content != "line2" {
			t.Errorf("Content = %q, want %q", pending[0].Content, "line2")
		}
	})

	t.Run("debounce coalesces a burst of writes", func(t *testing.T) {
		path := testutil.WriteFile(t, "app.log", "start\n")
		reg, store := newTestRegistry(t, fs.NewOSFileReader(nil), 200*time.Millisecond)
		if err := reg.Register(ctx, &model.Subscription{FilePath: path}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		testutil.AppendFile(t, path, "a\n")
		testutil.AppendFile(t, path, "b\n")
		testutil.WaitFor(t, waitTimeout, "pending record", func() bool {
			return len(pendingFor(t, store, path)) > 0
		})
		time.Sleep(400 * time.Millisecond)

		pending := pendingFor(t, store, path)
		if len(pending) != 1 {
			t.Fatalf("got %d pending records, want 1", len(pending))
		}
		if pending[0].Content != "a\nb" {
			t.Errorf("Content = %q, want %q", pending[0].Content, "a\nb")
		}
	})

	t.Run("ignores other files in the directory", func(t *testing.T) {
		path := testutil.WriteFile(t, "app.log", "line1\n")
		reg, store := newTestRegistry(t, fs.NewOSFileReader(nil), 0)
		if err := reg.Register(ctx, &model.Subscription{FilePath: path}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		sibling := filepath.Join(filepath.Dir(path), "other.log")
		if err := os.WriteFile(sibling, []byte("noise\n"), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(200 * time.Millisecond)

		if n := len(pendingFor(t, store, path)); n != 0 {
			t.Errorf("got %d pending records, want 0", n)
		}
		if n := len(pendingFor(t, store, sibling)); n != 0 {
			t.Errorf("got %d records for unwatched sibling, want 0", n)
		}
	})

	t.Run("keeps watching after a read error", func(t *testing.T) {
		path := testutil.WriteFile(t, "app.log", "line1\n")
		reader := testutil.NewMockFileReader()
		reader.SetFile(path, "line1\n")
		reg, store := newTestRegistry(t, reader, 0)
		if err := reg.Register(ctx, &model.Subscription{FilePath: path}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		reader.FailReads(path, errors.New("permission denied"))
		testutil.AppendFile(t, path, "x\n")
		time.Sleep(200 * time.Millisecond)
		if n := len(pendingFor(t, store, path)); n != 0 {
			t.Fatalf("got %d pending records during read failure, want 0", n)
		}

		reader.SetFile(path, "line1\nline2\n")
		testutil.AppendFile(t, path, "y\n")
		testutil.WaitFor(t, waitTimeout, "pending record after recovery", func() bool {
			return len(pendingFor(t, store, path)) == 1
		})
		if !reg.Watching(path) {
			t.Error("watch was dropped after read error")
		}
	})
}

func TestRegistry_Unregister(t *testing.T) {
	ctx := context.Background()

	t.Run("stops recording and keeps history", func(t *testing.T) {
		path := testutil.WriteFile(t, "app.log", "line1\n")
		reg, store := newTestRegistry(t, fs.NewOSFileReader(nil), 0)
		if err := reg.Register(ctx, &model.Subscription{FilePath: path}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		reg.Unregister(path)
		if reg.Watching(path) {
			t.Error("Watching() = true after Unregister")
		}

		testutil.AppendFile(t, path, "line2\n")
		time.Sleep(200 * time.Millisecond)
		if n := len(pendingFor(t, store, path)); n != 0 {
			t.Errorf("got %d pending records after Unregister, want 0", n)
		}
		recs, _ := store.FindChanges(ctx, path, 0)
		if len(recs) != 1 {
			t.Errorf("got %d records, want baseline kept", len(recs))
		}
	})

	t.Run("unknown path is a no-op", func(t *testing.T) {
		reg, _ := newTestRegistry(t, fs.NewOSFileReader(nil), 0)
		reg.Unregister("/never/watched.log")
		if reg.Len() != 0 {
			t.Errorf("Len() = %d, want 0", reg.Len())
		}
	})

	t.Run("close stops every watch", func(t *testing.T) {
		a := testutil.WriteFile(t, "a.log", "a\n")
		b := testutil.WriteFile(t, "b.log", "b\n")
		reg, _ := newTestRegistry(t, fs.NewOSFileReader(nil), 0)
		for _, p := range []string{a, b} {
			if err := reg.Register(ctx, &model.Subscription{FilePath: p}); err != nil {
				t.Fatalf("Register(%s) error = %v", p, err)
			}
		}
		if got := reg.Paths(); len(got) != 2 {
			t.Fatalf("Paths() = %v, want 2 paths", got)
		}

		if err := reg.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if reg.Len() != 0 {
			t.Errorf("Len() = %d after Close, want 0", reg.Len())
		}
	})
}

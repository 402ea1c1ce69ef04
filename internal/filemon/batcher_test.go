package filemon_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"filemon/internal/database"
	"filemon/internal/filemon"
	"filemon/internal/model"
	"filemon/internal/testutil"
)

type batcherFixture struct {
	store      *database.SQLiteStore
	dispatcher *testutil.RecordingDispatcher
	clock      *testutil.StubClock
	batcher    *filemon.Batcher
}

func newBatcherFixture(t *testing.T) *batcherFixture {
	t.Helper()
	f := &batcherFixture{
		store:      testutil.NewTestStore(t),
		dispatcher: testutil.NewRecordingDispatcher(),
		clock:      testutil.FixedClock(),
	}
	f.batcher = filemon.NewBatcher(f.store, f.dispatcher, filemon.NewNopLogger(), f.clock, "test-holder", 10*time.Minute)
	return f
}

func (f *batcherFixture) pending(t *testing.T, path, content string, at time.Time) *model.ChangeRecord {
	t.Helper()
	rec, err := f.store.SaveChange(context.Background(), &model.ChangeRecord{
		FilePath:   path,
		Content:    content,
		ChangeTime: at,
	})
	if err != nil {
		t.Fatalf("SaveChange() error = %v", err)
	}
	return rec
}

func (f *batcherFixture) subscribe(t *testing.T, jobID, path, email string) {
	t.Helper()
	_, err := f.store.CreateSubscription(context.Background(), &model.Subscription{
		JobID:     jobID,
		FilePath:  path,
		Email:     email,
		Active:    true,
		CreatedAt: f.clock.Now(),
	})
	if err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}
}

func (f *batcherFixture) unnotified(t *testing.T) int {
	t.Helper()
	recs, err := f.store.FindUnnotified(context.Background())
	if err != nil {
		t.Fatalf("FindUnnotified() error = %v", err)
	}
	return len(recs)
}

func TestBatcher_RunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("sends one message per subscriber for all pending records", func(t *testing.T) {
		f := newBatcherFixture(t)
		t0 := f.clock.Now().Add(-time.Hour)
		f.pending(t, "/var/log/app.log", "a", t0)
		f.pending(t, "/var/log/app.log", "b", t0.Add(time.Minute))
		f.subscribe(t, "job-1", "/var/log/app.log", "alice@example.com")

		result, err := f.batcher.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce() error = %v", err)
		}
		if result.Messages != 1 || result.Records != 2 || result.Failures != 0 {
			t.Errorf("result = %+v, want 1 message, 2 records, 0 failures", result)
		}

		sent := f.dispatcher.Sent()
		if len(sent) != 1 {
			t.Fatalf("sent %d messages, want 1", len(sent))
		}
		if sent[0].Recipient != "alice@example.com" {
			t.Errorf("Recipient = %q, want alice@example.com", sent[0].Recipient)
		}
		if sent[0].Subject != "Change in file: /var/log/app.log" {
			t.Errorf("Subject = %q", sent[0].Subject)
		}
		if !strings.HasSuffix(sent[0].Body, "\na\nb") {
			t.Errorf("Body = %q, want contents in change order", sent[0].Body)
		}
		if n := f.unnotified(t); n != 0 {
			t.Errorf("%d records still pending, want 0", n)
		}
	})

	t.Run("second run sends nothing", func(t *testing.T) {
		f := newBatcherFixture(t)
		f.pending(t, "/a.log", "a", f.clock.Now())
		f.subscribe(t, "job-1", "/a.log", "alice@example.com")

		if _, err := f.batcher.RunOnce(ctx); err != nil {
			t.Fatalf("first RunOnce() error = %v", err)
		}
		result, err := f.batcher.RunOnce(ctx)
		if err != nil {
			t.Fatalf("second RunOnce() error = %v", err)
		}
		if result.Groups != 0 || result.Messages != 0 {
			t.Errorf("second run result = %+v, want empty", result)
		}
		if len(f.dispatcher.Sent()) != 1 {
			t.Errorf("sent %d messages in total, want 1", len(f.dispatcher.Sent()))
		}
	})

	t.Run("groups are sent separately", func(t *testing.T) {
		f := newBatcherFixture(t)
		f.pending(t, "/a.log", "a", f.clock.Now())
		f.pending(t, "/b.log", "b", f.clock.Now())
		f.subscribe(t, "job-1", "/a.log", "alice@example.com")
		f.subscribe(t, "job-2", "/b.log", "alice@example.com")
		f.subscribe(t, "job-3", "/b.log", "bob@example.com")

		result, err := f.batcher.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce() error = %v", err)
		}
		if result.Groups != 2 || result.Messages != 3 {
			t.Errorf("result = %+v, want 2 groups, 3 messages", result)
		}
	})

	t.Run("dispatch failure still marks records notified", func(t *testing.T) {
		f := newBatcherFixture(t)
		f.pending(t, "/a.log", "a", f.clock.Now())
		f.subscribe(t, "job-1", "/a.log", "alice@example.com")
		f.subscribe(t, "job-2", "/a.log", "bounce@example.com")
		f.dispatcher.FailFor("bounce@example.com")

		result, err := f.batcher.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce() error = %v", err)
		}
		if result.Messages != 1 || result.Failures != 1 {
			t.Errorf("result = %+v, want 1 message and 1 failure", result)
		}
		if n := f.unnotified(t); n != 0 {
			t.Errorf("%d records still pending, want 0", n)
		}
	})

	t.Run("records without subscribers stay pending", func(t *testing.T) {
		f := newBatcherFixture(t)
		f.pending(t, "/orphan.log", "a", f.clock.Now())
		f.pending(t, "/orphan.log", "b", f.clock.Now())

		result, err := f.batcher.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce() error = %v", err)
		}
		if result.Skipped != 1 || result.Records != 0 {
			t.Errorf("result = %+v, want 1 skipped group and 0 records", result)
		}
		if n := f.unnotified(t); n != 2 {
			t.Errorf("%d records pending, want 2", n)
		}
	})

	t.Run("records run history", func(t *testing.T) {
		f := newBatcherFixture(t)
		f.pending(t, "/a.log", "a", f.clock.Now())
		f.subscribe(t, "job-1", "/a.log", "alice@example.com")

		if _, err := f.batcher.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce() error = %v", err)
		}
		runs, err := f.store.ListNotificationRuns(ctx, 10)
		if err != nil {
			t.Fatalf("ListNotificationRuns() error = %v", err)
		}
		if len(runs) != 1 {
			t.Fatalf("got %d runs, want 1", len(runs))
		}
		if runs[0].Status != "success" || runs[0].Messages != 1 || runs[0].Records != 1 {
			t.Errorf("run = %+v", runs[0])
		}
		if runs[0].FinishedAt == nil {
			t.Error("FinishedAt not set")
		}
	})
}

func TestBatcher_Lease(t *testing.T) {
	ctx := context.Background()

	t.Run("refuses to run while another holder owns the lease", func(t *testing.T) {
		f := newBatcherFixture(t)
		f.pending(t, "/a.log", "a", f.clock.Now())
		f.subscribe(t, "job-1", "/a.log", "alice@example.com")

		ok, err := f.store.AcquireLease(ctx, filemon.NotifyLease, "other-process", f.clock.Now(), 10*time.Minute)
		if err != nil || !ok {
			t.Fatalf("AcquireLease() = %v, %v", ok, err)
		}

		if _, err := f.batcher.RunOnce(ctx); !errors.Is(err, filemon.ErrBatchInProgress) {
			t.Fatalf("RunOnce() error = %v, want ErrBatchInProgress", err)
		}
		if len(f.dispatcher.Sent()) != 0 {
			t.Error("messages sent while lease was held elsewhere")
		}
		if n := f.unnotified(t); n != 1 {
			t.Errorf("%d records pending, want 1", n)
		}

		f.clock.Advance(11 * time.Minute)
		if _, err := f.batcher.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce() after lease expiry error = %v", err)
		}
		if len(f.dispatcher.Sent()) != 1 {
			t.Errorf("sent %d messages after lease expiry, want 1", len(f.dispatcher.Sent()))
		}
	})

	t.Run("releases the lease after a run", func(t *testing.T) {
		f := newBatcherFixture(t)
		if _, err := f.batcher.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce() error = %v", err)
		}
		ok, err := f.store.AcquireLease(ctx, filemon.NotifyLease, "other-process", f.clock.Now(), time.Minute)
		if err != nil {
			t.Fatalf("AcquireLease() error = %v", err)
		}
		if !ok {
			t.Error("lease still held after RunOnce returned")
		}
	})
}

// blockingDispatcher holds every Send until release is closed.
type blockingDispatcher struct {
	sending chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *blockingDispatcher) Send(ctx context.Context, _, _, _ string) error {
	d.once.Do(func() { close(d.sending) })
	select {
	case <-d.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *blockingDispatcher) Close() error { return nil }

func TestBatcher_OverlappingRunsInProcess(t *testing.T) {
	ctx := context.Background()
	f := newBatcherFixture(t)
	f.pending(t, "/a.log", "a", f.clock.Now())
	f.subscribe(t, "job-1", "/a.log", "alice@example.com")

	d := &blockingDispatcher{sending: make(chan struct{}), release: make(chan struct{})}
	// Same holder as the running batch, so only the in-process lock can refuse.
	b := filemon.NewBatcher(f.store, d, filemon.NewNopLogger(), f.clock, "test-holder", 10*time.Minute)

	first := make(chan error, 1)
	go func() {
		_, err := b.RunOnce(ctx)
		first <- err
	}()

	select {
	case <-d.sending:
	case <-time.After(waitTimeout):
		t.Fatal("first run never reached the dispatcher")
	}

	if _, err := b.RunOnce(ctx); !errors.Is(err, filemon.ErrBatchInProgress) {
		t.Errorf("second RunOnce() error = %v, want ErrBatchInProgress", err)
	}

	close(d.release)
	select {
	case err := <-first:
		if err != nil {
			t.Errorf("first RunOnce() error = %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("first run did not finish")
	}
	if n := f.unnotified(t); n != 0 {
		t.Errorf("%d records pending after the first run, want 0", n)
	}

	runs, err := f.store.ListNotificationRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListNotificationRuns() error = %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("got %d runs recorded, want 1", len(runs))
	}
}

func TestBatcher_RunStopsOnCancel(t *testing.T) {
	f := newBatcherFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.batcher.Run(ctx, time.Hour) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestComposeNotification(t *testing.T) {
	t0 := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	t.Run("single change time", func(t *testing.T) {
		subject, body := filemon.ComposeNotification("/a.log", []*model.ChangeRecord{
			{Content: "line2", ChangeTime: t0},
		})
		if subject != "Change in file: /a.log" {
			t.Errorf("subject = %q", subject)
		}
		want := "On 2024-01-15 10:30:00 file /a.log was appended:\nline2"
		if body != want {
			t.Errorf("body = %q, want %q", body, want)
		}
	})

	t.Run("range of change times", func(t *testing.T) {
		_, body := filemon.ComposeNotification("/a.log", []*model.ChangeRecord{
			{Content: "a", ChangeTime: t0},
			{Content: "b\nc", ChangeTime: t0.Add(90 * time.Second)},
		})
		want := "Between 2024-01-15 10:30:00 and 2024-01-15 10:31:30 file /a.log was appended:\na\nb\nc"
		if body != want {
			t.Errorf("body = %q, want %q", body, want)
		}
	})
}

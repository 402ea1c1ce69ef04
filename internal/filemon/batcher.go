package filemon

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"filemon/internal/model"
)

// NotifyLease is the lease name guarding notification runs.
const NotifyLease = "notify"

// BatchStore is the persistence needed by the Batcher.
type BatchStore interface {
	SnapshotStore
	RunStore
	FindActiveSubscriptionsByPath(ctx context.Context, filePath string) ([]*model.Subscription, error)
}

// BatchResult summarizes one notification run.
type BatchResult struct {
	Groups   int // Paths with pending records
	Skipped  int // Paths left pending because nobody is subscribed
	Messages int // Messages accepted by the dispatcher
	Failures int // Messages the dispatcher rejected
	Records  int // Records marked notified
}

// Batcher periodically mails every active subscriber the changes recorded for
// their file since the previous run. Runs never overlap: within a process a
// mutex guards RunOnce, across processes a database lease does.
type Batcher struct {
	store      BatchStore
	dispatcher Dispatcher
	logger     Logger
	clock      Clock
	holder     string
	leaseTTL   time.Duration

	mu sync.Mutex
}

// NewBatcher creates a Batcher. holder identifies this process in the lease
// table; leaseTTL bounds how long a crashed run can block the next one.
func NewBatcher(store BatchStore, dispatcher Dispatcher, logger Logger, clock Clock, holder string, leaseTTL time.Duration) *Batcher {
	return &Batcher{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		clock:      clock,
		holder:     holder,
		leaseTTL:   leaseTTL,
	}
}

// Run calls RunOnce every interval until ctx is cancelled.
func (b *Batcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.RunOnce(ctx); err != nil {
				b.logger.Warn("notification run failed", "error", err)
			}
		}
	}
}

// RunOnce dispatches all pending records and marks them notified.
// It returns ErrBatchInProgress if another run holds the lock.
func (b *Batcher) RunOnce(ctx context.Context) (*BatchResult, error) {
	if !b.mu.TryLock() {
		return nil, ErrBatchInProgress
	}
	defer b.mu.Unlock()

	started := b.clock.Now()
	acquired, err := b.store.AcquireLease(ctx, NotifyLease, b.holder, started, b.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquiring lease: %w", err)
	}
	if !acquired {
		return nil, ErrBatchInProgress
	}
	defer func() {
		if err := b.store.ReleaseLease(context.WithoutCancel(ctx), NotifyLease, b.holder); err != nil {
			b.logger.Warn("releasing lease", "error", err)
		}
	}()

	run, err := b.store.CreateNotificationRun(ctx, started)
	if err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}

	t0 := time.Now()
	result, runErr := b.dispatchPending(ctx)
	metricRunSeconds.Observe(time.Since(t0).Seconds())

	finished := b.clock.Now()
	run.FinishedAt = &finished
	run.Status = "success"
	if runErr != nil {
		run.Status = "error"
	}
	run.Records = result.Records
	run.Messages = result.Messages
	run.Failures = result.Failures
	if err := b.store.FinishNotificationRun(context.WithoutCancel(ctx), run); err != nil {
		b.logger.Warn("finishing run record", "run", run.ID, "error", err)
	}

	if runErr != nil {
		return result, runErr
	}
	b.logger.Info("notification run finished",
		"run", run.ID,
		"groups", result.Groups,
		"messages", result.Messages,
		"failures", result.Failures,
		"records", result.Records,
	)
	return result, nil
}

// dispatchPending processes every path group independently; a failure in one
// group is logged and does not stop the others.
func (b *Batcher) dispatchPending(ctx context.Context) (*BatchResult, error) {
	result := &BatchResult{}

	pending, err := b.store.FindUnnotified(ctx)
	if err != nil {
		return result, fmt.Errorf("loading pending changes: %w", err)
	}

	groups := groupByPath(pending)
	paths := make([]string, 0, len(groups))
	for path := range groups {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	result.Groups = len(paths)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := b.dispatchGroup(ctx, path, groups[path], result); err != nil {
			b.logger.Error("notifying group", "path", path, "error", err)
		}
	}
	return result, nil
}

func (b *Batcher) dispatchGroup(ctx context.Context, path string, records []*model.ChangeRecord, result *BatchResult) error {
	subs, err := b.store.FindActiveSubscriptionsByPath(ctx, path)
	if err != nil {
		return fmt.Errorf("finding subscribers: %w", err)
	}
	if len(subs) == 0 {
		result.Skipped++
		b.logger.Debug("no active subscribers, leaving changes pending", "path", path, "records", len(records))
		return nil
	}

	subject, body := ComposeNotification(path, records)
	for _, sub := range subs {
		if err := b.dispatcher.Send(ctx, sub.Email, subject, body); err != nil {
			dispatchErr := &DispatchError{Recipient: sub.Email, Path: path, Err: err}
			b.logger.Error("dispatch failed", "job", sub.JobID, "error", dispatchErr)
			metricNotifications.WithLabelValues(resultFailed).Inc()
			result.Failures++
			continue
		}
		metricNotifications.WithLabelValues(resultSent).Inc()
		result.Messages++
	}

	ids := make([]int64, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	marked, err := b.store.MarkNotified(ctx, ids, b.clock.Now())
	if err != nil {
		return fmt.Errorf("marking %d records notified: %w", len(ids), err)
	}
	result.Records += marked
	return nil
}

// groupByPath groups records by file path, keeping their order within a group.
func groupByPath(records []*model.ChangeRecord) map[string][]*model.ChangeRecord {
	groups := make(map[string][]*model.ChangeRecord)
	for _, rec := range records {
		groups[rec.FilePath] = append(groups[rec.FilePath], rec)
	}
	return groups
}

// ComposeNotification builds the subject and body of the message for one path.
// records must be in change time order.
func ComposeNotification(path string, records []*model.ChangeRecord) (subject, body string) {
	contents := make([]string, len(records))
	for i, rec := range records {
		contents[i] = rec.Content
	}

	first := records[0].ChangeTime
	last := records[len(records)-1].ChangeTime

	var header string
	if first.Equal(last) {
		header = fmt.Sprintf("On %s file %s was appended:", last.Format(time.DateTime), path)
	} else {
		header = fmt.Sprintf("Between %s and %s file %s was appended:",
			first.Format(time.DateTime), last.Format(time.DateTime), path)
	}

	subject = "Change in file: " + path
	body = header + "\n" + strings.Join(contents, "\n")
	return subject, body
}

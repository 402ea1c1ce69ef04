package filemon

import (
	"context"
	"time"

	"filemon/internal/model"
)

// SnapshotStore is the append-only log of change records.
type SnapshotStore interface {
	// MostRecentChange returns the record with the latest change time for
	// filePath, or nil if the path has no records.
	MostRecentChange(ctx context.Context, filePath string) (*model.ChangeRecord, error)

	// SaveChange appends a record and returns it with its ID set.
	SaveChange(ctx context.Context, record *model.ChangeRecord) (*model.ChangeRecord, error)

	// AppendChange saves record only if the most recent record of its path is
	// still after (nil for a path with no records). Otherwise nothing is saved
	// and ErrSnapshotChanged is returned.
	AppendChange(ctx context.Context, record, after *model.ChangeRecord) (*model.ChangeRecord, error)

	// FindUnnotified returns all pending records ordered by change time.
	FindUnnotified(ctx context.Context) ([]*model.ChangeRecord, error)

	// MarkNotified sets notified_at on the given records in one transaction.
	// Records that are already notified are left untouched and not counted.
	MarkNotified(ctx context.Context, ids []int64, at time.Time) (int, error)

	// FindChanges returns the newest records for filePath, newest first.
	FindChanges(ctx context.Context, filePath string, limit int) ([]*model.ChangeRecord, error)

	// FindPrunableChanges returns records older than before that may be deleted:
	// notified records, and pending records of paths nobody is subscribed to.
	// The most recent record of each path is never returned.
	FindPrunableChanges(ctx context.Context, before time.Time) ([]*model.ChangeRecord, error)

	// DeleteChanges removes the given records.
	DeleteChanges(ctx context.Context, ids []int64) (int, error)
}

// SubscriptionStore persists subscriptions.
type SubscriptionStore interface {
	// CreateSubscription inserts a subscription and returns it with its ID set.
	CreateSubscription(ctx context.Context, sub *model.Subscription) (*model.Subscription, error)

	// FindSubscriptionByJobID returns nil if no subscription has the job ID.
	FindSubscriptionByJobID(ctx context.Context, jobID string) (*model.Subscription, error)

	DeleteSubscription(ctx context.Context, id int64) error

	// ListSubscriptions returns one page of subscriptions ordered by ID and the total count.
	ListSubscriptions(ctx context.Context, offset, limit int) ([]*model.Subscription, int, error)

	FindActiveSubscriptionsByPath(ctx context.Context, filePath string) ([]*model.Subscription, error)

	// FindActivePaths returns the distinct paths that have at least one active subscription.
	FindActivePaths(ctx context.Context) ([]string, error)
}

// RunStore coordinates notification runs across processes and keeps their history.
type RunStore interface {
	// AcquireLease takes the named lease for holder until now+ttl. It returns
	// false if another holder owns an unexpired lease.
	AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error)

	// ReleaseLease gives the lease up if holder still owns it.
	ReleaseLease(ctx context.Context, name, holder string) error

	CreateNotificationRun(ctx context.Context, startedAt time.Time) (*model.NotificationRun, error)
	FinishNotificationRun(ctx context.Context, run *model.NotificationRun) error

	// ListNotificationRuns returns the most recent runs, newest first.
	ListNotificationRuns(ctx context.Context, limit int) ([]*model.NotificationRun, error)
}

// Store is the full persistence surface used by the application.
type Store interface {
	SnapshotStore
	SubscriptionStore
	RunStore

	// Close closes the underlying connection.
	Close() error
}

package filemon

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"filemon/internal/model"
)

// PathWatcher starts and stops native watches. Implemented by Registry.
type PathWatcher interface {
	Register(ctx context.Context, sub *model.Subscription) error
	Unregister(path string)
	Watching(path string) bool
	Paths() []string
}

var _ PathWatcher = (*Registry)(nil)

// DefaultPageSize is used by List when size is not positive.
const DefaultPageSize = 10

// SubscriptionPage is one page of a subscription listing.
type SubscriptionPage struct {
	Subscriptions []*model.Subscription
	Page          int
	Size          int
	Total         int
}

// ReconcileResult reports what Reconcile changed.
type ReconcileResult struct {
	Registered   int
	Unregistered int
	Failed       int
}

// SubscriptionService manages subscriptions and keeps the watcher in step
// with them.
type SubscriptionService struct {
	store   Store
	watcher PathWatcher
	reader  FileReader
	logger  Logger
	clock   Clock
	idgen   IDGenerator

	// mu keeps a path's subscriptions and its watch in step: Subscribe,
	// Cancel and Reconcile each update both under it.
	mu sync.Mutex
}

// NewSubscriptionService creates a new SubscriptionService with the provided dependencies.
func NewSubscriptionService(store Store, watcher PathWatcher, reader FileReader, logger Logger, clock Clock, idgen IDGenerator) *SubscriptionService {
	return &SubscriptionService{
		store:   store,
		watcher: watcher,
		reader:  reader,
		logger:  logger,
		clock:   clock,
		idgen:   idgen,
	}
}

// Subscribe creates an active subscription for filePath and starts watching
// it. If the watch cannot be registered the subscription is removed again and
// the registration error is returned.
func (s *SubscriptionService) Subscribe(ctx context.Context, filePath, email string) (*model.Subscription, error) {
	if strings.TrimSpace(filePath) == "" {
		return nil, fmt.Errorf("%w: file path must not be empty", ErrInvalidSubscription)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return nil, fmt.Errorf("%w: email %q: %v", ErrInvalidSubscription, email, err)
	}

	path, err := s.reader.Resolve(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.store.CreateSubscription(ctx, &model.Subscription{
		JobID:     s.idgen.New(),
		FilePath:  path,
		Email:     addr.Address,
		Active:    true,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating subscription: %w", err)
	}

	if err := s.watcher.Register(ctx, sub); err != nil {
		if delErr := s.store.DeleteSubscription(context.WithoutCancel(ctx), sub.ID); delErr != nil {
			s.logger.Error("rolling back subscription", "job", sub.JobID, "error", delErr)
		}
		return nil, err
	}

	s.logger.Info("subscription created", "job", sub.JobID, "path", sub.FilePath, "email", sub.Email)
	return sub, nil
}

// Cancel deletes the subscription with the given job ID. The watch on its
// path is stopped when no other active subscription references it.
func (s *SubscriptionService) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.store.FindSubscriptionByJobID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("finding subscription: %w", err)
	}
	if sub == nil {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, jobID)
	}

	if err := s.store.DeleteSubscription(ctx, sub.ID); err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}

	remaining, err := s.store.FindActiveSubscriptionsByPath(ctx, sub.FilePath)
	if err != nil {
		return fmt.Errorf("checking remaining subscriptions: %w", err)
	}
	if len(remaining) == 0 {
		s.watcher.Unregister(sub.FilePath)
	}

	s.logger.Info("subscription cancelled", "job", jobID, "path", sub.FilePath)
	return nil
}

// Get returns the subscription with the given job ID.
func (s *SubscriptionService) Get(ctx context.Context, jobID string) (*model.Subscription, error) {
	sub, err := s.store.FindSubscriptionByJobID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("finding subscription: %w", err)
	}
	if sub == nil {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, jobID)
	}
	return sub, nil
}

// List returns one page of subscriptions. Pages are zero-based.
func (s *SubscriptionService) List(ctx context.Context, page, size int) (*SubscriptionPage, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = DefaultPageSize
	}

	subs, total, err := s.store.ListSubscriptions(ctx, page*size, size)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	return &SubscriptionPage{
		Subscriptions: subs,
		Page:          page,
		Size:          size,
		Total:         total,
	}, nil
}

// Changes returns the most recent change records for a file, newest first.
func (s *SubscriptionService) Changes(ctx context.Context, rawPath string, limit int) ([]*model.ChangeRecord, error) {
	path, err := s.reader.Resolve(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	records, err := s.store.FindChanges(ctx, path, limit)
	if err != nil {
		return nil, fmt.Errorf("finding changes: %w", err)
	}
	return records, nil
}

// Reconcile makes the set of watched paths equal to the set of paths with an
// active subscription. Registration failures are logged and counted; the
// path is retried on the next call.
func (s *SubscriptionService) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := s.store.FindActivePaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding active paths: %w", err)
	}

	result := &ReconcileResult{}
	wanted := make(map[string]bool, len(paths))
	for _, path := range paths {
		wanted[path] = true
		if s.watcher.Watching(path) {
			continue
		}
		if err := s.watcher.Register(ctx, &model.Subscription{FilePath: path, Active: true}); err != nil {
			s.logger.Warn("reconcile: registering watch", "path", path, "error", err)
			result.Failed++
			continue
		}
		result.Registered++
	}

	for _, path := range s.watcher.Paths() {
		if !wanted[path] {
			s.watcher.Unregister(path)
			result.Unregistered++
		}
	}

	if result.Registered > 0 || result.Unregistered > 0 || result.Failed > 0 {
		s.logger.Info("watches reconciled",
			"registered", result.Registered,
			"unregistered", result.Unregistered,
			"failed", result.Failed,
		)
	}
	return result, nil
}

// RunReconciler calls Reconcile every interval until ctx is cancelled.
func (s *SubscriptionService) RunReconciler(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil {
				s.logger.Warn("reconcile failed", "error", err)
			}
		}
	}
}

package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/thejerf/suture/v4"

	"filemon/internal/archive"
	"filemon/internal/config"
	"filemon/internal/database"
	"filemon/internal/dispatch"
	"filemon/internal/encryption"
	"filemon/internal/filemon"
	"filemon/internal/fs"
	"filemon/internal/model"
)

var (
	// ErrArchiveDisabled is returned by archive commands when archive.type is empty.
	ErrArchiveDisabled = errors.New("archiving is disabled")

	// ErrEncryptionDisabled is returned when keys are requested with encryption.type = none.
	ErrEncryptionDisabled = errors.New("encryption is disabled")
)

// FilemonApp is the application layer between the CLI and the filemon services.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw string paths, and releases everything on Close.
type FilemonApp struct {
	cfg        *config.Config
	store      *database.SQLiteStore
	registry   *filemon.Registry
	service    *filemon.SubscriptionService
	batcher    *filemon.Batcher
	pruner     *filemon.Pruner
	dispatcher filemon.Dispatcher
	archive    filemon.Archive
	encryptor  filemon.Encryptor
	logger     filemon.Logger
	clock      filemon.Clock
	op         *Operation
	logCloser  io.Closer
}

// NewFilemonApp creates a fully wired FilemonApp from the given config.
// operation identifies the CLI command being run (e.g. "Subscribe", "Serve").
// The caller must call Close when done.
func NewFilemonApp(ctx context.Context, cfg *config.Config, operation string) (*FilemonApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clock := filemon.RealClock{}
	op := NewOperation(operation, clock)

	slogger, logCloser, err := newLogger(cfg.Log, cfg.LogDir, op.ID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	deny := append([]string{}, cfg.Watch.Deny...)
	if cfg.Watch.DenyFile != "" {
		patterns, err := fs.ParseDenyFile(cfg.Watch.DenyFile)
		if err != nil {
			logCloser.Close()
			return nil, err
		}
		deny = append(deny, patterns...)
	}
	reader := fs.NewOSFileReader(fs.NewDenyMatcher(deny))

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	arch, err := archive.NewArchiveFromConfig(ctx, cfg.Archive)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("creating archive: %w", err)
	}

	store, err := database.NewStoreFromConfig(cfg.Database, cfg.InstanceID)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := store.CheckMigrations(); err != nil {
		store.Close()
		logCloser.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	disp, err := dispatch.NewDispatcherFromConfig(cfg.Dispatch, logger)
	if err != nil {
		store.Close()
		logCloser.Close()
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}

	registry := filemon.NewRegistry(store, reader, logger, clock, cfg.Watch.Debounce.Duration)
	svc := filemon.NewSubscriptionService(store, registry, reader, logger, clock, filemon.UUIDGenerator{})
	holder := fmt.Sprintf("%s/%d/%s", cfg.InstanceID, os.Getpid(), op.ID)
	batcher := filemon.NewBatcher(store, disp, logger, clock, holder, cfg.Notify.LeaseTTL.Duration)
	pruner := filemon.NewPruner(store, arch, enc, logger, clock)

	logger.Debug("operation started", "operation", op.Name)

	return &FilemonApp{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		service:    svc,
		batcher:    batcher,
		pruner:     pruner,
		dispatcher: disp,
		archive:    arch,
		encryptor:  enc,
		logger:     logger,
		clock:      clock,
		op:         op,
		logCloser:  logCloser,
	}, nil
}

// Subscribe resolves rawPath and subscribes email to its appended lines.
func (a *FilemonApp) Subscribe(ctx context.Context, rawPath, email string) (*model.Subscription, error) {
	sub, err := a.service.Subscribe(ctx, rawPath, email)
	return sub, a.op.Record(err)
}

// Unsubscribe cancels the subscription with the given job ID.
func (a *FilemonApp) Unsubscribe(ctx context.Context, jobID string) error {
	return a.op.Record(a.service.Cancel(ctx, jobID))
}

// Status returns the subscription with the given job ID.
func (a *FilemonApp) Status(ctx context.Context, jobID string) (*model.Subscription, error) {
	sub, err := a.service.Get(ctx, jobID)
	return sub, a.op.Record(err)
}

// List returns one page of subscriptions.
func (a *FilemonApp) List(ctx context.Context, page, size int) (*filemon.SubscriptionPage, error) {
	p, err := a.service.List(ctx, page, size)
	return p, a.op.Record(err)
}

// Changes returns the latest change records for rawPath, newest first.
func (a *FilemonApp) Changes(ctx context.Context, rawPath string, limit int) ([]*model.ChangeRecord, error) {
	recs, err := a.service.Changes(ctx, rawPath, limit)
	return recs, a.op.Record(err)
}

// Notify runs one notification batch now.
func (a *FilemonApp) Notify(ctx context.Context) (*filemon.BatchResult, error) {
	result, err := a.batcher.RunOnce(ctx)
	return result, a.op.Record(err)
}

// History returns the most recent notification runs.
func (a *FilemonApp) History(ctx context.Context, limit int) ([]*model.NotificationRun, error) {
	runs, err := a.store.ListNotificationRuns(ctx, limit)
	return runs, a.op.Record(err)
}

// Prune removes records older than olderThan. Zero uses retention.max_age.
func (a *FilemonApp) Prune(ctx context.Context, olderThan time.Duration) (*filemon.PruneResult, error) {
	if olderThan <= 0 {
		olderThan = a.cfg.Retention.MaxAge.Duration
	}
	result, err := a.pruner.Prune(ctx, a.clock.Now().Add(-olderThan))
	return result, a.op.Record(err)
}

// ArchiveKeys lists the archived change batches.
func (a *FilemonApp) ArchiveKeys(ctx context.Context) ([]string, error) {
	if a.archive == nil {
		return nil, a.op.Record(ErrArchiveDisabled)
	}
	keys, err := a.archive.List(ctx, filemon.ArchivePrefix)
	return keys, a.op.Record(err)
}

// ArchiveIsEncrypted reports whether reading key needs a passphrase.
func ArchiveIsEncrypted(key string) bool {
	return strings.HasSuffix(key, ".age")
}

// ArchiveGet writes the archived batch stored under key to w as JSON lines.
// passphrase is only called for encrypted batches.
func (a *FilemonApp) ArchiveGet(ctx context.Context, key string, passphrase func() (string, error), w io.Writer) error {
	return a.op.Record(a.archiveGet(ctx, key, passphrase, w))
}

func (a *FilemonApp) archiveGet(ctx context.Context, key string, passphrase func() (string, error), w io.Writer) error {
	if a.archive == nil {
		return ErrArchiveDisabled
	}
	if !ArchiveIsEncrypted(key) {
		return a.archive.Get(ctx, key, w)
	}
	if a.encryptor == nil {
		return fmt.Errorf("%s is encrypted: %w", key, ErrEncryptionDisabled)
	}

	var sealed bytes.Buffer
	if err := a.archive.Get(ctx, key, &sealed); err != nil {
		return err
	}
	pass, err := passphrase()
	if err != nil {
		return fmt.Errorf("reading passphrase: %w", err)
	}
	dc, err := a.encryptor.Unlock(pass)
	if err != nil {
		return fmt.Errorf("unlocking private key: %w", err)
	}
	return dc.Decrypt(&sealed, w)
}

// SetupKeys generates the archive encryption key pair.
func (a *FilemonApp) SetupKeys(passphrase string) error {
	if a.encryptor == nil {
		return a.op.Record(ErrEncryptionDisabled)
	}
	return a.op.Record(a.encryptor.Setup(passphrase))
}

// Serve runs the daemon until ctx is cancelled: it starts a watch for every
// active subscription, then supervises the reconciler, the notification
// batcher, the pruner and, if configured, the metrics endpoint.
func (a *FilemonApp) Serve(ctx context.Context) error {
	if a.encryptor != nil && !a.encryptor.IsConfigured() {
		a.logger.Warn("archive encryption is enabled but keys are missing, run 'filemon keys init'")
	}

	result, err := a.service.Reconcile(ctx)
	if err != nil {
		return a.op.Record(fmt.Errorf("starting watches: %w", err))
	}
	a.logger.Info("daemon started",
		"watches", a.registry.Len(),
		"failed", result.Failed,
		"notify_interval", a.cfg.Notify.Interval.Duration.String(),
	)

	sup := suture.New("filemon", supervisorSpec(a.logger))
	sup.Add(asService("reconciler", func(ctx context.Context) error {
		return a.service.RunReconciler(ctx, a.cfg.Watch.ReconcileInterval.Duration)
	}))
	sup.Add(asService("batcher", func(ctx context.Context) error {
		return a.batcher.Run(ctx, a.cfg.Notify.Interval.Duration)
	}))
	sup.Add(asService("pruner", func(ctx context.Context) error {
		return a.pruner.Run(ctx, a.cfg.Retention.Interval.Duration, a.cfg.Retention.MaxAge.Duration)
	}))
	if a.cfg.Metrics.Listen != "" {
		sup.Add(asService("metrics", metricsServer(a.cfg.Metrics.Listen, a.logger)))
	}

	err = sup.Serve(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	a.logger.Info("daemon stopped")
	return a.op.Record(err)
}

// Close stops all watches and closes the dispatcher, the database and the log file.
func (a *FilemonApp) Close() error {
	var firstErr error

	if err := a.registry.Close(); err != nil {
		firstErr = fmt.Errorf("stopping watches: %w", err)
	}

	if err := a.dispatcher.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing dispatcher: %w", err)
	}

	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	a.logger.Debug("operation finished",
		"operation", a.op.Name,
		"status", a.op.Status,
		"elapsed", a.op.Elapsed(a.clock.Now()).Truncate(time.Millisecond).String(),
	)
	if a.logCloser != nil {
		a.logCloser.Close()
	}

	return firstErr
}

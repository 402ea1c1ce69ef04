package filemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"filemon/internal/model"
)

// ArchivePrefix is the key prefix of archived change records.
const ArchivePrefix = "changes/"

// PruneResult reports what Prune removed.
type PruneResult struct {
	Deleted    int
	ArchiveKey string // Empty when nothing was archived
}

// archivedRecord is the JSON-lines form of a pruned change record.
type archivedRecord struct {
	ID         int64      `json:"id"`
	FilePath   string     `json:"file_path"`
	Content    string     `json:"content"`
	ChangeTime time.Time  `json:"change_time"`
	NotifiedAt *time.Time `json:"notified_at,omitempty"`
}

// Pruner bounds the growth of the change log. Records past retention are
// optionally written to an archive, encrypted if an encryptor is set, and then
// deleted.
type Pruner struct {
	store     SnapshotStore
	archive   Archive
	encryptor Encryptor
	logger    Logger
	clock     Clock
}

// NewPruner creates a Pruner. archive and encryptor may be nil.
func NewPruner(store SnapshotStore, archive Archive, encryptor Encryptor, logger Logger, clock Clock) *Pruner {
	return &Pruner{
		store:     store,
		archive:   archive,
		encryptor: encryptor,
		logger:    logger,
		clock:     clock,
	}
}

// Prune removes records older than before. The most recent record of every
// path survives because it anchors the next delta.
func (p *Pruner) Prune(ctx context.Context, before time.Time) (*PruneResult, error) {
	records, err := p.store.FindPrunableChanges(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("finding prunable changes: %w", err)
	}
	result := &PruneResult{}
	if len(records) == 0 {
		return result, nil
	}

	if p.archive != nil {
		key, err := p.archiveRecords(ctx, records)
		if err != nil {
			return nil, err
		}
		result.ArchiveKey = key
	}

	ids := make([]int64, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	deleted, err := p.store.DeleteChanges(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("deleting changes: %w", err)
	}
	result.Deleted = deleted
	metricPrunedRecords.Add(float64(deleted))

	p.logger.Info("changes pruned", "deleted", deleted, "before", before.Format(time.RFC3339), "archive", result.ArchiveKey)
	return result, nil
}

// Run prunes records older than retention every interval until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Prune(ctx, p.clock.Now().Add(-retention)); err != nil {
				p.logger.Warn("prune failed", "error", err)
			}
		}
	}
}

func (p *Pruner) archiveRecords(ctx context.Context, records []*model.ChangeRecord) (string, error) {
	var plain bytes.Buffer
	enc := json.NewEncoder(&plain)
	for _, rec := range records {
		if err := enc.Encode(archivedRecord{
			ID:         rec.ID,
			FilePath:   rec.FilePath,
			Content:    rec.Content,
			ChangeTime: rec.ChangeTime,
			NotifiedAt: rec.NotifiedAt,
		}); err != nil {
			return "", fmt.Errorf("encoding record %d: %w", rec.ID, err)
		}
	}

	key := fmt.Sprintf("%s%d.jsonl", ArchivePrefix, p.clock.Now().UnixNano())
	payload := &plain
	if p.encryptor != nil {
		var sealed bytes.Buffer
		if err := p.encryptor.Encrypt(&plain, &sealed); err != nil {
			return "", fmt.Errorf("encrypting archive: %w", err)
		}
		payload = &sealed
		key += ".age"
	}

	if err := p.archive.Put(ctx, key, bytes.NewReader(payload.Bytes()), int64(payload.Len())); err != nil {
		return "", fmt.Errorf("archiving %d records: %w", len(records), err)
	}
	return key, nil
}

package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relay-labs/relay/pkg/store"
)

// SyncWorker keeps pgvector in step with the exchange archive. The
// archive is append-only, so a cycle simply embeds whatever ids are not
// yet in pgvector.
type SyncWorker struct {
	db        *store.Store
	vectors   *Store
	tei       *TEIClient
	interval  time.Duration
	batchSize int
}

// NewSyncWorker creates the background sync worker.
func NewSyncWorker(db *store.Store, vectors *Store, tei *TEIClient, interval time.Duration, batchSize int) *SyncWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &SyncWorker{db: db, vectors: vectors, tei: tei, interval: interval, batchSize: batchSize}
}

// Run starts the sync loop and blocks until ctx is cancelled. A backfill
// pass runs immediately on startup.
func (w *SyncWorker) Run(ctx context.Context) {
	slog.Info("embedding sync worker started", "interval", w.interval, "batch_size", w.batchSize)

	if n, err := w.SyncOnce(ctx); err != nil {
		slog.Warn("initial embedding sync failed", "error", err)
	} else if n > 0 {
		slog.Info("initial embedding sync complete", "embedded", n)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("embedding sync worker stopping")
			return
		case <-ticker.C:
			if n, err := w.SyncOnce(ctx); err != nil {
				slog.Warn("embedding sync cycle failed", "error", err)
			} else if n > 0 {
				slog.Info("embedding sync cycle", "embedded", n)
			}
		}
	}
}

// SyncOnce embeds every archived exchange not yet in pgvector, in
// batches. Returns the number embedded.
func (w *SyncWorker) SyncOnce(ctx context.Context) (int, error) {
	refs, err := w.db.AllExchangeRefs()
	if err != nil {
		return 0, fmt.Errorf("exchange refs: %w", err)
	}
	embedded, err := w.vectors.EmbeddedIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("embedded ids: %w", err)
	}

	var toEmbed []store.ExchangeRef
	for _, ref := range refs {
		if !embedded[ref.ID] {
			toEmbed = append(toEmbed, ref)
		}
	}
	if len(toEmbed) == 0 {
		return 0, nil
	}

	slog.Info("exchanges need embedding",
		"total", len(refs),
		"already_embedded", len(embedded),
		"to_embed", len(toEmbed),
	)

	total := 0
	for i := 0; i < len(toEmbed); i += w.batchSize {
		end := i + w.batchSize
		if end > len(toEmbed) {
			end = len(toEmbed)
		}
		batch := toEmbed[i:end]

		texts := make([]string, len(batch))
		ids := make([]int64, len(batch))
		senders := make([]string, len(batch))
		for j, ref := range batch {
			texts[j] = ref.Content
			ids[j] = ref.ID
			senders[j] = ref.SenderID
		}

		vectors, err := w.tei.EmbedDocuments(ctx, texts)
		if err != nil {
			slog.Warn("embed batch failed", "error", err, "batch_start", i, "batch_size", len(texts))
			continue
		}
		if err := w.vectors.InsertBatch(ctx, ids, senders, vectors); err != nil {
			slog.Warn("store batch failed", "error", err, "batch_start", i)
			continue
		}
		total += len(vectors)
	}
	return total, nil
}

package embeddings

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"time"

	"github.com/mnemo-labs/mnemo/pkg/profile"
)

// Fact is one statement queued for embedding.
type Fact struct {
	ID     string
	UserID string
	Text   string
	Hash   string
}

// SyncWorker keeps pgvector embeddings in sync with the profile store.
// It polls for new or stale fact statements and embeds them in batches.
type SyncWorker struct {
	profiles  *profile.Store
	store     *Store
	tei       *TEIClient
	interval  time.Duration
	batchSize int
}

// NewSyncWorker creates a new background sync worker.
func NewSyncWorker(profiles *profile.Store, store *Store, tei *TEIClient, interval time.Duration, batchSize int) *SyncWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &SyncWorker{
		profiles:  profiles,
		store:     store,
		tei:       tei,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run starts the sync loop. Blocks until ctx is cancelled.
func (w *SyncWorker) Run(ctx context.Context) {
	slog.Info("embedding sync worker started",
		"interval", w.interval,
		"batch_size", w.batchSize,
	)

	// Initial sync on startup (backfill)
	if embedded, err := w.SyncOnce(ctx); err != nil {
		slog.Warn("initial embedding sync failed", "error", err)
	} else if embedded > 0 {
		slog.Info("initial embedding sync complete", "embedded", embedded)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("embedding sync worker stopping")
			return
		case <-ticker.C:
			if embedded, err := w.SyncOnce(ctx); err != nil {
				slog.Warn("embedding sync cycle failed", "error", err)
			} else if embedded > 0 {
				slog.Info("embedding sync cycle", "embedded", embedded)
			}
		}
	}
}

// SyncOnce runs a single sync cycle: render every known fact as a
// statement, diff content hashes against what pgvector already holds,
// embed the new or stale ones via TEI in batches, and drop vectors whose
// fact no longer exists.
func (w *SyncWorker) SyncOnce(ctx context.Context) (int, error) {
	statements := w.profiles.FactStatements()

	embedded, err := w.store.Embedded(ctx)
	if err != nil {
		return 0, fmt.Errorf("get embedded: %w", err)
	}

	live := make(map[string]bool, len(statements))
	var toEmbed []Fact
	for _, st := range statements {
		live[st.ID] = true
		hash := ContentHash(st.Text)
		if existing, ok := embedded[st.ID]; ok && existing == hash {
			continue
		}
		toEmbed = append(toEmbed, Fact{ID: st.ID, UserID: st.UserID, Text: st.Text, Hash: hash})
	}

	if removed, err := w.store.DeleteMissing(ctx, live); err != nil {
		slog.Warn("prune stale embeddings failed", "error", err)
	} else if removed > 0 {
		slog.Info("pruned stale embeddings", "removed", removed)
	}

	if len(toEmbed) == 0 {
		return 0, nil
	}

	slog.Info("facts need embedding",
		"total", len(statements),
		"already_embedded", len(embedded),
		"to_embed", len(toEmbed),
	)

	totalEmbedded := 0
	for i := 0; i < len(toEmbed); i += w.batchSize {
		end := i + w.batchSize
		if end > len(toEmbed) {
			end = len(toEmbed)
		}
		batch := toEmbed[i:end]

		texts := make([]string, len(batch))
		for j, f := range batch {
			texts[j] = f.Text
		}

		embeddings, err := w.tei.EmbedDocuments(ctx, texts)
		if err != nil {
			slog.Warn("embed batch failed", "error", err, "batch_start", i, "batch_size", len(texts))
			continue
		}

		if err := w.store.UpsertBatch(ctx, batch, embeddings); err != nil {
			slog.Warn("store batch failed", "error", err, "batch_start", i)
			continue
		}

		totalEmbedded += len(embeddings)
		slog.Debug("batch embedded",
			"batch", i/w.batchSize+1,
			"count", len(embeddings),
			"total_so_far", totalEmbedded,
		)
	}

	return totalEmbedded, nil
}

// Recall embeds a query and returns the most similar facts for a user
// (or all users when userID is empty).
func (w *SyncWorker) Recall(ctx context.Context, query, userID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}
	vec, err := w.tei.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return w.store.Search(ctx, vec, userID, limit)
}

// ContentHash computes an MD5 hash of content for staleness detection.
func ContentHash(content string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(content)))
}

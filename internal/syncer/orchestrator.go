package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/checksync/checksync/internal/store"
	"github.com/checksync/checksync/internal/upstream"
	"github.com/checksync/checksync/pkg/models"
)

// FailureClusterer assigns failing results to error clusters. Clustering is a
// best-effort enrichment layer: its failures never block result storage.
type FailureClusterer interface {
	ClusterFailures(ctx context.Context, accountID string, results []models.CheckResult) error
}

// Config tunes one Orchestrator.
type Config struct {
	AccountID         string
	Window            time.Duration // how far back each run syncs
	Interval          time.Duration // 0 means a single run
	SyncResults       bool
	BatchSize         int
	EnrichConcurrency int
	RetryAttempts     int
	RetryBackoff      time.Duration
	Reconcile         ReconcileOptions
}

func (c Config) normalized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.EnrichConcurrency <= 0 {
		c.EnrichConcurrency = 8
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Minute
	}
	return c
}

// Orchestrator drives the periodic sync loop: reconcile, fetch, enrich,
// store, cluster, advance watermark, per entity in sequence.
type Orchestrator struct {
	cfg       Config
	upstream  upstream.Client
	store     store.Store
	enricher  *Enricher
	clusterer FailureClusterer // optional
	log       *slog.Logger
	now       func() time.Time
}

func NewOrchestrator(cfg Config, client upstream.Client, st store.Store, clusterer FailureClusterer, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg.normalized(),
		upstream:  client,
		store:     st,
		enricher:  NewEnricher(client),
		clusterer: clusterer,
		log:       log,
		now:       time.Now,
	}
}

// Run executes sync runs until ctx is cancelled. With a zero interval it
// performs exactly one run and returns its error; otherwise run failures are
// logged and the loop continues at the next tick.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.Interval <= 0 {
		return o.RunOnce(ctx)
	}

	if err := o.RunOnce(ctx); err != nil {
		o.log.Error("sync run failed", "error", err)
	}

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.log.Info("sync loop stopping")
			return nil
		case <-ticker.C:
			if err := o.RunOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				o.log.Error("sync run failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single full sync pass over all entities.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	start := o.now()
	to := start.UTC()
	from := to.Add(-o.cfg.Window)

	var entities []models.Entity
	err := o.withRetry(ctx, "list entities", func(ctx context.Context) error {
		var err error
		entities, err = o.upstream.ListEntities(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("list entities: %w", err)
	}

	if !o.cfg.SyncResults {
		o.log.Info("result syncing disabled, entity metadata refreshed",
			"entities", len(entities), "duration_ms", time.Since(start).Milliseconds())
		return nil
	}

	synced, failed := 0, 0
	for _, entity := range entities {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !entity.Activated {
			continue
		}
		// Some upstream payloads omit the account; fall back to the one the
		// client is configured for.
		if entity.AccountID == "" {
			entity.AccountID = o.cfg.AccountID
		}
		if err := o.syncEntity(ctx, entity, from, to); err != nil {
			failed++
			o.log.Error("entity sync failed", "entity_id", entity.ID, "error", err)
			continue
		}
		synced++
	}

	o.log.Info("sync run complete",
		"entities", len(entities), "synced", synced, "failed", failed,
		"from", from, "to", to, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// syncEntity processes one entity's unsynced chunks in chronological order.
// The watermark advances only after a chunk's writes succeed, so an abandoned
// chunk is retried on the next run.
func (o *Orchestrator) syncEntity(ctx context.Context, entity models.Entity, from, to time.Time) error {
	status, err := o.store.GetSyncStatus(ctx, entity.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("get sync status: %w", err)
	}

	chunks := ReconcilePeriods(status, from, to, o.cfg.Reconcile)
	if len(chunks) == 0 {
		return nil
	}

	for _, chunk := range chunks {
		if err := o.syncChunk(ctx, entity, chunk); err != nil {
			return fmt.Errorf("chunk [%s, %s]: %w",
				chunk.From.Format(time.RFC3339), chunk.To.Format(time.RFC3339), err)
		}
	}
	return nil
}

func (o *Orchestrator) syncChunk(ctx context.Context, entity models.Entity, chunk Period) error {
	var results []models.CheckResult
	err := o.withRetry(ctx, "list results", func(ctx context.Context) error {
		var err error
		results, err = o.upstream.ListResults(ctx, entity.ID, chunk.From, chunk.To)
		return err
	})
	if err != nil {
		return err
	}

	written, skipped := 0, 0
	for start := 0; start < len(results); start += o.cfg.BatchSize {
		end := start + o.cfg.BatchSize
		if end > len(results) {
			end = len(results)
		}
		batch := results[start:end]

		if err := o.withRetry(ctx, "enrich results", func(ctx context.Context) error {
			return o.enrichBatch(ctx, batch)
		}); err != nil {
			return err
		}

		w, s, err := o.store.InsertResults(ctx, batch)
		if err != nil {
			return err
		}
		written += w
		skipped += s

		if o.clusterer != nil {
			var failing []models.CheckResult
			for _, r := range batch {
				if r.Failing() {
					failing = append(failing, r)
				}
			}
			if len(failing) > 0 {
				if err := o.clusterer.ClusterFailures(ctx, entity.AccountID, failing); err != nil {
					o.log.Warn("clustering failed for batch",
						"entity_id", entity.ID, "failing", len(failing), "error", err)
				}
			}
		}
	}

	if err := o.store.UpsertSyncStatus(ctx, models.SyncStatus{
		EntityID:  entity.ID,
		AccountID: entity.AccountID,
		From:      chunk.From,
		To:        chunk.To,
		SyncedAt:  o.now().UTC(),
	}); err != nil {
		return err
	}

	o.log.Debug("chunk synced",
		"entity_id", entity.ID, "chunk_from", chunk.From, "chunk_to", chunk.To,
		"results", len(results), "written", written, "skipped", skipped)
	return nil
}

// enrichBatch fetches detail payloads for failing results with bounded
// fan-out, mutating the batch in place. Re-running it is harmless, so the
// whole batch retries on failure.
func (o *Orchestrator) enrichBatch(ctx context.Context, batch []models.CheckResult) error {
	sem := make(chan struct{}, o.cfg.EnrichConcurrency)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for i := range batch {
		if !batch[i].NeedsEnrichment() || batch[i].Detail != nil {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			enriched, err := o.enricher.Enrich(ctx, batch[i])
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			batch[i] = enriched
		}(i)
	}

	wg.Wait()
	return firstErr
}

// withRetry runs fn up to 1+RetryAttempts times with a fixed backoff,
// observing cancellation between attempts.
func (o *Orchestrator) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= o.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			o.log.Warn("retrying", "op", op, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.RetryBackoff):
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}

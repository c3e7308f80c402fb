package clusterer

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/checksync/checksync/internal/cache"
	"github.com/checksync/checksync/internal/store"
	"github.com/checksync/checksync/pkg/models"
)

// DefaultDistanceThreshold is the inclusive cosine-distance bound for
// attaching a result to an existing cluster. Fixed design constant; do not
// re-derive without sign-off.
const DefaultDistanceThreshold = 0.05

const embeddingCacheTTL = 24 * time.Hour

// Clusterer assigns failing results to error clusters: derive the canonical
// error string, embed it, and attach to the nearest cluster within the
// distance threshold or create a new one.
type Clusterer struct {
	store     store.Store
	embedder  models.EmbeddingProvider
	cache     cache.Cache // optional
	threshold float64
	log       *slog.Logger
}

func New(st store.Store, embedder models.EmbeddingProvider, c cache.Cache, threshold float64, log *slog.Logger) *Clusterer {
	if threshold <= 0 {
		threshold = DefaultDistanceThreshold
	}
	if log == nil {
		log = slog.Default()
	}
	return &Clusterer{
		store:     st,
		embedder:  embedder,
		cache:     c,
		threshold: threshold,
		log:       log,
	}
}

// ClusterFailures clusters a batch of failing results for one account.
// Assignment is idempotent per (cluster, result) pair; a failed record does
// not abort the rest of the batch.
func (c *Clusterer) ClusterFailures(ctx context.Context, accountID string, results []models.CheckResult) error {
	var failing []models.CheckResult
	for _, r := range results {
		if r.Failing() {
			failing = append(failing, r)
		}
	}
	if len(failing) == 0 {
		return nil
	}

	texts := make([]string, len(failing))
	for i, r := range failing {
		texts[i] = CanonicalError(r)
	}

	vectors, err := c.embedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding %d canonical errors: %w", len(texts), err)
	}

	var errs []error
	for i, r := range failing {
		if err := c.assign(ctx, accountID, r, texts[i], vectors[i]); err != nil {
			errs = append(errs, fmt.Errorf("result %s: %w", r.ID, err))
		}
	}
	return errors.Join(errs...)
}

// embedTexts returns one vector per input text, order-preserving. Distinct
// texts are embedded once; the Redis cache short-circuits texts seen before.
func (c *Clusterer) embedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	model := c.embedder.Model()
	byText := make(map[string][]float32)
	var misses []string

	for _, t := range texts {
		if _, seen := byText[t]; seen {
			continue
		}
		byText[t] = nil
		if c.cache != nil {
			vec, ok, err := c.cache.GetEmbedding(ctx, model, textHash(t))
			if err != nil {
				c.log.Warn("embedding cache read failed", "error", err)
			} else if ok {
				byText[t] = vec
				continue
			}
		}
		misses = append(misses, t)
	}

	if len(misses) > 0 {
		vectors, err := c.embedder.Embed(ctx, misses)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(misses) {
			return nil, fmt.Errorf("expected %d vectors, got %d", len(misses), len(vectors))
		}
		for i, t := range misses {
			byText[t] = vectors[i]
			if c.cache != nil {
				if err := c.cache.SetEmbedding(ctx, model, textHash(t), vectors[i], embeddingCacheTTL); err != nil {
					c.log.Warn("embedding cache write failed", "error", err)
				}
			}
		}
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = byText[t]
	}
	return out, nil
}

// assign attaches one failing result to its cluster. A nearest cluster at
// distance <= threshold (inclusive) is the match; otherwise a new cluster is
// created from this result.
func (c *Clusterer) assign(ctx context.Context, accountID string, r models.CheckResult, text string, vector []float32) error {
	seenAt := r.StartedAt.UTC()

	var clusterID uuid.UUID
	nearest, distance, err := c.store.NearestCluster(ctx, accountID, vector)
	switch {
	case errors.Is(err, store.ErrNotFound), err == nil && distance > c.threshold:
		now := time.Now().UTC()
		cluster := &models.ErrorCluster{
			ID:             uuid.New(),
			AccountID:      accountID,
			ErrorMessage:   text,
			Embedding:      vector,
			EmbeddingModel: c.embedder.Model(),
			FirstSeenAt:    seenAt,
			LastSeenAt:     seenAt,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := c.store.CreateCluster(ctx, cluster); err != nil {
			return err
		}
		clusterID = cluster.ID
		c.log.Debug("created error cluster", "cluster_id", clusterID, "message", text)
	case err != nil:
		return err
	default:
		clusterID = nearest.ID
		if err := c.store.TouchClusterLastSeen(ctx, clusterID, seenAt); err != nil {
			return err
		}
	}

	return c.store.InsertClusterMember(ctx, models.ErrorClusterMember{
		ClusterID:      clusterID,
		ResultID:       r.ID,
		EntityID:       r.EntityID,
		Date:           seenAt,
		Embedding:      vector,
		EmbeddingModel: c.embedder.Model(),
	})
}

func textHash(t string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(t)))
}

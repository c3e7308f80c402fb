package syncer

import (
	"context"
	"fmt"

	"github.com/checksync/checksync/internal/upstream"
	"github.com/checksync/checksync/pkg/models"
)

// Enricher lazily upgrades result summaries to full detail. Only failing,
// errored or degraded results are worth a detail fetch; passing results are
// returned unchanged.
type Enricher struct {
	upstream upstream.Client
}

func NewEnricher(client upstream.Client) *Enricher {
	return &Enricher{upstream: client}
}

func (e *Enricher) Enrich(ctx context.Context, result models.CheckResult) (models.CheckResult, error) {
	if !result.NeedsEnrichment() {
		return result, nil
	}

	detail, err := e.upstream.GetResultDetail(ctx, result.EntityID, result.ID)
	if err != nil {
		return result, fmt.Errorf("enrich result %s: %w", result.ID, err)
	}
	result.Detail = detail
	return result, nil
}

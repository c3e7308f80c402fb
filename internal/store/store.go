package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/checksync/checksync/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// InsertResults writes results idempotently: a duplicate id is a no-op,
	// never an overwrite. Returns how many rows were written vs skipped.
	InsertResults(ctx context.Context, results []models.CheckResult) (written, skipped int, err error)
	FindResultsByEntity(ctx context.Context, entityID string, from, to time.Time) ([]models.CheckResult, error)
	FindAggregated(ctx context.Context, filter AggregateFilter, bucketWidth time.Duration) ([]models.AggregatedBucket, error)

	GetSyncStatus(ctx context.Context, entityID string) (*models.SyncStatus, error)
	// UpsertSyncStatus merges monotonically: synced_to only moves forward and
	// synced_from is fixed at first creation.
	UpsertSyncStatus(ctx context.Context, status models.SyncStatus) error

	NearestCluster(ctx context.Context, accountID string, embedding []float32) (*models.ErrorCluster, float64, error)
	CreateCluster(ctx context.Context, cluster *models.ErrorCluster) error
	TouchClusterLastSeen(ctx context.Context, id uuid.UUID, seenAt time.Time) error
	InsertClusterMember(ctx context.Context, member models.ErrorClusterMember) error
	ListClusters(ctx context.Context, filter ClusterFilter) ([]*models.ErrorCluster, int, error)
}

// AggregateFilter restricts the bucket aggregation query.
type AggregateFilter struct {
	AccountID string
	EntityID  string
	Location  string
	From      time.Time
	To        time.Time
}

// ClusterFilter restricts and paginates cluster listing.
type ClusterFilter struct {
	AccountID string
	Since     time.Time
	Page      int
	Limit     int
}

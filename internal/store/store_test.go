package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/checksync/checksync/internal/embed/mock"
	"github.com/checksync/checksync/internal/store"
	"github.com/checksync/checksync/pkg/models"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a pgvector-enabled Postgres container, runs migrations,
// and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("checksync_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Run migrations
	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func testResult(id string, startedAt time.Time) models.CheckResult {
	return models.CheckResult{
		ID:        id,
		EntityID:  "e1",
		AccountID: "a1",
		Location:  "eu-west",
		StartedAt: startedAt,
		StoppedAt: startedAt.Add(2 * time.Second),
		Attempt:   1,
		Type:      models.ResultTypeFinal,
		FetchedAt: time.Now().UTC(),
	}
}

func testCluster(accountID, message string, seenAt time.Time) *models.ErrorCluster {
	return &models.ErrorCluster{
		ID:             uuid.New(),
		AccountID:      accountID,
		ErrorMessage:   message,
		Embedding:      mock.Vector(message),
		EmbeddingModel: "mock-embed-v1",
		FirstSeenAt:    seenAt,
		LastSeenAt:     seenAt,
		CreatedAt:      seenAt,
		UpdatedAt:      seenAt,
	}
}

// --- Result Tests ---

func TestInsertResults_IdempotentCounts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := []models.CheckResult{
		testResult("r1", now),
		testResult("r2", now.Add(time.Minute)),
		testResult("r3", now.Add(2*time.Minute)),
	}
	written, skipped, err := s.InsertResults(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 3, written)
	assert.Equal(t, 0, skipped)

	// Re-sync an overlapping chunk: duplicates are no-ops, never overwrites.
	second := append(first,
		testResult("r4", now.Add(3*time.Minute)),
		testResult("r5", now.Add(4*time.Minute)))
	written, skipped, err = s.InsertResults(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 2, written)
	assert.Equal(t, 3, skipped)
}

func TestFindResultsByEntity_OrderedWithDetail(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	raw := json.RawMessage(`{"checkType": "API", "apiCheckResult": {"assertionError": "expected 200, got 500"}}`)
	failing := testResult("r-fail", now.Add(time.Minute))
	failing.HasFailures = true
	failing.Detail = &models.ResultDetail{Kind: models.DetailKindAPI, Raw: raw}

	_, _, err := s.InsertResults(ctx, []models.CheckResult{
		testResult("r-later", now.Add(2*time.Minute)),
		failing,
		testResult("r-early", now),
	})
	require.NoError(t, err)

	results, err := s.FindResultsByEntity(ctx, "e1", now, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "r-early", results[0].ID)
	assert.Equal(t, "r-fail", results[1].ID)
	assert.Equal(t, "r-later", results[2].ID)

	require.NotNil(t, results[1].Detail)
	require.NotNil(t, results[1].Detail.API)
	assert.Equal(t, "expected 200, got 500", results[1].Detail.API.AssertionError)
	assert.Nil(t, results[0].Detail)
}

func TestFindAggregated_BucketCounts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	// Fixed bucket boundary so all results land in one 30m bucket.
	bucketStart := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	pass := testResult("agg-pass", bucketStart.Add(time.Minute))
	degraded := testResult("agg-degraded", bucketStart.Add(2*time.Minute))
	degraded.IsDegraded = true
	failed := testResult("agg-failed", bucketStart.Add(3*time.Minute))
	failed.HasFailures = true
	attempt := testResult("agg-attempt", bucketStart.Add(4*time.Minute))
	attempt.Type = models.ResultTypeAttempt
	attempt.HasErrors = true

	_, _, err := s.InsertResults(ctx, []models.CheckResult{pass, degraded, failed, attempt})
	require.NoError(t, err)

	buckets, err := s.FindAggregated(ctx, store.AggregateFilter{
		AccountID: "a1",
		EntityID:  "e1",
		From:      bucketStart,
		To:        bucketStart.Add(30 * time.Minute),
	}, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, buckets, 1)

	b := buckets[0]
	assert.Equal(t, "e1", b.EntityID)
	assert.Equal(t, "eu-west", b.Location)
	assert.Equal(t, bucketStart, b.BucketStart)
	assert.Equal(t, 1, b.FinalPassing)
	assert.Equal(t, 1, b.FinalDegraded)
	assert.Equal(t, 1, b.FinalFailing)
	assert.Equal(t, 1, b.AttemptFailing)
	assert.Equal(t, 0, b.AttemptPassing)
}

// --- Sync Status Tests ---

func TestSyncStatus_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetSyncStatus(context.Background(), "missing-entity")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncStatus_UpsertAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	err := s.UpsertSyncStatus(ctx, models.SyncStatus{
		EntityID: "e1", AccountID: "a1",
		From: now.Add(-time.Hour), To: now, SyncedAt: now,
	})
	require.NoError(t, err)

	got, err := s.GetSyncStatus(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.EntityID)
	assert.Equal(t, now.Add(-time.Hour), got.From.UTC())
	assert.Equal(t, now, got.To.UTC())
}

func TestSyncStatus_WatermarkNeverMovesBackwards(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.UpsertSyncStatus(ctx, models.SyncStatus{
		EntityID: "e1", AccountID: "a1",
		From: now.Add(-time.Hour), To: now, SyncedAt: now,
	}))

	// A re-sync of an older chunk must not pull the watermark back or
	// rewrite the tracked start.
	require.NoError(t, s.UpsertSyncStatus(ctx, models.SyncStatus{
		EntityID: "e1", AccountID: "a1",
		From: now.Add(-30 * time.Minute), To: now.Add(-10 * time.Minute), SyncedAt: now,
	}))

	got, err := s.GetSyncStatus(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(-time.Hour), got.From.UTC(), "synced_from is fixed at creation")
	assert.Equal(t, now, got.To.UTC(), "synced_to must not regress")

	// A later chunk does advance it.
	require.NoError(t, s.UpsertSyncStatus(ctx, models.SyncStatus{
		EntityID: "e1", AccountID: "a1",
		From: now, To: now.Add(time.Hour), SyncedAt: now,
	}))
	got, err = s.GetSyncStatus(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), got.To.UTC())
}

// --- Error Cluster Tests ---

func TestNearestCluster_EmptyTable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, _, err := s.NearestCluster(context.Background(), "a1", mock.Vector("anything"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNearestCluster_ExactMatchAtZeroDistance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	cluster := testCluster("a1", "connection refused", now)
	require.NoError(t, s.CreateCluster(ctx, cluster))
	require.NoError(t, s.CreateCluster(ctx, testCluster("a1", "assertion failed", now)))

	got, distance, err := s.NearestCluster(ctx, "a1", mock.Vector("connection refused"))
	require.NoError(t, err)
	assert.Equal(t, cluster.ID, got.ID)
	assert.Equal(t, "connection refused", got.ErrorMessage)
	assert.InDelta(t, 0.0, distance, 1e-6)
	assert.Len(t, got.Embedding, mock.Dim)
}

func TestNearestCluster_UnrelatedTextIsFar(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.CreateCluster(ctx, testCluster("a1", "connection refused", now)))

	// Hash-derived vectors for distinct texts are effectively orthogonal.
	_, distance, err := s.NearestCluster(ctx, "a1", mock.Vector("totally different failure"))
	require.NoError(t, err)
	assert.Greater(t, distance, 0.5)
}

func TestNearestCluster_ScopedToAccount(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.CreateCluster(ctx, testCluster("other-account", "connection refused", now)))

	_, _, err := s.NearestCluster(ctx, "a1", mock.Vector("connection refused"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTouchClusterLastSeen(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	cluster := testCluster("a1", "timeout", now.Add(-time.Hour))
	require.NoError(t, s.CreateCluster(ctx, cluster))

	require.NoError(t, s.TouchClusterLastSeen(ctx, cluster.ID, now))

	got, _, err := s.NearestCluster(ctx, "a1", mock.Vector("timeout"))
	require.NoError(t, err)
	assert.Equal(t, now, got.LastSeenAt.UTC().Truncate(time.Microsecond))
	// Older sightings never pull last_seen_at back.
	require.NoError(t, s.TouchClusterLastSeen(ctx, cluster.ID, now.Add(-2*time.Hour)))
	got, _, err = s.NearestCluster(ctx, "a1", mock.Vector("timeout"))
	require.NoError(t, err)
	assert.Equal(t, now, got.LastSeenAt.UTC().Truncate(time.Microsecond))
}

func TestTouchClusterLastSeen_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.TouchClusterLastSeen(context.Background(), uuid.New(), time.Now().UTC())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInsertClusterMember_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	cluster := testCluster("a1", "timeout", now)
	require.NoError(t, s.CreateCluster(ctx, cluster))

	member := models.ErrorClusterMember{
		ClusterID:      cluster.ID,
		ResultID:       "r1",
		EntityID:       "e1",
		Date:           now,
		Embedding:      mock.Vector("timeout"),
		EmbeddingModel: "mock-embed-v1",
	}
	require.NoError(t, s.InsertClusterMember(ctx, member))
	// Re-clustering the same result is a no-op, not an error.
	require.NoError(t, s.InsertClusterMember(ctx, member))

	var count int
	err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM error_cluster_membership WHERE error_id = $1 AND result_id = $2`,
		cluster.ID, "r1").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestListClusters_PaginationAndSince(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	for i := 0; i < 5; i++ {
		c := testCluster("a1", "error-"+uuid.NewString()[:8], now.Add(-time.Duration(i)*time.Hour))
		require.NoError(t, s.CreateCluster(ctx, c))
	}

	clusters, total, err := s.ListClusters(ctx, store.ClusterFilter{
		AccountID: "a1", Page: 1, Limit: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, clusters, 3)
	// Most recently seen first.
	assert.True(t, clusters[0].LastSeenAt.After(clusters[1].LastSeenAt))

	clusters, total, err = s.ListClusters(ctx, store.ClusterFilter{
		AccountID: "a1", Since: now.Add(-90 * time.Minute), Page: 1, Limit: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, clusters, 2)
}

// --- Ping Test ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.Ping(context.Background())
	assert.NoError(t, err)
}

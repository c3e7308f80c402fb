package clusterer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/checksync/checksync/internal/embed/mock"
	"github.com/checksync/checksync/internal/store"
	"github.com/checksync/checksync/pkg/models"
)

// fakeClusterStore records cluster mutations and serves a scripted
// nearest-neighbor answer.
type fakeClusterStore struct {
	store.Store

	nearest     *models.ErrorCluster
	nearestDist float64
	nearestErr  error

	created []*models.ErrorCluster
	touched []uuid.UUID
	members []models.ErrorClusterMember

	memberErr error
}

func (f *fakeClusterStore) NearestCluster(_ context.Context, _ string, _ []float32) (*models.ErrorCluster, float64, error) {
	if f.nearestErr != nil {
		return nil, 0, f.nearestErr
	}
	return f.nearest, f.nearestDist, nil
}

func (f *fakeClusterStore) CreateCluster(_ context.Context, cluster *models.ErrorCluster) error {
	f.created = append(f.created, cluster)
	return nil
}

func (f *fakeClusterStore) TouchClusterLastSeen(_ context.Context, id uuid.UUID, _ time.Time) error {
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeClusterStore) InsertClusterMember(_ context.Context, member models.ErrorClusterMember) error {
	if f.memberErr != nil {
		return f.memberErr
	}
	f.members = append(f.members, member)
	return nil
}

func apiFailure(id, msg string) models.CheckResult {
	return models.CheckResult{
		ID:        id,
		EntityID:  "e1",
		AccountID: "a1",
		Location:  "eu-west",
		StartedAt: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		HasErrors: true,
		Detail: &models.ResultDetail{
			Kind: models.DetailKindAPI,
			API:  &models.APIDetail{AssertionError: msg},
		},
	}
}

func TestClusterFailures_CreatesClusterWhenNoneExist(t *testing.T) {
	fake := &fakeClusterStore{nearestErr: store.ErrNotFound}
	c := New(fake, mock.NewProvider(), nil, 0, nil)

	r := apiFailure("res-1", "expected 200, got 500")
	err := c.ClusterFailures(context.Background(), "a1", []models.CheckResult{r})
	require.NoError(t, err)

	require.Len(t, fake.created, 1)
	cluster := fake.created[0]
	assert.Equal(t, "a1", cluster.AccountID)
	assert.Equal(t, "expected 200, got 500", cluster.ErrorMessage)
	assert.Equal(t, "mock-embed-v1", cluster.EmbeddingModel)
	assert.Equal(t, r.StartedAt, cluster.FirstSeenAt)
	assert.Equal(t, r.StartedAt, cluster.LastSeenAt)

	require.Len(t, fake.members, 1)
	assert.Equal(t, cluster.ID, fake.members[0].ClusterID)
	assert.Equal(t, "res-1", fake.members[0].ResultID)
	assert.Empty(t, fake.touched)
}

func TestClusterFailures_MatchesAtThresholdInclusive(t *testing.T) {
	existing := &models.ErrorCluster{ID: uuid.New(), AccountID: "a1"}
	fake := &fakeClusterStore{nearest: existing, nearestDist: 0.05}
	c := New(fake, mock.NewProvider(), nil, 0.05, nil)

	err := c.ClusterFailures(context.Background(), "a1", []models.CheckResult{apiFailure("res-1", "timeout")})
	require.NoError(t, err)

	assert.Empty(t, fake.created, "distance exactly at the threshold must match, not fork")
	require.Len(t, fake.touched, 1)
	assert.Equal(t, existing.ID, fake.touched[0])
	require.Len(t, fake.members, 1)
	assert.Equal(t, existing.ID, fake.members[0].ClusterID)
}

func TestClusterFailures_NewClusterJustOverThreshold(t *testing.T) {
	existing := &models.ErrorCluster{ID: uuid.New(), AccountID: "a1"}
	fake := &fakeClusterStore{nearest: existing, nearestDist: 0.0501}
	c := New(fake, mock.NewProvider(), nil, 0.05, nil)

	err := c.ClusterFailures(context.Background(), "a1", []models.CheckResult{apiFailure("res-1", "timeout")})
	require.NoError(t, err)

	require.Len(t, fake.created, 1)
	assert.Empty(t, fake.touched)
	require.Len(t, fake.members, 1)
	assert.Equal(t, fake.created[0].ID, fake.members[0].ClusterID)
}

func TestClusterFailures_IgnoresPassingResults(t *testing.T) {
	fake := &fakeClusterStore{nearestErr: store.ErrNotFound}
	embedCalls := 0
	provider := mock.NewProvider()
	provider.EmbedFunc = func(_ context.Context, texts []string) ([][]float32, error) {
		embedCalls++
		vectors := make([][]float32, len(texts))
		for i, txt := range texts {
			vectors[i] = mock.Vector(txt)
		}
		return vectors, nil
	}
	c := New(fake, provider, nil, 0, nil)

	passing := models.CheckResult{ID: "res-ok", AccountID: "a1"}
	err := c.ClusterFailures(context.Background(), "a1", []models.CheckResult{passing})
	require.NoError(t, err)

	assert.Zero(t, embedCalls)
	assert.Empty(t, fake.created)
	assert.Empty(t, fake.members)
}

func TestClusterFailures_EmbedsDistinctTextsOnce(t *testing.T) {
	fake := &fakeClusterStore{nearestErr: store.ErrNotFound}
	var embedded []string
	provider := mock.NewProvider()
	provider.EmbedFunc = func(_ context.Context, texts []string) ([][]float32, error) {
		embedded = append(embedded, texts...)
		vectors := make([][]float32, len(texts))
		for i, txt := range texts {
			vectors[i] = mock.Vector(txt)
		}
		return vectors, nil
	}
	c := New(fake, provider, nil, 0, nil)

	batch := []models.CheckResult{
		apiFailure("res-1", "connection refused"),
		apiFailure("res-2", "connection refused"),
		apiFailure("res-3", "timeout"),
	}
	err := c.ClusterFailures(context.Background(), "a1", batch)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"connection refused", "timeout"}, embedded)
	assert.Len(t, fake.members, 3)
}

func TestClusterFailures_EmbeddingCacheHitSkipsProvider(t *testing.T) {
	fake := &fakeClusterStore{nearestErr: store.ErrNotFound}
	provider := mock.NewFailingProvider(errors.New("provider must not be called"))
	cached := mock.Vector("connection refused")

	mc := newMemCache()
	require.NoError(t, mc.SetEmbedding(context.Background(), provider.Model(),
		textHash("connection refused"), cached, time.Hour))

	c := New(fake, provider, mc, 0, nil)
	err := c.ClusterFailures(context.Background(), "a1", []models.CheckResult{apiFailure("res-1", "connection refused")})
	require.NoError(t, err)
	require.Len(t, fake.members, 1)
	assert.Equal(t, cached, fake.members[0].Embedding)
}

func TestClusterFailures_EmbedderFailurePropagates(t *testing.T) {
	fake := &fakeClusterStore{nearestErr: store.ErrNotFound}
	provider := mock.NewFailingProvider(errors.New("provider down"))
	c := New(fake, provider, nil, 0, nil)

	err := c.ClusterFailures(context.Background(), "a1", []models.CheckResult{apiFailure("res-1", "timeout")})
	require.Error(t, err)
	assert.Empty(t, fake.created)
	assert.Empty(t, fake.members)
}

func TestClusterFailures_MemberFailureDoesNotHideOthers(t *testing.T) {
	fake := &fakeClusterStore{nearestErr: store.ErrNotFound, memberErr: errors.New("insert failed")}
	c := New(fake, mock.NewProvider(), nil, 0, nil)

	batch := []models.CheckResult{
		apiFailure("res-1", "timeout"),
		apiFailure("res-2", "connection refused"),
	}
	err := c.ClusterFailures(context.Background(), "a1", batch)
	require.Error(t, err)
	// Both results were still attempted.
	assert.Len(t, fake.created, 2)
}

// memCache is an in-memory Cache for tests.
type memCache struct {
	mu   sync.Mutex
	data map[string][]float32
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]float32)}
}

func (m *memCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (m *memCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (m *memCache) Delete(context.Context, string) error                     { return nil }
func (m *memCache) Ping(context.Context) error                               { return nil }

func (m *memCache) SetEmbedding(_ context.Context, model, textHash string, vector []float32, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[model+"/"+textHash] = vector
	return nil
}

func (m *memCache) GetEmbedding(_ context.Context, model, textHash string) ([]float32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[model+"/"+textHash]
	return v, ok, nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/checksync/checksync/pkg/models"
)

// insertBatchSize bounds how many result rows go into one pgx batch.
const insertBatchSize = 100

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Results ---

func (s *PostgresStore) InsertResults(ctx context.Context, results []models.CheckResult) (int, int, error) {
	written := 0
	for start := 0; start < len(results); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(results) {
			end = len(results)
		}

		batch := &pgx.Batch{}
		for _, r := range results[start:end] {
			var detail []byte
			if r.Detail != nil && len(r.Detail.Raw) > 0 {
				detail = r.Detail.Raw
			}
			batch.Queue(
				`INSERT INTO results (id, entity_id, account_id, location, started_at, stopped_at, attempt, result_type, has_errors, has_failures, is_degraded, response_time, detail, fetched_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
				 ON CONFLICT (id) DO NOTHING`,
				r.ID, r.EntityID, r.AccountID, r.Location, r.StartedAt, r.StoppedAt,
				r.Attempt, r.Type, r.HasErrors, r.HasFailures, r.IsDegraded,
				r.ResponseTimeMs, detail, r.FetchedAt)
		}

		br := s.pool.SendBatch(ctx, batch)
		for range results[start:end] {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return written, 0, fmt.Errorf("insert results: %w", err)
			}
			written += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return written, 0, fmt.Errorf("close result batch: %w", err)
		}
	}
	return written, len(results) - written, nil
}

func (s *PostgresStore) FindResultsByEntity(ctx context.Context, entityID string, from, to time.Time) ([]models.CheckResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_id, account_id, location, started_at, stopped_at, attempt, result_type, has_errors, has_failures, is_degraded, response_time, detail, fetched_at
		 FROM results
		 WHERE entity_id = $1 AND started_at >= $2 AND started_at <= $3
		 ORDER BY started_at ASC`, entityID, from, to)
	if err != nil {
		return nil, fmt.Errorf("find results by entity: %w", err)
	}
	defer rows.Close()

	var results []models.CheckResult
	for rows.Next() {
		var r models.CheckResult
		var detail []byte
		if err := rows.Scan(&r.ID, &r.EntityID, &r.AccountID, &r.Location, &r.StartedAt,
			&r.StoppedAt, &r.Attempt, &r.Type, &r.HasErrors, &r.HasFailures, &r.IsDegraded,
			&r.ResponseTimeMs, &detail, &r.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if len(detail) > 0 {
			d, err := models.DecodeDetail(detail)
			if err != nil {
				return nil, fmt.Errorf("decode result detail %s: %w", r.ID, err)
			}
			r.Detail = d
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *PostgresStore) FindAggregated(ctx context.Context, filter AggregateFilter, bucketWidth time.Duration) ([]models.AggregatedBucket, error) {
	conditions := []string{"account_id = $1"}
	args := []any{filter.AccountID}
	argIdx := 2

	if filter.EntityID != "" {
		conditions = append(conditions, fmt.Sprintf("entity_id = $%d", argIdx))
		args = append(args, filter.EntityID)
		argIdx++
	}
	if filter.Location != "" {
		conditions = append(conditions, fmt.Sprintf("location = $%d", argIdx))
		args = append(args, filter.Location)
		argIdx++
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, fmt.Sprintf("started_at >= $%d", argIdx))
		args = append(args, filter.From)
		argIdx++
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, fmt.Sprintf("started_at < $%d", argIdx))
		args = append(args, filter.To)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")
	widthArg := argIdx
	args = append(args, int64(bucketWidth.Seconds()))

	query := fmt.Sprintf(`
		SELECT entity_id, location,
		       to_timestamp(floor(extract(epoch FROM started_at) / $%[1]d) * $%[1]d) AS bucket_start,
		       COUNT(*) FILTER (WHERE result_type = 'FINAL' AND NOT has_errors AND NOT has_failures AND NOT is_degraded),
		       COUNT(*) FILTER (WHERE result_type = 'FINAL' AND is_degraded AND NOT has_errors AND NOT has_failures),
		       COUNT(*) FILTER (WHERE result_type = 'FINAL' AND (has_errors OR has_failures)),
		       COUNT(*) FILTER (WHERE result_type = 'ATTEMPT' AND NOT has_errors AND NOT has_failures AND NOT is_degraded),
		       COUNT(*) FILTER (WHERE result_type = 'ATTEMPT' AND is_degraded AND NOT has_errors AND NOT has_failures),
		       COUNT(*) FILTER (WHERE result_type = 'ATTEMPT' AND (has_errors OR has_failures))
		FROM results
		WHERE %s
		GROUP BY entity_id, location, bucket_start
		ORDER BY entity_id, location, bucket_start`, widthArg, where)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find aggregated: %w", err)
	}
	defer rows.Close()

	var buckets []models.AggregatedBucket
	for rows.Next() {
		var b models.AggregatedBucket
		if err := rows.Scan(&b.EntityID, &b.Location, &b.BucketStart,
			&b.FinalPassing, &b.FinalDegraded, &b.FinalFailing,
			&b.AttemptPassing, &b.AttemptDegraded, &b.AttemptFailing); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		b.BucketStart = b.BucketStart.UTC()
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// --- Sync status ---

func (s *PostgresStore) GetSyncStatus(ctx context.Context, entityID string) (*models.SyncStatus, error) {
	var st models.SyncStatus
	err := s.pool.QueryRow(ctx,
		`SELECT entity_id, account_id, synced_from, synced_to, synced_at
		 FROM sync_status WHERE entity_id = $1`, entityID,
	).Scan(&st.EntityID, &st.AccountID, &st.From, &st.To, &st.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync status: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) UpsertSyncStatus(ctx context.Context, status models.SyncStatus) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_status (entity_id, account_id, synced_from, synced_to, synced_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (entity_id) DO UPDATE SET
		   synced_to = GREATEST(sync_status.synced_to, EXCLUDED.synced_to),
		   synced_at = EXCLUDED.synced_at`,
		status.EntityID, status.AccountID, status.From, status.To, status.SyncedAt)
	if err != nil {
		return fmt.Errorf("upsert sync status: %w", err)
	}
	return nil
}

// --- Error clusters ---

func (s *PostgresStore) NearestCluster(ctx context.Context, accountID string, embedding []float32) (*models.ErrorCluster, float64, error) {
	var (
		c        models.ErrorCluster
		embText  string
		distance float64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, error_message, embedding::text, embedding_model, first_seen_at, last_seen_at, created_at, updated_at,
		        embedding <=> $2::vector AS distance
		 FROM error_cluster
		 WHERE account_id = $1
		 ORDER BY embedding <=> $2::vector ASC
		 LIMIT 1`, accountID, encodeVector(embedding),
	).Scan(&c.ID, &c.AccountID, &c.ErrorMessage, &embText, &c.EmbeddingModel,
		&c.FirstSeenAt, &c.LastSeenAt, &c.CreatedAt, &c.UpdatedAt, &distance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("nearest cluster: %w", err)
	}

	vec, err := parseVector(embText)
	if err != nil {
		return nil, 0, fmt.Errorf("nearest cluster embedding: %w", err)
	}
	c.Embedding = vec
	return &c, distance, nil
}

func (s *PostgresStore) CreateCluster(ctx context.Context, cluster *models.ErrorCluster) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO error_cluster (id, account_id, error_message, first_seen_at, last_seen_at, embedding, embedding_model, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $8, $9)`,
		cluster.ID, cluster.AccountID, cluster.ErrorMessage, cluster.FirstSeenAt,
		cluster.LastSeenAt, encodeVector(cluster.Embedding), cluster.EmbeddingModel,
		cluster.CreatedAt, cluster.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create cluster: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchClusterLastSeen(ctx context.Context, id uuid.UUID, seenAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE error_cluster
		 SET last_seen_at = GREATEST(last_seen_at, $2), updated_at = NOW()
		 WHERE id = $1`, id, seenAt)
	if err != nil {
		return fmt.Errorf("touch cluster last seen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertClusterMember(ctx context.Context, member models.ErrorClusterMember) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO error_cluster_membership (error_id, result_id, entity_id, date, embedding, embedding_model)
		 VALUES ($1, $2, $3, $4, $5::vector, $6)
		 ON CONFLICT (error_id, result_id) DO NOTHING`,
		member.ClusterID, member.ResultID, member.EntityID, member.Date,
		encodeVector(member.Embedding), member.EmbeddingModel)
	if err != nil {
		return fmt.Errorf("insert cluster member: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListClusters(ctx context.Context, filter ClusterFilter) ([]*models.ErrorCluster, int, error) {
	conditions := []string{"account_id = $1"}
	args := []any{filter.AccountID}
	argIdx := 2

	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("last_seen_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM error_cluster WHERE " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count clusters: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT id, account_id, error_message, embedding_model, first_seen_at, last_seen_at, created_at, updated_at
		 FROM error_cluster WHERE %s ORDER BY last_seen_at DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	var clusters []*models.ErrorCluster
	for rows.Next() {
		var c models.ErrorCluster
		if err := rows.Scan(&c.ID, &c.AccountID, &c.ErrorMessage, &c.EmbeddingModel,
			&c.FirstSeenAt, &c.LastSeenAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan cluster: %w", err)
		}
		clusters = append(clusters, &c)
	}
	return clusters, total, rows.Err()
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

package models

import (
	"time"

	"github.com/google/uuid"
)

// ErrorCluster is a canonical failure signature: a representative error
// message plus its embedding. New failing results attach to the nearest
// cluster within the distance threshold, or start a new one.
type ErrorCluster struct {
	ID             uuid.UUID `db:"id"              json:"id"`
	AccountID      string    `db:"account_id"      json:"account_id"`
	ErrorMessage   string    `db:"error_message"   json:"error_message"`
	Embedding      []float32 `db:"embedding"       json:"-"`
	EmbeddingModel string    `db:"embedding_model" json:"embedding_model"`
	FirstSeenAt    time.Time `db:"first_seen_at"   json:"first_seen_at"`
	LastSeenAt     time.Time `db:"last_seen_at"    json:"last_seen_at"`
	CreatedAt      time.Time `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"      json:"updated_at"`
}

// ErrorClusterMember joins one failing check result to its cluster.
// The (ClusterID, ResultID) pair is unique; membership is immutable.
type ErrorClusterMember struct {
	ClusterID      uuid.UUID `db:"error_id"        json:"cluster_id"`
	ResultID       string    `db:"result_id"       json:"result_id"`
	EntityID       string    `db:"entity_id"       json:"entity_id"`
	Date           time.Time `db:"date"            json:"date"`
	Embedding      []float32 `db:"embedding"       json:"-"`
	EmbeddingModel string    `db:"embedding_model" json:"embedding_model"`
}

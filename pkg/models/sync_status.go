package models

import "time"

// SyncStatus is the per-entity watermark record: the time range known to be
// fully synced. To only ever moves forward; From is fixed at first creation.
type SyncStatus struct {
	EntityID  string    `db:"entity_id"   json:"entity_id"`
	AccountID string    `db:"account_id"  json:"account_id"`
	From      time.Time `db:"synced_from" json:"from"`
	To        time.Time `db:"synced_to"   json:"to"`
	SyncedAt  time.Time `db:"synced_at"   json:"synced_at"`
}

// Entity is a monitored unit with recurring executions across locations.
type Entity struct {
	ID        string   `json:"id"`
	AccountID string   `json:"account_id"`
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Locations []string `json:"locations"`
	Activated bool     `json:"activated"`
}

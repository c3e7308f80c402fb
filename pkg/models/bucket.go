package models

import "time"

// AggregatedBucket holds per entity+location result counts for one fixed-width
// time bucket, split by final vs attempt result type. Buckets are derived from
// raw results on demand and never hand-edited.
type AggregatedBucket struct {
	EntityID    string    `db:"entity_id"    json:"entity_id"`
	Location    string    `db:"location"     json:"location"`
	BucketStart time.Time `db:"bucket_start" json:"bucket_start"`

	FinalPassing  int `db:"final_passing"  json:"final_passing"`
	FinalDegraded int `db:"final_degraded" json:"final_degraded"`
	FinalFailing  int `db:"final_failing"  json:"final_failing"`

	AttemptPassing  int `db:"attempt_passing"  json:"attempt_passing"`
	AttemptDegraded int `db:"attempt_degraded" json:"attempt_degraded"`
	AttemptFailing  int `db:"attempt_failing"  json:"attempt_failing"`
}

// FinalTotal is the number of final results mapped to the bucket.
func (b AggregatedBucket) FinalTotal() int {
	return b.FinalPassing + b.FinalDegraded + b.FinalFailing
}

// PassRate is the fraction of final results that passed. Degraded results
// count as passing for trend purposes. Returns 0 for an empty bucket.
func (b AggregatedBucket) PassRate() float64 {
	total := b.FinalTotal()
	if total == 0 {
		return 0
	}
	return float64(b.FinalPassing+b.FinalDegraded) / float64(total)
}

// ChangePointSeverity indicates the direction of a detected regime shift.
type ChangePointSeverity string

const (
	SeverityFailing ChangePointSeverity = "FAILING"
	SeverityPassing ChangePointSeverity = "PASSING"
)

// ChangePoint is a detected pass-rate regime shift for one entity+location,
// anchored at the start of the bucket with the largest cumulative deviation
// in its region.
type ChangePoint struct {
	EntityID  string              `json:"entity_id"`
	Location  string              `json:"location"`
	Timestamp time.Time           `json:"timestamp"`
	Severity  ChangePointSeverity `json:"severity"`
	Magnitude float64             `json:"magnitude"`
}

// Package syncer implements gap-aware incremental synchronization of check
// results against the upstream monitoring API.
package syncer

import (
	"time"

	"github.com/checksync/checksync/pkg/models"
)

// Reconciliation defaults.
const (
	DefaultChunkSize    = 60 * time.Minute
	DefaultChunkOverlap = time.Second
	DefaultSafetyMargin = 5 * time.Minute
)

// Period is a half-closed-in-spirit [From, To] fetch window.
type Period struct {
	From time.Time
	To   time.Time
}

// ReconcileOptions tunes gap computation and chunking. Zero values fall back
// to the package defaults; a nil Now uses the wall clock.
type ReconcileOptions struct {
	ChunkSize    time.Duration
	ChunkOverlap time.Duration
	SafetyMargin time.Duration
	Now          func() time.Time
}

func (o ReconcileOptions) normalized() ReconcileOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkOverlap < 0 {
		o.ChunkOverlap = DefaultChunkOverlap
	}
	if o.SafetyMargin <= 0 {
		o.SafetyMargin = DefaultSafetyMargin
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// ReconcilePeriods computes the chunks of [from, to] that still need fetching
// given the entity's current sync status. The union of the returned periods
// covers every previously-unsynced instant of the request; a request fully
// contained in the tracked range returns nothing.
//
// The tracked upper bound is only trusted up to now minus the safety margin,
// since upstream may still be writing recent data. A malformed request
// (from after to) yields nil rather than an error.
func ReconcilePeriods(status *models.SyncStatus, from, to time.Time, opts ReconcileOptions) []Period {
	if from.After(to) {
		return nil
	}
	opts = opts.normalized()

	var gaps []Period
	switch {
	case status == nil:
		gaps = []Period{{From: from, To: to}}
	case status.From.After(to):
		// Tracked range starts after the request ends; it cannot help.
		gaps = []Period{{From: from, To: to}}
	default:
		trustedTo := status.To
		if horizon := opts.Now().Add(-opts.SafetyMargin); trustedTo.After(horizon) {
			trustedTo = horizon
		}

		if from.Before(status.From) {
			gaps = append(gaps, Period{From: from, To: status.From})
		}
		if to.After(trustedTo) {
			gapFrom := trustedTo
			if gapFrom.Before(from) {
				gapFrom = from
			}
			gaps = append(gaps, Period{From: gapFrom, To: to})
		}
	}

	var chunks []Period
	for _, gap := range gaps {
		chunks = append(chunks, splitChunks(gap, opts.ChunkSize, opts.ChunkOverlap)...)
	}
	return chunks
}

// splitChunks cuts a period into chunks no wider than size plus a trailing
// overlap, so inclusive/exclusive boundary semantics upstream cannot drop
// results at chunk edges.
func splitChunks(p Period, size, overlap time.Duration) []Period {
	var chunks []Period
	cur := p.From
	for cur.Before(p.To) {
		end := cur.Add(size)
		if !end.Before(p.To) {
			chunks = append(chunks, Period{From: cur, To: p.To})
			break
		}
		chunkTo := end.Add(overlap)
		if chunkTo.After(p.To) {
			chunkTo = p.To
		}
		chunks = append(chunks, Period{From: cur, To: chunkTo})
		cur = end
	}
	return chunks
}

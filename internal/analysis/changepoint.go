// Package analysis detects pass-rate regime shifts from aggregated result
// buckets using a cumulative-deviation method.
package analysis

import (
	"math"
	"sort"

	"github.com/checksync/checksync/pkg/models"
)

// DefaultSigmaMultiplier scales the baseline stddev into the flagging
// threshold. Fixed design constant; do not re-derive without sign-off.
const DefaultSigmaMultiplier = 2.0

// Options tunes change-point detection. A zero SigmaMultiplier uses the
// default.
type Options struct {
	SigmaMultiplier float64
}

type seriesKey struct {
	entityID string
	location string
}

// DetectChangePoints compares an analysis window against a historical
// baseline, per entity+location, and returns one change point per contiguous
// region where the cumulative pass-rate deviation crosses the sigma band.
// Series whose baseline pass rate is a degenerate 0% or 100% carry no signal
// and are skipped.
func DetectChangePoints(baseline, window []models.AggregatedBucket, opts Options) []models.ChangePoint {
	sigma := opts.SigmaMultiplier
	if sigma <= 0 {
		sigma = DefaultSigmaMultiplier
	}

	baseByKey := groupBuckets(baseline)
	winByKey := groupBuckets(window)

	keys := make([]seriesKey, 0, len(winByKey))
	for key := range winByKey {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].entityID != keys[j].entityID {
			return keys[i].entityID < keys[j].entityID
		}
		return keys[i].location < keys[j].location
	})

	var points []models.ChangePoint
	for _, key := range keys {
		stats, ok := baselineStats(baseByKey[key])
		if !ok {
			continue
		}
		points = append(points, detectSeries(key, winByKey[key], stats, sigma)...)
	}
	return points
}

func groupBuckets(buckets []models.AggregatedBucket) map[seriesKey][]models.AggregatedBucket {
	grouped := make(map[seriesKey][]models.AggregatedBucket)
	for _, b := range buckets {
		key := seriesKey{entityID: b.EntityID, location: b.Location}
		grouped[key] = append(grouped[key], b)
	}
	return grouped
}

type stats struct {
	mean   float64
	stddev float64
}

// baselineStats computes the mean pass rate and its stddev across the
// baseline buckets. Empty buckets contribute nothing; a degenerate all-pass
// or all-fail baseline returns ok=false.
func baselineStats(buckets []models.AggregatedBucket) (stats, bool) {
	var rates []float64
	for _, b := range buckets {
		if b.FinalTotal() > 0 {
			rates = append(rates, b.PassRate())
		}
	}
	if len(rates) == 0 {
		return stats{}, false
	}

	var sum float64
	for _, r := range rates {
		sum += r
	}
	mean := sum / float64(len(rates))
	if mean == 0 || mean == 1 {
		return stats{}, false
	}

	var variance float64
	for _, r := range rates {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(rates))

	return stats{mean: mean, stddev: math.Sqrt(variance)}, true
}

// detectSeries runs the cumulative-deviation scan over one entity+location
// series in chronological order. The sum never resets between buckets, so
// only sustained drift crosses the sigma band; single-bucket noise stays
// inside it.
func detectSeries(key seriesKey, buckets []models.AggregatedBucket, st stats, sigma float64) []models.ChangePoint {
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].BucketStart.Before(buckets[j].BucketStart)
	})

	type scanned struct {
		bucket  models.AggregatedBucket
		cusum   float64
		flagged bool
	}

	threshold := sigma * st.stddev
	var (
		cusum float64
		scan  []scanned
	)
	for _, b := range buckets {
		if b.FinalTotal() == 0 {
			continue
		}
		// Positive drift means the pass rate sits below baseline.
		cusum += st.mean - b.PassRate()
		scan = append(scan, scanned{
			bucket:  b,
			cusum:   cusum,
			flagged: math.Abs(cusum) > threshold,
		})
	}

	var points []models.ChangePoint
	for i := 0; i < len(scan); {
		if !scan[i].flagged {
			i++
			continue
		}

		// A contiguous flagged region yields a single representative point:
		// the bucket with the largest absolute cumulative sum.
		best := i
		j := i
		for j < len(scan) && scan[j].flagged {
			if math.Abs(scan[j].cusum) > math.Abs(scan[best].cusum) {
				best = j
			}
			j++
		}

		severity := models.SeverityPassing
		if scan[best].cusum > 0 {
			severity = models.SeverityFailing
		}
		points = append(points, models.ChangePoint{
			EntityID:  key.entityID,
			Location:  key.location,
			Timestamp: scan[best].bucket.BucketStart,
			Severity:  severity,
			Magnitude: math.Abs(scan[best].cusum),
		})
		i = j
	}
	return points
}

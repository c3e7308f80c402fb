package handler

import (
	"net/http"
	"time"

	"github.com/checksync/checksync/internal/analysis"
	"github.com/checksync/checksync/internal/api/response"
	"github.com/checksync/checksync/internal/store"
)

// defaultBaselineWindow is how far before the analysis window the baseline
// statistics are computed when the caller does not say otherwise.
const defaultBaselineWindow = 24 * time.Hour

// ChangePointsConfig carries the detection tunables into the handler.
type ChangePointsConfig struct {
	AccountID       string
	BucketWidth     time.Duration
	SigmaMultiplier float64
}

// ChangePoints computes pass-rate change points for the requested window.
// Required query parameters: from, to (RFC3339). Optional: entity_id,
// location, baseline (Go duration, default 24h).
func ChangePoints(st store.Store, cfg ChangePointsConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		from, err := time.Parse(time.RFC3339, q.Get("from"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_PARAMETER",
				"from must be an RFC3339 timestamp", nil)
			return
		}
		to, err := time.Parse(time.RFC3339, q.Get("to"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_PARAMETER",
				"to must be an RFC3339 timestamp", nil)
			return
		}
		if !from.Before(to) {
			response.Error(w, http.StatusBadRequest, "INVALID_PARAMETER",
				"from must precede to", nil)
			return
		}

		baselineWindow := defaultBaselineWindow
		if b := q.Get("baseline"); b != "" {
			d, err := time.ParseDuration(b)
			if err != nil || d <= 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_PARAMETER",
					"baseline must be a positive duration", nil)
				return
			}
			baselineWindow = d
		}

		filter := store.AggregateFilter{
			AccountID: cfg.AccountID,
			EntityID:  q.Get("entity_id"),
			Location:  q.Get("location"),
		}

		baselineFilter := filter
		baselineFilter.From = from.Add(-baselineWindow)
		baselineFilter.To = from
		baseline, err := st.FindAggregated(r.Context(), baselineFilter, cfg.BucketWidth)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to aggregate baseline", nil)
			return
		}

		windowFilter := filter
		windowFilter.From = from
		windowFilter.To = to
		window, err := st.FindAggregated(r.Context(), windowFilter, cfg.BucketWidth)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to aggregate analysis window", nil)
			return
		}

		points := analysis.DetectChangePoints(baseline, window, analysis.Options{
			SigmaMultiplier: cfg.SigmaMultiplier,
		})
		response.JSON(w, points)
	}
}

package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/checksync/checksync/internal/api/response"
	"github.com/checksync/checksync/internal/store"
)

// ListClusters serves the error clusters for the account, most recently seen
// first.
func ListClusters(st store.Store, accountID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.ClusterFilter{
			AccountID: accountID,
			Page:      queryInt(r, "page", 1),
			Limit:     queryInt(r, "limit", 20),
		}
		if since := r.URL.Query().Get("since"); since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_PARAMETER",
					"since must be an RFC3339 timestamp", nil)
				return
			}
			filter.Since = t
		}

		clusters, total, err := st.ListClusters(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list clusters", nil)
			return
		}

		limit := filter.Limit
		if limit <= 0 {
			limit = 20
		}
		page := filter.Page
		if page <= 0 {
			page = 1
		}
		response.Collection(w, clusters, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/checksync/checksync/internal/api/middleware"
	"github.com/checksync/checksync/internal/api/response"
)

// Dependencies holds all handler dependencies for the router.
type Dependencies struct {
	Logger              *slog.Logger
	HealthHandler       http.HandlerFunc
	ListClusters        http.HandlerFunc
	ChangePointsHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger(deps.Logger))
	r.Use(mw.Recovery(deps.Logger))

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Get("/api/v1/clusters", orNotImplemented(deps.ListClusters))
	r.Get("/api/v1/change-points", orNotImplemented(deps.ChangePointsHandler))

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/batchsync/internal/api/middleware"
	"github.com/kiranshivaraju/batchsync/internal/api/response"
)

// Dependencies holds all handler dependencies for the router.
type Dependencies struct {
	HealthHandler         http.HandlerFunc
	CreateBatchHandler    http.HandlerFunc
	ListBatchesHandler    http.HandlerFunc
	GetBatchHandler       http.HandlerFunc
	GetBatchStatusHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Route("/api/v1/batches", func(r chi.Router) {
		r.Post("/", orNotImplemented(deps.CreateBatchHandler))
		r.Get("/", orNotImplemented(deps.ListBatchesHandler))
		r.Get("/{jobID}", orNotImplemented(deps.GetBatchHandler))
		r.Get("/{jobID}/status", orNotImplemented(deps.GetBatchStatusHandler))
	})

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

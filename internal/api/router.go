package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/starford/eightd/internal/caseservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
// events, if non-nil, receives every case change made through the API.
func NewRouter(svc *caseservice.Service, authEnabled bool, token string, sseHandler http.Handler, events EventPublisher) chi.Router {
	h := NewHandler(svc, events)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Cases.
	r.Get("/cases", h.ListCases)
	r.Post("/cases", h.CreateCase)
	r.Get("/cases/{id}", h.GetCase)
	r.Patch("/cases/{id}", h.PatchCase)

	// Evidence.
	r.Post("/cases/{id}/evidence", h.UploadEvidence)
	r.Get("/cases/{id}/evidence", h.ListEvidence)
	r.Get("/cases/{id}/evidence/{filename}", h.ServeEvidence)

	// Search.
	r.Get("/search", h.Search)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}

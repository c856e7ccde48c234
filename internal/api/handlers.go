package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/starford/eightd/internal/apperr"
	"github.com/starford/eightd/internal/caseid"
	"github.com/starford/eightd/internal/caseservice"
	"github.com/starford/eightd/internal/checksum"
)

const maxPatchBytes = 10 << 20

// EventPublisher receives case changes made through the API.
type EventPublisher interface {
	PublishCaseEvent(kind, caseNumber string)
}

// Handler holds API route handlers.
type Handler struct {
	svc    *caseservice.Service
	events EventPublisher
}

// NewHandler creates a new Handler. events may be nil.
func NewHandler(svc *caseservice.Service, events EventPublisher) *Handler {
	return &Handler{svc: svc, events: events}
}

func (h *Handler) publish(kind, caseNumber string) {
	if h.events != nil {
		h.events.PublishCaseEvent(kind, caseNumber)
	}
}

// caseParam extracts and validates the {id} URL parameter. It writes a 400
// response and returns false when the id is malformed.
func caseParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !caseid.Valid(id) {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid case id"))
		return "", false
	}
	return id, true
}

// ListCases handles GET /cases.
//
//	@Summary		List cases with optional pagination and filtering
//	@Tags			cases
//	@Produce		json
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Param			status	query		string	false	"Filter by case status"
//	@Param			sort	query		string	false	"Sort field"	Enums(updated, case_number)
//	@Success		200		{object}	CaseListResponse
//	@Security		BearerAuth
//	@Router			/cases [get]
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, total, err := h.svc.ListCases(r.Context(), limit, offset, q.Get("status"), q.Get("sort"))
	if err != nil {
		slog.Error("api: list cases failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, CaseListResponse{Cases: items, Total: total})
}

// CreateCase handles POST /cases.
//
//	@Summary		Open a new case
//	@Tags			cases
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateCaseRequest	true	"Case to create"
//	@Success		201		{object}	CreateCaseResponse
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cases [post]
func (h *Handler) CreateCase(w http.ResponseWriter, r *http.Request) {
	var req CreateCaseRequest
	if err := readJSON(w, r, maxJSONBody, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	number := caseid.Normalize(req.CaseNumber)
	if _, err := h.svc.CreateCase(r.Context(), number, req.OpeningDate); err != nil {
		switch {
		case errors.Is(err, apperr.ErrInvalidCaseID):
			writeJSON(w, http.StatusBadRequest, errorBody("invalid case id format"))
		case errors.Is(err, apperr.ErrAlreadyExists):
			writeJSON(w, http.StatusConflict, errorBody("case already exists"))
		default:
			internalError(w, "create case", number, err)
		}
		return
	}
	h.publish("created", number)
	writeJSON(w, http.StatusCreated, CreateCaseResponse{Status: "created", CaseNumber: number})
}

// GetCase handles GET /cases/{id}.
//
//	@Summary		Get the full case document
//	@Tags			cases
//	@Produce		json
//	@Param			id				path		string	true	"Case number"
//	@Param			If-None-Match	header		string	false	"Checksum of a cached copy"
//	@Success		200				{object}	map[string]any
//	@Success		304				"Not modified"
//	@Failure		404				{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cases/{id} [get]
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	id, ok := caseParam(w, r)
	if !ok {
		return
	}
	cur, err := h.svc.LoadCase(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("case not found"))
		} else {
			internalError(w, "get case", id, err)
		}
		return
	}
	w.Header().Set("ETag", checksum.ETag(cur.Checksum))
	if inm := r.Header.Get("If-None-Match"); inm != "" && checksum.Match(inm, cur.Checksum) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, cur.Document)
}

// PatchCase handles PATCH /cases/{id}.
//
//	@Summary		Deep-merge a partial document into a case
//	@Description	Mappings merge recursively, sequences replace, scalars overwrite.
//	@Tags			cases
//	@Accept			json
//	@Produce		json
//	@Param			id			path		string			true	"Case number"
//	@Param			If-Match	header		string			false	"Checksum for optimistic concurrency"
//	@Param			body		body		map[string]any	true	"Changed subtree"
//	@Success		200			{object}	PatchCaseResponse
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cases/{id} [patch]
func (h *Handler) PatchCase(w http.ResponseWriter, r *http.Request) {
	id, ok := caseParam(w, r)
	if !ok {
		return
	}
	var fragment map[string]any
	if err := readJSON(w, r, maxPatchBytes, &fragment); err != nil || fragment == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("body must be a JSON object"))
		return
	}

	info, err := h.svc.PatchCase(r.Context(), id, fragment, r.Header.Get("If-Match"))
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrEmptyPatch):
			writeJSON(w, http.StatusBadRequest, errorBody("empty patch"))
		case errors.Is(err, apperr.ErrNotFound):
			writeJSON(w, http.StatusNotFound, errorBody("case not found"))
		case errors.Is(err, apperr.ErrConflict):
			writeJSON(w, http.StatusConflict, errorBody("checksum mismatch"))
		default:
			internalError(w, "patch case", id, err)
		}
		return
	}
	h.publish("patched", id)
	writeJSON(w, http.StatusOK, info)
}

// Search handles GET /search.
//
//	@Summary		Full-text search across cases
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.svc.SearchCases(r.Context(), q, limit)
	if err != nil {
		slog.Error("api: search failed", slog.String("query", q), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	out := make([]SearchResult, len(results))
	for i, res := range results {
		out[i] = SearchResult{CaseNumber: res.CaseNumber, Status: res.Status, Snippet: res.Snippet}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: out})
}

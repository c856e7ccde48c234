package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/starford/eightd/internal/apperr"
	"github.com/starford/eightd/internal/caseservice"
)

const (
	evidenceField  = "files"
	maxUploadBytes = 50 << 20 // 50 MB
)

// UploadEvidence handles POST /cases/{id}/evidence (multipart/form-data,
// one or more "files" parts).
//
//	@Summary		Upload evidence files to a case
//	@Tags			evidence
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			id		path		string	true	"Case number"
//	@Param			files	formData	file	true	"Evidence files"
//	@Success		201		{object}	EvidenceUploadResponse
//	@Success		207		{object}	EvidenceUploadResponse	"Some files failed"
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	EvidenceUploadResponse	"Every file failed"
//	@Security		BearerAuth
//	@Router			/cases/{id}/evidence [post]
func (h *Handler) UploadEvidence(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	id, ok := caseParam(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	headers := r.MultipartForm.File[evidenceField]
	if len(headers) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'files' field in multipart form"))
		return
	}

	uploads := make([]caseservice.EvidenceUpload, 0, len(headers))
	for _, fh := range headers {
		u, err := readUpload(fh)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		uploads = append(uploads, u)
	}

	res, err := h.svc.AddEvidence(r.Context(), id, uploads)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("case not found"))
		} else {
			internalError(w, "upload evidence", id, err)
		}
		return
	}

	if len(res.Uploaded) > 0 {
		h.publish("evidence", id)
	}
	resp := EvidenceUploadResponse{UploadResult: *res}
	switch {
	case len(res.Failed) == 0:
		writeJSON(w, http.StatusCreated, resp)
	case len(res.Uploaded) > 0:
		writeJSON(w, http.StatusMultiStatus, resp)
	default:
		resp.Error = "no evidence file was stored"
		writeJSON(w, http.StatusConflict, resp)
	}
}

func readUpload(fh *multipart.FileHeader) (caseservice.EvidenceUpload, error) {
	f, err := fh.Open()
	if err != nil {
		return caseservice.EvidenceUpload{}, fmt.Errorf("cannot open %s", fh.Filename)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return caseservice.EvidenceUpload{}, fmt.Errorf("cannot read %s", fh.Filename)
	}
	ct := fh.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return caseservice.EvidenceUpload{
		Filename:    filepath.Base(fh.Filename),
		ContentType: ct,
		Data:        data,
	}, nil
}

// ListEvidence handles GET /cases/{id}/evidence.
//
//	@Summary		List the evidence files of a case
//	@Tags			evidence
//	@Produce		json
//	@Param			id	path		string	true	"Case number"
//	@Success		200	{object}	EvidenceListResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cases/{id}/evidence [get]
func (h *Handler) ListEvidence(w http.ResponseWriter, r *http.Request) {
	id, ok := caseParam(w, r)
	if !ok {
		return
	}
	files, err := h.svc.ListEvidence(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("case not found"))
		} else {
			internalError(w, "list evidence", id, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, EvidenceListResponse{CaseID: id, Evidence: files})
}

// ServeEvidence handles GET /cases/{id}/evidence/{filename}.
//
//	@Summary		Download one evidence file
//	@Tags			evidence
//	@Param			id			path	string	true	"Case number"
//	@Param			filename	path	string	true	"Evidence file name"
//	@Success		200			"File content"
//	@Failure		404			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cases/{id}/evidence/{filename} [get]
func (h *Handler) ServeEvidence(w http.ResponseWriter, r *http.Request) {
	id, ok := caseParam(w, r)
	if !ok {
		return
	}
	filename := chi.URLParam(r, "filename")
	data, ct, err := h.svc.GetEvidence(r.Context(), id, filename)
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			writeJSON(w, http.StatusNotFound, errorBody("file not found"))
		case errors.Is(err, apperr.ErrInvalidPath):
			writeJSON(w, http.StatusBadRequest, errorBody("invalid filename"))
		default:
			internalError(w, "serve evidence", id, err)
		}
		return
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filepath.Base(filename)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

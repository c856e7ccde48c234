package api

import (
	"github.com/starford/eightd/internal/caseservice"
	"github.com/starford/eightd/internal/models"
)

// CreateCaseRequest is the request body for opening a case.
type CreateCaseRequest struct {
	CaseNumber  string `json:"case_number" example:"INC-20240131-0007" validate:"required"`
	OpeningDate string `json:"opening_date,omitempty" example:"2024-01-31"`
}

// CreateCaseResponse is returned after a case is opened.
type CreateCaseResponse struct {
	Status     string `json:"status" example:"created" validate:"required"`
	CaseNumber string `json:"case_number" example:"INC-20240131-0007" validate:"required"`
}

// PatchCaseResponse summarizes the stored document after a patch.
type PatchCaseResponse = models.CaseInfo

// CaseListItem is a lightweight item in a list response (aliased from the domain layer).
type CaseListItem = caseservice.CaseListItem

// CaseListResponse wraps paginated case listings.
type CaseListResponse struct {
	Cases []CaseListItem `json:"cases" validate:"required"`
	Total int            `json:"total" example:"42" validate:"required"`
}

// SearchResult is a single search hit in the API response.
type SearchResult struct {
	CaseNumber string `json:"case_number" example:"INC-20240131-0007" validate:"required"`
	Status     string `json:"status" example:"open"`
	Snippet    string `json:"snippet" example:"...matched text..." validate:"required"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []SearchResult `json:"results" validate:"required"`
}

// EvidenceListResponse lists the evidence files of a case.
type EvidenceListResponse struct {
	CaseID   string                `json:"case_id" example:"INC-20240131-0007" validate:"required"`
	Evidence []models.EvidenceFile `json:"evidence" validate:"required"`
}

// EvidenceUploadResponse is the outcome of an evidence upload. Error is set
// when every file failed.
type EvidenceUploadResponse struct {
	Error string `json:"error,omitempty"`
	models.UploadResult
}

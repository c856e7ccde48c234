// Package models defines the domain types for eightd.
package models

import (
	"io"
	"time"
)

// CaseMetadata is a lightweight representation returned by list operations.
type CaseMetadata struct {
	CaseNumber  string            `json:"case_number"`
	Status      string            `json:"status"`
	OpeningDate string            `json:"opening_date,omitempty"`
	Phases      map[string]string `json:"phases,omitempty"`
	Checksum    string            `json:"checksum"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// CaseInfo is the summary of a stored case document.
type CaseInfo struct {
	CaseNumber string `json:"case_number"`
	Version    int    `json:"version"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// EvidenceFile describes one uploaded evidence file of a case.
type EvidenceFile struct {
	Filename    string    `json:"filename"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentType string    `json:"content_type"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// EvidenceFailure is a file an upload batch could not store.
type EvidenceFailure struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

// UploadResult is the outcome of an evidence upload batch.
type UploadResult struct {
	CaseID   string            `json:"case_id"`
	Uploaded []EvidenceFile    `json:"uploaded"`
	Failed   []EvidenceFailure `json:"failed"`
}

// Upload is one file to send as evidence.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// Progress reports bytes sent of an upload request. Total is -1 when unknown.
type Progress struct {
	Sent  int64
	Total int64
}

// Percent returns the completed share in [0, 100], or -1 when Total is unknown.
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return -1
	}
	pct := int(p.Sent * 100 / p.Total)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Package storage defines the case store file-system abstraction.
//
// Each case lives in its own directory:
//
//	<root>/<case>/case.json
//	<root>/<case>/evidence/<filename>
package storage

import (
	"context"

	"github.com/starford/eightd/internal/models"
)

// CaseFile is the name of the case document inside a case directory.
const CaseFile = "case.json"

// EvidenceDir is the evidence subdirectory of a case directory.
const EvidenceDir = "evidence"

// Provider is the interface for case store operations.
type Provider interface {
	// List returns metadata for every case document under the root.
	List() ([]models.CaseMetadata, error)
	// ReadCase returns the raw case document.
	ReadCase(caseNumber string) ([]byte, error)
	// WriteCase atomically replaces the case document.
	WriteCase(caseNumber string, content []byte) error
	// CreateCase writes the first case document; it fails with
	// apperr.ErrAlreadyExists when the case exists.
	CreateCase(caseNumber string, content []byte) error
	// Exists reports whether the case document exists.
	Exists(caseNumber string) bool
	// AddEvidence stores a new evidence file; existing names are rejected.
	AddEvidence(caseNumber, filename string, content []byte) error
	// ListEvidence returns the evidence files of a case.
	ListEvidence(caseNumber string) ([]models.EvidenceFile, error)
	// ReadEvidence returns an evidence file and its content type.
	ReadEvidence(caseNumber, filename string) ([]byte, string, error)
	// Lock takes the cross-process lock of a case.
	Lock(ctx context.Context, caseNumber string) (func(), error)
}

// Package caseservice coordinates the case store and the case index.
package caseservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/eightd/internal/apperr"
	"github.com/starford/eightd/internal/caseid"
	"github.com/starford/eightd/internal/checksum"
	"github.com/starford/eightd/internal/index"
	"github.com/starford/eightd/internal/models"
	"github.com/starford/eightd/internal/patch"
	"github.com/starford/eightd/internal/phase"
	"github.com/starford/eightd/internal/storage"
)

const stampLayout = "2006-01-02T15:04:05.000Z07:00"

// CaseDocument is a loaded case document and its checksum.
type CaseDocument struct {
	Document map[string]any
	Checksum string
}

// CaseListItem is a lightweight item in a list response.
type CaseListItem struct {
	CaseNumber  string    `json:"case_number"`
	Status      string    `json:"status"`
	OpeningDate string    `json:"opening_date"`
	Checksum    string    `json:"checksum"`
	Tags        []string  `json:"tags"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Service coordinates storage and index operations.
type Service struct {
	store  storage.Provider
	db     *index.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new case service.
func NewService(store storage.Provider, db *index.DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, db: db, logger: logger, now: time.Now}
}

// NewDocument returns the empty document of a freshly opened case.
func NewDocument(caseNumber, openingDate string, now time.Time) map[string]any {
	stamp := now.UTC().Format(stampLayout)
	if openingDate == "" {
		openingDate = stamp
	}
	phases := make(map[string]any, len(phase.Phases))
	for _, id := range phase.IDs() {
		phases[id] = map[string]any{
			"header": map[string]any{"completed": false},
			"data":   map[string]any{},
		}
	}
	return map[string]any{
		"case": map[string]any{
			"case_number":  caseNumber,
			"opening_date": openingDate,
			"closure_date": nil,
			"status":       "open",
		},
		"evidence": []any{},
		"phases":   phases,
		"ai": map[string]any{
			"last_run":               nil,
			"summary":                "",
			"identified_root_causes": []any{},
			"recommended_actions":    []any{},
		},
		"meta": map[string]any{
			"version":    1,
			"created_at": stamp,
		},
	}
}

// CreateCase writes the empty document of a new case and indexes it.
func (s *Service) CreateCase(_ context.Context, caseNumber, openingDate string) (map[string]any, error) {
	if err := caseid.Validate(caseNumber); err != nil {
		return nil, err
	}
	if s.store.Exists(caseNumber) {
		return nil, fmt.Errorf("caseservice: create %s: %w", caseNumber, apperr.ErrAlreadyExists)
	}
	doc := NewDocument(caseNumber, openingDate, s.now())
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("caseservice: encode case: %w", err)
	}
	if err := s.store.CreateCase(caseNumber, data); err != nil {
		return nil, err
	}
	s.reindex(caseNumber, data)
	s.logger.Info("caseservice: case created", slog.String("case", caseNumber))
	return doc, nil
}

// LoadCase reads a case document from storage.
func (s *Service) LoadCase(_ context.Context, caseNumber string) (*CaseDocument, error) {
	data, err := s.store.ReadCase(caseNumber)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("caseservice: decode %s: %w", caseNumber, err)
	}
	return &CaseDocument{Document: doc, Checksum: checksum.Sum(data)}, nil
}

// PatchCase deep-merges fragment into the stored document, stamps
// meta.updated_at and increments meta.version. Sequences in the fragment
// replace the stored ones. A non-empty ifMatch must name the checksum of
// the stored document.
func (s *Service) PatchCase(ctx context.Context, caseNumber string, fragment patch.Fragment, ifMatch string) (*models.CaseInfo, error) {
	if patch.IsEmpty(fragment) {
		return nil, apperr.ErrEmptyPatch
	}
	if !s.store.Exists(caseNumber) {
		return nil, fmt.Errorf("caseservice: case %s: %w", caseNumber, apperr.ErrNotFound)
	}
	unlock, err := s.store.Lock(ctx, caseNumber)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.LoadCase(ctx, caseNumber)
	if err != nil {
		return nil, err
	}
	if ifMatch != "" && !checksum.Match(ifMatch, cur.Checksum) {
		return nil, fmt.Errorf("caseservice: patch %s: %w", caseNumber, apperr.ErrConflict)
	}
	doc := patch.Merge(cur.Document, fragment)

	meta, _ := doc["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
		doc["meta"] = meta
	}
	version := 1
	if v, ok := meta["version"].(float64); ok {
		version = int(v)
	}
	version++
	stamp := s.now().UTC().Format(stampLayout)
	meta["version"] = version
	meta["updated_at"] = stamp

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("caseservice: encode case: %w", err)
	}
	if err := s.store.WriteCase(caseNumber, data); err != nil {
		return nil, err
	}
	s.reindex(caseNumber, data)
	s.logger.Debug("caseservice: case patched",
		slog.String("case", caseNumber),
		slog.Int("version", version))
	return &models.CaseInfo{CaseNumber: caseNumber, Version: version, UpdatedAt: stamp}, nil
}

// ListCases returns paginated cases with an optional status filter.
func (s *Service) ListCases(_ context.Context, limit, offset int, status, sort string) ([]CaseListItem, int, error) {
	rows, total, err := s.db.ListCases(limit, offset, status, sort)
	if err != nil {
		return nil, 0, err
	}
	items := make([]CaseListItem, len(rows))
	for i, r := range rows {
		items[i] = CaseListItem{
			CaseNumber:  r.CaseNumber,
			Status:      r.Status,
			OpeningDate: r.OpeningDate,
			Checksum:    r.Checksum,
			Tags:        nonNilSlice(r.Tags),
			UpdatedAt:   r.UpdatedAt,
		}
	}
	return items, total, nil
}

// PhaseStatuses returns the indexed status of every phase of a case.
func (s *Service) PhaseStatuses(_ context.Context, caseNumber string) (map[string]string, error) {
	row, err := s.db.GetCase(caseNumber)
	if err != nil {
		return nil, err
	}
	return row.Phases, nil
}

// SearchCases delegates full-text search to the index.
func (s *Service) SearchCases(_ context.Context, query string, limit int) ([]index.SearchResult, error) {
	return s.db.Search(query, limit)
}

// AddEvidence stores each upload under the case. Failures are reported per
// file; the case must exist.
func (s *Service) AddEvidence(_ context.Context, caseNumber string, files []EvidenceUpload) (*models.UploadResult, error) {
	if !s.store.Exists(caseNumber) {
		return nil, fmt.Errorf("caseservice: case %s: %w", caseNumber, apperr.ErrNotFound)
	}
	res := &models.UploadResult{
		CaseID:   caseNumber,
		Uploaded: []models.EvidenceFile{},
		Failed:   []models.EvidenceFailure{},
	}
	for _, f := range files {
		if err := s.store.AddEvidence(caseNumber, f.Filename, f.Data); err != nil {
			reason := "Upload failed"
			switch {
			case errors.Is(err, apperr.ErrAlreadyExists):
				reason = "File already exists"
			case errors.Is(err, apperr.ErrInvalidPath):
				reason = "Invalid filename"
			}
			s.logger.Warn("caseservice: evidence rejected",
				slog.String("case", caseNumber),
				slog.String("filename", f.Filename),
				slog.String("error", err.Error()))
			res.Failed = append(res.Failed, models.EvidenceFailure{Filename: f.Filename, Reason: reason})
			continue
		}
		res.Uploaded = append(res.Uploaded, models.EvidenceFile{
			Filename:    f.Filename,
			SizeBytes:   int64(len(f.Data)),
			ContentType: f.ContentType,
			UploadedAt:  s.now().UTC(),
		})
	}
	return res, nil
}

// EvidenceUpload is one file received for a case.
type EvidenceUpload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ListEvidence returns the evidence files of an existing case.
func (s *Service) ListEvidence(_ context.Context, caseNumber string) ([]models.EvidenceFile, error) {
	if !s.store.Exists(caseNumber) {
		return nil, fmt.Errorf("caseservice: case %s: %w", caseNumber, apperr.ErrNotFound)
	}
	return s.store.ListEvidence(caseNumber)
}

// GetEvidence returns one evidence file and its content type.
func (s *Service) GetEvidence(_ context.Context, caseNumber, filename string) ([]byte, string, error) {
	return s.store.ReadEvidence(caseNumber, filename)
}

// reindex refreshes the index entry of a case. The watcher converges the
// index if this fails, so errors are only logged.
func (s *Service) reindex(caseNumber string, data []byte) {
	if err := index.IndexCase(s.db, caseNumber, data); err != nil {
		s.logger.Warn("caseservice: reindex failed",
			slog.String("case", caseNumber),
			slog.String("error", err.Error()))
	}
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/starford/eightd/internal/apperr"
	"github.com/starford/eightd/internal/checksum"
	"github.com/starford/eightd/internal/models"
)

const lockFile = ".case.lock"

// FS implements Provider backed by the local file system.
type FS struct {
	root        string // absolute path to the case root
	lockRetry   time.Duration
	lockTimeout time.Duration
}

// NewFS creates a new FS provider rooted at the given directory.
// The directory must already exist.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs, lockRetry: 50 * time.Millisecond, lockTimeout: 5 * time.Second}, nil
}

// Root returns the absolute case root.
func (f *FS) Root() string { return f.root }

// safePath resolves a relative path against the root and rejects
// any result that escapes it (directory traversal).
func (f *FS) safePath(rel string) (string, error) {
	if rel == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: absolute paths not allowed: %s", rel)
	}
	joined := filepath.Join(f.root, cleaned)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("storage: resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) && abs != f.root {
		return "", fmt.Errorf("storage: path escapes case root: %s", rel)
	}
	return abs, nil
}

// caseDir resolves the directory of one case. Case numbers are single path
// elements.
func (f *FS) caseDir(caseNumber string) (string, error) {
	if caseNumber == "" || caseNumber == "." || caseNumber == ".." || strings.ContainsAny(caseNumber, `/\`) {
		return "", fmt.Errorf("storage: case directory %q: %w", caseNumber, apperr.ErrInvalidPath)
	}
	return f.safePath(caseNumber)
}

func (f *FS) evidencePath(caseNumber, filename string) (string, error) {
	dir, err := f.caseDir(caseNumber)
	if err != nil {
		return "", err
	}
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("storage: evidence name %q: %w", filename, apperr.ErrInvalidPath)
	}
	return filepath.Join(dir, EvidenceDir, name), nil
}

// List returns metadata for every <case>/case.json under the root.
func (f *FS) List() ([]models.CaseMetadata, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	var out []models.CaseMetadata
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p := filepath.Join(f.root, e.Name(), CaseFile)
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("storage: list: read %s: %w", e.Name(), err)
		}
		out = append(out, models.CaseMetadata{
			CaseNumber: e.Name(),
			Checksum:   checksum.Sum(data),
			UpdatedAt:  info.ModTime(),
		})
	}
	return out, nil
}

// Exists reports whether the case document exists.
func (f *FS) Exists(caseNumber string) bool {
	dir, err := f.caseDir(caseNumber)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, CaseFile))
	return err == nil
}

// ReadCase returns the raw bytes of a case document.
func (f *FS) ReadCase(caseNumber string) ([]byte, error) {
	dir, err := f.caseDir(caseNumber)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, CaseFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("storage: read %s: %w", caseNumber, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", caseNumber, err)
	}
	return data, nil
}

// WriteCase atomically replaces the case document.
func (f *FS) WriteCase(caseNumber string, content []byte) error {
	dir, err := f.caseDir(caseNumber)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, CaseFile), content)
}

// CreateCase writes the first document of a case.
func (f *FS) CreateCase(caseNumber string, content []byte) error {
	if f.Exists(caseNumber) {
		return fmt.Errorf("storage: create %s: %w", caseNumber, apperr.ErrAlreadyExists)
	}
	return f.WriteCase(caseNumber, content)
}

// writeAtomic writes content: tmp file → fsync → rename.
func writeAtomic(abs string, content []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".eightd-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}

// AddEvidence stores a new evidence file. The file is created exclusively,
// so an existing name fails with apperr.ErrAlreadyExists.
func (f *FS) AddEvidence(caseNumber, filename string, content []byte) error {
	abs, err := f.evidencePath(caseNumber, filename)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}
	out, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("storage: evidence %s: %w", filepath.Base(abs), apperr.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("storage: create evidence: %w", err)
	}
	if _, err := out.Write(content); err != nil {
		_ = out.Close()
		_ = os.Remove(abs)
		return fmt.Errorf("storage: write evidence: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(abs)
		return fmt.Errorf("storage: fsync evidence: %w", err)
	}
	return out.Close()
}

// ListEvidence returns the evidence files of a case sorted by name.
func (f *FS) ListEvidence(caseNumber string) ([]models.EvidenceFile, error) {
	dir, err := f.caseDir(caseNumber)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, EvidenceDir))
	if errors.Is(err, os.ErrNotExist) {
		return []models.EvidenceFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list evidence: %w", err)
	}
	out := make([]models.EvidenceFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("storage: list evidence: %w", err)
		}
		out = append(out, models.EvidenceFile{
			Filename:    e.Name(),
			SizeBytes:   info.Size(),
			ContentType: contentTypeByName(e.Name()),
			UploadedAt:  info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

// ReadEvidence returns an evidence file and its content type. Unknown
// extensions are sniffed from the content.
func (f *FS) ReadEvidence(caseNumber, filename string) ([]byte, string, error) {
	abs, err := f.evidencePath(caseNumber, filename)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", fmt.Errorf("storage: evidence %s: %w", filename, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("storage: read evidence: %w", err)
	}
	ct := mime.TypeByExtension(filepath.Ext(abs))
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return data, ct, nil
}

func contentTypeByName(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Lock takes the cross-process lock of a case and returns its release
// function. It gives up after the lock timeout or when ctx ends.
func (f *FS) Lock(ctx context.Context, caseNumber string) (func(), error) {
	dir, err := f.caseDir(caseNumber)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, f.lockTimeout)
	defer cancel()

	fl := flock.New(filepath.Join(dir, lockFile))
	locked, err := fl.TryLockContext(ctx, f.lockRetry)
	if err != nil {
		return nil, fmt.Errorf("storage: lock %s: %w", caseNumber, err)
	}
	if !locked {
		return nil, fmt.Errorf("storage: lock %s: %w", caseNumber, apperr.ErrConflict)
	}
	return func() { _ = fl.Unlock() }, nil
}

package index

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/eightd/internal/apperr"
)

// CaseRow represents a row in the cases table together with its phase statuses.
type CaseRow struct {
	CaseNumber  string
	Status      string
	OpeningDate string
	Checksum    string
	Tags        []string
	UpdatedAt   time.Time
	Phases      map[string]string
}

// SearchResult represents one search hit.
type SearchResult struct {
	CaseNumber string
	Status     string
	Snippet    string
}

// UpsertCase inserts or replaces a case, its FTS entry, and its phase rows within a transaction.
func (db *DB) UpsertCase(c CaseRow, body string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	tagsJSON, _ := json.Marshal(c.Tags)

	// Upsert cases table (includes body for fallback search).
	_, err = tx.Exec(`
		INSERT INTO cases (case_number, status, opening_date, checksum, tags, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_number) DO UPDATE SET
			status       = excluded.status,
			opening_date = excluded.opening_date,
			checksum     = excluded.checksum,
			tags         = excluded.tags,
			body         = excluded.body,
			updated_at   = excluded.updated_at
	`, c.CaseNumber, c.Status, c.OpeningDate, c.Checksum, string(tagsJSON), body, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("index: upsert case: %w", err)
	}

	// FTS upsert (no-op when FTS5 tag is absent).
	if err := ftsUpsert(tx, c.CaseNumber, c.Status, body, c.Tags); err != nil {
		return err
	}

	_, _ = tx.Exec(`DELETE FROM phases WHERE case_number = ?`, c.CaseNumber)
	if len(c.Phases) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO phases (case_number, phase, status) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("index: prepare phase insert: %w", err)
		}
		defer stmt.Close()
		for id, status := range c.Phases {
			if _, err := stmt.Exec(c.CaseNumber, id, status); err != nil {
				return fmt.Errorf("index: insert phase: %w", err)
			}
		}
	}

	return tx.Commit()
}

// DeleteCase removes a case, its FTS entry, and its phase rows.
func (db *DB) DeleteCase(caseNumber string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ftsDelete(tx, caseNumber)
	_, _ = tx.Exec(`DELETE FROM phases WHERE case_number = ?`, caseNumber)
	_, _ = tx.Exec(`DELETE FROM cases WHERE case_number = ?`, caseNumber)

	return tx.Commit()
}

// GetChecksum returns the stored checksum for a case, or empty string if not found.
func (db *DB) GetChecksum(caseNumber string) (string, error) {
	var cs string
	err := db.conn.QueryRow(`SELECT checksum FROM cases WHERE case_number = ?`, caseNumber).Scan(&cs)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("index: checksum: %w", err)
	}
	return cs, nil
}

// AllChecksums returns the stored checksum of every indexed case.
func (db *DB) AllChecksums() (map[string]string, error) {
	rows, err := db.conn.Query(`SELECT case_number, checksum FROM cases`)
	if err != nil {
		return nil, fmt.Errorf("index: all checksums: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var id, cs string
		if err := rows.Scan(&id, &cs); err != nil {
			return nil, err
		}
		out[id] = cs
	}
	return out, rows.Err()
}

// GetCase returns one indexed case with its phase statuses.
func (db *DB) GetCase(caseNumber string) (*CaseRow, error) {
	row := db.conn.QueryRow(`
		SELECT case_number, status, opening_date, checksum, tags, updated_at
		FROM cases WHERE case_number = ?
	`, caseNumber)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: case %s: %w", caseNumber, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: get case: %w", err)
	}
	if c.Phases, err = db.PhaseStatuses(caseNumber); err != nil {
		return nil, err
	}
	return c, nil
}

// ListCases returns a page of indexed cases and the total number matching
// the status filter. sort is "case_number" or "updated" (newest first, the default).
func (db *DB) ListCases(limit, offset int, status, sort string) ([]CaseRow, int, error) {
	if limit <= 0 {
		limit = 50
	}
	where, args := "", []any{}
	if status != "" {
		where = "WHERE status = ?"
		args = append(args, status)
	}

	var total int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM cases `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("index: count cases: %w", err)
	}

	order := "updated_at DESC, case_number"
	if sort == "case_number" {
		order = "case_number"
	}
	rows, err := db.conn.Query(`
		SELECT case_number, status, opening_date, checksum, tags, updated_at
		FROM cases `+where+`
		ORDER BY `+order+`
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("index: list cases: %w", err)
	}
	defer rows.Close()

	var out []CaseRow
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// PhaseStatuses returns the indexed status of every phase of a case.
func (db *DB) PhaseStatuses(caseNumber string) (map[string]string, error) {
	rows, err := db.conn.Query(`SELECT phase, status FROM phases WHERE case_number = ?`, caseNumber)
	if err != nil {
		return nil, fmt.Errorf("index: phase statuses: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = status
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCase(s scanner) (*CaseRow, error) {
	var (
		c    CaseRow
		tags string
	)
	if err := s.Scan(&c.CaseNumber, &c.Status, &c.OpeningDate, &c.Checksum, &tags, &c.UpdatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(tags), &c.Tags)
	return &c, nil
}

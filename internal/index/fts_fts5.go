//go:build sqlite_fts5

package index

import (
	"database/sql"
	"fmt"
	"strings"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS cases_fts USING fts5(
			case_number UNINDEXED,
			status UNINDEXED,
			body,
			tags,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsUpsert(tx *sql.Tx, caseNumber, status, body string, tags []string) error {
	_, _ = tx.Exec(`DELETE FROM cases_fts WHERE case_number = ?`, caseNumber)
	_, err := tx.Exec(`INSERT INTO cases_fts (case_number, status, body, tags) VALUES (?, ?, ?, ?)`,
		caseNumber, status, body, strings.Join(tags, " "))
	if err != nil {
		return fmt.Errorf("index: upsert fts: %w", err)
	}
	return nil
}

func ftsDelete(tx *sql.Tx, caseNumber string) {
	_, _ = tx.Exec(`DELETE FROM cases_fts WHERE case_number = ?`, caseNumber)
}

// matchExpr quotes every term so user input is never parsed as FTS5 query
// syntax. Terms are ANDed.
func matchExpr(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}

// Search performs an FTS5 full-text search and returns matching results with snippets.
func (db *DB) Search(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	expr := matchExpr(query)
	if expr == "" {
		return []SearchResult{}, nil
	}
	rows, err := db.conn.Query(`
		SELECT case_number,
		       status,
		       snippet(cases_fts, 2, '<mark>', '</mark>', '...', 32)
		FROM cases_fts
		WHERE cases_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, expr, limit)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	defer rows.Close()

	out := []SearchResult{}
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.CaseNumber, &r.Status, &r.Snippet); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

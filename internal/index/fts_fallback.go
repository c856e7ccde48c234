//go:build !sqlite_fts5

package index

import (
	"database/sql"
	"fmt"
	"strings"
)

const snippetRadius = 80

func initFTS(_ *sql.DB) error {
	// Without FTS5, Search scans cases.body with LIKE.
	return nil
}

func ftsUpsert(_ *sql.Tx, _, _, _ string, _ []string) error {
	return nil
}

func ftsDelete(_ *sql.Tx, _ string) {}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search returns cases matching every whitespace separated term of query in
// the case number, the field text or the tags, most recently updated first.
func (db *DB) Search(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return []SearchResult{}, nil
	}

	var (
		where []string
		args  []any
	)
	for _, term := range terms {
		like := "%" + likeEscaper.Replace(term) + "%"
		where = append(where, `(case_number LIKE ? ESCAPE '\' OR body LIKE ? ESCAPE '\' OR tags LIKE ? ESCAPE '\')`)
		args = append(args, like, like, like)
	}
	args = append(args, limit)

	rows, err := db.conn.Query(`
		SELECT case_number, status, body
		FROM cases
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY updated_at DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	defer rows.Close()

	out := []SearchResult{}
	for rows.Next() {
		var (
			r    SearchResult
			body string
		)
		if err := rows.Scan(&r.CaseNumber, &r.Status, &body); err != nil {
			return nil, err
		}
		r.Snippet = snippetAround(body, terms[0])
		out = append(out, r)
	}
	return out, rows.Err()
}

// snippetAround cuts the part of body around the first case-insensitive
// occurrence of term.
func snippetAround(body, term string) string {
	i := strings.Index(strings.ToLower(body), strings.ToLower(term))
	if i < 0 {
		i = 0
	}
	start := max(0, i-snippetRadius)
	end := min(len(body), i+len(term)+snippetRadius)
	// Keep cuts on rune boundaries.
	for start > 0 && !utf8RuneStart(body[start]) {
		start--
	}
	for end < len(body) && !utf8RuneStart(body[end]) {
		end++
	}
	s := body[start:end]
	if start > 0 {
		s = "..." + s
	}
	if end < len(body) {
		s += "..."
	}
	return s
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

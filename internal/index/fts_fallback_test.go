//go:build !sqlite_fts5

package index

import (
	"strings"
	"testing"
	"time"
)

func TestSearch_AllTermsMustMatch(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	_ = db.UpsertCase(CaseRow{CaseNumber: "INC-20240131-0001", Status: "open", Checksum: "a", UpdatedAt: now},
		"phases.D3.data.problem: cracked housing on line 3")
	_ = db.UpsertCase(CaseRow{CaseNumber: "INC-20240131-0002", Status: "open", Checksum: "b", UpdatedAt: now},
		"phases.D3.data.problem: cracked lens")

	results, err := db.Search("cracked housing", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].CaseNumber != "INC-20240131-0001" {
		t.Errorf("results = %+v", results)
	}

	if results, _ := db.Search("   ", 10); len(results) != 0 {
		t.Errorf("blank query matched %d cases", len(results))
	}
}

func TestSearch_EscapesWildcards(t *testing.T) {
	db := testDB(t)
	_ = db.UpsertCase(CaseRow{CaseNumber: "INC-20240131-0003", Checksum: "c", UpdatedAt: time.Now()},
		"phases.D4.data.scrap_rate: 5 percent")

	if results, _ := db.Search("%", 10); len(results) != 0 {
		t.Errorf("%% matched as wildcard: %+v", results)
	}
	if results, _ := db.Search("scrap_rate", 10); len(results) != 1 {
		t.Errorf("literal underscore search = %+v", results)
	}
}

func TestSnippetAround(t *testing.T) {
	body := strings.Repeat("a", 200) + " Housing " + strings.Repeat("b", 200)
	s := snippetAround(body, "housing")
	if !strings.Contains(s, "Housing") || !strings.HasPrefix(s, "...") || !strings.HasSuffix(s, "...") {
		t.Errorf("snippet = %q", s)
	}
	if got := snippetAround("short", "missing"); got != "short" {
		t.Errorf("snippet of short body = %q", got)
	}
}

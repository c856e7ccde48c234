package parser

import (
	"strings"
	"testing"
)

const sample = `{
  "case": {"case_number": "INC-20240131-0007", "opening_date": "2024-01-31", "status": "open"},
  "phases": {
    "D3": {"header": {"status": "confirmed"}, "data": {"problem": "Cracked housing", "where": " "}},
    "D4": {"header": {"status": "in_progress"}, "data": {"actions": [{"action": "Quarantine lot 42", "owner": "Alice"}]}},
    "D5": {"header": {"completed": false}, "data": {}}
  },
  "ai": {"summary": "Likely mold wear"},
  "meta": {"version": 3, "created_at": "2024-01-31T08:00:00Z", "updated_at": "2024-02-01T09:00:00Z"}
}`

func TestParse_Summary(t *testing.T) {
	r, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.CaseNumber != "INC-20240131-0007" || r.Status != "open" || r.OpeningDate != "2024-01-31" {
		t.Errorf("case = %q %q %q", r.CaseNumber, r.Status, r.OpeningDate)
	}
	if r.Version != 3 || r.UpdatedAt != "2024-02-01T09:00:00Z" {
		t.Errorf("meta = %d %q", r.Version, r.UpdatedAt)
	}
	if r.Phases["D3"] != "confirmed" || r.Phases["D5"] != "not_started" || r.Phases["D8"] != "not_started" {
		t.Errorf("phases = %v", r.Phases)
	}
	if len(r.Tags) != 2 || r.Tags[0] != "D3:confirmed" || r.Tags[1] != "D4:in_progress" {
		t.Errorf("tags = %v", r.Tags)
	}
}

func TestParse_Body(t *testing.T) {
	r, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"phases.D3.data.problem: Cracked housing",
		"phases.D4.data.actions[0].owner: Alice",
		"ai.summary: Likely mold wear",
	} {
		if !strings.Contains(r.Body, want) {
			t.Errorf("body missing %q:\n%s", want, r.Body)
		}
	}
	if strings.Contains(r.Body, "where") {
		t.Errorf("blank values should be skipped:\n%s", r.Body)
	}
}

func TestParse_UnknownPhaseAndInvalidStatus(t *testing.T) {
	r, err := Parse([]byte(`{"phases":{"D9":{"header":{"status":"bogus"}}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if r.Phases["D9"] != "not_started" {
		t.Errorf("D9 = %q", r.Phases["D9"])
	}
	if r.UpdatedAt != "" || r.CaseNumber != "" {
		t.Errorf("unexpected metadata: %+v", r)
	}
}

func TestParse_InvalidJSON(t *testing.T) {
	if _, err := Parse([]byte("{not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

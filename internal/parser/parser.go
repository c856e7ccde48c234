// Package parser extracts the searchable summary of a case document.
package parser

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/starford/eightd/internal/phase"
)

// Result holds the output of parsing a case document.
type Result struct {
	Document    map[string]any
	CaseNumber  string
	Status      string
	OpeningDate string
	Version     int
	UpdatedAt   string
	// Phases maps every workflow phase to its header status.
	Phases map[string]string
	// Body is the text of every data field, one "path: value" per line.
	Body string
	// Tags are "<phase>:<status>" for every started phase.
	Tags []string
}

// Parse decodes a JSON case document and summarizes it.
func Parse(data []byte) (*Result, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parser: decode case: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	r := &Result{Document: doc, Phases: map[string]string{}}
	if c, ok := doc["case"].(map[string]any); ok {
		r.CaseNumber = str(c["case_number"])
		r.Status = str(c["status"])
		r.OpeningDate = str(c["opening_date"])
	}
	if m, ok := doc["meta"].(map[string]any); ok {
		if v, ok := m["version"].(float64); ok {
			r.Version = int(v)
		}
		r.UpdatedAt = str(m["updated_at"])
		if r.UpdatedAt == "" {
			r.UpdatedAt = str(m["created_at"])
		}
	}

	phases, _ := doc["phases"].(map[string]any)
	for _, id := range phaseIDs(phases) {
		status := phase.NotStarted
		ph, _ := phases[id].(map[string]any)
		if h, ok := ph["header"].(map[string]any); ok {
			if s := phase.Status(str(h["status"])); s.Valid() {
				status = s
			}
		}
		r.Phases[id] = string(status)
		if status != phase.NotStarted {
			r.Tags = append(r.Tags, id+":"+string(status))
		}
	}

	var lines []string
	for _, id := range phaseIDs(phases) {
		ph, _ := phases[id].(map[string]any)
		flatten(&lines, "phases."+id+".data", ph["data"])
	}
	if ai, ok := doc["ai"].(map[string]any); ok {
		flatten(&lines, "ai.summary", ai["summary"])
	}
	r.Body = strings.Join(lines, "\n")
	return r, nil
}

// phaseIDs returns the workflow phases followed by any extra phases found in
// the document, in a stable order.
func phaseIDs(phases map[string]any) []string {
	ids := phase.IDs()
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	var extra []string
	for id := range phases {
		if _, ok := known[id]; !ok {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	return append(ids, extra...)
}

// flatten appends "path: value" for every non-empty scalar leaf under v.
func flatten(lines *[]string, path string, v any) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flatten(lines, path+"."+k, x[k])
		}
	case []any:
		for i, e := range x {
			flatten(lines, fmt.Sprintf("%s[%d]", path, i), e)
		}
	case string:
		if s := strings.TrimSpace(x); s != "" {
			*lines = append(*lines, path+": "+s)
		}
	case bool:
		if x {
			*lines = append(*lines, path+": yes")
		}
	case float64:
		*lines = append(*lines, fmt.Sprintf("%s: %v", path, x))
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

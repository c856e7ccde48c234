// Package phase tracks the lifecycle status of each 8D phase of a case.
package phase

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a phase.
type Status string

const (
	NotStarted Status = "not_started"
	InProgress Status = "in_progress"
	Confirmed  Status = "confirmed"
	Reopened   Status = "reopened"
)

// Display renders the status for a status badge ("in progress").
func (s Status) Display() string {
	return strings.ReplaceAll(string(s), "_", " ")
}

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case NotStarted, InProgress, Confirmed, Reopened:
		return true
	}
	return false
}

// Meta describes a phase of the workflow.
type Meta struct {
	ID         string
	Name       string
	Discipline []string
}

// Phases is the fixed workflow, in order.
var Phases = []Meta{
	{ID: "D1_D2", Name: "Problem Initiation", Discipline: []string{"D1", "D2"}},
	{ID: "D3", Name: "Problem Definition", Discipline: []string{"D3"}},
	{ID: "D4", Name: "Immediate Actions", Discipline: []string{"D4"}},
	{ID: "D5", Name: "Root Cause Analysis", Discipline: []string{"D5"}},
	{ID: "D6", Name: "Permanent Actions", Discipline: []string{"D6"}},
	{ID: "D7", Name: "Prevention / Standardization", Discipline: []string{"D7"}},
	{ID: "D8", Name: "Closure", Discipline: []string{"D8"}},
}

// Lookup returns the metadata for id. Unknown ids get a placeholder that
// uses the id as name and discipline.
func Lookup(id string) (Meta, bool) {
	for _, m := range Phases {
		if m.ID == id {
			return m, true
		}
	}
	return Meta{ID: id, Name: id, Discipline: []string{id}}, false
}

// IDs returns the ids of the fixed workflow.
func IDs() []string {
	out := make([]string, len(Phases))
	for i, m := range Phases {
		out[i] = m.ID
	}
	return out
}

// Header is the per-phase bookkeeping persisted under phases.<id>.header.
type Header struct {
	Name        string
	Discipline  []string
	Completed   bool
	Status      Status
	LastUpdated string
	ConfirmedAt *string
}

func newHeader(id string) *Header {
	m, _ := Lookup(id)
	return &Header{
		Name:       m.Name,
		Discipline: append([]string(nil), m.Discipline...),
		Status:     NotStarted,
	}
}

// Fields returns the header as document values. The discipline of a
// single-discipline phase is stored as a plain string.
func (h *Header) Fields() map[string]any {
	out := map[string]any{
		"name":         h.Name,
		"discipline":   disciplineValue(h.Discipline),
		"completed":    h.Completed,
		"status":       string(h.Status),
		"last_updated": h.LastUpdated,
		"confirmed_at": nil,
	}
	if h.ConfirmedAt != nil {
		out["confirmed_at"] = *h.ConfirmedAt
	}
	return out
}

func disciplineValue(d []string) any {
	if len(d) == 1 {
		return d[0]
	}
	out := make([]any, len(d))
	for i, s := range d {
		out[i] = s
	}
	return out
}

// Transition is the outcome of applying an event to a phase.
type Transition struct {
	Phase   string
	From    Status
	To      Status
	Created bool
	// Immediate is set for confirmations and reopenings, which must not wait
	// for the debounce window.
	Immediate bool
	Header    Header
}

// Fragment returns the header fields this transition writes. The transition
// that created the header also carries name and discipline.
func (t Transition) Fragment() map[string]any {
	all := t.Header.Fields()
	out := map[string]any{
		"status":       all["status"],
		"completed":    all["completed"],
		"confirmed_at": all["confirmed_at"],
		"last_updated": all["last_updated"],
	}
	if t.Created {
		out["name"] = all["name"]
		out["discipline"] = all["discipline"]
	}
	return out
}

// Reopened reports whether the transition regressed a confirmed phase.
func (t Transition) Reopened() bool {
	return t.From == Confirmed && t.To == Reopened
}

// Tracker holds the headers of one case session.
type Tracker struct {
	headers map[string]*Header
	now     func() time.Time
}

// NewTracker returns a tracker stamping times from now (time.Now when nil).
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{headers: map[string]*Header{}, now: now}
}

func (t *Tracker) stamp() string {
	return t.now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func (t *Tracker) ensure(id string) (*Header, bool) {
	if h, ok := t.headers[id]; ok {
		return h, false
	}
	h := newHeader(id)
	t.headers[id] = h
	return h, true
}

// Edit applies a field edit inside phase id.
func (t *Tracker) Edit(id string) Transition {
	h, created := t.ensure(id)
	from := h.Status
	h.LastUpdated = t.stamp()

	immediate := false
	switch from {
	case NotStarted, "":
		h.Status = InProgress
	case Confirmed:
		h.Status = Reopened
		h.Completed = false
		h.ConfirmedAt = nil
		immediate = true
	}
	return Transition{Phase: id, From: from, To: h.Status, Created: created, Immediate: immediate, Header: *h}
}

// Confirm applies an explicit confirmation of phase id.
func (t *Tracker) Confirm(id string) Transition {
	h, created := t.ensure(id)
	from := h.Status
	ts := t.stamp()
	h.Status = Confirmed
	h.Completed = true
	h.ConfirmedAt = &ts
	h.LastUpdated = ts
	return Transition{Phase: id, From: from, To: Confirmed, Created: created, Immediate: true, Header: *h}
}

// Status returns the current status of id (not_started when untouched).
func (t *Tracker) Status(id string) Status {
	if h, ok := t.headers[id]; ok {
		return h.Status
	}
	return NotStarted
}

// Header returns a copy of the header of id.
func (t *Tracker) Header(id string) (Header, bool) {
	h, ok := t.headers[id]
	if !ok {
		return Header{}, false
	}
	return *h, true
}

// Restore rebuilds the header of id from a stored document header. Missing
// or unknown statuses fall back to not_started.
func (t *Tracker) Restore(id string, stored map[string]any) {
	h := newHeader(id)
	if s, ok := stored["status"].(string); ok && Status(s).Valid() {
		h.Status = Status(s)
	}
	if c, ok := stored["completed"].(bool); ok {
		h.Completed = c
	}
	if s, ok := stored["last_updated"].(string); ok {
		h.LastUpdated = s
	}
	if s, ok := stored["confirmed_at"].(string); ok && s != "" {
		h.ConfirmedAt = &s
	}
	if s, ok := stored["name"].(string); ok && s != "" {
		h.Name = s
	}
	t.headers[id] = h
}

// Reset forgets every header.
func (t *Tracker) Reset() {
	t.headers = map[string]*Header{}
}

// Package rows materializes repeated table structures of a case document into
// indexed field bindings.
//
// Row indices are never patched in place: every add or remove recomputes all
// bindings of the table from scratch, and the patch for any edit inside a
// table carries the whole rebuilt array.
package rows

import (
	"fmt"

	"github.com/starford/eightd/internal/docpath"
	"github.com/starford/eightd/internal/doctree"
)

// Binding ties one editable input of a row to its document path.
type Binding struct {
	Path     docpath.Path
	Row      int
	Field    string
	Disabled bool
}

// Table is a repeated structure at Path. Rows are maps of Fields, or plain
// scalars when Fields is empty.
type Table struct {
	Path   docpath.Path
	Fields []string
	rows   int
}

// Scalar reports whether rows are bare values rather than objects.
func (t *Table) Scalar() bool { return len(t.Fields) == 0 }

// Materializer owns the tables of one session.
type Materializer struct {
	tables map[string]*Table
	locked func() bool
}

// New returns a materializer. locked reports the form-lock state new
// bindings inherit; nil means unlocked.
func New(locked func() bool) *Materializer {
	if locked == nil {
		locked = func() bool { return false }
	}
	return &Materializer{tables: map[string]*Table{}, locked: locked}
}

// Define registers a table at arrayPath with the given row template.
// Redefining a table keeps its row count.
func (m *Materializer) Define(arrayPath docpath.Path, fields ...string) *Table {
	key := arrayPath.String()
	if t, ok := m.tables[key]; ok {
		t.Fields = append([]string(nil), fields...)
		return t
	}
	t := &Table{Path: arrayPath.Append(), Fields: append([]string(nil), fields...)}
	m.tables[key] = t
	return t
}

// Table returns the table defined at arrayPath.
func (m *Materializer) Table(arrayPath docpath.Path) (*Table, bool) {
	t, ok := m.tables[arrayPath.String()]
	return t, ok
}

// Tables returns every defined table.
func (m *Materializer) Tables() []*Table {
	out := make([]*Table, 0, len(m.tables))
	for _, t := range m.tables {
		out = append(out, t)
	}
	return out
}

func (m *Materializer) mustTable(arrayPath docpath.Path) (*Table, error) {
	t, ok := m.Table(arrayPath)
	if !ok {
		return nil, fmt.Errorf("rows: no table at %s", arrayPath)
	}
	return t, nil
}

// Rows returns the number of live rows of the table at arrayPath.
func (m *Materializer) Rows(arrayPath docpath.Path) int {
	if t, ok := m.Table(arrayPath); ok {
		return t.rows
	}
	return 0
}

// AddRow appends a row and returns its index and bindings.
func (m *Materializer) AddRow(arrayPath docpath.Path) (int, []Binding, error) {
	t, err := m.mustTable(arrayPath)
	if err != nil {
		return 0, nil, err
	}
	idx := t.rows
	t.rows++
	return idx, m.rowBindings(t, idx), nil
}

// RemoveRow drops row i and returns the recomputed bindings of the table.
func (m *Materializer) RemoveRow(arrayPath docpath.Path, i int) ([]Binding, error) {
	t, err := m.mustTable(arrayPath)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= t.rows {
		return nil, fmt.Errorf("rows: index %d out of range for %s (%d rows)", i, arrayPath, t.rows)
	}
	t.rows--
	return m.Bindings(arrayPath), nil
}

// EnsureRows grows the table to at least max(n, 1) rows and returns the
// bindings of the rows it created.
func (m *Materializer) EnsureRows(arrayPath docpath.Path, n int) ([]Binding, error) {
	t, err := m.mustTable(arrayPath)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		n = 1
	}
	var out []Binding
	for t.rows < n {
		out = append(out, m.rowBindings(t, t.rows)...)
		t.rows++
	}
	return out, nil
}

// Reset drops all live rows while keeping table definitions.
func (m *Materializer) Reset() {
	for _, t := range m.tables {
		t.rows = 0
	}
}

// Bindings returns the bindings of every live row, indexed from zero.
func (m *Materializer) Bindings(arrayPath docpath.Path) []Binding {
	t, ok := m.Table(arrayPath)
	if !ok {
		return nil
	}
	var out []Binding
	for i := 0; i < t.rows; i++ {
		out = append(out, m.rowBindings(t, i)...)
	}
	return out
}

func (m *Materializer) rowBindings(t *Table, i int) []Binding {
	disabled := m.locked()
	row := t.Path.Append(docpath.Idx(i))
	if t.Scalar() {
		return []Binding{{Path: row, Row: i, Disabled: disabled}}
	}
	out := make([]Binding, len(t.Fields))
	for j, f := range t.Fields {
		out[j] = Binding{Path: row.Append(docpath.Key(f)), Row: i, Field: f, Disabled: disabled}
	}
	return out
}

// Rebuild reconstructs the whole array at arrayPath. Live rows are preferred;
// every template field is present and unset fields are "". Stored elements
// beyond the live rows are kept, so a table that knows fewer rows than the
// document holds never shortens the array. Without live rows the stored array
// is used with nil slots normalized to "".
func (m *Materializer) Rebuild(doc *doctree.Document, arrayPath docpath.Path) []any {
	if t, ok := m.Table(arrayPath); ok && t.rows > 0 {
		out := make([]any, max(t.rows, doc.Len(arrayPath)))
		for i := range out {
			out[i] = liveRow(doc, t, i)
		}
		return out
	}

	v, ok := doc.Get(arrayPath)
	if !ok {
		return []any{}
	}
	s, ok := v.([]any)
	if !ok {
		return []any{}
	}
	out := make([]any, len(s))
	for i, e := range s {
		if e == nil {
			out[i] = ""
			continue
		}
		out[i] = doctree.DeepCopy(e)
	}
	return out
}

func liveRow(doc *doctree.Document, t *Table, i int) any {
	rowPath := t.Path.Append(docpath.Idx(i))
	stored, _ := doc.Get(rowPath)
	if t.Scalar() {
		if stored == nil {
			return ""
		}
		return doctree.DeepCopy(stored)
	}
	row := map[string]any{}
	if m, ok := stored.(map[string]any); ok {
		row = doctree.DeepCopy(m).(map[string]any)
	}
	for _, f := range t.Fields {
		if v, ok := row[f]; !ok || v == nil {
			row[f] = ""
		}
	}
	return row
}

// EmptyRow returns the value a freshly added row holds.
func (t *Table) EmptyRow() any {
	if t.Scalar() {
		return ""
	}
	row := make(map[string]any, len(t.Fields))
	for _, f := range t.Fields {
		row[f] = ""
	}
	return row
}

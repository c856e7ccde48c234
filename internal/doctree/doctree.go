// Package doctree holds the in-memory case document addressed by docpath tokens.
package doctree

import (
	"github.com/starford/eightd/internal/docpath"
)

// MismatchFunc is notified when Set replaces an intermediate node whose kind
// did not match the next token (a mapping where a sequence was implied or the
// reverse).
type MismatchFunc func(at docpath.Path, found any)

// Document is a tree of map[string]any and []any with scalar leaves.
// It is not safe for concurrent use; the owning session serializes access.
type Document struct {
	root       map[string]any
	onMismatch MismatchFunc
}

// New returns an empty document.
func New() *Document {
	return &Document{root: map[string]any{}}
}

// OnMismatch installs a diagnostic callback for structural mismatches.
func (d *Document) OnMismatch(fn MismatchFunc) {
	d.onMismatch = fn
}

// Get returns the value at p. The boolean is false when any step is missing or
// has the wrong kind.
func (d *Document) Get(p docpath.Path) (any, bool) {
	var cur any = d.root
	for _, t := range p {
		next, ok := step(cur, t)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func step(cur any, t docpath.Token) (any, bool) {
	if t.IsIndex {
		s, ok := cur.([]any)
		if !ok || t.Index >= len(s) {
			return nil, false
		}
		return s[t.Index], true
	}
	m, ok := cur.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[t.Name]
	return v, ok
}

// Set writes v at p, creating intermediate containers as the next token
// implies. An empty path or one with an index beyond docpath.MaxIndex is
// ignored.
func (d *Document) Set(p docpath.Path, v any) {
	if len(p) == 0 || !p.Bounded() {
		return
	}
	d.root = d.setIn(d.root, p, 0, v).(map[string]any)
}

// setIn returns the (possibly replaced) container after writing.
func (d *Document) setIn(cur any, p docpath.Path, i int, v any) any {
	t := p[i]
	cur = d.ensureKind(cur, p, i)
	last := i == len(p)-1

	if t.IsIndex {
		s := cur.([]any)
		for len(s) <= t.Index {
			s = append(s, nil)
		}
		if last {
			s[t.Index] = v
		} else {
			s[t.Index] = d.setIn(s[t.Index], p, i+1, v)
		}
		return s
	}

	m := cur.(map[string]any)
	if last {
		m[t.Name] = v
	} else {
		m[t.Name] = d.setIn(m[t.Name], p, i+1, v)
	}
	return m
}

// ensureKind makes cur a container matching p[i]. Missing nodes are created;
// mismatched nodes are replaced and reported.
func (d *Document) ensureKind(cur any, p docpath.Path, i int) any {
	if p[i].IsIndex {
		if s, ok := cur.([]any); ok {
			return s
		}
		if cur != nil && d.onMismatch != nil {
			d.onMismatch(p[:i], cur)
		}
		return []any{}
	}
	if m, ok := cur.(map[string]any); ok {
		return m
	}
	if cur != nil && d.onMismatch != nil {
		d.onMismatch(p[:i], cur)
	}
	return map[string]any{}
}

// Delete removes the value at p. Removing a sequence element shifts the
// following elements down. It reports whether anything was removed.
func (d *Document) Delete(p docpath.Path) bool {
	if len(p) == 0 {
		return false
	}
	parentPath, last := p[:len(p)-1], p[len(p)-1]
	parent, ok := d.Get(parentPath)
	if !ok {
		return false
	}
	if last.IsIndex {
		s, ok := parent.([]any)
		if !ok || last.Index >= len(s) {
			return false
		}
		out := make([]any, 0, len(s)-1)
		out = append(out, s[:last.Index]...)
		out = append(out, s[last.Index+1:]...)
		d.Set(parentPath, out)
		return true
	}
	m, ok := parent.(map[string]any)
	if !ok {
		return false
	}
	if _, ok := m[last.Name]; !ok {
		return false
	}
	delete(m, last.Name)
	return true
}

// Len returns the length of the sequence at p, or 0 when p is not a sequence.
func (d *Document) Len(p docpath.Path) int {
	v, ok := d.Get(p)
	if !ok {
		return 0
	}
	s, _ := v.([]any)
	return len(s)
}

// Replace swaps the whole tree for a deep copy of snapshot.
func (d *Document) Replace(snapshot map[string]any) {
	if snapshot == nil {
		d.root = map[string]any{}
		return
	}
	d.root = DeepCopy(snapshot).(map[string]any)
}

// Snapshot returns a deep copy of the tree.
func (d *Document) Snapshot() map[string]any {
	return DeepCopy(d.root).(map[string]any)
}

// DeepCopy copies maps and slices recursively; scalars are returned as is.
func DeepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = DeepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = DeepCopy(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}

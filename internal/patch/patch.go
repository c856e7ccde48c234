// Package patch builds and merges JSON merge-patch fragments for case documents.
//
// Mappings merge recursively, sequences replace wholesale and scalars take the
// newer value. Rows of a table can only be added or removed by sending the
// whole current array, so an element-wise array merge would resurrect rows.
package patch

import (
	"github.com/starford/eightd/internal/docpath"
	"github.com/starford/eightd/internal/doctree"
)

// Fragment is a nested-object representation of one or more document writes.
type Fragment = map[string]any

// BuildLeaf returns the minimal fragment that writes v at p. Index tokens
// become sequence positions; the positions before them are left nil. Paths
// that are empty, start with an index or are not bounded yield an empty
// fragment.
func BuildLeaf(p docpath.Path, v any) Fragment {
	if len(p) == 0 || p[0].IsIndex || !p.Bounded() {
		return Fragment{}
	}
	return build(p, v).(map[string]any)
}

func build(p docpath.Path, v any) any {
	if len(p) == 0 {
		return doctree.DeepCopy(v)
	}
	child := build(p[1:], v)
	if t := p[0]; t.IsIndex {
		s := make([]any, t.Index+1)
		s[t.Index] = child
		return s
	}
	return map[string]any{p[0].Name: child}
}

// Merge folds source into target and returns the result. Neither argument is
// modified.
func Merge(target, source Fragment) Fragment {
	out := Clone(target)
	if out == nil {
		out = Fragment{}
	}
	for k, v := range source {
		out[k] = mergeValue(out[k], v)
	}
	return out
}

func mergeValue(target, source any) any {
	src, ok := source.(map[string]any)
	if !ok {
		return doctree.DeepCopy(source)
	}
	dst, ok := target.(map[string]any)
	if !ok {
		dst = map[string]any{}
	}
	for k, v := range src {
		dst[k] = mergeValue(dst[k], v)
	}
	return dst
}

// Clone deep-copies f.
func Clone(f Fragment) Fragment {
	if f == nil {
		return nil
	}
	return doctree.DeepCopy(f).(map[string]any)
}

// IsEmpty reports whether f carries no writes.
func IsEmpty(f Fragment) bool {
	return len(f) == 0
}

// Header builds the phases.<id>.header fragment for a set of header fields.
func Header(phaseID string, fields map[string]any) Fragment {
	return Fragment{
		"phases": map[string]any{
			phaseID: map[string]any{
				"header": doctree.DeepCopy(fields),
			},
		},
	}
}

package patch

import (
	"reflect"
	"testing"

	"github.com/starford/eightd/internal/docpath"
)

func TestBuildLeaf_Nested(t *testing.T) {
	got := BuildLeaf(docpath.MustParse("phases.D3.data.problem"), "leak")
	want := Fragment{"phases": map[string]any{"D3": map[string]any{"data": map[string]any{"problem": "leak"}}}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("fragment = %v, want %v", got, want)
	}
}

func TestBuildLeaf_SparseIndex(t *testing.T) {
	got := BuildLeaf(docpath.MustParse("rows[2].owner"), "Alice")
	rows, ok := got["rows"].([]any)
	if !ok || len(rows) != 3 {
		t.Fatalf("rows = %#v", got["rows"])
	}
	if rows[0] != nil || rows[1] != nil {
		t.Errorf("sparse positions should be nil, got %v", rows)
	}
	if !reflect.DeepEqual(rows[2], map[string]any{"owner": "Alice"}) {
		t.Errorf("rows[2] = %v", rows[2])
	}
}

func TestBuildLeaf_UnboundedIndex(t *testing.T) {
	p := docpath.Path{docpath.Key("rows"), docpath.Idx(docpath.MaxIndex + 1)}
	if got := BuildLeaf(p, "x"); !IsEmpty(got) {
		t.Errorf("fragment = %v, want empty", got)
	}
}

func TestMerge_MapsRecurse(t *testing.T) {
	a := BuildLeaf(docpath.MustParse("phases.D4.data.containment"), "quarantine")
	b := BuildLeaf(docpath.MustParse("phases.D4.header.status"), "in_progress")
	got := Merge(a, b)

	d4 := got["phases"].(map[string]any)["D4"].(map[string]any)
	if d4["data"].(map[string]any)["containment"] != "quarantine" {
		t.Errorf("data lost: %v", d4)
	}
	if d4["header"].(map[string]any)["status"] != "in_progress" {
		t.Errorf("header missing: %v", d4)
	}
}

func TestMerge_ArraysReplace(t *testing.T) {
	target := Fragment{"list": []any{"a", "b", "c"}}
	source := Fragment{"list": []any{"x"}}
	got := Merge(target, source)
	if !reflect.DeepEqual(got["list"], []any{"x"}) {
		t.Errorf("list = %v, want [x]", got["list"])
	}
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	target := Fragment{"m": map[string]any{"a": "1"}}
	source := Fragment{"m": map[string]any{"b": "2"}, "l": []any{"z"}}
	got := Merge(target, source)

	if _, ok := target["m"].(map[string]any)["b"]; ok {
		t.Error("target was mutated")
	}
	got["l"].([]any)[0] = "changed"
	if source["l"].([]any)[0] != "z" {
		t.Error("result aliases source slice")
	}
}

func TestMerge_Associative(t *testing.T) {
	a := Fragment{"p": map[string]any{"x": "1", "list": []any{"a"}}, "s": true}
	b := Fragment{"p": map[string]any{"y": "2"}, "s": false}
	c := Fragment{"p": map[string]any{"x": "3", "list": []any{"b", "c"}}, "q": "v"}

	left := Merge(Merge(a, b), c)
	right := Merge(a, Merge(b, c))
	if !reflect.DeepEqual(left, right) {
		t.Errorf("merge not associative:\n left=%v\nright=%v", left, right)
	}
}

func TestMerge_ArrayReplacementLaw(t *testing.T) {
	priors := []Fragment{
		{},
		{"a": map[string]any{"list": []any{"1", "2", "3"}}},
		{"a": map[string]any{"list": "scalar"}},
		{"a": "scalar"},
	}
	want := []any{map[string]any{"owner": "Alice"}, map[string]any{"owner": ""}}
	for _, prior := range priors {
		got := Merge(prior, Fragment{"a": map[string]any{"list": want}})
		if !reflect.DeepEqual(got["a"].(map[string]any)["list"], want) {
			t.Errorf("prior %v: list = %v", prior, got["a"])
		}
	}
}

func TestHeader(t *testing.T) {
	h := Header("D4", map[string]any{"status": "confirmed"})
	status := h["phases"].(map[string]any)["D4"].(map[string]any)["header"].(map[string]any)["status"]
	if status != "confirmed" {
		t.Errorf("status = %v", status)
	}
}

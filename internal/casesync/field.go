package casesync

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/starford/eightd/internal/docpath"
)

// FieldKind selects how raw input values are read.
type FieldKind int

const (
	// FieldText stores the raw string.
	FieldText FieldKind = iota
	// FieldCheckbox stores a bool.
	FieldCheckbox
	// FieldList splits comma separated input into a list of trimmed,
	// non-empty strings.
	FieldList
)

// Field is a bound form input.
type Field struct {
	Path docpath.Path
	Kind FieldKind
}

func (k FieldKind) coerce(raw any) any {
	switch k {
	case FieldCheckbox:
		switch v := raw.(type) {
		case bool:
			return v
		case string:
			b, _ := strconv.ParseBool(strings.TrimSpace(v))
			return b
		default:
			return false
		}
	case FieldList:
		switch v := raw.(type) {
		case string:
			return SplitList(v)
		case []string:
			return SplitList(strings.Join(v, ","))
		case []any:
			parts := make([]string, 0, len(v))
			for _, e := range v {
				parts = append(parts, fmt.Sprint(e))
			}
			return SplitList(strings.Join(parts, ","))
		case nil:
			return []any{}
		default:
			return SplitList(fmt.Sprint(v))
		}
	default:
		switch v := raw.(type) {
		case string:
			return v
		case nil:
			return ""
		default:
			return v
		}
	}
}

// SplitList reads comma separated input: items are trimmed and empty items
// dropped.
func SplitList(s string) []any {
	out := []any{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// JoinList renders a stored list for display.
func JoinList(v any) string {
	switch x := v.(type) {
	case []string:
		return strings.Join(x, ", ")
	case []any:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			parts = append(parts, fmt.Sprint(e))
		}
		return strings.Join(parts, ", ")
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

// column names one field of a table; field is "" for plain-value rows.
type column struct {
	table string
	field string
}

// Package docpath parses and formats the structural field paths that bind form
// inputs to positions in a case document, e.g. "phases.D4.data.actions[0].owner".
package docpath

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/starford/eightd/internal/apperr"
)

// Token is one step of a Path: either a mapping key or a sequence index.
type Token struct {
	Name    string
	Index   int
	IsIndex bool
}

// Key returns a name token.
func Key(name string) Token { return Token{Name: name} }

// Idx returns an index token.
func Idx(i int) Token { return Token{Index: i, IsIndex: true} }

func (t Token) String() string {
	if t.IsIndex {
		return "[" + strconv.Itoa(t.Index) + "]"
	}
	return t.Name
}

// Path is an ordered token sequence.
type Path []Token

// MaxIndex is the largest sequence index a path may address. Writes pad
// sequences with nil up to the index.
const MaxIndex = 9999

// Parse splits s on "." and then splits each segment into a leading name and
// zero or more trailing "[N]" index tokens.
func Parse(s string) (Path, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty path", apperr.ErrInvalidPath)
	}
	var out Path
	for _, seg := range strings.Split(s, ".") {
		toks, err := parseSegment(seg)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %s", apperr.ErrInvalidPath, s, err.Error())
		}
		out = append(out, toks...)
	}
	return out, nil
}

// MustParse is Parse for constant paths; it panics on malformed input.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

func parseSegment(seg string) ([]Token, error) {
	i := 0
	for i < len(seg) && isNameByte(seg[i]) {
		i++
	}
	if i == 0 {
		return nil, fmt.Errorf("segment %q has no name", seg)
	}
	toks := []Token{Key(seg[:i])}
	rest := seg[i:]
	for rest != "" {
		if rest[0] != '[' {
			return nil, fmt.Errorf("unexpected %q in segment %q", rest[0], seg)
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, fmt.Errorf("unterminated bracket in segment %q", seg)
		}
		digits := rest[1:end]
		if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
			return nil, fmt.Errorf("bad index %q in segment %q", digits, seg)
		}
		n, err := strconv.Atoi(digits)
		if err != nil || n > MaxIndex {
			return nil, fmt.Errorf("bad index %q in segment %q", digits, seg)
		}
		toks = append(toks, Idx(n))
		rest = rest[end+1:]
	}
	return toks, nil
}

func isNameByte(c byte) bool {
	return c == '_' ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

// Format is the inverse of Parse.
func Format(p Path) string {
	var b strings.Builder
	for _, t := range p {
		if t.IsIndex {
			b.WriteString(t.String())
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(t.Name)
	}
	return b.String()
}

func (p Path) String() string { return Format(p) }

// Equal reports whether both paths have the same tokens.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// Append returns a new path with toks appended; p is never aliased.
func (p Path) Append(toks ...Token) Path {
	out := make(Path, 0, len(p)+len(toks))
	out = append(out, p...)
	return append(out, toks...)
}

// HasPrefix reports whether p starts with prefix.
func (p Path) HasPrefix(prefix Path) bool {
	return len(prefix) <= len(p) && p[:len(prefix)].Equal(prefix)
}

// Bounded reports whether every index of p is within [0, MaxIndex].
func (p Path) Bounded() bool {
	for _, t := range p {
		if t.IsIndex && (t.Index < 0 || t.Index > MaxIndex) {
			return false
		}
	}
	return true
}

// FirstIndex returns the position of the first index token.
func FirstIndex(p Path) (int, bool) {
	for i, t := range p {
		if t.IsIndex {
			return i, true
		}
	}
	return -1, false
}

// LastIndex returns the position of the last index token.
func LastIndex(p Path) (int, bool) {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i].IsIndex {
			return i, true
		}
	}
	return -1, false
}

// PhaseOf returns X when p addresses something under "phases.X".
func PhaseOf(p Path) (string, bool) {
	if len(p) < 2 || p[0].IsIndex || p[0].Name != "phases" || p[1].IsIndex {
		return "", false
	}
	return p[1].Name, true
}

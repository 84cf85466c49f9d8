package ot

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Step is one primitive of an edit operation.
// Counts and offsets are rune counts, not bytes.
type Step struct {
	Kind  Kind   `json:"kind"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain/delete length
	Text  string `json:"text,omitempty"`  // insert text
}

// Operation is an ordered step sequence describing one edit against a
// specific base document length.
type Operation []Step

// ErrMalformedOperation rejects operations that fail well-formedness checks.
var ErrMalformedOperation = errors.New("MALFORMED_OPERATION")

func Retain(n int) Step    { return Step{Kind: KindRetain, Count: n} }
func Insert(s string) Step { return Step{Kind: KindInsert, Text: s} }
func Delete(n int) Step    { return Step{Kind: KindDelete, Count: n} }

func (s Step) len() int {
	if s.Kind == KindInsert {
		return len([]rune(s.Text))
	}
	return s.Count
}

// BaseLen is the document length the operation expects: the sum of retain
// and delete step lengths.
func (op Operation) BaseLen() int {
	n := 0
	for _, s := range op {
		if s.Kind == KindRetain || s.Kind == KindDelete {
			n += s.Count
		}
	}
	return n
}

// TargetLen is the document length after applying the operation.
func (op Operation) TargetLen() int {
	n := 0
	for _, s := range op {
		switch s.Kind {
		case KindRetain:
			n += s.Count
		case KindInsert:
			n += len([]rune(s.Text))
		}
	}
	return n
}

// Normalize returns the canonical minimal form: adjacent steps of the same
// kind merged, zero-length steps dropped. Transform and Compose assume
// normalized input.
func (op Operation) Normalize() Operation {
	out := make(Operation, 0, len(op))
	for _, s := range op {
		if s.len() == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Kind == s.Kind {
			switch s.Kind {
			case KindInsert:
				out[n-1].Text += s.Text
			default:
				out[n-1].Count += s.Count
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// Validate checks well-formedness against the document length at the
// operation's base version. It does not normalize; callers normalize first.
func (op Operation) Validate(baseLen int) error {
	if len(op) == 0 {
		return fmt.Errorf("%w: empty step list", ErrMalformedOperation)
	}
	for i, s := range op {
		switch s.Kind {
		case KindRetain, KindDelete:
			if s.Count <= 0 {
				return fmt.Errorf("%w: step %d: %s count must be positive", ErrMalformedOperation, i, s.Kind)
			}
			if s.Text != "" {
				return fmt.Errorf("%w: step %d: %s carries text", ErrMalformedOperation, i, s.Kind)
			}
		case KindInsert:
			if s.Text == "" {
				return fmt.Errorf("%w: step %d: empty insert", ErrMalformedOperation, i)
			}
			if s.Count != 0 {
				return fmt.Errorf("%w: step %d: insert carries count", ErrMalformedOperation, i)
			}
		default:
			return fmt.Errorf("%w: step %d: unknown kind %q", ErrMalformedOperation, i, s.Kind)
		}
	}
	if got := op.BaseLen(); got != baseLen {
		return fmt.Errorf("%w: operation spans %d runes, document has %d", ErrMalformedOperation, got, baseLen)
	}
	return nil
}

// Apply runs the operation against doc and returns the resulting text.
func (op Operation) Apply(doc string) (string, error) {
	runes := []rune(doc)
	var b strings.Builder
	pos := 0
	for _, s := range op {
		switch s.Kind {
		case KindRetain:
			if pos+s.Count > len(runes) {
				return "", fmt.Errorf("retain past end of document (pos=%d count=%d len=%d)", pos, s.Count, len(runes))
			}
			b.WriteString(string(runes[pos : pos+s.Count]))
			pos += s.Count
		case KindInsert:
			b.WriteString(s.Text)
		case KindDelete:
			if pos+s.Count > len(runes) {
				return "", fmt.Errorf("delete past end of document (pos=%d count=%d len=%d)", pos, s.Count, len(runes))
			}
			pos += s.Count
		}
	}
	if pos != len(runes) {
		return "", fmt.Errorf("operation consumed %d of %d runes", pos, len(runes))
	}
	return b.String(), nil
}

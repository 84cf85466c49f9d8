package ot

import "fmt"

// stepCursor walks a normalized step sequence, letting callers consume a
// retain/delete step a few runes at a time.
type stepCursor struct {
	steps Operation
	idx   int
	used  int // runes consumed from the current retain/delete step
}

func (c *stepCursor) done() bool {
	return c.idx >= len(c.steps)
}

func (c *stepCursor) current() Step {
	return c.steps[c.idx]
}

// remaining reports how many runes of the current retain/delete step are
// still unconsumed.
func (c *stepCursor) remaining() int {
	return c.steps[c.idx].Count - c.used
}

func (c *stepCursor) advance() {
	c.idx++
	c.used = 0
}

func (c *stepCursor) consume(n int) {
	c.used += n
	if c.used >= c.steps[c.idx].Count {
		c.advance()
	}
}

// Transform derives the bottom two sides of the OT diamond. Given a and b
// authored concurrently against the same base document, it returns (a', b')
// such that Apply(Apply(doc, a), b') == Apply(Apply(doc, b), a').
//
// a is the side the server has already accepted: when both sides insert at
// the same offset, a's text lands first.
func Transform(a, b Operation) (Operation, Operation, error) {
	if a.BaseLen() != b.BaseLen() {
		return nil, nil, fmt.Errorf("transform: base lengths differ (%d vs %d)", a.BaseLen(), b.BaseLen())
	}
	ca := &stepCursor{steps: a}
	cb := &stepCursor{steps: b}
	var ap, bp Operation

	for !ca.done() || !cb.done() {
		// Inserts consume no base runes: pass each through and shift the
		// other side by the inserted length.
		if !ca.done() && ca.current().Kind == KindInsert {
			text := ca.current().Text
			ap = append(ap, Insert(text))
			bp = append(bp, Retain(len([]rune(text))))
			ca.advance()
			continue
		}
		if !cb.done() && cb.current().Kind == KindInsert {
			text := cb.current().Text
			ap = append(ap, Retain(len([]rune(text))))
			bp = append(bp, Insert(text))
			cb.advance()
			continue
		}
		if ca.done() || cb.done() {
			return nil, nil, fmt.Errorf("transform: operations span different lengths")
		}

		n := ca.remaining()
		if m := cb.remaining(); m < n {
			n = m
		}
		ka, kb := ca.current().Kind, cb.current().Kind
		switch {
		case ka == KindRetain && kb == KindRetain:
			ap = append(ap, Retain(n))
			bp = append(bp, Retain(n))
		case ka == KindDelete && kb == KindDelete:
			// Both deleted the same span. It is gone after either side
			// applies, so neither rebased operation re-emits it.
		case ka == KindDelete && kb == KindRetain:
			ap = append(ap, Delete(n))
		case ka == KindRetain && kb == KindDelete:
			bp = append(bp, Delete(n))
		}
		ca.consume(n)
		cb.consume(n)
	}
	return ap.Normalize(), bp.Normalize(), nil
}

// Compose collapses two sequential operations into one: b must apply to the
// output of a, and the result is a single operation with
// Apply(doc, Compose(a, b)) == Apply(Apply(doc, a), b).
func Compose(a, b Operation) (Operation, error) {
	if a.TargetLen() != b.BaseLen() {
		return nil, fmt.Errorf("compose: a targets %d runes, b expects %d", a.TargetLen(), b.BaseLen())
	}
	ca := &stepCursor{steps: a}
	cb := &stepCursor{steps: b}
	var out Operation

	for !ca.done() || !cb.done() {
		// a's deletes act on the base document b never saw.
		if !ca.done() && ca.current().Kind == KindDelete {
			out = append(out, Delete(ca.remaining()))
			ca.advance()
			continue
		}
		// b's inserts land regardless of what a did underneath.
		if !cb.done() && cb.current().Kind == KindInsert {
			out = append(out, Insert(cb.current().Text))
			cb.advance()
			continue
		}
		if ca.done() || cb.done() {
			return nil, fmt.Errorf("compose: operations span different lengths")
		}

		sa, sb := ca.current(), cb.current()
		n := stepRemaining(ca)
		if m := stepRemaining(cb); m < n {
			n = m
		}
		switch {
		case sa.Kind == KindRetain && sb.Kind == KindRetain:
			out = append(out, Retain(n))
			ca.consume(n)
			cb.consume(n)
		case sa.Kind == KindRetain && sb.Kind == KindDelete:
			out = append(out, Delete(n))
			ca.consume(n)
			cb.consume(n)
		case sa.Kind == KindInsert && sb.Kind == KindRetain:
			out = append(out, Insert(insertSlice(ca, n)))
			consumeInsert(ca, n)
			cb.consume(n)
		case sa.Kind == KindInsert && sb.Kind == KindDelete:
			// a inserted text that b immediately deleted: it never existed.
			consumeInsert(ca, n)
			cb.consume(n)
		}
	}
	return out.Normalize(), nil
}

// stepRemaining is remaining() generalized to insert steps, whose length
// lives in the text rather than the count.
func stepRemaining(c *stepCursor) int {
	if c.current().Kind == KindInsert {
		return len([]rune(c.current().Text)) - c.used
	}
	return c.remaining()
}

func insertSlice(c *stepCursor, n int) string {
	r := []rune(c.current().Text)
	return string(r[c.used : c.used+n])
}

func consumeInsert(c *stepCursor, n int) {
	c.used += n
	if c.used >= len([]rune(c.current().Text)) {
		c.advance()
	}
}

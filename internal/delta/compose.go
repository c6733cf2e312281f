package delta

import (
	"fmt"
	"math"
	"reflect"
	"slices"
)

const infinity = math.MaxInt

type opKind int

const (
	kindRetain opKind = iota
	kindInsert
	kindDelete
)

func kindOf(op Op) opKind {
	switch {
	case op.Delete > 0:
		return kindDelete
	case op.IsInsert():
		return kindInsert
	default:
		return kindRetain
	}
}

// builder accumulates ops, merging neighbours of the same kind.
type builder struct {
	ops []Op
}

func (b *builder) push(op Op) {
	if op.Len() == 0 {
		return
	}

	idx := len(b.ops)
	if idx > 0 {
		last := &b.ops[idx-1]
		if op.Delete > 0 && last.Delete > 0 {
			last.Delete += op.Delete
			return
		}
		// Inserts go before a trailing delete so equivalent deltas share one
		// canonical form.
		if last.Delete > 0 && op.IsInsert() {
			idx--
			if idx == 0 {
				b.ops = slices.Insert(b.ops, 0, op)
				return
			}
			last = &b.ops[idx-1]
		}
		if AttributesEqual(op.Attributes, last.Attributes) {
			if op.Insert != "" && last.Insert != "" && op.Embed == nil && last.Embed == nil {
				last.Insert += op.Insert
				return
			}
			if op.Retain > 0 && last.Retain > 0 {
				last.Retain += op.Retain
				return
			}
		}
	}
	b.ops = slices.Insert(b.ops, idx, op)
}

// chop drops a trailing plain retain, which has no effect.
func (b *builder) chop() []Op {
	if n := len(b.ops); n > 0 {
		last := b.ops[n-1]
		if last.Retain > 0 && len(last.Attributes) == 0 {
			return b.ops[:n-1]
		}
	}
	return b.ops
}

type iterator struct {
	ops    []Op
	index  int
	offset int
}

func (it *iterator) hasNext() bool {
	return it.peekLength() < infinity
}

func (it *iterator) peekLength() int {
	if it.index < len(it.ops) {
		return it.ops[it.index].Len() - it.offset
	}
	return infinity
}

func (it *iterator) peekKind() opKind {
	if it.index < len(it.ops) {
		return kindOf(it.ops[it.index])
	}
	return kindRetain
}

// next consumes up to length positions of the current op.
func (it *iterator) next(length int) Op {
	if it.index >= len(it.ops) {
		return Op{Retain: infinity}
	}

	op := it.ops[it.index]
	offset := it.offset
	remaining := op.Len() - offset
	if length >= remaining {
		length = remaining
		it.index++
		it.offset = 0
	} else {
		it.offset += length
	}

	switch {
	case op.Delete > 0:
		return Op{Delete: length}
	case op.Retain > 0:
		return Op{Retain: length, Attributes: op.Attributes}
	case op.Embed != nil:
		return Op{Embed: op.Embed, Attributes: op.Attributes}
	default:
		runes := []rune(op.Insert)
		return Op{Insert: string(runes[offset : offset+length]), Attributes: op.Attributes}
	}
}

// Compose returns a delta equivalent to applying a then b.
func Compose(a, b Delta) Delta {
	ai := &iterator{ops: a.Ops}
	bi := &iterator{ops: b.Ops}
	var out builder

	for ai.hasNext() || bi.hasNext() {
		switch {
		case bi.peekKind() == kindInsert:
			out.push(bi.next(infinity))
		case ai.peekKind() == kindDelete:
			out.push(ai.next(infinity))
		default:
			length := min(ai.peekLength(), bi.peekLength())
			aOp := ai.next(length)
			bOp := bi.next(length)
			switch {
			case bOp.Retain > 0:
				var op Op
				if aOp.Retain > 0 {
					op.Retain = length
				} else {
					op.Insert = aOp.Insert
					op.Embed = aOp.Embed
				}
				op.Attributes = ComposeAttributes(aOp.Attributes, bOp.Attributes, aOp.Retain > 0)
				out.push(op)
			case bOp.Delete > 0 && aOp.Retain > 0:
				out.push(bOp)
			}
			// A delete over an insert cancels both.
		}
	}
	return Delta{Ops: out.chop()}
}

// Apply composes change onto doc after checking that doc is a document and
// that change fits inside it. On error doc is returned unchanged.
func Apply(doc, change Delta) (Delta, error) {
	if !doc.IsDocument() {
		return doc, ErrNotDocument
	}
	if err := change.Validate(); err != nil {
		return doc, err
	}
	if base, length := change.BaseLength(), doc.Length(); base > length {
		return doc, fmt.Errorf("%w: change consumes %d of %d", ErrOutOfRange, base, length)
	}
	return Compose(doc, change), nil
}

// ComposeAttributes merges b over a. A nil value in b removes the key; such
// removals are kept in the result only when keepNull is set, so that a
// composed retain can still clear formatting.
func ComposeAttributes(a, b map[string]any, keepNull bool) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range b {
		if v == nil && !keepNull {
			continue
		}
		out[k] = v
	}
	for k, v := range a {
		if _, ok := b[k]; !ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// AttributesEqual treats nil and empty maps as equal.
func AttributesEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return mapsEqual(a, b)
}

func mapsEqual(a, b map[string]any) bool {
	return reflect.DeepEqual(a, b) || (len(a) == 0 && len(b) == 0)
}

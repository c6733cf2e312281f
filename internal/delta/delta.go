// Package delta implements the rich-text operation model used by document
// sessions: ordered retain/insert/delete operations with formatting
// attributes, in the JSON shape produced by Quill.
package delta

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

var (
	// ErrMalformedOp is returned when an operation does not carry exactly one
	// of insert, retain or delete, or carries a non-positive length.
	ErrMalformedOp = errors.New("malformed delta operation")
	// ErrOutOfRange is returned when a change retains or deletes past the end
	// of the document it is applied to.
	ErrOutOfRange = errors.New("change exceeds document length")
	// ErrNotDocument is returned when a delta used as document content holds
	// retain or delete operations.
	ErrNotDocument = errors.New("delta is not a document")
)

// EmbedText stands in for an embed in plain-text renderings so that text
// offsets line up with delta offsets.
const EmbedText = "\uFFFC"

// Op is a single operation. Exactly one of Insert, Embed, Retain and Delete is
// set. Lengths count Unicode code points; an embed has length 1.
type Op struct {
	Insert     string
	Embed      map[string]any
	Retain     int
	Delete     int
	Attributes map[string]any
}

// IsInsert reports whether the op inserts text or an embed.
func (o Op) IsInsert() bool {
	return o.Embed != nil || o.Insert != ""
}

// Len returns the number of document positions the op covers.
func (o Op) Len() int {
	switch {
	case o.Delete > 0:
		return o.Delete
	case o.Retain > 0:
		return o.Retain
	case o.Embed != nil:
		return 1
	default:
		return utf8.RuneCountInString(o.Insert)
	}
}

// Validate checks that the op carries exactly one action with a positive
// length.
func (o Op) Validate() error {
	actions := 0
	if o.Insert != "" {
		actions++
	}
	if o.Embed != nil {
		actions++
		if len(o.Embed) == 0 {
			return fmt.Errorf("%w: empty embed", ErrMalformedOp)
		}
	}
	if o.Retain != 0 {
		actions++
		if o.Retain < 0 {
			return fmt.Errorf("%w: negative retain %d", ErrMalformedOp, o.Retain)
		}
	}
	if o.Delete != 0 {
		actions++
		if o.Delete < 0 {
			return fmt.Errorf("%w: negative delete %d", ErrMalformedOp, o.Delete)
		}
	}
	if actions != 1 {
		return fmt.Errorf("%w: %d actions", ErrMalformedOp, actions)
	}
	return nil
}

type wireOp struct {
	Insert     json.RawMessage `json:"insert,omitempty"`
	Retain     *int            `json:"retain,omitempty"`
	Delete     *int            `json:"delete,omitempty"`
	Attributes map[string]any  `json:"attributes,omitempty"`
}

// MarshalJSON encodes the op in Quill's shape.
func (o Op) MarshalJSON() ([]byte, error) {
	var w wireOp
	switch {
	case o.Embed != nil:
		raw, err := json.Marshal(o.Embed)
		if err != nil {
			return nil, err
		}
		w.Insert = raw
	case o.Insert != "":
		raw, err := json.Marshal(o.Insert)
		if err != nil {
			return nil, err
		}
		w.Insert = raw
	case o.Retain > 0:
		n := o.Retain
		w.Retain = &n
	case o.Delete > 0:
		n := o.Delete
		w.Delete = &n
	default:
		return nil, ErrMalformedOp
	}
	if len(o.Attributes) > 0 {
		w.Attributes = o.Attributes
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes an op and rejects anything Validate would reject.
func (o *Op) UnmarshalJSON(b []byte) error {
	var w wireOp
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOp, err)
	}

	op := Op{Attributes: w.Attributes}
	if len(w.Insert) > 0 {
		switch w.Insert[0] {
		case '"':
			if err := json.Unmarshal(w.Insert, &op.Insert); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedOp, err)
			}
			if op.Insert == "" {
				return fmt.Errorf("%w: empty insert", ErrMalformedOp)
			}
		case '{':
			if err := json.Unmarshal(w.Insert, &op.Embed); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedOp, err)
			}
			if op.Embed == nil {
				op.Embed = map[string]any{}
			}
		default:
			return fmt.Errorf("%w: insert must be a string or an object", ErrMalformedOp)
		}
	}
	if w.Retain != nil {
		if *w.Retain <= 0 {
			return fmt.Errorf("%w: retain must be positive", ErrMalformedOp)
		}
		op.Retain = *w.Retain
	}
	if w.Delete != nil {
		if *w.Delete <= 0 {
			return fmt.Errorf("%w: delete must be positive", ErrMalformedOp)
		}
		op.Delete = *w.Delete
	}
	if err := op.Validate(); err != nil {
		return err
	}
	*o = op
	return nil
}

// Delta is an ordered list of operations. A delta made only of inserts is a
// document. Deltas are values: every function in this package returns a new
// delta and leaves its inputs untouched.
type Delta struct {
	Ops []Op
}

// New returns a delta holding ops, normalised the way Quill does when ops are
// pushed one by one.
func New(ops ...Op) Delta {
	var b builder
	for _, op := range ops {
		b.push(op)
	}
	return Delta{Ops: b.ops}
}

// Insert returns d followed by an insert of text.
func (d Delta) Insert(text string, attrs map[string]any) Delta {
	if text == "" {
		return d
	}
	return d.with(Op{Insert: text, Attributes: attrs})
}

// InsertEmbed returns d followed by an embed insert.
func (d Delta) InsertEmbed(embed map[string]any, attrs map[string]any) Delta {
	if len(embed) == 0 {
		return d
	}
	return d.with(Op{Embed: embed, Attributes: attrs})
}

// Retain returns d followed by a retain of n positions.
func (d Delta) Retain(n int, attrs map[string]any) Delta {
	if n <= 0 {
		return d
	}
	return d.with(Op{Retain: n, Attributes: attrs})
}

// Delete returns d followed by a delete of n positions.
func (d Delta) Delete(n int) Delta {
	if n <= 0 {
		return d
	}
	return d.with(Op{Delete: n})
}

func (d Delta) with(op Op) Delta {
	b := builder{ops: make([]Op, len(d.Ops), len(d.Ops)+1)}
	copy(b.ops, d.Ops)
	b.push(op)
	return Delta{Ops: b.ops}
}

// Length returns the total length of every op.
func (d Delta) Length() int {
	n := 0
	for _, op := range d.Ops {
		n += op.Len()
	}
	return n
}

// BaseLength returns how many document positions the delta consumes, the
// minimum length of a document it can be applied to. The sum saturates at
// math.MaxInt.
func (d Delta) BaseLength() int {
	n := 0
	for _, op := range d.Ops {
		if op.IsInsert() {
			continue
		}
		l := op.Len()
		if l > math.MaxInt-n {
			return math.MaxInt
		}
		n += l
	}
	return n
}

// IsDocument reports whether the delta holds only inserts.
func (d Delta) IsDocument() bool {
	for _, op := range d.Ops {
		if !op.IsInsert() {
			return false
		}
	}
	return true
}

// Validate validates every op.
func (d Delta) Validate() error {
	for i, op := range d.Ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	return nil
}

// Text renders a document as plain text. Embeds render as EmbedText.
func (d Delta) Text() string {
	var sb strings.Builder
	for _, op := range d.Ops {
		switch {
		case op.Embed != nil:
			sb.WriteString(EmbedText)
		case op.Insert != "":
			sb.WriteString(op.Insert)
		}
	}
	return sb.String()
}

// Equal reports whether two deltas hold the same ops.
func (d Delta) Equal(other Delta) bool {
	if len(d.Ops) != len(other.Ops) {
		return false
	}
	for i := range d.Ops {
		a, b := d.Ops[i], other.Ops[i]
		if a.Insert != b.Insert || a.Retain != b.Retain || a.Delete != b.Delete {
			return false
		}
		if (a.Embed == nil) != (b.Embed == nil) || !mapsEqual(a.Embed, b.Embed) {
			return false
		}
		if !AttributesEqual(a.Attributes, b.Attributes) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the delta as {"ops":[...]}.
func (d Delta) MarshalJSON() ([]byte, error) {
	ops := d.Ops
	if ops == nil {
		ops = []Op{}
	}
	return json.Marshal(struct {
		Ops []Op `json:"ops"`
	}{Ops: ops})
}

// UnmarshalJSON accepts {"ops":[...]} or a bare array of ops.
func (d *Delta) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return fmt.Errorf("%w: null delta", ErrMalformedOp)
	}

	var ops []Op
	if b[0] == '[' {
		if err := json.Unmarshal(b, &ops); err != nil {
			return err
		}
	} else {
		var w struct {
			Ops *[]Op `json:"ops"`
		}
		if err := json.Unmarshal(b, &w); err != nil {
			return err
		}
		if w.Ops == nil {
			return fmt.Errorf("%w: missing ops", ErrMalformedOp)
		}
		ops = *w.Ops
	}
	d.Ops = ops
	return nil
}

// Range is a selection within a document.
type Range struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

// Valid reports whether the range has a non-negative index and length.
func (r Range) Valid() bool {
	return r.Index >= 0 && r.Length >= 0
}

// Within reports whether the range fits in a document of the given length.
func (r Range) Within(length int) bool {
	return r.Valid() && r.Index <= length && r.Length <= length-r.Index
}

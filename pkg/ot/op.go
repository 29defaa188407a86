// Package ot implements the json0 operational-transform format used to
// describe edits to spell documents.
//
// A diff is an ordered list of components. Each component carries a path into
// the document and one action: object insert/delete (oi/od), list
// insert/delete (li/ld), list move (lm), number add (na) or string
// insert/delete (si/sd). Components are applied in order, each against the
// result of the previous one. The wire format is the ShareJS json0 format:
//
//	[{"p":["graph","nodes","3"],"oi":{"id":3,"name":"Input"}},
//	 {"p":["graph","nodes","1","position",0],"na":12}]
//
// Documents are the values produced by decoding JSON into an `any`: maps of
// string to any, slices of any, float64, string, bool and nil.
package ot

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	// ErrInvalidOp is returned for components that carry no action, conflicting
	// actions, or a malformed path.
	ErrInvalidOp = errors.New("invalid json0 component")
	// ErrUnsupported is returned for json0 subtype components ("t").
	ErrUnsupported = errors.New("unsupported json0 component")
	// ErrPath is returned when a path does not resolve against the document.
	ErrPath = errors.New("path invalid")
)

// Action is a bit set of the json0 actions a component carries.
type Action uint8

const (
	ObjectInsert Action = 1 << iota
	ObjectDelete
	ListInsert
	ListDelete
	ListMove
	NumberAdd
	StringInsert
	StringDelete
)

var actionNames = []struct {
	a    Action
	name string
}{
	{ObjectInsert, "oi"},
	{ObjectDelete, "od"},
	{ListInsert, "li"},
	{ListDelete, "ld"},
	{ListMove, "lm"},
	{NumberAdd, "na"},
	{StringInsert, "si"},
	{StringDelete, "sd"},
}

func (a Action) String() string {
	var parts []string
	for _, an := range actionNames {
		if a&an.a != 0 {
			parts = append(parts, an.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// Path addresses a value inside a document. Elements are object keys
// (string) or list indexes (int).
type Path []any

// Append returns a copy of the path with elem appended.
func (p Path) Append(elem any) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, elem)
}

func (p Path) String() string {
	var b strings.Builder
	for _, e := range p {
		switch e := e.(type) {
		case int:
			fmt.Fprintf(&b, "[%d]", e)
		default:
			fmt.Fprintf(&b, "/%v", e)
		}
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

func (p Path) validate() error {
	for i, e := range p {
		switch e.(type) {
		case string, int:
		default:
			return fmt.Errorf("%w: path element %d has type %T", ErrInvalidOp, i, e)
		}
	}
	return nil
}

// Op is a single json0 component.
type Op struct {
	Path    Path
	Actions Action

	OI any
	OD any
	LI any
	LD any
	LM int
	NA float64
	SI string
	SD string
}

// Insert sets a key on an object.
func Insert(p Path, value any) Op {
	return Op{Path: p, Actions: ObjectInsert, OI: value}
}

// Delete removes a key from an object.
func Delete(p Path, old any) Op {
	return Op{Path: p, Actions: ObjectDelete, OD: old}
}

// Replace swaps the value under an object key.
func Replace(p Path, old, value any) Op {
	return Op{Path: p, Actions: ObjectDelete | ObjectInsert, OD: old, OI: value}
}

// ListInsertAt inserts value at the index addressed by the last path element.
func ListInsertAt(p Path, value any) Op {
	return Op{Path: p, Actions: ListInsert, LI: value}
}

// ListDeleteAt removes the list item addressed by the last path element.
func ListDeleteAt(p Path, old any) Op {
	return Op{Path: p, Actions: ListDelete, LD: old}
}

// ListReplaceAt swaps the list item addressed by the last path element.
func ListReplaceAt(p Path, old, value any) Op {
	return Op{Path: p, Actions: ListDelete | ListInsert, LD: old, LI: value}
}

// Move moves the list item at the last path element to index to.
func Move(p Path, to int) Op {
	return Op{Path: p, Actions: ListMove, LM: to}
}

// Add adds n to the number addressed by p.
func Add(p Path, n float64) Op {
	return Op{Path: p, Actions: NumberAdd, NA: n}
}

// StringInsertAt inserts s into a string; the last path element is the rune offset.
func StringInsertAt(p Path, s string) Op {
	return Op{Path: p, Actions: StringInsert, SI: s}
}

// StringDeleteAt deletes s from a string; the last path element is the rune offset.
func StringDeleteAt(p Path, s string) Op {
	return Op{Path: p, Actions: StringDelete, SD: s}
}

var validActions = map[Action]bool{
	ObjectInsert:                true,
	ObjectDelete:                true,
	ObjectInsert | ObjectDelete: true,
	ListInsert:                  true,
	ListDelete:                  true,
	ListInsert | ListDelete:     true,
	ListMove:                    true,
	NumberAdd:                   true,
	StringInsert:                true,
	StringDelete:                true,
}

// Validate checks that the component has a well formed path and exactly one
// action (a replace pair counts as one).
func (o Op) Validate() error {
	if err := o.Path.validate(); err != nil {
		return err
	}
	if !validActions[o.Actions] {
		return fmt.Errorf("%w: actions %s at %s", ErrInvalidOp, o.Actions, o.Path)
	}
	if len(o.Path) == 0 && o.Actions&(ObjectInsert|ObjectDelete) == 0 {
		return fmt.Errorf("%w: %s requires a non-empty path", ErrInvalidOp, o.Actions)
	}
	last := lastElem(o.Path)
	switch {
	case o.Actions&(ListInsert|ListDelete|ListMove|StringInsert|StringDelete) != 0:
		if _, ok := last.(int); !ok {
			return fmt.Errorf("%w: %s requires an index as last path element", ErrInvalidOp, o.Actions)
		}
	case o.Actions&(ObjectInsert|ObjectDelete) != 0 && len(o.Path) > 0:
		if _, ok := last.(string); !ok {
			return fmt.Errorf("%w: %s requires a key as last path element", ErrInvalidOp, o.Actions)
		}
	}
	return nil
}

func lastElem(p Path) any {
	if len(p) == 0 {
		return nil
	}
	return p[len(p)-1]
}

func (o Op) String() string {
	var b strings.Builder
	b.WriteString(o.Path.String())
	b.WriteByte(' ')
	b.WriteString(o.Actions.String())
	switch {
	case o.Actions&ListMove != 0:
		fmt.Fprintf(&b, " -> %d", o.LM)
	case o.Actions&NumberAdd != 0:
		fmt.Fprintf(&b, " %+g", o.NA)
	case o.Actions&StringInsert != 0:
		fmt.Fprintf(&b, " %q", o.SI)
	case o.Actions&StringDelete != 0:
		fmt.Fprintf(&b, " %q", o.SD)
	}
	return b.String()
}

// MarshalJSON encodes the component in the json0 wire format.
func (o Op) MarshalJSON() ([]byte, error) {
	pb, err := json.Marshal([]any(o.Path))
	if err != nil {
		return nil, err
	}
	if len(o.Path) == 0 {
		pb = []byte("[]")
	}
	result, err := sjson.SetRawBytes([]byte(`{}`), "p", pb)
	if err != nil {
		return nil, err
	}

	set := func(key string, v any) error {
		vb, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		result, err = sjson.SetRawBytes(result, key, vb)
		return err
	}

	fields := []struct {
		a   Action
		key string
		v   any
	}{
		{ObjectDelete, "od", o.OD},
		{ObjectInsert, "oi", o.OI},
		{ListDelete, "ld", o.LD},
		{ListInsert, "li", o.LI},
		{ListMove, "lm", o.LM},
		{NumberAdd, "na", o.NA},
		{StringInsert, "si", o.SI},
		{StringDelete, "sd", o.SD},
	}
	for _, f := range fields {
		if o.Actions&f.a == 0 {
			continue
		}
		if err := set(f.key, f.v); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// UnmarshalJSON decodes a json0 wire component.
func (o *Op) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %s", data)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return fmt.Errorf("%w: component must be an object", ErrInvalidOp)
	}
	if root.Get("t").Exists() {
		return fmt.Errorf("%w: subtype %q", ErrUnsupported, root.Get("t").String())
	}

	p := root.Get("p")
	if !p.Exists() || !p.IsArray() {
		return fmt.Errorf("%w: missing required field 'p'", ErrInvalidOp)
	}
	var path Path
	for _, elem := range p.Array() {
		switch elem.Type {
		case gjson.String:
			path = append(path, elem.String())
		case gjson.Number:
			f := elem.Float()
			if f != float64(int(f)) || f < 0 {
				return fmt.Errorf("%w: path index %v", ErrInvalidOp, f)
			}
			path = append(path, int(f))
		default:
			return fmt.Errorf("%w: path element %s", ErrInvalidOp, elem.Raw)
		}
	}

	*o = Op{Path: path}
	if v := root.Get("oi"); v.Exists() {
		o.Actions |= ObjectInsert
		o.OI = v.Value()
	}
	if v := root.Get("od"); v.Exists() {
		o.Actions |= ObjectDelete
		o.OD = v.Value()
	}
	if v := root.Get("li"); v.Exists() {
		o.Actions |= ListInsert
		o.LI = v.Value()
	}
	if v := root.Get("ld"); v.Exists() {
		o.Actions |= ListDelete
		o.LD = v.Value()
	}
	if v := root.Get("lm"); v.Exists() {
		o.Actions |= ListMove
		o.LM = int(v.Int())
	}
	if v := root.Get("na"); v.Exists() {
		o.Actions |= NumberAdd
		o.NA = v.Float()
	}
	if v := root.Get("si"); v.Exists() {
		o.Actions |= StringInsert
		o.SI = v.String()
	}
	if v := root.Get("sd"); v.Exists() {
		o.Actions |= StringDelete
		o.SD = v.String()
	}
	return o.Validate()
}

// Ops is an ordered list of components.
type Ops []Op

// Validate checks every component.
func (ops Ops) Validate() error {
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("component %d: %w", i, err)
		}
	}
	return nil
}

// Invert returns the ops that undo ops, in reverse order.
func (ops Ops) Invert() Ops {
	out := make(Ops, 0, len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		out = append(out, ops[i].invert())
	}
	return out
}

func (o Op) invert() Op {
	inv := Op{Path: slices.Clone(o.Path)}
	if o.Actions&ObjectInsert != 0 {
		inv.Actions |= ObjectDelete
		inv.OD = o.OI
	}
	if o.Actions&ObjectDelete != 0 {
		inv.Actions |= ObjectInsert
		inv.OI = o.OD
	}
	if o.Actions&ListInsert != 0 {
		inv.Actions |= ListDelete
		inv.LD = o.LI
	}
	if o.Actions&ListDelete != 0 {
		inv.Actions |= ListInsert
		inv.LI = o.LD
	}
	if o.Actions&ListMove != 0 {
		from, _ := lastElem(o.Path).(int)
		inv.Path[len(inv.Path)-1] = o.LM
		inv.Actions |= ListMove
		inv.LM = from
	}
	if o.Actions&NumberAdd != 0 {
		inv.Actions |= NumberAdd
		inv.NA = -o.NA
	}
	if o.Actions&StringInsert != 0 {
		inv.Actions |= StringDelete
		inv.SD = o.SI
	}
	if o.Actions&StringDelete != 0 {
		inv.Actions |= StringInsert
		inv.SI = o.SD
	}
	return inv
}

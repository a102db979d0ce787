// Package raw models the low-level PDF object graph: the typed objects
// referenced from the cross-reference table, before any page-level
// interpretation is applied.
package raw

import "fmt"

// ObjectRef uniquely identifies an indirect PDF object.
type ObjectRef struct {
	Num int
	Gen int
}

func (r ObjectRef) String() string { return fmt.Sprintf("%d %d R", r.Num, r.Gen) }

// Object is the base interface for all raw PDF objects. The concrete set
// is closed: dictionaries, arrays, streams, names, strings, numbers,
// booleans, null and indirect references.
type Object interface {
	Type() string
}

// NameObj is a PDF name (/Name).
type NameObj struct{ Val string }

func (NameObj) Type() string { return "name" }

// NumberObj holds an integer or real numeric value.
type NumberObj struct {
	I     int64
	F     float64
	IsInt bool
}

func (NumberObj) Type() string { return "number" }

func (n NumberObj) Int() int64 {
	if n.IsInt {
		return n.I
	}
	return int64(n.F)
}

func (n NumberObj) Float() float64 {
	if n.IsInt {
		return float64(n.I)
	}
	return n.F
}

// BoolObj is a PDF boolean.
type BoolObj struct{ V bool }

func (BoolObj) Type() string { return "boolean" }

// NullObj is the PDF null object.
type NullObj struct{}

func (NullObj) Type() string { return "null" }

// StringObj is a PDF string. Hex records whether the source used the
// <hex> form; Bytes always holds the decoded payload.
type StringObj struct {
	Bytes []byte
	Hex   bool
}

func (StringObj) Type() string { return "string" }

// ArrayObj is a PDF array.
type ArrayObj struct{ Items []Object }

func (*ArrayObj) Type() string { return "array" }

func (a *ArrayObj) Len() int { return len(a.Items) }

func (a *ArrayObj) Get(i int) (Object, bool) {
	if i < 0 || i >= len(a.Items) {
		return nil, false
	}
	return a.Items[i], true
}

func (a *ArrayObj) Append(items ...Object) { a.Items = append(a.Items, items...) }

// DictObj is a PDF dictionary keyed by name.
type DictObj struct{ KV map[string]Object }

func (*DictObj) Type() string { return "dict" }

func (d *DictObj) Len() int { return len(d.KV) }

func (d *DictObj) Get(key string) (Object, bool) {
	o, ok := d.KV[key]
	return o, ok
}

func (d *DictObj) Set(key string, value Object) {
	if d.KV == nil {
		d.KV = make(map[string]Object)
	}
	d.KV[key] = value
}

func (d *DictObj) Delete(key string) { delete(d.KV, key) }

// Name returns the value of a name-valued entry, or "".
func (d *DictObj) Name(key string) string {
	if v, ok := d.KV[key]; ok {
		if n, ok := v.(NameObj); ok {
			return n.Val
		}
	}
	return ""
}

// Int returns the value of an integer-valued entry, or def.
func (d *DictObj) Int(key string, def int64) int64 {
	if v, ok := d.KV[key]; ok {
		if n, ok := v.(NumberObj); ok {
			return n.Int()
		}
	}
	return def
}

// StreamObj is a stream: a dictionary plus an owned binary payload.
// Data holds the payload in whatever encoding the Filter entry of Dict
// currently declares; decoding rewrites both together.
type StreamObj struct {
	Dict *DictObj
	Data []byte
}

func (*StreamObj) Type() string { return "stream" }

// RefObj is an indirect reference into the object table.
type RefObj struct{ R ObjectRef }

func (RefObj) Type() string { return "ref" }

// Constructors, mirroring the literal forms.

func Name(v string) NameObj           { return NameObj{Val: v} }
func Int(i int64) NumberObj           { return NumberObj{I: i, IsInt: true} }
func Real(f float64) NumberObj        { return NumberObj{F: f} }
func Bool(v bool) BoolObj             { return BoolObj{V: v} }
func Str(b []byte) StringObj          { return StringObj{Bytes: b} }
func Ref(num, gen int) RefObj         { return RefObj{R: ObjectRef{Num: num, Gen: gen}} }
func Dict() *DictObj                  { return &DictObj{KV: make(map[string]Object)} }
func Array(items ...Object) *ArrayObj { return &ArrayObj{Items: items} }

// Stream builds a stream object and keeps its Length entry consistent
// with the payload.
func Stream(dict *DictObj, data []byte) *StreamObj {
	if dict == nil {
		dict = Dict()
	}
	dict.Set("Length", Int(int64(len(data))))
	return &StreamObj{Dict: dict, Data: data}
}

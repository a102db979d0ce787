package raw

// Metadata is the document information record read from /Info. Custom
// holds any non-standard keys so the scrubber can report them.
type Metadata struct {
	Title    string
	Author   string
	Subject  string
	Keywords string
	Creator  string
	Producer string
	Custom   map[string]string
}

// FieldsSet lists the names of the fields carrying a value, in the order
// the scrubber reports them.
func (m Metadata) FieldsSet() []string {
	var out []string
	add := func(name, v string) {
		if v != "" {
			out = append(out, name)
		}
	}
	add("Title", m.Title)
	add("Author", m.Author)
	add("Subject", m.Subject)
	add("Keywords", m.Keywords)
	add("Creator", m.Creator)
	add("Producer", m.Producer)
	for k := range m.Custom {
		out = append(out, k)
	}
	return out
}

// SupersededObject is an object whose cross-reference entry was shadowed
// by a later incremental revision. The data is still physically present
// in the input file, so the engine must see it to guarantee it does not
// survive serialization.
type SupersededObject struct {
	Ref      ObjectRef
	Revision int // 1 = first revision behind the live one
	Object   Object
}

// OpaqueObject records a stream whose filter chain the engine cannot
// decode. It is carried through parsing but excluded from redaction
// guarantees; the caller decides whether that is acceptable.
type OpaqueObject struct {
	Ref    ObjectRef
	Filter string
	Reason string
}

// Document is the root container for the parsed object graph. Ownership
// is exclusive: all inter-object relations are ObjectRef lookups into
// Objects, never direct pointers.
type Document struct {
	Objects    map[ObjectRef]Object
	Trailer    *DictObj
	Version    string
	Encrypted  bool
	Info       Metadata
	InfoRef    *ObjectRef
	Superseded []SupersededObject
	Opaque     []OpaqueObject
	Revisions  int // number of xref sections resolved (1 = no incremental updates)
}

// Resolve follows an indirect reference to its object. Missing targets
// resolve to null, as readers are required to treat them.
func (d *Document) Resolve(obj Object) Object {
	for i := 0; i < 32; i++ {
		ref, ok := obj.(RefObj)
		if !ok {
			return obj
		}
		next, ok := d.Objects[ref.R]
		if !ok {
			return NullObj{}
		}
		obj = next
	}
	return NullObj{}
}

// ResolveDict resolves obj and returns it as a dictionary, or nil.
func (d *Document) ResolveDict(obj Object) *DictObj {
	switch v := d.Resolve(obj).(type) {
	case *DictObj:
		return v
	case *StreamObj:
		return v.Dict
	default:
		return nil
	}
}

// ResolveArray resolves obj and returns it as an array, or nil.
func (d *Document) ResolveArray(obj Object) *ArrayObj {
	a, _ := d.Resolve(obj).(*ArrayObj)
	return a
}

// ResolveStream resolves obj and returns it as a stream, or nil.
func (d *Document) ResolveStream(obj Object) *StreamObj {
	s, _ := d.Resolve(obj).(*StreamObj)
	return s
}

// Catalog returns the document catalog dictionary from the trailer Root.
func (d *Document) Catalog() *DictObj {
	if d.Trailer == nil {
		return nil
	}
	root, ok := d.Trailer.Get("Root")
	if !ok {
		return nil
	}
	return d.ResolveDict(root)
}

// IsOpaque reports whether ref was flagged as undecodable.
func (d *Document) IsOpaque(ref ObjectRef) bool {
	for _, o := range d.Opaque {
		if o.Ref == ref {
			return true
		}
	}
	return false
}

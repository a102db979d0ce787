// Package rebuild serializes a document graph into a fresh single
// revision. Only objects reachable from the catalog are written, with
// dense renumbering, a classic cross-reference table and a new file ID.
// Nothing of the input file's physical layout survives: no incremental
// sections, no superseded generations, no orphaned objects.
package rebuild

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"
	"strconv"

	"pdfredact/ir/raw"
	"pdfredact/observability"
)

// DanglingRefError reports a reference to an object the graph does not
// contain. Writing a file with holes in it would make the output depend
// on reader error recovery, so serialization refuses instead.
type DanglingRefError struct {
	Ref raw.ObjectRef
}

func (e *DanglingRefError) Error() string {
	return fmt.Sprintf("dangling reference %d %d R", e.Ref.Num, e.Ref.Gen)
}

type Rebuilder struct {
	log observability.Logger
}

func New(log observability.Logger) *Rebuilder {
	if log == nil {
		log = observability.NopLogger{}
	}
	return &Rebuilder{log: log}
}

// Serialize writes the reachable object graph as a complete PDF file.
func (r *Rebuilder) Serialize(doc *raw.Document) ([]byte, error) {
	rootRef, err := catalogRef(doc)
	if err != nil {
		return nil, err
	}
	order, renum, err := mark(doc, rootRef)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	version := doc.Version
	if version == "" {
		version = "1.7"
	}
	fmt.Fprintf(&buf, "%%PDF-%s\n", version)
	// Binary marker so transfer tools treat the file as 8-bit data.
	buf.Write([]byte{'%', 0xE2, 0xE3, 0xCF, 0xD3, '\n'})

	offsets := make([]int, len(order)+1)
	for i, old := range order {
		offsets[i+1] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n", i+1)
		writeObject(&buf, rewrite(doc.Objects[old], renum))
		buf.WriteString("\nendobj\n")
	}

	xrefOffset := buf.Len()
	writeXRef(&buf, offsets)
	writeTrailer(&buf, len(order)+1, renum[rootRef], fileID(buf.Bytes()))
	fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", xrefOffset)

	r.log.Debug("document serialized",
		observability.Int("objects", len(order)),
		observability.Int("bytes", buf.Len()))
	return buf.Bytes(), nil
}

func catalogRef(doc *raw.Document) (raw.ObjectRef, error) {
	if doc.Trailer != nil {
		if root, ok := doc.Trailer.Get("Root"); ok {
			if ref, ok := root.(raw.RefObj); ok {
				return ref.R, nil
			}
		}
	}
	return raw.ObjectRef{}, fmt.Errorf("trailer has no Root reference")
}

// mark walks the graph from root and assigns dense new numbers in
// discovery order. Dictionary keys are visited sorted so two runs over
// the same graph produce identical files.
func mark(doc *raw.Document, root raw.ObjectRef) ([]raw.ObjectRef, map[raw.ObjectRef]int, error) {
	var order []raw.ObjectRef
	renum := make(map[raw.ObjectRef]int)

	stack := []raw.ObjectRef{root}
	for len(stack) > 0 {
		ref := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := renum[ref]; seen {
			continue
		}
		obj, ok := doc.Objects[ref]
		if !ok {
			return nil, nil, &DanglingRefError{Ref: ref}
		}
		order = append(order, ref)
		renum[ref] = len(order)

		// Push in reverse so references are discovered left to right.
		refs := collectRefs(obj)
		for i := len(refs) - 1; i >= 0; i-- {
			stack = append(stack, refs[i])
		}
	}
	return order, renum, nil
}

func collectRefs(obj raw.Object) []raw.ObjectRef {
	var out []raw.ObjectRef
	var walk func(raw.Object)
	walk = func(o raw.Object) {
		switch v := o.(type) {
		case raw.RefObj:
			out = append(out, v.R)
		case *raw.ArrayObj:
			for _, item := range v.Items {
				walk(item)
			}
		case *raw.DictObj:
			for _, key := range sortedKeys(v) {
				walk(v.KV[key])
			}
		case *raw.StreamObj:
			walk(v.Dict)
		}
	}
	walk(obj)
	return out
}

// rewrite returns a copy of obj with every reference renumbered.
// Containers are rebuilt rather than mutated; the input graph stays
// valid for the caller.
func rewrite(obj raw.Object, renum map[raw.ObjectRef]int) raw.Object {
	switch v := obj.(type) {
	case raw.RefObj:
		return raw.Ref(renum[v.R], 0)
	case *raw.ArrayObj:
		items := make([]raw.Object, len(v.Items))
		for i, item := range v.Items {
			items[i] = rewrite(item, renum)
		}
		return &raw.ArrayObj{Items: items}
	case *raw.DictObj:
		out := raw.Dict()
		for key, val := range v.KV {
			out.Set(key, rewrite(val, renum))
		}
		return out
	case *raw.StreamObj:
		return &raw.StreamObj{Dict: rewrite(v.Dict, renum).(*raw.DictObj), Data: v.Data}
	default:
		return obj
	}
}

func writeXRef(buf *bytes.Buffer, offsets []int) {
	fmt.Fprintf(buf, "xref\n0 %d\n", len(offsets))
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets[1:] {
		fmt.Fprintf(buf, "%010d 00000 n \n", off)
	}
}

func writeTrailer(buf *bytes.Buffer, size, root int, id []byte) {
	fmt.Fprintf(buf, "trailer\n<< /ID [ <%X> <%X> ] /Root %d 0 R /Size %d >>\n",
		id, id, root, size)
}

// fileID derives the new /ID from the serialized body. The input file's
// ID is never reused: it would tie the output to the pre-redaction
// original.
func fileID(body []byte) []byte {
	sum := sha256.Sum256(body)
	return sum[:16]
}

func writeObject(buf *bytes.Buffer, obj raw.Object) {
	switch v := obj.(type) {
	case raw.NullObj:
		buf.WriteString("null")
	case raw.BoolObj:
		buf.WriteString(strconv.FormatBool(v.V))
	case raw.NumberObj:
		if v.IsInt {
			buf.WriteString(strconv.FormatInt(v.I, 10))
		} else {
			buf.WriteString(strconv.FormatFloat(v.F, 'f', -1, 64))
		}
	case raw.NameObj:
		writeName(buf, v.Val)
	case raw.StringObj:
		writeString(buf, v)
	case raw.RefObj:
		fmt.Fprintf(buf, "%d %d R", v.R.Num, v.R.Gen)
	case *raw.ArrayObj:
		buf.WriteString("[ ")
		for _, item := range v.Items {
			writeObject(buf, item)
			buf.WriteByte(' ')
		}
		buf.WriteByte(']')
	case *raw.DictObj:
		writeDict(buf, v)
	case *raw.StreamObj:
		writeDict(buf, v.Dict)
		buf.WriteString("\nstream\n")
		buf.Write(v.Data)
		buf.WriteString("\nendstream")
	}
}

func writeDict(buf *bytes.Buffer, d *raw.DictObj) {
	buf.WriteString("<< ")
	for _, key := range sortedKeys(d) {
		writeName(buf, key)
		buf.WriteByte(' ')
		writeObject(buf, d.KV[key])
		buf.WriteByte(' ')
	}
	buf.WriteString(">>")
}

func writeName(buf *bytes.Buffer, name string) {
	buf.WriteByte('/')
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= 0x20 || c >= 0x7F || isNameDelim(c) {
			fmt.Fprintf(buf, "#%02X", c)
			continue
		}
		buf.WriteByte(c)
	}
}

func isNameDelim(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%', '#':
		return true
	}
	return false
}

func writeString(buf *bytes.Buffer, s raw.StringObj) {
	if s.Hex {
		buf.WriteByte('<')
		fmt.Fprintf(buf, "%X", s.Bytes)
		buf.WriteByte('>')
		return
	}
	buf.WriteByte('(')
	for _, c := range s.Bytes {
		switch c {
		case '(', ')', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(c)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		default:
			buf.WriteByte(c)
		}
	}
	buf.WriteByte(')')
}

func sortedKeys(d *raw.DictObj) []string {
	keys := make([]string, 0, len(d.KV))
	for k := range d.KV {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package contentstream parses page content into a typed operation
// list, serializes it back, and traces device-space bounding boxes for
// every drawing operation. Redaction works on the operation list:
// instructions are removed whole, never painted over.
package contentstream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"pdfredact/ir/raw"
	"pdfredact/scanner"
)

// Operation is one operator with its operands. Inline images keep the
// binary payload alongside the BI key/value operands.
type Operation struct {
	Operator string
	Operands []raw.Object
	Image    []byte // inline image payload, Operator == "BI"
}

type dictBuilder struct {
	d      *raw.DictObj
	key    string
	hasKey bool
}

// Parse tokenizes a decoded content stream. Unknown operators are kept
// untouched; serialization must round-trip content the engine does not
// interpret.
func Parse(data []byte, cfg scanner.Config) ([]Operation, error) {
	s := scanner.New(bytes.NewReader(data), cfg)
	var ops []Operation
	var operands []raw.Object
	var containers []interface{} // *raw.ArrayObj or *dictBuilder, innermost last
	inlineImage := false

	push := func(obj raw.Object) {
		if n := len(containers); n > 0 {
			switch c := containers[n-1].(type) {
			case *raw.ArrayObj:
				c.Append(obj)
			case *dictBuilder:
				if !c.hasKey {
					if name, ok := obj.(raw.NameObj); ok {
						c.key = name.Val
						c.hasKey = true
					}
					return
				}
				c.d.Set(c.key, obj)
				c.hasKey = false
			}
			return
		}
		operands = append(operands, obj)
	}

	for {
		tok, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A bad token would leave the rest of the stream unanalyzed
			// while its bytes survive; that must surface, not truncate.
			return nil, fmt.Errorf("content stream at offset %d: %w", s.Position(), err)
		}
		switch tok.Type {
		case scanner.TokenNumber:
			if tok.IsInt {
				push(raw.Int(tok.Int))
			} else {
				push(raw.Real(tok.Float))
			}
		case scanner.TokenString:
			push(raw.StringObj{Bytes: tok.Bytes, Hex: tok.Hex})
		case scanner.TokenName:
			push(raw.Name(tok.Str))
		case scanner.TokenBoolean:
			push(raw.Bool(tok.Bool))
		case scanner.TokenNull:
			push(raw.NullObj{})
		case scanner.TokenRef:
			push(raw.Ref(int(tok.Int), tok.Gen))
		case scanner.TokenArray:
			containers = append(containers, raw.Array())
		case scanner.TokenArrayEnd:
			n := len(containers)
			if n == 0 {
				return nil, fmt.Errorf("unbalanced array at offset %d", tok.Pos)
			}
			arr, ok := containers[n-1].(*raw.ArrayObj)
			if !ok {
				return nil, fmt.Errorf("mismatched delimiters at offset %d", tok.Pos)
			}
			containers = containers[:n-1]
			push(arr)
		case scanner.TokenDict:
			containers = append(containers, &dictBuilder{d: raw.Dict()})
		case scanner.TokenDictEnd:
			n := len(containers)
			if n == 0 {
				return nil, fmt.Errorf("unbalanced dictionary at offset %d", tok.Pos)
			}
			db, ok := containers[n-1].(*dictBuilder)
			if !ok {
				return nil, fmt.Errorf("mismatched delimiters at offset %d", tok.Pos)
			}
			containers = containers[:n-1]
			push(db.d)
		case scanner.TokenInlineImage:
			ops = append(ops, Operation{Operator: "BI", Operands: operands, Image: tok.Bytes})
			operands = nil
			inlineImage = false
		case scanner.TokenKeyword:
			if tok.Str == "BI" {
				inlineImage = true
				continue // the key/value operands that follow form the image dictionary
			}
			ops = append(ops, Operation{Operator: tok.Str, Operands: operands})
			operands = nil
		}
	}
	if inlineImage || len(containers) > 0 {
		return nil, fmt.Errorf("truncated content stream")
	}
	return ops, nil
}

// Serialize writes operations back to content stream syntax.
func Serialize(ops []Operation) []byte {
	var buf bytes.Buffer
	for _, op := range ops {
		if op.Operator == "BI" {
			buf.WriteString("BI ")
			for _, operand := range op.Operands {
				writeOperand(&buf, operand)
				buf.WriteByte(' ')
			}
			buf.WriteString("ID\n")
			buf.Write(op.Image)
			buf.WriteString("\nEI\n")
			continue
		}
		for _, operand := range op.Operands {
			writeOperand(&buf, operand)
			buf.WriteByte(' ')
		}
		buf.WriteString(op.Operator)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func writeOperand(buf *bytes.Buffer, obj raw.Object) {
	switch v := obj.(type) {
	case raw.NumberObj:
		if v.IsInt {
			buf.WriteString(strconv.FormatInt(v.I, 10))
		} else {
			buf.WriteString(strconv.FormatFloat(v.F, 'f', -1, 64))
		}
	case raw.NameObj:
		buf.WriteByte('/')
		writeNameBody(buf, v.Val)
	case raw.StringObj:
		writeString(buf, v)
	case raw.BoolObj:
		if v.V {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case raw.NullObj:
		buf.WriteString("null")
	case *raw.ArrayObj:
		buf.WriteByte('[')
		for i, item := range v.Items {
			if i > 0 {
				buf.WriteByte(' ')
			}
			writeOperand(buf, item)
		}
		buf.WriteByte(']')
	case *raw.DictObj:
		buf.WriteString("<<")
		for k, item := range v.KV {
			buf.WriteString(" /")
			writeNameBody(buf, k)
			buf.WriteByte(' ')
			writeOperand(buf, item)
		}
		buf.WriteString(" >>")
	}
}

func writeNameBody(buf *bytes.Buffer, name string) {
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= 0x20 || c >= 0x7F || bytes.IndexByte([]byte("()<>[]{}/%#"), c) >= 0 {
			fmt.Fprintf(buf, "#%02X", c)
			continue
		}
		buf.WriteByte(c)
	}
}

func writeString(buf *bytes.Buffer, s raw.StringObj) {
	if s.Hex {
		buf.WriteByte('<')
		for _, c := range s.Bytes {
			fmt.Fprintf(buf, "%02X", c)
		}
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
		case '\t':
			buf.WriteString(`\t`)
		default:
			buf.WriteByte(c)
		}
	}
	buf.WriteByte(')')
}

// Numbers extracts the trailing n numeric operands. Missing operands
// read as zero.
func (op Operation) Numbers(n int) []float64 {
	out := make([]float64, n)
	base := len(op.Operands) - n
	for i := 0; i < n; i++ {
		idx := base + i
		if idx < 0 || idx >= len(op.Operands) {
			continue
		}
		if num, ok := op.Operands[idx].(raw.NumberObj); ok {
			out[i] = num.Float()
		}
	}
	return out
}

// StringOperand returns the last string operand, for show-text ops.
func (op Operation) StringOperand() ([]byte, bool) {
	for i := len(op.Operands) - 1; i >= 0; i-- {
		if s, ok := op.Operands[i].(raw.StringObj); ok {
			return s.Bytes, true
		}
	}
	return nil, false
}

// NameOperand returns the first name operand.
func (op Operation) NameOperand() (string, bool) {
	for _, operand := range op.Operands {
		if n, ok := operand.(raw.NameObj); ok {
			return n.Val, true
		}
	}
	return "", false
}

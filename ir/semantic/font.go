package semantic

import (
	"bytes"
	"unicode/utf16"

	"pdfredact/filters"
	"pdfredact/ir/raw"
	"pdfredact/scanner"
)

// Glyph is one decoded character code from a show-text operand.
type Glyph struct {
	Code  uint32
	Size  int     // code length in bytes
	Text  string  // unicode text, "" when unmapped
	Width float64 // horizontal advance in 1000-unit glyph space
}

// Font carries what text extraction needs: code-to-unicode mapping and
// glyph advances. Embedded font programs are never touched.
type Font struct {
	Key          string
	Subtype      string
	codeLen      int
	toUnicode    map[uint32]string
	widths       map[uint32]float64
	defaultWidth float64
}

// Decode splits a string operand into glyphs. Unmapped codes still
// yield a glyph so advances stay correct.
func (f *Font) Decode(b []byte) []Glyph {
	size := f.codeLen
	if size < 1 {
		size = 1
	}
	out := make([]Glyph, 0, len(b)/size)
	for i := 0; i < len(b); i += size {
		end := i + size
		if end > len(b) {
			end = len(b)
		}
		var code uint32
		for _, c := range b[i:end] {
			code = code<<8 | uint32(c)
		}
		out = append(out, Glyph{
			Code:  code,
			Size:  end - i,
			Text:  f.text(code),
			Width: f.width(code),
		})
	}
	return out
}

func (f *Font) text(code uint32) string {
	if s, ok := f.toUnicode[code]; ok {
		return s
	}
	// Simple fonts without a ToUnicode map are overwhelmingly
	// ASCII-compatible in the printable range.
	if f.codeLen == 1 && code >= 0x20 && code <= 0xFF {
		return string(rune(code))
	}
	return ""
}

func (f *Font) width(code uint32) float64 {
	if w, ok := f.widths[code]; ok {
		return w
	}
	return f.defaultWidth
}

// FallbackFont stands in when a show operator references a font the
// resources do not define: single-byte codes, Latin text, 500-unit
// advances. Positions stay plausible so surrounding text still traces.
func FallbackFont() *Font {
	return &Font{
		codeLen:      1,
		toUnicode:    map[uint32]string{},
		widths:       map[uint32]float64{},
		defaultWidth: 500,
	}
}

// LoadFonts builds the font table for a resource dictionary. Fonts that
// fail to parse are skipped; their text simply won't match targets.
func LoadFonts(doc *raw.Document, resources *raw.DictObj, pipeline *filters.Pipeline) map[string]*Font {
	out := make(map[string]*Font)
	if resources == nil {
		return out
	}
	fonts := doc.ResolveDict(get(resources, "Font"))
	if fonts == nil {
		return out
	}
	for key, v := range fonts.KV {
		dict := doc.ResolveDict(v)
		if dict == nil {
			continue
		}
		out[key] = loadFont(doc, key, dict, pipeline)
	}
	return out
}

func loadFont(doc *raw.Document, key string, dict *raw.DictObj, pipeline *filters.Pipeline) *Font {
	f := &Font{
		Key:          key,
		Subtype:      dict.Name("Subtype"),
		codeLen:      1,
		toUnicode:    make(map[uint32]string),
		widths:       make(map[uint32]float64),
		defaultWidth: 500,
	}

	if f.Subtype == "Type0" {
		f.codeLen = 2
		if desc := descendantFont(doc, dict); desc != nil {
			f.defaultWidth = 1000
			if dw, ok := doc.Resolve(get(desc, "DW")).(raw.NumberObj); ok {
				f.defaultWidth = dw.Float()
			}
			parseCIDWidths(doc, desc, f.widths)
		}
	} else {
		parseSimpleWidths(doc, dict, f)
	}

	if tu := doc.ResolveStream(get(dict, "ToUnicode")); tu != nil {
		names, params := resolvedChain(doc, tu.Dict)
		data := tu.Data
		if len(names) > 0 {
			if decoded, err := pipeline.Decode(data, names, params); err == nil {
				data = decoded
			} else {
				data = nil
			}
		}
		if len(data) > 0 {
			codeLen := parseToUnicode(data, f.toUnicode)
			if codeLen > 0 && f.Subtype != "Type0" {
				f.codeLen = codeLen
			}
		}
	}
	return f
}

func descendantFont(doc *raw.Document, dict *raw.DictObj) *raw.DictObj {
	arr := doc.ResolveArray(get(dict, "DescendantFonts"))
	if arr == nil || arr.Len() == 0 {
		return nil
	}
	return doc.ResolveDict(arr.Items[0])
}

// parseSimpleWidths reads FirstChar/Widths plus MissingWidth.
func parseSimpleWidths(doc *raw.Document, dict *raw.DictObj, f *Font) {
	if fd := doc.ResolveDict(get(dict, "FontDescriptor")); fd != nil {
		if mw, ok := doc.Resolve(get(fd, "MissingWidth")).(raw.NumberObj); ok {
			f.defaultWidth = mw.Float()
		}
	}
	first, ok := doc.Resolve(get(dict, "FirstChar")).(raw.NumberObj)
	if !ok {
		return
	}
	widths := doc.ResolveArray(get(dict, "Widths"))
	if widths == nil {
		return
	}
	for i, item := range widths.Items {
		if n, ok := doc.Resolve(item).(raw.NumberObj); ok {
			f.widths[uint32(first.Int())+uint32(i)] = n.Float()
		}
	}
}

// parseCIDWidths reads the W array: either "c [w1 ... wn]" runs or
// "cFirst cLast w" spans.
func parseCIDWidths(doc *raw.Document, desc *raw.DictObj, out map[uint32]float64) {
	w := doc.ResolveArray(get(desc, "W"))
	if w == nil {
		return
	}
	i := 0
	for i < len(w.Items) {
		start, ok := doc.Resolve(w.Items[i]).(raw.NumberObj)
		if !ok {
			return
		}
		i++
		if i >= len(w.Items) {
			return
		}
		switch next := doc.Resolve(w.Items[i]).(type) {
		case *raw.ArrayObj:
			for j, item := range next.Items {
				if n, ok := doc.Resolve(item).(raw.NumberObj); ok {
					out[uint32(start.Int())+uint32(j)] = n.Float()
				}
			}
			i++
		case raw.NumberObj:
			if i+1 >= len(w.Items) {
				return
			}
			width, ok := doc.Resolve(w.Items[i+1]).(raw.NumberObj)
			if !ok {
				return
			}
			for c := start.Int(); c <= next.Int(); c++ {
				out[uint32(c)] = width.Float()
			}
			i += 2
		default:
			return
		}
	}
}

// parseToUnicode reads a ToUnicode CMap: codespace ranges fix the code
// length, bfchar and bfrange entries fill the mapping. Returns the
// detected code length (0 when the CMap declares none).
func parseToUnicode(data []byte, out map[uint32]string) int {
	s := scanner.New(bytes.NewReader(data), scanner.Config{})
	codeLen := 0
	var operands []scanner.Token
	mode := ""
	for {
		tok, err := s.Next()
		if err != nil {
			break
		}
		if tok.Type == scanner.TokenKeyword {
			switch tok.Str {
			case "begincodespacerange", "beginbfchar", "beginbfrange":
				mode = tok.Str
				operands = operands[:0]
			case "endcodespacerange":
				for i := 0; i+1 < len(operands); i += 2 {
					if operands[i].Type == scanner.TokenString {
						if n := len(operands[i].Bytes); codeLen == 0 || n < codeLen {
							codeLen = n
						}
					}
				}
				mode = ""
			case "endbfchar":
				for i := 0; i+1 < len(operands); i += 2 {
					src, dst := operands[i], operands[i+1]
					if src.Type == scanner.TokenString && dst.Type == scanner.TokenString {
						out[beUint(src.Bytes)] = utf16BEString(dst.Bytes)
					}
				}
				mode = ""
			case "endbfrange":
				flushBFRanges(operands, out)
				mode = ""
			}
			continue
		}
		if mode != "" {
			operands = append(operands, tok)
		}
	}
	return codeLen
}

// flushBFRanges consumes lo/hi/dst triples. The dst slot is either a
// string to increment or an array of per-code strings; arrays arrive as
// TokenArray followed by the member strings and TokenArrayEnd.
func flushBFRanges(operands []scanner.Token, out map[uint32]string) {
	i := 0
	for i < len(operands) {
		if i+2 >= len(operands) {
			return
		}
		lo, hi := operands[i], operands[i+1]
		if lo.Type != scanner.TokenString || hi.Type != scanner.TokenString {
			return
		}
		loCode, hiCode := beUint(lo.Bytes), beUint(hi.Bytes)
		dst := operands[i+2]
		switch dst.Type {
		case scanner.TokenString:
			base := append([]byte(nil), dst.Bytes...)
			for c := loCode; c <= hiCode; c++ {
				out[c] = utf16BEString(base)
				incrementBytes(base)
				if c == hiCode { // guard uint32 wrap
					break
				}
			}
			i += 3
		case scanner.TokenArray:
			i += 3
			c := loCode
			for i < len(operands) && operands[i].Type != scanner.TokenArrayEnd {
				if operands[i].Type == scanner.TokenString && c <= hiCode {
					out[c] = utf16BEString(operands[i].Bytes)
					c++
				}
				i++
			}
			if i < len(operands) {
				i++ // consume TokenArrayEnd
			}
		default:
			return
		}
	}
}

func incrementBytes(b []byte) {
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			return
		}
	}
}

func beUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

func utf16BEString(b []byte) string {
	if len(b) == 1 {
		return string(rune(b[0]))
	}
	u := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u = append(u, uint16(b[i])<<8|uint16(b[i+1]))
	}
	return string(utf16.Decode(u))
}

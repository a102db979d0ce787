// Package xref resolves cross-reference information: the classic table
// form, cross-reference streams, hybrid files, and the full /Prev chain
// of incremental revisions. Resolving every revision is mandatory here:
// superseded entries point at object data that is still physically
// present in the file, and the engine must account for all of it.
package xref

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"pdfredact/filters"
	"pdfredact/ir/raw"
	"pdfredact/scanner"
)

// Entry locates one live object: either a byte offset in the file or a
// slot inside an object stream.
type Entry struct {
	Offset         int64
	Gen            int
	InObjectStream bool
	StreamNum      int
	StreamIdx      int
}

// Superseded is a cross-reference entry shadowed by a later revision.
type Superseded struct {
	Num      int
	Revision int // 1-based distance behind the live revision
	Entry    Entry
}

// Section is one xref section (one revision), newest first in
// Resolution.Sections.
type Section struct {
	Offset  int64
	Entries map[int]Entry
	Free    map[int]bool
	Trailer *raw.DictObj
	Stream  bool
}

// Resolution is the merged view over all revisions.
type Resolution struct {
	Entries    map[int]Entry
	Trailer    *raw.DictObj
	Sections   []Section
	Superseded []Superseded
}

func (r *Resolution) Lookup(num int) (Entry, bool) {
	e, ok := r.Entries[num]
	return e, ok
}

// Objects returns the live object numbers in ascending order.
func (r *Resolution) Objects() []int {
	out := make([]int, 0, len(r.Entries))
	for n := range r.Entries {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Revisions reports how many xref sections the file carries.
func (r *Resolution) Revisions() int { return len(r.Sections) }

type Config struct {
	MaxDepth int // bound on the /Prev chain; default 64
	Filters  filters.Limits
}

type Resolver struct {
	cfg      Config
	pipeline *filters.Pipeline
}

func NewResolver(cfg Config) *Resolver {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 64
	}
	return &Resolver{cfg: cfg, pipeline: filters.NewPipeline(cfg.Filters)}
}

// Resolve walks the chain starting at the final startxref pointer.
func (rv *Resolver) Resolve(ctx context.Context, r io.ReaderAt) (*Resolution, error) {
	data := readAll(r)
	offset, err := startXRef(data)
	if err != nil {
		return nil, err
	}

	res := &Resolution{Entries: make(map[int]Entry)}
	visited := make(map[int64]bool)
	for depth := 0; offset > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if depth >= rv.cfg.MaxDepth {
			return nil, errors.New("xref chain too deep")
		}
		if visited[offset] {
			return nil, errors.New("xref chain loop")
		}
		visited[offset] = true

		sec, err := rv.parseSection(data, offset)
		if err != nil {
			return nil, fmt.Errorf("xref section at %d: %w", offset, err)
		}
		// Hybrid file: a classic section may point at a supplementary
		// xref stream covering the same revision.
		if !sec.Stream && sec.Trailer != nil {
			if stm := sec.Trailer.Int("XRefStm", 0); stm > 0 && !visited[stm] {
				visited[stm] = true
				if sup, err := rv.parseSection(data, stm); err == nil {
					for n, e := range sup.Entries {
						if _, ok := sec.Entries[n]; !ok {
							sec.Entries[n] = e
						}
					}
				}
			}
		}
		res.Sections = append(res.Sections, *sec)

		if sec.Trailer == nil {
			break
		}
		offset = sec.Trailer.Int("Prev", 0)
	}

	mergeSections(res)
	if res.Trailer == nil {
		return nil, errors.New("no trailer found")
	}
	if _, ok := res.Trailer.Get("Root"); !ok {
		return nil, errors.New("trailer missing Root")
	}
	return res, nil
}

// mergeSections builds the latest-wins entry table and records every
// shadowed entry as superseded.
func mergeSections(res *Resolution) {
	seen := make(map[int]bool)
	for rev, sec := range res.Sections {
		if res.Trailer == nil {
			res.Trailer = sec.Trailer
		} else if sec.Trailer != nil {
			// Older trailers may carry keys (Info, ID) the newest omits.
			for k, v := range sec.Trailer.KV {
				if _, ok := res.Trailer.Get(k); !ok {
					res.Trailer.Set(k, v)
				}
			}
		}
		for n, e := range sec.Entries {
			if seen[n] {
				res.Superseded = append(res.Superseded, Superseded{Num: n, Revision: rev, Entry: e})
				continue
			}
			seen[n] = true
			res.Entries[n] = e
		}
		for n := range sec.Free {
			seen[n] = true // freed here; any older entry is superseded
		}
	}
	sort.Slice(res.Superseded, func(i, j int) bool {
		if res.Superseded[i].Num != res.Superseded[j].Num {
			return res.Superseded[i].Num < res.Superseded[j].Num
		}
		return res.Superseded[i].Revision < res.Superseded[j].Revision
	})
}

func (rv *Resolver) parseSection(data []byte, offset int64) (*Section, error) {
	if offset <= 0 || offset >= int64(len(data)) {
		return nil, fmt.Errorf("offset %d out of range", offset)
	}
	s := scanner.New(bytes.NewReader(data), scanner.Config{})
	if err := s.SeekTo(offset); err != nil {
		return nil, err
	}
	tok, err := s.Next()
	if err != nil {
		return nil, err
	}
	if tok.Type == scanner.TokenKeyword && tok.Str == "xref" {
		return parseClassicSection(s, offset)
	}
	if tok.Type == scanner.TokenNumber && tok.IsInt {
		return rv.parseStreamSection(s, tok, offset)
	}
	return nil, errors.New("neither xref table nor xref stream at offset")
}

func parseClassicSection(s scanner.Scanner, offset int64) (*Section, error) {
	sec := &Section{Offset: offset, Entries: make(map[int]Entry), Free: make(map[int]bool)}
	for {
		tok, err := s.Next()
		if err != nil {
			return nil, err
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == "trailer" {
			obj, err := parseObject(newTokenReader(s))
			if err != nil {
				return nil, fmt.Errorf("trailer: %w", err)
			}
			dict, ok := obj.(*raw.DictObj)
			if !ok {
				return nil, errors.New("trailer is not a dictionary")
			}
			sec.Trailer = dict
			return sec, nil
		}
		if tok.Type != scanner.TokenNumber || !tok.IsInt {
			return nil, errors.New("malformed xref subsection header")
		}
		start := int(tok.Int)
		countTok, err := s.Next()
		if err != nil {
			return nil, err
		}
		if countTok.Type != scanner.TokenNumber || !countTok.IsInt {
			return nil, errors.New("malformed xref subsection count")
		}
		count := int(countTok.Int)
		for i := 0; i < count; i++ {
			offTok, err := s.Next()
			if err != nil {
				return nil, err
			}
			genTok, err := s.Next()
			if err != nil {
				return nil, err
			}
			kindTok, err := s.Next()
			if err != nil {
				return nil, err
			}
			if offTok.Type != scanner.TokenNumber || genTok.Type != scanner.TokenNumber || kindTok.Type != scanner.TokenKeyword {
				return nil, errors.New("malformed xref entry")
			}
			num := start + i
			switch kindTok.Str {
			case "n":
				sec.Entries[num] = Entry{Offset: offTok.Int, Gen: int(genTok.Int)}
			case "f":
				sec.Free[num] = true
			default:
				return nil, fmt.Errorf("unknown xref entry kind %q", kindTok.Str)
			}
		}
	}
}

// parseStreamSection parses a cross-reference stream object
// ("N G obj << /Type /XRef ... >> stream") at the current position.
func (rv *Resolver) parseStreamSection(s scanner.Scanner, numTok scanner.Token, offset int64) (*Section, error) {
	genTok, err := s.Next()
	if err != nil {
		return nil, err
	}
	objTok, err := s.Next()
	if err != nil {
		return nil, err
	}
	if genTok.Type != scanner.TokenNumber || objTok.Type != scanner.TokenKeyword || objTok.Str != "obj" {
		return nil, errors.New("expected object header")
	}
	tr := newTokenReader(s)
	obj, err := parseObject(tr)
	if err != nil {
		return nil, err
	}
	dict, ok := obj.(*raw.DictObj)
	if !ok {
		return nil, errors.New("xref stream object has no dictionary")
	}
	if length := dict.Int("Length", 0); length > 0 {
		s.SetNextStreamLength(length)
	}
	streamTok, err := tr.next()
	if err != nil || streamTok.Type != scanner.TokenStream {
		return nil, errors.New("xref stream payload missing")
	}
	if dict.Name("Type") != "XRef" {
		return nil, errors.New("stream at xref offset is not /Type /XRef")
	}

	names, params := filters.Chain(dict)
	payload := streamTok.Bytes
	if len(names) > 0 {
		payload, err = rv.pipeline.Decode(payload, names, params)
		if err != nil {
			return nil, fmt.Errorf("decode xref stream: %w", err)
		}
	}

	widths, err := fieldWidths(dict)
	if err != nil {
		return nil, err
	}
	index := sectionIndex(dict)

	sec := &Section{Offset: offset, Entries: make(map[int]Entry), Free: make(map[int]bool), Trailer: dict, Stream: true}
	rowLen := widths[0] + widths[1] + widths[2]
	pos := 0
	for _, rng := range index {
		for i := 0; i < rng.count; i++ {
			if pos+rowLen > len(payload) {
				return nil, errors.New("xref stream data truncated")
			}
			f1 := readField(payload[pos:pos+widths[0]], 1) // default type 1 when W[0]==0
			pos += widths[0]
			f2 := readField(payload[pos:pos+widths[1]], 0)
			pos += widths[1]
			f3 := readField(payload[pos:pos+widths[2]], 0)
			pos += widths[2]
			num := rng.start + i
			switch f1 {
			case 0:
				sec.Free[num] = true
			case 1:
				sec.Entries[num] = Entry{Offset: f2, Gen: int(f3)}
			case 2:
				sec.Entries[num] = Entry{InObjectStream: true, StreamNum: int(f2), StreamIdx: int(f3)}
			}
		}
	}
	return sec, nil
}

type indexRange struct{ start, count int }

func sectionIndex(dict *raw.DictObj) []indexRange {
	if v, ok := dict.Get("Index"); ok {
		if arr, ok := v.(*raw.ArrayObj); ok && arr.Len()%2 == 0 {
			out := make([]indexRange, 0, arr.Len()/2)
			for i := 0; i+1 < arr.Len(); i += 2 {
				a, _ := arr.Items[i].(raw.NumberObj)
				b, _ := arr.Items[i+1].(raw.NumberObj)
				out = append(out, indexRange{start: int(a.Int()), count: int(b.Int())})
			}
			return out
		}
	}
	return []indexRange{{start: 0, count: int(dict.Int("Size", 0))}}
}

func fieldWidths(dict *raw.DictObj) ([3]int, error) {
	var w [3]int
	v, ok := dict.Get("W")
	if !ok {
		return w, errors.New("xref stream missing W")
	}
	arr, ok := v.(*raw.ArrayObj)
	if !ok || arr.Len() != 3 {
		return w, errors.New("xref stream W malformed")
	}
	for i := 0; i < 3; i++ {
		n, ok := arr.Items[i].(raw.NumberObj)
		if !ok || n.Int() < 0 || n.Int() > 8 {
			return w, errors.New("xref stream W malformed")
		}
		w[i] = int(n.Int())
	}
	return w, nil
}

func readField(b []byte, def int64) int64 {
	if len(b) == 0 {
		return def
	}
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

// startXRef locates the final startxref pointer near the end of file.
func startXRef(data []byte) (int64, error) {
	idx := bytes.LastIndex(data, []byte("startxref"))
	if idx < 0 {
		return 0, errors.New("startxref not found")
	}
	rest := data[idx+len("startxref"):]
	for _, line := range strings.SplitN(string(rest), "\n", 4) {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" {
			continue
		}
		v, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse startxref: %w", err)
		}
		if v <= 0 || v >= int64(len(data)) {
			return 0, fmt.Errorf("startxref offset %d out of range", v)
		}
		return v, nil
	}
	return 0, errors.New("startxref value missing")
}

func readAll(r io.ReaderAt) []byte {
	var buf bytes.Buffer
	const chunk = int64(32 * 1024)
	tmp := make([]byte, chunk)
	for off := int64(0); ; off += chunk {
		n, err := r.ReadAt(tmp, off)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil || int64(n) < chunk {
			break
		}
	}
	return buf.Bytes()
}

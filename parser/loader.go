package parser

import (
	"bytes"
	"errors"
	"fmt"

	"pdfredact/filters"
	"pdfredact/ir/raw"
	"pdfredact/scanner"
	"pdfredact/xref"
)

// loader materializes objects from file offsets and object streams.
type loader struct {
	data     []byte
	res      *xref.Resolution
	cfg      Config
	pipeline *filters.Pipeline
}

type tokenReader struct {
	s      scanner.Scanner
	unread []scanner.Token
}

func (tr *tokenReader) next() (scanner.Token, error) {
	if n := len(tr.unread); n > 0 {
		tok := tr.unread[n-1]
		tr.unread = tr.unread[:n-1]
		return tok, nil
	}
	return tr.s.Next()
}

func (tr *tokenReader) push(tok scanner.Token) { tr.unread = append(tr.unread, tok) }

func (l *loader) newScanner() scanner.Scanner {
	return scanner.New(bytes.NewReader(l.data), l.cfg.Scanner)
}

// objectAt parses "num gen obj ... endobj" at a byte offset. Stream
// lengths are resolved through the xref table before the payload is
// consumed, so binary data containing "endstream" parses correctly.
func (l *loader) objectAt(offset int64) (raw.ObjectRef, raw.Object, error) {
	s := l.newScanner()
	if err := s.SeekTo(offset); err != nil {
		return raw.ObjectRef{}, nil, err
	}
	numTok, err := s.Next()
	if err != nil {
		return raw.ObjectRef{}, nil, err
	}
	genTok, err := s.Next()
	if err != nil {
		return raw.ObjectRef{}, nil, err
	}
	kwTok, err := s.Next()
	if err != nil {
		return raw.ObjectRef{}, nil, err
	}
	if numTok.Type != scanner.TokenNumber || !numTok.IsInt ||
		genTok.Type != scanner.TokenNumber || !genTok.IsInt ||
		kwTok.Type != scanner.TokenKeyword || kwTok.Str != "obj" {
		return raw.ObjectRef{}, nil, fmt.Errorf("no object header at offset %d", offset)
	}
	ref := raw.ObjectRef{Num: int(numTok.Int), Gen: int(genTok.Int)}

	tr := &tokenReader{s: s}
	obj, err := parseValue(tr)
	if err != nil {
		return ref, nil, err
	}
	if dict, ok := obj.(*raw.DictObj); ok {
		if length, ok := l.resolveLength(dict); ok {
			s.SetNextStreamLength(length)
		}
		tok, err := tr.next()
		if err == nil {
			switch tok.Type {
			case scanner.TokenStream:
				obj = &raw.StreamObj{Dict: dict, Data: tok.Bytes}
			default:
				s.SetNextStreamLength(-1)
				tr.push(tok)
			}
		}
	}
	// A missing endobj is tolerated; the object itself parsed.
	return ref, obj, nil
}

// resolveLength reads a stream's /Length, following one indirect hop.
func (l *loader) resolveLength(dict *raw.DictObj) (int64, bool) {
	v, ok := dict.Get("Length")
	if !ok {
		return 0, false
	}
	switch lv := v.(type) {
	case raw.NumberObj:
		if lv.Int() >= 0 {
			return lv.Int(), true
		}
	case raw.RefObj:
		entry, ok := l.res.Lookup(lv.R.Num)
		if !ok || entry.InObjectStream {
			return 0, false
		}
		_, obj, err := l.objectAt(entry.Offset)
		if err != nil {
			return 0, false
		}
		if n, ok := obj.(raw.NumberObj); ok && n.Int() >= 0 {
			return n.Int(), true
		}
	}
	return 0, false
}

// expandObjectStream parses the objects embedded in a /Type /ObjStm
// container. The container payload must already be decrypted.
func (l *loader) expandObjectStream(container *raw.StreamObj) (map[int]raw.Object, error) {
	names, params := filters.Chain(container.Dict)
	payload := container.Data
	if len(names) > 0 {
		var err error
		payload, err = l.pipeline.Decode(payload, names, params)
		if err != nil {
			return nil, fmt.Errorf("decode object stream: %w", err)
		}
	}
	count := int(container.Dict.Int("N", 0))
	first := container.Dict.Int("First", 0)
	if count <= 0 || first <= 0 || first > int64(len(payload)) {
		return nil, errors.New("object stream header malformed")
	}

	s := scanner.New(bytes.NewReader(payload), l.cfg.Scanner)
	type slot struct {
		num    int
		offset int64
	}
	slots := make([]slot, 0, count)
	for i := 0; i < count; i++ {
		numTok, err := s.Next()
		if err != nil {
			return nil, err
		}
		offTok, err := s.Next()
		if err != nil {
			return nil, err
		}
		if numTok.Type != scanner.TokenNumber || offTok.Type != scanner.TokenNumber {
			return nil, errors.New("object stream index malformed")
		}
		slots = append(slots, slot{num: int(numTok.Int), offset: offTok.Int})
	}

	out := make(map[int]raw.Object, count)
	for _, sl := range slots {
		pos := first + sl.offset
		if pos < 0 || pos > int64(len(payload)) {
			return nil, errors.New("object stream offset out of range")
		}
		if err := s.SeekTo(pos); err != nil {
			return nil, err
		}
		obj, err := parseValue(&tokenReader{s: s})
		if err != nil {
			return nil, fmt.Errorf("object %d in object stream: %w", sl.num, err)
		}
		out[sl.num] = obj
	}
	return out, nil
}

func parseValue(tr *tokenReader) (raw.Object, error) {
	tok, err := tr.next()
	if err != nil {
		return nil, err
	}
	return parseFromToken(tr, tok)
}

func parseFromToken(tr *tokenReader, tok scanner.Token) (raw.Object, error) {
	switch tok.Type {
	case scanner.TokenDict:
		dict := raw.Dict()
		for {
			kt, err := tr.next()
			if err != nil {
				return nil, err
			}
			if kt.Type == scanner.TokenDictEnd {
				return dict, nil
			}
			if kt.Type != scanner.TokenName {
				return nil, errors.New("dictionary key is not a name")
			}
			val, err := parseValue(tr)
			if err != nil {
				return nil, err
			}
			dict.Set(kt.Str, val)
		}
	case scanner.TokenArray:
		arr := raw.Array()
		for {
			it, err := tr.next()
			if err != nil {
				return nil, err
			}
			if it.Type == scanner.TokenArrayEnd {
				return arr, nil
			}
			item, err := parseFromToken(tr, it)
			if err != nil {
				return nil, err
			}
			arr.Append(item)
		}
	case scanner.TokenName:
		return raw.Name(tok.Str), nil
	case scanner.TokenString:
		return raw.StringObj{Bytes: tok.Bytes, Hex: tok.Hex}, nil
	case scanner.TokenNumber:
		if tok.IsInt {
			return raw.Int(tok.Int), nil
		}
		return raw.Real(tok.Float), nil
	case scanner.TokenBoolean:
		return raw.Bool(tok.Bool), nil
	case scanner.TokenNull:
		return raw.NullObj{}, nil
	case scanner.TokenRef:
		return raw.Ref(int(tok.Int), tok.Gen), nil
	default:
		return nil, fmt.Errorf("unexpected token at offset %d", tok.Pos)
	}
}

package xref

import (
	"errors"

	"pdfredact/ir/raw"
	"pdfredact/scanner"
)

// The resolver needs just enough object parsing for trailer and xref
// stream dictionaries. The full parser lives one layer up and depends
// on this package, so the logic is kept local rather than shared.

type tokenReader struct {
	s      scanner.Scanner
	unread []scanner.Token
}

func newTokenReader(s scanner.Scanner) *tokenReader {
	return &tokenReader{s: s}
}

func (tr *tokenReader) next() (scanner.Token, error) {
	if n := len(tr.unread); n > 0 {
		tok := tr.unread[n-1]
		tr.unread = tr.unread[:n-1]
		return tok, nil
	}
	return tr.s.Next()
}

func (tr *tokenReader) push(tok scanner.Token) {
	tr.unread = append(tr.unread, tok)
}

func parseObject(tr *tokenReader) (raw.Object, error) {
	tok, err := tr.next()
	if err != nil {
		return nil, err
	}
	return parseFromToken(tr, tok)
}

func parseFromToken(tr *tokenReader, tok scanner.Token) (raw.Object, error) {
	switch tok.Type {
	case scanner.TokenDict:
		return parseDict(tr)
	case scanner.TokenArray:
		return parseArray(tr)
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
		return nil, errors.New("unexpected token in object")
	}
}

func parseDict(tr *tokenReader) (*raw.DictObj, error) {
	dict := raw.Dict()
	for {
		tok, err := tr.next()
		if err != nil {
			return nil, err
		}
		if tok.Type == scanner.TokenDictEnd {
			return dict, nil
		}
		if tok.Type != scanner.TokenName {
			return nil, errors.New("dictionary key is not a name")
		}
		val, err := parseObject(tr)
		if err != nil {
			return nil, err
		}
		dict.Set(tok.Str, val)
	}
}

func parseArray(tr *tokenReader) (*raw.ArrayObj, error) {
	arr := raw.Array()
	for {
		tok, err := tr.next()
		if err != nil {
			return nil, err
		}
		if tok.Type == scanner.TokenArrayEnd {
			return arr, nil
		}
		item, err := parseFromToken(tr, tok)
		if err != nil {
			return nil, err
		}
		arr.Append(item)
	}
}

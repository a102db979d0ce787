// Package filters decodes PDF stream filter chains. Supported filters
// cover everything the redaction engine must analyze (content streams,
// CMaps, xref streams); image codecs are deliberately absent because
// image payloads are removed whole, never inspected.
package filters

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	stdascii85 "encoding/ascii85"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/hhrutter/lzw"

	"pdfredact/ir/raw"
)

// UnsupportedFilterError marks a filter the pipeline cannot decode. The
// stream stays opaque and is excluded from redaction guarantees.
type UnsupportedFilterError struct{ Name string }

func (e *UnsupportedFilterError) Error() string {
	return fmt.Sprintf("unsupported stream filter %q", e.Name)
}

// Limits bounds decode output on adversarial input (decompression bombs).
type Limits struct {
	MaxDecodedSize int64
}

type Decoder interface {
	Name() string
	Decode(input []byte, params *raw.DictObj) ([]byte, error)
}

// Pipeline applies a filter chain in declaration order.
type Pipeline struct {
	decoders map[string]Decoder
	limits   Limits
}

func NewPipeline(limits Limits) *Pipeline {
	p := &Pipeline{decoders: make(map[string]Decoder), limits: limits}
	for _, d := range []Decoder{
		flateDecoder{limits},
		lzwDecoder{limits},
		asciiHexDecoder{},
		ascii85Decoder{},
		runLengthDecoder{},
	} {
		p.decoders[d.Name()] = d
	}
	return p
}

// Supported reports whether every filter in the chain is decodable.
func (p *Pipeline) Supported(names []string) bool {
	for _, n := range names {
		if _, ok := p.decoders[n]; !ok {
			return false
		}
	}
	return true
}

func (p *Pipeline) Decode(input []byte, names []string, params []*raw.DictObj) ([]byte, error) {
	data := input
	for i, name := range names {
		dec, ok := p.decoders[name]
		if !ok {
			return nil, &UnsupportedFilterError{Name: name}
		}
		var parm *raw.DictObj
		if i < len(params) {
			parm = params[i]
		}
		out, err := dec.Decode(data, parm)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		data = out
	}
	return data, nil
}

// Chain extracts the Filter/DecodeParms entries of a stream dictionary.
// Indirect values must be resolved by the caller before this point.
func Chain(dict *raw.DictObj) (names []string, params []*raw.DictObj) {
	if dict == nil {
		return nil, nil
	}
	fv, _ := dict.Get("Filter")
	switch f := fv.(type) {
	case raw.NameObj:
		names = []string{f.Val}
	case *raw.ArrayObj:
		for _, it := range f.Items {
			if n, ok := it.(raw.NameObj); ok {
				names = append(names, n.Val)
			}
		}
	}
	pv, _ := dict.Get("DecodeParms")
	switch dp := pv.(type) {
	case *raw.DictObj:
		params = []*raw.DictObj{dp}
	case *raw.ArrayObj:
		for _, it := range dp.Items {
			d, _ := it.(*raw.DictObj)
			params = append(params, d) // nil placeholders keep positions aligned
		}
	}
	return names, params
}

// DecodeStream decodes a stream in place: on success the payload is
// replaced with plain bytes and the Filter entries are dropped, so the
// writer re-encodes from scratch. Unfiltered streams are a no-op.
func (p *Pipeline) DecodeStream(s *raw.StreamObj) error {
	names, params := Chain(s.Dict)
	if len(names) == 0 {
		return nil
	}
	out, err := p.Decode(s.Data, names, params)
	if err != nil {
		return err
	}
	s.Data = out
	s.Dict.Delete("Filter")
	s.Dict.Delete("DecodeParms")
	s.Dict.Set("Length", raw.Int(int64(len(out))))
	return nil
}

// FlateEncode compresses data for output streams.
func FlateEncode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type flateDecoder struct{ limits Limits }

func (flateDecoder) Name() string { return "FlateDecode" }

func (d flateDecoder) Decode(in []byte, params *raw.DictObj) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(in))
	if err != nil {
		// Some producers emit raw deflate without the zlib wrapper.
		fr := flate.NewReader(bytes.NewReader(in))
		defer fr.Close()
		out, err2 := readBounded(fr, d.limits)
		if err2 != nil {
			return nil, err
		}
		return applyPredictor(out, params)
	}
	defer r.Close()
	out, err := readBounded(r, d.limits)
	if err != nil {
		return nil, err
	}
	return applyPredictor(out, params)
}

type lzwDecoder struct{ limits Limits }

func (lzwDecoder) Name() string { return "LZWDecode" }

func (d lzwDecoder) Decode(in []byte, params *raw.DictObj) ([]byte, error) {
	early := true
	if params != nil && params.Int("EarlyChange", 1) == 0 {
		early = false
	}
	r := lzw.NewReader(bytes.NewReader(in), early)
	defer r.Close()
	out, err := readBounded(r, d.limits)
	if err != nil {
		return nil, err
	}
	return applyPredictor(out, params)
}

type asciiHexDecoder struct{}

func (asciiHexDecoder) Name() string { return "ASCIIHexDecode" }

func (asciiHexDecoder) Decode(in []byte, _ *raw.DictObj) ([]byte, error) {
	trimmed := in
	if i := bytes.IndexByte(trimmed, '>'); i >= 0 {
		trimmed = trimmed[:i]
	}
	var compact []byte
	for _, c := range trimmed {
		if !isWhitespace(c) {
			compact = append(compact, c)
		}
	}
	if len(compact)%2 == 1 {
		compact = append(compact, '0') // odd nibble count pads with zero per spec
	}
	out := make([]byte, hex.DecodedLen(len(compact)))
	n, err := hex.Decode(out, compact)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

type ascii85Decoder struct{}

func (ascii85Decoder) Name() string { return "ASCII85Decode" }

func (ascii85Decoder) Decode(in []byte, _ *raw.DictObj) ([]byte, error) {
	trimmed := bytes.TrimSpace(in)
	trimmed = bytes.TrimPrefix(trimmed, []byte("<~"))
	trimmed = bytes.TrimSuffix(trimmed, []byte("~>"))
	out := make([]byte, len(trimmed))
	n, _, err := stdascii85.Decode(out, trimmed, true)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

type runLengthDecoder struct{}

func (runLengthDecoder) Name() string { return "RunLengthDecode" }

func (runLengthDecoder) Decode(in []byte, _ *raw.DictObj) ([]byte, error) {
	var out bytes.Buffer
	for i := 0; i < len(in); {
		n := int(in[i])
		i++
		switch {
		case n == 128: // EOD
			return out.Bytes(), nil
		case n < 128:
			if i+n+1 > len(in) {
				return nil, errors.New("run length literal truncated")
			}
			out.Write(in[i : i+n+1])
			i += n + 1
		default:
			if i >= len(in) {
				return nil, errors.New("run length repeat truncated")
			}
			for k := 0; k < 257-n; k++ {
				out.WriteByte(in[i])
			}
			i++
		}
	}
	return out.Bytes(), nil
}

func readBounded(r io.Reader, limits Limits) ([]byte, error) {
	if limits.MaxDecodedSize <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, limits.MaxDecodedSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limits.MaxDecodedSize {
		return nil, errors.New("decoded size exceeds limit")
	}
	return out, nil
}

func isWhitespace(c byte) bool {
	return c == 0x00 || c == 0x09 || c == 0x0A || c == 0x0C || c == 0x0D || c == 0x20
}

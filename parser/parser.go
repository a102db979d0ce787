// Package parser turns PDF bytes into a raw object graph. It resolves
// the full revision chain, so objects shadowed by incremental updates
// are parsed alongside the live ones, and it decrypts in place when the
// file carries standard security.
package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"pdfredact/filters"
	"pdfredact/ir/raw"
	"pdfredact/observability"
	"pdfredact/scanner"
	"pdfredact/security"
	"pdfredact/xref"
)

type Config struct {
	Scanner      scanner.Config
	Filters      filters.Limits
	MaxXRefDepth int
	Log          observability.Logger
}

type DocumentParser struct {
	cfg      Config
	pipeline *filters.Pipeline
}

func New(cfg Config) *DocumentParser {
	if cfg.Log == nil {
		cfg.Log = observability.NopLogger{}
	}
	return &DocumentParser{cfg: cfg, pipeline: filters.NewPipeline(cfg.Filters)}
}

// Parse reads the whole document, including superseded prior-revision
// objects. password may be empty; it is only consulted when the file is
// encrypted.
func (p *DocumentParser) Parse(ctx context.Context, r io.ReaderAt, password string) (*raw.Document, error) {
	data := readAll(r)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty input")
	}

	res, err := xref.NewResolver(xref.Config{MaxDepth: p.cfg.MaxXRefDepth, Filters: p.cfg.Filters}).Resolve(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("resolve xref: %w", err)
	}

	doc := &raw.Document{
		Objects:   make(map[raw.ObjectRef]raw.Object),
		Trailer:   res.Trailer,
		Version:   headerVersion(data),
		Revisions: res.Revisions(),
	}

	ld := &loader{data: data, res: res, cfg: p.cfg, pipeline: p.pipeline}

	// Pass 1: objects stored at byte offsets.
	inStream := make(map[int]xref.Entry)
	for _, num := range res.Objects() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, _ := res.Lookup(num)
		if entry.InObjectStream {
			inStream[num] = entry
			continue
		}
		ref, obj, err := ld.objectAt(entry.Offset)
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", num, err)
		}
		if ref.Num != num {
			return nil, fmt.Errorf("object %d: header names object %d", num, ref.Num)
		}
		doc.Objects[ref] = obj
	}

	// Encryption applies to everything loaded so far except the Encrypt
	// dictionary itself and cross-reference streams.
	handler, encRef, err := p.buildSecurity(doc, res.Trailer)
	if err != nil {
		return nil, err
	}
	doc.Encrypted = handler.IsEncrypted()
	if doc.Encrypted {
		if err := handler.Authenticate(password); err != nil {
			return nil, err
		}
		for ref, obj := range doc.Objects {
			if encRef != nil && ref == *encRef {
				continue
			}
			if isXRefStream(obj) {
				continue
			}
			dec, err := decryptObject(handler, ref.Num, ref.Gen, obj)
			if err != nil {
				return nil, fmt.Errorf("decrypt object %d: %w", ref.Num, err)
			}
			doc.Objects[ref] = dec
		}
	}

	// Pass 2: objects embedded in object streams. Containers are dropped
	// afterwards; output is always written as plain objects.
	if err := p.expandObjectStreams(doc, ld, inStream); err != nil {
		return nil, err
	}

	p.loadSuperseded(doc, ld, res, handler, encRef)
	p.scanOpaque(doc)
	p.extractInfo(doc)

	p.cfg.Log.Debug("document parsed",
		observability.Int("objects", len(doc.Objects)),
		observability.Int("revisions", doc.Revisions),
		observability.Int("superseded", len(doc.Superseded)))
	return doc, nil
}

func (p *DocumentParser) buildSecurity(doc *raw.Document, trailer *raw.DictObj) (security.Handler, *raw.ObjectRef, error) {
	ev, ok := trailer.Get("Encrypt")
	if !ok {
		return security.NoopHandler(), nil, nil
	}
	var encRef *raw.ObjectRef
	if rv, isRef := ev.(raw.RefObj); isRef {
		r := rv.R
		encRef = &r
	}
	encDict := doc.ResolveDict(ev)
	if encDict == nil {
		return nil, nil, fmt.Errorf("Encrypt entry is not a dictionary")
	}
	var fileID []byte
	if idArr := doc.ResolveArray(mustGet(trailer, "ID")); idArr != nil && idArr.Len() > 0 {
		if s, ok := idArr.Items[0].(raw.StringObj); ok {
			fileID = s.Bytes
		}
	}
	h, err := security.NewHandler(encDict, fileID)
	if err != nil {
		return nil, nil, err
	}
	return h, encRef, nil
}

func (p *DocumentParser) expandObjectStreams(doc *raw.Document, ld *loader, inStream map[int]xref.Entry) error {
	containers := make(map[int][]int)
	for num, entry := range inStream {
		containers[entry.StreamNum] = append(containers[entry.StreamNum], num)
	}
	for streamNum, members := range containers {
		container := doc.ResolveStream(raw.Ref(streamNum, 0))
		if container == nil || container.Dict.Name("Type") != "ObjStm" {
			return fmt.Errorf("object stream %d missing or mistyped", streamNum)
		}
		embedded, err := ld.expandObjectStream(container)
		if err != nil {
			return fmt.Errorf("object stream %d: %w", streamNum, err)
		}
		for _, num := range members {
			obj, ok := embedded[num]
			if !ok {
				return fmt.Errorf("object %d not found in object stream %d", num, streamNum)
			}
			doc.Objects[raw.ObjectRef{Num: num}] = obj
		}
		delete(doc.Objects, raw.ObjectRef{Num: streamNum})
	}
	return nil
}

// loadSuperseded parses shadowed prior-revision objects. Failures here
// are tolerated: whatever the bytes held, a fresh serialization will
// not carry them.
func (p *DocumentParser) loadSuperseded(doc *raw.Document, ld *loader, res *xref.Resolution, handler security.Handler, encRef *raw.ObjectRef) {
	for _, s := range res.Superseded {
		if s.Entry.InObjectStream {
			continue // container already replaced; data unrecoverable by offset
		}
		ref, obj, err := ld.objectAt(s.Entry.Offset)
		if err != nil {
			p.cfg.Log.Warn("superseded object unparseable",
				observability.Int("object", s.Num),
				observability.Error("error", err))
			doc.Superseded = append(doc.Superseded, raw.SupersededObject{
				Ref:      raw.ObjectRef{Num: s.Num, Gen: s.Entry.Gen},
				Revision: s.Revision,
				Object:   raw.NullObj{},
			})
			continue
		}
		if doc.Encrypted && (encRef == nil || ref != *encRef) && !isXRefStream(obj) {
			if dec, err := decryptObject(handler, ref.Num, ref.Gen, obj); err == nil {
				obj = dec
			}
		}
		doc.Superseded = append(doc.Superseded, raw.SupersededObject{
			Ref:      ref,
			Revision: s.Revision,
			Object:   obj,
		})
	}
}

// scanOpaque flags streams whose filter chain cannot be decoded. Image
// XObjects are exempt: their payloads are never inspected, only deleted
// or copied whole.
func (p *DocumentParser) scanOpaque(doc *raw.Document) {
	for ref, obj := range doc.Objects {
		stream, ok := obj.(*raw.StreamObj)
		if !ok {
			continue
		}
		if stream.Dict.Name("Subtype") == "Image" {
			continue
		}
		names, _ := filters.Chain(stream.Dict)
		if len(names) == 0 || p.pipeline.Supported(names) {
			continue
		}
		for _, n := range names {
			if !p.pipeline.Supported([]string{n}) {
				doc.Opaque = append(doc.Opaque, raw.OpaqueObject{
					Ref:    ref,
					Filter: n,
					Reason: "filter not supported",
				})
				break
			}
		}
	}
}

func (p *DocumentParser) extractInfo(doc *raw.Document) {
	iv, ok := doc.Trailer.Get("Info")
	if !ok {
		return
	}
	if rv, isRef := iv.(raw.RefObj); isRef {
		r := rv.R
		doc.InfoRef = &r
	}
	info := doc.ResolveDict(iv)
	if info == nil {
		return
	}
	get := func(key string) string {
		if s, ok := doc.Resolve(mustGet(info, key)).(raw.StringObj); ok {
			return decodeTextString(s.Bytes)
		}
		return ""
	}
	doc.Info = raw.Metadata{
		Title:    get("Title"),
		Author:   get("Author"),
		Subject:  get("Subject"),
		Keywords: get("Keywords"),
		Creator:  get("Creator"),
		Producer: get("Producer"),
	}
	standard := map[string]bool{
		"Title": true, "Author": true, "Subject": true, "Keywords": true,
		"Creator": true, "Producer": true, "CreationDate": true, "ModDate": true,
		"Trapped": true,
	}
	for k := range info.KV {
		if standard[k] {
			continue
		}
		if s, ok := doc.Resolve(mustGet(info, k)).(raw.StringObj); ok {
			if doc.Info.Custom == nil {
				doc.Info.Custom = make(map[string]string)
			}
			doc.Info.Custom[k] = decodeTextString(s.Bytes)
		}
	}
}

func decryptObject(h security.Handler, num, gen int, obj raw.Object) (raw.Object, error) {
	switch v := obj.(type) {
	case raw.StringObj:
		dec, err := h.Decrypt(num, gen, v.Bytes, security.DataClassString)
		if err != nil {
			return nil, err
		}
		return raw.StringObj{Bytes: dec, Hex: v.Hex}, nil
	case *raw.ArrayObj:
		for i, item := range v.Items {
			dec, err := decryptObject(h, num, gen, item)
			if err != nil {
				return nil, err
			}
			v.Items[i] = dec
		}
		return v, nil
	case *raw.DictObj:
		for k, item := range v.KV {
			dec, err := decryptObject(h, num, gen, item)
			if err != nil {
				return nil, err
			}
			v.KV[k] = dec
		}
		return v, nil
	case *raw.StreamObj:
		if _, err := decryptObject(h, num, gen, v.Dict); err != nil {
			return nil, err
		}
		class := security.DataClassStream
		if v.Dict.Name("Type") == "Metadata" {
			class = security.DataClassMetadataStream
		}
		dec, err := h.Decrypt(num, gen, v.Data, class)
		if err != nil {
			return nil, err
		}
		v.Data = dec
		v.Dict.Set("Length", raw.Int(int64(len(dec))))
		return v, nil
	default:
		return obj, nil
	}
}

func isXRefStream(obj raw.Object) bool {
	s, ok := obj.(*raw.StreamObj)
	return ok && s.Dict.Name("Type") == "XRef"
}

func headerVersion(data []byte) string {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	idx := bytes.Index(head, []byte("%PDF-"))
	if idx < 0 {
		return ""
	}
	rest := string(head[idx+len("%PDF-"):])
	if i := strings.IndexAny(rest, " \t\r\n%"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// decodeTextString interprets a PDF text string: UTF-16BE with BOM,
// UTF-8 with BOM (PDF 2.0), else PDFDocEncoding approximated as Latin-1.
func decodeTextString(b []byte) string {
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		dec := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder()
		if out, err := dec.Bytes(b); err == nil {
			return string(out)
		}
	}
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return string(b[3:])
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

func mustGet(d *raw.DictObj, key string) raw.Object {
	if v, ok := d.Get(key); ok {
		return v
	}
	return raw.NullObj{}
}

func readAll(r io.ReaderAt) []byte {
	var buf bytes.Buffer
	const chunk = int64(64 * 1024)
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

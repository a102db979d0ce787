// Package semantic interprets the raw object graph as a document: the
// page tree with inherited attributes, per-page content streams and
// font resources.
package semantic

import (
	"errors"
	"fmt"

	"pdfredact/coords"
	"pdfredact/filters"
	"pdfredact/ir/raw"
)

const maxTreeDepth = 64

type Document struct {
	Raw   *raw.Document
	Pages []*Page
}

type Page struct {
	Index     int // 0-based position in reading order
	Ref       raw.ObjectRef
	Dict      *raw.DictObj
	MediaBox  coords.Rect
	CropBox   coords.Rect
	Rotate    int
	Resources *raw.DictObj
	Contents  []raw.ObjectRef
}

// Build walks the page tree. MediaBox, CropBox, Resources and Rotate
// are inheritable attributes and resolve through Pages nodes.
func Build(doc *raw.Document) (*Document, error) {
	catalog := doc.Catalog()
	if catalog == nil {
		return nil, errors.New("no document catalog")
	}
	pagesObj, ok := catalog.Get("Pages")
	if !ok {
		return nil, errors.New("catalog missing Pages")
	}
	out := &Document{Raw: doc}
	visited := make(map[raw.ObjectRef]bool)
	if err := out.walk(pagesObj, inherited{}, visited, 0); err != nil {
		return nil, err
	}
	return out, nil
}

type inherited struct {
	resources *raw.DictObj
	mediaBox  *coords.Rect
	cropBox   *coords.Rect
	rotate    *int
}

func (d *Document) walk(obj raw.Object, inh inherited, visited map[raw.ObjectRef]bool, depth int) error {
	if depth > maxTreeDepth {
		return errors.New("page tree too deep")
	}
	var ref raw.ObjectRef
	if rv, isRef := obj.(raw.RefObj); isRef {
		ref = rv.R
		if visited[ref] {
			return errors.New("page tree cycle")
		}
		visited[ref] = true
	}
	dict := d.Raw.ResolveDict(obj)
	if dict == nil {
		return errors.New("page tree node is not a dictionary")
	}

	if r := d.Raw.ResolveDict(get(dict, "Resources")); r != nil {
		inh.resources = r
	}
	if mb, ok := d.rect(dict, "MediaBox"); ok {
		inh.mediaBox = &mb
	}
	if cb, ok := d.rect(dict, "CropBox"); ok {
		inh.cropBox = &cb
	}
	if rv, ok := d.Raw.Resolve(get(dict, "Rotate")).(raw.NumberObj); ok {
		r := int(rv.Int())
		inh.rotate = &r
	}

	switch dict.Name("Type") {
	case "Pages", "": // some writers omit Type on interior nodes
		kids := d.Raw.ResolveArray(get(dict, "Kids"))
		if kids == nil {
			if dict.Name("Type") == "" {
				return d.leaf(ref, dict, inh)
			}
			return errors.New("Pages node missing Kids")
		}
		for _, kid := range kids.Items {
			if err := d.walk(kid, inh, visited, depth+1); err != nil {
				return err
			}
		}
		return nil
	case "Page":
		return d.leaf(ref, dict, inh)
	default:
		return fmt.Errorf("unexpected page tree node type %q", dict.Name("Type"))
	}
}

func (d *Document) leaf(ref raw.ObjectRef, dict *raw.DictObj, inh inherited) error {
	page := &Page{
		Index:     len(d.Pages),
		Ref:       ref,
		Dict:      dict,
		Resources: inh.resources,
	}
	if inh.mediaBox != nil {
		page.MediaBox = *inh.mediaBox
	} else {
		page.MediaBox = coords.NewRect(0, 0, 612, 792) // US Letter fallback
	}
	if inh.cropBox != nil {
		page.CropBox = *inh.cropBox
	} else {
		page.CropBox = page.MediaBox
	}
	if inh.rotate != nil {
		page.Rotate = ((*inh.rotate % 360) + 360) % 360
	}

	contents, err := d.contentRefs(dict)
	if err != nil {
		return fmt.Errorf("page %d: %w", page.Index, err)
	}
	page.Contents = contents
	d.Pages = append(d.Pages, page)
	return nil
}

// contentRefs collects the Contents entry as indirect references, in
// stream order.
func (d *Document) contentRefs(dict *raw.DictObj) ([]raw.ObjectRef, error) {
	cv, ok := dict.Get("Contents")
	if !ok {
		return nil, nil
	}
	switch v := cv.(type) {
	case raw.RefObj:
		if arr := d.Raw.ResolveArray(v); arr != nil {
			return d.refArray(arr)
		}
		return []raw.ObjectRef{v.R}, nil
	case *raw.ArrayObj:
		return d.refArray(v)
	default:
		return nil, errors.New("Contents must be an indirect stream or array")
	}
}

func (d *Document) refArray(arr *raw.ArrayObj) ([]raw.ObjectRef, error) {
	out := make([]raw.ObjectRef, 0, arr.Len())
	for _, item := range arr.Items {
		rv, ok := item.(raw.RefObj)
		if !ok {
			return nil, errors.New("Contents array holds a direct object")
		}
		out = append(out, rv.R)
	}
	return out, nil
}

// ContentData decodes and concatenates the page's content streams.
// Streams are joined with a newline, as viewers concatenate them.
func (p *Page) ContentData(doc *raw.Document, pipeline *filters.Pipeline) ([]byte, error) {
	var out []byte
	for _, ref := range p.Contents {
		stream := doc.ResolveStream(raw.Ref(ref.Num, ref.Gen))
		if stream == nil {
			continue
		}
		names, params := resolvedChain(doc, stream.Dict)
		data := stream.Data
		if len(names) > 0 {
			var err error
			data, err = pipeline.Decode(data, names, params)
			if err != nil {
				return nil, fmt.Errorf("content stream %s: %w", ref, err)
			}
		}
		if len(out) > 0 {
			out = append(out, '\n')
		}
		out = append(out, data...)
	}
	return out, nil
}

// resolvedChain is filters.Chain with indirect Filter/DecodeParms
// entries resolved first.
func resolvedChain(doc *raw.Document, dict *raw.DictObj) ([]string, []*raw.DictObj) {
	resolved := raw.Dict()
	if v, ok := dict.Get("Filter"); ok {
		resolved.Set("Filter", doc.Resolve(v))
	}
	if v, ok := dict.Get("DecodeParms"); ok {
		resolved.Set("DecodeParms", doc.Resolve(v))
	}
	return filters.Chain(resolved)
}

func (d *Document) rect(dict *raw.DictObj, key string) (coords.Rect, bool) {
	arr := d.Raw.ResolveArray(get(dict, key))
	if arr == nil || arr.Len() != 4 {
		return coords.Rect{}, false
	}
	var vals [4]float64
	for i := 0; i < 4; i++ {
		n, ok := d.Raw.Resolve(arr.Items[i]).(raw.NumberObj)
		if !ok {
			return coords.Rect{}, false
		}
		vals[i] = n.Float()
	}
	return coords.NewRect(vals[0], vals[1], vals[2], vals[3]), true
}

func get(d *raw.DictObj, key string) raw.Object {
	if v, ok := d.Get(key); ok {
		return v
	}
	return raw.NullObj{}
}

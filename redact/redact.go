// Package redact removes matched text and overlapping graphics from a
// page's content stream. Removal is whole-instruction: a show operation
// that painted any matched glyph goes away entirely, as does any path,
// image or form placement whose box intersects a match region. Touched
// pages get a single fresh content stream; untouched pages keep their
// original stream objects untouched.
package redact

import (
	"fmt"
	"sort"
	"strings"

	"pdfredact/contentstream"
	"pdfredact/coords"
	"pdfredact/filters"
	"pdfredact/ir/raw"
	"pdfredact/ir/semantic"
	"pdfredact/locator"
	"pdfredact/observability"
)

// Conflict records a deleted show instruction that also painted
// characters outside every match. Deletion wins; the caller reports the
// collateral text so the operator can review it.
type Conflict struct {
	Page     int
	Op       int
	LostText string
}

// Result summarizes what Apply did to one page.
type Result struct {
	Removed   int // instructions deleted from the stream
	Conflicts []Conflict
	Changed   bool
}

type Redactor struct {
	log observability.Logger
}

func New(log observability.Logger) *Redactor {
	if log == nil {
		log = observability.NopLogger{}
	}
	return &Redactor{log: log}
}

// Apply rewrites the page's content so that nothing in the removal set
// survives. The removal set is the union of the instructions named by
// the matches and every non-text placement whose box intersects a match
// region. With no matches the page is left byte-for-byte as it was.
func (r *Redactor) Apply(doc *raw.Document, pa *locator.PageAnalysis, matches []locator.Match) (Result, error) {
	if len(matches) == 0 {
		return Result{}, nil
	}

	removal := make(map[int]bool)
	matchedChars := make(map[int]bool)
	regions := make([]coords.Rect, 0, len(matches))
	for _, m := range matches {
		for op := range m.Ops {
			removal[op] = true
		}
		for c := range m.Chars {
			matchedChars[c] = true
		}
		regions = append(regions, m.BBox)
	}

	r.sweepGeometry(pa, regions, removal)

	res := Result{
		Conflicts: r.collectConflicts(pa, removal, matchedChars),
	}

	subs := substitutions(pa.Ops, removal)
	newOps := make([]contentstream.Operation, 0, len(pa.Ops))
	for i, op := range pa.Ops {
		if removal[i] {
			res.Removed++
			newOps = append(newOps, subs[i]...)
			continue
		}
		newOps = append(newOps, op)
	}

	if err := r.replaceContent(doc, pa.Page, newOps); err != nil {
		return Result{}, err
	}
	res.Changed = true
	r.log.Debug("page redacted",
		observability.Int("page", pa.Page.Index),
		observability.Int("removed", res.Removed),
		observability.Int("conflicts", len(res.Conflicts)))
	return res, nil
}

// sweepGeometry adds every path, image, form and shading placement
// intersecting a match region to the removal set. Partial overlap
// removes the whole instruction; for paths the construction operations
// go with the paint.
func (r *Redactor) sweepGeometry(pa *locator.PageAnalysis, regions []coords.Rect, removal map[int]bool) {
	if len(pa.Trace.Placed) == 0 {
		return
	}
	qt := contentstream.NewQuadTree(pa.Page.MediaBox, 0)
	for i, p := range pa.Trace.Placed {
		if p.Kind == contentstream.KindText {
			continue
		}
		qt.Insert(p.BBox, i)
	}
	for _, region := range regions {
		for _, idx := range qt.Query(region) {
			p := pa.Trace.Placed[idx]
			if !p.BBox.Intersects(region) {
				continue
			}
			removal[p.Op] = true
			for _, op := range p.Group {
				removal[op] = true
			}
		}
	}
}

// collectConflicts finds characters painted by removed instructions
// that no match covers.
func (r *Redactor) collectConflicts(pa *locator.PageAnalysis, removal, matchedChars map[int]bool) []Conflict {
	lost := make(map[int]*strings.Builder)
	for i, c := range pa.Trace.Chars {
		if !removal[c.Op] || matchedChars[i] {
			continue
		}
		b, ok := lost[c.Op]
		if !ok {
			b = &strings.Builder{}
			lost[c.Op] = b
		}
		b.WriteString(c.Text)
	}
	if len(lost) == 0 {
		return nil
	}
	conflicts := make([]Conflict, 0, len(lost))
	for op, b := range lost {
		conflicts = append(conflicts, Conflict{Page: pa.Page.Index, Op: op, LostText: b.String()})
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Op < conflicts[j].Op })
	return conflicts
}

// substitutions preserves the text state side effects of removed show
// variants: ' advances the line, " additionally sets word and char
// spacing. Plain Tj and TJ need nothing.
func substitutions(ops []contentstream.Operation, removal map[int]bool) map[int][]contentstream.Operation {
	subs := make(map[int][]contentstream.Operation)
	for i := range ops {
		if !removal[i] {
			continue
		}
		switch ops[i].Operator {
		case "'":
			subs[i] = []contentstream.Operation{{Operator: "T*"}}
		case "\"":
			if len(ops[i].Operands) >= 2 {
				subs[i] = []contentstream.Operation{
					{Operator: "Tw", Operands: ops[i].Operands[:1]},
					{Operator: "Tc", Operands: ops[i].Operands[1:2]},
					{Operator: "T*"},
				}
			} else {
				subs[i] = []contentstream.Operation{{Operator: "T*"}}
			}
		}
	}
	return subs
}

// replaceContent serializes the surviving operations into one deflated
// stream object and points the page at it. The old stream objects
// become unreachable and are dropped when the file is rebuilt.
func (r *Redactor) replaceContent(doc *raw.Document, page *semantic.Page, ops []contentstream.Operation) error {
	data, err := filters.FlateEncode(contentstream.Serialize(ops))
	if err != nil {
		return fmt.Errorf("page %d: compress content: %w", page.Index, err)
	}
	dict := raw.Dict()
	dict.Set("Filter", raw.Name("FlateDecode"))

	ref := nextRef(doc)
	doc.Objects[ref] = raw.Stream(dict, data)
	page.Dict.Set("Contents", raw.Ref(ref.Num, ref.Gen))
	page.Contents = []raw.ObjectRef{ref}
	return nil
}

func nextRef(doc *raw.Document) raw.ObjectRef {
	max := 0
	for ref := range doc.Objects {
		if ref.Num > max {
			max = ref.Num
		}
	}
	return raw.ObjectRef{Num: max + 1}
}

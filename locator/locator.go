// Package locator reconstructs text runs from traced page content and
// finds target strings in them. Matching is Unicode case-insensitive;
// every match carries the device-space region of the matched span and
// the content stream instructions that painted it.
package locator

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/search"

	"pdfredact/contentstream"
	"pdfredact/coords"
	"pdfredact/filters"
	"pdfredact/ir/raw"
	"pdfredact/ir/semantic"
	"pdfredact/observability"
	"pdfredact/scanner"
)

// DefaultMargin pads match regions so adjacent marks touching the
// matched glyphs are caught by the geometric sweep.
const DefaultMargin = 2.0

type Config struct {
	Scanner scanner.Config
	Filters filters.Limits
	Margin  float64 // region padding in points; 0 selects DefaultMargin
	Log     observability.Logger
}

type Locator struct {
	cfg      Config
	pipeline *filters.Pipeline
}

func New(cfg Config) *Locator {
	if cfg.Margin <= 0 {
		cfg.Margin = DefaultMargin
	}
	if cfg.Log == nil {
		cfg.Log = observability.NopLogger{}
	}
	return &Locator{cfg: cfg, pipeline: filters.NewPipeline(cfg.Filters)}
}

// PageAnalysis is the traced form of one page, built on demand.
type PageAnalysis struct {
	Page  *semantic.Page
	Ops   []contentstream.Operation
	Trace contentstream.TraceResult
	Runs  []TextRun
}

// TextRun is a maximal sequence of glyphs judged to lie on one line.
// Show-instruction boundaries and kerning adjustments do not break a
// run; line moves and large gaps do.
type TextRun struct {
	Text  string
	spans []charSpan
}

// charSpan maps a byte range of TextRun.Text back to the glyph that
// produced it. Synthetic spaces inserted for positional gaps carry
// op == -1 and char == -1.
type charSpan struct {
	start, end int
	op         int
	char       int // index into the trace's Chars
	bbox       coords.Rect
}

// Match is one occurrence of a target on a page.
type Match struct {
	Target string
	Page   int
	BBox   coords.Rect  // matched span plus margin
	Ops    map[int]bool // instruction indices that painted matched glyphs
	Chars  map[int]bool // trace char indices covered by the match
}

// AnalyzePage decodes, parses and traces a page's content. The error
// preserves filter failures so callers can classify unsupported input.
func (l *Locator) AnalyzePage(doc *raw.Document, page *semantic.Page) (*PageAnalysis, error) {
	data, err := page.ContentData(doc, l.pipeline)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", page.Index, err)
	}
	ops, err := contentstream.Parse(data, l.cfg.Scanner)
	if err != nil {
		return nil, fmt.Errorf("page %d content: %w", page.Index, err)
	}

	trace := contentstream.Trace(ops, contentstream.TraceConfig{
		Fonts:    semantic.LoadFonts(doc, page.Resources, l.pipeline),
		XObjects: l.xobjects(doc, page.Resources),
		PageBox:  page.MediaBox,
	})

	return &PageAnalysis{
		Page:  page,
		Ops:   ops,
		Trace: trace,
		Runs:  buildRuns(trace.Chars),
	}, nil
}

// xobjects maps resource names to trace info: form BBox/Matrix, or
// image semantics for everything else.
func (l *Locator) xobjects(doc *raw.Document, resources *raw.DictObj) map[string]contentstream.XObjectInfo {
	out := make(map[string]contentstream.XObjectInfo)
	if resources == nil {
		return out
	}
	xv, ok := resources.Get("XObject")
	if !ok {
		return out
	}
	xd := doc.ResolveDict(xv)
	if xd == nil {
		return out
	}
	for name, v := range xd.KV {
		dict := doc.ResolveDict(v)
		if dict == nil {
			continue
		}
		info := contentstream.XObjectInfo{Matrix: coords.Identity()}
		if dict.Name("Subtype") == "Form" {
			info.Form = true
			info.BBox = formBBox(doc, dict)
			if m := formMatrix(doc, dict); m != nil {
				info.Matrix = *m
			}
		}
		out[name] = info
	}
	return out
}

func formBBox(doc *raw.Document, dict *raw.DictObj) coords.Rect {
	v, _ := dict.Get("BBox")
	arr := doc.ResolveArray(v)
	if arr == nil || arr.Len() != 4 {
		return coords.NewRect(0, 0, 1, 1)
	}
	var vals [4]float64
	for i := 0; i < 4; i++ {
		if n, ok := doc.Resolve(arr.Items[i]).(raw.NumberObj); ok {
			vals[i] = n.Float()
		}
	}
	return coords.NewRect(vals[0], vals[1], vals[2], vals[3])
}

func formMatrix(doc *raw.Document, dict *raw.DictObj) *coords.Matrix {
	v, _ := dict.Get("Matrix")
	arr := doc.ResolveArray(v)
	if arr == nil || arr.Len() != 6 {
		return nil
	}
	var m coords.Matrix
	for i := 0; i < 6; i++ {
		if n, ok := doc.Resolve(arr.Items[i]).(raw.NumberObj); ok {
			m[i] = n.Float()
		}
	}
	return &m
}

// Run-breaking thresholds, relative to glyph height: a vertical shift
// beyond half a glyph starts a new run, as does a horizontal jump of
// two glyph heights. Smaller gaps become a synthetic space so targets
// containing spaces match even when the producer positions words with
// moves instead of space glyphs.
const (
	lineBreakFactor  = 0.5
	jumpBreakFactor  = 2.0
	spaceGapFactor   = 0.25
	regressTolerance = 0.5
)

func buildRuns(chars []contentstream.Char) []TextRun {
	var runs []TextRun
	var cur TextRun
	flush := func() {
		if len(cur.spans) > 0 {
			runs = append(runs, cur)
		}
		cur = TextRun{}
	}
	var prev *contentstream.Char
	for i := range chars {
		c := chars[i]
		if prev != nil {
			h := math.Max(prev.BBox.Height(), 1)
			dy := math.Abs(midY(prev.BBox) - midY(c.BBox))
			gap := c.BBox.MinX - prev.BBox.MaxX
			switch {
			case dy > h*lineBreakFactor, gap > h*jumpBreakFactor, gap < -h*regressTolerance:
				flush()
			case gap > h*spaceGapFactor:
				cur.append(" ", -1, -1, coords.Rect{})
			}
		}
		cur.append(c.Text, c.Op, i, c.BBox)
		prev = &chars[i]
	}
	flush()
	return runs
}

func midY(r coords.Rect) float64 { return (r.MinY + r.MaxY) / 2 }

func (r *TextRun) append(text string, op, char int, bbox coords.Rect) {
	start := len(r.Text)
	r.Text += text
	r.spans = append(r.spans, charSpan{start: start, end: len(r.Text), op: op, char: char, bbox: bbox})
}

// FindMatches locates every occurrence of every target in the page's
// runs. Empty and whitespace-only targets are ignored here; the engine
// validates the request up front.
func (l *Locator) FindMatches(pa *PageAnalysis, targets []string) []Match {
	matcher := search.New(language.Und, search.IgnoreCase)
	var out []Match
	for _, target := range targets {
		if strings.TrimSpace(target) == "" {
			continue
		}
		pat := matcher.CompileString(target)
		for _, run := range pa.Runs {
			for offset := 0; offset < len(run.Text); {
				start, end := pat.IndexString(run.Text[offset:])
				if start < 0 {
					break
				}
				m := run.match(target, pa.Page.Index, offset+start, offset+end, l.cfg.Margin)
				out = append(out, m)
				// Advance one rune so overlapping occurrences still count.
				_, sz := utf8.DecodeRuneInString(run.Text[offset+start:])
				offset += start + sz
			}
		}
	}
	if len(out) > 0 {
		l.cfg.Log.Debug("matches located",
			observability.Int("page", pa.Page.Index),
			observability.Int("count", len(out)))
	}
	return out
}

func (r *TextRun) match(target string, page, start, end int, margin float64) Match {
	m := Match{Target: target, Page: page, Ops: make(map[int]bool), Chars: make(map[int]bool)}
	var box coords.Rect
	for _, sp := range r.spans {
		if sp.end <= start || sp.start >= end {
			continue
		}
		if sp.op >= 0 {
			m.Ops[sp.op] = true
			m.Chars[sp.char] = true
			box = box.Union(sp.bbox)
		}
	}
	m.BBox = box.Expand(margin)
	return m
}

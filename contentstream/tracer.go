package contentstream

import (
	"math"

	"pdfredact/coords"
	"pdfredact/ir/raw"
	"pdfredact/ir/semantic"
)

type OpKind int

const (
	KindText OpKind = iota
	KindPath
	KindImage
	KindForm
	KindShading
)

// Placed is a drawing operation with its device-space bounding box.
// For paths, Group lists the construction operations that belong to
// the paint op; removing the paint without them would leak segments
// into the next path.
type Placed struct {
	Op    int // index into the operation list
	Kind  OpKind
	BBox  coords.Rect
	Group []int
}

// Char is one positioned glyph from a show-text operation.
type Char struct {
	Op   int
	Text string
	Code uint32
	BBox coords.Rect
}

// XObjectInfo describes a named XObject for Do tracing. Form bounding
// boxes are in form space; images occupy the unit square.
type XObjectInfo struct {
	Form   bool
	BBox   coords.Rect
	Matrix coords.Matrix
}

type TraceConfig struct {
	Fonts    map[string]*semantic.Font
	XObjects map[string]XObjectInfo
	PageBox  coords.Rect // fallback extent for unbounded paint (sh)
}

type TraceResult struct {
	Chars  []Char
	Placed []Placed
}

// Glyph boxes extend from 20% below to 80% above the baseline of the
// nominal font size, matching how common extractors approximate quads
// without parsing the font program.
const (
	glyphDescent = -0.2
	glyphAscent  = 0.8
)

type textState struct {
	tm, tlm     coords.Matrix
	font        *semantic.Font
	size        float64
	charSpacing float64
	wordSpacing float64
	horizScale  float64
	leading     float64
	rise        float64
}

type tracer struct {
	cfg    TraceConfig
	ctm     coords.Matrix
	stack   []coords.Matrix
	text    textState
	points  []coords.Point // current path in user space
	pathOps []int          // construction ops of the current path
	out     TraceResult
}

// Trace walks the operation list and computes a device-space bounding
// box for everything that marks the page.
func Trace(ops []Operation, cfg TraceConfig) TraceResult {
	t := &tracer{cfg: cfg, ctm: coords.Identity()}
	t.text.horizScale = 1
	for i, op := range ops {
		t.step(i, op)
	}
	return t.out
}

func (t *tracer) step(i int, op Operation) {
	switch op.Operator {
	case "q":
		t.stack = append(t.stack, t.ctm)
	case "Q":
		if n := len(t.stack); n > 0 {
			t.ctm = t.stack[n-1]
			t.stack = t.stack[:n-1]
		}
	case "cm":
		v := op.Numbers(6)
		t.ctm = coords.Matrix{v[0], v[1], v[2], v[3], v[4], v[5]}.Multiply(t.ctm)

	case "BT":
		t.text.tm = coords.Identity()
		t.text.tlm = coords.Identity()
	case "ET":
	case "Tf":
		if name, ok := op.NameOperand(); ok {
			if f, ok := t.cfg.Fonts[name]; ok {
				t.text.font = f
			} else {
				t.text.font = semantic.FallbackFont()
			}
		}
		t.text.size = op.Numbers(1)[0]
	case "Td":
		v := op.Numbers(2)
		t.nextLine(v[0], v[1])
	case "TD":
		v := op.Numbers(2)
		t.text.leading = -v[1]
		t.nextLine(v[0], v[1])
	case "Tm":
		v := op.Numbers(6)
		t.text.tlm = coords.Matrix{v[0], v[1], v[2], v[3], v[4], v[5]}
		t.text.tm = t.text.tlm
	case "T*":
		t.nextLine(0, -t.text.leading)
	case "TL":
		t.text.leading = op.Numbers(1)[0]
	case "Tc":
		t.text.charSpacing = op.Numbers(1)[0]
	case "Tw":
		t.text.wordSpacing = op.Numbers(1)[0]
	case "Tz":
		t.text.horizScale = op.Numbers(1)[0] / 100
	case "Ts":
		t.text.rise = op.Numbers(1)[0]

	case "Tj":
		if s, ok := op.StringOperand(); ok {
			t.show(i, s)
		}
	case "'":
		t.nextLine(0, -t.text.leading)
		if s, ok := op.StringOperand(); ok {
			t.show(i, s)
		}
	case "\"":
		t.text.wordSpacing = opFloat(op, 0)
		t.text.charSpacing = opFloat(op, 1)
		t.nextLine(0, -t.text.leading)
		if s, ok := op.StringOperand(); ok {
			t.show(i, s)
		}
	case "TJ":
		t.showArray(i, op)

	case "m", "l":
		v := op.Numbers(2)
		t.pathOps = append(t.pathOps, i)
		t.addPoint(v[0], v[1])
	case "c":
		v := op.Numbers(6)
		t.pathOps = append(t.pathOps, i)
		t.addPoint(v[0], v[1])
		t.addPoint(v[2], v[3])
		t.addPoint(v[4], v[5])
	case "v", "y":
		v := op.Numbers(4)
		t.pathOps = append(t.pathOps, i)
		t.addPoint(v[0], v[1])
		t.addPoint(v[2], v[3])
	case "re":
		v := op.Numbers(4)
		t.pathOps = append(t.pathOps, i)
		t.addPoint(v[0], v[1])
		t.addPoint(v[0]+v[2], v[1])
		t.addPoint(v[0], v[1]+v[3])
		t.addPoint(v[0]+v[2], v[1]+v[3])
	case "h":
		t.pathOps = append(t.pathOps, i)
	case "W", "W*":
	case "S", "s", "f", "F", "f*", "B", "B*", "b", "b*":
		t.paintPath(i)
	case "n":
		// Clip-only path, nothing marked.
		t.points = nil
		t.pathOps = nil

	case "Do":
		t.placeXObject(i, op)
	case "BI":
		t.place(i, KindImage, t.ctm.TransformRect(coords.NewRect(0, 0, 1, 1)))
	case "sh":
		t.place(i, KindShading, t.cfg.PageBox)
	}
}

func (t *tracer) nextLine(tx, ty float64) {
	t.text.tlm = coords.Translate(tx, ty).Multiply(t.text.tlm)
	t.text.tm = t.text.tlm
}

func (t *tracer) addPoint(x, y float64) {
	t.points = append(t.points, coords.Point{X: x, Y: y})
}

func (t *tracer) paintPath(i int) {
	group := append(t.pathOps, i)
	t.pathOps = nil
	if len(t.points) == 0 {
		return
	}
	// Accumulate min/max directly: single points are degenerate rects
	// that Rect.Union would treat as empty and drop.
	box := coords.Rect{MinX: t.points[0].X, MinY: t.points[0].Y, MaxX: t.points[0].X, MaxY: t.points[0].Y}
	for _, p := range t.points[1:] {
		box.MinX = math.Min(box.MinX, p.X)
		box.MinY = math.Min(box.MinY, p.Y)
		box.MaxX = math.Max(box.MaxX, p.X)
		box.MaxY = math.Max(box.MaxY, p.Y)
	}
	t.points = nil
	t.out.Placed = append(t.out.Placed, Placed{Op: i, Kind: KindPath, BBox: t.ctm.TransformRect(box), Group: group})
}

func (t *tracer) placeXObject(i int, op Operation) {
	name, ok := op.NameOperand()
	if !ok {
		return
	}
	info, ok := t.cfg.XObjects[name]
	if !ok {
		// Unknown XObject: assume image semantics, unit square.
		t.place(i, KindImage, t.ctm.TransformRect(coords.NewRect(0, 0, 1, 1)))
		return
	}
	if info.Form {
		box := info.Matrix.TransformRect(info.BBox)
		t.place(i, KindForm, t.ctm.TransformRect(box))
		return
	}
	t.place(i, KindImage, t.ctm.TransformRect(coords.NewRect(0, 0, 1, 1)))
}

func (t *tracer) place(op int, kind OpKind, box coords.Rect) {
	t.out.Placed = append(t.out.Placed, Placed{Op: op, Kind: kind, BBox: box})
}

func (t *tracer) show(opIdx int, data []byte) {
	font := t.text.font
	if font == nil {
		font = semantic.FallbackFont()
	}
	var union coords.Rect
	first := true
	for _, g := range font.Decode(data) {
		trm := coords.Matrix{
			t.text.size * t.text.horizScale, 0,
			0, t.text.size,
			0, t.text.rise,
		}.Multiply(t.text.tm).Multiply(t.ctm)

		w0 := g.Width / 1000
		box := trm.TransformRect(coords.NewRect(0, glyphDescent, w0, glyphAscent))
		if len(g.Text) > 0 {
			t.out.Chars = append(t.out.Chars, Char{Op: opIdx, Text: g.Text, Code: g.Code, BBox: box})
		}
		if first {
			union = box
			first = false
		} else {
			union = union.Union(box)
		}

		adv := w0*t.text.size + t.text.charSpacing
		if g.Code == 32 && g.Size == 1 {
			adv += t.text.wordSpacing
		}
		adv *= t.text.horizScale
		t.text.tm = coords.Translate(adv, 0).Multiply(t.text.tm)
	}
	if !first {
		t.place(opIdx, KindText, union)
	}
}

func (t *tracer) showArray(opIdx int, op Operation) {
	if len(op.Operands) == 0 {
		return
	}
	arr, ok := op.Operands[len(op.Operands)-1].(*raw.ArrayObj)
	if !ok {
		return
	}
	for _, item := range arr.Items {
		switch v := item.(type) {
		case raw.StringObj:
			t.show(opIdx, v.Bytes)
		case raw.NumberObj:
			tx := -v.Float() / 1000 * t.text.size * t.text.horizScale
			t.text.tm = coords.Translate(tx, 0).Multiply(t.text.tm)
		}
	}
}

func opFloat(op Operation, idx int) float64 {
	if idx < 0 || idx >= len(op.Operands) {
		return 0
	}
	if n, ok := op.Operands[idx].(raw.NumberObj); ok {
		return n.Float()
	}
	return 0
}

package contentstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfredact/coords"
	"pdfredact/ir/raw"
	"pdfredact/scanner"
)

func mustParse(t *testing.T, src string) []Operation {
	t.Helper()
	ops, err := Parse([]byte(src), scanner.Config{})
	require.NoError(t, err)
	return ops
}

func TestParseOperations(t *testing.T) {
	ops := mustParse(t, "BT /F1 12 Tf 72 700 Td (Hello) Tj ET")

	require.Len(t, ops, 5)
	assert.Equal(t, "BT", ops[0].Operator)
	assert.Equal(t, "Tf", ops[1].Operator)
	assert.Equal(t, "Td", ops[2].Operator)
	assert.Equal(t, "Tj", ops[3].Operator)
	assert.Equal(t, "ET", ops[4].Operator)

	name, ok := ops[1].NameOperand()
	require.True(t, ok)
	assert.Equal(t, "F1", name)
	assert.Equal(t, []float64{72, 700}, ops[2].Numbers(2))

	s, ok := ops[3].StringOperand()
	require.True(t, ok)
	assert.Equal(t, "Hello", string(s))
}

func TestParseTJArrayWithKerning(t *testing.T) {
	ops := mustParse(t, "[(He) -120 (llo)] TJ")
	require.Len(t, ops, 1)
	arr, ok := ops[0].Operands[0].(*raw.ArrayObj)
	require.True(t, ok)
	assert.Equal(t, 3, arr.Len())
}

func TestParseInlineImage(t *testing.T) {
	ops := mustParse(t, "q BI /W 2 /H 2 /BPC 8 /CS /G ID \x00\x01\x02\x03 EI Q")
	require.Len(t, ops, 3)
	assert.Equal(t, "q", ops[0].Operator)
	assert.Equal(t, "BI", ops[1].Operator)
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03}, ops[1].Image)
	assert.Equal(t, "Q", ops[2].Operator)
}

func TestParseRejectsMalformedToken(t *testing.T) {
	_, err := Parse([]byte("BT 1 2.3.4 Td (hidden) Tj ET"), scanner.Config{})
	require.Error(t, err, "a bad token must not silently truncate the stream")
}

func TestSerializeRoundTrip(t *testing.T) {
	src := "q 0.5 0 0 0.5 10 20 cm BT /F1 12 Tf (a\\(b) Tj ET Q 0 0 100 50 re f"
	ops := mustParse(t, src)
	again := mustParse(t, string(Serialize(ops)))

	require.Equal(t, len(ops), len(again))
	for i := range ops {
		assert.Equal(t, ops[i].Operator, again[i].Operator, "op %d", i)
		assert.Equal(t, len(ops[i].Operands), len(again[i].Operands), "op %d operand count", i)
	}
	s1, _ := ops[4].StringOperand()
	s2, _ := again[4].StringOperand()
	assert.Equal(t, s1, s2)
}

func TestTraceTextPositions(t *testing.T) {
	ops := mustParse(t, "BT /F1 10 Tf 100 200 Td (AB) Tj ET")
	res := Trace(ops, TraceConfig{})

	require.Len(t, res.Chars, 2)
	a, b := res.Chars[0], res.Chars[1]
	assert.Equal(t, "A", a.Text)
	assert.Equal(t, "B", b.Text)

	// Fallback font: 500/1000 width at size 10 gives 5-unit advances.
	assert.InDelta(t, 100, a.BBox.MinX, 0.01)
	assert.InDelta(t, 105, a.BBox.MaxX, 0.01)
	assert.InDelta(t, 105, b.BBox.MinX, 0.01)
	assert.InDelta(t, 198, a.BBox.MinY, 0.01)
	assert.InDelta(t, 208, a.BBox.MaxY, 0.01)

	require.Len(t, res.Placed, 1)
	assert.Equal(t, KindText, res.Placed[0].Kind)
	assert.Equal(t, 3, res.Placed[0].Op, "box belongs to the Tj operation")
}

func TestTraceTJKerningShiftsText(t *testing.T) {
	plain := Trace(mustParse(t, "BT /F1 10 Tf 0 0 Td [(AB)] TJ ET"), TraceConfig{})
	kerned := Trace(mustParse(t, "BT /F1 10 Tf 0 0 Td [(A) -1000 (B)] TJ ET"), TraceConfig{})

	require.Len(t, plain.Chars, 2)
	require.Len(t, kerned.Chars, 2)
	// -1000/1000 * size 10 adds 10 units before B.
	assert.InDelta(t, plain.Chars[1].BBox.MinX+10, kerned.Chars[1].BBox.MinX, 0.01)
}

func TestTracePathAndImageBoxes(t *testing.T) {
	ops := mustParse(t, "10 20 30 40 re f q 50 0 0 60 200 300 cm /Im1 Do Q")
	res := Trace(ops, TraceConfig{})

	require.Len(t, res.Placed, 2)
	path := res.Placed[0]
	assert.Equal(t, KindPath, path.Kind)
	assert.Equal(t, coords.NewRect(10, 20, 40, 60), path.BBox)

	img := res.Placed[1]
	assert.Equal(t, KindImage, img.Kind)
	assert.Equal(t, coords.NewRect(200, 300, 250, 360), img.BBox)
}

func TestTracePathBoxSpansAllPoints(t *testing.T) {
	// Each m/l contributes a single point; the box must cover them all,
	// not collapse to the last one.
	ops := mustParse(t, "10 20 m 40 60 l 30 5 l f")
	res := Trace(ops, TraceConfig{})

	require.Len(t, res.Placed, 1)
	assert.Equal(t, coords.NewRect(10, 5, 40, 60), res.Placed[0].BBox)
	assert.Equal(t, []int{0, 1, 2, 3}, res.Placed[0].Group)
}

func TestTraceRestoresStateAfterQ(t *testing.T) {
	ops := mustParse(t, "q 2 0 0 2 0 0 cm Q 0 0 10 10 re f")
	res := Trace(ops, TraceConfig{})
	require.Len(t, res.Placed, 1)
	assert.Equal(t, coords.NewRect(0, 0, 10, 10), res.Placed[0].BBox)
}

func TestQuadTreeQuery(t *testing.T) {
	qt := NewQuadTree(coords.NewRect(0, 0, 1000, 1000), 2)
	boxes := []coords.Rect{
		coords.NewRect(10, 10, 20, 20),
		coords.NewRect(500, 500, 600, 600),
		coords.NewRect(900, 900, 950, 950),
		coords.NewRect(15, 15, 18, 18),
		coords.NewRect(0, 0, 1000, 1000), // spans all quadrants
	}
	for i, b := range boxes {
		qt.Insert(b, i)
	}

	got := qt.Query(coords.NewRect(5, 5, 25, 25))
	assert.ElementsMatch(t, []int{0, 3, 4}, got)

	got = qt.Query(coords.NewRect(890, 890, 960, 960))
	assert.ElementsMatch(t, []int{2, 4}, got)
}

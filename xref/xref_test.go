package xref

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fileBuilder assembles PDF bytes while tracking object offsets, so the
// tests can emit structurally exact cross-reference tables.
type fileBuilder struct {
	buf     bytes.Buffer
	offsets map[int]int64
}

func newFileBuilder() *fileBuilder {
	b := &fileBuilder{offsets: make(map[int]int64)}
	b.buf.WriteString("%PDF-1.4\n")
	return b
}

func (b *fileBuilder) addObject(num int, body string) {
	b.offsets[num] = int64(b.buf.Len())
	fmt.Fprintf(&b.buf, "%d 0 obj\n%s\nendobj\n", num, body)
}

func (b *fileBuilder) pos() int64 { return int64(b.buf.Len()) }

// classicXRef writes a table covering objects [0, size) from the
// builder's recorded offsets, then the trailer and startxref.
func (b *fileBuilder) classicXRef(size int, trailer string) {
	start := b.pos()
	fmt.Fprintf(&b.buf, "xref\n0 %d\n", size)
	b.buf.WriteString("0000000000 65535 f \n")
	for n := 1; n < size; n++ {
		fmt.Fprintf(&b.buf, "%010d 00000 n \n", b.offsets[n])
	}
	fmt.Fprintf(&b.buf, "trailer\n%s\nstartxref\n%d\n%%%%EOF\n", trailer, start)
}

func resolve(t *testing.T, data []byte) *Resolution {
	t.Helper()
	res, err := NewResolver(Config{}).Resolve(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	return res
}

func TestResolveClassicTable(t *testing.T) {
	b := newFileBuilder()
	b.addObject(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.addObject(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	b.classicXRef(3, "<< /Size 3 /Root 1 0 R >>")

	res := resolve(t, b.buf.Bytes())

	assert.Equal(t, 1, res.Revisions())
	assert.Equal(t, []int{1, 2}, res.Objects())
	e, ok := res.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, b.offsets[1], e.Offset)
	assert.False(t, e.InObjectStream)
	assert.Empty(t, res.Superseded)
}

func TestResolveIncrementalUpdate(t *testing.T) {
	b := newFileBuilder()
	b.addObject(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.addObject(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	firstXRef := b.pos()
	b.classicXRef(3, "<< /Size 3 /Root 1 0 R >>")

	// Incremental revision overriding object 2.
	oldOffset := b.offsets[2]
	b.addObject(2, "<< /Type /Pages /Kids [] /Count 0 /Rotate 90 >>")
	secondXRef := b.pos()
	fmt.Fprintf(&b.buf, "xref\n2 1\n%010d 00000 n \n", b.offsets[2])
	fmt.Fprintf(&b.buf, "trailer\n<< /Size 3 /Root 1 0 R /Prev %d >>\nstartxref\n%d\n%%%%EOF\n", firstXRef, secondXRef)

	res := resolve(t, b.buf.Bytes())

	assert.Equal(t, 2, res.Revisions())
	e, ok := res.Lookup(2)
	require.True(t, ok)
	assert.Equal(t, b.offsets[2], e.Offset, "lookup must resolve to the newest revision")

	require.Len(t, res.Superseded, 1)
	assert.Equal(t, 2, res.Superseded[0].Num)
	assert.Equal(t, 1, res.Superseded[0].Revision)
	assert.Equal(t, oldOffset, res.Superseded[0].Entry.Offset)
}

func TestResolveFreedObjectShadowsOlderEntry(t *testing.T) {
	b := newFileBuilder()
	b.addObject(1, "<< /Type /Catalog >>")
	b.addObject(2, "<< /Junk true >>")
	firstXRef := b.pos()
	b.classicXRef(3, "<< /Size 3 /Root 1 0 R >>")

	secondXRef := b.pos()
	b.buf.WriteString("xref\n2 1\n0000000000 00001 f \n")
	fmt.Fprintf(&b.buf, "trailer\n<< /Size 3 /Root 1 0 R /Prev %d >>\nstartxref\n%d\n%%%%EOF\n", firstXRef, secondXRef)

	res := resolve(t, b.buf.Bytes())

	_, ok := res.Lookup(2)
	assert.False(t, ok, "freed object must not resolve")
	require.Len(t, res.Superseded, 1)
	assert.Equal(t, 2, res.Superseded[0].Num)
}

func TestResolveXRefStream(t *testing.T) {
	b := newFileBuilder()
	b.addObject(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.addObject(2, "<< /Type /Pages /Kids [] /Count 0 >>")

	streamOffset := b.pos()
	// W [1 4 2]: type, offset, generation. Uncompressed for clarity.
	var rows bytes.Buffer
	writeRow := func(typ byte, f2 int64, f3 int) {
		rows.WriteByte(typ)
		rows.Write([]byte{byte(f2 >> 24), byte(f2 >> 16), byte(f2 >> 8), byte(f2)})
		rows.Write([]byte{byte(f3 >> 8), byte(f3)})
	}
	writeRow(0, 0, 65535)
	writeRow(1, b.offsets[1], 0)
	writeRow(1, b.offsets[2], 0)
	writeRow(1, streamOffset, 0)
	writeRow(2, 6, 3) // object 4 lives in object stream 6, slot 3

	fmt.Fprintf(&b.buf, "3 0 obj\n<< /Type /XRef /Size 5 /W [1 4 2] /Root 1 0 R /Length %d >>\nstream\n", rows.Len())
	b.buf.Write(rows.Bytes())
	b.buf.WriteString("\nendstream\nendobj\n")
	fmt.Fprintf(&b.buf, "startxref\n%d\n%%%%EOF\n", streamOffset)

	res := resolve(t, b.buf.Bytes())

	assert.Equal(t, []int{1, 2, 3, 4}, res.Objects())
	e, ok := res.Lookup(2)
	require.True(t, ok)
	assert.Equal(t, b.offsets[2], e.Offset)

	e, ok = res.Lookup(4)
	require.True(t, ok)
	assert.True(t, e.InObjectStream)
	assert.Equal(t, 6, e.StreamNum)
	assert.Equal(t, 3, e.StreamIdx)

	assert.Equal(t, "XRef", res.Trailer.Name("Type"))
}

func TestResolveRejectsMissingStartXRef(t *testing.T) {
	_, err := NewResolver(Config{}).Resolve(context.Background(), bytes.NewReader([]byte("%PDF-1.4\nnot a real file")))
	assert.Error(t, err)
}

func TestResolveRejectsXRefLoop(t *testing.T) {
	b := newFileBuilder()
	b.addObject(1, "<< /Type /Catalog >>")
	loopXRef := b.pos()
	b.buf.WriteString("xref\n0 2\n0000000000 65535 f \n")
	fmt.Fprintf(&b.buf, "%010d 00000 n \n", b.offsets[1])
	fmt.Fprintf(&b.buf, "trailer\n<< /Size 2 /Root 1 0 R /Prev %d >>\nstartxref\n%d\n%%%%EOF\n", loopXRef, loopXRef)

	_, err := NewResolver(Config{}).Resolve(context.Background(), bytes.NewReader(b.buf.Bytes()))
	assert.Error(t, err)
}

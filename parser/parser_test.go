package parser

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfredact/ir/raw"
)

type fileBuilder struct {
	buf     bytes.Buffer
	offsets map[int]int64
}

func newFileBuilder() *fileBuilder {
	b := &fileBuilder{offsets: make(map[int]int64)}
	b.buf.WriteString("%PDF-1.7\n")
	return b
}

func (b *fileBuilder) addObject(num int, body string) {
	b.offsets[num] = int64(b.buf.Len())
	fmt.Fprintf(&b.buf, "%d 0 obj\n%s\nendobj\n", num, body)
}

func (b *fileBuilder) addStream(num int, dict string, data []byte) {
	b.offsets[num] = int64(b.buf.Len())
	fmt.Fprintf(&b.buf, "%d 0 obj\n%s\nstream\n", num, dict)
	b.buf.Write(data)
	b.buf.WriteString("\nendstream\nendobj\n")
}

func (b *fileBuilder) finishClassic(size int, trailer string) []byte {
	start := int64(b.buf.Len())
	fmt.Fprintf(&b.buf, "xref\n0 %d\n", size)
	b.buf.WriteString("0000000000 65535 f \n")
	for n := 1; n < size; n++ {
		fmt.Fprintf(&b.buf, "%010d 00000 n \n", b.offsets[n])
	}
	fmt.Fprintf(&b.buf, "trailer\n%s\nstartxref\n%d\n%%%%EOF\n", trailer, start)
	return b.buf.Bytes()
}

func parse(t *testing.T, data []byte) *raw.Document {
	t.Helper()
	doc, err := New(Config{}).Parse(context.Background(), bytes.NewReader(data), "")
	require.NoError(t, err)
	return doc
}

func TestParseSimpleDocument(t *testing.T) {
	b := newFileBuilder()
	b.addObject(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.addObject(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	b.addObject(3, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R >>")
	body := []byte("BT /F1 12 Tf (hello) Tj ET")
	b.addStream(4, fmt.Sprintf("<< /Length %d >>", len(body)), body)
	data := b.finishClassic(5, "<< /Size 5 /Root 1 0 R >>")

	doc := parse(t, data)

	assert.Equal(t, "1.7", doc.Version)
	assert.False(t, doc.Encrypted)
	assert.Equal(t, 1, doc.Revisions)
	assert.Len(t, doc.Objects, 4)

	catalog := doc.Catalog()
	require.NotNil(t, catalog)
	assert.Equal(t, "Catalog", catalog.Name("Type"))

	content := doc.ResolveStream(raw.Ref(4, 0))
	require.NotNil(t, content)
	assert.Contains(t, string(content.Data), "(hello) Tj")
}

func TestParseIndirectStreamLength(t *testing.T) {
	payload := []byte("0 0 100 100 re f")
	b := newFileBuilder()
	b.addObject(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.addObject(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	b.addStream(3, "<< /Length 4 0 R >>", payload)
	b.addObject(4, fmt.Sprintf("%d", len(payload)))
	data := b.finishClassic(5, "<< /Size 5 /Root 1 0 R >>")

	doc := parse(t, data)

	content := doc.ResolveStream(raw.Ref(3, 0))
	require.NotNil(t, content)
	assert.Equal(t, payload, content.Data)
}

func TestParseInfoMetadata(t *testing.T) {
	b := newFileBuilder()
	b.addObject(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.addObject(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	b.addObject(3, "<< /Title (Quarterly Report) /Author (R. Osei) /Producer (acme-writer 2.1) /Department (Finance) >>")
	data := b.finishClassic(4, "<< /Size 4 /Root 1 0 R /Info 3 0 R >>")

	doc := parse(t, data)

	assert.Equal(t, "Quarterly Report", doc.Info.Title)
	assert.Equal(t, "R. Osei", doc.Info.Author)
	assert.Equal(t, "acme-writer 2.1", doc.Info.Producer)
	assert.Equal(t, map[string]string{"Department": "Finance"}, doc.Info.Custom)
	require.NotNil(t, doc.InfoRef)
	assert.Equal(t, 3, doc.InfoRef.Num)
}

func TestParseUTF16Title(t *testing.T) {
	b := newFileBuilder()
	b.addObject(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.addObject(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	b.addObject(3, "<< /Title <FEFF00480069> >>") // "Hi" in UTF-16BE
	data := b.finishClassic(4, "<< /Size 4 /Root 1 0 R /Info 3 0 R >>")

	doc := parse(t, data)
	assert.Equal(t, "Hi", doc.Info.Title)
}

func TestParseLoadsSupersededObjects(t *testing.T) {
	b := newFileBuilder()
	b.addObject(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.addObject(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	b.addObject(3, "(confidential draft)")
	firstXRef := int64(b.buf.Len())
	fmt.Fprintf(&b.buf, "xref\n0 4\n0000000000 65535 f \n")
	for n := 1; n <= 3; n++ {
		fmt.Fprintf(&b.buf, "%010d 00000 n \n", b.offsets[n])
	}
	fmt.Fprintf(&b.buf, "trailer\n<< /Size 4 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", firstXRef)

	// Second revision replaces object 3.
	b.addObject(3, "(clean)")
	secondXRef := int64(b.buf.Len())
	fmt.Fprintf(&b.buf, "xref\n3 1\n%010d 00000 n \n", b.offsets[3])
	fmt.Fprintf(&b.buf, "trailer\n<< /Size 4 /Root 1 0 R /Prev %d >>\nstartxref\n%d\n%%%%EOF\n", firstXRef, secondXRef)

	doc := parse(t, b.buf.Bytes())

	assert.Equal(t, 2, doc.Revisions)
	live, ok := doc.Objects[raw.ObjectRef{Num: 3}]
	require.True(t, ok)
	assert.Equal(t, []byte("clean"), live.(raw.StringObj).Bytes)

	require.Len(t, doc.Superseded, 1)
	old := doc.Superseded[0]
	assert.Equal(t, 3, old.Ref.Num)
	assert.Equal(t, 1, old.Revision)
	assert.Equal(t, []byte("confidential draft"), old.Object.(raw.StringObj).Bytes)
}

func TestParseObjectStream(t *testing.T) {
	// Embedded objects 4 and 5 live in object stream 6.
	embedded := "<< /Kind /First >> << /Kind /Second >>"
	header := "4 0 5 19 "
	payload := header + embedded

	b := newFileBuilder()
	b.addObject(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.addObject(2, "<< /Type /Pages /Kids [] /Count 0 >>")
	b.addStream(6, fmt.Sprintf("<< /Type /ObjStm /N 2 /First %d /Length %d >>", len(header), len(payload)), []byte(payload))

	streamOffset := int64(b.buf.Len())
	var rows bytes.Buffer
	writeRow := func(typ byte, f2 int64, f3 int) {
		rows.WriteByte(typ)
		rows.Write([]byte{byte(f2 >> 24), byte(f2 >> 16), byte(f2 >> 8), byte(f2)})
		rows.WriteByte(byte(f3))
	}
	writeRow(0, 0, 255)
	writeRow(1, b.offsets[1], 0)
	writeRow(1, b.offsets[2], 0)
	writeRow(1, streamOffset, 0)
	writeRow(2, 6, 0)
	writeRow(2, 6, 1)
	writeRow(1, b.offsets[6], 0)

	fmt.Fprintf(&b.buf, "3 0 obj\n<< /Type /XRef /Size 7 /W [1 4 1] /Root 1 0 R /Length %d >>\nstream\n", rows.Len())
	b.buf.Write(rows.Bytes())
	b.buf.WriteString("\nendstream\nendobj\n")
	fmt.Fprintf(&b.buf, "startxref\n%d\n%%%%EOF\n", streamOffset)

	doc := parse(t, b.buf.Bytes())

	first := doc.ResolveDict(raw.Ref(4, 0))
	require.NotNil(t, first)
	assert.Equal(t, "First", first.Name("Kind"))

	second := doc.ResolveDict(raw.Ref(5, 0))
	require.NotNil(t, second)
	assert.Equal(t, "Second", second.Name("Kind"))

	_, containerAlive := doc.Objects[raw.ObjectRef{Num: 6}]
	assert.False(t, containerAlive, "object stream containers are consumed during parsing")
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := New(Config{}).Parse(context.Background(), bytes.NewReader([]byte("not a pdf at all")), "")
	assert.Error(t, err)
}

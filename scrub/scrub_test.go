package scrub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfredact/ir/raw"
	"pdfredact/ir/semantic"
)

func buildDoc(t *testing.T) (*raw.Document, []*semantic.Page) {
	t.Helper()
	catalog := raw.Dict()
	catalog.Set("Type", raw.Name("Catalog"))
	catalog.Set("Pages", raw.Ref(2, 0))
	catalog.Set("Metadata", raw.Ref(6, 0))
	pages := raw.Dict()
	pages.Set("Type", raw.Name("Pages"))
	pages.Set("Kids", raw.Array(raw.Ref(3, 0)))
	pages.Set("MediaBox", raw.Array(raw.Int(0), raw.Int(0), raw.Int(612), raw.Int(792)))
	page := raw.Dict()
	page.Set("Type", raw.Name("Page"))
	page.Set("Contents", raw.Ref(4, 0))
	page.Set("Thumb", raw.Ref(7, 0))
	page.Set("PieceInfo", raw.Dict())

	info := raw.Dict()
	info.Set("Title", raw.Str([]byte("Quarterly Report")))
	info.Set("Author", raw.Str([]byte("A. Writer")))

	xmp := raw.Dict()
	xmp.Set("Type", raw.Name("Metadata"))

	trailer := raw.Dict()
	trailer.Set("Root", raw.Ref(1, 0))
	trailer.Set("Info", raw.Ref(5, 0))

	infoRef := raw.ObjectRef{Num: 5}
	doc := &raw.Document{
		Objects: map[raw.ObjectRef]raw.Object{
			{Num: 1}: catalog,
			{Num: 2}: pages,
			{Num: 3}: page,
			{Num: 4}: raw.Stream(raw.Dict(), []byte("BT ET")),
			{Num: 5}: info,
			{Num: 6}: raw.Stream(xmp, []byte("<xml/>")),
			{Num: 7}: raw.Stream(raw.Dict(), []byte{0x00}),
		},
		Trailer: trailer,
		Info:    raw.Metadata{Title: "Quarterly Report", Author: "A. Writer"},
		InfoRef: &infoRef,
	}
	sem, err := semantic.Build(doc)
	require.NoError(t, err)
	return doc, sem.Pages
}

func TestCleanStripsEveryCarrier(t *testing.T) {
	doc, pages := buildDoc(t)

	cleared := New(nil).Clean(doc, pages)
	assert.ElementsMatch(t, []string{"Title", "Author", "XMP", "Thumb", "PieceInfo"}, cleared)

	_, hasInfo := doc.Trailer.Get("Info")
	assert.False(t, hasInfo)
	assert.Nil(t, doc.InfoRef)
	assert.Empty(t, doc.Info.FieldsSet())

	catalog := doc.Catalog()
	_, hasMeta := catalog.Get("Metadata")
	assert.False(t, hasMeta)

	for _, p := range pages {
		_, hasThumb := p.Dict.Get("Thumb")
		assert.False(t, hasThumb)
		_, hasPiece := p.Dict.Get("PieceInfo")
		assert.False(t, hasPiece)
	}
}

func TestCleanIsIdempotent(t *testing.T) {
	doc, pages := buildDoc(t)
	s := New(nil)

	first := s.Clean(doc, pages)
	assert.NotEmpty(t, first)
	second := s.Clean(doc, pages)
	assert.Empty(t, second)
}

func TestCleanWithoutMetadataReportsNothing(t *testing.T) {
	doc, pages := buildDoc(t)
	doc.Trailer.Delete("Info")
	doc.Info = raw.Metadata{}
	doc.InfoRef = nil
	doc.Catalog().Delete("Metadata")
	for _, p := range pages {
		p.Dict.Delete("Thumb")
		p.Dict.Delete("PieceInfo")
	}

	assert.Empty(t, New(nil).Clean(doc, pages))
}

func TestCustomInfoKeysAreReported(t *testing.T) {
	doc, pages := buildDoc(t)
	doc.Info.Custom = map[string]string{"Department": "Finance", "CaseID": "X-12"}

	cleared := New(nil).Clean(doc, pages)
	assert.Contains(t, cleared, "Department")
	assert.Contains(t, cleared, "CaseID")
}

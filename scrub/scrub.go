// Package scrub strips document-level metadata. It runs on every
// redaction pass regardless of whether anything matched: the info
// dictionary, the XMP metadata stream, page thumbnails and piece info
// all routinely embed the text they describe.
package scrub

import (
	"sort"

	"pdfredact/ir/raw"
	"pdfredact/ir/semantic"
	"pdfredact/observability"
)

type Scrubber struct {
	log observability.Logger
}

func New(log observability.Logger) *Scrubber {
	if log == nil {
		log = observability.NopLogger{}
	}
	return &Scrubber{log: log}
}

// Clean removes metadata carriers from the document and returns the
// names of the fields that were cleared. Running it twice is a no-op
// the second time: everything it removes is gone after the first pass.
func (s *Scrubber) Clean(doc *raw.Document, pages []*semantic.Page) []string {
	cleared := s.dropInfo(doc)

	if catalog := doc.Catalog(); catalog != nil {
		if _, ok := catalog.Get("Metadata"); ok {
			catalog.Delete("Metadata")
			cleared = append(cleared, "XMP")
		}
		if _, ok := catalog.Get("PieceInfo"); ok {
			catalog.Delete("PieceInfo")
			cleared = append(cleared, "PieceInfo")
		}
	}

	thumbs, piece := 0, 0
	for _, page := range pages {
		if _, ok := page.Dict.Get("Thumb"); ok {
			page.Dict.Delete("Thumb")
			thumbs++
		}
		if _, ok := page.Dict.Get("PieceInfo"); ok {
			page.Dict.Delete("PieceInfo")
			piece++
		}
	}
	if thumbs > 0 {
		cleared = append(cleared, "Thumb")
	}
	if piece > 0 && !contains(cleared, "PieceInfo") {
		cleared = append(cleared, "PieceInfo")
	}

	if len(cleared) > 0 {
		s.log.Debug("metadata cleared", observability.Int("fields", len(cleared)))
	}
	return cleared
}

// dropInfo detaches the info dictionary from the trailer. The object
// itself becomes unreachable and falls away at rebuild; the returned
// names are the fields it carried.
func (s *Scrubber) dropInfo(doc *raw.Document) []string {
	if doc.Trailer == nil {
		return nil
	}
	_, had := doc.Trailer.Get("Info")
	doc.Trailer.Delete("Info")
	if !had {
		return nil
	}
	fields := doc.Info.FieldsSet()
	// Custom keys come from map iteration; keep the report stable.
	sort.Strings(fields[stdFieldCount(doc.Info):])
	doc.Info = raw.Metadata{}
	doc.InfoRef = nil
	return fields
}

func stdFieldCount(m raw.Metadata) int {
	n := 0
	for _, v := range []string{m.Title, m.Author, m.Subject, m.Keywords, m.Creator, m.Producer} {
		if v != "" {
			n++
		}
	}
	return n
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

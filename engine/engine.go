// Package engine is the public entry point. One call takes document
// bytes and target strings and returns a rebuilt document with no
// recoverable trace of the targets: not in content streams, not in
// cross-reference history, not in metadata.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/search"

	"pdfredact/filters"
	"pdfredact/ir/raw"
	"pdfredact/ir/semantic"
	"pdfredact/locator"
	"pdfredact/observability"
	"pdfredact/parser"
	"pdfredact/rebuild"
	"pdfredact/redact"
	"pdfredact/scanner"
	"pdfredact/scrub"
	"pdfredact/security"
)

// Kind classifies engine failures.
type Kind int

const (
	MalformedInput Kind = iota
	EncryptedInput
	UnsupportedFeature
	RedactionConflict
	SerializationError
)

func (k Kind) String() string {
	switch k {
	case MalformedInput:
		return "malformed input"
	case EncryptedInput:
		return "encrypted input"
	case UnsupportedFeature:
		return "unsupported feature"
	case RedactionConflict:
		return "redaction conflict"
	case SerializationError:
		return "serialization error"
	default:
		return "unknown"
	}
}

// Error is the engine's failure type. Page is -1 when the failure is
// not tied to a page.
type Error struct {
	Kind Kind
	Page int
	Err  error
}

func (e *Error) Error() string {
	if e.Page >= 0 {
		return fmt.Sprintf("%s (page %d): %v", e.Kind, e.Page, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNoTargets rejects a request whose target set is entirely blank.
var ErrNoTargets = errors.New("no non-blank targets in request")

type Config struct {
	Scanner      scanner.Config
	Filters      filters.Limits
	Margin       float64 // match region padding; 0 selects the locator default
	MaxXRefDepth int
	Log          observability.Logger
}

// Request names what to remove and how to open the document. The
// password may be empty; the parser tries the empty user password on
// encrypted input.
type Request struct {
	Targets  []string
	Password string
}

// UnsupportedObject is a stream the engine could not decode. It is
// carried through to the output untouched, so the redaction guarantee
// does not extend to it.
type UnsupportedObject struct {
	Ref    raw.ObjectRef
	Filter string
	Reason string
}

// Report accounts for everything the engine removed or could not.
type Report struct {
	Matches             map[string]int // per target, caller's spelling
	InstructionsRemoved int
	MetadataCleared     []string
	Unsupported         []UnsupportedObject
	Conflicts           []redact.Conflict
	PriorRevisions      int
	RevisionConflict    bool // a destroyed prior revision also carried a target
}

type Result struct {
	Output []byte
	Report Report
}

// Engine is stateless across invocations; one instance may serve
// concurrent calls on independent documents.
type Engine struct {
	cfg       Config
	parser    *parser.DocumentParser
	locator   *locator.Locator
	redactor  *redact.Redactor
	scrubber  *scrub.Scrubber
	rebuilder *rebuild.Rebuilder
	pipeline  *filters.Pipeline
}

func New(cfg Config) *Engine {
	if cfg.Log == nil {
		cfg.Log = observability.NopLogger{}
	}
	return &Engine{
		cfg: cfg,
		parser: parser.New(parser.Config{
			Scanner:      cfg.Scanner,
			Filters:      cfg.Filters,
			MaxXRefDepth: cfg.MaxXRefDepth,
			Log:          cfg.Log,
		}),
		locator: locator.New(locator.Config{
			Scanner: cfg.Scanner,
			Filters: cfg.Filters,
			Margin:  cfg.Margin,
			Log:     cfg.Log,
		}),
		redactor:  redact.New(cfg.Log),
		scrubber:  scrub.New(cfg.Log),
		rebuilder: rebuild.New(cfg.Log),
		pipeline:  filters.NewPipeline(cfg.Filters),
	}
}

// Redact removes every occurrence of every target from the document and
// returns the rebuilt bytes. Zero matches is success: metadata is still
// scrubbed and the file is still rewritten as a single clean revision.
func (e *Engine) Redact(ctx context.Context, input []byte, req Request) (*Result, error) {
	targets := make([]string, 0, len(req.Targets))
	for _, t := range req.Targets {
		if strings.TrimSpace(t) != "" {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	doc, err := e.parser.Parse(ctx, bytes.NewReader(input), req.Password)
	if err != nil {
		if errors.Is(err, security.ErrBadPassword) {
			return nil, &Error{Kind: EncryptedInput, Page: -1, Err: err}
		}
		return nil, &Error{Kind: MalformedInput, Page: -1, Err: err}
	}

	sem, err := semantic.Build(doc)
	if err != nil {
		return nil, &Error{Kind: MalformedInput, Page: -1, Err: err}
	}

	report := Report{Matches: make(map[string]int)}
	for _, t := range targets {
		report.Matches[t] = 0
	}

	for _, page := range sem.Pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.redactPage(doc, page, targets, &report); err != nil {
			return nil, err
		}
	}

	report.MetadataCleared = e.scrubber.Clean(doc, sem.Pages)
	for _, o := range doc.Opaque {
		report.Unsupported = append(report.Unsupported, UnsupportedObject{
			Ref: o.Ref, Filter: o.Filter, Reason: o.Reason,
		})
	}
	report.PriorRevisions = doc.Revisions - 1
	report.RevisionConflict = report.PriorRevisions > 0 && supersededMentions(doc, e.pipeline, targets)

	out, err := e.rebuilder.Serialize(doc)
	if err != nil {
		return nil, &Error{Kind: SerializationError, Page: -1, Err: err}
	}

	e.cfg.Log.Info("redaction complete",
		observability.Int("pages", len(sem.Pages)),
		observability.Int("removed", report.InstructionsRemoved),
		observability.Int("conflicts", len(report.Conflicts)),
		observability.Int("bytes", len(out)))
	return &Result{Output: out, Report: report}, nil
}

func (e *Engine) redactPage(doc *raw.Document, page *semantic.Page, targets []string, report *Report) error {
	pa, err := e.locator.AnalyzePage(doc, page)
	if err != nil {
		var unsupported *filters.UnsupportedFilterError
		if errors.As(err, &unsupported) {
			// The page cannot be analyzed, so it gets no redaction
			// guarantee. Record it and keep going; the caller decides
			// whether reduced coverage is acceptable.
			e.skipOpaquePage(doc, page, unsupported.Name, err, report)
			return nil
		}
		return &Error{Kind: MalformedInput, Page: page.Index, Err: err}
	}

	matches := e.locator.FindMatches(pa, targets)
	for _, m := range matches {
		report.Matches[m.Target]++
	}
	if len(matches) > 0 {
		e.cfg.Log.Info("targets matched",
			observability.Int("page", page.Index),
			observability.Int("matches", len(matches)))
	}

	res, err := e.redactor.Apply(doc, pa, matches)
	if err != nil {
		return &Error{Kind: SerializationError, Page: page.Index, Err: err}
	}
	report.InstructionsRemoved += res.Removed
	report.Conflicts = append(report.Conflicts, res.Conflicts...)
	return nil
}

// skipOpaquePage reports a page whose content could not be decoded.
// Content streams the parser already flagged as opaque are skipped so
// the report lists each object once.
func (e *Engine) skipOpaquePage(doc *raw.Document, page *semantic.Page, filter string, err error, report *Report) {
	for _, ref := range page.Contents {
		if doc.IsOpaque(ref) {
			continue
		}
		report.Unsupported = append(report.Unsupported, UnsupportedObject{
			Ref:    ref,
			Filter: filter,
			Reason: err.Error(),
		})
	}
	e.cfg.Log.Warn("page content not decodable, no redaction applied",
		observability.Int("page", page.Index),
		observability.String("filter", filter))
}

// supersededMentions reports whether any destroyed prior-revision
// object carried a target. All superseded data is dropped by the
// rebuild regardless; the flag only marks that the revision history was
// ambiguous about which content was current.
func supersededMentions(doc *raw.Document, pipeline *filters.Pipeline, targets []string) bool {
	matcher := search.New(language.Und, search.IgnoreCase)
	patterns := make([]*search.Pattern, 0, len(targets))
	for _, t := range targets {
		patterns = append(patterns, matcher.CompileString(t))
	}
	hit := func(text string) bool {
		for _, p := range patterns {
			if start, _ := p.IndexString(text); start >= 0 {
				return true
			}
		}
		return false
	}

	for _, s := range doc.Superseded {
		if textMentions(s.Object, pipeline, hit) {
			return true
		}
	}
	return false
}

func textMentions(obj raw.Object, pipeline *filters.Pipeline, hit func(string) bool) bool {
	switch v := obj.(type) {
	case raw.StringObj:
		return hit(string(v.Bytes))
	case *raw.ArrayObj:
		for _, item := range v.Items {
			if textMentions(item, pipeline, hit) {
				return true
			}
		}
	case *raw.DictObj:
		for _, val := range v.KV {
			if textMentions(val, pipeline, hit) {
				return true
			}
		}
	case *raw.StreamObj:
		data := v.Data
		if decoded, err := decodeDirect(v, pipeline); err == nil {
			data = decoded
		}
		return hit(string(data))
	}
	return false
}

// decodeDirect applies the stream's filter chain when the Filter entry
// is direct. Superseded streams have no live xref context, so indirect
// filter entries are left encoded and checked raw.
func decodeDirect(s *raw.StreamObj, pipeline *filters.Pipeline) ([]byte, error) {
	var names []string
	switch f := s.Dict.KV["Filter"].(type) {
	case nil:
		return s.Data, nil
	case raw.NameObj:
		names = []string{f.Val}
	case *raw.ArrayObj:
		for _, item := range f.Items {
			n, ok := item.(raw.NameObj)
			if !ok {
				return nil, fmt.Errorf("indirect filter entry")
			}
			names = append(names, n.Val)
		}
	default:
		return nil, fmt.Errorf("indirect filter entry")
	}
	var params []*raw.DictObj
	switch p := s.Dict.KV["DecodeParms"].(type) {
	case *raw.DictObj:
		params = []*raw.DictObj{p}
	case *raw.ArrayObj:
		for _, item := range p.Items {
			d, _ := item.(*raw.DictObj)
			params = append(params, d)
		}
	}
	return pipeline.Decode(s.Data, names, params)
}

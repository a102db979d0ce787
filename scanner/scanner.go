// Package scanner tokenizes PDF syntax from an io.ReaderAt, buffering
// the input in fixed-size windows. It is shared by the file parser and
// the content stream parser.
package scanner

import (
	"bytes"
	"errors"
	"io"
	"strconv"
)

type TokenType int

const (
	TokenDict        TokenType = iota // '<<'
	TokenDictEnd                      // '>>'
	TokenArray                        // '['
	TokenArrayEnd                     // ']'
	TokenName                         // '/Name'
	TokenString                       // literal or hex string
	TokenNumber                       // numeric value
	TokenBoolean                      // true/false
	TokenNull                         // null
	TokenRef                          // indirect ref '5 0 R'
	TokenStream                       // payload following the 'stream' keyword
	TokenInlineImage                  // data between ID and EI (content streams only)
	TokenKeyword                      // obj, endobj, operators, ...
)

type Token struct {
	Type  TokenType
	Str   string
	Bytes []byte
	Int   int64
	Float float64
	IsInt bool
	Bool  bool
	Gen   int // reference generation for TokenRef
	Hex   bool
	Pos   int64
}

// Config bounds scanner work on adversarial input. Zero values select
// permissive defaults; every limit is derived from input size, never
// wall clock.
type Config struct {
	MaxStringLength int64
	MaxStreamLength int64
	MaxStreamScan   int64
	MaxInlineImage  int64
	WindowSize      int64
}

type Scanner interface {
	Next() (Token, error)
	Position() int64
	SeekTo(offset int64) error
	// SetNextStreamLength supplies the resolved /Length for the next
	// stream keyword, so payload extraction need not search for the
	// endstream marker. Negative clears the hint.
	SetNextStreamLength(n int64)
}

type pdfScanner struct {
	reader    io.ReaderAt
	data      []byte
	pos       int64
	cfg       Config
	streamLen int64
	chunk     int64
	eof       bool
}

func New(r io.ReaderAt, cfg Config) Scanner {
	chunk := cfg.WindowSize
	if chunk <= 0 {
		chunk = 64 * 1024
	}
	return &pdfScanner{reader: r, cfg: cfg, streamLen: -1, chunk: chunk}
}

func (s *pdfScanner) Position() int64 { return s.pos }

func (s *pdfScanner) SetNextStreamLength(n int64) { s.streamLen = n }

func (s *pdfScanner) SeekTo(offset int64) error {
	if offset < 0 {
		return errors.New("seek out of range")
	}
	if err := s.ensure(offset); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if offset > int64(len(s.data)) {
		return errors.New("seek out of range")
	}
	s.pos = offset
	return nil
}

func (s *pdfScanner) Next() (Token, error) {
	if err := s.skipWSAndComments(); err != nil {
		return Token{}, err
	}
	start := s.pos
	c := s.data[s.pos]
	switch c {
	case '<':
		if s.peek(1) == '<' {
			s.pos += 2
			return Token{Type: TokenDict, Pos: start}, nil
		}
		return s.scanHexString()
	case '>':
		if s.peek(1) == '>' {
			s.pos += 2
			return Token{Type: TokenDictEnd, Pos: start}, nil
		}
		s.pos++
		return Token{Type: TokenKeyword, Str: ">", Pos: start}, nil
	case '[':
		s.pos++
		return Token{Type: TokenArray, Pos: start}, nil
	case ']':
		s.pos++
		return Token{Type: TokenArrayEnd, Pos: start}, nil
	case '(':
		return s.scanLiteralString()
	case '/':
		return s.scanName()
	case '{', '}':
		s.pos++
		return Token{Type: TokenKeyword, Str: string(c), Pos: start}, nil
	}
	if isNumberStart(c) {
		return s.scanNumberOrRef()
	}
	return s.scanKeyword()
}

func (s *pdfScanner) skipWSAndComments() error {
	for {
		if err := s.ensure(s.pos); err != nil {
			return err
		}
		if s.pos >= int64(len(s.data)) {
			return io.EOF
		}
		c := s.data[s.pos]
		if isWhitespace(c) {
			s.pos++
			continue
		}
		if c == '%' {
			for {
				s.pos++
				if err := s.ensure(s.pos); err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				if s.pos >= int64(len(s.data)) {
					return io.EOF
				}
				if isEOL(s.data[s.pos]) {
					break
				}
			}
			continue
		}
		return nil
	}
}

func (s *pdfScanner) ensure(n int64) error {
	for int64(len(s.data)) <= n {
		if s.eof {
			return io.EOF
		}
		buf := make([]byte, s.chunk)
		read, err := s.reader.ReadAt(buf, int64(len(s.data)))
		if read > 0 {
			s.data = append(s.data, buf[:read]...)
		}
		if err == io.EOF || read == 0 {
			s.eof = true
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *pdfScanner) peek(n int64) byte {
	if err := s.ensure(s.pos + n); err != nil {
		return 0
	}
	if s.pos+n >= int64(len(s.data)) {
		return 0
	}
	return s.data[s.pos+n]
}

func (s *pdfScanner) scanName() (Token, error) {
	start := s.pos
	s.pos++ // '/'
	var out bytes.Buffer
	for {
		if s.ensureEOF() || isDelimiter(s.data[s.pos]) {
			break
		}
		c := s.data[s.pos]
		if c == '#' { // hex escape per PDF 7.3.5
			s.pos++
			a := s.hexNibble()
			b := s.hexNibble()
			out.WriteByte((a << 4) | b)
			continue
		}
		out.WriteByte(c)
		s.pos++
	}
	return Token{Type: TokenName, Str: out.String(), Pos: start}, nil
}

// ensureEOF loads more data and reports whether the cursor is at input end.
func (s *pdfScanner) ensureEOF() bool {
	if err := s.ensure(s.pos); err != nil {
		return true
	}
	return s.pos >= int64(len(s.data))
}

func (s *pdfScanner) hexNibble() byte {
	if s.ensureEOF() {
		return 0
	}
	c := s.data[s.pos]
	s.pos++
	return fromHex(c)
}

func (s *pdfScanner) scanLiteralString() (Token, error) { // PDF 7.3.4.2
	start := s.pos
	s.pos++ // '('
	var buf bytes.Buffer
	depth := 1
	for depth > 0 {
		if s.ensureEOF() {
			return Token{}, errors.New("unterminated literal string")
		}
		c := s.data[s.pos]
		switch c {
		case '\\':
			s.pos++
			if s.ensureEOF() {
				return Token{}, errors.New("unterminated literal string")
			}
			esc := s.data[s.pos]
			switch {
			case esc == '\r':
				s.pos++
				if !s.ensureEOF() && s.data[s.pos] == '\n' {
					s.pos++
				}
			case esc == '\n':
				s.pos++
			case esc >= '0' && esc <= '7':
				val := int(esc - '0')
				s.pos++
				for k := 0; k < 2 && !s.ensureEOF(); k++ {
					d := s.data[s.pos]
					if d < '0' || d > '7' {
						break
					}
					val = (val << 3) + int(d-'0')
					s.pos++
				}
				buf.WriteByte(byte(val))
			default:
				buf.WriteByte(unescape(esc))
				s.pos++
			}
		case '(':
			depth++
			buf.WriteByte(c)
			s.pos++
		case ')':
			depth--
			if depth > 0 {
				buf.WriteByte(c)
			}
			s.pos++
		default:
			buf.WriteByte(c)
			s.pos++
		}
		if s.cfg.MaxStringLength > 0 && int64(buf.Len()) > s.cfg.MaxStringLength {
			return Token{}, errors.New("literal string too long")
		}
	}
	return Token{Type: TokenString, Bytes: buf.Bytes(), Pos: start}, nil
}

func (s *pdfScanner) scanHexString() (Token, error) {
	start := s.pos
	s.pos++ // '<'
	var nibbles []byte
	for {
		if s.ensureEOF() {
			return Token{}, errors.New("unterminated hex string")
		}
		c := s.data[s.pos]
		if c == '>' {
			s.pos++
			break
		}
		if isWhitespace(c) {
			s.pos++
			continue
		}
		nibbles = append(nibbles, c)
		s.pos++
		if s.cfg.MaxStringLength > 0 && int64(len(nibbles)/2) > s.cfg.MaxStringLength {
			return Token{}, errors.New("hex string too long")
		}
	}
	if len(nibbles)%2 == 1 {
		nibbles = append(nibbles, '0')
	}
	out := make([]byte, 0, len(nibbles)/2)
	for i := 0; i < len(nibbles); i += 2 {
		out = append(out, (fromHex(nibbles[i])<<4)|fromHex(nibbles[i+1]))
	}
	return Token{Type: TokenString, Bytes: out, Hex: true, Pos: start}, nil
}

func (s *pdfScanner) scanKeyword() (Token, error) {
	start := s.pos
	var buf bytes.Buffer
	for !s.ensureEOF() && !isDelimiter(s.data[s.pos]) {
		buf.WriteByte(s.data[s.pos])
		s.pos++
	}
	kw := buf.String()
	if kw == "" {
		s.pos++
		return Token{Type: TokenKeyword, Str: string(s.data[s.pos-1]), Pos: start}, nil
	}
	switch kw {
	case "true", "false":
		return Token{Type: TokenBoolean, Bool: kw == "true", Pos: start}, nil
	case "null":
		return Token{Type: TokenNull, Pos: start}, nil
	case "stream":
		return s.scanStream(start)
	case "ID":
		return s.scanInlineImage(start)
	default:
		return Token{Type: TokenKeyword, Str: kw, Pos: start}, nil
	}
}

// scanStream consumes the payload between the stream keyword and its
// endstream marker. PDF 7.3.8 requires an EOL after the keyword.
func (s *pdfScanner) scanStream(start int64) (Token, error) {
	if s.ensureEOF() {
		return Token{}, errors.New("stream missing data")
	}
	switch s.data[s.pos] {
	case '\r':
		s.pos++
		if !s.ensureEOF() && s.data[s.pos] == '\n' {
			s.pos++
		}
	case '\n':
		s.pos++
	default:
		return Token{}, errors.New("stream keyword not followed by EOL")
	}
	dataStart := s.pos

	if s.streamLen >= 0 {
		length := s.streamLen
		s.streamLen = -1
		if s.cfg.MaxStreamLength > 0 && length > s.cfg.MaxStreamLength {
			return Token{}, errors.New("stream too long")
		}
		if err := s.ensure(dataStart + length); err != nil && !errors.Is(err, io.EOF) {
			return Token{}, err
		}
		if dataStart+length > int64(len(s.data)) {
			return Token{}, errors.New("stream ends before declared length")
		}
		payload := append([]byte(nil), s.data[dataStart:dataStart+length]...)
		s.pos = dataStart + length
		s.skipToEndstream()
		return Token{Type: TokenStream, Bytes: payload, Pos: start}, nil
	}

	// No length hint: search for a delimited endstream marker.
	needle := []byte("endstream")
	for i := dataStart; ; i++ {
		if err := s.ensure(i + int64(len(needle))); err != nil && !errors.Is(err, io.EOF) {
			return Token{}, err
		}
		if i+int64(len(needle)) > int64(len(s.data)) {
			return Token{}, errors.New("endstream not found")
		}
		if s.cfg.MaxStreamScan > 0 && i-dataStart > s.cfg.MaxStreamScan {
			return Token{}, errors.New("endstream not found within scan limit")
		}
		if s.data[i] != 'e' || !bytes.Equal(s.data[i:i+int64(len(needle))], needle) {
			continue
		}
		after := i + int64(len(needle))
		if after < int64(len(s.data)) && !isDelimiter(s.data[after]) {
			continue
		}
		end := i
		// Trim the EOL belonging to the marker, not the payload.
		if end > dataStart && s.data[end-1] == '\n' {
			end--
		}
		if end > dataStart && s.data[end-1] == '\r' {
			end--
		}
		payload := append([]byte(nil), s.data[dataStart:end]...)
		if s.cfg.MaxStreamLength > 0 && int64(len(payload)) > s.cfg.MaxStreamLength {
			return Token{}, errors.New("stream too long")
		}
		s.pos = after
		return Token{Type: TokenStream, Bytes: payload, Pos: start}, nil
	}
}

func (s *pdfScanner) skipToEndstream() {
	needle := []byte("endstream")
	if err := s.ensure(s.pos + 2); err == nil {
		if s.pos < int64(len(s.data)) && s.data[s.pos] == '\r' {
			s.pos++
		}
		if s.pos < int64(len(s.data)) && s.data[s.pos] == '\n' {
			s.pos++
		}
	}
	if err := s.ensure(s.pos + int64(len(needle))); err != nil && !errors.Is(err, io.EOF) {
		return
	}
	if s.pos+int64(len(needle)) <= int64(len(s.data)) && bytes.Equal(s.data[s.pos:s.pos+int64(len(needle))], needle) {
		s.pos += int64(len(needle))
		return
	}
	if idx := bytes.Index(s.data[s.pos:], needle); idx >= 0 {
		s.pos += int64(idx + len(needle))
	}
}

// scanInlineImage consumes bytes after ID until a whitespace-delimited EI.
func (s *pdfScanner) scanInlineImage(start int64) (Token, error) {
	if s.ensureEOF() || !isWhitespace(s.data[s.pos]) {
		return Token{}, errors.New("inline image missing whitespace after ID")
	}
	s.pos++
	dataStart := s.pos
	for {
		if err := s.ensure(s.pos + 2); err != nil && !errors.Is(err, io.EOF) {
			return Token{}, err
		}
		if s.pos+1 >= int64(len(s.data)) {
			return Token{}, errors.New("unterminated inline image")
		}
		if s.data[s.pos] == 'E' && s.data[s.pos+1] == 'I' {
			prevOK := s.pos > dataStart && isWhitespace(s.data[s.pos-1])
			nextOK := s.pos+2 >= int64(len(s.data)) || isDelimiter(s.data[s.pos+2])
			if prevOK && nextOK {
				payload := append([]byte(nil), s.data[dataStart:s.pos-1]...)
				s.pos += 2
				return Token{Type: TokenInlineImage, Bytes: payload, Pos: start}, nil
			}
		}
		s.pos++
		if s.cfg.MaxInlineImage > 0 && s.pos-dataStart > s.cfg.MaxInlineImage {
			return Token{}, errors.New("inline image too long")
		}
	}
}

func (s *pdfScanner) scanNumberOrRef() (Token, error) {
	start := s.pos
	first := s.scanNumberString()
	if first == "" {
		s.pos++
		return Token{Type: TokenKeyword, Str: string(s.data[s.pos-1]), Pos: start}, nil
	}
	// "<int> <int> R" forms an indirect reference.
	if i, err := strconv.ParseInt(first, 10, 64); err == nil && i >= 0 {
		save := s.pos
		if s.skipWSAndComments() == nil {
			second := s.scanNumberString()
			if g, err := strconv.Atoi(second); err == nil && g >= 0 {
				afterSecond := s.pos
				if s.skipWSAndComments() == nil && !s.ensureEOF() && s.data[s.pos] == 'R' {
					next := s.peek(1)
					if next == 0 || isDelimiter(next) {
						s.pos++
						return Token{Type: TokenRef, Int: i, Gen: g, IsInt: true, Pos: start}, nil
					}
				}
				s.pos = afterSecond
				_ = second
			}
		}
		s.pos = save
		return Token{Type: TokenNumber, Int: i, IsInt: true, Pos: start}, nil
	}
	f, err := strconv.ParseFloat(first, 64)
	if err != nil {
		return Token{}, errors.New("invalid number: " + first)
	}
	return Token{Type: TokenNumber, Float: f, Pos: start}, nil
}

func (s *pdfScanner) scanNumberString() string {
	start := s.pos
	var buf bytes.Buffer
	seenDigit := false
	for !s.ensureEOF() {
		c := s.data[s.pos]
		if c != '+' && c != '-' && c != '.' && (c < '0' || c > '9') {
			break
		}
		if c >= '0' && c <= '9' {
			seenDigit = true
		}
		buf.WriteByte(c)
		s.pos++
	}
	if !seenDigit {
		s.pos = start
		return ""
	}
	return buf.String()
}

func isWhitespace(c byte) bool {
	return c == 0x00 || c == 0x09 || c == 0x0A || c == 0x0C || c == 0x0D || c == 0x20
}

func isEOL(c byte) bool { return c == '\r' || c == '\n' }

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	default:
		return isWhitespace(c)
	}
}

func isNumberStart(c byte) bool {
	return c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9')
}

func fromHex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 'r':
		return '\r'
	case 't':
		return '\t'
	case 'b':
		return '\b'
	case 'f':
		return '\f'
	default:
		return c
	}
}

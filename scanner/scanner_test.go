package scanner

import (
	"bytes"
	"io"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scan(t *testing.T, src string) []Token {
	t.Helper()
	s := New(bytes.NewReader([]byte(src)), Config{})
	var out []Token
	for {
		tok, err := s.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, tok)
	}
}

func TestScanBasicTokens(t *testing.T) {
	toks := scan(t, "<< /Type /Page /Count 3 /Scale 0.5 /Open true /Missing null >>")

	require.Len(t, toks, 12)
	assert.Equal(t, TokenDict, toks[0].Type)
	assert.Equal(t, TokenName, toks[1].Type)
	assert.Equal(t, "Type", toks[1].Str)
	assert.Equal(t, TokenNumber, toks[4].Type)
	assert.True(t, toks[4].IsInt)
	assert.Equal(t, int64(3), toks[4].Int)
	assert.False(t, toks[6].IsInt)
	assert.InDelta(t, 0.5, toks[6].Float, 1e-9)
	assert.Equal(t, TokenBoolean, toks[8].Type)
	assert.True(t, toks[8].Bool)
	assert.Equal(t, TokenNull, toks[10].Type)
	assert.Equal(t, TokenDictEnd, toks[11].Type)
}

func TestScanLiteralStringEscapes(t *testing.T) {
	toks := scan(t, `(paren \( and \) backslash \\ newline \n octal \101)`)
	require.Len(t, toks, 1)
	assert.Equal(t, TokenString, toks[0].Type)
	assert.Equal(t, "paren ( and ) backslash \\ newline \n octal A", string(toks[0].Bytes))
}

func TestScanBalancedParensNeedNoEscape(t *testing.T) {
	toks := scan(t, "(outer (inner) tail)")
	require.Len(t, toks, 1)
	assert.Equal(t, "outer (inner) tail", string(toks[0].Bytes))
}

func TestScanHexString(t *testing.T) {
	toks := scan(t, "<48 65 6C 6C 6F>")
	require.Len(t, toks, 1)
	assert.Equal(t, TokenString, toks[0].Type)
	assert.True(t, toks[0].Hex)
	assert.Equal(t, []byte("Hello"), toks[0].Bytes)
}

func TestScanNameWithHashEscape(t *testing.T) {
	toks := scan(t, "/A#20B#2FC")
	require.Len(t, toks, 1)
	assert.Equal(t, TokenName, toks[0].Type)
	assert.Equal(t, "A B/C", toks[0].Str)
}

func TestScanIndirectReferenceLookahead(t *testing.T) {
	toks := scan(t, "5 0 R 6 1 R 7 8")

	require.Len(t, toks, 4)
	assert.Equal(t, TokenRef, toks[0].Type)
	assert.Equal(t, int64(5), toks[0].Int)
	assert.Equal(t, 0, toks[0].Gen)
	assert.Equal(t, TokenRef, toks[1].Type)
	assert.Equal(t, 1, toks[1].Gen)
	// Two bare numbers must not collapse into a reference.
	assert.Equal(t, TokenNumber, toks[2].Type)
	assert.Equal(t, TokenNumber, toks[3].Type)
}

func TestScanCommentsAreSkipped(t *testing.T) {
	toks := scan(t, "% header comment\n42 % trailing\n(str)")
	require.Len(t, toks, 2)
	assert.Equal(t, int64(42), toks[0].Int)
	assert.Equal(t, "str", string(toks[1].Bytes))
}

func TestScanStreamWithLengthHint(t *testing.T) {
	payload := "raw bytes with endstream inside? no: (endstream) is data"
	src := "<< /Length " + strconv.Itoa(len(payload)) + " >>\nstream\n" + payload + "\nendstream"
	s := New(bytes.NewReader([]byte(src)), Config{})

	var tok Token
	var err error
	for {
		tok, err = s.Next()
		require.NoError(t, err)
		if tok.Type == TokenDictEnd {
			break
		}
	}
	s.SetNextStreamLength(int64(len(payload)))
	tok, err = s.Next()
	require.NoError(t, err)
	require.Equal(t, TokenStream, tok.Type)
	assert.Equal(t, payload, string(tok.Bytes))
}

func TestScanStreamWithoutHintSearchesEndstream(t *testing.T) {
	payload := "plain payload"
	src := "stream\n" + payload + "\nendstream"
	s := New(bytes.NewReader([]byte(src)), Config{})

	tok, err := s.Next()
	require.NoError(t, err)
	require.Equal(t, TokenStream, tok.Type)
	assert.Equal(t, payload, string(tok.Bytes))
}

func TestScanInlineImagePayload(t *testing.T) {
	src := "BI /W 2 /H 2 ID \x00\x01\x02\x03 EI Q"
	s := New(bytes.NewReader([]byte(src)), Config{})

	var types []TokenType
	var image []byte
	for {
		tok, err := s.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		types = append(types, tok.Type)
		if tok.Type == TokenInlineImage {
			image = tok.Bytes
		}
	}
	assert.Contains(t, types, TokenInlineImage)
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03}, image)
}

func TestSeekToRescansFromOffset(t *testing.T) {
	src := "111 222 333"
	s := New(bytes.NewReader([]byte(src)), Config{})

	tok, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(111), tok.Int)

	require.NoError(t, s.SeekTo(4))
	tok, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(222), tok.Int)
}

func TestScanStringLengthLimit(t *testing.T) {
	s := New(bytes.NewReader([]byte("(abcdefghij)")), Config{MaxStringLength: 4})
	_, err := s.Next()
	assert.Error(t, err)
}

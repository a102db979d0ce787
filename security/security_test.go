package security

import (
	"crypto/md5"
	"crypto/rc4"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfredact/ir/raw"
)

// buildR2Encrypt assembles a valid V=1/R=2 Encrypt dictionary the way a
// writer would, so the handler under test faces real entries.
func buildR2Encrypt(t *testing.T, userPwd, ownerPwd string, fileID []byte) (*raw.DictObj, []byte) {
	t.Helper()
	rc4enc := func(key, data []byte) []byte {
		c, err := rc4.NewCipher(key)
		require.NoError(t, err)
		out := make([]byte, len(data))
		c.XORKeyStream(out, data)
		return out
	}
	ownerSum := md5.Sum(padPassword([]byte(ownerPwd)))
	oEntry := rc4enc(ownerSum[:5], padPassword([]byte(userPwd)))

	p := int32(-4)
	keyInput := append([]byte{}, padPassword([]byte(userPwd))...)
	keyInput = append(keyInput, oEntry...)
	var pBuf [4]byte
	binary.LittleEndian.PutUint32(pBuf[:], uint32(p))
	keyInput = append(keyInput, pBuf[:]...)
	keyInput = append(keyInput, fileID...)
	keySum := md5.Sum(keyInput)
	fileKey := keySum[:5]
	uEntry := rc4enc(fileKey, passwordPadding)

	enc := raw.Dict()
	enc.Set("Filter", raw.Name("Standard"))
	enc.Set("V", raw.Int(1))
	enc.Set("R", raw.Int(2))
	enc.Set("Length", raw.Int(40))
	enc.Set("O", raw.Str(oEntry))
	enc.Set("U", raw.Str(uEntry))
	enc.Set("P", raw.Int(int64(p)))
	return enc, fileKey
}

func TestNoopHandlerPassesDataThrough(t *testing.T) {
	h := NoopHandler()
	assert.False(t, h.IsEncrypted())
	require.NoError(t, h.Authenticate("anything"))
	out, err := h.Decrypt(1, 0, []byte("payload"), DataClassStream)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), out)
}

func TestNewHandlerRejectsNonStandardFilter(t *testing.T) {
	enc := raw.Dict()
	enc.Set("Filter", raw.Name("AcmeSecure"))
	_, err := NewHandler(enc, nil)
	assert.Error(t, err)
}

func TestAuthenticateR2UserPassword(t *testing.T) {
	fileID := []byte("0123456789abcdef")
	enc, fileKey := buildR2Encrypt(t, "", "hunter2", fileID)

	h, err := NewHandler(enc, fileID)
	require.NoError(t, err)
	assert.True(t, h.IsEncrypted())

	require.NoError(t, h.Authenticate(""), "empty user password must authenticate")

	// Decrypt a stream encrypted with the per-object key.
	plain := []byte("BT /F1 12 Tf (secret) Tj ET")
	objKey := append([]byte{}, fileKey...)
	objKey = append(objKey, 7, 0, 0, 0, 0) // object 7, generation 0
	sum := md5.Sum(objKey)
	cipherText := rc4Apply(sum[:10], plain)

	out, err := h.Decrypt(7, 0, cipherText, DataClassStream)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestAuthenticateR2OwnerPassword(t *testing.T) {
	fileID := []byte("0123456789abcdef")
	enc, _ := buildR2Encrypt(t, "reader", "hunter2", fileID)

	h, err := NewHandler(enc, fileID)
	require.NoError(t, err)

	assert.ErrorIs(t, h.Authenticate("wrong"), ErrBadPassword)
	require.NoError(t, h.Authenticate("reader"), "user password")
	require.NoError(t, h.Authenticate("hunter2"), "owner password must recover the user password")
}

func TestDecryptRequiresAuthentication(t *testing.T) {
	fileID := []byte("0123456789abcdef")
	enc, _ := buildR2Encrypt(t, "pw", "pw", fileID)
	h, err := NewHandler(enc, fileID)
	require.NoError(t, err)

	_, err = h.Decrypt(1, 0, []byte("data"), DataClassStream)
	assert.Error(t, err)
}

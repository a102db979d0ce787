// Package security implements the standard security handler, decrypt
// side only. Redacted output is always written unencrypted, so there is
// no encryption path here.
package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rc4"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"

	"pdfredact/ir/raw"
)

// ErrBadPassword reports that neither the user nor the owner password
// matched. Callers surface this as an encrypted-input failure.
var ErrBadPassword = errors.New("invalid password")

// DataClass identifies the kind of payload being decrypted; strings and
// streams may use different crypt filters, and the metadata stream may
// be exempt.
type DataClass int

const (
	DataClassStream DataClass = iota
	DataClassString
	DataClassMetadataStream
)

type Handler interface {
	IsEncrypted() bool
	Authenticate(password string) error
	Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error)
	EncryptMetadata() bool
}

// NewHandler builds a handler from the trailer's Encrypt dictionary.
// A nil dictionary yields the pass-through handler.
func NewHandler(enc *raw.DictObj, fileID []byte) (Handler, error) {
	if enc == nil {
		return noEncryption{}, nil
	}
	if f := enc.Name("Filter"); f != "" && f != "Standard" {
		return nil, fmt.Errorf("unsupported security handler %q", f)
	}
	v := int(enc.Int("V", 1))
	if v == 0 {
		v = 1
	}
	r := int(enc.Int("R", 2))
	if v > 5 || r > 6 {
		return nil, fmt.Errorf("unsupported encryption version V=%d R=%d", v, r)
	}
	keyBits := 40
	if v == 5 {
		keyBits = 256
	}
	if n := enc.Int("Length", 0); n > 0 {
		keyBits = int(n)
	}
	if keyBits%8 != 0 || keyBits < 40 || keyBits > 256 {
		return nil, errors.New("invalid encryption key length")
	}

	h := &standardHandler{
		v:           v,
		r:           r,
		keyLen:      keyBits / 8,
		oEntry:      stringBytes(enc, "O"),
		uEntry:      stringBytes(enc, "U"),
		oe:          stringBytes(enc, "OE"),
		ue:          stringBytes(enc, "UE"),
		p:           int32(enc.Int("P", -1)),
		fileID:      fileID,
		encryptMeta: true,
		streamAlgo:  algoUnset,
		stringAlgo:  algoUnset,
	}
	if bv, ok := enc.Get("EncryptMetadata"); ok {
		if b, isBool := bv.(raw.BoolObj); isBool {
			h.encryptMeta = b.V
		}
	}

	base := algoRC4
	if v >= 4 {
		base = algoAES
	}
	var err error
	if h.cryptFilters, err = parseCryptFilters(enc, base); err != nil {
		return nil, err
	}
	if v >= 4 {
		if h.streamAlgo, err = resolveCryptFilter(enc, "StmF", base, h.cryptFilters); err != nil {
			return nil, err
		}
		if h.stringAlgo, err = resolveCryptFilter(enc, "StrF", base, h.cryptFilters); err != nil {
			return nil, err
		}
	}
	return h, nil
}

type cryptAlgo int

const (
	algoUnset cryptAlgo = iota
	algoNone
	algoRC4
	algoAES
)

type standardHandler struct {
	key          []byte
	v            int
	r            int
	keyLen       int
	oEntry       []byte
	uEntry       []byte
	oe           []byte
	ue           []byte
	p            int32
	fileID       []byte
	encryptMeta  bool
	authed       bool
	streamAlgo   cryptAlgo
	stringAlgo   cryptAlgo
	cryptFilters map[string]cryptAlgo
}

func (h *standardHandler) IsEncrypted() bool     { return true }
func (h *standardHandler) EncryptMetadata() bool { return h.encryptMeta }

func (h *standardHandler) Authenticate(password string) error {
	if h.r >= 5 {
		return h.authenticateR6([]byte(password))
	}
	// Try as user password first, then as owner password.
	key := h.legacyKey([]byte(password))
	if h.checkUserKey(key) {
		h.key = key
		h.authed = true
		return nil
	}
	userPwd, ok := h.recoverUserPassword([]byte(password))
	if ok {
		key = h.legacyKey(userPwd)
		if h.checkUserKey(key) {
			h.key = key
			h.authed = true
			return nil
		}
	}
	return ErrBadPassword
}

func (h *standardHandler) Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	if !h.authed {
		return nil, errors.New("not authenticated")
	}
	if class == DataClassMetadataStream && !h.encryptMeta {
		return data, nil
	}
	algo := h.algoFor(class)
	if algo == algoNone || len(data) == 0 {
		return data, nil
	}
	key := h.objectKey(objNum, gen, algo == algoAES)
	if algo == algoAES {
		return aesDecrypt(key, data)
	}
	return rc4Apply(key, data), nil
}

func (h *standardHandler) algoFor(class DataClass) cryptAlgo {
	switch class {
	case DataClassString:
		if h.stringAlgo != algoUnset {
			return h.stringAlgo
		}
	default:
		if h.streamAlgo != algoUnset {
			return h.streamAlgo
		}
	}
	if h.v >= 4 {
		return algoAES
	}
	return algoRC4
}

// legacyKey derives the file key for R<=4 (ISO 32000-1, algorithm 2).
func (h *standardHandler) legacyKey(pwd []byte) []byte {
	data := make([]byte, 0, 32+len(h.oEntry)+4+len(h.fileID)+4)
	data = append(data, padPassword(pwd)...)
	data = append(data, h.oEntry...)
	var pBuf [4]byte
	binary.LittleEndian.PutUint32(pBuf[:], uint32(h.p))
	data = append(data, pBuf[:]...)
	data = append(data, h.fileID...)
	if h.r >= 4 && !h.encryptMeta {
		data = append(data, 0xFF, 0xFF, 0xFF, 0xFF)
	}
	sum := md5.Sum(data)
	key := sum[:]
	n := h.keyLen
	if h.r == 2 {
		n = 5
	}
	if h.r >= 3 {
		for i := 0; i < 50; i++ {
			sum = md5.Sum(key[:n])
			key = sum[:]
		}
	}
	return key[:n]
}

// checkUserKey validates a candidate file key against the U entry
// (algorithms 4 and 5).
func (h *standardHandler) checkUserKey(key []byte) bool {
	if len(h.uEntry) < 16 {
		return false
	}
	if h.r == 2 {
		return bytes.Equal(rc4Apply(key, passwordPadding), h.uEntry[:32])
	}
	sum := md5.Sum(append(append([]byte{}, passwordPadding...), h.fileID...))
	val := sum[:]
	for i := 0; i <= 19; i++ {
		step := make([]byte, len(key))
		for j := range key {
			step[j] = key[j] ^ byte(i)
		}
		val = rc4Apply(step, val)
	}
	return bytes.Equal(val, h.uEntry[:16])
}

// recoverUserPassword treats pwd as the owner password and undoes the
// RC4 layers over the O entry (algorithm 7).
func (h *standardHandler) recoverUserPassword(pwd []byte) ([]byte, bool) {
	if len(h.oEntry) < 32 {
		return nil, false
	}
	sum := md5.Sum(padPassword(pwd))
	key := sum[:]
	if h.r >= 3 {
		for i := 0; i < 50; i++ {
			sum = md5.Sum(key)
			key = sum[:]
		}
	}
	n := h.keyLen
	if h.r == 2 {
		n = 5
	}
	key = key[:n]
	out := append([]byte{}, h.oEntry[:32]...)
	if h.r == 2 {
		out = rc4Apply(key, out)
	} else {
		for i := 19; i >= 0; i-- {
			step := make([]byte, len(key))
			for j := range key {
				step[j] = key[j] ^ byte(i)
			}
			out = rc4Apply(step, out)
		}
	}
	return out, true
}

func (h *standardHandler) authenticateR6(pwd []byte) error {
	if len(pwd) > 127 {
		pwd = pwd[:127]
	}
	if len(h.uEntry) >= 48 && len(h.ue) >= 32 {
		if key, ok := deriveR6User(pwd, h.uEntry, h.ue, h.r); ok {
			h.key = key
			h.authed = true
			return nil
		}
	}
	if len(h.oEntry) >= 48 && len(h.oe) >= 32 && len(h.uEntry) >= 48 {
		if key, ok := deriveR6Owner(pwd, h.oEntry, h.oe, h.uEntry, h.r); ok {
			h.key = key
			h.authed = true
			return nil
		}
	}
	return ErrBadPassword
}

// objectKey derives the per-object key (algorithm 1). R>=5 uses the
// file key directly.
func (h *standardHandler) objectKey(objNum, gen int, useAES bool) []byte {
	if h.r >= 5 {
		return h.key
	}
	data := append([]byte{}, h.key...)
	data = append(data,
		byte(objNum), byte(objNum>>8), byte(objNum>>16),
		byte(gen), byte(gen>>8))
	if useAES {
		data = append(data, 0x73, 0x41, 0x6C, 0x54) // "sAlT"
	}
	sum := md5.Sum(data)
	n := len(h.key) + 5
	if n > 16 {
		n = 16
	}
	return sum[:n]
}

type noEncryption struct{}

func (noEncryption) IsEncrypted() bool                 { return false }
func (noEncryption) Authenticate(string) error         { return nil }
func (noEncryption) EncryptMetadata() bool             { return false }
func (noEncryption) Decrypt(_, _ int, data []byte, _ DataClass) ([]byte, error) {
	return data, nil
}

// NoopHandler returns the pass-through handler for unencrypted files.
func NoopHandler() Handler { return noEncryption{} }

var passwordPadding = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41,
	0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80,
	0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

func padPassword(pwd []byte) []byte {
	out := make([]byte, 32)
	n := copy(out, pwd)
	copy(out[n:], passwordPadding)
	return out
}

// hashR6 is the iterated hash of ISO 32000-2 algorithm 2.B. R=5 files
// (deprecated Adobe extension) use a single SHA-256 instead.
func hashR6(pwd, salt, extra []byte, r int) []byte {
	input := append(append(append([]byte{}, pwd...), salt...), extra...)
	sum := sha256.Sum256(input)
	h := sum[:]
	if r == 5 {
		return h
	}
	for i := 0; ; i++ {
		block := make([]byte, 0, 64*(len(pwd)+len(h)+len(extra)))
		for j := 0; j < 64; j++ {
			block = append(block, pwd...)
			block = append(block, h...)
			block = append(block, extra...)
		}
		enc, err := aesCBCEncrypt(h[:16], h[16:32], block)
		if err != nil {
			return h
		}
		mod := 0
		for _, b := range enc[:16] {
			mod += int(b)
		}
		switch mod % 3 {
		case 0:
			s := sha256.Sum256(enc)
			h = s[:]
		case 1:
			s := sha512.Sum384(enc)
			h = s[:]
		default:
			s := sha512.Sum512(enc)
			h = s[:]
		}
		if i >= 63 && int(enc[len(enc)-1]) <= i-31 {
			break
		}
	}
	return h[:32]
}

func deriveR6User(pwd, uEntry, ue []byte, r int) ([]byte, bool) {
	validation := uEntry[32:40]
	keySalt := uEntry[40:48]
	if !bytes.Equal(hashR6(pwd, validation, nil, r)[:32], uEntry[:32]) {
		return nil, false
	}
	ikey := hashR6(pwd, keySalt, nil, r)
	key, err := aesCBCDecryptNoPad(ikey[:32], ue[:32])
	if err != nil {
		return nil, false
	}
	return key, true
}

func deriveR6Owner(pwd, oEntry, oe, uEntry []byte, r int) ([]byte, bool) {
	validation := oEntry[32:40]
	keySalt := oEntry[40:48]
	if !bytes.Equal(hashR6(pwd, validation, uEntry[:48], r)[:32], oEntry[:32]) {
		return nil, false
	}
	ikey := hashR6(pwd, keySalt, uEntry[:48], r)
	key, err := aesCBCDecryptNoPad(ikey[:32], oe[:32])
	if err != nil {
		return nil, false
	}
	return key, true
}

func parseCryptFilters(enc *raw.DictObj, base cryptAlgo) (map[string]cryptAlgo, error) {
	out := make(map[string]cryptAlgo)
	cfObj, ok := enc.Get("CF")
	if !ok {
		return out, nil
	}
	cf, ok := cfObj.(*raw.DictObj)
	if !ok {
		return nil, errors.New("CF must be a dictionary")
	}
	for name, v := range cf.KV {
		entry, ok := v.(*raw.DictObj)
		if !ok {
			return nil, errors.New("crypt filter entry must be a dictionary")
		}
		algo := base
		switch cfm := entry.Name("CFM"); cfm {
		case "":
		case "V2":
			algo = algoRC4
		case "AESV2", "AESV3":
			algo = algoAES
		case "None":
			algo = algoNone
		default:
			return nil, fmt.Errorf("unsupported crypt filter method %q", cfm)
		}
		out[name] = algo
	}
	return out, nil
}

func resolveCryptFilter(enc *raw.DictObj, key string, base cryptAlgo, filters map[string]cryptAlgo) (cryptAlgo, error) {
	name := enc.Name(key)
	switch name {
	case "", "StdCF":
		if algo, ok := filters["StdCF"]; ok {
			return algo, nil
		}
		return base, nil
	case "Identity":
		return algoNone, nil
	}
	if algo, ok := filters[name]; ok {
		return algo, nil
	}
	return algoUnset, fmt.Errorf("crypt filter %q not defined", name)
}

func rc4Apply(key, data []byte) []byte {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return data
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out
}

// aesDecrypt handles the PDF AES-CBC layout: 16-byte IV prefix, PKCS#7
// padding.
func aesDecrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) < aes.BlockSize || (len(data)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, errors.New("aes ciphertext malformed")
	}
	iv := data[:aes.BlockSize]
	out := make([]byte, len(data)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data[aes.BlockSize:])
	if len(out) == 0 {
		return out, nil
	}
	pad := int(out[len(out)-1])
	if pad < 1 || pad > aes.BlockSize || pad > len(out) {
		return nil, errors.New("invalid aes padding")
	}
	return out[:len(out)-pad], nil
}

func aesCBCEncrypt(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.New("aes plaintext not block aligned")
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func aesCBCDecryptNoPad(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.New("aes data not block aligned")
	}
	iv := make([]byte, aes.BlockSize)
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func stringBytes(dict *raw.DictObj, key string) []byte {
	if v, ok := dict.Get(key); ok {
		if s, ok := v.(raw.StringObj); ok {
			return s.Bytes
		}
	}
	return nil
}

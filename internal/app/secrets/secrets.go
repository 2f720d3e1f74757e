// Package secrets decrypts connection passwords stored by the dashboard.
// Values are encoded as "ivhex:cipherhex" using AES-256-CBC where the cipher
// key is the first 32 bytes of the hex-encoded SHA-256 of the raw key.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedCiphertext indicates a value that looks encrypted but
	// cannot be decoded.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	// ErrBadPadding indicates the decrypted block had invalid PKCS#7 padding,
	// usually meaning the key is wrong.
	ErrBadPadding = errors.New("invalid padding")
)

// Decryptor decrypts stored password values.
type Decryptor struct {
	key []byte
}

// NewDecryptor derives the AES key from the raw secret key.
func NewDecryptor(rawKey string) *Decryptor {
	sum := sha256.Sum256([]byte(rawKey))
	return &Decryptor{key: []byte(hex.EncodeToString(sum[:]))[:32]}
}

// Decrypt returns the plaintext password. Values that do not match the
// iv:cipher hex encoding are treated as already-plaintext and returned as is.
func (d *Decryptor) Decrypt(value string) (string, error) {
	ivHex, cipherHex, ok := splitEncoded(value)
	if !ok {
		return value, nil
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", fmt.Errorf("decode iv: %w", ErrMalformedCiphertext)
	}
	ct, err := hex.DecodeString(cipherHex)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("decode ciphertext: %w", ErrMalformedCiphertext)
	}

	block, err := aes.NewCipher(d.key)
	if err != nil {
		return "", err
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	plain, err = stripPKCS7(plain)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// splitEncoded recognizes the "ivhex:cipherhex" shape. A lone colon or
// non-hex halves do not qualify, so ordinary passwords containing ':' still
// pass through untouched.
func splitEncoded(value string) (ivHex, cipherHex string, ok bool) {
	idx := strings.IndexByte(value, ':')
	if idx <= 0 || idx == len(value)-1 {
		return "", "", false
	}
	ivHex, cipherHex = value[:idx], value[idx+1:]
	if len(ivHex) != aes.BlockSize*2 || !isHex(ivHex) || !isHex(cipherHex) {
		return "", "", false
	}
	return ivHex, cipherHex, true
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return len(s) > 0
}

func stripPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}

// Package codec encrypts and decrypts share payloads. Keys are derived from a
// caller-supplied secret on every call; nothing is cached, so Encrypt and
// Decrypt are safe for concurrent use.
//
// Layout of a ciphertext: AES-256-CBC body (PKCS#7 padded) followed by a
// 32-byte HMAC-SHA-256 tag over iv||body. The encryption key is SHA-256 of the
// secret; the MAC key is expanded from the secret with HKDF.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/haukened/goneshare/internal/domain"
)

// IVSize is the length of the random initialization vector.
const IVSize = aes.BlockSize

// TagSize is the length of the trailing authentication tag.
const TagSize = sha256.Size

var macInfo = []byte("goneshare payload mac v1")

// Encrypt seals plaintext under a key derived from secret and returns the
// fresh random IV together with the ciphertext.
func Encrypt(plaintext, secret []byte) (iv, ciphertext []byte, err error) {
	if len(secret) == 0 {
		return nil, nil, domain.Invalid("empty secret")
	}
	iv = make([]byte, IVSize)
	if _, err = io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("read iv: %w", err)
	}
	encKey, macKey, err := deriveKeys(secret)
	if err != nil {
		return nil, nil, err
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, nil, err
	}
	body := pad(plaintext, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(body, body)

	ciphertext = make([]byte, 0, len(body)+TagSize)
	ciphertext = append(ciphertext, body...)
	ciphertext = append(ciphertext, tag(macKey, iv, body)...)
	return iv, ciphertext, nil
}

// Decrypt is the inverse of Encrypt. Any mismatch between ciphertext, iv and
// secret yields domain.ErrIntegrity and no plaintext.
func Decrypt(ciphertext, iv, secret []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv length %d", domain.ErrIntegrity, len(iv))
	}
	if len(secret) == 0 {
		return nil, domain.Invalid("empty secret")
	}
	n := len(ciphertext) - TagSize
	if n < aes.BlockSize || n%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", domain.ErrIntegrity, len(ciphertext))
	}
	body, sum := ciphertext[:n], ciphertext[n:]
	encKey, macKey, err := deriveKeys(secret)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(sum, tag(macKey, iv, body)) {
		return nil, fmt.Errorf("%w: authentication failed", domain.ErrIntegrity)
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)
	plain, ok := unpad(out, aes.BlockSize)
	if !ok {
		return nil, fmt.Errorf("%w: bad padding", domain.ErrIntegrity)
	}
	return plain, nil
}

// deriveKeys returns the AES-256 key and the MAC key for secret.
func deriveKeys(secret []byte) (encKey, macKey []byte, err error) {
	sum := sha256.Sum256(secret)
	encKey = sum[:]
	macKey = make([]byte, sha256.Size)
	if _, err = io.ReadFull(hkdf.New(sha256.New, secret, nil, macInfo), macKey); err != nil {
		return nil, nil, fmt.Errorf("derive mac key: %w", err)
	}
	return encKey, macKey, nil
}

func tag(key, iv, body []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(iv)
	m.Write(body)
	return m.Sum(nil)
}

// pad applies PKCS#7 padding. A full block is added when len(b) is already aligned.
func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, bool) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, false
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}

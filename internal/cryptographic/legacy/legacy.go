// Package legacy implements the shared-key cipher used before per-peer
// sessions existed. Output is the OpenSSL "Salted__" passphrase format
// (EVP_BytesToKey with MD5, AES-256-CBC, PKCS#7) so strings written by older
// clients still open.
package legacy

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	saltSize = 8
	keySize  = 32
)

var (
	saltedPrefix = []byte("Salted__")

	ErrMalformed  = errors.New("legacy: malformed ciphertext")
	ErrBadPadding = errors.New("legacy: bad padding")
)

type Cipher struct {
	passphrase []byte
}

func New(sharedKey string) *Cipher {
	return &Cipher{passphrase: []byte(sharedKey)}
}

// Encrypt returns base64("Salted__" || salt || AES-256-CBC(plaintext)).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("legacy salt: %w", err)
	}
	key, iv := evpBytesToKey(c.passphrase, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(saltedPrefix)+saltSize+len(padded))
	copy(out, saltedPrefix)
	copy(out[len(saltedPrefix):], salt)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[len(saltedPrefix)+saltSize:], padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformed
	}
	hdr := len(saltedPrefix) + saltSize
	if len(raw) < hdr+aes.BlockSize || !bytes.HasPrefix(raw, saltedPrefix) {
		return "", ErrMalformed
	}
	body := raw[hdr:]
	if len(body)%aes.BlockSize != 0 {
		return "", ErrMalformed
	}

	key, iv := evpBytesToKey(c.passphrase, raw[len(saltedPrefix):hdr])
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// evpBytesToKey is OpenSSL's EVP_BytesToKey with MD5 and one iteration.
func evpBytesToKey(pass, salt []byte) (key, iv []byte) {
	var (
		out  []byte
		prev []byte
	)
	for len(out) < keySize+aes.BlockSize {
		h := md5.New()
		h.Write(prev)
		h.Write(pass)
		h.Write(salt)
		prev = h.Sum(nil)
		out = append(out, prev...)
	}
	return out[:keySize], out[keySize : keySize+aes.BlockSize]
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, ErrBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, ErrBadPadding
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, ErrBadPadding
		}
	}
	return b[:len(b)-n], nil
}

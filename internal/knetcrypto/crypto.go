// Package knetcrypto implements the gateway's symmetric encryption and
// signature scheme. The construction is deliberately non-standard: the
// resource key doubles as the AES-128-CBC initialization vector, padding
// is applied manually (PKCS#5) with the cipher's own padding disabled,
// and ciphertext travels as a hex string. Any deviation makes the gateway
// reject the transaction without an error, so the steps here must stay
// bit-exact.
package knetcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the only key length the gateway accepts (AES-128).
const KeySize = 16

// ErrCrypto is the root of all failures in this package; callers match it
// with errors.Is.
var ErrCrypto = errors.New("crypto failure")

var (
	ErrInvalidKeySize = fmt.Errorf("key must be exactly %d bytes: %w", KeySize, ErrCrypto)
	ErrInvalidPadding = fmt.Errorf("invalid pkcs5 padding: %w", ErrCrypto)
	ErrBadCiphertext  = fmt.Errorf("malformed ciphertext: %w", ErrCrypto)
)

// Encrypt pads plaintext to the AES block boundary with PKCS#5, encrypts
// it with AES-128-CBC using key as both cipher key and IV, and returns the
// raw ciphertext hex-encoded. Percent-encoding for URL embedding is the
// caller's concern.
func Encrypt(plaintext string, key []byte) (string, error) {
	block, err := newBlock(key)
	if err != nil {
		return "", err
	}

	padded := pkcs5Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, key).CryptBlocks(out, padded)

	return hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt: hex-decode, AES-128-CBC decrypt with key as
// key and IV, then strip and validate the PKCS#5 padding. Truncated or
// tampered input surfaces as ErrCrypto, never as silently shortened
// plaintext.
func Decrypt(hexCiphertext string, key []byte) (string, error) {
	block, err := newBlock(key)
	if err != nil {
		return "", err
	}

	raw, err := hex.DecodeString(strings.TrimSpace(hexCiphertext))
	if err != nil {
		return "", fmt.Errorf("hex decode: %v: %w", err, ErrBadCiphertext)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext length %d: %w", len(raw), ErrBadCiphertext)
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, key).CryptBlocks(out, raw)

	unpadded, err := pkcs5Unpad(out)
	if err != nil {
		return "", err
	}

	return string(unpadded), nil
}

// Sign returns the SHA-256 digest of message as uppercase hex, the form
// the gateway uses for the hash field on both directions of the protocol.
func Sign(message string) string {
	sum := sha256.Sum256([]byte(message))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// VerifyDigest compares a received hex digest against a recomputed one in
// constant time. Comparison is case-insensitive since gateway versions
// differ on hash casing.
func VerifyDigest(received, computed string) bool {
	a := []byte(strings.ToUpper(received))
	b := []byte(strings.ToUpper(computed))
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("got %d bytes: %w", len(key), ErrInvalidKeySize)
	}
	return aes.NewCipher(key)
}

func pkcs5Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs5Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext: %w", ErrInvalidPadding)
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("pad length %d of %d: %w", pad, len(data), ErrInvalidPadding)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-pad], nil
}

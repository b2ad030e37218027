// Package trackid generates merchant-side correlation identifiers for
// payment attempts: a unix timestamp followed by six random digits, well
// inside the protocol's 40-character limit and digits-only charset.
package trackid

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxLen is the longest track ID the gateway accepts.
const MaxLen = 40

const randomLen = 6

// New returns a fresh track ID.
func New() (string, error) {
	suffix, err := randomDigits(randomLen)
	if err != nil {
		return "", fmt.Errorf("rand: %w", err)
	}
	return strconv.FormatInt(time.Now().Unix(), 10) + suffix, nil
}

// Valid reports whether id fits the protocol's length and charset rules.
func Valid(id string) bool {
	if id == "" || len(id) > MaxLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9',
			r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// randomDigits produces count unbiased decimal digits using rejection
// sampling: only bytes < 250 are accepted before reduction mod 10.
func randomDigits(count int) (string, error) {
	const threshold = 250 // 256 - (256 % 10)
	var sb strings.Builder
	sb.Grow(count)
	buf := make([]byte, 16)
	for sb.Len() < count {
		n, err := rand.Read(buf)
		if err != nil {
			return "", err
		}
		for _, b := range buf[:n] {
			if b >= threshold {
				continue
			}
			sb.WriteByte('0' + b%10)
			if sb.Len() == count {
				break
			}
		}
	}
	return sb.String(), nil
}

// internal/room/code.go
package room

import (
	"crypto/rand"
	"strings"
)

const (
	// CodeAlphabet omits O, 0, I and 1 so codes can be read aloud.
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// CodeLength is the number of symbols in a room code.
	CodeLength = 6

	maxCodeAttempts = 16
)

// CodeGenerator produces a candidate room code. The registry re-rolls on collision.
type CodeGenerator func() (string, error)

// RandomCode draws CodeLength symbols from CodeAlphabet using crypto/rand.
// 256 is a multiple of len(CodeAlphabet), so the byte modulo is unbiased.
func RandomCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = CodeAlphabet[int(b)%len(CodeAlphabet)]
	}
	return string(buf), nil
}

// NormalizeCode trims whitespace and upper-cases client input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code is a canonical room code.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(CodeAlphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

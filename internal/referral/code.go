// Package referral generates and normalizes account referral codes.
//
// A code is 8 upper-case hexadecimal characters. Codes arrive from the
// messaging front end as the deep-link start parameter, so Normalize accepts
// surrounding whitespace and lower case.
package referral

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// CodeLength is the number of characters in a referral code.
const CodeLength = 8

// Generator produces random referral codes.
type Generator struct {
	rand io.Reader
}

// NewGenerator creates a Generator reading from crypto/rand.
func NewGenerator() *Generator {
	return &Generator{rand: rand.Reader}
}

// NewGeneratorFrom creates a Generator reading from r. Used by tests to get
// predictable or colliding codes.
func NewGeneratorFrom(r io.Reader) *Generator {
	return &Generator{rand: r}
}

// Generate returns a new code.
func (g *Generator) Generate() (string, error) {
	b := make([]byte, CodeLength/2)
	if _, err := io.ReadFull(g.rand, b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// Normalize trims and upper-cases a code. It returns "" if the result is not
// a well-formed code.
func Normalize(code string) string {
	norm := strings.TrimSpace(strings.ToUpper(code))
	if !Valid(norm) {
		return ""
	}
	return norm
}

// Valid reports whether code is exactly CodeLength upper-case hex characters.
func Valid(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, c := range code {
		if !(c >= '0' && c <= '9') && !(c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// Link builds the Telegram deep link that carries code as the start
// parameter. It returns "" when botUsername is empty.
func Link(botUsername, code string) string {
	if botUsername == "" || code == "" {
		return ""
	}
	return "https://t.me/" + url.PathEscape(botUsername) + "?start=" + url.QueryEscape(code)
}

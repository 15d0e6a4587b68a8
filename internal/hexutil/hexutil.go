// Package hexutil converts between byte slices and the hex strings used
// on the script boundary. Encoded output is always upper-case with no
// separators; decoding accepts either case and ignores whitespace.
package hexutil

import (
	"encoding/hex"
	"strings"
	"unicode"
)

// Encode returns the upper-case hex encoding of b.
func Encode(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// Decode parses a hex string into bytes. Whitespace anywhere in the
// input is stripped before decoding.
func Decode(s string) ([]byte, error) {
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return hex.DecodeString(stripped)
}

// Package encoding makes arbitrary byte strings safe to embed in a report line.
//
// Tokens use the standard base64 alphabet, so they never contain a line
// break, a comma, a colon or a control character.
package encoding

import (
	"encoding/base64"
	"fmt"
	"unsafe"
)

var std = base64.StdEncoding

// Encode returns the line-safe token for s.
func Encode(s string) string {
	return std.EncodeToString(bytesOf(s))
}

// Append appends the token for s to dst. It does not allocate when dst has
// EncodedLen(len(s)) spare capacity, so it is usable on the fault path.
func Append(dst []byte, s string) []byte {
	return std.AppendEncode(dst, bytesOf(s))
}

// AppendBytes is Append for byte slices.
func AppendBytes(dst, src []byte) []byte {
	return std.AppendEncode(dst, src)
}

// EncodedLen is the token length for an input of n bytes.
func EncodedLen(n int) int {
	return std.EncodedLen(n)
}

// Decode recovers the original string from a token.
func Decode(token string) (string, error) {
	b, err := std.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decoding token %q: %w", token, err)
	}
	return string(b), nil
}

func bytesOf(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

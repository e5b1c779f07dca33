package storage

import (
	"mime"
	"strings"
	"unicode/utf8"
)

// EncodeFileName prepares a filename for storage as user metadata. Provider
// metadata travels as HTTP header values, so anything outside printable
// US-ASCII is RFC 2047 B-encoded. Plain ASCII names are stored unchanged.
func EncodeFileName(name string) string {
	if isPrintableASCII(name) {
		return name
	}
	if !utf8.ValidString(name) {
		name = strings.ToValidUTF8(name, "�")
	}
	return mime.BEncoding.Encode("utf-8", name)
}

// DecodeFileName reverses EncodeFileName. Values that are not encoded words,
// or that fail to decode, are returned as-is.
func DecodeFileName(value string) string {
	if !strings.HasPrefix(value, "=?") {
		return value
	}
	decoded, err := new(mime.WordDecoder).DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// LookupMetadata finds key in a provider metadata map, ignoring case. SDKs
// disagree on the casing of user metadata keys.
func LookupMetadata(metadata map[string]string, key string) (string, bool) {
	if v, ok := metadata[key]; ok {
		return v, true
	}
	for k, v := range metadata {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

func isPrintableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// Package subscription renders and stores per-service subscription files:
// base64 bundles of share links served at /subs/<uuid>.txt.
package subscription

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
)

// Encode renders links as the base64 (standard encoding) of their
// newline-joined text. No links encode to an empty body.
func Encode(links []string) []byte {
	text := strings.Join(links, "\n")
	out := make([]byte, base64.StdEncoding.EncodedLen(len(text)))
	base64.StdEncoding.Encode(out, []byte(text))
	return out
}

// Decode reverses Encode. It tolerates surrounding whitespace, missing
// padding and the URL-safe alphabet.
func Decode(content []byte) ([]string, error) {
	compact := strings.Join(strings.Fields(string(normalizeInput(content))), "")
	if compact == "" {
		return nil, nil
	}
	decoded, ok := decodeBase64Relaxed(compact)
	if !ok {
		return nil, fmt.Errorf("subscription content is not base64")
	}
	var links []string
	for _, line := range strings.Split(normalizeTextContent(string(decoded)), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			links = append(links, line)
		}
	}
	return links, nil
}

func decodeBase64Relaxed(input string) ([]byte, bool) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, false
	}

	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded, true
	}
	if decoded, err := base64.URLEncoding.DecodeString(s); err == nil {
		return decoded, true
	}
	return nil, false
}

func normalizeInput(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	return bytes.TrimPrefix(trimmed, []byte{0xEF, 0xBB, 0xBF})
}

func normalizeTextContent(content string) string {
	content = strings.TrimPrefix(content, "\uFEFF")

	var b strings.Builder
	b.Grow(len(content))
	for _, r := range content {
		switch r {
		case '\u200B', '\u200C', '\u200D':
			continue
		}
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

package resource

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

// ErrInvalidData is returned when a payload is not a JSON object.
var ErrInvalidData = errors.New("resource: data must be a JSON object")

// Canonicalize re-encodes a JSON document with sorted object keys and no
// insignificant whitespace, so equal content always yields equal bytes.
func Canonicalize(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, ErrInvalidData
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, ErrInvalidData
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Tag computes the version tag of a resource from its mutable fields. The
// result only depends on kind and the canonical form of data.
func Tag(kind string, data []byte) (string, error) {
	canon, err := Canonicalize(data)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(canon)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16]), nil
}

// FormatETag renders a tag as a strong HTTP entity tag.
func FormatETag(tag string) string {
	if tag == "" {
		return ""
	}
	return `"` + tag + `"`
}

// ParseETag extracts the tag from an If-Match / ETag header value. Weak
// validators are accepted; "*" and lists are not meaningful for a single
// resource update and are returned verbatim.
func ParseETag(header string) string {
	v := strings.TrimSpace(header)
	v = strings.TrimPrefix(v, "W/")
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		v = v[1 : len(v)-1]
	}
	return v
}

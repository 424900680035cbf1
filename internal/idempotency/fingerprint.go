package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"wasteops.org/internal/resource"
)

// Fingerprint hashes the parts of a request that define "the same operation".
// JSON object bodies are canonicalised first, so key order and whitespace do
// not count as a different payload.
func Fingerprint(method, route string, body []byte) string {
	payload := bytes.TrimSpace(body)
	if canon, err := resource.Canonicalize(payload); err == nil {
		payload = canon
	}
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(route))
	h.Write([]byte{'\n'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

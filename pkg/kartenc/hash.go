package kartenc

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// HexHash returns the first 40 hex characters of the SHA-256 digest of the
// concatenation of data — 160 bits, the same width as a Git object id, which
// is plenty for the human-friendly identifiers used for legend filenames and
// legacy path components. This is deliberately NOT the object store's SHA-1;
// it is a separate, shorter, irreversible digest used only inside dataset
// content (legend hashes, the legacy path encoder).
func HexHash(data ...[]byte) string {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	return hex.EncodeToString(h.Sum(nil))[:40]
}

// B64Hash returns the first 20 bytes of the SHA-256 digest of data, rendered
// using the URL-safe base64 alphabet without padding. Used by the general
// hash path encoder.
func B64Hash(data ...[]byte) string {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	sum := h.Sum(nil)[:20]
	return base64.RawURLEncoding.EncodeToString(sum)
}

package kartenc

import "encoding/base64"

// B64EncodeBytes renders data using the URL-safe base64 alphabet, no
// padding — the alphabet every path component in §4.4 is drawn from.
func B64EncodeBytes(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// B64DecodeBytes reverses B64EncodeBytes.
func B64DecodeBytes(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

package kartenc

import "fmt"

// b64URLAlphabet is RFC 3548 §4's URL-safe base64 alphabet, used for all
// path components (not Go's encoding/base64, which would also be correct,
// but the five-character fixed-width integer codec below needs direct
// indexing into the alphabet the way the original path-structure encoders
// do).
const b64URLAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

var b64URLDecodeMap = func() map[byte]int {
	m := make(map[byte]int, len(b64URLAlphabet))
	for i := 0; i < len(b64URLAlphabet); i++ {
		m[b64URLAlphabet[i]] = i
	}
	return m
}()

// MaxB64Int is the largest integer representable by B64EncodeInt (2^29);
// the five-character, base-64 encoding has 30 bits of range, used signed.
const MaxB64Int = 1 << 29

// B64EncodeInt encodes an integer into exactly five characters from the
// URL-safe base64 alphabet, most-significant digit first. Valid range is
// (-2^29, 2^29].
func B64EncodeInt(v int64) (string, error) {
	if v <= -MaxB64Int || v > MaxB64Int {
		return "", fmt.Errorf("%d should be between %d and %d", v, -MaxB64Int+1, MaxB64Int)
	}
	var out [5]byte
	n := v
	for i := 4; i >= 0; i-- {
		mod := n % 64
		if mod < 0 {
			mod += 64
			n = (n - mod) / 64
		} else {
			n = n / 64
		}
		out[i] = b64URLAlphabet[mod]
	}
	return string(out[:]), nil
}

// B64DecodeInt reverses B64EncodeInt.
func B64DecodeInt(s string) (int64, error) {
	if len(s) != 5 {
		return 0, fmt.Errorf("b64 integer must be exactly 5 characters, got %d", len(s))
	}
	var result int64
	pow := int64(1)
	for i := 4; i >= 0; i-- {
		val, ok := b64URLDecodeMap[s[i]]
		if !ok {
			return 0, fmt.Errorf("invalid base64 character %q", s[i])
		}
		result += int64(val) * pow
		pow *= 64
	}
	if result > 1<<29 {
		result -= 1 << 30
	}
	return result, nil
}

// TreeNames yields the `branches` possible immediate child names for the
// given encoding ("hex" or "base64"), used to probe a level of the feature
// tree during density sampling and generated-PK bookkeeping.
func TreeNames(encoding string, branches int) ([]string, error) {
	switch encoding {
	case "hex":
		stride := 1
		if branches == 256 {
			stride = 2
		}
		names := make([]string, branches)
		for i := 0; i < branches; i++ {
			names[i] = fmt.Sprintf("%0*x", stride, i)
		}
		return names, nil
	case "base64":
		if branches != 64 {
			return nil, fmt.Errorf("base64 tree encoding requires 64 branches, got %d", branches)
		}
		names := make([]string, 64)
		for i := 0; i < 64; i++ {
			names[i] = string(b64URLAlphabet[i])
		}
		return names, nil
	default:
		return nil, fmt.Errorf("unsupported path encoding %q", encoding)
	}
}

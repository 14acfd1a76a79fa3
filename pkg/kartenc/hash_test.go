package kartenc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/koordinates/kart/pkg/kartenc"
)

func TestHexHashIsDeterministic(t *testing.T) {
	a := kartenc.HexHash([]byte("col-id"), []byte("name"))
	b := kartenc.HexHash([]byte("col-id"), []byte("name"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 40)
}

func TestHexHashVariesWithContent(t *testing.T) {
	a := kartenc.HexHash([]byte("col-id"), []byte("name"))
	b := kartenc.HexHash([]byte("col-id"), []byte("other-name"))
	assert.NotEqual(t, a, b)
}

func TestB64HashLength(t *testing.T) {
	h := kartenc.B64Hash([]byte("some legend definition"))
	assert.NotEmpty(t, h)
	// 20 bytes, unpadded base64url, is 27 characters.
	assert.Len(t, h, 27)
}

package pathenc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koordinates/kart/pkg/kartenc"
	"github.com/koordinates/kart/pkg/pathenc"
)

func TestIntegerModulusEncoderMatchesWorkedExample(t *testing.T) {
	enc := pathenc.IntegerModulusEncoder{Levels: 4}
	path, err := enc.EncodePKsToPath([]interface{}{int64(42)})
	require.NoError(t, err)

	basename, err := kartenc.EncodeFilename([]interface{}{int64(42)})
	require.NoError(t, err)

	assert.Equal(t, "A/A/A/A/"+basename, path)
}

func TestIntegerModulusEncoderGivesConsecutivePKsSharedPrefix(t *testing.T) {
	enc := pathenc.IntegerModulusEncoder{Levels: 4}
	// Within one 64-wide block, consecutive PKs share every tree level;
	// only the basename (and the blob content) differs.
	p1, err := enc.EncodePKsToPath([]interface{}{int64(100)})
	require.NoError(t, err)
	p2, err := enc.EncodePKsToPath([]interface{}{int64(101)})
	require.NoError(t, err)

	// Compare the directory components (everything before the final "/").
	lastSlash1 := lastIndex(p1, '/')
	lastSlash2 := lastIndex(p2, '/')
	require.GreaterOrEqual(t, lastSlash1, 0)
	require.GreaterOrEqual(t, lastSlash2, 0)
	assert.Equal(t, p1[:lastSlash1], p2[:lastSlash2])
}

func lastIndex(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func TestIntegerModulusEncoderRejectsBadLevels(t *testing.T) {
	enc := pathenc.IntegerModulusEncoder{Levels: 6}
	_, err := enc.EncodePKsToPath([]interface{}{int64(1)})
	assert.Error(t, err)
}

func TestIntegerModulusEncoderRejectsCompositePK(t *testing.T) {
	enc := pathenc.IntegerModulusEncoder{Levels: 4}
	_, err := enc.EncodePKsToPath([]interface{}{int64(1), "extra"})
	assert.Error(t, err)
}

func TestGeneralHashEncoderPathShape(t *testing.T) {
	enc := pathenc.GeneralHashEncoder{}
	path, err := enc.EncodePKsToPath([]interface{}{"composite", int64(7)})
	require.NoError(t, err)
	// 4 single-character directory levels plus the basename.
	assert.Equal(t, 5, countSlashes(path)+1)
}

func countSlashes(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			n++
		}
	}
	return n
}

func TestLegacyHashEncoderPathShape(t *testing.T) {
	enc := pathenc.LegacyHashEncoder{}
	path, err := enc.EncodePKsToPath([]interface{}{int64(9)})
	require.NoError(t, err)
	assert.Equal(t, 3, countSlashes(path)+1)
}

func TestFromMetaJSONDefaultsToLegacy(t *testing.T) {
	enc, err := pathenc.FromMetaJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, pathenc.LegacyHashEncoder{}, enc)
}

func TestMetaJSONRoundTrip(t *testing.T) {
	orig := pathenc.IntegerModulusEncoder{Levels: 3}
	data, err := orig.ToMetaJSON()
	require.NoError(t, err)

	parsed, err := pathenc.FromMetaJSON(data)
	require.NoError(t, err)
	assert.Equal(t, orig, parsed)
}

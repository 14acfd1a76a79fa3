package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koordinates/kart/pkg/schema"
)

func TestParseCRSIdentifierRoundTrips(t *testing.T) {
	id, err := schema.ParseCRSIdentifier("EPSG:2193")
	require.NoError(t, err)
	assert.Equal(t, schema.CRSIdentifier{Authority: "EPSG", Code: "2193"}, id)
	assert.Equal(t, "EPSG:2193", id.String())
}

func TestParseCRSIdentifierNormalizesAuthorityCase(t *testing.T) {
	id, err := schema.ParseCRSIdentifier("epsg:4326")
	require.NoError(t, err)
	assert.Equal(t, "EPSG:4326", id.String())
}

func TestParseCRSIdentifierAcceptsCustomAuthority(t *testing.T) {
	id, err := schema.ParseCRSIdentifier("CUSTOM:201234")
	require.NoError(t, err)
	assert.Equal(t, "201234", id.Code)
}

func TestParseCRSIdentifierRejectsMissingCode(t *testing.T) {
	_, err := schema.ParseCRSIdentifier("EPSG")
	assert.Error(t, err)
}

func TestFormatCRSIdentifierUppercasesAuthority(t *testing.T) {
	assert.Equal(t, "EPSG:2193", schema.FormatCRSIdentifier("epsg", "2193"))
}

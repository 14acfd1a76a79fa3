package schema

import (
	"strings"

	"github.com/koordinates/kart/pkg/karterrors"
)

// CRSIdentifier is the stable "AUTHORITY:CODE" name a CRS definition is
// filed under, e.g. "EPSG:2193" or "CUSTOM:201234". Mirrors
// kart/crs_util.py's get_identifier_str, reduced to the authority:code
// round trip meta/crs/<id>.wkt naming actually needs.
type CRSIdentifier struct {
	Authority string
	Code      string
}

func (id CRSIdentifier) String() string {
	return FormatCRSIdentifier(id.Authority, id.Code)
}

// FormatCRSIdentifier joins an authority and code into the canonical
// "AUTHORITY:CODE" form, upper-casing the authority the way EPSG/CUSTOM
// are conventionally written.
func FormatCRSIdentifier(authority, code string) string {
	return strings.ToUpper(authority) + ":" + code
}

// ParseCRSIdentifier parses the AUTHORITY:CODE form used for
// meta/crs/<id>.wkt names. Unlike
// crs_util.py's get_identifier_str, this never inspects WKT contents --
// a dataset schema always carries the identifier already resolved
// (ColumnSchema.GeometryCRS), so there's no SpatialReference to parse one
// out of.
func ParseCRSIdentifier(s string) (CRSIdentifier, error) {
	authority, code, ok := strings.Cut(s, ":")
	if !ok || authority == "" || code == "" {
		return CRSIdentifier{}, karterrors.InvalidFileFormat.New("CRS identifier %q is not AUTHORITY:CODE", s)
	}
	return CRSIdentifier{Authority: strings.ToUpper(authority), Code: code}, nil
}

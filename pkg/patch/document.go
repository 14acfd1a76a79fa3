// Package patch implements patch apply/commit from §4.8: parsing a patch
// document (kart.patch/v1 + kart.diff/v1+hexwkb), verifying feature and
// meta preconditions against a base tree, converting hex-WKB/base64
// literals to canonical blobs, optionally reprojecting inserted geometry
// through a declared patch CRS, and staging the result into a new tree.
package patch

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/koordinates/kart/pkg/karterrors"
)

// MetaChange is one meta-item delta as it appears in a patch document:
// present Old/New values (raw JSON, since a meta item may be JSON,
// plain text, or a tags array) plus whether each side was present at all
// (an absent "-"/"+" key differs from one present with a JSON null).
type MetaChange struct {
	HasOld bool
	Old    json.RawMessage
	HasNew bool
	New    json.RawMessage
}

// FeatureChange is one feature delta: column-name-keyed old/new values, as
// parsed from the patch document (geometry as hex-WKB text, blob columns
// as "base64:..." strings). Either Old or New may be nil (pure insert or
// pure delete); both set is an update.
type FeatureChange struct {
	Old map[string]interface{}
	New map[string]interface{}
}

// DatasetDiffDoc is one dataset's section of a kart.diff/v1+hexwkb
// document: meta-item deltas keyed by item name, plus an ordered list of
// feature deltas.
type DatasetDiffDoc struct {
	Meta    map[string]MetaChange
	Feature []FeatureChange
}

// Document is a parsed patch: the kart.patch/v1 envelope plus its
// kart.diff/v1+hexwkb body, keyed by dataset path.
type Document struct {
	Message          string
	Base             *string // commit id the patch was generated against, if declared
	CRS              *string // WKT of the CRS the patch's geometries are expressed in, if it differs from the dataset's
	AuthorName       string
	AuthorEmail      string
	AuthorTime       *time.Time
	AuthorTimeOffset string

	Diffs map[string]DatasetDiffDoc
}

// rawMetaChange decodes a meta-item delta object, whose keys are the
// literal strings "-" and "+" -- not representable as struct tags, since
// encoding/json reserves the tag value "-" to mean "skip this field", so
// this type and the one below implement UnmarshalJSON over a plain map
// instead of relying on struct tags.
type rawMetaChange struct {
	hasOld bool
	old    json.RawMessage
	hasNew bool
	new    json.RawMessage
}

func (c *rawMetaChange) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if v, ok := m["-"]; ok {
		c.hasOld, c.old = true, v
	}
	if v, ok := m["+"]; ok {
		c.hasNew, c.new = true, v
	}
	return nil
}

type rawFeatureChange struct {
	old map[string]interface{}
	new map[string]interface{}
}

func (f *rawFeatureChange) UnmarshalJSON(data []byte) error {
	var m map[string]map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.old = m["-"]
	f.new = m["+"]
	return nil
}

type rawDatasetDiff struct {
	Meta    map[string]rawMetaChange `json:"meta"`
	Feature []rawFeatureChange       `json:"feature"`
}

type rawDocument struct {
	Patch struct {
		Message          string  `json:"message"`
		Base             *string `json:"base"`
		CRS              *string `json:"crs"`
		AuthorName       string  `json:"authorName"`
		AuthorEmail      string  `json:"authorEmail"`
		AuthorTime       *string `json:"authorTime"`
		AuthorTimeOffset string  `json:"authorTimeOffset"`
	} `json:"kart.patch/v1"`
	Diff map[string]rawDatasetDiff `json:"kart.diff/v1+hexwkb"`
}

// ParseDocument parses a patch document per §6's kart.patch/v1 +
// kart.diff/v1+hexwkb shape.
func ParseDocument(data []byte) (*Document, error) {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, karterrors.InvalidFileFormat.Wrap(err)
	}

	doc := &Document{
		Message:          raw.Patch.Message,
		Base:             raw.Patch.Base,
		CRS:              raw.Patch.CRS,
		AuthorName:       raw.Patch.AuthorName,
		AuthorEmail:      raw.Patch.AuthorEmail,
		AuthorTimeOffset: raw.Patch.AuthorTimeOffset,
		Diffs:            make(map[string]DatasetDiffDoc, len(raw.Diff)),
	}
	if raw.Patch.AuthorTime != nil {
		t, err := parseAuthorTime(*raw.Patch.AuthorTime)
		if err != nil {
			return nil, karterrors.InvalidFileFormat.Wrap(err)
		}
		doc.AuthorTime = &t
	}

	for path, rd := range raw.Diff {
		dd := DatasetDiffDoc{Meta: make(map[string]MetaChange, len(rd.Meta))}
		for name, mc := range rd.Meta {
			dd.Meta[name] = MetaChange{HasOld: mc.hasOld, Old: mc.old, HasNew: mc.hasNew, New: mc.new}
		}
		for _, fc := range rd.Feature {
			dd.Feature = append(dd.Feature, FeatureChange{Old: fc.old, New: fc.new})
		}
		doc.Diffs[path] = dd
	}
	return doc, nil
}

// parseAuthorTime accepts either RFC3339 (the idiomatic Go choice) or a
// bare Unix-seconds integer (the form Git itself stores commit timestamps
// in, which a patch generated by re-serializing a commit might carry
// through unchanged).
func parseAuthorTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if seconds, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, karterrors.InvalidFileFormat.New("authorTime %q is neither RFC3339 nor a Unix timestamp", s)
}

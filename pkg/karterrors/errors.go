// Package karterrors defines the error taxonomy shared across the dataset,
// diff, patch and envelope-index packages. Each class wraps errors the way
// github.com/zeebo/errs is used throughout storj/storj: a small set of
// sentinel classes that keep classifying correctly after further wrapping
// with fmt.Errorf("...: %w", err).
package karterrors

import "github.com/zeebo/errs"

var (
	// NotFound means an addressed object (dataset, feature, meta item,
	// commit) is absent locally.
	NotFound = errs.Class("not found")

	// Promised means the addressed object is absent locally but known to
	// exist remotely (partial clone).
	Promised = errs.Class("promised")

	// InvalidOperation means the input is well-formed but violates a
	// precondition (creating a dataset at a taken path, a PK change, etc).
	InvalidOperation = errs.Class("invalid operation")

	// NotYetImplemented means the input is recognized but unsupported by
	// this implementation (e.g. composite PKs on a legacy dataset).
	NotYetImplemented = errs.Class("not yet implemented")

	// PatchDoesNotApply means a precondition check failed while applying a
	// patch to a base tree.
	PatchDoesNotApply = errs.Class("patch does not apply")

	// SchemaViolation means a feature value violates its column's
	// constraints. Reported per-column, per-row; never aborts iteration.
	SchemaViolation = errs.Class("schema violation")

	// CannotIndex means an envelope could not be computed for a feature.
	// Indexing skips the feature rather than aborting the build.
	CannotIndex = errs.Class("cannot index")

	// CannotIndexDueToWrongCrs means CannotIndex was raised because the
	// candidate CRS transform produced an implausible (≥1000°-wide)
	// envelope, suggesting the wrong transform was tried.
	CannotIndexDueToWrongCrs = errs.Class("cannot index: wrong crs")

	// GeometryError means malformed WKT/WKB input.
	GeometryError = errs.Class("geometry error")

	// CrsError means a malformed or unresolvable CRS definition.
	CrsError = errs.Class("crs error")

	// InvalidFileFormat means unrecognized magic bytes or version in a
	// binary blob (geometry framing, envelope index rows, ...).
	InvalidFileFormat = errs.Class("invalid file format")
)

// Is reports whether err was produced (directly or via wrapping) by class.
func Is(err error, class *errs.Class) bool {
	return class.Has(err)
}

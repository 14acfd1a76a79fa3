package schema

// RoundtripContext lets a caller treat certain systematic type downgrades
// (e.g. numeric -> text, where a back-end can't store numeric) as
// non-changes during alignment. The default context treats any data-type
// change as real.
type RoundtripContext interface {
	// TypesEquivalent reports whether `from` and `to` should be treated
	// as the same type for alignment purposes.
	TypesEquivalent(from, to DataType) bool
}

type defaultRoundtripContext struct{}

func (defaultRoundtripContext) TypesEquivalent(from, to DataType) bool {
	return from == to
}

// DefaultRoundtripContext treats any data-type change as a real change.
var DefaultRoundtripContext RoundtripContext = defaultRoundtripContext{}

// ColumnMatch pairs a column from the old schema with its counterpart in
// the new schema, carrying the old column's id forward.
type ColumnMatch struct {
	OldIndex int
	NewIndex int
}

// Align matches columns of oldSchema against newSchema: first by
// name+type, then by position+type, so ids survive a rename *or* a
// reorder but not both at once (§4.3).
func Align(oldSchema, newSchema Schema, ctx RoundtripContext) []ColumnMatch {
	if ctx == nil {
		ctx = DefaultRoundtripContext
	}
	matchedOld := make(map[int]bool, len(oldSchema.Columns))
	matchedNew := make(map[int]bool, len(newSchema.Columns))
	var matches []ColumnMatch

	// Pass (a): match by name+type.
	for ni, nc := range newSchema.Columns {
		for oi, oc := range oldSchema.Columns {
			if matchedOld[oi] || matchedNew[ni] {
				continue
			}
			if oc.Name == nc.Name && ctx.TypesEquivalent(oc.DataType, nc.DataType) {
				matches = append(matches, ColumnMatch{OldIndex: oi, NewIndex: ni})
				matchedOld[oi] = true
				matchedNew[ni] = true
			}
		}
	}

	// Pass (b): match remaining columns by position+type.
	for ni, nc := range newSchema.Columns {
		if matchedNew[ni] {
			continue
		}
		if ni >= len(oldSchema.Columns) {
			continue
		}
		oi := ni
		if matchedOld[oi] {
			continue
		}
		oc := oldSchema.Columns[oi]
		if ctx.TypesEquivalent(oc.DataType, nc.DataType) {
			matches = append(matches, ColumnMatch{OldIndex: oi, NewIndex: ni})
			matchedOld[oi] = true
			matchedNew[ni] = true
		}
	}

	return matches
}

// ApplyAlignment returns a copy of newSchema with matched columns'
// ids replaced by their aligned old-schema counterpart, so ids stay
// stable across the rename/reorder the alignment detected.
func ApplyAlignment(oldSchema, newSchema Schema, matches []ColumnMatch) Schema {
	out := Schema{Columns: append([]ColumnSchema(nil), newSchema.Columns...)}
	for _, m := range matches {
		out.Columns[m.NewIndex].ID = oldSchema.Columns[m.OldIndex].ID
	}
	return out
}

package schema

import (
	"fmt"
	"regexp"
)

var (
	dateRe      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timeRe      = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}(\.\d+)?Z?$`)
	timestampRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?Z?$`)
	intervalRe  = regexp.MustCompile(`^P(\d+Y)?(\d+M)?(\d+D)?(T(\d+H)?(\d+M)?(\d+(\.\d+)?S)?)?$`)
)

// ValidationError reports a single column's offending value, truncated
// for display, without stopping iteration over the rest of the row.
type ValidationError struct {
	ColumnName string
	Value      string
	Reason     string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("column %q: %s (value: %s)", e.ColumnName, e.Reason, e.Value)
}

const truncateAt = 80

func truncate(s string) string {
	if len(s) <= truncateAt {
		return s
	}
	return s[:truncateAt] + "..."
}

// ValidateValue checks a single column value against its data_type's
// constraints (§4.3). It returns a ValidationError describing the
// violation, or nil if the value is acceptable; it never stops the
// caller from continuing to the next column.
func ValidateValue(col ColumnSchema, value interface{}) *ValidationError {
	if value == nil {
		return nil
	}
	switch col.DataType {
	case DataTypeDate:
		return validatePattern(col, value, dateRe, "does not match YYYY-MM-DD")
	case DataTypeTime:
		return validatePattern(col, value, timeRe, "does not match hh:mm:ss[.fff][Z]")
	case DataTypeTimestamp:
		return validatePattern(col, value, timestampRe, "does not match ISO-8601 timestamp")
	case DataTypeInterval:
		return validatePattern(col, value, intervalRe, "does not match an ISO-8601 duration")
	case DataTypeText:
		s, ok := value.(string)
		if !ok {
			return &ValidationError{col.Name, truncate(fmt.Sprint(value)), "not a string"}
		}
		if col.Length != nil && len([]rune(s)) > *col.Length {
			return &ValidationError{col.Name, truncate(s), fmt.Sprintf("exceeds maximum length of %d characters", *col.Length)}
		}
	case DataTypeBlob:
		b, ok := value.([]byte)
		if !ok {
			return &ValidationError{col.Name, truncate(fmt.Sprint(value)), "not a byte string"}
		}
		if col.Length != nil && len(b) > *col.Length {
			return &ValidationError{col.Name, truncate(fmt.Sprintf("%x", b)), fmt.Sprintf("exceeds maximum length of %d bytes", *col.Length)}
		}
	case DataTypeInteger:
		return validateIntegerSize(col, value)
	}
	return nil
}

func validatePattern(col ColumnSchema, value interface{}, re *regexp.Regexp, reason string) *ValidationError {
	s, ok := value.(string)
	if !ok {
		return &ValidationError{col.Name, truncate(fmt.Sprint(value)), "not a string"}
	}
	if !re.MatchString(s) {
		return &ValidationError{col.Name, truncate(s), reason}
	}
	return nil
}

func validateIntegerSize(col ColumnSchema, value interface{}) *ValidationError {
	var v int64
	switch n := value.(type) {
	case int64:
		v = n
	case int:
		v = int64(n)
	case int32:
		v = int64(n)
	default:
		return &ValidationError{col.Name, truncate(fmt.Sprint(value)), "not an integer"}
	}
	if col.Size == nil {
		return nil
	}
	bits := *col.Size
	min := -(int64(1) << (bits - 1))
	max := (int64(1) << (bits - 1)) - 1
	if v < min || v > max {
		return &ValidationError{col.Name, fmt.Sprint(v), fmt.Sprintf("does not fit in a signed %d-bit integer", bits)}
	}
	return nil
}

package types

import (
	"fmt"
	"sort"
	"time"
)

// TimeField is the reserved field name carrying a measurement's timestamp.
// It participates in new-field tracking like any data field.
const TimeField = "time"

// Measurement represents a single time-series record.
// This is the primary data unit flowing into the bucket catalog.
type Measurement struct {
	// Time is the measurement timestamp.
	Time time.Time

	// Fields holds the data fields by name. Values are restricted to
	// float64, int64, bool, and string; see ValidateFieldValue.
	// The time field is implicit and must not appear here.
	Fields map[string]any
}

// NewMeasurement creates a measurement with the given timestamp.
func NewMeasurement(ts time.Time) Measurement {
	return Measurement{Time: ts, Fields: make(map[string]any)}
}

// Set assigns a data field, returning the measurement for chaining.
func (m Measurement) Set(name string, value any) Measurement {
	m.Fields[name] = value
	return m
}

// FieldNames returns the field names of this measurement including the
// implicit time field, sorted for deterministic iteration.
func (m Measurement) FieldNames() []string {
	names := make([]string, 0, len(m.Fields)+1)
	names = append(names, TimeField)
	for name := range m.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that the measurement carries a timestamp and only
// supported field value types.
func (m Measurement) Validate() error {
	if m.Time.IsZero() {
		return fmt.Errorf("measurement has no timestamp")
	}
	for name, v := range m.Fields {
		if name == "" {
			return fmt.Errorf("measurement has an empty field name")
		}
		if name == TimeField {
			return fmt.Errorf("field name %q is reserved", TimeField)
		}
		if err := ValidateFieldValue(v); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}

// ValidateFieldValue checks that v is one of the supported scalar types.
func ValidateFieldValue(v any) error {
	switch v.(type) {
	case float64, int64, bool, string:
		return nil
	default:
		return fmt.Errorf("unsupported field value type %T", v)
	}
}

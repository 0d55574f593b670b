// Package schema defines the canonical record shape and the field-level
// transform/validation rules applied between fetch and persist.
package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldType enumerates the supported canonical field types.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeTime   FieldType = "time"
)

// FieldSpec describes one target column and its source mapping.
type FieldSpec struct {
	// Name is the target column name.
	Name string `yaml:"name"`
	// Source is the raw record field to read; defaults to Name.
	Source string `yaml:"source,omitempty"`
	// Type is the canonical type the raw value is coerced to.
	Type FieldType `yaml:"type"`
	// Required rejects records where the value is missing or null.
	Required bool `yaml:"required,omitempty"`
	// MaxLen rejects string values longer than this many characters (0 = unlimited).
	MaxLen int `yaml:"max_len,omitempty"`
}

// SourceField returns the raw field name this spec reads from.
func (f *FieldSpec) SourceField() string {
	if f.Source != "" {
		return f.Source
	}
	return f.Name
}

// EntitySpec describes one entity (record category) within a source:
// its target table, conflict key, and field mappings.
type EntitySpec struct {
	Name       string   `yaml:"name"`
	Table      string   `yaml:"table"`
	KeyColumns []string `yaml:"key_columns"`
	// ModifiedField names the raw field carrying the record's last-modified
	// timestamp. Optional; adapters use it to honor incremental watermarks.
	ModifiedField string      `yaml:"modified_field,omitempty"`
	Fields        []FieldSpec `yaml:"fields"`
}

// Validate checks the spec for structural problems. Called at config load
// and at schedule save time, never during a run.
func (e *EntitySpec) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("entity name is required")
	}
	if e.Table == "" {
		return fmt.Errorf("entity %s: target table is required", e.Name)
	}
	if len(e.KeyColumns) == 0 {
		return fmt.Errorf("entity %s: at least one key column is required", e.Name)
	}
	byName := make(map[string]bool, len(e.Fields))
	for i := range e.Fields {
		f := &e.Fields[i]
		if f.Name == "" {
			return fmt.Errorf("entity %s: field %d has no name", e.Name, i)
		}
		if byName[f.Name] {
			return fmt.Errorf("entity %s: duplicate field %s", e.Name, f.Name)
		}
		byName[f.Name] = true
		switch f.Type {
		case TypeString, TypeInt, TypeFloat, TypeBool, TypeTime:
		case "":
			f.Type = TypeString
		default:
			return fmt.Errorf("entity %s: field %s has unknown type %q", e.Name, f.Name, f.Type)
		}
	}
	for _, k := range e.KeyColumns {
		if !byName[k] {
			return fmt.Errorf("entity %s: key column %s is not a declared field", e.Name, k)
		}
	}
	return nil
}

// Columns returns the target column names in declaration order.
func (e *EntitySpec) Columns() []string {
	cols := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		cols[i] = f.Name
	}
	return cols
}

// RawRecord is one record as produced by a source adapter.
type RawRecord map[string]any

// Record is the canonical persistable shape: typed values aligned with the
// entity's field declaration order, plus the source-side identifier used
// in diagnostics.
type Record struct {
	SourceID string
	Values   []any
}

// FieldError describes a single record failing a field-level rule, with
// enough context to locate the offending record at the source.
type FieldError struct {
	RecordID string
	Field    string
	Reason   string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("record %s: field %s: %s", e.RecordID, e.Field, e.Reason)
}

// Transform converts a raw record into the canonical shape and validates
// it against the field rules. A non-empty error list means the record is
// excluded from its batch; errors never abort the batch.
func (e *EntitySpec) Transform(raw RawRecord) (Record, []FieldError) {
	rec := Record{Values: make([]any, len(e.Fields))}
	var errs []FieldError

	// Resolve the source id first so every FieldError can carry it.
	rec.SourceID = e.sourceID(raw)

	for i := range e.Fields {
		f := &e.Fields[i]
		rawVal, present := raw[f.SourceField()]
		if !present || rawVal == nil {
			if f.Required {
				errs = append(errs, FieldError{RecordID: rec.SourceID, Field: f.Name, Reason: "required value is missing"})
			}
			rec.Values[i] = nil
			continue
		}

		val, err := coerce(rawVal, f.Type)
		if err != nil {
			errs = append(errs, FieldError{RecordID: rec.SourceID, Field: f.Name, Reason: err.Error()})
			continue
		}

		if f.MaxLen > 0 {
			if s, ok := val.(string); ok && len(s) > f.MaxLen {
				errs = append(errs, FieldError{
					RecordID: rec.SourceID,
					Field:    f.Name,
					Reason:   fmt.Sprintf("value length %d exceeds maximum %d", len(s), f.MaxLen),
				})
				continue
			}
		}

		rec.Values[i] = val
	}

	return rec, errs
}

// sourceID joins the raw values of the key columns. Falls back to "?" so
// diagnostics for keyless records are still emitted.
func (e *EntitySpec) sourceID(raw RawRecord) string {
	parts := make([]string, 0, len(e.KeyColumns))
	for _, k := range e.KeyColumns {
		src := k
		for i := range e.Fields {
			if e.Fields[i].Name == k {
				src = e.Fields[i].SourceField()
				break
			}
		}
		if v, ok := raw[src]; ok && v != nil {
			parts = append(parts, fmt.Sprintf("%v", v))
		}
	}
	if len(parts) == 0 {
		return "?"
	}
	return strings.Join(parts, "/")
}

// coerce converts a raw value to the canonical Go type for a FieldType.
func coerce(v any, t FieldType) (any, error) {
	switch t {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		default:
			return fmt.Sprintf("%v", x), nil
		}
	case TypeInt:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int64:
			return x, nil
		case float64:
			if x != float64(int64(x)) {
				return nil, fmt.Errorf("value %v is not an integer", x)
			}
			return int64(x), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("value %q is not an integer", x)
			}
			return n, nil
		default:
			return nil, fmt.Errorf("value %v (%T) is not an integer", v, v)
		}
	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("value %q is not a number", x)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("value %v (%T) is not a number", v, v)
		}
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("value %q is not a boolean", x)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("value %v (%T) is not a boolean", v, v)
		}
	case TypeTime:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case string:
			for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
				if ts, err := time.Parse(layout, x); err == nil {
					return ts, nil
				}
			}
			return nil, fmt.Errorf("value %q is not a timestamp", x)
		default:
			return nil, fmt.Errorf("value %v (%T) is not a timestamp", v, v)
		}
	default:
		return nil, fmt.Errorf("unknown field type %q", t)
	}
}

package schema

import (
	"strings"
	"testing"
	"time"
)

func contactSpec() *EntitySpec {
	return &EntitySpec{
		Name:          "contacts",
		Table:         "contacts",
		KeyColumns:    []string{"id"},
		ModifiedField: "updated_at",
		Fields: []FieldSpec{
			{Name: "id", Type: TypeInt, Required: true},
			{Name: "email", Type: TypeString, Required: true, MaxLen: 50},
			{Name: "full_name", Source: "name", Type: TypeString},
			{Name: "score", Type: TypeFloat},
			{Name: "active", Type: TypeBool},
			{Name: "updated_at", Type: TypeTime},
		},
	}
}

func TestEntitySpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*EntitySpec)
		wantErr string
	}{
		{"valid", func(e *EntitySpec) {}, ""},
		{"missing name", func(e *EntitySpec) { e.Name = "" }, "name is required"},
		{"missing table", func(e *EntitySpec) { e.Table = "" }, "table is required"},
		{"no key columns", func(e *EntitySpec) { e.KeyColumns = nil }, "key column"},
		{"key column not a field", func(e *EntitySpec) { e.KeyColumns = []string{"missing"} }, "not a declared field"},
		{"duplicate field", func(e *EntitySpec) {
			e.Fields = append(e.Fields, FieldSpec{Name: "id", Type: TypeInt})
		}, "duplicate field"},
		{"unknown type", func(e *EntitySpec) { e.Fields[0].Type = "blob" }, "unknown type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := contactSpec()
			tt.mutate(spec)
			err := spec.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDefaultsEmptyTypeToString(t *testing.T) {
	spec := contactSpec()
	spec.Fields[2].Type = ""
	if err := spec.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if spec.Fields[2].Type != TypeString {
		t.Fatalf("empty type = %q, want string", spec.Fields[2].Type)
	}
}

func TestTransform(t *testing.T) {
	spec := contactSpec()
	raw := RawRecord{
		"id":         "42",
		"email":      "ana@example.com",
		"name":       "Ana",
		"score":      "3.5",
		"active":     "true",
		"updated_at": "2026-02-10T08:30:00Z",
	}

	rec, errs := spec.Transform(raw)
	if len(errs) != 0 {
		t.Fatalf("Transform() errors: %v", errs)
	}
	if rec.SourceID != "42" {
		t.Errorf("SourceID = %q, want %q", rec.SourceID, "42")
	}
	if got := rec.Values[0]; got != int64(42) {
		t.Errorf("id = %v (%T), want int64 42", got, got)
	}
	if got := rec.Values[2]; got != "Ana" {
		t.Errorf("full_name = %v, want Ana", got)
	}
	if got := rec.Values[3]; got != 3.5 {
		t.Errorf("score = %v, want 3.5", got)
	}
	if got := rec.Values[4]; got != true {
		t.Errorf("active = %v, want true", got)
	}
	want := time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)
	if got, ok := rec.Values[5].(time.Time); !ok || !got.Equal(want) {
		t.Errorf("updated_at = %v, want %v", rec.Values[5], want)
	}
}

func TestTransformFieldErrors(t *testing.T) {
	spec := contactSpec()

	tests := []struct {
		name      string
		raw       RawRecord
		wantField string
		wantWord  string
	}{
		{
			name:      "missing required",
			raw:       RawRecord{"id": 1, "name": "Bo"},
			wantField: "email",
			wantWord:  "missing",
		},
		{
			name:      "null required",
			raw:       RawRecord{"id": 1, "email": nil},
			wantField: "email",
			wantWord:  "missing",
		},
		{
			name:      "over max length",
			raw:       RawRecord{"id": 1, "email": strings.Repeat("x", 51)},
			wantField: "email",
			wantWord:  "exceeds maximum",
		},
		{
			name:      "bad int",
			raw:       RawRecord{"id": "forty-two", "email": "a@b.c"},
			wantField: "id",
			wantWord:  "not an integer",
		},
		{
			name:      "bad timestamp",
			raw:       RawRecord{"id": 1, "email": "a@b.c", "updated_at": "yesterday"},
			wantField: "updated_at",
			wantWord:  "not a timestamp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := spec.Transform(tt.raw)
			if len(errs) != 1 {
				t.Fatalf("Transform() errors = %v, want exactly one", errs)
			}
			if errs[0].Field != tt.wantField {
				t.Errorf("error field = %q, want %q", errs[0].Field, tt.wantField)
			}
			if !strings.Contains(errs[0].Reason, tt.wantWord) {
				t.Errorf("reason = %q, want containing %q", errs[0].Reason, tt.wantWord)
			}
		})
	}
}

func TestTransformMultipleErrorsOneRecord(t *testing.T) {
	spec := contactSpec()
	raw := RawRecord{"id": "nope", "score": "high"}

	_, errs := spec.Transform(raw)
	// id unparseable, email missing, score unparseable.
	if len(errs) != 3 {
		t.Fatalf("Transform() errors = %d, want 3: %v", len(errs), errs)
	}
}

func TestSourceIDCompositeAndFallback(t *testing.T) {
	spec := &EntitySpec{
		Name:       "order_lines",
		Table:      "order_lines",
		KeyColumns: []string{"order_id", "line"},
		Fields: []FieldSpec{
			{Name: "order_id", Type: TypeInt},
			{Name: "line", Type: TypeInt},
		},
	}

	rec, _ := spec.Transform(RawRecord{"order_id": 7, "line": 2})
	if rec.SourceID != "7/2" {
		t.Errorf("composite SourceID = %q, want 7/2", rec.SourceID)
	}

	rec, _ = spec.Transform(RawRecord{})
	if rec.SourceID != "?" {
		t.Errorf("keyless SourceID = %q, want ?", rec.SourceID)
	}
}

func TestCoerceIntFromFloat(t *testing.T) {
	if v, err := coerce(float64(7), TypeInt); err != nil || v != int64(7) {
		t.Fatalf("coerce(7.0) = %v, %v; want int64 7", v, err)
	}
	if _, err := coerce(7.5, TypeInt); err == nil {
		t.Fatal("coerce(7.5) should reject fractional values")
	}
}

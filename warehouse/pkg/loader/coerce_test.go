package loader

import (
	"testing"
	"time"
)

func TestCoerceValue(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		chType  string
		want    any
		wantErr bool
	}{
		{name: "string", raw: "INC0010001", chType: "String", want: "INC0010001"},
		{name: "low cardinality string", raw: "1 - Critical", chType: "LowCardinality(String)", want: "1 - Critical"},
		{name: "enum", raw: "hardware", chType: "Enum8('hardware' = 1, 'software' = 2)", want: "hardware"},
		{name: "datetime space layout", raw: "2026-03-14 09:26:53", chType: "DateTime('UTC')", want: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)},
		{name: "datetime rfc3339", raw: "2026-03-14T09:26:53Z", chType: "DateTime", want: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)},
		{name: "datetime date only", raw: "2026-03-14", chType: "DateTime('UTC')", want: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)},
		{name: "empty datetime is epoch", raw: "", chType: "DateTime('UTC')", want: time.Unix(0, 0).UTC()},
		{name: "bad datetime", raw: "last tuesday", chType: "DateTime('UTC')", wantErr: true},
		{name: "date", raw: "2026-03-14", chType: "Date", want: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)},
		{name: "uint32", raw: "2", chType: "UInt32", want: uint32(2)},
		{name: "empty uint32 is zero", raw: "", chType: "UInt32", want: uint32(0)},
		{name: "uint64", raw: "18446744073709551615", chType: "UInt64", want: uint64(18446744073709551615)},
		{name: "negative uint", raw: "-1", chType: "UInt32", wantErr: true},
		{name: "int64", raw: "-42", chType: "Int64", want: int64(-42)},
		{name: "float64", raw: "2.5", chType: "Float64", want: 2.5},
		{name: "float32", raw: "2.5", chType: "Float32", want: float32(2.5)},
		{name: "bool true", raw: "true", chType: "Bool", want: true},
		{name: "bool yes", raw: "Yes", chType: "Bool", want: true},
		{name: "bool empty is false", raw: "", chType: "Bool", want: false},
		{name: "nullable empty is nil", raw: "", chType: "Nullable(String)", want: nil},
		{name: "nullable present", raw: "x", chType: "Nullable(String)", want: "x"},
		{name: "nullable datetime", raw: "2026-03-14 09:26:53", chType: "Nullable(DateTime('UTC'))", want: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)},
		{name: "unsupported type", raw: "x", chType: "Array(String)", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := coerceValue(tt.raw, tt.chType)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("coerceValue(%q, %q) succeeded, want error", tt.raw, tt.chType)
				}
				return
			}
			if err != nil {
				t.Fatalf("coerceValue(%q, %q) failed: %v", tt.raw, tt.chType, err)
			}
			if got != tt.want {
				t.Errorf("coerceValue(%q, %q) = %v (%T), want %v (%T)", tt.raw, tt.chType, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestMapHeader(t *testing.T) {
	byName := map[string]column{
		"number":   {Name: "number", Type: "String"},
		"state":    {Name: "state", Type: "LowCardinality(String)"},
		"priority": {Name: "priority", Type: "LowCardinality(String)"},
	}

	var skipped []string
	fields := mapHeader([]string{"number", "made_up", " state "}, byName, func(name string) {
		skipped = append(skipped, name)
	})

	if len(fields) != 2 {
		t.Fatalf("got %d mapped fields, want 2", len(fields))
	}
	if fields[0].idx != 0 || fields[0].col.Name != "number" {
		t.Errorf("field 0 = %+v, want idx 0 mapping number", fields[0])
	}
	if fields[1].idx != 2 || fields[1].col.Name != "state" {
		t.Errorf("field 1 = %+v, want idx 2 mapping state", fields[1])
	}
	if len(skipped) != 1 || skipped[0] != "made_up" {
		t.Errorf("skipped = %v, want [made_up]", skipped)
	}
}

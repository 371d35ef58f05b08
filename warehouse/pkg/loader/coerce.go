package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// timeLayouts are tried in order when parsing timestamp fields. Ticketing
// exports use "2006-01-02 15:04:05"; the rest cover hand-built files.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// coerceValue converts a raw CSV field to the Go value the native protocol
// expects for the given ClickHouse column type. Empty fields become the
// type's zero value (nil for Nullable columns).
func coerceValue(raw string, chType string) (any, error) {
	if inner, ok := unwrap(chType, "Nullable"); ok {
		if raw == "" {
			return nil, nil
		}
		return coerceValue(raw, inner)
	}
	if inner, ok := unwrap(chType, "LowCardinality"); ok {
		return coerceValue(raw, inner)
	}

	switch {
	case chType == "String" || strings.HasPrefix(chType, "FixedString(") || strings.HasPrefix(chType, "Enum"):
		return raw, nil

	case strings.HasPrefix(chType, "DateTime"):
		if raw == "" {
			return time.Unix(0, 0).UTC(), nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("cannot parse %q as %s", raw, chType)

	case chType == "Date" || chType == "Date32":
		if raw == "" {
			return time.Unix(0, 0).UTC(), nil
		}
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as %s: %w", raw, chType, err)
		}
		return t, nil

	case chType == "UInt8" || chType == "UInt16" || chType == "UInt32" || chType == "UInt64":
		if raw == "" {
			raw = "0"
		}
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as %s: %w", raw, chType, err)
		}
		switch chType {
		case "UInt8":
			return uint8(v), nil
		case "UInt16":
			return uint16(v), nil
		case "UInt32":
			return uint32(v), nil
		default:
			return v, nil
		}

	case chType == "Int8" || chType == "Int16" || chType == "Int32" || chType == "Int64":
		if raw == "" {
			raw = "0"
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as %s: %w", raw, chType, err)
		}
		switch chType {
		case "Int8":
			return int8(v), nil
		case "Int16":
			return int16(v), nil
		case "Int32":
			return int32(v), nil
		default:
			return v, nil
		}

	case chType == "Float32" || chType == "Float64":
		if raw == "" {
			raw = "0"
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as %s: %w", raw, chType, err)
		}
		if chType == "Float32" {
			return float32(v), nil
		}
		return v, nil

	case chType == "Bool":
		switch strings.ToLower(raw) {
		case "true", "1", "yes", "y":
			return true, nil
		case "false", "0", "no", "n", "":
			return false, nil
		}
		return nil, fmt.Errorf("cannot parse %q as Bool", raw)
	}

	return nil, fmt.Errorf("unsupported column type %s", chType)
}

// unwrap strips a single wrapper like Nullable(...) or LowCardinality(...).
func unwrap(chType, wrapper string) (string, bool) {
	prefix := wrapper + "("
	if strings.HasPrefix(chType, prefix) && strings.HasSuffix(chType, ")") {
		return chType[len(prefix) : len(chType)-1], true
	}
	return "", false
}

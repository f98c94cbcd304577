package types

import "strconv"

// NumField returns the first present numeric field among keys, or def.
// String fields that parse as numbers count; boolean fields map to 0/1.
// A nil sample returns def, which keeps fallback chains total.
func (m *MetricSample) NumField(def float64, keys ...string) float64 {
	if m == nil {
		return def
	}
	for _, k := range keys {
		v, ok := m.Fields[k]
		if !ok {
			continue
		}
		switch v.Kind {
		case FieldNumber:
			return v.Num
		case FieldBool:
			if v.Bool {
				return 1
			}
			return 0
		case FieldString:
			if n, err := strconv.ParseFloat(v.Str, 64); err == nil {
				return n
			}
		}
	}
	return def
}

// BoolField returns the first present truthy-convertible field among keys,
// or def. Numbers are truthy when non-zero; strings when "true"/"1"/"on".
func (m *MetricSample) BoolField(def bool, keys ...string) bool {
	if m == nil {
		return def
	}
	for _, k := range keys {
		v, ok := m.Fields[k]
		if !ok {
			continue
		}
		switch v.Kind {
		case FieldBool:
			return v.Bool
		case FieldNumber:
			return v.Num != 0
		case FieldString:
			switch v.Str {
			case "true", "True", "TRUE", "1", "on", "On":
				return true
			case "false", "False", "FALSE", "0", "off", "Off":
				return false
			}
		}
	}
	return def
}

// StrField returns the first present string field among keys, or def.
func (m *MetricSample) StrField(def string, keys ...string) string {
	if m == nil {
		return def
	}
	for _, k := range keys {
		if v, ok := m.Fields[k]; ok && v.Kind == FieldString {
			return v.Str
		}
	}
	return def
}

// HasField reports whether any of the keys is present.
func (m *MetricSample) HasField(keys ...string) bool {
	if m == nil {
		return false
	}
	for _, k := range keys {
		if _, ok := m.Fields[k]; ok {
			return true
		}
	}
	return false
}

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// IsYAML reports whether path names a YAML file by extension.
func IsYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// DecodeStrict decodes data into v, picking the format from path's
// extension. Unknown fields and trailing data are rejected in both formats.
func DecodeStrict(path string, data []byte, v any) error {
	jb, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%s decode: %w", format, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("%s decode: trailing data", format)
		}
		return fmt.Errorf("%s decode: %w", format, err)
	}
	return nil
}

// coerceToJSONBytes converts YAML to JSON bytes so both formats share the
// strict JSON decoder. Returns (jsonBytes, format, err) where format is
// "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	if !IsYAML(path) {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	// An empty YAML document decodes to nil; treat it as an empty mapping.
	if v == nil {
		return []byte("null"), "yaml", nil
	}

	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

// MarshalFor encodes v in the format implied by path's extension.
// JSON output is indented; YAML goes through JSON first so json tags apply.
func MarshalFor(path string, v any) ([]byte, error) {
	jb, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	if !IsYAML(path) {
		return append(jb, '\n'), nil
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return yaml.Marshal(jsonNumbers(generic))
}

// jsonNumbers turns json.Number values into int64/float64 so yaml emits
// them unquoted.
func jsonNumbers(in any) any {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			x[k] = jsonNumbers(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = jsonNumbers(x[i])
		}
		return x
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	default:
		return in
	}
}

package search

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Field types the adapters translate. Other types are kept as given: engines
// that take the mapping body as is (Elasticsearch) decide for themselves, and
// adapters that translate fields reject them in PutMapping.
const (
	FieldText     = "text"
	FieldKeyword  = "keyword"
	FieldDate     = "date"
	FieldLong     = "long"
	FieldInteger  = "integer"
	FieldShort    = "short"
	FieldByte     = "byte"
	FieldDouble   = "double"
	FieldFloat    = "float"
	FieldBoolean  = "boolean"
	FieldIP       = "ip"
	FieldGeoPoint = "geo_point"
	FieldObject   = "object"
	FieldNested   = "nested"
)

// Field is one property of a Mapping.
type Field struct {
	Type       string
	Analyzer   string
	Format     string
	Index      bool
	Properties map[string]*Field
}

// IsNumeric reports whether the field holds numbers.
func (f *Field) IsNumeric() bool {
	switch f.Type {
	case FieldLong, FieldInteger, FieldShort, FieldByte, FieldDouble, FieldFloat:
		return true
	}
	return false
}

// IsObject reports whether the field nests other properties.
func (f *Field) IsObject() bool {
	return f.Type == FieldObject || f.Type == FieldNested || (f.Type == "" && len(f.Properties) > 0)
}

// Mapping is the schema applied to an index at creation time. It is parsed
// from an Elasticsearch-style definition:
//
//	{"mappings": {"properties": {...}}}
//	{"mappings": {"<kind>": {"properties": {...}}}}
//
// The raw body is kept so engines that accept the native format receive
// options this package does not model (ignore_above, multi-fields, ...).
type Mapping struct {
	Dynamic    *bool
	Properties map[string]*Field

	body map[string]any
}

// Body returns the mapping in Elasticsearch put-mapping form.
func (m *Mapping) Body() map[string]any {
	return m.body
}

// Paths returns every leaf field as a dotted path, sorted.
func (m *Mapping) Paths() []string {
	var paths []string
	var walk func(prefix string, props map[string]*Field)
	walk = func(prefix string, props map[string]*Field) {
		for name, f := range props {
			if f.IsObject() {
				walk(prefix+name+".", f.Properties)
				continue
			}
			paths = append(paths, prefix+name)
		}
	}
	walk("", m.Properties)
	sort.Strings(paths)
	return paths
}

// Lookup returns the field at a dotted path.
func (m *Mapping) Lookup(path string) (*Field, bool) {
	props := m.Properties
	parts := strings.Split(path, ".")
	for i, part := range parts {
		f, ok := props[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return f, true
		}
		props = f.Properties
	}
	return nil, false
}

// LoadMapping reads a schema file (JSON or YAML) and parses its top-level
// "mappings" definition for documents of the given kind.
func LoadMapping(fs afero.Fs, path, kind string) (*Mapping, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &Error{
			Op:  "LoadMapping",
			Err: ErrInvalidMapping,
			Msg: fmt.Sprintf("%s: %v", filepath.Base(path), err),
		}
	}

	return ParseMapping(doc, kind)
}

// ParseMapping parses a decoded schema document.
func ParseMapping(doc map[string]any, kind string) (*Mapping, error) {
	raw, ok := doc["mappings"]
	if !ok {
		return nil, &Error{Op: "ParseMapping", Err: ErrInvalidMapping, Msg: `missing top-level "mappings"`}
	}
	mappings, ok := asMap(raw)
	if !ok {
		return nil, &Error{Op: "ParseMapping", Err: ErrInvalidMapping, Msg: `"mappings" must be an object`}
	}

	body, err := selectTypeMapping(mappings, kind)
	if err != nil {
		return nil, err
	}

	m := &Mapping{body: body}

	if d, ok := body["dynamic"]; ok {
		dynamic := true
		switch v := d.(type) {
		case bool:
			dynamic = v
		case string:
			dynamic = v == "true"
		}
		m.Dynamic = &dynamic
	}

	props, err := parseProperties(body["properties"], "")
	if err != nil {
		return nil, err
	}
	m.Properties = props

	return m, nil
}

// selectTypeMapping accepts both the typeless form and the legacy form keyed
// by document type.
func selectTypeMapping(mappings map[string]any, kind string) (map[string]any, error) {
	if _, ok := mappings["properties"]; ok {
		return mappings, nil
	}

	if typed, ok := asMap(mappings[kind]); ok {
		return typed, nil
	}

	if len(mappings) == 1 {
		for _, v := range mappings {
			if typed, ok := asMap(v); ok {
				if _, ok := typed["properties"]; ok {
					return typed, nil
				}
			}
		}
	}

	return nil, &Error{
		Op:  "ParseMapping",
		Err: ErrInvalidMapping,
		Msg: fmt.Sprintf("no properties found for kind %q", kind),
	}
}

func parseProperties(raw any, prefix string) (map[string]*Field, error) {
	if raw == nil {
		return map[string]*Field{}, nil
	}
	props, ok := asMap(raw)
	if !ok {
		return nil, &Error{Op: "ParseMapping", Err: ErrInvalidMapping, Msg: prefix + "properties must be an object"}
	}

	fields := make(map[string]*Field, len(props))
	for name, v := range props {
		def, ok := asMap(v)
		if !ok {
			return nil, &Error{Op: "ParseMapping", Err: ErrInvalidMapping, Msg: fmt.Sprintf("field %s%s must be an object", prefix, name)}
		}

		f := &Field{Index: true}
		f.Type, _ = def["type"].(string)
		f.Analyzer, _ = def["analyzer"].(string)
		f.Format, _ = def["format"].(string)
		if idx, ok := def["index"].(bool); ok {
			f.Index = idx
		}

		if sub, ok := def["properties"]; ok {
			children, err := parseProperties(sub, prefix+name+".")
			if err != nil {
				return nil, err
			}
			f.Properties = children
		}

		if f.Type == "" && f.Properties == nil {
			return nil, &Error{Op: "ParseMapping", Err: ErrInvalidMapping, Msg: fmt.Sprintf("field %s%s has no type", prefix, name)}
		}

		fields[name] = f
	}

	return fields, nil
}

// asMap normalizes decoded objects; yaml.v3 yields map[string]any but older
// decoders and hand-built fixtures may use map[any]any.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Record:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

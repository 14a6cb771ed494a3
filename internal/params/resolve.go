// Package params declares, parses and resolves notebook page parameters.
// Resolved values have one canonical query-string form per page instance.
package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Schemas is an ordered mapping of parameter name to schema. Declaration
// order is kept for display; resolution output is always sorted by name.
type Schemas struct {
	names  []string
	byName map[string]Schema
}

// NewSchemas builds a mapping from name/schema pairs in declaration order.
func NewSchemas() *Schemas {
	return &Schemas{byName: map[string]Schema{}}
}

// Set adds or replaces a parameter. Names are validated; the schema is
// validated as a whole.
func (s *Schemas) Set(name string, schema Schema) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := schema.Validate(); err != nil {
		return fmt.Errorf("parameter %s: %w", name, err)
	}
	if s.byName == nil {
		s.byName = map[string]Schema{}
	}
	if _, exists := s.byName[name]; !exists {
		s.names = append(s.names, name)
	}
	s.byName[name] = schema
	return nil
}

func (s *Schemas) Get(name string) (Schema, bool) {
	if s == nil {
		return Schema{}, false
	}
	schema, ok := s.byName[name]
	return schema, ok
}

func (s *Schemas) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

// Names returns parameter names in declaration order.
func (s *Schemas) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.names...)
}

func (s *Schemas) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range s.Names() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(s.byName[name])
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (s *Schemas) UnmarshalJSON(data []byte) error {
	out := NewSchemas()
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = *out
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("parameters must be a JSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var schema Schema
		if err := dec.Decode(&schema); err != nil {
			return fmt.Errorf("parameter %s: %w", name, err)
		}
		if err := out.Set(name, schema); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = *out
	return nil
}

// Values is a resolved, canonical set of parameter values.
type Values struct {
	names []string
	byKey map[string]Value
	query string
}

// NewValues builds a Values from a map, computing its canonical
// serialization.
func NewValues(m map[string]Value) Values {
	names := make([]string, 0, len(m))
	byKey := make(map[string]Value, len(m))
	for k, v := range m {
		names = append(names, k)
		byKey[k] = v
	}
	sort.Strings(names)
	vals := Values{names: names, byKey: byKey}
	vals.query = vals.encode()
	return vals
}

// Names returns parameter names in lexicographic order.
func (v Values) Names() []string { return append([]string(nil), v.names...) }

func (v Values) Get(name string) (Value, bool) {
	val, ok := v.byKey[name]
	return val, ok
}

func (v Values) Len() int { return len(v.names) }

// QueryString is the canonical serialization: keys sorted, each value in
// its per-kind canonical form, NFC-normalized and URL-encoded.
func (v Values) QueryString() string { return v.query }

func (v Values) encode() string {
	q := url.Values{}
	for _, name := range v.names {
		q.Set(norm.NFC.String(name), norm.NFC.String(v.byKey[name].Canonical()))
	}
	return q.Encode()
}

// JSON returns the values keyed by name in their JSON form.
func (v Values) JSON() map[string]any {
	out := make(map[string]any, len(v.names))
	for _, name := range v.names {
		out[name] = v.byKey[name].JSON()
	}
	return out
}

// Native returns the values keyed by name as plain Go values.
func (v Values) Native() map[string]any {
	out := make(map[string]any, len(v.names))
	for _, name := range v.names {
		out[name] = v.byKey[name].Native()
	}
	return out
}

func (v Values) Equal(o Values) bool {
	return v.query == o.query
}

// Resolve turns raw request inputs into canonical values. Parameters
// missing from raw take their default (dynamic defaults are evaluated
// against now). Keys in raw that are not declared are ignored. Every
// failing parameter is reported in one SchemaValidationError.
func Resolve(schemas *Schemas, raw url.Values, now time.Time) (Values, error) {
	issues := &SchemaValidationError{}
	resolved := make(map[string]Value, schemas.Len())
	for _, name := range schemas.Names() {
		schema, _ := schemas.Get(name)
		if _, present := raw[name]; !present {
			v, err := schema.DefaultValue(now)
			if err != nil {
				issues.Add(name, "%s", err.Error())
				continue
			}
			resolved[name] = v
			continue
		}
		v, err := schema.Cast(raw.Get(name))
		if err != nil {
			issues.Add(name, "%s", err.Error())
			continue
		}
		resolved[name] = v
	}
	if err := issues.OrNil(); err != nil {
		return Values{}, err
	}
	return NewValues(resolved), nil
}

// ParseQuery reverses QueryString for a schema mapping. Every declared
// parameter must be present.
func ParseQuery(schemas *Schemas, query string) (Values, error) {
	raw, err := url.ParseQuery(query)
	if err != nil {
		return Values{}, fmt.Errorf("parse query: %w", err)
	}
	issues := &SchemaValidationError{}
	for _, name := range schemas.Names() {
		if _, ok := raw[name]; !ok {
			issues.Add(name, "missing from query string")
		}
	}
	if err := issues.OrNil(); err != nil {
		return Values{}, err
	}
	return Resolve(schemas, raw, time.Time{})
}

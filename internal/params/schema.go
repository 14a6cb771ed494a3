package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/getkin/kin-openapi/openapi3"
)

// Schema is one parameter's contract.
type Schema struct {
	Kind        Kind
	Description string

	// Exactly one of Default and DynamicDefault is set.
	Default        *Value
	DynamicDefault *DynamicDefault

	Minimum          *float64
	Maximum          *float64
	ExclusiveMinimum *float64
	ExclusiveMaximum *float64
	MultipleOf       *float64
	Enum             []string
}

// Validate checks the schema's internal consistency, including that its
// default satisfies its own constraints.
func (s Schema) Validate() error {
	switch s.Kind {
	case KindString, KindEnum, KindNumber, KindInteger, KindBoolean,
		KindDate, KindDateTime, KindDayObs, KindDayObsDate:
	default:
		return fmt.Errorf("unknown kind %d", int(s.Kind))
	}

	switch {
	case s.Default != nil && s.DynamicDefault != nil:
		return errors.New("default and X-Dynamic-Default are mutually exclusive")
	case s.Default == nil && s.DynamicDefault == nil:
		return errors.New("a default or X-Dynamic-Default is required")
	}
	if s.DynamicDefault != nil && !s.Kind.isDateLike() {
		return fmt.Errorf("X-Dynamic-Default is only supported for date, dayobs and dayobs-date formats, not %s", s.Kind)
	}

	if s.Kind == KindEnum && len(s.Enum) == 0 {
		return errors.New("enum must list at least one value")
	}
	if s.Kind != KindEnum && len(s.Enum) > 0 {
		return fmt.Errorf("enum is not supported for %s parameters", s.Kind)
	}
	if s.hasNumericConstraints() && s.Kind != KindNumber && s.Kind != KindInteger {
		return fmt.Errorf("numeric constraints are not supported for %s parameters", s.Kind)
	}
	if s.MultipleOf != nil && *s.MultipleOf <= 0 {
		return errors.New("multipleOf must be positive")
	}
	if lo, hi := s.Minimum, s.Maximum; lo != nil && hi != nil && *lo > *hi {
		return errors.New("minimum must not exceed maximum")
	}

	if s.Default != nil {
		if s.Default.Kind() != s.Kind {
			return fmt.Errorf("default is a %s value, want %s", s.Default.Kind(), s.Kind)
		}
		if err := s.Check(*s.Default); err != nil {
			return fmt.Errorf("default: %w", err)
		}
	}
	return nil
}

func (s Schema) hasNumericConstraints() bool {
	return s.Minimum != nil || s.Maximum != nil || s.ExclusiveMinimum != nil ||
		s.ExclusiveMaximum != nil || s.MultipleOf != nil
}

// Cast parses a raw string against the kind and checks the constraints.
func (s Schema) Cast(raw string) (Value, error) {
	v, err := Parse(s.Kind, raw)
	if err != nil {
		return Value{}, err
	}
	if err := s.Check(v); err != nil {
		return Value{}, err
	}
	return v, nil
}

// Check validates an already-typed value against the schema constraints.
func (s Schema) Check(v Value) error {
	var (
		instance any
		oas      *openapi3.Schema
	)
	switch s.Kind {
	case KindNumber:
		oas = openapi3.NewFloat64Schema()
		instance = v.Float()
	case KindInteger:
		oas = openapi3.NewIntegerSchema()
		instance = v.Float()
	case KindEnum:
		allowed := make([]any, 0, len(s.Enum))
		for _, e := range s.Enum {
			allowed = append(allowed, e)
		}
		oas = openapi3.NewStringSchema().WithEnum(allowed...)
		instance = v.Canonical()
	case KindString, KindBoolean, KindDate, KindDateTime, KindDayObs, KindDayObsDate:
		return nil
	default:
		return fmt.Errorf("unknown kind %d", int(s.Kind))
	}

	if s.Kind == KindNumber || s.Kind == KindInteger {
		s.applyBounds(oas)
	}
	if err := oas.VisitJSON(instance); err != nil {
		var schemaErr *openapi3.SchemaError
		if errors.As(err, &schemaErr) && schemaErr.Reason != "" {
			return errors.New(schemaErr.Reason)
		}
		return err
	}
	return nil
}

// applyBounds folds the JSON-schema numeric keywords into the OpenAPI 3.0
// form, where exclusivity is a flag on the inclusive bound.
func (s Schema) applyBounds(oas *openapi3.Schema) {
	if s.Minimum != nil {
		oas.WithMin(*s.Minimum)
	}
	if ex := s.ExclusiveMinimum; ex != nil && (s.Minimum == nil || *ex >= *s.Minimum) {
		oas.WithMin(*ex)
		oas.WithExclusiveMin(true)
	}
	if s.Maximum != nil {
		oas.WithMax(*s.Maximum)
	}
	if ex := s.ExclusiveMaximum; ex != nil && (s.Maximum == nil || *ex <= *s.Maximum) {
		oas.WithMax(*ex)
		oas.WithExclusiveMax(true)
	}
	if s.MultipleOf != nil {
		m := *s.MultipleOf
		oas.MultipleOf = &m
	}
}

// DefaultValue resolves the default for a request made at now.
func (s Schema) DefaultValue(now time.Time) (Value, error) {
	switch {
	case s.Default != nil:
		return *s.Default, nil
	case s.DynamicDefault != nil:
		return s.DynamicDefault.EvaluateFor(s.Kind, now), nil
	default:
		return Value{}, errors.New("no default is declared")
	}
}

// DefaultFromAny converts a decoded YAML or JSON scalar into a default of
// the given kind.
func DefaultFromAny(kind Kind, raw any) (Value, error) {
	var token string
	switch v := raw.(type) {
	case nil:
		return Value{}, errors.New("default is null")
	case string:
		token = v
	case bool:
		token = strconv.FormatBool(v)
	case int:
		token = strconv.Itoa(v)
	case int64:
		token = strconv.FormatInt(v, 10)
	case uint64:
		token = strconv.FormatUint(v, 10)
	case float64:
		if kind == KindInteger && v == math.Trunc(v) {
			token = strconv.FormatInt(int64(v), 10)
		} else {
			token = formatFloat(v)
		}
	case json.Number:
		token = v.String()
	case time.Time:
		if kind == KindDateTime {
			return DateTimeValue(v), nil
		}
		token = v.Format(dateLayout)
	default:
		return Value{}, fmt.Errorf("unsupported default of type %T", raw)
	}

	_, isString := raw.(string)
	if _, isTime := raw.(time.Time); isTime {
		isString = true
	}
	switch kind {
	case KindNumber, KindInteger, KindBoolean:
		if isString {
			return Value{}, fmt.Errorf("default %q must be a %s, not a string", token, kind)
		}
	case KindString, KindEnum, KindDate, KindDateTime, KindDayObsDate:
		if !isString {
			return Value{}, fmt.Errorf("default must be a string for %s parameters", kind)
		}
	case KindDayObs:
	}
	return Parse(kind, token)
}

var pythonKeywords = map[string]struct{}{
	"False": {}, "None": {}, "True": {}, "and": {}, "as": {}, "assert": {},
	"async": {}, "await": {}, "break": {}, "class": {}, "continue": {},
	"def": {}, "del": {}, "elif": {}, "else": {}, "except": {}, "finally": {},
	"for": {}, "from": {}, "global": {}, "if": {}, "import": {}, "in": {},
	"is": {}, "lambda": {}, "nonlocal": {}, "not": {}, "or": {}, "pass": {},
	"raise": {}, "return": {}, "try": {}, "while": {}, "with": {}, "yield": {},
	// soft keywords
	"_": {}, "case": {}, "match": {}, "type": {},
}

// ReservedPrefix starts query keys that carry display settings, such as
// ts_hide_code, rather than parameter values.
const ReservedPrefix = "ts_"

// ValidateName checks that a parameter name can be assigned to in the
// notebook's first code cell.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("parameter name is empty")
	}
	for i, r := range name {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case i > 0 && unicode.IsDigit(r):
		default:
			return fmt.Errorf("parameter name %q is not a valid Python identifier", name)
		}
	}
	if _, reserved := pythonKeywords[name]; reserved {
		return fmt.Errorf("parameter name %q is a reserved Python keyword", name)
	}
	if strings.HasPrefix(name, ReservedPrefix) {
		return fmt.Errorf("parameter name %q uses the reserved %q prefix", name, ReservedPrefix)
	}
	return nil
}

type schemaJSON struct {
	Type             string          `json:"type"`
	Format           string          `json:"format,omitempty"`
	Enum             []string        `json:"enum,omitempty"`
	Default          json.RawMessage `json:"default,omitempty"`
	DynamicDefault   string          `json:"X-Dynamic-Default,omitempty"`
	Description      string          `json:"description,omitempty"`
	Minimum          *float64        `json:"minimum,omitempty"`
	Maximum          *float64        `json:"maximum,omitempty"`
	ExclusiveMinimum *float64        `json:"exclusiveMinimum,omitempty"`
	ExclusiveMaximum *float64        `json:"exclusiveMaximum,omitempty"`
	MultipleOf       *float64        `json:"multipleOf,omitempty"`
}

func (s Schema) MarshalJSON() ([]byte, error) {
	typ, format := s.Kind.jsonType()
	if typ == "" {
		return nil, fmt.Errorf("unknown kind %d", int(s.Kind))
	}
	out := schemaJSON{
		Type:             typ,
		Format:           format,
		Enum:             s.Enum,
		Description:      s.Description,
		Minimum:          s.Minimum,
		Maximum:          s.Maximum,
		ExclusiveMinimum: s.ExclusiveMinimum,
		ExclusiveMaximum: s.ExclusiveMaximum,
		MultipleOf:       s.MultipleOf,
	}
	if s.Default != nil {
		raw, err := json.Marshal(s.Default.JSON())
		if err != nil {
			return nil, err
		}
		out.Default = raw
	}
	if s.DynamicDefault != nil {
		out.DynamicDefault = s.DynamicDefault.String()
	}
	return json.Marshal(out)
}

func (s *Schema) UnmarshalJSON(data []byte) error {
	var in schemaJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	kind, err := kindFromJSONType(in.Type, in.Format, len(in.Enum) > 0)
	if err != nil {
		return err
	}
	out := Schema{
		Kind:             kind,
		Description:      in.Description,
		Minimum:          in.Minimum,
		Maximum:          in.Maximum,
		ExclusiveMinimum: in.ExclusiveMinimum,
		ExclusiveMaximum: in.ExclusiveMaximum,
		MultipleOf:       in.MultipleOf,
		Enum:             in.Enum,
	}
	if len(in.Default) > 0 && !bytes.Equal(bytes.TrimSpace(in.Default), []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(in.Default))
		dec.UseNumber()
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("default: %w", err)
		}
		v, err := DefaultFromAny(kind, raw)
		if err != nil {
			return fmt.Errorf("default: %w", err)
		}
		out.Default = &v
	}
	if strings.TrimSpace(in.DynamicDefault) != "" {
		dd, err := ParseDynamicDefault(strings.TrimSpace(in.DynamicDefault))
		if err != nil {
			return err
		}
		out.DynamicDefault = &dd
	}
	*s = out
	return nil
}

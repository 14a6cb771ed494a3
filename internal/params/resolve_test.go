package params

import (
	"encoding/json"
	"errors"
	"net/url"
	"testing"
	"time"
)

func mustDefault(t *testing.T, kind Kind, raw string) *Value {
	t.Helper()
	v, err := Parse(kind, raw)
	if err != nil {
		t.Fatalf("Parse(%s, %q): %v", kind, raw, err)
	}
	return &v
}

func ptr(f float64) *float64 { return &f }

func testSchemas(t *testing.T) *Schemas {
	t.Helper()
	dd, err := ParseDynamicDefault("-1d")
	if err != nil {
		t.Fatalf("ParseDynamicDefault: %v", err)
	}
	s := NewSchemas()
	set := func(name string, schema Schema) {
		if err := s.Set(name, schema); err != nil {
			t.Fatalf("Set(%s): %v", name, err)
		}
	}
	set("title", Schema{Kind: KindString, Default: mustDefault(t, KindString, "Hello")})
	set("band", Schema{Kind: KindEnum, Enum: []string{"g", "r", "i"}, Default: mustDefault(t, KindEnum, "r")})
	set("amplitude", Schema{Kind: KindNumber, Minimum: ptr(0), Maximum: ptr(10), Default: mustDefault(t, KindNumber, "4.5")})
	set("count", Schema{Kind: KindInteger, ExclusiveMinimum: ptr(0), Default: mustDefault(t, KindInteger, "3")})
	set("show", Schema{Kind: KindBoolean, Default: mustDefault(t, KindBoolean, "true")})
	set("start", Schema{Kind: KindDate, DynamicDefault: &dd})
	set("at", Schema{Kind: KindDateTime, Default: mustDefault(t, KindDateTime, "2025-06-15T12:00:00Z")})
	set("night", Schema{Kind: KindDayObs, Default: mustDefault(t, KindDayObs, "20250615")})
	set("night_date", Schema{Kind: KindDayObsDate, Default: mustDefault(t, KindDayObsDate, "2025-06-15")})
	return s
}

var sunday = time.Date(2025, time.June, 15, 10, 0, 0, 0, time.UTC)

func TestResolveDefaults(t *testing.T) {
	vals, err := Resolve(testSchemas(t), url.Values{}, sunday)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := "amplitude=4.5&at=2025-06-15T12%3A00%3A00%2B00%3A00&band=r&count=3&night=20250615&night_date=2025-06-15&show=true&start=2025-06-14&title=Hello"
	if got := vals.QueryString(); got != want {
		t.Fatalf("QueryString=%q\nwant         %q", got, want)
	}
}

func TestResolveIgnoresExtraneousInputs(t *testing.T) {
	raw := url.Values{"ts_hide_code": {"0"}, "unknown": {"x"}}
	vals, err := Resolve(testSchemas(t), raw, sunday)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := vals.Get("ts_hide_code"); ok {
		t.Fatalf("extraneous key leaked into values")
	}
}

func TestResolveKeyOrderDeterminism(t *testing.T) {
	a, err := url.ParseQuery("title=x&count=7&band=g&show=false")
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	b, err := url.ParseQuery("show=FALSE&band=g&count=7&title=x")
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	va, err := Resolve(testSchemas(t), a, sunday)
	if err != nil {
		t.Fatalf("Resolve a: %v", err)
	}
	vb, err := Resolve(testSchemas(t), b, sunday)
	if err != nil {
		t.Fatalf("Resolve b: %v", err)
	}
	if va.QueryString() != vb.QueryString() {
		t.Fatalf("fingerprints differ:\n%s\n%s", va.QueryString(), vb.QueryString())
	}
}

func TestResolveCollectsAllIssues(t *testing.T) {
	raw := url.Values{
		"amplitude": {"11"},
		"count":     {"0"},
		"band":      {"z"},
		"show":      {"maybe"},
		"night":     {"20251399"},
		"at":        {"2025-06-15T12:00:00"},
	}
	_, err := Resolve(testSchemas(t), raw, sunday)
	var verr *SchemaValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err=%v, want SchemaValidationError", err)
	}
	got := map[string]bool{}
	for _, issue := range verr.Issues {
		got[issue.Parameter] = true
	}
	for _, name := range []string{"amplitude", "count", "band", "show", "night", "at"} {
		if !got[name] {
			t.Fatalf("missing issue for %s in %v", name, verr.Issues)
		}
	}
}

func TestDayObsParsing(t *testing.T) {
	v, err := Parse(KindDayObs, "20250615")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := time.Date(2025, time.June, 15, 0, 0, 0, 0, DayObsZone)
	if !v.Time().Equal(want) {
		t.Fatalf("Time=%s, want %s", v.Time(), want)
	}
	if _, offset := v.Time().Zone(); offset != -12*3600 {
		t.Fatalf("zone offset=%d, want -43200", offset)
	}

	for _, raw := range []string{"20251399", "2025061", "2025-06-15", "abcdefgh", "20250230"} {
		if _, err := Parse(KindDayObs, raw); err == nil {
			t.Fatalf("Parse(%q) succeeded, want error", raw)
		}
	}
}

func TestDateTimeNormalizedToUTC(t *testing.T) {
	v, err := Parse(KindDateTime, "2025-06-15T08:30:00-04:00")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := v.Canonical(); got != "2025-06-15T12:30:00+00:00" {
		t.Fatalf("Canonical=%s", got)
	}
	if _, err := Parse(KindDateTime, "2025-06-15 12:30:00"); err == nil {
		t.Fatalf("naive date-time accepted")
	}
	if _, err := Parse(KindDateTime, "2025-06-15"); err == nil {
		t.Fatalf("bare date accepted as date-time")
	}
}

func TestRoundTripEveryKind(t *testing.T) {
	values := []Value{
		StringValue("hello world & more"),
		StringValue("quote's \"both\""),
		EnumValue("r"),
		NumberValue(-42),
		FloatValue(2),
		FloatValue(0.1),
		FloatValue(1e21),
		FloatValue(-3.5e-7),
		IntegerValue(9007199254740993),
		BoolValue(true),
		BoolValue(false),
		DateValue(2025, time.June, 15),
		DateTimeValue(time.Date(2025, time.June, 15, 12, 0, 0, 123456000, time.UTC)),
		DateTimeValue(time.Date(2025, time.June, 15, 23, 59, 59, 0, time.FixedZone("x", 3600))),
		DayObsValue(2025, time.June, 15),
		DayObsDateValue(2024, time.February, 29),
	}
	for _, v := range values {
		got, err := Parse(v.Kind(), v.Canonical())
		if err != nil {
			t.Fatalf("Parse(%s, %q): %v", v.Kind(), v.Canonical(), err)
		}
		if !got.Equal(v) {
			t.Fatalf("round trip %s %q => %q", v.Kind(), v.Canonical(), got.Canonical())
		}
	}
}

func TestParseQueryRoundTrip(t *testing.T) {
	schemas := testSchemas(t)
	raw := url.Values{"title": {"a b&c=d"}, "amplitude": {"7"}, "at": {"2025-01-02T03:04:05.5+01:00"}}
	vals, err := Resolve(schemas, raw, sunday)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	back, err := ParseQuery(schemas, vals.QueryString())
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if !back.Equal(vals) {
		t.Fatalf("ParseQuery mismatch:\n%s\n%s", back.QueryString(), vals.QueryString())
	}
	for _, name := range vals.Names() {
		a, _ := vals.Get(name)
		b, _ := back.Get(name)
		if !a.Equal(b) {
			t.Fatalf("%s: %q != %q", name, a.Canonical(), b.Canonical())
		}
	}
}

func TestSchemasJSONRoundTrip(t *testing.T) {
	schemas := testSchemas(t)
	data, err := json.Marshal(schemas)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Schemas
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v\n%s", err, data)
	}
	if got, want := back.Names(), schemas.Names(); len(got) != len(want) {
		t.Fatalf("names=%v, want %v", got, want)
	}
	for i, name := range schemas.Names() {
		if back.Names()[i] != name {
			t.Fatalf("declaration order lost: %v", back.Names())
		}
	}
	a, err := Resolve(schemas, url.Values{}, sunday)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b, err := Resolve(&back, url.Values{}, sunday)
	if err != nil {
		t.Fatalf("Resolve back: %v", err)
	}
	if a.QueryString() != b.QueryString() {
		t.Fatalf("defaults changed across JSON:\n%s\n%s", a.QueryString(), b.QueryString())
	}
}

func TestSchemaUnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{name: "integer default", data: `{"type":"integer","default":4,"minimum":0}`},
		{name: "dynamic default", data: `{"type":"string","format":"dayobs","X-Dynamic-Default":"yesterday"}`},
		{name: "enum", data: `{"type":"string","enum":["a","b"],"default":"b"}`},
		{name: "bad dynamic default", data: `{"type":"string","format":"date","X-Dynamic-Default":"someday"}`, wantErr: true},
		{name: "unknown type", data: `{"type":"object","default":{}}`, wantErr: true},
		{name: "unknown format", data: `{"type":"string","format":"uuid","default":"x"}`, wantErr: true},
		{name: "string default for number", data: `{"type":"number","default":"4"}`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var s Schema
			err := json.Unmarshal([]byte(tc.data), &s)
			if err == nil {
				err = s.Validate()
			}
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestSchemaValidate(t *testing.T) {
	dd, _ := ParseDynamicDefault("today")
	tests := []struct {
		name    string
		schema  Schema
		wantErr bool
	}{
		{name: "no default", schema: Schema{Kind: KindString}, wantErr: true},
		{name: "both defaults", schema: Schema{Kind: KindDate, Default: mustDefault(t, KindDate, "2025-01-01"), DynamicDefault: &dd}, wantErr: true},
		{name: "dynamic default on string", schema: Schema{Kind: KindString, DynamicDefault: &dd}, wantErr: true},
		{name: "default out of range", schema: Schema{Kind: KindNumber, Maximum: ptr(1), Default: mustDefault(t, KindNumber, "2")}, wantErr: true},
		{name: "default not multiple", schema: Schema{Kind: KindInteger, MultipleOf: ptr(5), Default: mustDefault(t, KindInteger, "12")}, wantErr: true},
		{name: "enum default outside set", schema: Schema{Kind: KindEnum, Enum: []string{"a"}, Default: mustDefault(t, KindEnum, "b")}, wantErr: true},
		{name: "bounds on boolean", schema: Schema{Kind: KindBoolean, Minimum: ptr(0), Default: mustDefault(t, KindBoolean, "true")}, wantErr: true},
		{name: "ok multiple", schema: Schema{Kind: KindInteger, MultipleOf: ptr(5), Default: mustDefault(t, KindInteger, "15")}},
		{name: "ok dayobs dynamic", schema: Schema{Kind: KindDayObs, DynamicDefault: &dd}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.schema.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestExclusiveBounds(t *testing.T) {
	s := Schema{Kind: KindNumber, ExclusiveMinimum: ptr(0), ExclusiveMaximum: ptr(1), Default: mustDefault(t, KindNumber, "0.5")}
	for raw, ok := range map[string]bool{"0": false, "0.0001": true, "0.9999": true, "1": false} {
		_, err := s.Cast(raw)
		if (err == nil) != ok {
			t.Fatalf("Cast(%s) err=%v, want ok=%v", raw, err, ok)
		}
	}
}

func TestValidateName(t *testing.T) {
	for name, ok := range map[string]bool{
		"band":         true,
		"_private":     true,
		"x1":           true,
		"1x":           false,
		"":             false,
		"with-dash":    false,
		"class":        false,
		"match":        false,
		"None":         false,
		"ts_hide_code": false,
		"ts_theme":     false,
		"its_ok":       true,
	} {
		if err := ValidateName(name); (err == nil) != ok {
			t.Fatalf("ValidateName(%q) err=%v, want ok=%v", name, err, ok)
		}
	}
}

package params

import (
	"testing"
	"time"
)

func TestPythonLiteral(t *testing.T) {
	tests := []struct {
		value   Value
		want    string
		imports string
	}{
		{value: StringValue("it's"), want: `"it's"`},
		{value: StringValue(`say "hi"`), want: `'say "hi"'`},
		{value: StringValue("a\\b\n"), want: `'a\\b\n'`},
		{value: StringValue("naïve"), want: `'naïve'`},
		{value: NumberValue(3), want: "3"},
		{value: FloatValue(3), want: "3.0"},
		{value: FloatValue(1e-5), want: "1e-05"},
		{value: BoolValue(false), want: "False"},
		{value: DateValue(2025, time.June, 15), want: `datetime.date.fromisoformat("2025-06-15")`, imports: "import datetime"},
		{value: DateTimeValue(time.Date(2025, time.June, 15, 1, 2, 3, 0, time.UTC)), want: `datetime.datetime.fromisoformat("2025-06-15T01:02:03+00:00")`, imports: "import datetime"},
		{value: DayObsValue(2025, time.June, 15), want: "20250615"},
		{value: DayObsDateValue(2025, time.June, 15), want: `datetime.date.fromisoformat("2025-06-15")`, imports: "import datetime"},
	}
	for _, tc := range tests {
		got, imports := tc.value.PythonLiteral()
		if got != tc.want || imports != tc.imports {
			t.Fatalf("PythonLiteral(%s %q)=(%s, %q), want (%s, %q)", tc.value.Kind(), tc.value.Canonical(), got, imports, tc.want, tc.imports)
		}
	}
}

func TestPythonStr(t *testing.T) {
	tests := []struct {
		value Value
		want  string
	}{
		{value: BoolValue(true), want: "True"},
		{value: FloatValue(2.5), want: "2.5"},
		{value: DateTimeValue(time.Date(2025, time.June, 15, 1, 2, 3, 0, time.UTC)), want: "2025-06-15 01:02:03+00:00"},
		{value: DayObsValue(2025, time.June, 15), want: "20250615"},
	}
	for _, tc := range tests {
		if got := tc.value.PythonStr(); got != tc.want {
			t.Fatalf("PythonStr=%q, want %q", got, tc.want)
		}
	}
}

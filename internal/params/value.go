package params

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// DayObsZone is the fixed UTC-12 zone that observing-night dates are
// interpreted in.
var DayObsZone = time.FixedZone("UTC-12", -12*60*60)

const (
	dateLayout    = "2006-01-02"
	dayObsLayout  = "20060102"
	pythonImports = "import datetime"
)

// Value is a resolved, native-typed parameter value. Which field carries
// the value depends on the kind.
type Value struct {
	kind    Kind
	s       string
	i       int64
	f       float64
	isFloat bool
	b       bool
	// t is midnight UTC of the civil date for date kinds and the UTC
	// instant for date-time.
	t time.Time
}

func StringValue(s string) Value { return Value{kind: KindString, s: s} }

func EnumValue(s string) Value { return Value{kind: KindEnum, s: s} }

func IntegerValue(i int64) Value { return Value{kind: KindInteger, i: i} }

// NumberValue holds an integral number.
func NumberValue(i int64) Value { return Value{kind: KindNumber, i: i} }

// FloatValue holds a non-integral (or explicitly decimal) number.
func FloatValue(f float64) Value { return Value{kind: KindNumber, f: f, isFloat: true} }

func BoolValue(b bool) Value { return Value{kind: KindBoolean, b: b} }

func DateValue(year int, month time.Month, day int) Value {
	return Value{kind: KindDate, t: civil(year, month, day)}
}

func DayObsValue(year int, month time.Month, day int) Value {
	return Value{kind: KindDayObs, t: civil(year, month, day)}
}

func DayObsDateValue(year int, month time.Month, day int) Value {
	return Value{kind: KindDayObsDate, t: civil(year, month, day)}
}

// DateTimeValue normalizes t to UTC with microsecond precision.
func DateTimeValue(t time.Time) Value {
	return Value{kind: KindDateTime, t: t.UTC().Truncate(time.Microsecond)}
}

func civil(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// dateOfKind builds a date-like value of the given kind from a civil date.
func dateOfKind(kind Kind, d time.Time) Value {
	return Value{kind: kind, t: civil(d.Year(), d.Month(), d.Day())}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsZero() bool { return v.kind == 0 }

// Time returns the instant the value denotes: the UTC instant for
// date-time, and the start of the calendar day for date kinds (in UTC-12
// for the dayobs kinds).
func (v Value) Time() time.Time {
	switch v.kind {
	case KindDayObs, KindDayObsDate:
		return time.Date(v.t.Year(), v.t.Month(), v.t.Day(), 0, 0, 0, 0, DayObsZone)
	case KindDate, KindDateTime:
		return v.t
	case KindString, KindEnum, KindNumber, KindInteger, KindBoolean:
		return time.Time{}
	default:
		return time.Time{}
	}
}

// Float returns the numeric value of number and integer kinds.
func (v Value) Float() float64 {
	if v.isFloat {
		return v.f
	}
	return float64(v.i)
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString, KindEnum:
		return v.s == o.s
	case KindNumber:
		if v.isFloat != o.isFloat {
			return false
		}
		if v.isFloat {
			return v.f == o.f
		}
		return v.i == o.i
	case KindInteger:
		return v.i == o.i
	case KindBoolean:
		return v.b == o.b
	case KindDate, KindDateTime, KindDayObs, KindDayObsDate:
		return v.t.Equal(o.t)
	default:
		return true
	}
}

// Canonical is the fixed per-kind string form used in query strings and
// fingerprints. Parse(kind, Canonical()) reproduces the value.
func (v Value) Canonical() string {
	switch v.kind {
	case KindString, KindEnum:
		return v.s
	case KindNumber:
		if v.isFloat {
			return formatFloat(v.f)
		}
		return strconv.FormatInt(v.i, 10)
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindBoolean:
		return strconv.FormatBool(v.b)
	case KindDate, KindDayObsDate:
		return v.t.Format(dateLayout)
	case KindDayObs:
		return v.t.Format(dayObsLayout)
	case KindDateTime:
		return formatDateTime(v.t, "T")
	default:
		return ""
	}
}

func (v Value) String() string { return v.Canonical() }

// Native returns the value as a plain Go value.
func (v Value) Native() any {
	switch v.kind {
	case KindString, KindEnum:
		return v.s
	case KindNumber:
		if v.isFloat {
			return v.f
		}
		return v.i
	case KindInteger:
		return v.i
	case KindBoolean:
		return v.b
	case KindDate, KindDateTime, KindDayObs, KindDayObsDate:
		return v.Time()
	default:
		return nil
	}
}

// JSON returns the value in the form recorded in notebook metadata and API
// responses.
func (v Value) JSON() any {
	switch v.kind {
	case KindString, KindEnum:
		return v.s
	case KindNumber:
		if v.isFloat {
			return v.f
		}
		return v.i
	case KindInteger:
		return v.i
	case KindBoolean:
		return v.b
	case KindDayObs:
		n, _ := strconv.ParseInt(v.Canonical(), 10, 64)
		return n
	case KindDate, KindDateTime, KindDayObsDate:
		return v.Canonical()
	default:
		return nil
	}
}

// PythonLiteral returns a Python expression that reconstructs the value
// and the import statement the expression needs, if any.
func (v Value) PythonLiteral() (expr string, imports string) {
	switch v.kind {
	case KindString, KindEnum:
		return pythonRepr(v.s), ""
	case KindNumber:
		if v.isFloat {
			return formatFloat(v.f), ""
		}
		return strconv.FormatInt(v.i, 10), ""
	case KindInteger:
		return strconv.FormatInt(v.i, 10), ""
	case KindBoolean:
		if v.b {
			return "True", ""
		}
		return "False", ""
	case KindDate, KindDayObsDate:
		return fmt.Sprintf("datetime.date.fromisoformat(%q)", v.t.Format(dateLayout)), pythonImports
	case KindDateTime:
		return fmt.Sprintf("datetime.datetime.fromisoformat(%q)", formatDateTime(v.t, "T")), pythonImports
	case KindDayObs:
		return v.t.Format(dayObsLayout), ""
	default:
		return "None", ""
	}
}

// PythonStr mirrors Python's str() of the value as it exists in the
// executed notebook.
func (v Value) PythonStr() string {
	switch v.kind {
	case KindString, KindEnum:
		return v.s
	case KindNumber, KindInteger:
		expr, _ := v.PythonLiteral()
		return expr
	case KindBoolean:
		if v.b {
			return "True"
		}
		return "False"
	case KindDate, KindDayObsDate, KindDayObs:
		return v.Canonical()
	case KindDateTime:
		return formatDateTime(v.t, " ")
	default:
		return ""
	}
}

// formatFloat renders floats the way Python's repr does: fixed notation
// for moderate magnitudes, exponent notation otherwise, and always
// distinguishable from an integer.
func formatFloat(f float64) string {
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	out := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(out, ".") {
		out += ".0"
	}
	return out
}

func formatDateTime(t time.Time, sep string) string {
	layout := "2006-01-02" + sep + "15:04:05"
	if t.Nanosecond() != 0 {
		layout += ".000000"
	}
	return t.UTC().Format(layout) + "+00:00"
}

func pythonRepr(s string) string {
	quote := '\''
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		quote = '"'
	}
	var b strings.Builder
	b.WriteRune(quote)
	for _, r := range s {
		switch {
		case r == quote || r == '\\':
			b.WriteRune('\\')
			b.WriteRune(r)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case unicode.IsPrint(r):
			b.WriteRune(r)
		case r < 0x100:
			fmt.Fprintf(&b, `\x%02x`, r)
		case r < 0x10000:
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			fmt.Fprintf(&b, `\U%08x`, r)
		}
	}
	b.WriteRune(quote)
	return b.String()
}

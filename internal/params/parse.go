package params

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

var (
	dayObsPattern   = regexp.MustCompile(`^\d{8}$`)
	datePattern     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	naiveTimeSuffix = regexp.MustCompile(`[T ]\d{2}:\d{2}(:\d{2}(\.\d+)?)?$`)
)

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04Z0700",
}

// Parse casts a raw string into a value of the given kind. Constraint
// checks (bounds, allowed values) are the schema's job.
func Parse(kind Kind, raw string) (Value, error) {
	switch kind {
	case KindString:
		return StringValue(norm.NFC.String(raw)), nil
	case KindEnum:
		return EnumValue(norm.NFC.String(raw)), nil
	case KindNumber:
		return parseNumber(raw)
	case KindInteger:
		i, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%q is not an integer", raw)
		}
		return IntegerValue(i), nil
	case KindBoolean:
		return parseBool(raw)
	case KindDate:
		d, err := parseDate(raw)
		if err != nil {
			return Value{}, err
		}
		return dateOfKind(KindDate, d), nil
	case KindDayObsDate:
		d, err := parseDate(raw)
		if err != nil {
			return Value{}, err
		}
		return dateOfKind(KindDayObsDate, d), nil
	case KindDayObs:
		return parseDayObs(raw)
	case KindDateTime:
		return parseDateTime(raw)
	default:
		return Value{}, fmt.Errorf("unknown parameter kind %d", int(kind))
	}
}

func parseNumber(raw string) (Value, error) {
	s := strings.TrimSpace(raw)
	if strings.ContainsAny(s, ".eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return Value{}, fmt.Errorf("%q is not a number", raw)
		}
		return FloatValue(f), nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Value{}, fmt.Errorf("%q is not a number", raw)
	}
	return NumberValue(i), nil
}

func parseBool(raw string) (Value, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return BoolValue(true), nil
	case "false", "0", "no", "off":
		return BoolValue(false), nil
	default:
		return Value{}, fmt.Errorf("%q is not a boolean (use true or false)", raw)
	}
}

func parseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if !datePattern.MatchString(s) {
		return time.Time{}, fmt.Errorf("%q is not a date (YYYY-MM-DD)", raw)
	}
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not a valid calendar date", raw)
	}
	return d, nil
}

func parseDayObs(raw string) (Value, error) {
	s := strings.TrimSpace(raw)
	if !dayObsPattern.MatchString(s) {
		return Value{}, fmt.Errorf("%q is not a dayobs (YYYYMMDD)", raw)
	}
	d, err := time.Parse(dayObsLayout, s)
	if err != nil {
		return Value{}, fmt.Errorf("%q is not a valid calendar date", raw)
	}
	return dateOfKind(KindDayObs, d), nil
}

var errNaiveDateTime = errors.New("date-time must include a timezone offset")

func parseDateTime(raw string) (Value, error) {
	s := strings.TrimSpace(raw)
	if naiveTimeSuffix.MatchString(s) || datePattern.MatchString(s) {
		return Value{}, fmt.Errorf("%q: %w", raw, errNaiveDateTime)
	}
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateTimeValue(t), nil
		}
	}
	return Value{}, fmt.Errorf("%q is not an ISO 8601 date-time", raw)
}

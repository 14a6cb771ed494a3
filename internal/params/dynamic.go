package params

import (
	"regexp"
	"strconv"
	"time"
)

// Dynamic defaults compute a calendar date relative to "now":
//
//	today | yesterday | tomorrow
//	[+-]N(d|w|m|y)
//	[+-]N?(week|month|year)_(start|end)
//
// Weeks start on Monday. Month and year arithmetic clamps to the last
// valid day of the target month.
var dynamicDefaultPattern = regexp.MustCompile(
	`^(?:(?P<sign>[+-])(?P<count>\d+)(?P<unit>[dwmy]|(?:week|month|year)_(?:start|end))|(?P<simple>today|yesterday|tomorrow|(?:week|month|year)_(?:start|end)))$`,
)

// DynamicDefault is a parsed dynamic default rule.
type DynamicDefault struct {
	rule  string
	count int
	unit  string
}

// ParseDynamicDefault validates a rule against the grammar.
func ParseDynamicDefault(rule string) (DynamicDefault, error) {
	m := dynamicDefaultPattern.FindStringSubmatch(rule)
	if m == nil {
		return DynamicDefault{}, &DynamicDefaultSyntaxError{Rule: rule}
	}
	group := func(name string) string {
		return m[dynamicDefaultPattern.SubexpIndex(name)]
	}

	if simple := group("simple"); simple != "" {
		switch simple {
		case "today":
			return DynamicDefault{rule: rule, unit: "d"}, nil
		case "yesterday":
			return DynamicDefault{rule: rule, count: -1, unit: "d"}, nil
		case "tomorrow":
			return DynamicDefault{rule: rule, count: 1, unit: "d"}, nil
		default:
			return DynamicDefault{rule: rule, unit: simple}, nil
		}
	}

	count, err := strconv.Atoi(group("count"))
	if err != nil {
		return DynamicDefault{}, &DynamicDefaultSyntaxError{Rule: rule}
	}
	if group("sign") == "-" {
		count = -count
	}
	return DynamicDefault{rule: rule, count: count, unit: group("unit")}, nil
}

func (d DynamicDefault) String() string { return d.rule }

// Evaluate returns the civil date the rule selects relative to today.
// today is interpreted as a calendar date; its clock time is ignored.
func (d DynamicDefault) Evaluate(today time.Time) time.Time {
	base := civil(today.Year(), today.Month(), today.Day())
	n := d.count
	switch d.unit {
	case "d":
		return base.AddDate(0, 0, n)
	case "w":
		return base.AddDate(0, 0, 7*n)
	case "m":
		return addMonthsClamped(base, n)
	case "y":
		return addMonthsClamped(base, 12*n)
	case "week_start":
		return weekStart(base).AddDate(0, 0, 7*n)
	case "week_end":
		return weekStart(base).AddDate(0, 0, 7*n+6)
	case "month_start":
		first := civil(base.Year(), base.Month(), 1)
		return first.AddDate(0, n, 0)
	case "month_end":
		first := civil(base.Year(), base.Month(), 1).AddDate(0, n, 0)
		return first.AddDate(0, 1, -1)
	case "year_start":
		return civil(base.Year()+n, time.January, 1)
	case "year_end":
		return civil(base.Year()+n, time.December, 31)
	default:
		return base
	}
}

// EvaluateFor evaluates the rule for a parameter kind. dayobs kinds read
// "now" in UTC-12, everything else in UTC.
func (d DynamicDefault) EvaluateFor(kind Kind, now time.Time) Value {
	zone := time.UTC
	if kind == KindDayObs || kind == KindDayObsDate {
		zone = DayObsZone
	}
	return dateOfKind(kind, d.Evaluate(now.In(zone)))
}

func weekStart(d time.Time) time.Time {
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

func addMonthsClamped(d time.Time, months int) time.Time {
	total := int(d.Month()) - 1 + months
	year := d.Year() + floorDiv(total, 12)
	month := time.Month(total - 12*floorDiv(total, 12) + 1)
	day := d.Day()
	if last := daysIn(year, month); day > last {
		day = last
	}
	return civil(year, month, day)
}

func daysIn(year int, month time.Month) int {
	return civil(year, month+1, 0).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

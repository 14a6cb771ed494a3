package params

import "fmt"

// Kind is the closed set of parameter types. Every operation that depends
// on a kind switches over all of them.
type Kind int

const (
	KindString Kind = iota + 1
	KindEnum
	KindNumber
	KindInteger
	KindBoolean
	KindDate
	KindDateTime
	KindDayObs
	KindDayObsDate
)

// JSON schema "format" values understood for string parameters.
const (
	FormatDate       = "date"
	FormatDateTime   = "date-time"
	FormatDayObs     = "dayobs"
	FormatDayObsDate = "dayobs-date"
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindEnum:
		return "enum"
	case KindNumber:
		return "number"
	case KindInteger:
		return "integer"
	case KindBoolean:
		return "boolean"
	case KindDate:
		return "date"
	case KindDateTime:
		return "date-time"
	case KindDayObs:
		return "dayobs"
	case KindDayObsDate:
		return "dayobs-date"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// jsonType returns the JSON schema (type, format) pair for the kind.
func (k Kind) jsonType() (string, string) {
	switch k {
	case KindString, KindEnum:
		return "string", ""
	case KindNumber:
		return "number", ""
	case KindInteger:
		return "integer", ""
	case KindBoolean:
		return "boolean", ""
	case KindDate:
		return "string", FormatDate
	case KindDateTime:
		return "string", FormatDateTime
	case KindDayObs:
		return "string", FormatDayObs
	case KindDayObsDate:
		return "string", FormatDayObsDate
	default:
		return "", ""
	}
}

// kindFromJSONType maps a JSON schema (type, format, enum) triple onto a
// Kind.
func kindFromJSONType(typ, format string, hasEnum bool) (Kind, error) {
	switch typ {
	case "string":
		switch format {
		case "":
			if hasEnum {
				return KindEnum, nil
			}
			return KindString, nil
		case FormatDate:
			return KindDate, nil
		case FormatDateTime:
			return KindDateTime, nil
		case FormatDayObs:
			return KindDayObs, nil
		case FormatDayObsDate:
			return KindDayObsDate, nil
		default:
			return 0, fmt.Errorf("unsupported string format %q", format)
		}
	case "number":
		return KindNumber, nil
	case "integer":
		return KindInteger, nil
	case "boolean":
		return KindBoolean, nil
	case "":
		return 0, fmt.Errorf("type is required")
	default:
		return 0, fmt.Errorf("unsupported type %q", typ)
	}
}

// isDateLike reports whether values of the kind are calendar dates that
// dynamic defaults can produce.
func (k Kind) isDateLike() bool {
	switch k {
	case KindDate, KindDayObs, KindDayObsDate:
		return true
	case KindString, KindEnum, KindNumber, KindInteger, KindBoolean, KindDateTime:
		return false
	default:
		return false
	}
}

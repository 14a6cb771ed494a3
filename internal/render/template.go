package render

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/lsst-sqre/times-square-go/internal/params"
)

// TemplateRenderError reports malformed templating in a narrative cell.
type TemplateRenderError struct {
	CellIndex int
	Message   string
}

func (e *TemplateRenderError) Error() string {
	return fmt.Sprintf("cell %d: %s", e.CellIndex, e.Message)
}

var (
	attrExpr = regexp.MustCompile(`^params\.([A-Za-z_][A-Za-z0-9_]*)$`)
	itemExpr = regexp.MustCompile(`^params\[\s*(?:'([^']*)'|"([^"]*)")\s*\]$`)
)

// expandTemplate substitutes {{ params.NAME }} / {{ params['NAME'] }}
// expressions with the Python text of the value, HTML-escaped. {# #}
// comments are dropped. Statement blocks are not supported.
func expandTemplate(src string, values params.Values) (string, error) {
	var out strings.Builder
	rest := src
	for {
		open := strings.Index(rest, "{")
		if open < 0 || open == len(rest)-1 {
			out.WriteString(rest)
			return out.String(), nil
		}
		out.WriteString(rest[:open])
		rest = rest[open:]

		switch rest[1] {
		case '{':
			end := strings.Index(rest, "}}")
			if end < 0 {
				return "", fmt.Errorf("unexpected end of template, expected '}}'")
			}
			expr := strings.TrimSpace(rest[2:end])
			text, err := evalExpr(expr, values)
			if err != nil {
				return "", err
			}
			out.WriteString(text)
			rest = rest[end+2:]
		case '#':
			end := strings.Index(rest, "#}")
			if end < 0 {
				return "", fmt.Errorf("unexpected end of template, expected '#}'")
			}
			rest = rest[end+2:]
		case '%':
			return "", fmt.Errorf("template statements ({%% ... %%}) are not supported")
		default:
			out.WriteByte('{')
			rest = rest[1:]
		}
	}
}

func evalExpr(expr string, values params.Values) (string, error) {
	if expr == "" {
		return "", fmt.Errorf("expected an expression inside '{{ }}'")
	}
	var name string
	if m := attrExpr.FindStringSubmatch(expr); m != nil {
		name = m[1]
	} else if m := itemExpr.FindStringSubmatch(expr); m != nil {
		name = m[1] + m[2]
	} else {
		return "", fmt.Errorf("unsupported expression %q; use params.NAME", expr)
	}
	v, ok := values.Get(name)
	if !ok {
		return "", fmt.Errorf("%q is undefined in params", name)
	}
	return html.EscapeString(v.PythonStr()), nil
}

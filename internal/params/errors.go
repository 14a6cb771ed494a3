package params

import (
	"fmt"
	"strings"
)

// Issue is one parameter-level validation fault.
type Issue struct {
	Parameter string `json:"parameter"`
	Message   string `json:"message"`
}

// SchemaValidationError aggregates every bad or missing parameter value
// found while resolving a request.
type SchemaValidationError struct {
	Issues []Issue
}

func (e *SchemaValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "parameter validation failed"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if issue.Parameter == "" {
			parts = append(parts, issue.Message)
			continue
		}
		parts = append(parts, issue.Parameter+": "+issue.Message)
	}
	return "parameter validation failed: " + strings.Join(parts, "; ")
}

func (e *SchemaValidationError) Add(parameter string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if strings.TrimSpace(msg) == "" {
		return
	}
	e.Issues = append(e.Issues, Issue{Parameter: parameter, Message: msg})
}

func (e *SchemaValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// DynamicDefaultSyntaxError reports a dynamic default rule that does not
// match the grammar.
type DynamicDefaultSyntaxError struct {
	Rule string
}

func (e *DynamicDefaultSyntaxError) Error() string {
	return fmt.Sprintf("invalid dynamic default %q", e.Rule)
}

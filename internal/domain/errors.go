package domain

import (
	"fmt"
	"strings"
)

// PageNotFoundError is returned when no live page matches a name or
// display path.
type PageNotFoundError struct {
	Key string
}

func (e *PageNotFoundError) Error() string {
	return fmt.Sprintf("page %q not found", e.Key)
}

// SyncParseError reports a notebook or sidecar that could not be loaded.
// Line and Column are 1-based and zero when unknown.
type SyncParseError struct {
	Path    string `json:"path"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (e *SyncParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.Path, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ExecutionError is the terminal error of a computation.
type ExecutionError struct {
	Kind    ExecutionErrorKind
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution %s: %s", e.Kind, e.Message)
}

func (e *ExecutionError) State() ComputationState {
	if e.Kind == ExecutionErrorTimeout {
		return ComputationTimedOut
	}
	return ComputationFailed
}

// OwnershipRejectedError rejects a sync for a repository whose owner is
// not permitted.
type OwnershipRejectedError struct {
	Owner   string
	Allowed []string
}

func (e *OwnershipRejectedError) Error() string {
	return fmt.Sprintf("owner %q is not in the accepted organizations [%s]", e.Owner, strings.Join(e.Allowed, ", "))
}

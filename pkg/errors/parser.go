package errors

import (
	"fmt"
	"strings"
)

// ParseContext locates a problem inside an import file
type ParseContext struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
}

// RowError describes a single rejected row of an import file
type RowError struct {
	*ReconcilerError
	Location    ParseContext `json:"location"`
	Recoverable bool         `json:"recoverable"`
}

// Error includes the location in front of the message
func (e *RowError) Error() string {
	loc := e.Location.File
	if e.Location.Line > 0 {
		loc = fmt.Sprintf("%s:%d", loc, e.Location.Line)
	}
	if e.Location.Column != "" {
		loc = fmt.Sprintf("%s [%s]", loc, e.Location.Column)
	}
	return fmt.Sprintf("%s: %s", loc, e.ReconcilerError.Error())
}

// Unwrap exposes the categorised error so errors.As and errors.Is see its code
func (e *RowError) Unwrap() error {
	return e.ReconcilerError
}

// NewRowError creates a parse error bound to a file location
func NewRowError(code ErrorCode, location ParseContext, message string, cause error) *RowError {
	base := build(CategoryParse, code, message, cause).
		WithContext("file", location.File).
		WithContext("line", location.Line)
	if location.Column != "" {
		base.WithContext("column", location.Column)
	}
	if location.Value != "" {
		base.WithContext("value", location.Value)
	}
	return &RowError{
		ReconcilerError: base,
		Location:        location,
		Recoverable:     code != CodeMissingColumn,
	}
}

// MissingColumnError reports required columns absent from the header
func MissingColumnError(file string, expected, actual []string) *RowError {
	missing := findMissingColumns(expected, actual)
	err := NewRowError(CodeMissingColumn, ParseContext{File: file, Line: 1},
		fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", ")), nil)
	err.WithSuggestion(fmt.Sprintf("header must contain: %s", strings.Join(expected, ", ")))
	return err
}

// ParseErrorCollector accumulates row errors up to a limit
type ParseErrorCollector struct {
	errors          []*RowError
	maxErrors       int
	continueOnError bool
}

// NewParseErrorCollector creates a collector; maxErrors <= 0 means unlimited
func NewParseErrorCollector(maxErrors int, continueOnError bool) *ParseErrorCollector {
	return &ParseErrorCollector{
		maxErrors:       maxErrors,
		continueOnError: continueOnError,
	}
}

// Add records err and reports whether parsing should continue
func (c *ParseErrorCollector) Add(err *RowError) bool {
	c.errors = append(c.errors, err)

	if !c.continueOnError || !err.Recoverable {
		return false
	}
	if c.maxErrors > 0 && len(c.errors) >= c.maxErrors {
		return false
	}
	return true
}

// HasErrors reports whether any error was collected
func (c *ParseErrorCollector) HasErrors() bool {
	return len(c.errors) > 0
}

// GetErrors returns the collected row errors
func (c *ParseErrorCollector) GetErrors() []*RowError {
	return c.errors
}

// GetSummary summarises the collected errors
func (c *ParseErrorCollector) GetSummary() *ErrorSummary {
	errs := make([]*ReconcilerError, 0, len(c.errors))
	for _, err := range c.errors {
		errs = append(errs, err.ReconcilerError)
	}
	return NewErrorSummary(errs)
}

func findMissingColumns(expected, actual []string) []string {
	present := make(map[string]bool, len(actual))
	for _, col := range actual {
		present[strings.ToLower(strings.TrimSpace(col))] = true
	}

	var missing []string
	for _, col := range expected {
		if !present[strings.ToLower(col)] {
			missing = append(missing, col)
		}
	}
	return missing
}

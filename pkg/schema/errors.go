package schema

import "fmt"

// SchemaError represents a schema-related error
type SchemaError struct {
	Message string
	Code    string
	Err     error
}

// Error implements the error interface
func (e *SchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SchemaError) Unwrap() error {
	return e.Err
}

// ParseError creates a schema parsing error
func ParseError(err error) *SchemaError {
	return &SchemaError{
		Message: "schema parsing failed",
		Code:    "SCHEMA_PARSE_ERROR",
		Err:     err,
	}
}

// DuplicateError reports a descriptor registered twice
func DuplicateError(name string) *SchemaError {
	return &SchemaError{
		Message: fmt.Sprintf("descriptor %q already registered", name),
		Code:    "SCHEMA_DUPLICATE",
	}
}

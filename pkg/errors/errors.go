package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrTimeout indicates that a node invocation exceeded its timeout
	ErrTimeout = errors.New("operation timed out")

	// ErrValidation indicates that a payload did not match its type descriptor
	ErrValidation = errors.New("validation failed")

	// ErrTraceCancelled indicates that the trace a unit of work belongs to was cancelled
	ErrTraceCancelled = errors.New("trace cancelled")

	// ErrPlaybookTimeout indicates that a nested flow did not answer in time
	ErrPlaybookTimeout = errors.New("playbook timed out")
)

// Error codes carried by FlowError.
const (
	CodeNodeTimeout     = "NODE_TIMEOUT"
	CodeNodeException   = "NODE_EXCEPTION"
	CodeNodeValidation  = "NODE_VALIDATION"
	CodeTraceCancelled  = "TRACE_CANCELLED"
	CodePlaybookTimeout = "PLAYBOOK_TIMEOUT"
)

// FlowError is the record produced once a node has exhausted its retries.
type FlowError struct {
	// TraceID is the trace the failed message belonged to
	TraceID string

	// NodeName is the name of the node that failed
	NodeName string

	// NodeID is the stable identifier of the node
	NodeID string

	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the last underlying error
	Err error

	// Metadata holds extra context such as the attempt count
	Metadata map[string]any
}

// Error implements the error interface
func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s (node=%s trace=%s): %v", e.Code, e.Message, e.NodeName, e.TraceID, e.Err)
	}
	return fmt.Sprintf("[%s] %s (node=%s trace=%s)", e.Code, e.Message, e.NodeName, e.TraceID)
}

// Unwrap returns the underlying error
func (e *FlowError) Unwrap() error {
	return e.Err
}

// MarshalJSON renders the record with the cause flattened to a string.
func (e *FlowError) MarshalJSON() ([]byte, error) {
	type wire struct {
		TraceID  string         `json:"trace_id"`
		NodeName string         `json:"node_name"`
		NodeID   string         `json:"node_id"`
		Code     string         `json:"code"`
		Message  string         `json:"message"`
		Cause    string         `json:"cause,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	w := wire{
		TraceID:  e.TraceID,
		NodeName: e.NodeName,
		NodeID:   e.NodeID,
		Code:     e.Code,
		Message:  e.Message,
		Metadata: e.Metadata,
	}
	if e.Err != nil {
		w.Cause = e.Err.Error()
	}
	return json.Marshal(w)
}

// NewFlowError builds a record for a failed node, deriving its code from err.
func NewFlowError(traceID, nodeName, nodeID string, err error, metadata map[string]any) *FlowError {
	code := Categorize(err)
	return &FlowError{
		TraceID:  traceID,
		NodeName: nodeName,
		NodeID:   nodeID,
		Code:     code,
		Message:  messageFor(code),
		Err:      err,
		Metadata: metadata,
	}
}

// ValidationError describes a payload that did not match a descriptor.
type ValidationError struct {
	Descriptor string
	Problems   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrValidation, e.Descriptor, e.Problems)
}

// Is makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsCancelled checks if an error reports a cancelled trace
func IsCancelled(err error) bool {
	return errors.Is(err, ErrTraceCancelled)
}

// AsFlowError extracts a FlowError from err.
func AsFlowError(err error) (*FlowError, bool) {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

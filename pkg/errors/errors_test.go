package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"timeout sentinel", fmt.Errorf("attempt 2: %w", ErrTimeout), CodeNodeTimeout},
		{"context deadline", context.DeadlineExceeded, CodeNodeTimeout},
		{"validation", &ValidationError{Descriptor: "Query", Problems: []string{"missing text"}}, CodeNodeValidation},
		{"cancelled", fmt.Errorf("wrap: %w", ErrTraceCancelled), CodeTraceCancelled},
		{"playbook", ErrPlaybookTimeout, CodePlaybookTimeout},
		{"plain", errors.New("boom"), CodeNodeException},
		{"nested flow error", &FlowError{Code: CodeNodeTimeout}, CodeNodeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(ErrTraceCancelled))
	assert.True(t, IsRetryable(fmt.Errorf("http call: %w", context.Canceled)))
	assert.False(t, IsRetryable(fmt.Errorf("playbook: %w", ErrTraceCancelled)))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(&ValidationError{}))
	assert.True(t, IsRetryable(errors.New("boom")))
}

func TestFlowErrorUnwrapAndJSON(t *testing.T) {
	cause := errors.New("upstream unavailable")
	fe := NewFlowError("trace-1", "fetch", "fetch-id", cause, map[string]any{"attempts": 3})

	assert.Equal(t, CodeNodeException, fe.Code)
	assert.ErrorIs(t, fe, cause)
	assert.Contains(t, fe.Error(), "fetch")

	got, ok := AsFlowError(fmt.Errorf("outer: %w", fe))
	require.True(t, ok)
	assert.Same(t, fe, got)

	data, err := json.Marshal(fe)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "trace-1", decoded["trace_id"])
	assert.Equal(t, "NODE_EXCEPTION", decoded["code"])
	assert.Equal(t, "upstream unavailable", decoded["cause"])
}

func TestValidationErrorIs(t *testing.T) {
	err := fmt.Errorf("input: %w", &ValidationError{Descriptor: "Doc"})
	assert.True(t, IsValidation(err))
	assert.False(t, IsTimeout(err))
}

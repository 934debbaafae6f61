package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flowerrors "github.com/wehubfusion/Colony/pkg/errors"
)

type query struct {
	Text  string `validate:"required"`
	Limit int    `validate:"gte=0,lte=100"`
}

func intPtr(i int) *int { return &i }

func TestTypeDescriptorStruct(t *testing.T) {
	d := Type[query]("Query")
	assert.Equal(t, "Query", d.Name())

	assert.NoError(t, d.Validate(query{Text: "hi", Limit: 10}))
	assert.NoError(t, d.Validate(&query{Text: "hi"}))

	err := d.Validate(query{Limit: 500})
	require.Error(t, err)
	assert.True(t, flowerrors.IsValidation(err))

	var ve *flowerrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Problems, 2)

	err = d.Validate("not a query")
	assert.True(t, flowerrors.IsValidation(err))

	var nilQuery *query
	assert.Error(t, d.Validate(nilQuery))
}

func TestTypeDescriptorScalar(t *testing.T) {
	d := Type[string]("")
	assert.Equal(t, "string", d.Name())
	assert.NoError(t, d.Validate("hello"))
	assert.Error(t, d.Validate(42))
}

func TestObjectDescriptor(t *testing.T) {
	s, err := Parse([]byte(`{
		"type": "OBJECT",
		"properties": {
			"name":  {"type": "STRING", "required": true, "validation": {"minLength": 2}},
			"email": {"type": "STRING", "validation": {"format": "email"}},
			"age":   {"type": "NUMBER", "validation": {"minimum": 0}},
			"tags":  {"type": "ARRAY", "items": {"type": "STRING"}, "validation": {"maxItems": 2}}
		}
	}`))
	require.NoError(t, err)

	d, err := Object("Person", s)
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload any
		wantErr bool
	}{
		{"valid", map[string]any{"name": "Ada", "email": "ada@example.com", "age": 36, "tags": []string{"a"}}, false},
		{"missing required", map[string]any{"email": "ada@example.com"}, true},
		{"short name", map[string]any{"name": "A"}, true},
		{"bad email", map[string]any{"name": "Ada", "email": "nope"}, true},
		{"negative age", map[string]any{"name": "Ada", "age": -1.5}, true},
		{"too many tags", map[string]any{"name": "Ada", "tags": []any{"a", "b", "c"}}, true},
		{"wrong tag type", map[string]any{"name": "Ada", "tags": []any{1}}, true},
		{"not an object", "Ada", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Validate(tt.payload)
			if tt.wantErr {
				assert.True(t, flowerrors.IsValidation(err), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseRejectsUnknownTypes(t *testing.T) {
	_, err := Parse([]byte(`{"type": "OBJECT", "properties": {"x": {"type": "BLOB"}}}`))
	assert.Error(t, err)

	_, err = Parse(nil)
	assert.Error(t, err)

	_, err = Object("bad", &Schema{})
	assert.Error(t, err)
}

func TestValidatorPatternAndEnum(t *testing.T) {
	v := NewValidator()
	s := &Schema{Type: TypeObject, Properties: map[string]*Property{
		"code":  {Type: TypeString, Validation: &ValidationRules{Pattern: `^[A-Z]{3}$`, MaxLength: intPtr(3)}},
		"state": {Type: TypeString, Validation: &ValidationRules{Enum: []string{"open", "closed"}}},
		"at":    {Type: TypeDateTime},
	}}

	assert.Empty(t, v.Validate(map[string]any{"code": "ABC", "state": "open", "at": "2025-01-09T10:30:00Z"}, s))

	problems := v.Validate(map[string]any{"code": "abcd", "state": "pending", "at": "yesterday"}, s)
	codes := make([]string, 0, len(problems))
	for _, p := range problems {
		codes = append(codes, p.Code)
	}
	assert.ElementsMatch(t, []string{"PATTERN_MISMATCH", "MAX_LENGTH", "ENUM_MISMATCH", "FORMAT_MISMATCH"}, codes)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Type[query]("Query")))
	require.NoError(t, r.Register(Any))

	err := r.Register(Type[query]("Query"))
	assert.Error(t, err)

	d, ok := r.Lookup("Query")
	require.True(t, ok)
	assert.Equal(t, "Query", d.Name())

	assert.Equal(t, []string{"Query", "any"}, r.Names())

	assert.Panics(t, func() { r.MustRegister(Any) })
}

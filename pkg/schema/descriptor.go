package schema

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"

	flowerrors "github.com/wehubfusion/Colony/pkg/errors"
)

// Descriptor validates payloads flowing into or out of a node.
type Descriptor interface {
	// Name identifies the descriptor in registries and error records
	Name() string

	// Validate returns a *errors.ValidationError when v does not conform
	Validate(v any) error
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// TypeDescriptor accepts values of type T (or *T). Struct types are further
// checked against their `validate` tags.
type TypeDescriptor[T any] struct {
	name     string
	rt       reflect.Type
	isStruct bool
}

// Type builds a descriptor for Go type T.
func Type[T any](name string) *TypeDescriptor[T] {
	rt := reflect.TypeFor[T]()
	if name == "" {
		name = rt.String()
	}
	return &TypeDescriptor[T]{name: name, rt: rt, isStruct: rt.Kind() == reflect.Struct}
}

// Name implements Descriptor
func (d *TypeDescriptor[T]) Name() string { return d.name }

// Validate implements Descriptor
func (d *TypeDescriptor[T]) Validate(v any) error {
	var value any
	switch x := v.(type) {
	case T:
		value = x
	case *T:
		if x == nil {
			return d.fail(Problem{Path: "root", Message: "nil pointer", Code: "REQUIRED"})
		}
		value = *x
	default:
		return d.fail(Problem{
			Path:    "root",
			Message: fmt.Sprintf("expected %s, got %T", d.rt, v),
			Code:    "TYPE_MISMATCH",
		})
	}

	if !d.isStruct {
		return nil
	}

	err := structValidator.Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return d.fail(Problem{Path: "root", Message: err.Error(), Code: "INVALID"})
	}
	problems := make([]Problem, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, Problem{
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed on '%s' rule", fe.Tag()),
			Code:    "RULE_" + fe.Tag(),
		})
	}
	return d.fail(problems...)
}

func (d *TypeDescriptor[T]) fail(problems ...Problem) error {
	return newValidationError(d.name, problems)
}

// ObjectDescriptor validates map payloads against a Schema.
type ObjectDescriptor struct {
	name      string
	schema    *Schema
	validator *Validator
}

// Object builds a descriptor from a parsed schema.
func Object(name string, s *Schema) (*ObjectDescriptor, error) {
	if err := Check(s); err != nil {
		return nil, ParseError(err)
	}
	return &ObjectDescriptor{name: name, schema: s, validator: NewValidator()}, nil
}

// Name implements Descriptor
func (d *ObjectDescriptor) Name() string { return d.name }

// Schema returns the underlying schema
func (d *ObjectDescriptor) Schema() *Schema { return d.schema }

// Validate implements Descriptor
func (d *ObjectDescriptor) Validate(v any) error {
	if problems := d.validator.Validate(v, d.schema); len(problems) > 0 {
		return newValidationError(d.name, problems)
	}
	return nil
}

type anyDescriptor struct{}

// Any accepts every payload.
var Any Descriptor = anyDescriptor{}

func (anyDescriptor) Name() string       { return "any" }
func (anyDescriptor) Validate(any) error { return nil }

func newValidationError(name string, problems []Problem) error {
	msgs := make([]string, len(problems))
	for i, p := range problems {
		msgs[i] = p.String()
	}
	return &flowerrors.ValidationError{Descriptor: name, Problems: msgs}
}

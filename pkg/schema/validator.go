package schema

import (
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"sync"
)

// Validator checks map-based payloads against a Schema.
type Validator struct {
	formats map[string]FormatValidator

	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

// NewValidator creates a validator with the built-in formats registered.
func NewValidator() *Validator {
	return &Validator{
		formats:  defaultFormats(),
		patterns: make(map[string]*regexp.Regexp),
	}
}

// RegisterFormat registers a custom format validator
func (v *Validator) RegisterFormat(format string, fn FormatValidator) {
	v.formats[format] = fn
}

// Validate returns every problem found in data. An empty result means valid.
func (v *Validator) Validate(data any, s *Schema) []Problem {
	root := &Property{Type: s.Type, Properties: s.Properties, Items: s.Items}
	var problems []Problem
	v.check(data, root, "root", &problems)
	return problems
}

func (v *Validator) check(value any, p *Property, path string, out *[]Problem) {
	if value == nil {
		if p.Required {
			*out = append(*out, Problem{Path: path, Message: "field is required", Code: "REQUIRED"})
		}
		return
	}

	mismatch := func(want string) {
		*out = append(*out, Problem{
			Path:    path,
			Message: fmt.Sprintf("expected %s, got %T", want, value),
			Code:    "TYPE_MISMATCH",
		})
	}

	switch p.Type {
	case TypeString, TypeDateTime:
		s, ok := value.(string)
		if !ok {
			mismatch("string")
			return
		}
		if p.Type == TypeDateTime && !validateDateTime(s) {
			*out = append(*out, Problem{Path: path, Message: "value is not an RFC 3339 timestamp", Code: "FORMAT_MISMATCH"})
		}
		v.checkString(s, p.Validation, path, out)

	case TypeNumber:
		n, ok := toFloat(value)
		if !ok {
			mismatch("number")
			return
		}
		v.checkNumber(n, p.Validation, path, out)

	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			mismatch("boolean")
		}

	case TypeArray:
		items, ok := toSlice(value)
		if !ok {
			mismatch("array")
			return
		}
		v.checkArray(items, p, path, out)

	case TypeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			mismatch("object")
			return
		}
		for name, child := range p.Properties {
			field, present := obj[name]
			childPath := path + "." + name
			if !present {
				if child.Required {
					*out = append(*out, Problem{Path: childPath, Message: "required field missing", Code: "REQUIRED"})
				}
				continue
			}
			v.check(field, child, childPath, out)
		}
	}
}

func (v *Validator) checkString(s string, rules *ValidationRules, path string, out *[]Problem) {
	if rules == nil {
		return
	}
	if rules.MinLength != nil && len(s) < *rules.MinLength {
		*out = append(*out, Problem{Path: path, Message: fmt.Sprintf("length %d is less than minimum %d", len(s), *rules.MinLength), Code: "MIN_LENGTH"})
	}
	if rules.MaxLength != nil && len(s) > *rules.MaxLength {
		*out = append(*out, Problem{Path: path, Message: fmt.Sprintf("length %d exceeds maximum %d", len(s), *rules.MaxLength), Code: "MAX_LENGTH"})
	}
	if rules.Pattern != "" {
		re, err := v.pattern(rules.Pattern)
		switch {
		case err != nil:
			*out = append(*out, Problem{Path: path, Message: fmt.Sprintf("invalid regex pattern: %v", err), Code: "INVALID_PATTERN"})
		case !re.MatchString(s):
			*out = append(*out, Problem{Path: path, Message: fmt.Sprintf("value does not match pattern '%s'", rules.Pattern), Code: "PATTERN_MISMATCH"})
		}
	}
	if rules.Format != "" {
		fn, ok := v.formats[rules.Format]
		switch {
		case !ok:
			*out = append(*out, Problem{Path: path, Message: "unknown format " + rules.Format, Code: "UNKNOWN_FORMAT"})
		case !fn(s):
			*out = append(*out, Problem{Path: path, Message: fmt.Sprintf("value does not match format '%s'", rules.Format), Code: "FORMAT_MISMATCH"})
		}
	}
	if len(rules.Enum) > 0 && !slices.Contains(rules.Enum, s) {
		*out = append(*out, Problem{Path: path, Message: fmt.Sprintf("value '%s' not in %v", s, rules.Enum), Code: "ENUM_MISMATCH"})
	}
}

func (v *Validator) checkNumber(n float64, rules *ValidationRules, path string, out *[]Problem) {
	if rules == nil {
		return
	}
	if rules.Minimum != nil && n < *rules.Minimum {
		*out = append(*out, Problem{Path: path, Message: fmt.Sprintf("value %g is less than minimum %g", n, *rules.Minimum), Code: "MIN_VALUE"})
	}
	if rules.Maximum != nil && n > *rules.Maximum {
		*out = append(*out, Problem{Path: path, Message: fmt.Sprintf("value %g exceeds maximum %g", n, *rules.Maximum), Code: "MAX_VALUE"})
	}
}

func (v *Validator) checkArray(items []any, p *Property, path string, out *[]Problem) {
	if rules := p.Validation; rules != nil {
		if rules.MinItems != nil && len(items) < *rules.MinItems {
			*out = append(*out, Problem{Path: path, Message: fmt.Sprintf("array length %d is less than minimum %d", len(items), *rules.MinItems), Code: "MIN_ITEMS"})
		}
		if rules.MaxItems != nil && len(items) > *rules.MaxItems {
			*out = append(*out, Problem{Path: path, Message: fmt.Sprintf("array length %d exceeds maximum %d", len(items), *rules.MaxItems), Code: "MAX_ITEMS"})
		}
	}
	if p.Items == nil {
		return
	}
	for i, item := range items {
		v.check(item, p.Items, fmt.Sprintf("%s[%d]", path, i), out)
	}
}

func (v *Validator) pattern(expr string) (*regexp.Regexp, error) {
	v.mu.RLock()
	re, ok := v.patterns[expr]
	v.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.patterns[expr] = re
	v.mu.Unlock()
	return re, nil
}

func toFloat(value any) (float64, bool) {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func toSlice(value any) ([]any, bool) {
	if items, ok := value.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

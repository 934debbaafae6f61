package schema

import (
	"encoding/json"
	"fmt"
)

// Parse parses a schema from JSON bytes and checks its structure.
func Parse(data []byte) (*Schema, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("schema bytes cannot be empty")
	}

	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, ParseError(err)
	}
	if err := Check(&s); err != nil {
		return nil, ParseError(err)
	}
	return &s, nil
}

// Check ensures every type in the schema is known.
func Check(s *Schema) error {
	if s.Type == "" {
		return fmt.Errorf("schema type is required")
	}
	if !IsValidType(s.Type) {
		return fmt.Errorf("invalid schema type: %s", s.Type)
	}
	for name, p := range s.Properties {
		if err := checkProperty(p, name); err != nil {
			return err
		}
	}
	if s.Items != nil {
		return checkProperty(s.Items, "items")
	}
	return nil
}

func checkProperty(p *Property, name string) error {
	if p == nil || p.Type == "" {
		return fmt.Errorf("property '%s' must have a type", name)
	}
	if !IsValidType(p.Type) {
		return fmt.Errorf("property '%s' has invalid type: %s", name, p.Type)
	}
	for child, cp := range p.Properties {
		if err := checkProperty(cp, name+"."+child); err != nil {
			return err
		}
	}
	if p.Items != nil {
		return checkProperty(p.Items, name+"[]")
	}
	return nil
}

package schema

// Schema describes the shape of a map-based payload.
type Schema struct {
	Type        SchemaType           `json:"type" yaml:"type"`
	Properties  map[string]*Property `json:"properties,omitempty" yaml:"properties,omitempty"`
	Items       *Property            `json:"items,omitempty" yaml:"items,omitempty"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
}

// Property describes one field of a schema.
type Property struct {
	Type        SchemaType           `json:"type" yaml:"type"`
	Required    bool                 `json:"required,omitempty" yaml:"required,omitempty"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Validation  *ValidationRules     `json:"validation,omitempty" yaml:"validation,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty" yaml:"properties,omitempty"`
	Items       *Property            `json:"items,omitempty" yaml:"items,omitempty"`
}

// SchemaType represents the data type of a field
type SchemaType string

// Supported schema types
const (
	TypeString   SchemaType = "STRING"
	TypeNumber   SchemaType = "NUMBER"
	TypeBoolean  SchemaType = "BOOLEAN"
	TypeObject   SchemaType = "OBJECT"
	TypeArray    SchemaType = "ARRAY"
	TypeDateTime SchemaType = "DATETIME"
	TypeAny      SchemaType = "ANY"
)

// ValidationRules narrows the values accepted for a field.
type ValidationRules struct {
	MinLength *int     `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength *int     `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Format    string   `json:"format,omitempty" yaml:"format,omitempty"`
	Enum      []string `json:"enum,omitempty" yaml:"enum,omitempty"`

	Minimum *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty" yaml:"maximum,omitempty"`

	MinItems *int `json:"minItems,omitempty" yaml:"minItems,omitempty"`
	MaxItems *int `json:"maxItems,omitempty" yaml:"maxItems,omitempty"`
}

// Problem is a single validation failure.
type Problem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (p Problem) String() string {
	return p.Path + ": " + p.Message
}

// IsValidType checks if a schema type is valid
func IsValidType(t SchemaType) bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeObject, TypeArray, TypeDateTime, TypeAny:
		return true
	}
	return false
}

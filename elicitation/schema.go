package elicitation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// Property is one primitive field of a Schema.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
}

// Schema is a flat object schema.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Raw returns the schema as an opaque payload suitable for an elicit request.
func (s Schema) Raw() (json.RawMessage, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("elicitation: marshal schema: %w", err)
	}
	return b, nil
}

var (
	ErrNotFlat       = errors.New("elicitation: schema is not a flat object of primitives")
	ErrInvalidSchema = errors.New("elicitation: invalid schema")
	ErrInvalidAnswer = errors.New("elicitation: response does not match schema")
)

// CheckFlat reports whether schema is an object whose properties are all
// primitives.
func CheckFlat(schema json.RawMessage) error {
	if !gjson.ValidBytes(schema) {
		return fmt.Errorf("%w: not valid JSON", ErrInvalidSchema)
	}
	root := gjson.ParseBytes(schema)
	if root.Get("type").String() != "object" {
		return fmt.Errorf("%w: root type must be object", ErrNotFlat)
	}
	props := root.Get("properties")
	if !props.IsObject() {
		return fmt.Errorf("%w: properties missing", ErrNotFlat)
	}
	var err error
	props.ForEach(func(key, value gjson.Result) bool {
		switch value.Get("type").String() {
		case "string", "number", "integer", "boolean":
			return true
		default:
			err = fmt.Errorf("%w: property %s has type %q", ErrNotFlat, key.String(), value.Get("type").String())
			return false
		}
	})
	return err
}

const inlineSchemaURL = "inline://schema"

func compile(schema json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.LoadURL = func(url string) (io.ReadCloser, error) {
		if url == inlineSchemaURL {
			return io.NopCloser(bytes.NewReader(schema)), nil
		}
		return nil, fmt.Errorf("unsupported schema ref: %s", url)
	}
	if err := compiler.AddResource(inlineSchemaURL, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	compiled, err := compiler.Compile(inlineSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return compiled, nil
}

// Validate checks content against schema.
func Validate(schema, content json.RawMessage) error {
	compiled, err := compile(schema)
	if err != nil {
		return err
	}
	if len(content) == 0 {
		content = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(content, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
	}
	if err := compiled.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
	}
	return nil
}

package provider

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
)

// Tool is a function the model may call. InputSchema is a JSON Schema
// object describing the arguments.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolFor builds a Tool whose schema is reflected from T's json and
// jsonschema struct tags.
//
//	type SearchArgs struct {
//	    Query string `json:"query" jsonschema:"required,description=Search terms"`
//	}
//	tool := provider.ToolFor[SearchArgs]("search", "Search the docs")
func ToolFor[T any](name, description string) Tool {
	return Tool{Name: name, Description: description, InputSchema: generateSchema[T]()}
}

func generateSchema[T any]() json.RawMessage {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	schema := reflector.Reflect(zero)
	b, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("generate schema for %T: %v", zero, err))
	}
	return b
}

// Schema is the decoded top level of a tool input schema.
type Schema struct {
	Properties map[string]any
	Extra      map[string]any
	Required   []string
}

// DecodeSchema splits a tool's schema into properties, required names and
// the remaining keywords. A missing schema decodes to an empty object.
func (t Tool) DecodeSchema() (Schema, error) {
	s := Schema{Properties: map[string]any{}}
	if len(t.InputSchema) == 0 {
		return s, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(t.InputSchema, &raw); err != nil {
		return s, fmt.Errorf("tool %s schema: %w", t.Name, err)
	}
	if props, ok := raw["properties"].(map[string]any); ok {
		s.Properties = props
	}
	if req, ok := raw["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	for k, v := range raw {
		switch k {
		case "properties", "required", "type", "$schema", "$id":
		default:
			if s.Extra == nil {
				s.Extra = map[string]any{}
			}
			s.Extra[k] = v
		}
	}
	return s, nil
}

// SchemaMap returns the full schema as a generic map.
func (t Tool) SchemaMap() (map[string]any, error) {
	out := map[string]any{"type": "object", "properties": map[string]any{}}
	if len(t.InputSchema) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(t.InputSchema, &out); err != nil {
		return nil, fmt.Errorf("tool %s schema: %w", t.Name, err)
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}

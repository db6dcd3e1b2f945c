package skills

import "sort"

// ToolDefinition is a skill in the function-calling format.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

type FunctionDefinition struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Parameters  ObjectSchema `json:"parameters"`
}

// ObjectSchema is the JSON-schema object describing a skill's arguments.
type ObjectSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]PropertySchema `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

type PropertySchema struct {
	Type        string        `json:"type"`
	Description string        `json:"description,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
	Default     interface{}   `json:"default,omitempty"`
}

// Map returns the schema as a plain JSON-compatible map.
func (s ObjectSchema) Map() map[string]interface{} {
	props := make(map[string]interface{}, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]interface{}{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[name] = prop
	}
	out := map[string]interface{}{
		"type":       s.Type,
		"properties": props,
	}
	if len(s.Required) > 0 {
		required := make([]interface{}, len(s.Required))
		for i, r := range s.Required {
			required[i] = r
		}
		out["required"] = required
	}
	return out
}

// requiredParams lists the non-optional parameter names, sorted.
func requiredParams(params map[string]Parameter) []string {
	var out []string
	for name, p := range params {
		if !p.Optional {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ToolDefinition converts the skill into the function-calling format.
func (s Skill) ToolDefinition() ToolDefinition {
	props := make(map[string]PropertySchema, len(s.Parameters))
	for name, p := range s.Parameters {
		props[name] = PropertySchema{
			Type:        p.Type,
			Description: p.Description,
			Enum:        p.Enum,
			Default:     p.Default,
		}
	}
	return ToolDefinition{
		Type: "function",
		Function: FunctionDefinition{
			Name:        s.Name,
			Description: s.Description,
			Parameters: ObjectSchema{
				Type:       "object",
				Properties: props,
				Required:   requiredParams(s.Parameters),
			},
		},
	}
}

func sortedKeys(m map[string]Parameter) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Copyright 2024-2026 Aiku AI

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// FieldType is the JSON type of a tool argument.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
)

// Field declares one tool argument.
type Field struct {
	Name        string
	Type        FieldType
	Description string
	Required    bool
}

// ToolHandler runs a tool. A returned error is a protocol-level internal
// fault; tool failures the client should see go into an error result.
type ToolHandler func(ctx context.Context, args Arguments) (*CallToolResult, error)

// Tool is a registered tool with its declared input shape.
type Tool struct {
	Name        string
	Description string
	Fields      []Field
	Annotations *ToolAnnotations
	Handler     ToolHandler
}

// InputSchema renders the declared fields as a JSON Schema object.
func (t *Tool) InputSchema() map[string]any {
	properties := make(map[string]any, len(t.Fields))
	required := make([]string, 0, len(t.Fields))
	for _, f := range t.Fields {
		prop := map[string]any{"type": string(f.Type)}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		properties[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Bind validates raw arguments against the declared fields. Unknown
// arguments are dropped.
func (t *Tool) Bind(raw json.RawMessage) (Arguments, error) {
	raw = bytes.TrimSpace(raw)
	input := map[string]any{}
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if raw[0] != '{' {
			return nil, fmt.Errorf("arguments must be an object")
		}
		if err := json.Unmarshal(raw, &input); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}
	args := make(Arguments, len(t.Fields))
	for _, f := range t.Fields {
		val, ok := input[f.Name]
		if !ok || val == nil {
			if f.Required {
				return nil, fmt.Errorf("missing required argument %q", f.Name)
			}
			continue
		}
		var typeOK bool
		switch f.Type {
		case TypeString:
			_, typeOK = val.(string)
		case TypeNumber:
			_, typeOK = val.(float64)
		case TypeBoolean:
			_, typeOK = val.(bool)
		}
		if !typeOK {
			return nil, fmt.Errorf("argument %q must be a %s", f.Name, f.Type)
		}
		args[f.Name] = val
	}
	return args, nil
}

// Arguments are validated tool arguments.
type Arguments map[string]any

func (a Arguments) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns a number argument truncated to an int, or def if absent.
func (a Arguments) Int(name string, def int) int {
	f, ok := a[name].(float64)
	if !ok {
		return def
	}
	return int(f)
}

func (a Arguments) Bool(name string, def bool) bool {
	b, ok := a[name].(bool)
	if !ok {
		return def
	}
	return b
}

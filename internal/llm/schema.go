package llm

import (
	"sort"
	"strings"
)

// SchemaType is a JSON Schema primitive type.
type SchemaType string

const (
	TypeObject  SchemaType = "object"
	TypeArray   SchemaType = "array"
	TypeString  SchemaType = "string"
	TypeNumber  SchemaType = "number"
	TypeInteger SchemaType = "integer"
	TypeBoolean SchemaType = "boolean"
)

// Schema is the canonical, recursive parameter schema for a tool. An enum
// is a string schema with Enum populated.
type Schema struct {
	Type        SchemaType         `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

// ToolDeclaration describes one callable tool.
type ToolDeclaration struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

// Object builds an object schema.
func Object(props map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: TypeObject, Properties: props, Required: required}
}

// String builds a string schema.
func String(desc string) *Schema { return &Schema{Type: TypeString, Description: desc} }

// Integer builds an integer schema.
func Integer(desc string) *Schema { return &Schema{Type: TypeInteger, Description: desc} }

// Number builds a number schema.
func Number(desc string) *Schema { return &Schema{Type: TypeNumber, Description: desc} }

// Boolean builds a boolean schema.
func Boolean(desc string) *Schema { return &Schema{Type: TypeBoolean, Description: desc} }

// Array builds an array schema. A nil items schema is encoded as string
// items by every dialect.
func Array(items *Schema, desc string) *Schema {
	return &Schema{Type: TypeArray, Items: items, Description: desc}
}

// Enum builds a string schema restricted to values.
func Enum(desc string, values ...string) *Schema {
	return &Schema{Type: TypeString, Description: desc, Enum: values}
}

// Dialect selects a backend's schema encoding.
type Dialect int

const (
	DialectOpenAI Dialect = iota
	DialectAnthropic
	DialectGemini
	DialectOllama
)

// PlaceholderProperty is injected into object schemas that declare no
// properties for dialects that reject empty objects.
const PlaceholderProperty = "_placeholder"

var placeholderSchema = &Schema{
	Type:        TypeBoolean,
	Description: "Unused. Leave unset.",
}

// Encode translates s into the dialect's wire representation. A nil
// schema encodes as an object with no declared properties.
func (s *Schema) Encode(d Dialect) map[string]any {
	if s == nil {
		s = &Schema{Type: TypeObject}
	}
	return encodeSchema(s, d)
}

func encodeSchema(s *Schema, d Dialect) map[string]any {
	out := map[string]any{
		"type": typeName(s.Type, d),
	}
	if s.Description != "" {
		out["description"] = s.Description
	}

	switch s.Type {
	case TypeObject:
		props := s.Properties
		if len(props) == 0 && d == DialectGemini {
			props = map[string]*Schema{PlaceholderProperty: placeholderSchema}
		}
		encoded := make(map[string]any, len(props))
		for _, name := range sortedKeys(props) {
			encoded[name] = encodeSchema(props[name], d)
		}
		out["properties"] = encoded
		if req := requiredPresent(s.Required, props); len(req) > 0 {
			out["required"] = req
		}

	case TypeArray:
		items := s.Items
		if items == nil {
			items = &Schema{Type: TypeString}
		}
		out["items"] = encodeSchema(items, d)

	case TypeString:
		if len(s.Enum) > 0 {
			out["enum"] = append([]string(nil), s.Enum...)
			if d == DialectGemini {
				out["format"] = "enum"
			}
		}
	}
	return out
}

func typeName(t SchemaType, d Dialect) string {
	if t == "" {
		t = TypeString
	}
	if d == DialectGemini {
		return strings.ToUpper(string(t))
	}
	return string(t)
}

// requiredPresent drops required names that have no property, which
// strict validators reject.
func requiredPresent(required []string, props map[string]*Schema) []string {
	var out []string
	for _, r := range required {
		if _, ok := props[r]; ok {
			out = append(out, r)
		}
	}
	return out
}

func sortedKeys(m map[string]*Schema) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// functionTools encodes declarations in the OpenAI-style function tool
// list, shared by the OpenAI-compatible and Ollama dialects.
func functionTools(decls []ToolDeclaration, d Dialect) []map[string]any {
	if len(decls) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(decls))
	for _, decl := range decls {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        decl.Name,
				"description": decl.Description,
				"parameters":  decl.Parameters.Encode(d),
			},
		})
	}
	return out
}

// geminiTools puts every function declaration into a single tool
// container; splitting them across containers slows the backend down by
// orders of magnitude. Code execution gets its own container.
func geminiTools(decls []ToolDeclaration, codeExecution bool) []map[string]any {
	var out []map[string]any
	if len(decls) > 0 {
		fns := make([]map[string]any, 0, len(decls))
		for _, decl := range decls {
			fns = append(fns, map[string]any{
				"name":        decl.Name,
				"description": decl.Description,
				"parameters":  decl.Parameters.Encode(DialectGemini),
			})
		}
		out = append(out, map[string]any{"functionDeclarations": fns})
	}
	if codeExecution {
		out = append(out, map[string]any{"codeExecution": map[string]any{}})
	}
	return out
}

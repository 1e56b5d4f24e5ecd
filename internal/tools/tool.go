// Package tools holds the capabilities the triage model may call while it analyses a
// URL, and the registry that advertises them to the provider.
package tools

import (
	"context"
	"encoding/json"
	"slices"
)

// Tool is one model-callable capability. Parameters returns its JSON Schema.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// ToolDef is a tool as the provider API describes it.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Registry maps tool names to tools. It is built once at startup and read-only after.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry returns a registry holding ts. A later tool replaces an earlier one
// with the same name.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		r.Register(t)
	}
	return r
}

// Register adds t under its name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ToToolDefs describes every tool for the provider, ordered by name.
func (r *Registry) ToToolDefs() []ToolDef {
	out := make([]ToolDef, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		out = append(out, ToolDef{Name: name, Description: t.Description(), InputSchema: t.Parameters()})
	}
	return out
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/ent0n29/callbridge/internal/provider"
)

// Invocation is what a tool receives for one call.
type Invocation struct {
	// CallID is the provider-assigned function call id.
	CallID    string
	SessionID string
	ChannelID string
	Arguments json.RawMessage
}

// Tool is one in-call action the agent may request.
type Tool interface {
	Name() string
	Description() string
	Schema() *jsonschema.Schema
	Execute(ctx context.Context, inv Invocation) (map[string]any, error)
}

var reflector = jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}

// SchemaFor reflects the argument schema of a typed argument struct.
func SchemaFor(args any) *jsonschema.Schema {
	t := reflect.TypeOf(args)
	if t.Kind() == reflect.Ptr {
		return reflector.ReflectFromType(t.Elem())
	}
	return reflector.Reflect(args)
}

// Registry holds every tool the process knows about.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Enable returns the subset named by names. Unknown names are a configuration error.
func (r *Registry) Enable(names []string) (map[string]Tool, error) {
	out := make(map[string]Tool, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		t, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q (known: %s)", name, strings.Join(r.Names(), ","))
		}
		out[name] = t
	}
	return out, nil
}

// Specs advertises tools to a provider, sorted by name.
func Specs(enabled map[string]Tool) []provider.ToolSpec {
	names := make([]string, 0, len(enabled))
	for name := range enabled {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]provider.ToolSpec, 0, len(names))
	for _, name := range names {
		t := enabled[name]
		out = append(out, provider.ToolSpec{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()})
	}
	return out
}

func decodeArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

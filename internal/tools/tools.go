// Package tools provides the shared tool catalog for the assistant.
//
// Every callable action is declared exactly once as a Definition. A definition
// carries either a server-side handler (executed inside the orchestrator) or a
// client marker (executed by the page-side runtime); the registry rejects a
// definition with neither, so a tool that is declared but implemented nowhere
// fails at startup instead of becoming a silent no-op.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Call is a single tool invocation requested by the model.
// Calls are consumed once per turn and never persisted.
type Call struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Result is the outcome of executing a Call.
type Result struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Message string `json:"message"`

	// RequiresUI marks results whose side effect opened a UI surface
	// (e.g. the blog search box) rather than completing silently.
	RequiresUI bool `json:"requiresUI,omitempty"`
}

// ServerHandler executes a server-trusted tool inside the orchestrator.
// Handlers must not panic; errors are converted to a failed Result, never
// propagated to abort the turn.
type ServerHandler func(ctx context.Context, userID string, args map[string]any) Result

// Definition declares one callable action. Immutable after process start and
// shared by reference between the orchestrator and the client registry.
type Definition struct {
	Name        string
	Description string
	Params      *jsonschema.Schema

	// Exactly one of the following must be set.
	Server ServerHandler // executed inside the orchestrator
	Client bool          // executed by the page-side runtime
}

// IsServer reports whether the tool has a server-side handler.
func (d Definition) IsServer() bool {
	return d.Server != nil
}

// WireDefinition is the JSON shape advertised to the inference endpoint.
type WireDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Registry is the validated tool catalog. Stateless after construction and
// safe for concurrent use.
type Registry struct {
	defs   []Definition
	byName map[string]Definition
	wire   []WireDefinition // cached at construction
}

// NewRegistry validates the definitions and builds the lookup tables.
// It fails on duplicate names and on definitions that are neither server
// nor client implemented.
func NewRegistry(defs []Definition) (*Registry, error) {
	byName := make(map[string]Definition, len(defs))
	wire := make([]WireDefinition, 0, len(defs))

	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("tool definition with empty name")
		}
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", d.Name)
		}
		if d.Server != nil && d.Client {
			return nil, fmt.Errorf("tool %q declares both server and client handlers", d.Name)
		}
		if d.Server == nil && !d.Client {
			return nil, fmt.Errorf("tool %q is declared but implemented nowhere", d.Name)
		}

		params, err := json.Marshal(d.Params)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %q: %w", d.Name, err)
		}

		byName[d.Name] = d
		wire = append(wire, WireDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		})
	}

	return &Registry{defs: defs, byName: byName, wire: wire}, nil
}

// Definitions returns all definitions in declaration order.
func (r *Registry) Definitions() []Definition {
	return r.defs
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (Definition, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// IsServer reports whether name is a server-executed tool.
// Unknown names are not server tools.
func (r *Registry) IsServer(name string) bool {
	d, ok := r.byName[name]
	return ok && d.IsServer()
}

// WireFormat returns the definitions in the shape advertised to the model.
func (r *Registry) WireFormat() []WireDefinition {
	return r.wire
}

// Execute runs the server handler for call. Unknown tools, client
// tools, and panicking handlers all yield a failed Result; tool
// execution never aborts the enclosing turn.
func (r *Registry) Execute(ctx context.Context, userID string, call Call) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{
				Name:    call.Name,
				Success: false,
				Message: fmt.Sprintf("tool %q panicked: %v", call.Name, rec),
			}
		}
	}()

	d, ok := r.byName[call.Name]
	if !ok || d.Server == nil {
		return Result{
			Name:    call.Name,
			Success: false,
			Message: fmt.Sprintf("tool %q has no server handler", call.Name),
		}
	}
	return d.Server(ctx, userID, call.Arguments)
}

// StringArg extracts a string argument. Returns "" when absent or not a string.
func StringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

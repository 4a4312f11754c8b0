// Package registry holds a gateway's configured action table: per-action
// parameter schemas, minimum reputation scores, and handlers.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ParamType is the declared type of an action parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// Param declares one parameter of an action.
type Param struct {
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
}

// AgentContext identifies the caller during handler execution.
type AgentContext struct {
	AgentID    string
	ExternalID string
	Score      int
}

// Handler executes one action. A returned error or panic becomes the
// wire error string; it never crashes the gateway.
type Handler func(ctx context.Context, params map[string]any, agent AgentContext) (any, error)

// Action is one entry in the gateway's action table.
type Action struct {
	Description string
	MinScore    int
	Parameters  map[string]Param
	Handler     Handler
}

// ActionView is the public projection of an action, handler stripped.
type ActionView struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	MinScore    int              `json:"minScore"`
	Parameters  map[string]Param `json:"parameters"`
}

// Result is the outcome of Execute.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Registry is a concurrency-safe action table.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Add registers an action under name, replacing any previous entry.
func (r *Registry) Add(name string, a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = a
}

// Get returns the action and whether it exists.
func (r *Registry) Get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Names returns all action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the public view of every action, sorted by name.
func (r *Registry) List() []ActionView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	views := make([]ActionView, 0, len(r.actions))
	for name, a := range r.actions {
		views = append(views, ActionView{
			Name:        name,
			Description: a.Description,
			MinScore:    a.MinScore,
			Parameters:  a.Parameters,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return views
}

// Validate checks params against the action's schema and returns the
// violations in a stable order: missing required fields first, then type
// mismatches, then unknown parameters, each sorted by field name.
func (r *Registry) Validate(name string, params map[string]any) []string {
	action, ok := r.Get(name)
	if !ok {
		return []string{fmt.Sprintf("unknown action %q", name)}
	}

	var missing, mismatched, unknown []string
	for _, field := range sortedKeys(action.Parameters) {
		decl := action.Parameters[field]
		value, present := params[field]
		if !present {
			if decl.Required {
				missing = append(missing, fmt.Sprintf("missing required parameter %q", field))
			}
			continue
		}
		if got := typeOf(value); got != decl.Type {
			mismatched = append(mismatched, fmt.Sprintf("parameter %q must be %s, got %s", field, decl.Type, got))
		}
	}
	for _, field := range sortedKeys(params) {
		if _, declared := action.Parameters[field]; !declared {
			unknown = append(unknown, fmt.Sprintf("unknown parameter %q", field))
		}
	}

	violations := make([]string, 0, len(missing)+len(mismatched)+len(unknown))
	violations = append(violations, missing...)
	violations = append(violations, mismatched...)
	violations = append(violations, unknown...)
	return violations
}

// Execute runs the named action for the agent. The score gate and the
// schema check run before the handler; handler panics are trapped.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, agent AgentContext) Result {
	action, ok := r.Get(name)
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("unknown action %q", name)}
	}
	if agent.Score < action.MinScore {
		return Result{Success: false, Error: fmt.Sprintf("Insufficient reputation score: %d < %d", agent.Score, action.MinScore)}
	}
	if violations := r.Validate(name, params); len(violations) > 0 {
		return Result{Success: false, Error: "validation failed: " + strings.Join(violations, "; ")}
	}

	data, err := runHandler(ctx, action.Handler, params, agent)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, Data: data}
}

// runHandler invokes the handler with panic recovery.
func runHandler(ctx context.Context, h Handler, params map[string]any, agent AgentContext) (data any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%v", rec)
		}
	}()
	return h(ctx, params, agent)
}

// typeOf maps a decoded JSON value onto the schema type vocabulary.
// json.Unmarshal into any yields float64 for all numbers, []any for
// arrays, and map[string]any for objects.
func typeOf(v any) ParamType {
	switch v.(type) {
	case string:
		return TypeString
	case float64, int, int64:
		return TypeNumber
	case bool:
		return TypeBoolean
	case []any:
		return TypeArray
	case map[string]any:
		return TypeObject
	default:
		return ParamType("null")
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

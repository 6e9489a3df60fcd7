// Package tools holds the tool registry, the executor bus service, and the
// builtin web tools. A tool is anything the LLM can call by name; the
// registry is the single catalog the context builder advertises and the
// executor dispatches against.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/nexus/internal/models"
)

// Tool is a callable capability advertised to the LLM.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Registry is the runtime tool catalog. Registration happens at startup;
// lookups and snapshots are safe for concurrent use afterwards.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool under its name. Re-registering a name replaces the
// previous tool.
func (r *Registry) Register(t Tool) {
	if t == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the catalog in the shape providers expect, sorted by
// name so prompt output stays stable across runs.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, models.NewToolDefinition(t.Name(), t.Description(), t.Parameters()))
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Function.Name < defs[j].Function.Name })
	return defs
}

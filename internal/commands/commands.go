// Package commands provides slash command registration and the bus service
// that executes them. Commands are the non-conversational surface: input
// starting with "/" bypasses the run lifecycle entirely and comes back on
// command.result instead of the LLM path.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler executes one command invocation. The returned string is the
// user-visible result; a non-nil error marks the invocation failed and the
// error text becomes the result.
type Handler func(ctx context.Context, inv Invocation) (string, error)

// Command is a registered slash command.
type Command struct {
	Name        string  `json:"name"`        // without the leading slash
	Description string  `json:"description"` // one line for /help and GET /commands
	Usage       string  `json:"usage,omitempty"`
	Handler     Handler `json:"-"`
}

// Invocation carries one parsed command call to its handler.
type Invocation struct {
	Command      string
	Args         string
	OriginalText string
	OwnerKey     string
	RunID        string
}

// Descriptor is the metadata shape served by GET /commands.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Usage       string `json:"usage,omitempty"`
}

// Registry holds the command catalog. Registration happens at startup;
// lookups are safe for concurrent use afterwards.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
}

func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds a command. Names are case-insensitive and unique.
func (r *Registry) Register(cmd Command) error {
	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	if name == "" {
		return fmt.Errorf("command name is required")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command %q has no handler", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	cmd.Name = name
	r.commands[name] = cmd
	return nil
}

// Get looks up a command by name, case-insensitive.
func (r *Registry) Get(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[strings.ToLower(strings.TrimSpace(name))]
	return cmd, ok
}

// List returns all commands sorted by name.
func (r *Registry) List() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Descriptors returns the catalog metadata for the REST surface.
func (r *Registry) Descriptors() []Descriptor {
	cmds := r.List()
	out := make([]Descriptor, 0, len(cmds))
	for _, cmd := range cmds {
		out = append(out, Descriptor{Name: cmd.Name, Description: cmd.Description, Usage: cmd.Usage})
	}
	return out
}

package shell

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Handler runs a command with the text that followed its name.
type Handler func(ctx context.Context, args string) error

type Command struct {
	// Name is the canonical underscore-joined name, e.g. "show_image".
	Name    string
	Aliases []string
	Usage   string
	Summary string
	Run     Handler
}

// Registry maps command names and aliases to commands.
type Registry struct {
	commands map[string]*Command
	names    []string
}

func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*Command)}
}

func key(name string) string {
	return strings.Join(strings.Fields(name), "_")
}

// Register adds c under its name and aliases. It panics if any of them is
// already registered.
func (r *Registry) Register(c *Command) {
	keys := append([]string{key(c.Name)}, c.Aliases...)
	for i, k := range keys {
		k = key(k)
		if _, exists := r.commands[k]; exists {
			panic(fmt.Sprintf("command %s already registered", k))
		}
		keys[i] = k
	}

	c.Name = keys[0]
	for _, k := range keys {
		r.commands[k] = c
	}
	r.names = append(r.names, c.Name)
}

// Lookup finds a command by name or alias. Spaces in name are treated as
// underscores.
func (r *Registry) Lookup(name string) (*Command, bool) {
	c, ok := r.commands[key(name)]
	return c, ok
}

// Resolve finds the command for an input line and returns it with the rest
// of the line. The first two words joined by an underscore take precedence
// over the first word alone. A leading '!' is ignored.
func (r *Registry) Resolve(line string) (*Command, string, bool) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "!")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, "", false
	}

	if len(fields) >= 2 {
		if c, ok := r.commands[fields[0]+"_"+fields[1]]; ok {
			return c, strings.Join(fields[2:], " "), true
		}
	}

	if c, ok := r.commands[fields[0]]; ok {
		return c, strings.Join(fields[1:], " "), true
	}
	return nil, "", false
}

// Names returns the canonical command names in sorted order.
func (r *Registry) Names() []string {
	names := slices.Clone(r.names)
	slices.Sort(names)
	return names
}

package nn

import (
	"context"
	"strconv"
	"strings"
)

// Module is a node in a network's layer tree.
type Module interface {
	// Kind is the layer type name, e.g. "Conv2d".
	Kind() string
	String() string
	// Forward computes the module output. Callers should go through Call so
	// that forward hooks run.
	Forward(ctx context.Context, x *Tensor) (*Tensor, error)
	Children() []Child
	Parameters() []*Parameter
	Hooks() *Hooks
}

// Child is a named sub-module.
type Child struct {
	Name   string
	Module Module
}

// Parameter is a learnable tensor owned by a module.
type Parameter struct {
	Name  string
	Value *Tensor
	Grad  *Tensor
	// Buffer marks state that is saved with the weights but not learned,
	// such as batch norm running statistics.
	Buffer bool
}

// Call runs m's forward pass followed by its forward hooks. It returns the
// context error if ctx is already done.
func Call(ctx context.Context, m Module, x *Tensor) (*Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := m.Forward(ctx, x)
	if err != nil {
		return nil, err
	}

	m.Hooks().run(m, x, out)
	return out, nil
}

// Param returns the parameter of m with the given local name, or nil.
func Param(m Module, name string) *Parameter {
	for _, p := range m.Parameters() {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// NamedParameter is a parameter with its dotted path from the root module.
type NamedParameter struct {
	Path string
	*Parameter
}

// NamedParameters walks the tree depth first and returns every parameter
// keyed by its state dict name, e.g. "features.0.weight".
func NamedParameters(m Module) []NamedParameter {
	var params []NamedParameter
	Walk(m, func(path string, _ []int, mod Module) bool {
		for _, p := range mod.Parameters() {
			params = append(params, NamedParameter{Path: join(path, p.Name), Parameter: p})
		}
		return true
	})
	return params
}

// NumParameters returns the total number of scalar parameters in m.
func NumParameters(m Module) uint64 {
	var n uint64
	for _, p := range NamedParameters(m) {
		if p.Buffer {
			continue
		}
		n += uint64(p.Value.Len())
	}
	return n
}

// Walk visits m and its descendants depth first, passing the dotted path and
// the child index path of each module. The root has an empty path. Returning
// false from fn skips that module's children.
func Walk(m Module, fn func(path string, index []int, m Module) bool) {
	walk(m, "", nil, fn)
}

func walk(m Module, path string, index []int, fn func(string, []int, Module) bool) {
	if !fn(path, index, m) {
		return
	}
	for i, c := range m.Children() {
		walk(c.Module, join(path, c.Name), append(append([]int(nil), index...), i), fn)
	}
}

// Leaves returns the modules without children in depth first order.
func Leaves(m Module) []Child {
	var leaves []Child
	Walk(m, func(path string, _ []int, mod Module) bool {
		if len(mod.Children()) == 0 && path != "" {
			leaves = append(leaves, Child{Name: path, Module: mod})
		}
		return true
	})
	return leaves
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// IndexString formats a child index path the way it is shown to users.
func IndexString(index []int) string {
	parts := make([]string, len(index))
	for i, v := range index {
		parts[i] = strconv.Itoa(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

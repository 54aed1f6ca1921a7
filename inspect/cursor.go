// Package inspect tracks the models under inspection and a layer cursor for
// each of them.
package inspect

import (
	"errors"

	"github.com/pmdebug/pmdebug/logutil"
	"github.com/pmdebug/pmdebug/nn"
)

var (
	ErrNoLayers      = errors.New("no layers")
	ErrLayerNotFound = errors.New("layer not found")
	ErrNotCaptured   = errors.New("not captured")
)

// Layer is a leaf of a model's layer tree.
type Layer struct {
	// ID is the dotted state dict path, e.g. "features.4".
	ID string
	// Index is the child index path from the root, e.g. [0 4].
	Index  []int
	Module nn.Module
}

// Label is the form shown to users: the index path followed by the layer.
func (l Layer) Label() string {
	return nn.IndexString(l.Index)
}

// capture records the output of the next forward pass through one layer.
type capture struct {
	handle *nn.HookHandle
	out    *nn.Tensor
}

// Cursor is a position in the depth first list of a model's leaf layers.
type Cursor struct {
	layers   []Layer
	pos      int
	captures map[nn.Module]*capture
}

// NewCursor walks m and positions the cursor on its last ReLU, or on its last
// layer when there is none.
func NewCursor(m nn.Module) *Cursor {
	c := &Cursor{captures: make(map[nn.Module]*capture)}
	nn.Walk(m, func(path string, index []int, mod nn.Module) bool {
		if len(mod.Children()) == 0 && path != "" {
			c.layers = append(c.layers, Layer{ID: path, Index: index, Module: mod})
		}
		return true
	})

	c.pos = len(c.layers) - 1
	if l, err := c.FindLast(IsKind("ReLU")); err == nil {
		c.pos = c.indexOf(l)
	}
	c.pos = max(c.pos, 0)
	return c
}

func (c *Cursor) indexOf(l Layer) int {
	for i, x := range c.layers {
		if x.Module == l.Module {
			return i
		}
	}
	return -1
}

func (c *Cursor) Len() int { return len(c.layers) }

func (c *Cursor) Position() int { return c.pos }

func (c *Cursor) Layers() []Layer { return c.layers }

func (c *Cursor) Current() (Layer, error) {
	if len(c.layers) == 0 {
		return Layer{}, ErrNoLayers
	}
	return c.layers[c.pos], nil
}

// Up moves toward the input. It reports false, without moving, at the first
// layer.
func (c *Cursor) Up() (bool, error) {
	if len(c.layers) == 0 {
		return false, ErrNoLayers
	}
	if c.pos == 0 {
		return false, nil
	}
	c.pos--
	return true, nil
}

// Down moves toward the output. It reports false, without moving, at the
// last layer.
func (c *Cursor) Down() (bool, error) {
	if len(c.layers) == 0 {
		return false, ErrNoLayers
	}
	if c.pos == len(c.layers)-1 {
		return false, nil
	}
	c.pos++
	return true, nil
}

// Predicate selects layers.
type Predicate func(Layer) bool

// IsKind matches layers of the given kind, e.g. "Conv2d".
func IsKind(kind string) Predicate {
	return func(l Layer) bool { return l.Module.Kind() == kind }
}

func (c *Cursor) FindFirst(pred Predicate) (Layer, error) {
	if len(c.layers) == 0 {
		return Layer{}, ErrNoLayers
	}
	for _, l := range c.layers {
		if pred(l) {
			return l, nil
		}
	}
	return Layer{}, ErrLayerNotFound
}

func (c *Cursor) FindLast(pred Predicate) (Layer, error) {
	if len(c.layers) == 0 {
		return Layer{}, ErrNoLayers
	}
	for i := len(c.layers) - 1; i >= 0; i-- {
		if pred(c.layers[i]) {
			return c.layers[i], nil
		}
	}
	return Layer{}, ErrLayerNotFound
}

// RegisterForwardHook arranges for the next forward pass to record the
// current layer's output.
func (c *Cursor) RegisterForwardHook() (Layer, error) {
	l, err := c.Current()
	if err != nil {
		return Layer{}, err
	}
	c.HookAt(l)
	return l, nil
}

// HookAt installs a one-shot capture on l. A capture already installed on l
// is replaced and its recorded output discarded.
func (c *Cursor) HookAt(l Layer) {
	if old, ok := c.captures[l.Module]; ok {
		old.handle.Remove()
	}

	cp := &capture{}
	cp.handle = l.Module.Hooks().Add(func(_ nn.Module, _, out *nn.Tensor) {
		logutil.Trace("captured layer output", "layer", l.ID, "shape", out.Shape())
		cp.out = out.Clone()
		cp.handle.Remove()
	})
	c.captures[l.Module] = cp
}

// Data returns what the current layer's capture recorded.
func (c *Cursor) Data() (*nn.Tensor, error) {
	l, err := c.Current()
	if err != nil {
		return nil, err
	}
	return c.DataAt(l)
}

func (c *Cursor) DataAt(l Layer) (*nn.Tensor, error) {
	cp, ok := c.captures[l.Module]
	if !ok || cp.out == nil {
		return nil, ErrNotCaptured
	}
	return cp.out, nil
}

// Close removes every pending capture.
func (c *Cursor) Close() {
	for m, cp := range c.captures {
		cp.handle.Remove()
		delete(c.captures, m)
	}
}

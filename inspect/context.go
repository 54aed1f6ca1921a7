package inspect

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/emirpasic/gods/maps/linkedhashmap"

	"github.com/pmdebug/pmdebug/nn"
)

var (
	ErrNoCurrent    = errors.New("no default model is set")
	ErrNotInContext = errors.New("not in context")
)

// Entry is a model under inspection.
type Entry struct {
	Name   string
	Model  nn.Module
	Cursor *Cursor
}

func newEntry(name string, m nn.Module) *Entry {
	return &Entry{Name: name, Model: m, Cursor: NewCursor(m)}
}

// Contexts holds the model entries in the order they were added and the name
// of the current one.
type Contexts struct {
	entries *linkedhashmap.Map
	current string
}

func NewContexts() *Contexts {
	return &Contexts{entries: linkedhashmap.New()}
}

// Set makes name the current entry. An existing entry for the same model is
// reused as is; otherwise the entry is (re)built from m.
func (c *Contexts) Set(name string, m nn.Module) *Entry {
	if e, ok := c.Lookup(name); ok && e.Model == m {
		c.current = name
		return e
	}

	if old, ok := c.Lookup(name); ok {
		old.Cursor.Close()
	}

	e := newEntry(name, m)
	c.entries.Put(name, e)
	c.current = name
	slog.Debug("context set", "name", name, "layers", e.Cursor.Len())
	return e
}

// Resync rebuilds the entry for name from m, which replaces the previous
// model. The current entry does not change. A nil m drops the entry.
func (c *Contexts) Resync(name string, m nn.Module) error {
	old, ok := c.Lookup(name)
	if !ok {
		return fmt.Errorf("model %q %w", name, ErrNotInContext)
	}
	old.Cursor.Close()

	if m == nil {
		c.entries.Remove(name)
		if c.current == name {
			c.current = ""
		}
		return nil
	}

	c.entries.Put(name, newEntry(name, m))
	return nil
}

func (c *Contexts) Delete(name string) error {
	e, ok := c.Lookup(name)
	if !ok {
		return fmt.Errorf("model %q %w", name, ErrNotInContext)
	}
	e.Cursor.Close()
	c.entries.Remove(name)
	if c.current == name {
		c.current = ""
	}
	return nil
}

func (c *Contexts) Lookup(name string) (*Entry, bool) {
	v, ok := c.entries.Get(name)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

func (c *Contexts) Current() (*Entry, error) {
	if c.current == "" {
		return nil, ErrNoCurrent
	}
	e, _ := c.Lookup(c.current)
	return e, nil
}

func (c *Contexts) CurrentName() string { return c.current }

// Resolve returns the entry named name, or the current entry when name is
// empty.
func (c *Contexts) Resolve(name string) (*Entry, error) {
	if name == "" {
		return c.Current()
	}
	e, ok := c.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("model %q %w", name, ErrNotInContext)
	}
	return e, nil
}

// Names lists the entries in insertion order.
func (c *Contexts) Names() []string {
	names := make([]string, 0, c.entries.Size())
	for _, k := range c.entries.Keys() {
		names = append(names, k.(string))
	}
	return names
}

func (c *Contexts) Len() int { return c.entries.Size() }

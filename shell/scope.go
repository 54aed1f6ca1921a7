package shell

import (
	"slices"

	"github.com/pmdebug/pmdebug/nn"
)

// Scope holds the names commands can refer to. A name is bound to either a
// model or an image; binding it again replaces whatever it held.
type Scope struct {
	models map[string]nn.Module
	images map[string]*nn.Tensor
}

func NewScope() *Scope {
	return &Scope{
		models: make(map[string]nn.Module),
		images: make(map[string]*nn.Tensor),
	}
}

func (s *Scope) BindModel(name string, m nn.Module) {
	delete(s.images, name)
	s.models[name] = m
}

func (s *Scope) BindImage(name string, t *nn.Tensor) {
	delete(s.models, name)
	s.images[name] = t
}

func (s *Scope) Model(name string) (nn.Module, bool) {
	m, ok := s.models[name]
	return m, ok
}

func (s *Scope) Image(name string) (*nn.Tensor, bool) {
	t, ok := s.images[name]
	return t, ok
}

func (s *Scope) Unbind(name string) {
	delete(s.models, name)
	delete(s.images, name)
}

func (s *Scope) Names() []string {
	names := make([]string, 0, len(s.models)+len(s.images))
	for k := range s.models {
		names = append(names, k)
	}
	for k := range s.images {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

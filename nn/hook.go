package nn

import "github.com/emirpasic/gods/maps/treemap"

// HookFunc observes a module's input and output after its forward pass.
type HookFunc func(m Module, input, output *Tensor)

// Hooks holds the forward hooks registered on one module, run in
// registration order.
type Hooks struct {
	fns  *treemap.Map
	next int
}

// HookHandle removes the hook it was returned for.
type HookHandle struct {
	hooks *Hooks
	id    int
}

// Add registers fn and returns a handle that removes it.
func (h *Hooks) Add(fn HookFunc) *HookHandle {
	if h.fns == nil {
		h.fns = treemap.NewWithIntComparator()
	}
	h.next++
	h.fns.Put(h.next, fn)
	return &HookHandle{hooks: h, id: h.next}
}

func (h *Hooks) Len() int {
	if h.fns == nil {
		return 0
	}
	return h.fns.Size()
}

func (h *Hooks) run(m Module, input, output *Tensor) {
	if h.fns == nil {
		return
	}
	// hooks may remove themselves while running
	for _, v := range h.fns.Values() {
		v.(HookFunc)(m, input, output)
	}
}

// Remove unregisters the hook. It is safe to call more than once.
func (hh *HookHandle) Remove() {
	if hh == nil || hh.hooks == nil || hh.hooks.fns == nil {
		return
	}
	hh.hooks.fns.Remove(hh.id)
}

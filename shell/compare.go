package shell

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pmdebug/pmdebug/viz"
)

type TargetKind int

const (
	TargetNone TargetKind = iota
	TargetModel
	TargetImage
	TargetFirstLayerWeights
)

// CompareTarget is what a display command is compared against. Model is set
// only for TargetModel.
type CompareTarget struct {
	Kind  TargetKind
	Model string
}

func (t CompareTarget) String() string {
	switch t.Kind {
	case TargetModel:
		return t.Model
	case TargetImage:
		return "image"
	case TargetFirstLayerWeights:
		return "flw"
	default:
		return "none"
	}
}

// ParseCompareTarget reads the argument of "set compare". Anything other
// than the image, flw and none markers names a model.
func ParseCompareTarget(s string) CompareTarget {
	switch s {
	case "", "none", "None":
		return CompareTarget{}
	case "image", "img":
		return CompareTarget{Kind: TargetImage}
	case "flw", "first_layer_weights":
		return CompareTarget{Kind: TargetFirstLayerWeights}
	default:
		return CompareTarget{Kind: TargetModel, Model: s}
	}
}

// Compare runs wrapped commands twice side by side when a target is pending:
// once for the target in the left pane and once as asked in the right pane.
type Compare struct {
	pending CompareTarget
	stack   []CompareTarget
	surface viz.Surface

	image Handler
	flw   Handler
}

func NewCompare(surface viz.Surface, image, flw Handler) *Compare {
	return &Compare{surface: surface, image: image, flw: flw}
}

func (c *Compare) Set(t CompareTarget) { c.pending = t }

func (c *Compare) Pending() CompareTarget { return c.pending }

func (c *Compare) Depth() int { return len(c.stack) }

// Wrap returns h expanded with the pending comparison. The pending target is
// cleared while the expansion runs, so commands called from inside it do not
// expand again, and is restored however h returns.
func (c *Compare) Wrap(h Handler) Handler {
	return func(ctx context.Context, args string) error {
		target := c.pending
		if target.Kind == TargetNone {
			return h(ctx, args)
		}

		c.stack = append(c.stack, target)
		c.pending = CompareTarget{}
		c.surface.SetDual(true)
		defer func() {
			c.surface.SetDual(false)
			c.pending = c.stack[len(c.stack)-1]
			c.stack = c.stack[:len(c.stack)-1]
		}()

		slog.Debug("compare", "target", target.String(), "depth", len(c.stack))
		c.surface.SelectPane(0)
		if err := c.side(ctx, target, h); err != nil {
			return err
		}

		c.surface.SelectPane(1)
		return h(ctx, args)
	}
}

func (c *Compare) side(ctx context.Context, target CompareTarget, h Handler) error {
	switch target.Kind {
	case TargetImage:
		return c.image(ctx, "")
	case TargetFirstLayerWeights:
		return c.flw(ctx, "")
	case TargetModel:
		return h(ctx, target.Model)
	default:
		return fmt.Errorf("unknown compare target %d", target.Kind)
	}
}

package nn

import (
	"slices"

	"github.com/pdevine/tensor"
)

// Permute returns a contiguous copy of t with its dimensions reordered, as
// in torch.Tensor.permute.
func Permute(t *Tensor, axes ...int) (*Tensor, error) {
	if len(axes) != t.Dim() {
		return nil, &ShapeError{Op: "permute", Want: axes, Got: t.shape}
	}

	n := tensor.New(tensor.WithShape(t.shape...), tensor.WithBacking(slices.Clone(t.data)))
	if err := n.T(axes...); err != nil {
		return nil, err
	}

	if err := n.Transpose(); err != nil {
		return nil, err
	}

	return New([]int(n.Shape()), n.Data().([]float32))
}

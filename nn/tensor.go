package nn

import (
	"fmt"
	"slices"
	"strings"
)

// Tensor is a dense, row-major float32 tensor.
type Tensor struct {
	shape []int
	data  []float32
}

// New wraps data in a tensor of the given shape. It returns a *ShapeError if
// the number of elements does not match the shape.
func New(shape []int, data []float32) (*Tensor, error) {
	if n := numel(shape); n != len(data) {
		return nil, &ShapeError{Op: "new", Want: shape, Got: []int{len(data)}}
	}
	return &Tensor{shape: slices.Clone(shape), data: data}, nil
}

// MustNew is like New but panics with a *RuntimeError on mismatch.
func MustNew(shape []int, data []float32) *Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(&RuntimeError{Op: "new", Err: err})
	}
	return t
}

func Zeros(shape ...int) *Tensor {
	return &Tensor{shape: slices.Clone(shape), data: make([]float32, numel(shape))}
}

func Full(v float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Shape() []int    { return slices.Clone(t.shape) }
func (t *Tensor) Data() []float32 { return t.data }
func (t *Tensor) Dim() int        { return len(t.shape) }
func (t *Tensor) Len() int        { return len(t.data) }

// Size returns the extent of dimension i. Negative indices count from the end.
func (t *Tensor) Size(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	if i < 0 || i >= len(t.shape) {
		panic(&RuntimeError{Op: "size", Err: fmt.Errorf("dimension %d out of range for %d-d tensor", i, len(t.shape))})
	}
	return t.shape[i]
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

// Reshape returns a tensor sharing t's data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if numel(shape) != len(t.data) {
		return nil, &ShapeError{Op: "reshape", Want: shape, Got: t.shape}
	}
	return &Tensor{shape: slices.Clone(shape), data: t.data}, nil
}

// Squeeze drops dimension dim, which must have size 1.
func (t *Tensor) Squeeze(dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.shape) || t.shape[dim] != 1 {
		return nil, &ShapeError{Op: "squeeze", Want: []int{1}, Got: t.shape}
	}
	return &Tensor{shape: slices.Delete(slices.Clone(t.shape), dim, dim+1), data: t.data}, nil
}

// Unsqueeze inserts a dimension of size 1 at dim.
func (t *Tensor) Unsqueeze(dim int) *Tensor {
	return &Tensor{shape: slices.Insert(slices.Clone(t.shape), dim, 1), data: t.data}
}

// Index returns the i-th slice along the leading dimension.
func (t *Tensor) Index(i int) *Tensor {
	if len(t.shape) == 0 || i < 0 || i >= t.shape[0] {
		panic(&RuntimeError{Op: "index", Err: fmt.Errorf("index %d out of range for shape %v", i, t.shape)})
	}
	stride := len(t.data) / t.shape[0]
	return &Tensor{shape: slices.Clone(t.shape[1:]), data: t.data[i*stride : (i+1)*stride]}
}

// Argmax returns the flat index of the largest element.
func (t *Tensor) Argmax() int {
	best := 0
	for i, v := range t.data {
		if v > t.data[best] {
			best = i
		}
	}
	return best
}

func (t *Tensor) String() string {
	var sb strings.Builder
	sb.WriteString("tensor(")
	n := min(len(t.data), 6)
	for i := range n {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%.4g", t.data[i])
	}
	if n < len(t.data) {
		sb.WriteString(", ...")
	}
	fmt.Fprintf(&sb, ", size=%v)", t.shape)
	return sb.String()
}

package nn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTensorShapeOps(t *testing.T) {
	x, err := New([]int{1, 2, 3}, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)

	sq, err := x.Squeeze(0)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, sq.Shape())
	assert.Equal(t, []float32{4, 5, 6}, sq.Index(1).Data())
	assert.Equal(t, 5, x.Argmax())

	_, err = x.Squeeze(1)
	var se *ShapeError
	require.ErrorAs(t, err, &se)

	_, err = New([]int{2, 2}, []float32{1})
	require.ErrorAs(t, err, &se)

	assert.Panics(t, func() { x.Index(4) })
	assert.Equal(t, []int{1, 1, 2, 3}, x.Unsqueeze(0).Shape())
}

func TestSoftmaxLast(t *testing.T) {
	x := MustNew([]int{1, 3}, []float32{1, 1, 1})
	y := SoftmaxLast(x)
	for _, v := range y.Data() {
		assert.InDelta(t, 1.0/3, v, 1e-6)
	}
}

func TestConv2dForward(t *testing.T) {
	c := &Conv2d{InChannels: 1, OutChannels: 1, KernelSize: 2, Stride: 1}
	c.Weight = &Parameter{Name: "weight", Value: Full(1, 1, 1, 2, 2)}

	x := MustNew([]int{1, 1, 3, 3}, []float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	})
	out, err := Call(context.Background(), c, x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{12, 16, 24, 28}, out.Data())

	_, err = c.Forward(context.Background(), Zeros(1, 2, 3, 3))
	var se *ShapeError
	assert.ErrorAs(t, err, &se)
}

func TestLinearForward(t *testing.T) {
	l := &Linear{InFeatures: 2, OutFeatures: 2}
	l.Weight = &Parameter{Name: "weight", Value: MustNew([]int{2, 2}, []float32{1, 2, 3, 4})}
	l.Bias = &Parameter{Name: "bias", Value: MustNew([]int{2}, []float32{1, -1})}

	out, err := l.Forward(context.Background(), MustNew([]int{1, 2}, []float32{1, 1}))
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 6}, out.Data())
}

func TestPooling(t *testing.T) {
	x := MustNew([]int{1, 1, 2, 2}, []float32{1, 2, 3, 4})

	out, err := NewMaxPool2d(2, 0).Forward(context.Background(), x)
	require.NoError(t, err)
	assert.Equal(t, []float32{4}, out.Data())

	out, err = NewAvgPool2d(2, 0).Forward(context.Background(), x)
	require.NoError(t, err)
	assert.Equal(t, []float32{2.5}, out.Data())

	out, err = (&AdaptiveAvgPool2d{OutputSize: 1}).Forward(context.Background(), x)
	require.NoError(t, err)
	assert.Equal(t, []float32{2.5}, out.Data())
}

func TestForwardHooks(t *testing.T) {
	relu := &ReLU{}
	var seen []*Tensor
	h := relu.Hooks().Add(func(_ Module, _, out *Tensor) { seen = append(seen, out) })

	seq := NewSequential(Child{Name: "act", Module: relu})
	_, err := Call(context.Background(), seq, MustNew([]int{2}, []float32{-1, 2}))
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, []float32{0, 2}, seen[0].Data())

	h.Remove()
	h.Remove()
	assert.Equal(t, 0, relu.Hooks().Len())
}

func TestCallCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Call(ctx, &ReLU{}, Zeros(1))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestBuiltinArchs(t *testing.T) {
	assert.ElementsMatch(t, []string{"lenet", "mlp", "tinycnn"}, BuiltinArchs())

	for _, name := range BuiltinArchs() {
		t.Run(name, func(t *testing.T) {
			a, err := LoadArch(name)
			require.NoError(t, err)
			m, err := a.Build()
			require.NoError(t, err)

			x := Zeros(append([]int{1}, a.Input...)...)
			out, err := Call(context.Background(), m, x)
			require.NoError(t, err)
			assert.Equal(t, []int{1, 10}, out.Shape())
		})
	}
}

func TestTinyCNNLayout(t *testing.T) {
	a, err := LoadArch("tinycnn")
	require.NoError(t, err)
	m, err := a.Build()
	require.NoError(t, err)

	var names []string
	for _, l := range Leaves(m) {
		names = append(names, l.Name)
	}
	want := []string{"features.0", "features.1", "features.2", "features.3", "features.4", "pool", "flatten", "classifier"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("leaves mismatch (-want +got):\n%s", diff)
	}

	var params []string
	for _, p := range NamedParameters(m) {
		params = append(params, p.Path)
	}
	assert.Equal(t, []string{
		"features.0.weight", "features.0.bias",
		"features.3.weight", "features.3.bias",
		"classifier.weight", "classifier.bias",
	}, params)
	assert.Equal(t, uint64(3*8*9+8+8*16*9+16+16*10+10), NumParameters(m))
}

func TestLoadArchFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "net.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
name: net
layers:
  - {type: linear, in: 4, out: 2, bias: false}
  - {type: batchnorm2d, features: 2}
`), 0o644))

	a, err := LoadArch(p)
	require.NoError(t, err)
	m, err := a.Build()
	require.NoError(t, err)
	assert.Nil(t, Param(m.Children()[0].Module, "bias"))
	// running statistics are buffers, not parameters
	assert.Equal(t, uint64(8+2+2), NumParameters(m))
}

func TestArchErrors(t *testing.T) {
	cases := map[string]string{
		"unknown type":  "layers: [{type: lstm}]",
		"unused param":  "layers: [{type: relu, inplace: true}]",
		"missing shape": "layers: [{type: conv2d, in: 3}]",
		"no layers":     "name: empty",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			a, err := ParseArch([]byte(src))
			if err == nil {
				_, err = a.Build()
			}
			assert.Error(t, err)
		})
	}

	_, err := LoadArch("resnet9000")
	assert.ErrorIs(t, err, ErrUnknownArch)
}

func TestPermute(t *testing.T) {
	x := MustNew([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})

	y, err := Permute(x, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, y.Shape())
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, y.Data())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, x.Data())

	_, err = Permute(x, 0)
	var se *ShapeError
	assert.ErrorAs(t, err, &se)
}

package nn

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

type base struct {
	hooks Hooks
}

func (b *base) Hooks() *Hooks            { return &b.hooks }
func (b *base) Children() []Child        { return nil }
func (b *base) Parameters() []*Parameter { return nil }

// uniform fills a parameter with U(-bound, bound), bound = 1/sqrt(fanIn).
func uniform(name string, rng *rand.Rand, fanIn int, shape ...int) *Parameter {
	t := Zeros(shape...)
	bound := float32(1 / math.Sqrt(float64(max(fanIn, 1))))
	for i := range t.data {
		t.data[i] = (rng.Float32()*2 - 1) * bound
	}
	return &Parameter{Name: name, Value: t}
}

func params(ps ...*Parameter) []*Parameter {
	out := make([]*Parameter, 0, len(ps))
	for _, p := range ps {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func expect4D(op string, x *Tensor, channels int) error {
	if x.Dim() != 4 || (channels > 0 && x.shape[1] != channels) {
		return &ShapeError{Op: op, Want: []int{-1, channels, -1, -1}, Got: x.shape}
	}
	return nil
}

type Conv2d struct {
	base
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int
	Weight      *Parameter
	Bias        *Parameter
}

func NewConv2d(in, out, kernel, stride, padding int, bias bool, rng *rand.Rand) *Conv2d {
	c := &Conv2d{
		InChannels:  in,
		OutChannels: out,
		KernelSize:  kernel,
		Stride:      max(stride, 1),
		Padding:     padding,
	}
	fanIn := in * kernel * kernel
	c.Weight = uniform("weight", rng, fanIn, out, in, kernel, kernel)
	if bias {
		c.Bias = uniform("bias", rng, fanIn, out)
	}
	return c
}

func (c *Conv2d) Kind() string             { return "Conv2d" }
func (c *Conv2d) Parameters() []*Parameter { return params(c.Weight, c.Bias) }

func (c *Conv2d) String() string {
	return fmt.Sprintf("Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d))",
		c.InChannels, c.OutChannels, c.KernelSize, c.KernelSize, c.Stride, c.Stride, c.Padding, c.Padding)
}

func (c *Conv2d) Forward(ctx context.Context, x *Tensor) (*Tensor, error) {
	if err := expect4D("conv2d", x, c.InChannels); err != nil {
		return nil, err
	}

	n, h, w := x.shape[0], x.shape[2], x.shape[3]
	k, s, p := c.KernelSize, c.Stride, c.Padding
	oh, ow := (h+2*p-k)/s+1, (w+2*p-k)/s+1
	if oh <= 0 || ow <= 0 {
		return nil, &ShapeError{Op: "conv2d", Want: []int{n, c.InChannels, k, k}, Got: x.shape}
	}

	out := Zeros(n, c.OutChannels, oh, ow)
	wt := c.Weight.Value.data
	for b := range n {
		for o := range c.OutChannels {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			var bias float32
			if c.Bias != nil {
				bias = c.Bias.Value.data[o]
			}

			dst := out.data[((b*c.OutChannels)+o)*oh*ow:][:oh*ow]
			for y := range oh {
				for xx := range ow {
					sum := bias
					for ci := range c.InChannels {
						src := x.data[((b*c.InChannels)+ci)*h*w:][:h*w]
						kern := wt[((o*c.InChannels)+ci)*k*k:][:k*k]
						for ky := range k {
							iy := y*s - p + ky
							if iy < 0 || iy >= h {
								continue
							}
							for kx := range k {
								ix := xx*s - p + kx
								if ix < 0 || ix >= w {
									continue
								}
								sum += src[iy*w+ix] * kern[ky*k+kx]
							}
						}
					}
					dst[y*ow+xx] = sum
				}
			}
		}
	}
	return out, nil
}

type Linear struct {
	base
	InFeatures  int
	OutFeatures int
	Weight      *Parameter
	Bias        *Parameter
}

func NewLinear(in, out int, bias bool, rng *rand.Rand) *Linear {
	l := &Linear{InFeatures: in, OutFeatures: out}
	l.Weight = uniform("weight", rng, in, out, in)
	if bias {
		l.Bias = uniform("bias", rng, in, out)
	}
	return l
}

func (l *Linear) Kind() string             { return "Linear" }
func (l *Linear) Parameters() []*Parameter { return params(l.Weight, l.Bias) }

func (l *Linear) String() string {
	return fmt.Sprintf("Linear(in_features=%d, out_features=%d, bias=%s)", l.InFeatures, l.OutFeatures, pyBool(l.Bias != nil))
}

func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func (l *Linear) Forward(_ context.Context, x *Tensor) (*Tensor, error) {
	if x.Dim() == 1 {
		x = x.Unsqueeze(0)
	}
	if x.Dim() != 2 || x.shape[1] != l.InFeatures {
		return nil, &ShapeError{Op: "linear", Want: []int{-1, l.InFeatures}, Got: x.shape}
	}

	n := x.shape[0]
	out := Zeros(n, l.OutFeatures)
	a := blas32.General{Rows: l.OutFeatures, Cols: l.InFeatures, Stride: l.InFeatures, Data: l.Weight.Value.data}
	for b := range n {
		y := blas32.Vector{N: l.OutFeatures, Inc: 1, Data: out.data[b*l.OutFeatures:][:l.OutFeatures]}
		if l.Bias != nil {
			copy(y.Data, l.Bias.Value.data)
		}
		xv := blas32.Vector{N: l.InFeatures, Inc: 1, Data: x.data[b*l.InFeatures:][:l.InFeatures]}
		blas32.Gemv(blas.NoTrans, 1, a, xv, 1, y)
	}
	return out, nil
}

type ReLU struct{ base }

func (*ReLU) Kind() string   { return "ReLU" }
func (*ReLU) String() string { return "ReLU()" }

func (*ReLU) Forward(_ context.Context, x *Tensor) (*Tensor, error) {
	out := x.Clone()
	for i, v := range out.data {
		if v < 0 {
			out.data[i] = 0
		}
	}
	return out, nil
}

// Softmax normalises over the last dimension.
type Softmax struct{ base }

func (*Softmax) Kind() string   { return "Softmax" }
func (*Softmax) String() string { return "Softmax(dim=-1)" }

func (*Softmax) Forward(_ context.Context, x *Tensor) (*Tensor, error) {
	return SoftmaxLast(x), nil
}

// SoftmaxLast applies a numerically stable softmax over the last dimension.
func SoftmaxLast(x *Tensor) *Tensor {
	out := x.Clone()
	if x.Dim() == 0 {
		return out
	}
	d := x.shape[x.Dim()-1]
	for row := 0; row+d <= len(out.data); row += d {
		v := out.data[row : row+d]
		hi := v[0]
		for _, f := range v {
			hi = max(hi, f)
		}
		var sum float32
		for i, f := range v {
			v[i] = float32(math.Exp(float64(f - hi)))
			sum += v[i]
		}
		for i := range v {
			v[i] /= sum
		}
	}
	return out
}

// Flatten collapses every dimension after the batch dimension.
type Flatten struct{ base }

func (*Flatten) Kind() string   { return "Flatten" }
func (*Flatten) String() string { return "Flatten(start_dim=1, end_dim=-1)" }

func (*Flatten) Forward(_ context.Context, x *Tensor) (*Tensor, error) {
	if x.Dim() < 1 {
		return nil, &ShapeError{Op: "flatten", Want: []int{-1}, Got: x.shape}
	}
	return x.Reshape(x.shape[0], x.Len()/max(x.shape[0], 1))
}

// Dropout is the identity at inference time.
type Dropout struct {
	base
	P float64
}

func (*Dropout) Kind() string     { return "Dropout" }
func (d *Dropout) String() string { return fmt.Sprintf("Dropout(p=%g, inplace=False)", d.P) }

func (*Dropout) Forward(_ context.Context, x *Tensor) (*Tensor, error) {
	return x, nil
}

type pool2d struct {
	base
	KernelSize int
	Stride     int
	avg        bool
}

func (p *pool2d) Forward(_ context.Context, x *Tensor) (*Tensor, error) {
	op := "maxpool2d"
	if p.avg {
		op = "avgpool2d"
	}
	if err := expect4D(op, x, 0); err != nil {
		return nil, err
	}

	n, c, h, w := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	k, s := p.KernelSize, p.Stride
	oh, ow := (h-k)/s+1, (w-k)/s+1
	if oh <= 0 || ow <= 0 {
		return nil, &ShapeError{Op: op, Want: []int{n, c, k, k}, Got: x.shape}
	}

	out := Zeros(n, c, oh, ow)
	for plane := range n * c {
		src := x.data[plane*h*w:][:h*w]
		dst := out.data[plane*oh*ow:][:oh*ow]
		for y := range oh {
			for xx := range ow {
				acc := float32(math.Inf(-1))
				if p.avg {
					acc = 0
				}
				for ky := range k {
					for kx := range k {
						v := src[(y*s+ky)*w+xx*s+kx]
						if p.avg {
							acc += v
						} else {
							acc = max(acc, v)
						}
					}
				}
				if p.avg {
					acc /= float32(k * k)
				}
				dst[y*ow+xx] = acc
			}
		}
	}
	return out, nil
}

type MaxPool2d struct{ pool2d }

func NewMaxPool2d(kernel, stride int) *MaxPool2d {
	return &MaxPool2d{pool2d{KernelSize: kernel, Stride: cmpOr(stride, kernel)}}
}

func (*MaxPool2d) Kind() string { return "MaxPool2d" }
func (m *MaxPool2d) String() string {
	return fmt.Sprintf("MaxPool2d(kernel_size=%d, stride=%d, padding=0, dilation=1, ceil_mode=False)", m.KernelSize, m.Stride)
}

type AvgPool2d struct{ pool2d }

func NewAvgPool2d(kernel, stride int) *AvgPool2d {
	return &AvgPool2d{pool2d{KernelSize: kernel, Stride: cmpOr(stride, kernel), avg: true}}
}

func (*AvgPool2d) Kind() string { return "AvgPool2d" }
func (a *AvgPool2d) String() string {
	return fmt.Sprintf("AvgPool2d(kernel_size=%d, stride=%d, padding=0)", a.KernelSize, a.Stride)
}

func cmpOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

type AdaptiveAvgPool2d struct {
	base
	OutputSize int
}

func (*AdaptiveAvgPool2d) Kind() string { return "AdaptiveAvgPool2d" }
func (a *AdaptiveAvgPool2d) String() string {
	return fmt.Sprintf("AdaptiveAvgPool2d(output_size=(%d, %d))", a.OutputSize, a.OutputSize)
}

func (a *AdaptiveAvgPool2d) Forward(_ context.Context, x *Tensor) (*Tensor, error) {
	if err := expect4D("adaptiveavgpool2d", x, 0); err != nil {
		return nil, err
	}

	n, c, h, w := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	o := max(a.OutputSize, 1)
	out := Zeros(n, c, o, o)
	for plane := range n * c {
		src := x.data[plane*h*w:][:h*w]
		dst := out.data[plane*o*o:][:o*o]
		for i := range o {
			y0, y1 := i*h/o, ((i+1)*h+o-1)/o
			for j := range o {
				x0, x1 := j*w/o, ((j+1)*w+o-1)/o
				var sum float32
				for y := y0; y < y1; y++ {
					for xx := x0; xx < x1; xx++ {
						sum += src[y*w+xx]
					}
				}
				dst[i*o+j] = sum / float32((y1-y0)*(x1-x0))
			}
		}
	}
	return out, nil
}

// BatchNorm2d normalises with its running statistics (evaluation mode).
type BatchNorm2d struct {
	base
	NumFeatures int
	Eps         float64
	Weight      *Parameter
	Bias        *Parameter
	RunningMean *Parameter
	RunningVar  *Parameter
}

func NewBatchNorm2d(features int, eps float64) *BatchNorm2d {
	return &BatchNorm2d{
		NumFeatures: features,
		Eps:         eps,
		Weight:      &Parameter{Name: "weight", Value: Full(1, features)},
		Bias:        &Parameter{Name: "bias", Value: Zeros(features)},
		RunningMean: &Parameter{Name: "running_mean", Value: Zeros(features), Buffer: true},
		RunningVar:  &Parameter{Name: "running_var", Value: Full(1, features), Buffer: true},
	}
}

func (*BatchNorm2d) Kind() string { return "BatchNorm2d" }
func (b *BatchNorm2d) String() string {
	return fmt.Sprintf("BatchNorm2d(%d, eps=%g, momentum=0.1, affine=True, track_running_stats=True)", b.NumFeatures, b.Eps)
}

func (b *BatchNorm2d) Parameters() []*Parameter {
	return params(b.Weight, b.Bias, b.RunningMean, b.RunningVar)
}

func (b *BatchNorm2d) Forward(_ context.Context, x *Tensor) (*Tensor, error) {
	if err := expect4D("batchnorm2d", x, b.NumFeatures); err != nil {
		return nil, err
	}

	out := x.Clone()
	n, c, hw := x.shape[0], x.shape[1], x.shape[2]*x.shape[3]
	for bi := range n {
		for ci := range c {
			scale := b.Weight.Value.data[ci] / float32(math.Sqrt(float64(b.RunningVar.Value.data[ci])+b.Eps))
			shift := b.Bias.Value.data[ci] - b.RunningMean.Value.data[ci]*scale
			plane := out.data[(bi*c+ci)*hw:][:hw]
			for i, v := range plane {
				plane[i] = v*scale + shift
			}
		}
	}
	return out, nil
}

// Sequential runs its children in order.
type Sequential struct {
	base
	Name   string
	layers []Child
}

func NewSequential(children ...Child) *Sequential {
	return &Sequential{layers: children}
}

// Add appends m under name, or under its position when name is empty.
func (s *Sequential) Add(name string, m Module) {
	if name == "" {
		name = fmt.Sprint(len(s.layers))
	}
	s.layers = append(s.layers, Child{Name: name, Module: m})
}

func (*Sequential) Kind() string        { return "Sequential" }
func (s *Sequential) Children() []Child { return s.layers }

func (s *Sequential) String() string {
	var sb strings.Builder
	sb.WriteString("Sequential(")
	for _, c := range s.layers {
		child := strings.ReplaceAll(c.Module.String(), "\n", "\n  ")
		fmt.Fprintf(&sb, "\n  (%s): %s", c.Name, child)
	}
	if len(s.layers) > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(")")
	return sb.String()
}

func (s *Sequential) Forward(ctx context.Context, x *Tensor) (*Tensor, error) {
	var err error
	for _, c := range s.layers {
		x, err = Call(ctx, c.Module, x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}
	}
	return x, nil
}

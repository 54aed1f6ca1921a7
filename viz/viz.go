// Package viz draws layer data on a visualisation surface.
package viz

import (
	"errors"

	"github.com/pmdebug/pmdebug/nn"
)

var ErrUnsupportedImage = errors.New("Unsupported image type")

// Grid is a row-major 2-D map of values, such as a class activation map.
type Grid struct {
	H, W int
	Data []float32
}

// Surface is where display commands draw. It has a single pane, or two panes
// side by side while comparing.
type Surface interface {
	SetDual(dual bool)
	Dual() bool
	// SelectPane picks the pane the next drawing goes to; 0 is the left.
	SelectPane(i int)
	Title(s string)
	// Bars draws one bar per value and labels the bars listed in marks.
	Bars(title string, values []float64, marks []int)
	Image(title string, t *nn.Tensor) error
	// Heatmap draws grid over base, which must have the grid's extent.
	Heatmap(title string, base *nn.Tensor, grid Grid) error
	Close() error
}

// Picture is an image prepared for display: H x W pixels with C = 1 (gray)
// or 3 (RGB) interleaved channels.
type Picture struct {
	H, W, C int
	Pix     []float32
}

// ToPicture applies the usual display rules to t: a leading batch dimension
// of 1 is dropped, channels-first data is moved to channels-last and a
// single channel becomes grayscale.
func ToPicture(t *nn.Tensor) (*Picture, error) {
	if t == nil {
		return nil, ErrUnsupportedImage
	}

	var err error
	if t.Dim() == 4 && t.Size(0) == 1 {
		if t, err = t.Squeeze(0); err != nil {
			return nil, err
		}
	}

	if t.Dim() == 3 && t.Size(-1) != 3 {
		if t, err = nn.Permute(t, 1, 2, 0); err != nil {
			return nil, err
		}
		if t.Size(-1) == 1 {
			if t, err = t.Squeeze(2); err != nil {
				return nil, err
			}
		}
	}

	switch {
	case t.Dim() == 2:
		return &Picture{H: t.Size(0), W: t.Size(1), C: 1, Pix: t.Data()}, nil
	case t.Dim() == 3 && t.Size(-1) == 3:
		return &Picture{H: t.Size(0), W: t.Size(1), C: 3, Pix: t.Data()}, nil
	default:
		return nil, ErrUnsupportedImage
	}
}

// Luma returns the per-pixel brightness of p.
func (p *Picture) Luma() []float32 {
	if p.C == 1 {
		return p.Pix
	}
	out := make([]float32, p.H*p.W)
	for i := range out {
		r, g, b := p.Pix[3*i], p.Pix[3*i+1], p.Pix[3*i+2]
		out[i] = 0.299*r + 0.587*g + 0.114*b
	}
	return out
}

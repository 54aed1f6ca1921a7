// Package imageproc turns image files into fixed-size input tensors.
package imageproc

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/pmdebug/pmdebug/nn"
)

var ErrNotFound = errors.New("image not found")

// Load decodes the image at path and returns it as a [1, 3, size, size]
// tensor with values in [0, 1].
func Load(path string, size int) (*nn.Tensor, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return FromImage(img, size), nil
}

// FromImage resizes img to size x size with bilinear interpolation and
// converts it to a channels-first RGB tensor.
func FromImage(img image.Image, size int) *nn.Tensor {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	data := make([]float32, 3*plane)
	for y := range size {
		for x := range size {
			i := dst.PixOffset(x, y)
			px := dst.Pix[i : i+3]
			for c := range 3 {
				data[c*plane+y*size+x] = float32(px[c]) / 255
			}
		}
	}
	return nn.MustNew([]int{1, 3, size, size}, data)
}

// IsImage reports whether name has an extension the decoders understand.
func IsImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff", ".webp":
		return true
	}
	return false
}

// ResizeGrid resamples an h x w grid to outH x outW with Catmull-Rom
// interpolation. Values keep their original range.
func ResizeGrid(grid []float32, h, w, outH, outW int) []float32 {
	lo, hi := grid[0], grid[0]
	for _, v := range grid {
		lo, hi = min(lo, v), max(hi, v)
	}
	span := hi - lo
	if span == 0 {
		out := make([]float32, outH*outW)
		for i := range out {
			out[i] = lo
		}
		return out
	}

	src := image.NewGray16(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			v := (grid[y*w+x] - lo) / span
			src.SetGray16(x, y, color.Gray16{Y: uint16(v*0xffff + 0.5)})
		}
	}

	dst := image.NewGray16(image.Rect(0, 0, outW, outH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := make([]float32, outH*outW)
	for y := range outH {
		for x := range outW {
			out[y*outW+x] = lo + float32(dst.Gray16At(x, y).Y)/0xffff*span
		}
	}
	return out
}

package imageproc

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for y := range 6 {
		for x := range 8 {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "red.png")
	writePNG(t, p, color.RGBA{R: 255, B: 51, A: 255})

	x, err := Load(p, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 4, 4}, x.Shape())

	data := x.Data()
	assert.InDelta(t, 1.0, data[0], 1e-6)
	assert.InDelta(t, 0.0, data[16], 1e-6)
	assert.InDelta(t, 0.2, data[32], 1e-6)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.png"), 4)
	assert.ErrorIs(t, err, ErrNotFound)

	p := filepath.Join(dir, "notes.png")
	require.NoError(t, os.WriteFile(p, []byte("not an image"), 0o644))
	_, err = Load(p, 4)
	assert.ErrorContains(t, err, "decode")
}

func TestIsImage(t *testing.T) {
	assert.True(t, IsImage("cat.JPG"))
	assert.True(t, IsImage("dir/dog.webp"))
	assert.False(t, IsImage("labels.txt"))
	assert.False(t, IsImage("README"))
}

func TestResizeGrid(t *testing.T) {
	out := ResizeGrid([]float32{2, 2, 2, 2}, 2, 2, 3, 3)
	assert.Len(t, out, 9)
	for _, v := range out {
		assert.Equal(t, float32(2), v)
	}

	out = ResizeGrid([]float32{-1, 1, -1, 1}, 2, 2, 4, 4)
	require.Len(t, out, 16)
	for _, v := range out {
		assert.GreaterOrEqual(t, v, float32(-1.0001))
		assert.LessOrEqual(t, v, float32(1.0001))
	}
	assert.Less(t, out[0], out[3])
}

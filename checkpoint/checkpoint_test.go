package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/pmdebug/pmdebug/nn"
)

type rawTensor struct {
	dtype string
	shape []int
	data  []byte
}

func writeSafetensors(t *testing.T, tensors map[string]rawTensor) string {
	t.Helper()

	header := map[string]any{"__metadata__": map[string]string{"format": "pt"}}
	var body bytes.Buffer
	for name, rt := range tensors {
		start := body.Len()
		body.Write(rt.data)
		header[name] = map[string]any{
			"dtype":        rt.dtype,
			"shape":        rt.shape,
			"data_offsets": []int{start, body.Len()},
		}
	}

	hb, err := json.Marshal(header)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, int64(len(hb))))
	buf.Write(hb)
	buf.Write(body.Bytes())

	p := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))
	return p
}

func le(t *testing.T, v any) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
	return buf.Bytes()
}

func TestLoadSafetensors(t *testing.T) {
	p := writeSafetensors(t, map[string]rawTensor{
		"fc.weight": {"F32", []int{2, 2}, le(t, []float32{1, 2, 3, 4})},
		"fc.bias":   {"F16", []int{2}, le(t, []uint16{float16.Fromfloat32(0.5).Bits(), float16.Fromfloat32(-1).Bits()})},
		"bn.scale":  {"BF16", []int{2}, []byte{0x80, 0x3f, 0x00, 0xc0}},
	})

	sd, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"bn.scale", "fc.bias", "fc.weight"}, sd.Keys())

	w, ok := sd.Get("fc.weight")
	require.True(t, ok)
	assert.Equal(t, []int{2, 2}, w.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4}, w.Data())

	b, _ := sd.Get("fc.bias")
	assert.Equal(t, []float32{0.5, -1}, b.Data())

	s, _ := sd.Get("bn.scale")
	assert.Equal(t, []float32{1, -2}, s.Data())
}

func TestLoadSafetensorsUnknownType(t *testing.T) {
	p := writeSafetensors(t, map[string]rawTensor{
		"w": {"I8", []int{1}, []byte{1}},
	})

	_, err := Load(p)
	assert.ErrorContains(t, err, "unknown data type: I8")
}

func TestLoadSafetensorsMalformed(t *testing.T) {
	writeRaw := func(t *testing.T, b []byte) string {
		p := filepath.Join(t.TempDir(), "bad.safetensors")
		require.NoError(t, os.WriteFile(p, b, 0o644))
		return p
	}

	t.Run("huge header size", func(t *testing.T) {
		_, err := Load(writeRaw(t, le(t, int64(1<<50))))
		assert.ErrorIs(t, err, ErrMalformedSafetensors)
	})

	t.Run("negative header size", func(t *testing.T) {
		_, err := Load(writeRaw(t, le(t, int64(-5))))
		assert.ErrorIs(t, err, ErrMalformedSafetensors)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Load(writeRaw(t, []byte{1, 2, 3}))
		assert.ErrorContains(t, err, "read header size")
	})

	t.Run("offsets past end", func(t *testing.T) {
		p := writeSafetensors(t, map[string]rawTensor{
			"w": {"F32", []int{2}, le(t, []float32{1, 2})},
		})
		b, err := os.ReadFile(p)
		require.NoError(t, err)

		_, err = Load(writeRaw(t, b[:len(b)-4]))
		assert.ErrorIs(t, err, ErrMalformedSafetensors)
	})

	t.Run("shape does not match offsets", func(t *testing.T) {
		p := writeSafetensors(t, map[string]rawTensor{
			"w": {"F32", []int{1 << 40, 1 << 40}, le(t, []float32{1, 2})},
		})
		_, err := Load(p)
		assert.ErrorIs(t, err, ErrMalformedSafetensors)
	})
}

func TestLoadUnknownFormat(t *testing.T) {
	_, err := Load("weights.onnx")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestFromPickle(t *testing.T) {
	inner := types.NewOrderedDict()
	// a transposed view: storage is [[1 2 3] [4 5 6]], the tensor is its
	// transpose
	inner.Set("fc.weight", &pytorch.Tensor{
		Source: &pytorch.FloatStorage{Data: []float32{1, 2, 3, 4, 5, 6}},
		Size:   []int{3, 2},
		Stride: []int{1, 3},
	})
	inner.Set("fc.bias", &pytorch.Tensor{
		Source:        &pytorch.DoubleStorage{Data: []float64{9, 7, 8}},
		StorageOffset: 1,
		Size:          []int{2},
		Stride:        []int{1},
	})

	outer := types.NewOrderedDict()
	outer.Set("epoch", 12)
	outer.Set("model", inner)

	sd, err := fromPickle(outer)
	require.NoError(t, err)
	assert.Equal(t, []string{"fc.weight", "fc.bias"}, sd.Keys())

	w, _ := sd.Get("fc.weight")
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, w.Data())
	b, _ := sd.Get("fc.bias")
	assert.Equal(t, []float32{7, 8}, b.Data())

	_, err = fromPickle([]any{1, 2})
	assert.Error(t, err)
}

func newModel() *nn.Sequential {
	fc := &nn.Linear{InFeatures: 2, OutFeatures: 1}
	fc.Weight = &nn.Parameter{Name: "weight", Value: nn.Zeros(1, 2)}
	fc.Bias = &nn.Parameter{Name: "bias", Value: nn.Zeros(1)}
	return nn.NewSequential(nn.Child{Name: "fc", Module: fc})
}

func TestLoadStateDict(t *testing.T) {
	m := newModel()

	sd := NewStateDict()
	sd.Set("fc.weight", nn.MustNew([]int{1, 2}, []float32{3, 4}))
	sd.Set("fc.weight.grad", nn.MustNew([]int{1, 2}, []float32{0.1, 0.2}))
	sd.Set("fc.bias", nn.MustNew([]int{1}, []float32{5}))
	require.NoError(t, LoadStateDict(m, sd))

	w := nn.Param(m.Children()[0].Module, "weight")
	assert.Equal(t, []float32{3, 4}, w.Value.Data())
	assert.Equal(t, []float32{0.1, 0.2}, w.Grad.Data())

	bad := NewStateDict()
	bad.Set("fc.weight", nn.Zeros(2, 2))
	bad.Set("fc.bias", nn.Zeros(1))
	assert.ErrorContains(t, LoadStateDict(m, bad), "size mismatch for fc.weight")

	extra := NewStateDict()
	extra.Set("fc.weight", nn.Zeros(1, 2))
	extra.Set("head.weight", nn.Zeros(1))
	var mismatch *MismatchError
	require.ErrorAs(t, LoadStateDict(m, extra), &mismatch)
	assert.Equal(t, []string{"fc.bias"}, mismatch.Missing)
	assert.Equal(t, []string{"head.weight"}, mismatch.Unexpected)
	// untouched on failure
	assert.Equal(t, []float32{3, 4}, w.Value.Data())
}

func TestLoadIntoStripsDataParallelPrefix(t *testing.T) {
	m := newModel()

	sd := NewStateDict()
	sd.Set("module.fc.weight", nn.MustNew([]int{1, 2}, []float32{1, 2}))
	sd.Set("module.fc.bias", nn.MustNew([]int{1}, []float32{3}))

	stripped, err := LoadInto(m, sd)
	require.NoError(t, err)
	assert.True(t, stripped)
	assert.Equal(t, []float32{1, 2}, nn.Param(m.Children()[0].Module, "weight").Value.Data())

	stripped, err = LoadInto(m, sd.StripPrefix(DataParallelPrefix))
	require.NoError(t, err)
	assert.False(t, stripped)

	other := NewStateDict()
	other.Set("features.0.weight", nn.Zeros(1))
	stripped, err = LoadInto(m, other)
	assert.False(t, stripped)
	var mismatch *MismatchError
	assert.ErrorAs(t, err, &mismatch)
}

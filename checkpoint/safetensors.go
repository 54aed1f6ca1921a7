package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"

	"github.com/pmdebug/pmdebug/nn"
)

// ErrMalformedSafetensors is returned for files whose header or tensor
// offsets do not fit the file.
var ErrMalformedSafetensors = errors.New("malformed safetensors file")

var safetensorDTypeSize = map[string]int64{
	"F32":  4,
	"F16":  2,
	"BF16": 2,
}

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// LoadSafetensors reads F32, F16 and BF16 tensors from a safetensors file.
// Tensors are decoded in parallel.
func LoadSafetensors(path string) (*StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%s: read header size: %w", path, err)
	}
	if n <= 0 || n > fi.Size()-8 {
		return nil, fmt.Errorf("%s: %w: header size %d does not fit a %d byte file", path, ErrMalformedSafetensors, n, fi.Size())
	}
	dataSize := fi.Size() - 8 - n

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err = io.CopyN(b, f, n); err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}

	var headers map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, fmt.Errorf("%s: decode header: %w", path, err)
	}

	keys := maps.Keys(headers)
	slices.Sort(keys)

	var names []string
	var metas []safetensorMetadata
	for _, key := range keys {
		var value safetensorMetadata
		// __metadata__ is a string map, not a tensor
		if err := json.Unmarshal(headers[key], &value); err != nil || value.Type == "" {
			continue
		}
		if err := value.validate(dataSize); err != nil {
			return nil, fmt.Errorf("%s: tensor %s: %w", path, key, err)
		}
		names = append(names, key)
		metas = append(metas, value)
	}

	tensors := make([]*nn.Tensor, len(names))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range names {
		g.Go(func() error {
			t, err := readSafetensor(f, 8+n, metas[i])
			if err != nil {
				return fmt.Errorf("%s: %w", names[i], err)
			}
			tensors[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sd := NewStateDict()
	for i, name := range names {
		sd.Set(name, tensors[i])
	}
	return sd, nil
}

// validate checks that the tensor's byte range lies within the dataSize bytes
// after the header and holds exactly its shape's elements.
func (m safetensorMetadata) validate(dataSize int64) error {
	width, ok := safetensorDTypeSize[m.Type]
	if !ok {
		return fmt.Errorf("unknown data type: %s", m.Type)
	}
	if len(m.Offsets) != 2 {
		return fmt.Errorf("%w: data_offsets has %d values", ErrMalformedSafetensors, len(m.Offsets))
	}

	begin, end := m.Offsets[0], m.Offsets[1]
	if begin < 0 || end < begin || end > dataSize {
		return fmt.Errorf("%w: data_offsets [%d, %d] outside [0, %d]", ErrMalformedSafetensors, begin, end, dataSize)
	}

	numel := int64(1)
	for _, d := range m.Shape {
		if d < 0 || (d > 0 && numel > dataSize/int64(d)) {
			return fmt.Errorf("%w: shape %v does not fit the file", ErrMalformedSafetensors, m.Shape)
		}
		numel *= int64(d)
	}
	if numel*width != end-begin {
		return fmt.Errorf("%w: shape %v of %s needs %d bytes, data_offsets span %d", ErrMalformedSafetensors, m.Shape, m.Type, numel*width, end-begin)
	}
	return nil
}

func readSafetensor(r io.ReaderAt, base int64, meta safetensorMetadata) (*nn.Tensor, error) {
	size := meta.Offsets[1] - meta.Offsets[0]

	raw := make([]byte, size)
	if _, err := r.ReadAt(raw, base+meta.Offsets[0]); err != nil {
		return nil, err
	}

	var f32s []float32
	switch meta.Type {
	case "F32":
		f32s = make([]float32, size/4)
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case "F16":
		u16s := make([]uint16, size/2)
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s = make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case "BF16":
		f32s = bfloat16.DecodeFloat32(raw)
	default:
		return nil, fmt.Errorf("unknown data type: %s", meta.Type)
	}

	return nn.New(meta.Shape, f32s)
}

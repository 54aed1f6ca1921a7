package checkpoint

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/pmdebug/pmdebug/nn"
)

// wrapperKeys name the entries training scripts commonly nest the state
// dict under, e.g. torch.save({"model": net.state_dict(), "epoch": 3}).
var wrapperKeys = []string{"model", "state_dict", "model_state_dict"}

// LoadTorch reads a state dict saved with torch.save.
func LoadTorch(path string) (*StateDict, error) {
	pt, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	sd, err := fromPickle(pt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sd, nil
}

type entry struct {
	key   any
	value any
}

func entries(v any) ([]entry, bool) {
	switch d := v.(type) {
	case *types.OrderedDict:
		var out []entry
		for e := d.List.Front(); e != nil; e = e.Next() {
			kv := e.Value.(*types.OrderedDictEntry)
			out = append(out, entry{kv.Key, kv.Value})
		}
		return out, true
	case *types.Dict:
		var out []entry
		for _, k := range d.Keys() {
			out = append(out, entry{k, d.MustGet(k)})
		}
		return out, true
	default:
		return nil, false
	}
}

func fromPickle(v any) (*StateDict, error) {
	items, ok := entries(v)
	if !ok {
		return nil, fmt.Errorf("checkpoint holds %T, not a state dict", v)
	}

	for _, want := range wrapperKeys {
		for _, e := range items {
			if k, _ := e.key.(string); k == want {
				if _, ok := entries(e.value); ok {
					return fromPickle(e.value)
				}
			}
		}
	}

	sd := NewStateDict()
	for _, e := range items {
		name, ok := e.key.(string)
		if !ok {
			continue
		}
		pt, ok := e.value.(*pytorch.Tensor)
		if !ok {
			continue
		}

		t, err := fromTorchTensor(pt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		sd.Set(name, t)
	}
	return sd, nil
}

func storageData(s pytorch.StorageInterface) ([]float32, error) {
	switch s := s.(type) {
	case *pytorch.FloatStorage:
		return s.Data, nil
	case *pytorch.HalfStorage:
		return s.Data, nil
	case *pytorch.DoubleStorage:
		f32s := make([]float32, len(s.Data))
		for i, v := range s.Data {
			f32s[i] = float32(v)
		}
		return f32s, nil
	default:
		return nil, fmt.Errorf("unsupported storage %T", s)
	}
}

// fromTorchTensor copies the strided view described by pt into a dense
// tensor.
func fromTorchTensor(pt *pytorch.Tensor) (*nn.Tensor, error) {
	data, err := storageData(pt.Source)
	if err != nil {
		return nil, err
	}

	shape := pt.Size
	n := 1
	for _, d := range shape {
		n *= d
	}

	stride := pt.Stride
	if len(stride) != len(shape) {
		stride = contiguousStride(shape)
	}

	out := make([]float32, n)
	index := make([]int, len(shape))
	for i := range out {
		off := pt.StorageOffset
		for d, ix := range index {
			off += ix * stride[d]
		}
		if off < 0 || off >= len(data) {
			return nil, fmt.Errorf("storage offset %d out of range", off)
		}
		out[i] = data[off]

		for d := len(index) - 1; d >= 0; d-- {
			index[d]++
			if index[d] < shape[d] {
				break
			}
			index[d] = 0
		}
	}

	return nn.New(shape, out)
}

func contiguousStride(shape []int) []int {
	stride := make([]int, len(shape))
	s := 1
	for d := len(shape) - 1; d >= 0; d-- {
		stride[d] = s
		s *= shape[d]
	}
	return stride
}

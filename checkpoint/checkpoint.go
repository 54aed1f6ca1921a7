// Package checkpoint reads saved model weights and loads them into an nn
// module tree.
package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pmdebug/pmdebug/logutil"
	"github.com/pmdebug/pmdebug/nn"
)

var ErrUnknownFormat = errors.New("unknown checkpoint format")

// DataParallelPrefix is prepended to every key by models saved from a
// DataParallel wrapper.
const DataParallelPrefix = "module."

const gradSuffix = ".grad"

// StateDict is an ordered mapping of parameter names to tensors.
type StateDict struct {
	keys    []string
	tensors map[string]*nn.Tensor
}

func NewStateDict() *StateDict {
	return &StateDict{tensors: make(map[string]*nn.Tensor)}
}

func (sd *StateDict) Set(name string, t *nn.Tensor) {
	if _, ok := sd.tensors[name]; !ok {
		sd.keys = append(sd.keys, name)
	}
	sd.tensors[name] = t
}

func (sd *StateDict) Get(name string) (*nn.Tensor, bool) {
	t, ok := sd.tensors[name]
	return t, ok
}

func (sd *StateDict) Keys() []string {
	return slices.Clone(sd.keys)
}

func (sd *StateDict) Len() int {
	return len(sd.keys)
}

// StripPrefix returns the entries whose key starts with prefix, with the
// prefix removed. Other entries are dropped.
func (sd *StateDict) StripPrefix(prefix string) *StateDict {
	out := NewStateDict()
	for _, k := range sd.keys {
		if name, ok := strings.CutPrefix(k, prefix); ok {
			out.Set(name, sd.tensors[k])
		}
	}
	return out
}

// Load reads a checkpoint, choosing the decoder from the file extension.
func Load(path string) (*StateDict, error) {
	var sd *StateDict
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		sd, err = LoadSafetensors(path)
	case ".pth", ".pt", ".bin", ".ckpt", ".tar":
		sd, err = LoadTorch(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Base(path))
	}
	if err != nil {
		return nil, err
	}

	slog.Debug("read checkpoint", "path", path, "tensors", sd.Len())
	return sd, nil
}

// MismatchError reports state dict keys that do not line up with a model.
type MismatchError struct {
	Missing    []string
	Unexpected []string
}

func (e *MismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing key(s) in state_dict: %s", quoteAll(e.Missing)))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("unexpected key(s) in state_dict: %s", quoteAll(e.Unexpected)))
	}
	return "error(s) in loading state_dict: " + strings.Join(parts, "; ")
}

func quoteAll(keys []string) string {
	q := make([]string, len(keys))
	for i, k := range keys {
		q[i] = fmt.Sprintf("%q", k)
	}
	return strings.Join(q, ", ")
}

// LoadStateDict copies sd into the parameters of m. Every parameter must be
// present and every key must name a parameter or a parameter gradient; on
// failure m is left untouched.
func LoadStateDict(m nn.Module, sd *StateDict) error {
	params := nn.NamedParameters(m)
	byName := make(map[string]*nn.Parameter, len(params))
	for _, p := range params {
		byName[p.Path] = p.Parameter
	}

	var mismatch MismatchError
	for _, p := range params {
		if _, ok := sd.Get(p.Path); !ok {
			mismatch.Missing = append(mismatch.Missing, p.Path)
		}
	}

	type assignment struct {
		name string
		p    *nn.Parameter
		t    *nn.Tensor
		grad bool
	}
	var assign []assignment
	for _, k := range sd.Keys() {
		if strings.HasSuffix(k, "num_batches_tracked") {
			continue
		}

		name, grad := strings.CutSuffix(k, gradSuffix)
		p, ok := byName[name]
		if !ok {
			mismatch.Unexpected = append(mismatch.Unexpected, k)
			continue
		}

		t, _ := sd.Get(k)
		if !slices.Equal(t.Shape(), p.Value.Shape()) {
			return fmt.Errorf("size mismatch for %s: copying a param with shape %v, the shape in current model is %v", k, t.Shape(), p.Value.Shape())
		}
		assign = append(assign, assignment{name: k, p: p, t: t, grad: grad})
	}

	if len(mismatch.Missing) > 0 || len(mismatch.Unexpected) > 0 {
		return &mismatch
	}

	for _, a := range assign {
		logutil.Trace("assigning tensor", "name", a.name, "shape", a.t.Shape(), "grad", a.grad)
		if a.grad {
			a.p.Grad = a.t.Clone()
		} else {
			a.p.Value = a.t.Clone()
		}
	}
	return nil
}

// LoadInto loads sd into m, retrying with the DataParallel prefix stripped
// when the keys do not match. It reports whether the prefix was stripped.
func LoadInto(m nn.Module, sd *StateDict) (bool, error) {
	err := LoadStateDict(m, sd)
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		return false, err
	}

	stripped := sd.StripPrefix(DataParallelPrefix)
	if stripped.Len() == 0 {
		return false, err
	}

	slog.Debug("retrying state dict without prefix", "prefix", DataParallelPrefix, "keys", stripped.Len())
	if err := LoadStateDict(m, stripped); err != nil {
		return true, err
	}
	return true, nil
}

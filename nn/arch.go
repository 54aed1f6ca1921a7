package nn

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

//go:embed archs/*.yaml
var builtinArchs embed.FS

var ErrUnknownArch = errors.New("unknown architecture")

// Arch describes a network as a tree of layer specs. Each layer spec has a
// "type", an optional "name", nested "layers" for containers, and the layer
// parameters, e.g.
//
//	layers:
//	  - {type: conv2d, in: 3, out: 8, kernel: 3, padding: 1}
type Arch struct {
	Name   string           `yaml:"name"`
	Input  []int            `yaml:"input"`
	Seed   uint64           `yaml:"seed"`
	Layers []map[string]any `yaml:"layers"`
}

func ParseArch(b []byte) (*Arch, error) {
	var a Arch
	if err := yaml.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("parse architecture: %w", err)
	}
	if len(a.Layers) == 0 {
		return nil, fmt.Errorf("architecture %q has no layers", a.Name)
	}
	return &a, nil
}

// LoadArch reads an architecture from a YAML file, or from the built-in set
// when no such file exists.
func LoadArch(nameOrPath string) (*Arch, error) {
	if fi, err := os.Stat(nameOrPath); err == nil && !fi.IsDir() {
		b, err := os.ReadFile(nameOrPath)
		if err != nil {
			return nil, err
		}
		return ParseArch(b)
	}

	b, err := builtinArchs.ReadFile(path.Join("archs", strings.ToLower(nameOrPath)+".yaml"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArch, nameOrPath)
	} else if err != nil {
		return nil, err
	}
	return ParseArch(b)
}

// BuiltinArchs lists the names accepted by LoadArch without a file.
func BuiltinArchs() []string {
	entries, _ := builtinArchs.ReadDir("archs")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	return names
}

// Build instantiates the architecture with freshly initialised weights.
func (a *Arch) Build() (*Sequential, error) {
	rng := rand.New(rand.NewPCG(a.Seed, a.Seed^0x9e3779b97f4a7c15))
	root, err := buildSequential(a.Layers, rng)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.Name, err)
	}
	root.Name = a.Name
	slog.Debug("built architecture", "name", a.Name, "layers", len(Leaves(root)), "params", NumParameters(root))
	return root, nil
}

func buildSequential(specs []map[string]any, rng *rand.Rand) (*Sequential, error) {
	seq := NewSequential()
	for i, spec := range specs {
		name, m, err := buildLayer(spec, rng)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		seq.Add(name, m)
	}
	return seq, nil
}

type convConfig struct {
	In      int   `mapstructure:"in"`
	Out     int   `mapstructure:"out"`
	Kernel  int   `mapstructure:"kernel"`
	Stride  int   `mapstructure:"stride"`
	Padding int   `mapstructure:"padding"`
	Bias    *bool `mapstructure:"bias"`
}

type linearConfig struct {
	In   int   `mapstructure:"in"`
	Out  int   `mapstructure:"out"`
	Bias *bool `mapstructure:"bias"`
}

type poolConfig struct {
	Kernel int `mapstructure:"kernel"`
	Stride int `mapstructure:"stride"`
}

type adaptiveConfig struct {
	Output int `mapstructure:"output"`
}

type dropoutConfig struct {
	P float64 `mapstructure:"p"`
}

type batchNormConfig struct {
	Features int     `mapstructure:"features"`
	Eps      float64 `mapstructure:"eps"`
}

func decode(params map[string]any, v any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           v,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return d.Decode(params)
}

func buildLayer(spec map[string]any, rng *rand.Rand) (string, Module, error) {
	params := make(map[string]any, len(spec))
	for k, v := range spec {
		params[k] = v
	}

	kind, _ := params["type"].(string)
	name, _ := params["name"].(string)
	delete(params, "type")
	delete(params, "name")

	orTrue := func(b *bool) bool { return b == nil || *b }

	switch strings.ToLower(kind) {
	case "sequential":
		var children []map[string]any
		if raw, ok := params["layers"].([]any); ok {
			for _, r := range raw {
				child, ok := r.(map[string]any)
				if !ok {
					return "", nil, fmt.Errorf("%s: nested layer is %T, not a mapping", name, r)
				}
				children = append(children, child)
			}
		}
		seq, err := buildSequential(children, rng)
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", name, err)
		}
		return name, seq, nil
	case "conv2d":
		var c convConfig
		if err := decode(params, &c); err != nil {
			return "", nil, err
		}
		if c.In <= 0 || c.Out <= 0 || c.Kernel <= 0 {
			return "", nil, fmt.Errorf("conv2d needs positive in, out and kernel: %+v", c)
		}
		return name, NewConv2d(c.In, c.Out, c.Kernel, c.Stride, c.Padding, orTrue(c.Bias), rng), nil
	case "linear":
		var c linearConfig
		if err := decode(params, &c); err != nil {
			return "", nil, err
		}
		if c.In <= 0 || c.Out <= 0 {
			return "", nil, fmt.Errorf("linear needs positive in and out: %+v", c)
		}
		return name, NewLinear(c.In, c.Out, orTrue(c.Bias), rng), nil
	case "maxpool2d", "avgpool2d":
		var c poolConfig
		if err := decode(params, &c); err != nil {
			return "", nil, err
		}
		if c.Kernel <= 0 {
			return "", nil, fmt.Errorf("%s needs a positive kernel", kind)
		}
		if strings.EqualFold(kind, "avgpool2d") {
			return name, NewAvgPool2d(c.Kernel, c.Stride), nil
		}
		return name, NewMaxPool2d(c.Kernel, c.Stride), nil
	case "adaptiveavgpool2d":
		c := adaptiveConfig{Output: 1}
		if err := decode(params, &c); err != nil {
			return "", nil, err
		}
		return name, &AdaptiveAvgPool2d{OutputSize: c.Output}, nil
	case "batchnorm2d":
		c := batchNormConfig{Eps: 1e-5}
		if err := decode(params, &c); err != nil {
			return "", nil, err
		}
		return name, NewBatchNorm2d(c.Features, c.Eps), nil
	case "dropout":
		c := dropoutConfig{P: 0.5}
		if err := decode(params, &c); err != nil {
			return "", nil, err
		}
		return name, &Dropout{P: c.P}, nil
	case "relu", "flatten", "softmax":
		if len(params) > 0 {
			return "", nil, fmt.Errorf("%s takes no parameters", kind)
		}
		switch strings.ToLower(kind) {
		case "relu":
			return name, &ReLU{}, nil
		case "flatten":
			return name, &Flatten{}, nil
		default:
			return name, &Softmax{}, nil
		}
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownLayer, kind)
	}
}

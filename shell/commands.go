package shell

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/floats"

	"github.com/pmdebug/pmdebug/checkpoint"
	"github.com/pmdebug/pmdebug/dataset"
	"github.com/pmdebug/pmdebug/format"
	"github.com/pmdebug/pmdebug/imageproc"
	"github.com/pmdebug/pmdebug/inspect"
	"github.com/pmdebug/pmdebug/nn"
	"github.com/pmdebug/pmdebug/viz"
)

const topN = 5

func (s *Shell) register() {
	wrap := s.compare.Wrap
	for _, c := range []*Command{
		{Name: "quit", Aliases: []string{"exit"}, Usage: "quit", Summary: "Exits the shell", Run: s.quit},
		{Name: "help", Aliases: []string{"?"}, Usage: "help [command]", Summary: "List commands or show the usage of one", Run: s.help},

		{Name: "load model", Usage: "load model <name> <arch>", Summary: "Build a model from an architecture file or built-in name", Run: s.loadModel},
		{Name: "load checkpoint", Aliases: []string{"load chkp"}, Usage: "load checkpoint [filename]", Summary: "Load a checkpoint file into the current model", Run: s.loadCheckpoint},
		{Name: "load image", Usage: "load image <path> [as <name>]", Summary: "Load a single image from the path specified", Run: s.loadImage},
		{Name: "image next", Usage: "image next", Summary: "Load the next available image from the dataset", Run: s.imageNext},

		{Name: "set dataset", Usage: "set dataset <dir>", Summary: "Configure the dataset", Run: s.setDataset},
		{Name: "set class", Usage: "set class <index>", Summary: "Restrict the dataset to one class directory", Run: s.setClass},
		{Name: "set context", Aliases: []string{"set model"}, Usage: "set context [name]", Summary: "Make a model the current context", Run: s.setContext},
		{Name: "del context", Usage: "del context <name>", Summary: "Remove a model from the context", Run: s.delContext},
		{Name: "contexts", Usage: "contexts", Summary: "List the models in context", Run: s.listContexts},
		{Name: "resync", Usage: "resync <name>", Summary: "Rebuild a context from the model bound to its name", Run: s.resync},
		{Name: "set compare", Usage: "set compare <model|image|flw|none>", Summary: "Compare display commands against a model, the image or the first layer weights", Run: s.setCompare},
		{Name: "set post_process", Aliases: []string{"set postp"}, Usage: "set post_process <relu|mean|max|none>", Summary: "Reduce each channel with a function before display", Run: s.setPostProcess},

		{Name: "up", Usage: "up", Summary: "Move to the previous layer", Run: s.up},
		{Name: "down", Usage: "down", Summary: "Move to the next layer", Run: s.down},
		{Name: "summary", Usage: "summary", Summary: "Print the layers of the current model", Run: s.summary},
		{Name: "nparams", Aliases: []string{"nparam"}, Usage: "nparams [model]", Summary: "Print the total number of parameters in a model", Run: s.nparams},

		{Name: "infer image", Aliases: []string{"infer"}, Usage: "infer image [model]", Summary: "Run inference on the image", Run: wrap(s.inferImage)},
		{Name: "show image", Aliases: []string{"show img"}, Usage: "show image [name]", Summary: "Display the image or a named image", Run: wrap(s.showImage)},
		{Name: "show weights", Aliases: []string{"show weight", "show wei"}, Usage: "show weights [model]", Summary: "Display the weights of the current layer", Run: wrap(s.showWeights)},
		{Name: "show grads", Usage: "show grads [model]", Summary: "Display the weight gradients of the current layer", Run: wrap(s.showGrads)},
		{Name: "show activations", Aliases: []string{"show act"}, Usage: "show activations [model]", Summary: "Display the output of the current layer for the image", Run: wrap(s.showActivations)},
		{Name: "show heatmap", Aliases: []string{"show heat"}, Usage: "show heatmap [model]", Summary: "Display the class activation map of the image", Run: wrap(s.showHeatmap)},
		{Name: "heatmap next", Aliases: []string{"heat next"}, Usage: "heatmap next [model]", Summary: "Load the next dataset image and display its heatmap", Run: s.heatmapNext},
		{Name: "show first_layer_weights", Aliases: []string{"show flw"}, Usage: "show first_layer_weights [model]", Summary: "Display the filters of the first Conv2d layer", Run: wrap(s.showFirstLayerWeights)},
	} {
		s.registry.Register(c)
	}
}

func (s *Shell) quit(context.Context, string) error {
	s.message("Exiting shell")
	s.done = true
	return nil
}

func (s *Shell) help(_ context.Context, args string) error {
	if args != "" {
		c, ok := s.registry.Lookup(args)
		if !ok {
			s.errorf("No help on %s", args)
			return nil
		}
		s.message(c.Summary)
		s.messagef("Usage: %s", c.Usage)
		return nil
	}

	s.message("Available Commands:")
	table := tablewriter.NewWriter(s.out)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for _, name := range s.registry.Names() {
		c, _ := s.registry.Lookup(name)
		table.Append([]string{"  " + c.Usage, c.Summary})
	}
	table.Render()
	return nil
}

// entry returns the named context, or the current one when name is empty.
// It reports the problem and returns nil when there is none.
func (s *Shell) entry(name string) *inspect.Entry {
	e, err := s.contexts.Resolve(name)
	switch {
	case errors.Is(err, inspect.ErrNotInContext):
		s.errorf("Could not find model %s", name)
		return nil
	case err != nil:
		s.error("No default model is set. Please set a model first")
		return nil
	}
	return e
}

func (s *Shell) currentLayer(e *inspect.Entry) (inspect.Layer, bool) {
	l, err := e.Cursor.Current()
	if err != nil {
		s.errorf("Model \"%s\" has no layers", e.Name)
		return inspect.Layer{}, false
	}
	s.messagef("Current layer is %s: %s", l.Label(), l.Module)
	return l, true
}

func (s *Shell) loadModel(_ context.Context, args string) error {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		s.error("Usage: load model <name> <arch>")
		return nil
	}
	name, arch := fields[0], fields[1]

	a, err := nn.LoadArch(arch)
	if err != nil {
		return err
	}
	m, err := a.Build()
	if err != nil {
		return err
	}

	s.scope.BindModel(name, m)
	s.messagef("Model \"%s\" is %s with %s parameters", name, a.Name, format.HumanNumber(nn.NumParameters(m)))

	if _, ok := s.contexts.Lookup(name); ok {
		s.messagef("Resyncing model \"%s\"", name)
		return s.contexts.Resync(name, m)
	}
	return nil
}

func (s *Shell) loadCheckpoint(_ context.Context, args string) error {
	e := s.entry("")
	if e == nil {
		return nil
	}

	name := args
	if name == "" {
		name = s.cfg.CheckpointName
	}
	file := filepath.Join(s.cfg.CheckpointPath, name)
	if fi, err := os.Stat(file); err != nil || !fi.Mode().IsRegular() {
		s.error("Checkpoint file not found")
		return nil
	}

	sd, err := checkpoint.Load(file)
	if err != nil {
		return err
	}
	s.messagef("Loading checkpoint file: %s", file)

	stripped, err := checkpoint.LoadInto(e.Model, sd)
	if err != nil {
		return err
	}
	if stripped {
		s.messagef("Removed \"%s\" prefix from checkpoint keys", checkpoint.DataParallelPrefix)
	}
	return nil
}

func (s *Shell) loadImage(_ context.Context, args string) error {
	fields := strings.Fields(args)
	var as string
	if n := len(fields); n >= 3 && fields[n-2] == "as" {
		as = fields[n-1]
		fields = fields[:n-2]
	}
	if len(fields) == 0 {
		s.error("Usage: load image <path> [as <name>]")
		return nil
	}

	path := filepath.Join(s.cfg.ImagePath, strings.Join(fields, " "))
	if fi, err := os.Stat(path); err != nil || !fi.Mode().IsRegular() {
		s.error("Image not found")
		return nil
	}
	s.messagef("Loading image %s", path)

	t, err := imageproc.Load(path, s.cfg.ImageSize)
	if err != nil {
		return err
	}
	s.image = t
	if as != "" {
		s.scope.BindImage(as, t)
	}
	return nil
}

// advance moves the dataset to its next image and loads it into the image
// slot.
func (s *Shell) advance() error {
	path, err := s.dataset.Next()
	if err != nil {
		return err
	}
	t, err := s.dataset.Load()
	if err != nil {
		return err
	}
	s.image = t
	s.surface.Title(filepath.Base(path))
	return nil
}

func (s *Shell) imageNext(context.Context, string) error {
	if s.dataset == nil {
		s.message("Please configure a dataset first")
		return nil
	}
	if err := s.advance(); err != nil {
		return err
	}
	if err := s.surface.Image("image", s.image); err != nil {
		s.error("Unsupported image type")
	}
	return nil
}

func (s *Shell) setDataset(_ context.Context, args string) error {
	if args == "" {
		s.error("Please provide a dataset directory")
		return nil
	}
	ds, err := dataset.Open(args, s.cfg.ImageSize)
	if err != nil {
		return err
	}
	s.dataset = ds
	s.messagef("Dataset is %s", ds.Root())
	return nil
}

func (s *Shell) setClass(_ context.Context, args string) error {
	if s.dataset == nil {
		s.error("No dataset is configured")
		return nil
	}
	idx, err := strconv.Atoi(args)
	if err != nil || s.dataset.SetClass(idx) != nil {
		s.errorf("Could not set class to %s", args)
	}
	return nil
}

func (s *Shell) setContext(_ context.Context, args string) error {
	name := args
	if name == "" {
		name = "model"
	}
	m, ok := s.scope.Model(name)
	if !ok {
		s.errorf("Could not find a model by name \"%s\"", name)
		return nil
	}
	s.contexts.Set(name, m)
	s.messagef("Context now is-> %s", name)
	return nil
}

func (s *Shell) delContext(_ context.Context, args string) error {
	if args == "" {
		s.error("Please provide a model name")
		return nil
	}
	if err := s.contexts.Delete(args); err != nil {
		s.errorf("Model \"%s\" not in context", args)
	}
	return nil
}

func (s *Shell) listContexts(context.Context, string) error {
	if s.contexts.Len() == 0 {
		s.message("No models in context")
		return nil
	}

	table := tablewriter.NewWriter(s.out)
	table.SetHeader([]string{"NAME", "LAYERS", "PARAMETERS", "CURRENT"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for _, name := range s.contexts.Names() {
		e, _ := s.contexts.Lookup(name)
		var current string
		if name == s.contexts.CurrentName() {
			current = "*"
		}
		table.Append([]string{name, strconv.Itoa(e.Cursor.Len()), format.HumanNumber(nn.NumParameters(e.Model)), current})
	}
	table.Render()
	return nil
}

func (s *Shell) resync(_ context.Context, args string) error {
	if args == "" {
		s.error("Please provide a model name")
		return nil
	}
	if _, ok := s.contexts.Lookup(args); !ok {
		s.errorf("Model \"%s\" not in context", args)
		return nil
	}

	// an unbound name drops the context
	m, _ := s.scope.Model(args)
	return s.contexts.Resync(args, m)
}

func (s *Shell) setCompare(_ context.Context, args string) error {
	t := ParseCompareTarget(args)
	if t.Kind == TargetModel {
		if _, ok := s.contexts.Lookup(t.Model); !ok {
			s.errorf("Could not find model %s", t.Model)
			return nil
		}
	}

	s.compare.Set(t)
	if t.Kind == TargetNone {
		s.message("Removing compare target")
		return nil
	}
	s.messagef("Compare target is %s", t)
	return nil
}

func (s *Shell) setPostProcess(_ context.Context, args string) error {
	if args == "none" || args == "None" {
		s.message("Removing post processing function")
		s.postProcess = nil
		return nil
	}

	r, ok := reducers[args]
	if !ok {
		s.errorf("Could not find function \"%s\"", args)
		return nil
	}
	s.postProcess = r
	s.messagef("Post process function is %s", r.name)
	return nil
}

func (s *Shell) move(step func(*inspect.Cursor) (bool, error), bound string) {
	e, err := s.contexts.Current()
	if err != nil {
		s.error("Please load a model first")
		return
	}

	moved, err := step(e.Cursor)
	if err != nil {
		s.errorf("Model \"%s\" has no layers", e.Name)
		return
	}
	if !moved {
		s.message(bound)
	}
	l, _ := e.Cursor.Current()
	s.messagef("Current layer is %s: %s", l.Label(), l.Module)
}

func (s *Shell) up(context.Context, string) error {
	s.move((*inspect.Cursor).Up, "Already at top")
	return nil
}

func (s *Shell) down(context.Context, string) error {
	s.move((*inspect.Cursor).Down, "Already at bottom")
	return nil
}

func (s *Shell) summary(context.Context, string) error {
	e := s.entry("")
	if e == nil {
		return nil
	}

	table := tablewriter.NewWriter(s.out)
	table.SetHeader([]string{"", "INDEX", "NAME", "LAYER", "PARAMS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")
	for i, l := range e.Cursor.Layers() {
		var mark string
		if i == e.Cursor.Position() {
			mark = ">"
		}
		table.Append([]string{mark, l.Label(), l.ID, l.Module.String(), format.Thousands(nn.NumParameters(l.Module))})
	}
	table.Render()
	return nil
}

func (s *Shell) nparams(_ context.Context, args string) error {
	e := s.entry(args)
	if e == nil {
		return nil
	}
	s.message(format.Thousands(nn.NumParameters(e.Model)))
	return nil
}

// topIndices returns the indices of the n largest values, largest first.
func topIndices(values []float64, n int) []int {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	inds := make([]int, len(values))
	floats.Argsort(sorted, inds)

	n = min(n, len(inds))
	top := make([]int, n)
	for i := range n {
		top[i] = inds[len(inds)-1-i]
	}
	return top
}

func (s *Shell) inferImage(ctx context.Context, args string) error {
	e := s.entry(args)
	if e == nil {
		return nil
	}
	if s.image == nil {
		s.error("Please load an input image first")
		return nil
	}

	out, err := nn.Call(ctx, e.Model, s.image)
	if err != nil {
		return err
	}

	probs := nn.SoftmaxLast(out)
	if probs.Dim() > 1 {
		probs = probs.Index(0)
	}
	values := make([]float64, probs.Len())
	for i, v := range probs.Data() {
		values[i] = float64(v)
	}
	for _, i := range topIndices(values, topN) {
		s.messagef("%-10d%4.1f", i, values[i]*100)
	}
	return nil
}

func (s *Shell) showImage(_ context.Context, args string) error {
	img, title := s.image, "image"
	if t, ok := s.scope.Image(args); ok {
		img, title = t, args
	}
	if img == nil {
		s.error("Could not find image")
		return nil
	}

	if err := s.surface.Image(title, img); err != nil {
		s.error("Unsupported image type")
	}
	return nil
}

func (s *Shell) announcePostProcess() {
	if s.postProcess != nil {
		s.messagef("Post processing function is %s", s.postProcess.name)
	}
}

// showParameter displays the weight of the current layer, or its gradient.
func (s *Shell) showParameter(args string, grad bool) error {
	e := s.entry(args)
	if e == nil {
		return nil
	}
	l, ok := s.currentLayer(e)
	if !ok {
		return nil
	}
	s.announcePostProcess()

	p := nn.Param(l.Module, "weight")
	switch {
	case !grad && p == nil:
		s.error("Current layer has no weights")
		return nil
	case grad && (p == nil || p.Grad == nil):
		s.error("Current layer has no gradients")
		return nil
	case grad:
		return s.displayLayerData(p.Grad.Unsqueeze(0), l.Label()+" gradients")
	default:
		return s.displayLayerData(p.Value.Unsqueeze(0), l.Label()+" weights")
	}
}

func (s *Shell) showWeights(_ context.Context, args string) error {
	return s.showParameter(args, false)
}

func (s *Shell) showGrads(_ context.Context, args string) error {
	return s.showParameter(args, true)
}

func (s *Shell) showActivations(ctx context.Context, args string) error {
	e := s.entry(args)
	if e == nil {
		return nil
	}
	if s.image == nil {
		s.error("Please load an input image first")
		return nil
	}
	l, ok := s.currentLayer(e)
	if !ok {
		return nil
	}

	if _, err := e.Cursor.RegisterForwardHook(); err != nil {
		return err
	}
	s.message("Registered forward hook")
	s.announcePostProcess()

	out, err := nn.Call(ctx, e.Model, s.image)
	if err != nil {
		return err
	}
	s.messagef("Out: %d", out.Argmax())

	data, err := e.Cursor.Data()
	if err != nil {
		return fmt.Errorf("layer %s: %w", l.Label(), err)
	}
	return s.displayLayerData(data, l.Label()+" activations")
}

// displayLayerData reduces each channel of a batch of one to a single value
// and draws the values as bars, marking the largest ones.
func (s *Shell) displayLayerData(data *nn.Tensor, title string) error {
	if data.Dim() == 0 || data.Size(0) != 1 {
		s.error("Unsupported data dimensions")
		return nil
	}
	data, err := data.Squeeze(0)
	if err != nil {
		return err
	}

	r := s.postProcess
	if r == nil {
		r = reducers["mean"]
	}

	var values []float64
	if data.Dim() == 0 {
		values = []float64{r.apply(data.Data())}
	} else {
		values = make([]float64, data.Size(0))
		for i := range values {
			values[i] = r.apply(data.Index(i).Data())
		}
	}

	s.surface.Bars("Histogram of layer "+title, values, topIndices(values, topN))
	return nil
}

func (s *Shell) showHeatmap(ctx context.Context, args string) error {
	e := s.entry(args)
	if e == nil {
		return nil
	}
	if s.image == nil {
		s.error("No input image available")
		return nil
	}

	conv, err := e.Cursor.FindLast(inspect.IsKind("Conv2d"))
	if err != nil {
		s.error("No Conv2d layer found")
		return nil
	}
	fc, err := e.Cursor.FindLast(inspect.IsKind("Linear"))
	if err != nil {
		s.error("No Linear layer found")
		return nil
	}

	e.Cursor.HookAt(conv)
	s.message("Registered forward hook")

	out, err := nn.Call(ctx, e.Model, s.image)
	if err != nil {
		return err
	}
	idx := out.Argmax()

	act, err := e.Cursor.DataAt(conv)
	if err != nil {
		return fmt.Errorf("layer %s: %w", conv.Label(), err)
	}
	cam, h, w, err := classActivation(nn.Param(fc.Module, "weight").Value, act, idx)
	if err != nil {
		return err
	}

	height, width := s.image.Size(-2), s.image.Size(-1)
	grid := viz.Grid{H: height, W: width, Data: imageproc.ResizeGrid(cam, h, w, height, width)}

	msg := fmt.Sprintf("Model guess: %d", idx)
	s.message(msg)
	return s.surface.Heatmap(msg, s.image, grid)
}

// classActivation weighs the channels of act, the [1, C, H, W] output of a
// convolution, by row idx of the classifier weight and normalises the
// result.
func classActivation(weight, act *nn.Tensor, idx int) ([]float32, int, int, error) {
	if act.Dim() != 4 {
		return nil, 0, 0, &nn.ShapeError{Op: "heatmap", Want: []int{1, -1, -1, -1}, Got: act.Shape()}
	}
	nc, h, w := act.Size(1), act.Size(2), act.Size(3)
	if weight.Dim() != 2 || weight.Size(1) != nc || idx >= weight.Size(0) {
		return nil, 0, 0, &nn.ShapeError{Op: "heatmap", Want: []int{idx + 1, nc}, Got: weight.Shape()}
	}

	a := blas32.General{Rows: nc, Cols: h * w, Stride: h * w, Data: act.Index(0).Data()}
	x := blas32.Vector{N: nc, Inc: 1, Data: weight.Index(idx).Data()}
	y := blas32.Vector{N: h * w, Inc: 1, Data: make([]float32, h*w)}
	blas32.Gemv(blas.Trans, 1, a, x, 0, y)

	cam := y.Data
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range cam {
		lo, hi = min(lo, v), max(hi, v)
	}
	if hi != 0 {
		for i := range cam {
			cam[i] = (cam[i] - lo) / hi
		}
	}
	return cam, h, w, nil
}

func (s *Shell) heatmapNext(ctx context.Context, args string) error {
	if s.dataset == nil {
		s.error("No dataset configured")
		return nil
	}
	if err := s.advance(); err != nil {
		return err
	}

	c, _ := s.registry.Lookup("show_heatmap")
	return c.Run(ctx, args)
}

func (s *Shell) showFirstLayerWeights(_ context.Context, args string) error {
	var e *inspect.Entry
	if args != "" {
		var ok bool
		if e, ok = s.contexts.Lookup(args); !ok {
			s.errorf("Could not find \"%s\" in context. Please set this model in context first.", args)
			return nil
		}
	} else {
		var err error
		if e, err = s.contexts.Current(); err != nil {
			s.error("No default model is set. Please set a model in context first.")
			return nil
		}
	}

	conv, err := e.Cursor.FindFirst(inspect.IsKind("Conv2d"))
	if err != nil {
		s.error("No Conv2d layer found")
		return nil
	}

	grid, err := filterGrid(nn.Param(conv.Module, "weight").Value)
	if err != nil {
		return err
	}
	if err := s.surface.Image(conv.Label()+" first layer weights", grid); err != nil {
		s.error("Unsupported image type")
	}
	return nil
}

// filterGrid lays the [N, C, KH, KW] filters of a convolution out as a
// square grid image with channels last. Missing cells are filled with ones.
func filterGrid(weight *nn.Tensor) (*nn.Tensor, error) {
	w, err := nn.Permute(weight, 0, 2, 3, 1)
	if err != nil {
		return nil, err
	}
	nf, kh, kw, nc := w.Size(0), w.Size(1), w.Size(2), w.Size(3)

	side := int(math.Floor(math.Sqrt(float64(nf))))
	if side*side < nf {
		side++
	}

	cell := kh * kw * nc
	src := w.Data()
	data := make([]float32, side*side*cell)
	for k := range side * side {
		row, col := k/side, k%side
		for y := range kh {
			for x := range kw {
				dst := ((row*kh+y)*side*kw + col*kw + x) * nc
				for c := range nc {
					v := float32(1)
					if k < nf {
						v = src[k*cell+(y*kw+x)*nc+c]
					}
					data[dst+c] = v
				}
			}
		}
	}

	if nc == 1 {
		return nn.New([]int{side * kh, side * kw}, data)
	}
	return nn.New([]int{side * kh, side * kw, nc}, data)
}

// reducer turns the values of one channel into the single value displayed
// for it.
type reducer struct {
	name  string
	apply func([]float32) float64
}

func mean(v []float32) float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Sum(widen(v)) / float64(len(v))
}

var reducers = map[string]*reducer{
	"mean": {"mean", mean},
	"max": {"max", func(v []float32) float64 {
		if len(v) == 0 {
			return 0
		}
		return floats.Max(widen(v))
	}},
	// relu clamps the channel mean, which is the channel itself for single
	// values
	"relu": {"relu", func(v []float32) float64 {
		return math.Max(0, mean(v))
	}},
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

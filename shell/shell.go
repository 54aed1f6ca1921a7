// Package shell is the interactive command engine: it reads lines, resolves
// them to commands and keeps the state the commands share.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/pmdebug/pmdebug/dataset"
	"github.com/pmdebug/pmdebug/inspect"
	"github.com/pmdebug/pmdebug/nn"
	"github.com/pmdebug/pmdebug/readline"
	"github.com/pmdebug/pmdebug/viz"
)

const Prompt = ">> "

type Config struct {
	RCFile         string
	NoHistory      bool
	ImagePath      string
	ImageSize      int
	CheckpointPath string
	CheckpointName string
	Dataset        string
}

// LineReader supplies input lines. Readers that also implement
// SaveHistory() error have their history saved when the shell exits.
type LineReader interface {
	Readline() (string, error)
}

type historySaver interface {
	SaveHistory() error
}

type Shell struct {
	cfg Config
	out io.Writer

	registry *Registry
	compare  *Compare
	contexts *inspect.Contexts
	scope    *Scope
	surface  viz.Surface
	dataset  *dataset.Dataset

	// image is the input most recently loaded by load image, image next or
	// heatmap next.
	image       *nn.Tensor
	postProcess *reducer
	done        bool

	// interrupts delivers SIGINT while Run is active. It is nil otherwise.
	interrupts <-chan os.Signal
	notify     func() (<-chan os.Signal, func())
}

func New(cfg Config, out io.Writer, surface viz.Surface) *Shell {
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = 224
	}

	s := &Shell{
		cfg:      cfg,
		out:      out,
		registry: NewRegistry(),
		contexts: inspect.NewContexts(),
		scope:    NewScope(),
		surface:  surface,
		notify: func() (<-chan os.Signal, func()) {
			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt)
			return c, func() { signal.Stop(c) }
		},
	}
	s.compare = NewCompare(surface, s.showImage, s.showFirstLayerWeights)
	s.register()

	if cfg.Dataset != "" {
		ds, err := dataset.Open(cfg.Dataset, cfg.ImageSize)
		if err != nil {
			slog.Warn("could not open dataset", "path", cfg.Dataset, "error", err)
		} else {
			s.dataset = ds
		}
	}
	return s
}

func (s *Shell) Registry() *Registry { return s.registry }

func (s *Shell) Contexts() *inspect.Contexts { return s.contexts }

func (s *Shell) Scope() *Scope { return s.scope }

func (s *Shell) Image() *nn.Tensor { return s.image }

func (s *Shell) message(a ...any) {
	fmt.Fprintln(s.out, a...)
}

func (s *Shell) messagef(format string, a ...any) {
	fmt.Fprintf(s.out, format+"\n", a...)
}

func (s *Shell) error(msg string) {
	fmt.Fprintf(s.out, "***%s\n", msg)
}

func (s *Shell) errorf(format string, a ...any) {
	s.error(fmt.Sprintf(format, a...))
}

type readResult struct {
	line string
	err  error
}

// Run replays the rc file, then reads and executes lines from rl until quit
// or end of input. SIGINT at the prompt is reported like Ctrl-C; during a
// command it cancels the command's context.
func (s *Shell) Run(ctx context.Context, rl LineReader) error {
	interrupts, stop := s.notify()
	defer stop()
	s.interrupts = interrupts
	defer func() { s.interrupts = nil }()

	s.replayRC(ctx)

	if !s.done {
		s.message("Welcome to the shell")
	}

	reads := make(chan readResult, 1)
	var pending bool
	for !s.done {
		if !pending {
			pending = true
			go func() {
				line, err := rl.Readline()
				reads <- readResult{line, err}
			}()
		}

		var line string
		var err error
		select {
		case <-interrupts:
			// the read stays pending and its line is used next
			err = readline.ErrInterrupt
		case r := <-reads:
			pending = false
			line, err = r.line, r.err
		}

		switch {
		case errors.Is(err, readline.ErrInterrupt):
			s.message("**Keyboard Interrupt")
			continue
		case errors.Is(err, io.EOF):
			s.message("Exiting shell")
			s.done = true
			continue
		case err != nil:
			return err
		}

		s.Execute(ctx, line)
	}

	if hs, ok := rl.(historySaver); ok && !s.cfg.NoHistory {
		s.message("Saving history")
		if err := hs.SaveHistory(); err != nil {
			slog.Warn("could not save history", "error", err)
		}
	}
	return nil
}

// Execute runs a single line. Errors are reported on the shell's output and
// never returned.
func (s *Shell) Execute(ctx context.Context, line string) {
	ctx, cancel := context.WithCancel(ctx)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case <-s.interrupts:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer func() {
		cancel()
		<-watched
	}()
	defer s.recoverPanic()

	err := s.dispatch(ctx, line)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		s.message("**Keyboard Interrupt")
	default:
		s.error(lastLine(err.Error()))
	}
}

func (s *Shell) dispatch(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	c, args, ok := s.registry.Resolve(line)
	if !ok {
		s.errorf("Unknown command \"%s\". Type help for a list of commands", line)
		return nil
	}

	slog.Debug("command", "name", c.Name, "args", args)
	return c.Run(ctx, args)
}

// recoverPanic contains runtime errors and framework faults. Any other
// panic is not ours to handle and is raised again.
func (s *Shell) recoverPanic() {
	r := recover()
	if r == nil {
		return
	}

	if err, ok := r.(runtime.Error); ok {
		s.error("----------Error----------")
		fmt.Fprintf(s.out, "%v\n%s", err, debug.Stack())
		return
	}

	var rerr *nn.RuntimeError
	if err, ok := r.(error); ok && errors.As(err, &rerr) {
		s.error(lastLine(rerr.Error()))
		return
	}

	panic(r)
}

func lastLine(msg string) string {
	msg = strings.TrimSpace(msg)
	if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
		return msg[i+1:]
	}
	return msg
}

// replayRC executes the rc file line by line, echoing each numbered line.
// Blank lines and comments are echoed but not executed.
func (s *Shell) replayRC(ctx context.Context) {
	if s.cfg.RCFile == "" {
		return
	}

	f, err := os.Open(s.cfg.RCFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("could not read rc file", "path", s.cfg.RCFile, "error", err)
		}
		return
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("could not read rc file", "path", s.cfg.RCFile, "error", err)
		return
	}
	if len(lines) == 0 {
		return
	}

	s.message("\nExecuting rc file")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		fmt.Fprintf(s.out, "%d: %s", i+1, line)
		if line == "" || strings.HasPrefix(line, "#") {
			s.message()
			continue
		}

		s.Execute(ctx, line)
		s.message(" ...Done")
		if s.done {
			return
		}
	}
	s.message()
}

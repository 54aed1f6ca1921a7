package readline

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/emirpasic/gods/lists/arraylist"
)

// DefaultHistorySize is the number of lines kept when no limit is given.
const DefaultHistorySize = 2000

type History struct {
	Enabled bool
	Pos     int

	lines    *arraylist.List
	limit    int
	filename string
}

// NewHistory loads the history file, if any, keeping at most limit lines.
// An empty filename gives an in-memory history.
func NewHistory(filename string, limit int) (*History, error) {
	if limit <= 0 {
		limit = DefaultHistorySize
	}

	h := &History{
		Enabled:  true,
		lines:    arraylist.New(),
		limit:    limit,
		filename: filename,
	}

	if filename == "" {
		return h, nil
	}

	f, err := os.Open(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return h, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); len(line) > 0 {
			h.Add(line)
		}
	}

	return h, scanner.Err()
}

func (h *History) Add(s string) {
	if latest, _ := h.lines.Get(h.Size() - 1); latest != s {
		h.lines.Add(s)
		h.Compact()
	}
	// always set position to the end
	h.Pos = h.Size()
}

func (h *History) Compact() {
	if s := h.lines.Size(); s > h.limit {
		for range s - h.limit {
			h.lines.Remove(0)
		}
	}
}

func (h *History) Prev() (line string) {
	if h.Pos > 0 {
		h.Pos -= 1
	}
	// return first line if at the beginning
	if v, ok := h.lines.Get(h.Pos); ok {
		line = v.(string)
	}
	return line
}

func (h *History) Next() (line string) {
	if h.Pos < h.lines.Size() {
		h.Pos += 1
		if v, ok := h.lines.Get(h.Pos); ok {
			line = v.(string)
		}
	}
	// return empty string if at the end
	return line
}

func (h *History) Size() int {
	return h.lines.Size()
}

// Lines returns the history oldest first.
func (h *History) Lines() []string {
	lines := make([]string, 0, h.lines.Size())
	h.lines.Each(func(_ int, v any) {
		lines = append(lines, v.(string))
	})
	return lines
}

// Save replaces the history file with the current lines.
func (h *History) Save() error {
	if !h.Enabled || h.filename == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(h.filename), 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(h.filename), ".history")
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	h.lines.Each(func(_ int, line any) {
		fmt.Fprintln(w, line)
	})
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return err
	}

	return os.Rename(f.Name(), h.filename)
}

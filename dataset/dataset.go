// Package dataset walks a directory of images grouped into class
// subdirectories.
package dataset

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/pmdebug/pmdebug/imageproc"
	"github.com/pmdebug/pmdebug/nn"
)

var (
	ErrNoSuchClass = errors.New("no such class")
	ErrEmpty       = errors.New("no images in class")
	ErrNoItem      = errors.New("no current image")
)

// Dataset is a cursor over the images of one class directory. Images are
// visited in name order.
type Dataset struct {
	root string
	size int

	dir   string
	files []string
	pos   int
}

// Open configures a dataset rooted at root and selects class 0. A root
// without class subdirectories is iterated directly.
func Open(root string, size int) (*Dataset, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	d := &Dataset{root: root, size: size, dir: root, pos: -1}
	if err := d.SetClass(0); err != nil {
		slog.Debug("dataset has no class directories", "root", root)
	}
	return d, nil
}

func (d *Dataset) Root() string { return d.root }

// Dir is the directory currently iterated.
func (d *Dataset) Dir() string { return d.dir }

// Classes lists the entries of the root in sorted order.
func (d *Dataset) Classes() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}

// SetClass selects the idx-th root entry, which must be a directory, and
// restarts iteration.
func (d *Dataset) SetClass(idx int) error {
	names, err := d.Classes()
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(names) {
		return fmt.Errorf("%w: %d", ErrNoSuchClass, idx)
	}

	dir := filepath.Join(d.root, names[idx])
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrNoSuchClass, names[idx])
	}

	d.dir = dir
	d.files = nil
	d.pos = -1
	return nil
}

func (d *Dataset) list() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return err
	}
	d.files = d.files[:0]
	for _, e := range entries {
		if e.Type().IsRegular() && imageproc.IsImage(e.Name()) {
			d.files = append(d.files, filepath.Join(d.dir, e.Name()))
		}
	}
	slices.Sort(d.files)
	return nil
}

// Next advances to the following image and returns its path. Once the class
// is exhausted the last image stays current.
func (d *Dataset) Next() (string, error) {
	if d.pos < 0 {
		if err := d.list(); err != nil {
			return "", err
		}
	}
	if len(d.files) == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmpty, d.dir)
	}

	if d.pos < len(d.files)-1 {
		d.pos++
	} else {
		slog.Debug("dataset exhausted, keeping last image", "path", d.files[d.pos])
	}
	return d.files[d.pos], nil
}

// Current returns the path of the current image, or "" before the first Next.
func (d *Dataset) Current() string {
	if d.pos < 0 || d.pos >= len(d.files) {
		return ""
	}
	return d.files[d.pos]
}

// Load decodes the current image.
func (d *Dataset) Load() (*nn.Tensor, error) {
	p := d.Current()
	if p == "" {
		return nil, ErrNoItem
	}
	return imageproc.Load(p, d.size)
}

package viz

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"

	"github.com/pmdebug/pmdebug/nn"
)

const (
	shades  = " .:-=+*#%@"
	maxRows = 48
)

// Terminal is a Surface that renders to a text stream. Images become shade
// ramps and bar charts become rows of blocks.
type Terminal struct {
	w     io.Writer
	width int
	dual  bool
	pane  int
}

func NewTerminal(w io.Writer) *Terminal {
	width := 80
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if tw, _, err := term.GetSize(int(f.Fd())); err == nil && tw > 20 {
			width = tw
		}
	}
	return &Terminal{w: w, width: width}
}

func (t *Terminal) SetDual(dual bool) {
	t.dual = dual
	t.pane = 0
}

func (t *Terminal) Dual() bool { return t.dual }

func (t *Terminal) SelectPane(i int) {
	if t.dual {
		t.pane = i
	}
}

func (t *Terminal) header() {
	if t.dual {
		side := "left"
		if t.pane == 1 {
			side = "right"
		}
		fmt.Fprintf(t.w, "-- %s pane --\n", side)
	}
}

func (t *Terminal) Title(s string) {
	fmt.Fprintf(t.w, "== %s ==\n", s)
}

func (t *Terminal) Bars(title string, values []float64, marks []int) {
	t.header()
	t.Title(title)
	if len(values) == 0 {
		return
	}

	// buckets of consecutive bars keep long layers within maxRows
	per := (len(values) + maxRows - 1) / maxRows
	lo, hi := 0.0, 0.0
	for _, v := range values {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	span := math.Max(hi-lo, 1e-12)
	barWidth := max(t.width-30, 10)
	zero := int(math.Round(-lo / span * float64(barWidth)))

	marked := make(map[int]bool, len(marks))
	for _, m := range marks {
		marked[m] = true
	}

	for start := 0; start < len(values); start += per {
		end := min(start+per, len(values))
		v, star := values[start], marked[start]
		for i := start + 1; i < end; i++ {
			if math.Abs(values[i]) > math.Abs(v) {
				v = values[i]
			}
			star = star || marked[i]
		}

		label := strconv.Itoa(start)
		if end-start > 1 {
			label = fmt.Sprintf("%d-%d", start, end-1)
		}

		pos := int(math.Round((v - lo) / span * float64(barWidth)))
		row := []rune(strings.Repeat(" ", barWidth+1))
		from, to := min(zero, pos), max(zero, pos)
		for i := from; i <= to && i < len(row); i++ {
			row[i] = '#'
		}
		if zero < len(row) {
			row[zero] = '|'
		}

		mark := " "
		if star {
			mark = "*"
		}
		fmt.Fprintf(t.w, "%9s %s %s %+.4g\n", label, mark, strings.TrimRight(string(row), " "), v)
	}

	if len(marks) > 0 {
		table := tablewriter.NewWriter(t.w)
		table.SetHeader([]string{"CHANNEL", "VALUE"})
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetHeaderLine(false)
		table.SetBorder(false)
		table.SetNoWhiteSpace(true)
		table.SetTablePadding("    ")
		for _, m := range marks {
			if m >= 0 && m < len(values) {
				table.Append([]string{strconv.Itoa(m), strconv.FormatFloat(values[m], 'g', 5, 64)})
			}
		}
		table.Render()
	}
}

func (t *Terminal) Image(title string, x *nn.Tensor) error {
	p, err := ToPicture(x)
	if err != nil {
		return err
	}

	t.header()
	t.Title(fmt.Sprintf("%s (%dx%d)", title, p.W, p.H))
	t.shade(p.Luma(), p.H, p.W, nil)
	return nil
}

func (t *Terminal) Heatmap(title string, base *nn.Tensor, grid Grid) error {
	p, err := ToPicture(base)
	if err != nil {
		return err
	}
	if p.H != grid.H || p.W != grid.W || len(grid.Data) != grid.H*grid.W {
		return fmt.Errorf("heatmap is %dx%d but image is %dx%d", grid.W, grid.H, p.W, p.H)
	}

	t.header()
	t.Title(title)
	t.shade(p.Luma(), p.H, p.W, grid.Data)
	return nil
}

// shade draws values normalised to [0, 1], averaging blocks of pixels down
// to the terminal width. A non-nil overlay is blended in at half weight.
func (t *Terminal) shade(values []float32, h, w int, overlay []float32) {
	norm := func(vs []float32) []float32 {
		lo, hi := vs[0], vs[0]
		for _, v := range vs {
			lo, hi = min(lo, v), max(hi, v)
		}
		out := make([]float32, len(vs))
		if hi > lo {
			for i, v := range vs {
				out[i] = (v - lo) / (hi - lo)
			}
		}
		return out
	}

	if len(values) == 0 {
		return
	}
	img := norm(values)
	if overlay != nil {
		ov := norm(overlay)
		for i := range img {
			img[i] = 0.5*img[i] + 0.5*ov[i]
		}
	}

	cols := min(w, t.width-2, 64)
	// terminal cells are about twice as tall as they are wide
	rows := max(1, min(h, cols*h/max(w, 1)/2))
	ramp := []rune(shades)

	var sb strings.Builder
	for r := range rows {
		y0, y1 := r*h/rows, max((r+1)*h/rows, r*h/rows+1)
		for c := range cols {
			x0, x1 := c*w/cols, max((c+1)*w/cols, c*w/cols+1)
			var sum float32
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					sum += img[y*w+x]
				}
			}
			v := sum / float32((y1-y0)*(x1-x0))
			sb.WriteRune(ramp[min(int(v*float32(len(ramp))), len(ramp)-1)])
		}
		sb.WriteByte('\n')
	}
	fmt.Fprint(t.w, sb.String())
}

func (t *Terminal) Close() error {
	return nil
}

package readline

import (
	"fmt"
	"io"
	"strings"

	"github.com/emirpasic/gods/lists/arraylist"
	"github.com/mattn/go-runewidth"
)

// Buffer is a single-line edit buffer. Every edit redraws the line from the
// start, so the terminal cursor always matches Pos.
type Buffer struct {
	Pos    int
	Buf    *arraylist.List
	Prompt string

	out io.Writer
}

func NewBuffer(prompt string, out io.Writer) *Buffer {
	return &Buffer{
		Buf:    arraylist.New(),
		Prompt: prompt,
		out:    out,
	}
}

func (b *Buffer) at(i int) rune {
	v, _ := b.Buf.Get(i)
	r, _ := v.(rune)
	return r
}

func (b *Buffer) redraw() {
	var sb strings.Builder
	sb.WriteString(CursorHide + "\r" + b.Prompt)
	sb.WriteString(b.String())
	sb.WriteString(ClearToEOL)
	if tail := runewidth.StringWidth(b.StringN(b.Pos)); tail > 0 {
		sb.WriteString(CursorLeftN(tail))
	}
	sb.WriteString(CursorShow)
	fmt.Fprint(b.out, sb.String())
}

func (b *Buffer) Add(r rune) {
	if b.Pos == b.Buf.Size() {
		b.Buf.Add(r)
	} else {
		b.Buf.Insert(b.Pos, r)
	}
	b.Pos += 1
	b.redraw()
}

func (b *Buffer) MoveLeft() {
	if b.Pos > 0 {
		b.Pos -= 1
		b.redraw()
	}
}

func (b *Buffer) MoveRight() {
	if b.Pos < b.Buf.Size() {
		b.Pos += 1
		b.redraw()
	}
}

func (b *Buffer) MoveLeftWord() {
	var foundNonspace bool
	for b.Pos > 0 {
		if b.at(b.Pos-1) == ' ' {
			if foundNonspace {
				break
			}
		} else {
			foundNonspace = true
		}
		b.Pos -= 1
	}
	b.redraw()
}

func (b *Buffer) MoveRightWord() {
	for b.Pos < b.Buf.Size() {
		b.Pos += 1
		if b.at(b.Pos) == ' ' {
			break
		}
	}
	b.redraw()
}

func (b *Buffer) MoveToStart() {
	b.Pos = 0
	b.redraw()
}

func (b *Buffer) MoveToEnd() {
	b.Pos = b.Buf.Size()
	b.redraw()
}

// Remove deletes the rune before the cursor.
func (b *Buffer) Remove() {
	if b.Pos > 0 {
		b.Pos -= 1
		b.Buf.Remove(b.Pos)
		b.redraw()
	}
}

// Delete deletes the rune under the cursor.
func (b *Buffer) Delete() {
	if b.Pos < b.Buf.Size() {
		b.Buf.Remove(b.Pos)
		b.redraw()
	}
}

func (b *Buffer) DeleteBefore() {
	for range b.Pos {
		b.Buf.Remove(0)
	}
	b.Pos = 0
	b.redraw()
}

func (b *Buffer) DeleteRemaining() {
	for b.Buf.Size() > b.Pos {
		b.Buf.Remove(b.Pos)
	}
	b.redraw()
}

func (b *Buffer) DeleteWord() {
	var foundNonspace bool
	for b.Pos > 0 {
		if b.at(b.Pos-1) == ' ' {
			if foundNonspace {
				break
			}
		} else {
			foundNonspace = true
		}
		b.Pos -= 1
		b.Buf.Remove(b.Pos)
	}
	b.redraw()
}

func (b *Buffer) ClearScreen() {
	fmt.Fprint(b.out, ClearScreen+CursorReset)
	b.redraw()
}

func (b *Buffer) IsEmpty() bool {
	return b.Buf.Empty()
}

func (b *Buffer) DisplaySize() int {
	return runewidth.StringWidth(b.String())
}

func (b *Buffer) Replace(r []rune) {
	b.Buf.Clear()
	for _, c := range r {
		b.Buf.Add(c)
	}
	b.Pos = b.Buf.Size()
	b.redraw()
}

func (b *Buffer) String() string {
	return b.StringN(0)
}

// StringN returns the text from rune n to the end.
func (b *Buffer) StringN(n int) string {
	var sb strings.Builder
	for i := n; i < b.Buf.Size(); i++ {
		sb.WriteRune(b.at(i))
	}
	return sb.String()
}

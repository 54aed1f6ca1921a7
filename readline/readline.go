package readline

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

type Config struct {
	Prompt string

	// HistoryFile is where Save writes the history. Empty keeps it in memory.
	HistoryFile string
	HistorySize int
	NoHistory   bool

	// Stdin and Stdout default to the process streams.
	Stdin  *os.File
	Stdout io.Writer
}

type Instance struct {
	Prompt  string
	History *History

	in     *os.File
	out    io.Writer
	reader *bufio.Reader
	tty    bool
}

func New(cfg Config) (*Instance, error) {
	history, err := NewHistory(cfg.HistoryFile, cfg.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history.Enabled = !cfg.NoHistory

	in := cfg.Stdin
	if in == nil {
		in = os.Stdin
	}
	out := cfg.Stdout
	if out == nil {
		out = os.Stdout
	}

	return &Instance{
		Prompt:  cfg.Prompt,
		History: history,
		in:      in,
		out:     out,
		reader:  bufio.NewReader(in),
		tty:     term.IsTerminal(int(in.Fd())),
	}, nil
}

// Readline reads one line. It returns io.EOF at end of input or on Ctrl-D
// with an empty line, and ErrInterrupt on Ctrl-C.
func (i *Instance) Readline() (string, error) {
	if !i.tty {
		return i.readPlain()
	}

	fd := int(i.in.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return i.readPlain()
	}
	defer term.Restore(fd, state) //nolint:errcheck

	buf := NewBuffer(i.Prompt, crlf{i.out})
	fmt.Fprint(i.out, i.Prompt)

	var esc, escex, metaDel bool
	var currentLineBuf []rune

	for {
		r, _, err := i.reader.ReadRune()
		if err != nil {
			return "", io.EOF
		}

		if escex {
			escex = false

			switch r {
			case KeyUp:
				i.historyPrev(buf, &currentLineBuf)
			case KeyDown:
				i.historyNext(buf, &currentLineBuf)
			case KeyLeft:
				buf.MoveLeft()
			case KeyRight:
				buf.MoveRight()
			case KeyDel:
				buf.Delete()
				metaDel = true
			case MetaStart:
				buf.MoveToStart()
			case MetaEnd:
				buf.MoveToEnd()
			}
			continue
		} else if esc {
			esc = false

			switch r {
			case 'b':
				buf.MoveLeftWord()
			case 'f':
				buf.MoveRightWord()
			case CharBackspace:
				buf.DeleteWord()
			case CharEscapeEx:
				escex = true
			}
			continue
		}

		switch r {
		case CharNull:
			continue
		case CharEsc:
			esc = true
		case CharInterrupt:
			fmt.Fprint(i.out, "\r\n")
			return "", ErrInterrupt
		case CharPrev:
			i.historyPrev(buf, &currentLineBuf)
		case CharNext:
			i.historyNext(buf, &currentLineBuf)
		case CharLineStart:
			buf.MoveToStart()
		case CharLineEnd:
			buf.MoveToEnd()
		case CharBackward:
			buf.MoveLeft()
		case CharForward:
			buf.MoveRight()
		case CharBackspace, CharCtrlH:
			buf.Remove()
		case CharTab:
			buf.Add(' ')
		case CharDelete:
			if !buf.IsEmpty() {
				buf.Delete()
			} else {
				fmt.Fprint(i.out, "\r\n")
				return "", io.EOF
			}
		case CharKill:
			buf.DeleteRemaining()
		case CharCtrlU:
			buf.DeleteBefore()
		case CharCtrlL:
			buf.ClearScreen()
		case CharCtrlW:
			buf.DeleteWord()
		case CharCtrlZ:
			if err := suspend(fd, state); err != nil {
				return "", err
			}
			if state, err = term.MakeRaw(fd); err != nil {
				return "", err
			}
			buf.redraw()
		case CharEnter, CharCtrlJ:
			output := buf.String()
			i.remember(output)
			fmt.Fprint(i.out, "\r\n")
			return output, nil
		default:
			if metaDel {
				metaDel = false
				continue
			}
			if r >= CharSpace {
				buf.Add(r)
			}
		}
	}
}

// readPlain serves input that is not a terminal, such as a pipe.
func (i *Instance) readPlain() (string, error) {
	fmt.Fprint(i.out, i.Prompt)
	line, err := i.reader.ReadString('\n')
	if err != nil && (line == "" || err != io.EOF) {
		return "", io.EOF
	}
	line = strings.TrimRight(line, "\r\n")
	i.remember(line)
	return line, nil
}

func (i *Instance) remember(line string) {
	if strings.TrimSpace(line) != "" {
		i.History.Add(line)
	}
}

// SaveHistory writes the history file. It is a no-op when history is
// disabled.
func (i *Instance) SaveHistory() error {
	return i.History.Save()
}

func (i *Instance) historyPrev(buf *Buffer, currentLineBuf *[]rune) {
	if i.History.Pos > 0 {
		if i.History.Pos == i.History.Size() {
			*currentLineBuf = []rune(buf.String())
		}
		buf.Replace([]rune(i.History.Prev()))
	}
}

func (i *Instance) historyNext(buf *Buffer, currentLineBuf *[]rune) {
	if i.History.Pos < i.History.Size() {
		buf.Replace([]rune(i.History.Next()))
		if i.History.Pos == i.History.Size() {
			buf.Replace(*currentLineBuf)
		}
	}
}

// crlf translates newlines while the terminal is in raw mode.
type crlf struct{ w io.Writer }

func (c crlf) Write(p []byte) (int, error) {
	if _, err := io.WriteString(c.w, strings.ReplaceAll(string(p), "\n", "\r\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

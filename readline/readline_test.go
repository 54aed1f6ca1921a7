package readline

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history")

	h, err := NewHistory(path, 0)
	require.NoError(t, err)
	for i := range DefaultHistorySize + 50 {
		h.Add(fmt.Sprintf("up %d", i))
	}
	assert.Equal(t, DefaultHistorySize, h.Size())
	assert.Equal(t, "up 50", h.Lines()[0])
	require.NoError(t, h.Save())

	reloaded, err := NewHistory(path, 0)
	require.NoError(t, err)
	assert.Equal(t, h.Lines(), reloaded.Lines())
}

func TestHistoryDedupAndNavigate(t *testing.T) {
	h, err := NewHistory("", 3)
	require.NoError(t, err)

	h.Add("up")
	h.Add("up")
	h.Add("down")
	assert.Equal(t, []string{"up", "down"}, h.Lines())

	assert.Equal(t, "down", h.Prev())
	assert.Equal(t, "up", h.Prev())
	assert.Equal(t, "up", h.Prev())
	assert.Equal(t, "down", h.Next())
	assert.Equal(t, "", h.Next())
}

func TestHistoryDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history")
	h, err := NewHistory(path, 10)
	require.NoError(t, err)
	h.Enabled = false
	h.Add("quit")
	require.NoError(t, h.Save())

	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBufferEditing(t *testing.T) {
	var out bytes.Buffer
	b := NewBuffer(">> ", &out)

	b.Replace([]rune("show act"))
	assert.Equal(t, 8, b.Pos)

	b.MoveLeftWord()
	assert.Equal(t, 5, b.Pos)
	b.Add('x')
	assert.Equal(t, "show xact", b.String())

	b.MoveToStart()
	b.Delete()
	assert.Equal(t, "how xact", b.String())

	b.MoveToEnd()
	b.DeleteWord()
	assert.Equal(t, "how ", b.String())
	b.Remove()
	assert.Equal(t, "how", b.String())

	b.MoveLeft()
	b.DeleteRemaining()
	assert.Equal(t, "ho", b.String())
	b.DeleteBefore()
	assert.True(t, b.IsEmpty())
	assert.Contains(t, out.String(), ">> ")
}

func TestReadlinePlain(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	_, err = io.WriteString(w, "set dataset ./imgs\n\nimage next")
	require.NoError(t, err)
	w.Close()

	var out bytes.Buffer
	rl, err := New(Config{Prompt: ">> ", Stdin: r, Stdout: &out})
	require.NoError(t, err)

	var lines []string
	for {
		line, err := rl.Readline()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		lines = append(lines, line)
	}

	assert.Equal(t, []string{"set dataset ./imgs", "", "image next"}, lines)
	assert.Equal(t, []string{"set dataset ./imgs", "image next"}, rl.History.Lines())
	assert.Equal(t, ">> >> >> >> ", out.String())
}

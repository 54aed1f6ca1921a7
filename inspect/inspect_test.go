package inspect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmdebug/pmdebug/nn"
)

func build(t *testing.T, name string) nn.Module {
	t.Helper()
	a, err := nn.LoadArch(name)
	require.NoError(t, err)
	m, err := a.Build()
	require.NoError(t, err)
	return m
}

func TestCursorStartsOnLastReLU(t *testing.T) {
	c := NewCursor(build(t, "tinycnn"))
	require.Equal(t, 8, c.Len())

	l, err := c.Current()
	require.NoError(t, err)
	assert.Equal(t, "features.4", l.ID)
	assert.Equal(t, "[0, 4]", l.Label())
	assert.Equal(t, "ReLU", l.Module.Kind())
}

func TestCursorSaturates(t *testing.T) {
	c := NewCursor(build(t, "tinycnn"))

	for c.Position() > 0 {
		moved, err := c.Up()
		require.NoError(t, err)
		require.True(t, moved)
	}
	moved, err := c.Up()
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, 0, c.Position())

	for range c.Len() - 1 {
		moved, err := c.Down()
		require.NoError(t, err)
		require.True(t, moved)
	}
	moved, err = c.Down()
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, c.Len()-1, c.Position())

	l, _ := c.Current()
	assert.Equal(t, "classifier", l.ID)
}

func TestCursorNoLayers(t *testing.T) {
	c := NewCursor(nn.NewSequential())
	assert.Equal(t, 0, c.Len())

	_, err := c.Up()
	assert.ErrorIs(t, err, ErrNoLayers)
	_, err = c.Down()
	assert.ErrorIs(t, err, ErrNoLayers)
	_, err = c.Current()
	assert.ErrorIs(t, err, ErrNoLayers)
	_, err = c.FindFirst(IsKind("Conv2d"))
	assert.ErrorIs(t, err, ErrNoLayers)
	_, err = c.RegisterForwardHook()
	assert.ErrorIs(t, err, ErrNoLayers)
	_, err = c.Data()
	assert.ErrorIs(t, err, ErrNoLayers)
}

func TestCursorFind(t *testing.T) {
	c := NewCursor(build(t, "lenet"))

	first, err := c.FindFirst(IsKind("Conv2d"))
	require.NoError(t, err)
	assert.Equal(t, "features.0", first.ID)

	last, err := c.FindLast(IsKind("Conv2d"))
	require.NoError(t, err)
	assert.Equal(t, "features.3", last.ID)

	fc, err := c.FindLast(IsKind("Linear"))
	require.NoError(t, err)
	assert.Equal(t, "classifier.5", fc.ID)

	_, err = c.FindFirst(IsKind("BatchNorm2d"))
	assert.ErrorIs(t, err, ErrLayerNotFound)
}

func TestCursorCapture(t *testing.T) {
	m := build(t, "tinycnn")
	c := NewCursor(m)
	x := nn.Full(0.5, 1, 3, 32, 32)

	l, err := c.RegisterForwardHook()
	require.NoError(t, err)
	_, err = c.Data()
	assert.ErrorIs(t, err, ErrNotCaptured)

	_, err = nn.Call(context.Background(), m, x)
	require.NoError(t, err)
	got, err := c.Data()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 16, 16, 16}, got.Shape())

	// one-shot: the hook is gone after the pass
	assert.Equal(t, 0, l.Module.Hooks().Len())

	// re-registering replaces and clears
	c.HookAt(l)
	c.HookAt(l)
	assert.Equal(t, 1, l.Module.Hooks().Len())
	_, err = c.Data()
	assert.ErrorIs(t, err, ErrNotCaptured)

	_, err = nn.Call(context.Background(), m, nn.Zeros(1, 3, 32, 32))
	require.NoError(t, err)
	again, err := c.Data()
	require.NoError(t, err)
	assert.NotSame(t, got, again)
}

func TestContexts(t *testing.T) {
	cs := NewContexts()
	_, err := cs.Current()
	assert.ErrorIs(t, err, ErrNoCurrent)

	a, b := build(t, "tinycnn"), build(t, "lenet")
	ea := cs.Set("model", a)
	cs.Set("other", b)
	assert.Equal(t, "other", cs.CurrentName())
	assert.Equal(t, []string{"model", "other"}, cs.Names())

	// same model: only the pointer moves and the cursor is kept
	_, err = ea.Cursor.Up()
	require.NoError(t, err)
	pos := ea.Cursor.Position()
	assert.Same(t, ea, cs.Set("model", a))
	assert.Equal(t, pos, ea.Cursor.Position())

	// resync keeps the current entry
	cs.Set("other", b)
	require.NoError(t, cs.Resync("model", build(t, "mlp")))
	assert.Equal(t, "other", cs.CurrentName())
	e, ok := cs.Lookup("model")
	require.True(t, ok)
	assert.NotSame(t, ea, e)

	assert.ErrorIs(t, cs.Resync("nope", a), ErrNotInContext)
	_, err = cs.Resolve("nope")
	assert.ErrorIs(t, err, ErrNotInContext)

	cur, err := cs.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "other", cur.Name)

	require.NoError(t, cs.Delete("other"))
	_, err = cs.Current()
	assert.ErrorIs(t, err, ErrNoCurrent)
	assert.Equal(t, []string{"model"}, cs.Names())
}

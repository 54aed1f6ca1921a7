package envconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	t.Setenv("PMDEBUG_DEBUG", "")
	LoadConfig()
	require.False(t, Debug)
	t.Setenv("PMDEBUG_DEBUG", "false")
	LoadConfig()
	require.False(t, Debug)
	t.Setenv("PMDEBUG_DEBUG", "1")
	LoadConfig()
	require.True(t, Debug)
	require.False(t, Trace)
	t.Setenv("PMDEBUG_DEBUG", "verbose")
	LoadConfig()
	require.True(t, Debug)
	require.False(t, Trace)
	t.Setenv("PMDEBUG_DEBUG", "2")
	LoadConfig()
	require.True(t, Debug)
	require.True(t, Trace)
}

func TestDefaults(t *testing.T) {
	for _, k := range []string{"PMDEBUG_RCFILE", "PMDEBUG_HISTFILE", "PMDEBUG_HISTSIZE", "PMDEBUG_IMAGE_SIZE", "PMDEBUG_NOHISTORY"} {
		t.Setenv(k, "")
	}
	LoadConfig()

	assert.Equal(t, ".pmdebugrc", RCFile)
	assert.Equal(t, ".pmdebug_history", HistFile)
	assert.Equal(t, 2000, HistSize)
	assert.Equal(t, 224, ImageSize)
	assert.False(t, NoHistory)
}

func TestOverrides(t *testing.T) {
	cases := map[string]struct {
		key   string
		value string
		check func(t *testing.T)
	}{
		"quoted path": {"PMDEBUG_IMAGE_PATH", `"./imgs"`, func(t *testing.T) { assert.Equal(t, "./imgs", ImagePath) }},
		"hist size":   {"PMDEBUG_HISTSIZE", "10", func(t *testing.T) { assert.Equal(t, 10, HistSize) }},
		"bad size":    {"PMDEBUG_IMAGE_SIZE", "-3", func(t *testing.T) { assert.Equal(t, 224, ImageSize) }},
		"no history":  {"PMDEBUG_NOHISTORY", "1", func(t *testing.T) { assert.True(t, NoHistory) }},
		"checkpoint":  {"PMDEBUG_CHECKPOINT_NAME", " best.pth ", func(t *testing.T) { assert.Equal(t, "best.pth", CheckpointName) }},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			LoadConfig()
			tc.check(t)
		})
	}
}

func TestAsMap(t *testing.T) {
	t.Setenv("PMDEBUG_DATASET", "/data/val")
	LoadConfig()

	assert.Len(t, AsMap(), 10)
	assert.Equal(t, "/data/val", Values()["PMDEBUG_DATASET"])
}

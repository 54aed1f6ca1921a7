package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmdebug/pmdebug/envconfig"
	"github.com/pmdebug/pmdebug/shell"
)

func TestShellConfigFromFlags(t *testing.T) {
	root := NewCLI()
	flags := root.Flags()
	require.NoError(t, flags.Set("rc", "custom.rc"))
	require.NoError(t, flags.Set("image-size", "64"))
	require.NoError(t, flags.Set("no-history", "true"))
	require.NoError(t, flags.Set("checkpoint-path", "/ckpt"))
	require.NoError(t, flags.Set("checkpoint", "best.pth"))

	assert.Equal(t, shell.Config{
		RCFile:         "custom.rc",
		NoHistory:      true,
		ImageSize:      64,
		ImagePath:      envconfig.ImagePath,
		CheckpointPath: "/ckpt",
		CheckpointName: "best.pth",
		Dataset:        envconfig.Dataset,
	}, shellConfig(flags))
}

func TestFlagDefaultsFromEnv(t *testing.T) {
	// registered first so it runs after the variables are restored
	t.Cleanup(envconfig.LoadConfig)
	t.Setenv("PMDEBUG_IMAGE_SIZE", "96")
	t.Setenv("PMDEBUG_DATASET", "/data/val")
	envconfig.LoadConfig()

	cfg := shellConfig(NewCLI().Flags())
	assert.Equal(t, 96, cfg.ImageSize)
	assert.Equal(t, "/data/val", cfg.Dataset)
	assert.Equal(t, ".pmdebugrc", cfg.RCFile)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(p, []byte("PMDEBUG_CHECKPOINT_NAME=model.safetensors\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("PMDEBUG_CHECKPOINT_NAME")
		envconfig.LoadConfig()
	})

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), p))
	assert.Equal(t, "model.safetensors", envconfig.CheckpointName)
}

func TestSubcommands(t *testing.T) {
	cases := []struct {
		args []string
		want []string
	}{
		{[]string{"env"}, []string{"NAME", "PMDEBUG_RCFILE", ".pmdebugrc", "PMDEBUG_IMAGE_SIZE", "Show additional debug information (e.g. PMDEBUG_DEBUG=1, or 2 for trace)"}},
		{[]string{"archs"}, []string{"INPUT", "lenet", "mlp", "tinycnn", "[3 32 32]", "SIZE", "6.2 KB"}},
		{[]string{"--version"}, []string{"pmdebug version 0.0.0"}},
	}
	for _, tc := range cases {
		t.Run(tc.args[0], func(t *testing.T) {
			var buf bytes.Buffer
			root := NewCLI()
			root.SetOut(&buf)
			root.SetArgs(tc.args)
			require.NoError(t, root.Execute())
			for _, w := range tc.want {
				assert.Contains(t, buf.String(), w)
			}
		})
	}
}

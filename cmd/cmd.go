package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pmdebug/pmdebug/envconfig"
	"github.com/pmdebug/pmdebug/format"
	"github.com/pmdebug/pmdebug/logutil"
	"github.com/pmdebug/pmdebug/nn"
	"github.com/pmdebug/pmdebug/readline"
	"github.com/pmdebug/pmdebug/shell"
	"github.com/pmdebug/pmdebug/version"
	"github.com/pmdebug/pmdebug/viz"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "pmdebug",
		Short:   "Interactive shell for inspecting neural network models",
		Version: version.Version,
		Args:    cobra.NoArgs,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
		RunE: RunHandler,
	}

	flags := rootCmd.Flags()
	flags.String("rc", envconfig.RCFile, "Startup script replayed before the prompt")
	flags.String("history", envconfig.HistFile, "History file")
	flags.Int("history-size", envconfig.HistSize, "Number of history lines kept")
	flags.Bool("no-history", envconfig.NoHistory, "Do not preserve history")
	flags.String("dataset", envconfig.Dataset, "Dataset directory")
	flags.String("image-path", envconfig.ImagePath, "Directory that image paths are relative to")
	flags.Int("image-size", envconfig.ImageSize, "Side of the square input images")
	flags.String("checkpoint-path", envconfig.CheckpointPath, "Directory that checkpoint files are relative to")
	flags.String("checkpoint", envconfig.CheckpointName, "Checkpoint loaded by a bare \"load checkpoint\"")
	rootCmd.PersistentFlags().Bool("debug", envconfig.Debug, "Show debug logging")
	rootCmd.PersistentFlags().Bool("trace", envconfig.Trace, "Show trace logging")

	cobra.EnableCommandSorting = false

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "List the environment variables and their values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listEnv(cmd.OutOrStdout())
		},
	}

	archsCmd := &cobra.Command{
		Use:   "archs",
		Short: "List the built-in architectures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listArchs(cmd.OutOrStdout())
		},
	}

	rootCmd.AddCommand(envCmd, archsCmd)
	return rootCmd
}

// shellConfig reads the shell settings from flags, whose defaults come from
// the environment.
func shellConfig(flags *pflag.FlagSet) shell.Config {
	var cfg shell.Config
	cfg.RCFile, _ = flags.GetString("rc")
	cfg.NoHistory, _ = flags.GetBool("no-history")
	cfg.Dataset, _ = flags.GetString("dataset")
	cfg.ImagePath, _ = flags.GetString("image-path")
	cfg.ImageSize, _ = flags.GetInt("image-size")
	cfg.CheckpointPath, _ = flags.GetString("checkpoint-path")
	cfg.CheckpointName, _ = flags.GetString("checkpoint")
	return cfg
}

func RunHandler(cmd *cobra.Command, _ []string) error {
	debug, _ := cmd.Flags().GetBool("debug")
	trace, _ := cmd.Flags().GetBool("trace")
	slog.SetDefault(logutil.NewLogger(os.Stderr, logutil.Level(debug, trace)))

	cfg := shellConfig(cmd.Flags())
	histFile, _ := cmd.Flags().GetString("history")
	histSize, _ := cmd.Flags().GetInt("history-size")

	rl, err := readline.New(readline.Config{
		Prompt:      shell.Prompt,
		HistoryFile: histFile,
		HistorySize: histSize,
		NoHistory:   cfg.NoHistory,
	})
	if err != nil {
		return err
	}

	surface := viz.NewTerminal(os.Stdout)
	defer surface.Close()

	slog.Debug("starting shell", "version", version.Version, "rc", cfg.RCFile, "history", histFile, "dataset", cfg.Dataset)
	return shell.New(cfg, os.Stdout, surface).Run(cmd.Context(), rl)
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func listEnv(w io.Writer) error {
	vars := envconfig.AsMap()
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	slices.Sort(names)

	table := newTable(w, "NAME", "VALUE", "DESCRIPTION")
	for _, k := range names {
		v := vars[k]
		table.Append([]string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
	}
	table.Render()
	return nil
}

func listArchs(w io.Writer) error {
	table := newTable(w, "NAME", "INPUT", "LAYERS", "PARAMETERS", "SIZE")
	for _, name := range nn.BuiltinArchs() {
		a, err := nn.LoadArch(name)
		if err != nil {
			return err
		}
		m, err := a.Build()
		if err != nil {
			return err
		}
		table.Append([]string{
			name,
			fmt.Sprint(a.Input),
			strconv.Itoa(len(nn.Leaves(m))),
			format.HumanNumber(nn.NumParameters(m)),
			format.ParameterBytes(nn.NumParameters(m)),
		})
	}
	table.Render()
	return nil
}

package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

var (
	// Set via PMDEBUG_DEBUG in the environment
	Debug bool
	// Set via PMDEBUG_DEBUG=2 in the environment
	Trace bool
	// Set via PMDEBUG_RCFILE in the environment
	RCFile string
	// Set via PMDEBUG_HISTFILE in the environment
	HistFile string
	// Set via PMDEBUG_HISTSIZE in the environment
	HistSize int
	// Set via PMDEBUG_NOHISTORY in the environment
	NoHistory bool
	// Set via PMDEBUG_IMAGE_PATH in the environment
	ImagePath string
	// Set via PMDEBUG_IMAGE_SIZE in the environment
	ImageSize int
	// Set via PMDEBUG_CHECKPOINT_PATH in the environment
	CheckpointPath string
	// Set via PMDEBUG_CHECKPOINT_NAME in the environment
	CheckpointName string
	// Set via PMDEBUG_DATASET in the environment
	Dataset string
)

const (
	defaultRCFile    = ".pmdebugrc"
	defaultHistFile  = ".pmdebug_history"
	defaultHistSize  = 2000
	defaultImageSize = 224
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"PMDEBUG_DEBUG":           {"PMDEBUG_DEBUG", Debug, "Show additional debug information (e.g. PMDEBUG_DEBUG=1, or 2 for trace)"},
		"PMDEBUG_RCFILE":          {"PMDEBUG_RCFILE", RCFile, "Startup script replayed before the prompt (default \".pmdebugrc\")"},
		"PMDEBUG_HISTFILE":        {"PMDEBUG_HISTFILE", HistFile, "Where command history is kept (default \".pmdebug_history\")"},
		"PMDEBUG_HISTSIZE":        {"PMDEBUG_HISTSIZE", HistSize, "Number of history lines kept (default 2000)"},
		"PMDEBUG_NOHISTORY":       {"PMDEBUG_NOHISTORY", NoHistory, "Do not preserve readline history"},
		"PMDEBUG_IMAGE_PATH":      {"PMDEBUG_IMAGE_PATH", ImagePath, "Directory that image paths are relative to"},
		"PMDEBUG_IMAGE_SIZE":      {"PMDEBUG_IMAGE_SIZE", ImageSize, "Side of the square input images (default 224)"},
		"PMDEBUG_CHECKPOINT_PATH": {"PMDEBUG_CHECKPOINT_PATH", CheckpointPath, "Directory that checkpoint files are relative to"},
		"PMDEBUG_CHECKPOINT_NAME": {"PMDEBUG_CHECKPOINT_NAME", CheckpointName, "Checkpoint loaded by a bare \"load checkpoint\""},
		"PMDEBUG_DATASET":         {"PMDEBUG_DATASET", Dataset, "Dataset directory configured at startup"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug, Trace = false, false
	if debug := clean("PMDEBUG_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
			Trace = debug == "2" || strings.EqualFold(debug, "trace")
		}
	}

	RCFile = defaultRCFile
	if rc := clean("PMDEBUG_RCFILE"); rc != "" {
		RCFile = rc
	}

	HistFile = defaultHistFile
	if hf := clean("PMDEBUG_HISTFILE"); hf != "" {
		HistFile = hf
	}

	HistSize = defaultHistSize
	if hs := clean("PMDEBUG_HISTSIZE"); hs != "" {
		val, err := strconv.Atoi(hs)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "PMDEBUG_HISTSIZE", hs, "error", err)
		} else {
			HistSize = val
		}
	}

	NoHistory = false
	if nohistory := clean("PMDEBUG_NOHISTORY"); nohistory != "" {
		NoHistory = true
	}

	ImagePath = clean("PMDEBUG_IMAGE_PATH")

	ImageSize = defaultImageSize
	if is := clean("PMDEBUG_IMAGE_SIZE"); is != "" {
		val, err := strconv.Atoi(is)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "PMDEBUG_IMAGE_SIZE", is, "error", err)
		} else {
			ImageSize = val
		}
	}

	CheckpointPath = clean("PMDEBUG_CHECKPOINT_PATH")
	CheckpointName = clean("PMDEBUG_CHECKPOINT_NAME")
	Dataset = clean("PMDEBUG_DATASET")
}

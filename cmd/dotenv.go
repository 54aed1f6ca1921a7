package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/pmdebug/pmdebug/envconfig"
)

// DotEnvPaths are the .env files read at startup: the working directory
// first, then ~/.pmdebug. Variables already set are not overridden.
func DotEnvPaths() []string {
	paths := []string{".env"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".pmdebug", ".env"))
	}
	return paths
}

// LoadDotEnv loads the given .env files that exist and reloads the
// configuration from the environment.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return fmt.Errorf("failed to check if %s exists: %w", p, err)
		}

		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("could not load %s: %w", p, err)
		}
	}

	envconfig.LoadConfig()
	return nil
}

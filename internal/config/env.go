package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
)

// DefaultEnvFile is read when no env file is named explicitly.
const DefaultEnvFile = ".env"

// LoadEnvFile loads KEY=value pairs from a dotenv file into the process
// environment. Variables already set are never overwritten. An empty path
// means DefaultEnvFile, which may be absent; an explicit path must exist.
func LoadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}

	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}

	slog.Debug("Loaded environment from file", "path", path)
	return nil
}

package common

import (
	"fmt"
	"os"
	"path/filepath"
)

// SetupDirectories resolves and creates the data and log directories. Empty values default to
// <user config dir>/authkeeper/{data,logs}.
func SetupDirectories(data, logs string) (dataDir, logDir string, err error) {
	base := ""
	if data == "" || logs == "" {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return "", "", fmt.Errorf("resolving user config dir: %w", err)
		}
		base = filepath.Join(cfgDir, Name)
	}
	dataDir = data
	if dataDir == "" {
		dataDir = base
	}
	logDir = logs
	if logDir == "" {
		logDir = base
	}
	dataDir = maybeAddSuffix(dataDir, "data")
	logDir = maybeAddSuffix(logDir, "logs")
	for _, path := range []string{dataDir, logDir} {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", "", fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return dataDir, logDir, nil
}

func maybeAddSuffix(path, suffix string) string {
	if filepath.Base(path) != suffix {
		path = filepath.Join(path, suffix)
	}
	return path
}

package logging

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultLogDir returns ~/.dicomindex/logs, or a temp directory when the
// home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".dicomindex", "logs")
	}
	return filepath.Join(home, ".dicomindex", "logs")
}

// DefaultLogPath returns the engine log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "dicomindex.log")
}

// FindLogFile returns explicit when it exists, else the default log path.
func FindLogFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit, nil
		}
		return "", fmt.Errorf("log file not found: %s", explicit)
	}

	path := DefaultLogPath()
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("no log file found. Run with --debug or serve first.\nExpected at: %s", path)
}

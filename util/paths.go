package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const AppConfigDir = ".config/mammut"

// GetConfigDir returns ~/.config/mammut, creating it on first use.
func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	dir := filepath.Join(home, AppConfigDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

// ResolveFilePath prefers an existing name relative to the working
// directory. Otherwise the name lives in the config directory, whether or
// not it exists yet.
func ResolveFilePath(name string) string {
	if _, err := os.Stat(name); err == nil {
		return name
	}

	dir, err := GetConfigDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, name)
}

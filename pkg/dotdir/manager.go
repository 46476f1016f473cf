// Package dotdir resolves the .chatbridge/ directory holding config.toml.
package dotdir

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// dirName is the name of the chatbridge directory.
	dirName = ".chatbridge"

	// EnvHome names a directory to use in place of ./.chatbridge and
	// ~/.chatbridge, for containers and service managers.
	EnvHome = "CHATBRIDGE_HOME"
)

type Manager struct{}

func NewManager() *Manager {
	return &Manager{}
}

// Target returns the absolute path to the chatbridge directory, creating it
// if needed. Order of precedence is as follows:
//  1. Provided override
//  2. $CHATBRIDGE_HOME
//  3. Local ./.chatbridge/ dir, if it exists
//  4. Home ~/.chatbridge/ dir
func (m *Manager) Target(overrideDir string) (string, error) {
	dir, err := m.resolve(overrideDir)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating chatbridge directory %s: %w", dir, err)
	}

	return filepath.Abs(dir)
}

func (m *Manager) resolve(overrideDir string) (string, error) {
	if overrideDir != "" {
		return overrideDir, nil
	}
	if env := os.Getenv(EnvHome); env != "" {
		return env, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	local := filepath.Join(cwd, dirName)
	if info, err := os.Stat(local); err == nil && info.IsDir() {
		return local, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, dirName), nil
}

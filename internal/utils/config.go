package utils

import (
	"os"
	"path/filepath"
)

// GetProjectRoot returns the nearest directory at or above the working
// directory containing go.mod. Installed binaries run outside a checkout, so
// without a go.mod it falls back to the executable's directory, then ".".
func GetProjectRoot() string {
	if dir, err := os.Getwd(); err == nil {
		if root, ok := findModuleRoot(dir); ok {
			return root
		}
	}
	if exe, err := os.Executable(); err == nil {
		return filepath.Dir(exe)
	}
	return "."
}

func findModuleRoot(dir string) (string, bool) {
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// GetDataDir returns data/<name> under the project root.
func GetDataDir(name string) string {
	return filepath.Join(GetProjectRoot(), "data", name)
}

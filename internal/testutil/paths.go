package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ProjectFile returns the absolute path of a file checked into the repository,
// such as configs/config.example.yaml
func ProjectFile(elem ...string) (string, error) {
	root, err := projectRoot()
	if err != nil {
		return "", err
	}
	p := filepath.Join(append([]string{root}, elem...)...)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("project file %s: %w", filepath.Join(elem...), err)
	}
	return p, nil
}

// projectRoot walks up from this source file to the directory holding go.mod
func projectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}
	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

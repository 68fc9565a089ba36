package simulation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEmptyPath is returned when a required path is not configured.
var ErrEmptyPath = errors.New("empty path")

// Resolve turns a configured path into an absolute one. A leading ~ is
// expanded to the user's home directory and relative paths are joined onto
// workingDir.
func Resolve(pathLike, workingDir string) (string, error) {
	p := strings.TrimSpace(pathLike)
	if p == "" {
		return "", ErrEmptyPath
	}

	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, "~"+string(filepath.Separator)) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to expand %q: %w", p, err)
		}
		p = filepath.Join(home, p[1:])
	}

	if !filepath.IsAbs(p) {
		if workingDir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return "", fmt.Errorf("failed to resolve working directory: %w", err)
			}
			workingDir = wd
		}
		p = filepath.Join(workingDir, p)
	}

	return filepath.Clean(p), nil
}

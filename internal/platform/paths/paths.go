package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	DefaultInstallRootWindows = `C:\Program Files\TechnoSupport\FTS`
	DefaultDataRootWindows    = `C:\ProgramData\TechnoSupport\FTS`
	DefaultInstallRootUnix    = `/opt/ts-fts`
	DefaultDataRootUnix       = `/var/lib/ts-fts`
)

// ResolveInstallRoot returns the absolute path to the FTS installation directory.
func ResolveInstallRoot() string {
	root := os.Getenv("FTS_INSTALL_ROOT")
	if root == "" {
		if runtime.GOOS == "windows" {
			root = DefaultInstallRootWindows
		} else {
			root = DefaultInstallRootUnix
		}
	}
	return root
}

// ResolveDataRoot returns the absolute path to the FTS data directory.
func ResolveDataRoot() string {
	root := os.Getenv("FTS_DATA_ROOT")
	if root == "" {
		if runtime.GOOS == "windows" {
			root = DefaultDataRootWindows
		} else {
			root = DefaultDataRootUnix
		}
	}
	return root
}

// ResolveConfigPath returns the absolute path to the default configuration file.
func ResolveConfigPath(customPath string) string {
	if customPath != "" {
		return customPath
	}
	return filepath.Join(ResolveDataRoot(), "config", "fts.yaml")
}

// ResolveIndexPath returns the default location of the identity index file.
func ResolveIndexPath(customPath string) string {
	if customPath != "" {
		return customPath
	}
	return filepath.Join(ResolveDataRoot(), "index", "identities.idx")
}

// ResolveSpillPath returns the default location of the attendance spill file.
func ResolveSpillPath(customPath string) string {
	if customPath != "" {
		return customPath
	}
	return filepath.Join(ResolveDataRoot(), "spill", "attendance.spill")
}

// EnsureDirs creates the standard FTS data subdirectories if they don't exist.
func EnsureDirs() error {
	dataRoot := ResolveDataRoot()
	subdirs := []string{
		"config",
		"logs",
		"index",
		"spill",
		"models",
		"tmp",
	}

	for _, sub := range subdirs {
		path := filepath.Join(dataRoot, sub)
		if err := os.MkdirAll(path, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// SafeJoin joins path elements and ensures the result is within the base directory (no traversal).
func SafeJoin(base string, elements ...string) (string, error) {
	for _, el := range elements {
		if filepath.IsAbs(el) || strings.HasPrefix(el, `\\`) {
			return "", fmt.Errorf("path traversal attempt detected: absolute path or UNC not allowed in elements: %s", el)
		}
	}
	joined := filepath.Join(append([]string{base}, elements...)...)

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}

	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}

	if !strings.HasPrefix(absJoined, absBase) {
		return "", fmt.Errorf("path traversal attempt detected: %s is outside %s", absJoined, absBase)
	}

	return absJoined, nil
}

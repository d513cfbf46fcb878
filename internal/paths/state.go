// Package paths resolves the per-user directories mcpattach writes to.
// Every tool server gets one append-only log file under a shared
// directory, keyed by the server id, so concurrent attaches for
// different ids never touch the same file.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AppName names the application directory under the state root.
const AppName = "mcpattach"

// LogDirName is the directory under the state root that holds
// per-server launch logs.
const LogDirName = "mcp"

// ErrInvalidID is returned for server ids that cannot be used as a
// file name.
var ErrInvalidID = errors.New("invalid server id")

// StateRoot returns the directory mcpattach keeps durable state in.
// A non-empty override (from configuration) wins and has ~ expanded.
// Otherwise $XDG_STATE_HOME/mcpattach is used, falling back to
// ~/.local/state/mcpattach.
func StateRoot(override string) (string, error) {
	if override != "" {
		return filepath.Abs(ExpandHome(override))
	}
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" && filepath.IsAbs(xdg) {
		return filepath.Join(xdg, AppName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "state", AppName), nil
}

// LogDir returns the shared log directory under root.
func LogDir(root string) string {
	return filepath.Join(root, LogDirName)
}

// LogPath returns the log file path for a server id. The id must be a
// plain file stem: letters, digits, '.', '_' and '-', and not "." or "..".
func LogPath(root, id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return filepath.Join(LogDir(root), id+".log"), nil
}

// ValidateID reports whether id is usable as a log file stem.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidID, id, r)
		}
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// instanceFile holds the persistent instance id under the state root.
const instanceFile = "instance_id"

// LoadOrCreateInstanceID returns the instance id kept in stateDir,
// creating one on first use. The id names the MQTT client and is the
// Home Assistant device identifier, so entity history survives a
// change of topic prefix. A missing or blank file gets a fresh UUIDv7,
// written via rename so a crash never leaves a half-written id.
func LoadOrCreateInstanceID(stateDir string) (string, error) {
	path := filepath.Join(stateDir, instanceFile)

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read instance id: %w", err)
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	id := u.String()

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, instanceFile+".*")
	if err != nil {
		return "", fmt.Errorf("persist instance id: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(id + "\n"); err != nil {
		tmp.Close()
		return "", fmt.Errorf("persist instance id: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("persist instance id: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("persist instance id to %s: %w", path, err)
	}
	return id, nil
}

package osd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const deviceIDFilename = "device_id"

// LoadOrCreateDeviceID returns the display's stable identifier, minting and
// persisting a new one on first start.
func LoadOrCreateDeviceID(storagePath string) (string, error) {
	if err := os.MkdirAll(storagePath, 0700); err != nil {
		return "", fmt.Errorf("failed to create storage directory: %w", err)
	}
	path := filepath.Join(storagePath, deviceIDFilename)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, perr := uuid.Parse(id); perr == nil {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return id, nil
}

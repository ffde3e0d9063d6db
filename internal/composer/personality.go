package composer

import (
	"errors"
	"io/fs"
	"os"
	"strings"
)

// DefaultPersonality is used when no personality file exists.
const DefaultPersonality = "Default system instructions or personality prompt."

// LoadPersonality reads the system prompt from path. A missing file yields
// DefaultPersonality; other read errors are returned.
func LoadPersonality(path string) (string, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultPersonality, nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewDeviceID returns a random identifier for a timing device.
func NewDeviceID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return "dev-" + strings.ReplaceAll(id.String(), "-", "")[:16], nil
}

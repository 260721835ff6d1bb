package runner

import (
	"fmt"

	"github.com/google/uuid"
)

// NewRunID returns a random UUID identifying one run in the manifest.
func NewRunID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}

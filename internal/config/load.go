package config

import (
	"fmt"
	"os"

	"ragpack/internal/spec"
)

// LoadPack reads, parses, normalizes, and validates a pack file against the
// given policy.
func LoadPack(path string, policy *Policy) (spec.Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return spec.Pack{}, fmt.Errorf("read pack: %w", err)
	}
	pack, err := spec.ParsePack(data)
	if err != nil {
		return spec.Pack{}, err
	}
	Normalize(&pack, policy)
	if err := Validate(&pack, policy); err != nil {
		return spec.Pack{}, err
	}
	return pack, nil
}

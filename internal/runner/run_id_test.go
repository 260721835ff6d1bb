package runner

import (
	"testing"

	"github.com/google/uuid"
)

// TestNewRunID verifies run IDs are distinct version 4 UUIDs.
func TestNewRunID(t *testing.T) {
	first, err := NewRunID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := NewRunID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct run ids, got %q twice", first)
	}
	parsed, err := uuid.Parse(first)
	if err != nil {
		t.Fatalf("run id is not a uuid: %v", err)
	}
	if parsed.Version() != 4 {
		t.Fatalf("expected version 4 uuid, got %d", parsed.Version())
	}
}

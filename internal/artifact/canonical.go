package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON returns deterministic JSON bytes for hashing and storage.
func CanonicalJSON(value any) ([]byte, error) {
	normalized, err := normalizeJSON(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// FingerprintJSON returns a SHA-256 hex digest for the canonical JSON.
func FingerprintJSON(value any) (string, error) {
	data, err := CanonicalJSON(value)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

func normalizeJSON(value any) (any, error) {
	switch v := value.(type) {
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return nil, fmt.Errorf("normalize json raw: %w", err)
		}
		return normalizeJSON(decoded)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			norm, err := normalizeJSON(inner)
			if err != nil {
				return nil, err
			}
			out[k] = norm
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i := range v {
			norm, err := normalizeJSON(v[i])
			if err != nil {
				return nil, err
			}
			out[i] = norm
		}
		return out, nil
	case []string:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, nil
	default:
		return v, nil
	}
}

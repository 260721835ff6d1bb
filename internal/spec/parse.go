package spec

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// ParsePack decodes a single strict YAML pack document.
func ParsePack(data []byte) (Pack, error) {
	var pack Pack
	if err := decodeStrict(data, &pack); err != nil {
		return Pack{}, fmt.Errorf("parse pack: %w", err)
	}
	return pack, nil
}

func decodeStrict(data []byte, out any) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		if err == io.EOF {
			return fmt.Errorf("document is empty")
		}
		return err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("multiple YAML documents are not supported")
		}
		return err
	}
	return nil
}

// DecodeStrict is the strict decoder shared with policy loading.
func DecodeStrict(data []byte, out any) error {
	return decodeStrict(data, out)
}

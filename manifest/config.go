package manifest

import (
	"encoding/json"
	"fmt"

	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// ConfigFromBlob parses an image configuration blob (OCI or Docker schema 2 config;
// the fields used here are identical).
func ConfigFromBlob(blob []byte) (*imgspecv1.Image, error) {
	cfg := imgspecv1.Image{}
	if err := json.Unmarshal(blob, &cfg); err != nil {
		return nil, fmt.Errorf("decoding image configuration: %w", err)
	}
	if cfg.RootFS.Type != "" && cfg.RootFS.Type != "layers" {
		return nil, fmt.Errorf("unsupported rootfs type %q in image configuration", cfg.RootFS.Type)
	}
	for i, d := range cfg.RootFS.DiffIDs {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("invalid diff_id %d %q: %w", i, d, err)
		}
	}
	return &cfg, nil
}

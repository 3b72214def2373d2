package manifest

import (
	"encoding/json"
	"errors"
	"fmt"

	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// ErrEmptyIndex is returned when an index lists no manifests at all.
var ErrEmptyIndex = errors.New("image index contains no manifests")

// Index is a list of platform-specific manifests: an OCI image index or a
// Docker schema 2 manifest list.
type Index struct {
	SchemaVersion int                    `json:"schemaVersion"`
	MediaType     string                 `json:"mediaType,omitempty"`
	Manifests     []imgspecv1.Descriptor `json:"manifests"`
	Annotations   map[string]string      `json:"annotations,omitempty"`
}

// IndexFromBlob parses an OCI index or a Docker manifest list.
func IndexFromBlob(blob []byte, mimeType string) (*Index, error) {
	if mimeType == "" {
		mimeType = GuessMIMEType(blob)
	}
	if mimeType != "" && !IsIndexMIMEType(mimeType) {
		return nil, fmt.Errorf("unsupported index MIME type %q", mimeType)
	}
	idx := Index{}
	if err := json.Unmarshal(blob, &idx); err != nil {
		return nil, fmt.Errorf("decoding index: %w", err)
	}
	if idx.SchemaVersion != 2 {
		return nil, fmt.Errorf("unsupported index schema version %d", idx.SchemaVersion)
	}
	for i, m := range idx.Manifests {
		if err := m.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("invalid digest %q of index entry %d: %w", m.Digest, i, err)
		}
	}
	if idx.MediaType == "" {
		idx.MediaType = NormalizedMIMEType(mimeType)
	}
	return &idx, nil
}

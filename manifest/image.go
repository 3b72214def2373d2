package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Manifest describes a single-platform image: one config blob and an ordered
// list of layer blobs.  It decodes both Docker schema 2 and OCI manifests,
// which share this shape.
type Manifest struct {
	SchemaVersion int                    `json:"schemaVersion"`
	MediaType     string                 `json:"mediaType,omitempty"`
	Config        imgspecv1.Descriptor   `json:"config"`
	Layers        []imgspecv1.Descriptor `json:"layers"`
	Annotations   map[string]string      `json:"annotations,omitempty"`
}

// ManifestFromBlob parses a schema 2 or OCI manifest.  mimeType is the
// (normalized or not) Content-Type returned with the blob; "" means unknown.
func ManifestFromBlob(blob []byte, mimeType string) (*Manifest, error) {
	if mimeType == "" {
		mimeType = GuessMIMEType(blob)
	}
	if mimeType != "" && !IsManifestMIMEType(mimeType) {
		return nil, fmt.Errorf("unsupported manifest MIME type %q", mimeType)
	}
	m := Manifest{}
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	if m.MediaType == "" {
		m.MediaType = NormalizedMIMEType(mimeType)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.SchemaVersion != 2 {
		return fmt.Errorf("unsupported manifest schema version %d", m.SchemaVersion)
	}
	if m.MediaType != "" && !IsManifestMIMEType(m.MediaType) {
		return fmt.Errorf("manifest has unexpected mediaType %q", m.MediaType)
	}
	if err := m.Config.Digest.Validate(); err != nil {
		return fmt.Errorf("invalid config digest %q: %w", m.Config.Digest, err)
	}
	for i, l := range m.Layers {
		if err := l.Digest.Validate(); err != nil {
			return fmt.Errorf("invalid digest %q of layer %d: %w", l.Digest, i, err)
		}
	}
	return nil
}

// Digest returns the digest of a manifest blob.
func Digest(blob []byte) digest.Digest {
	return digest.FromBytes(blob)
}

// MatchesDigest returns true iff the manifest matches expectedDigest.
// Error may be set if this returns false.
func MatchesDigest(blob []byte, expectedDigest digest.Digest) (bool, error) {
	if err := expectedDigest.Validate(); err != nil {
		return false, err
	}
	return expectedDigest.Algorithm().FromBytes(blob) == expectedDigest, nil
}

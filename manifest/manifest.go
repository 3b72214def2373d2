package manifest

import (
	"encoding/json"
	"mime"
	"strings"

	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// DockerV2Schema1MediaType MIME type represents Docker manifest schema 1
	DockerV2Schema1MediaType = "application/vnd.docker.distribution.manifest.v1+json"
	// DockerV2Schema1SignedMediaType MIME type represents Docker manifest schema 1 with a JWS signature
	DockerV2Schema1SignedMediaType = "application/vnd.docker.distribution.manifest.v1+prettyjws"
	// DockerV2Schema2MediaType MIME type represents Docker manifest schema 2
	DockerV2Schema2MediaType = "application/vnd.docker.distribution.manifest.v2+json"
	// DockerV2Schema2ConfigMediaType is the MIME type used for schema 2 config blobs.
	DockerV2Schema2ConfigMediaType = "application/vnd.docker.container.image.v1+json"
	// DockerV2Schema2LayerMediaType is the MIME type used for schema 2 layers.
	DockerV2Schema2LayerMediaType = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	// DockerV2ListMediaType MIME type represents Docker manifest schema 2 list
	DockerV2ListMediaType = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// DefaultRequestedManifestMIMETypes is a list of MIME types a registry may return for a manifest or index request.
var DefaultRequestedManifestMIMETypes = []string{
	imgspecv1.MediaTypeImageManifest,
	DockerV2Schema2MediaType,
	imgspecv1.MediaTypeImageIndex,
	DockerV2ListMediaType,
}

// NormalizedMIMEType returns the effective MIME type of a manifest MIME type returned by a server,
// centralizing various workarounds.
func NormalizedMIMEType(input string) string {
	if input != "" {
		// Strip parameters such as "; charset=utf-8".
		if mt, _, err := mime.ParseMediaType(input); err == nil {
			input = mt
		} else {
			input = strings.TrimSpace(strings.SplitN(input, ";", 2)[0])
		}
	}
	// "application/json" is a valid v2s1 value; nothing else in the wild
	// seems to return it for manifests.
	if input == "application/json" {
		return DockerV2Schema1SignedMediaType
	}
	return input
}

// IsIndexMIMEType reports whether mimeType describes a multi-platform index.
func IsIndexMIMEType(mimeType string) bool {
	switch NormalizedMIMEType(mimeType) {
	case imgspecv1.MediaTypeImageIndex, DockerV2ListMediaType:
		return true
	}
	return false
}

// IsManifestMIMEType reports whether mimeType describes a single-platform schema 2 or OCI manifest.
func IsManifestMIMEType(mimeType string) bool {
	switch NormalizedMIMEType(mimeType) {
	case imgspecv1.MediaTypeImageManifest, DockerV2Schema2MediaType:
		return true
	}
	return false
}

// GuessMIMEType guesses MIME type of a manifest and returns it _if it is recognized_, or "" if unknown or unrecognized.
// FIXME? We should, in general, prefer out-of-band MIME type instead of blindly parsing the manifest,
// but we may not have such metadata available (e.g. when the manifest is a local file).
func GuessMIMEType(manifest []byte) string {
	// A subset of manifest fields; the rest is silently ignored by json.Unmarshal.
	// Also docker/distribution/manifest.Versioned.
	meta := struct {
		MediaType     string          `json:"mediaType"`
		SchemaVersion int             `json:"schemaVersion"`
		Signatures    any             `json:"signatures"`
		Manifests     json.RawMessage `json:"manifests"`
		Config        json.RawMessage `json:"config"`
	}{}
	if err := json.Unmarshal(manifest, &meta); err != nil {
		return ""
	}

	switch meta.MediaType {
	case DockerV2Schema2MediaType, DockerV2ListMediaType,
		imgspecv1.MediaTypeImageManifest, imgspecv1.MediaTypeImageIndex:
		return meta.MediaType
	}
	switch meta.SchemaVersion {
	case 1:
		if meta.Signatures != nil {
			return DockerV2Schema1SignedMediaType
		}
		return DockerV2Schema1MediaType
	case 2:
		// Both OCI manifests and indexes may omit mediaType.
		if meta.Manifests != nil {
			return imgspecv1.MediaTypeImageIndex
		}
		if meta.Config != nil {
			return imgspecv1.MediaTypeImageManifest
		}
	}
	return ""
}

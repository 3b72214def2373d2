// Package reference parses user-supplied image names into registry coordinates.
package reference

import (
	"errors"
	"fmt"
	"strings"

	distreference "github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

const (
	// DefaultDomain is the registry assumed for unqualified names like "debian".
	DefaultDomain = "docker.io"
	// DefaultRegistryHost is the API host serving DefaultDomain.
	DefaultRegistryHost = "index.docker.io"
)

// ErrInvalidReference is wrapped by every error returned from Parse.
var ErrInvalidReference = errors.New("invalid image reference")

// Reference identifies one image in a registry.  It is immutable once constructed.
type Reference struct {
	// Registry is the host[:port] to contact, e.g. "index.docker.io" or "localhost:5000".
	Registry string
	// Repository is the path within the registry, e.g. "library/debian".
	Repository string
	// Reference is either a tag ("bookworm-slim") or a digest ("sha256:…").
	Reference string
}

// Parse converts a user string like "debian:bookworm-slim" or
// "ghcr.io/org/app@sha256:…" into a Reference.  Unqualified names are resolved
// against docker.io, and a missing tag defaults to "latest".  When both a tag
// and a digest are present, the digest wins.
func Parse(s string) (Reference, error) {
	if strings.TrimSpace(s) == "" {
		return Reference{}, fmt.Errorf("%w: empty string", ErrInvalidReference)
	}
	named, err := distreference.ParseNormalizedNamed(s)
	if err != nil {
		return Reference{}, fmt.Errorf("%w %q: %w", ErrInvalidReference, s, err)
	}
	named = distreference.TagNameOnly(named)

	var ref string
	switch r := named.(type) {
	case distreference.Canonical:
		ref = r.Digest().String()
	case distreference.NamedTagged:
		ref = r.Tag()
	default:
		// TagNameOnly guarantees a tag for anything that is not canonical.
		return Reference{}, fmt.Errorf("%w %q: neither tag nor digest", ErrInvalidReference, s)
	}

	registry := distreference.Domain(named)
	if registry == DefaultDomain {
		registry = DefaultRegistryHost
	}
	return Reference{
		Registry:   registry,
		Repository: distreference.Path(named),
		Reference:  ref,
	}, nil
}

// IsDigest reports whether r.Reference is a digest rather than a tag.
func (r Reference) IsDigest() bool {
	_, err := digest.Parse(r.Reference)
	return err == nil
}

// Name returns "registry/repository".
func (r Reference) Name() string {
	return r.Registry + "/" + r.Repository
}

// String returns the fully qualified reference, e.g. "index.docker.io/library/debian:bookworm-slim".
func (r Reference) String() string {
	if r.IsDigest() {
		return r.Name() + "@" + r.Reference
	}
	return r.Name() + ":" + r.Reference
}

package types

import (
	"os"
	"time"

	"github.com/opencontainers/go-digest"
)

// DockerAuthConfig contains authorization information for connecting to a registry.
// The zero value means "no credentials".
type DockerAuthConfig struct {
	Username string
	Password string
	// IdentityToken is an OAuth2 refresh token; when set it is sent to the
	// token realm instead of Username/Password.
	IdentityToken string
}

// IsZero reports whether no credentials are configured.
func (c *DockerAuthConfig) IsZero() bool {
	return c == nil || (c.Username == "" && c.Password == "" && c.IdentityToken == "")
}

// OptionalBool is a boolean with an additional undefined value, which is meant
// to be used in the context of user input to distinguish between a
// user-specified value and a default value.
type OptionalBool byte

const (
	// OptionalBoolUndefined indicates that the OptionalBoolean hasn't been written.
	OptionalBoolUndefined OptionalBool = iota
	// OptionalBoolTrue represents the boolean true.
	OptionalBoolTrue
	// OptionalBoolFalse represents the boolean false.
	OptionalBoolFalse
)

// NewOptionalBool converts the input bool into either OptionalBoolTrue or
// OptionalBoolFalse.  The function is meant to avoid boilerplate code of users.
func NewOptionalBool(b bool) OptionalBool {
	o := OptionalBoolFalse
	if b {
		o = OptionalBoolTrue
	}
	return o
}

// SystemContext allows parameterizing access to registries and the local cache.
// Note that this is NOT a context.Context: it carries configuration, not
// cancellation.  A nil *SystemContext is valid and means "use defaults".
type SystemContext struct {
	// If not "", prefixed to any absolute paths used by default (e.g. the
	// certs.d directories).  Mostly useful in tests.
	RootForImplicitAbsolutePaths string

	// ArchitectureChoice overrides the architecture requested from a multi-arch index.
	ArchitectureChoice string
	// OSChoice overrides the OS requested from a multi-arch index ("linux" if unset).
	OSChoice string

	// If not "", the cache directory; defaults to ~/.devicectl/cache.
	CacheDir string

	// If not nil, the credentials used for every registry, ignoring the auth file.
	DockerAuthConfig *DockerAuthConfig
	// If not "", overrides the auth file lookup (~/.docker/config.json).
	AuthFilePath string

	// If not "", a directory containing a CA certificate (ending with ".crt"),
	// a client certificate (ending with ".cert") and a client certificate key
	// (ending with ".key") used when talking to a registry.
	DockerCertPath string
	// If not "", overrides the system's default path for the per-host certs.d directory.
	DockerPerHostCertDirPath string
	// Accept HTTPS registries whose certificate fails verification.  It does
	// not enable plain HTTP; use InsecureRegistries for that.
	DockerInsecureSkipTLSVerify OptionalBool
	// Registries (host[:port]) contacted over plain HTTP.  Loopback hosts are always plain HTTP.
	InsecureRegistries []string

	// Deadline for each registry request; 0 means DefaultRegistryTimeout.
	RegistryTimeout time.Duration
	// Upper bound for buffered registry responses (manifests, configs, tokens);
	// 0 means DefaultMaxResponseSize.
	MaxResponseSize int64
	// Number of automatic retries for transient registry failures.  0 (the
	// default) leaves retry policy to the caller.
	RegistryRetries int
	// Maximum number of layers downloaded concurrently; 0 or 1 means sequential.
	MaxParallelDownloads int
}

const (
	// DefaultRegistryTimeout bounds every registry request that does not set SystemContext.RegistryTimeout.
	DefaultRegistryTimeout = 30 * time.Second
	// DefaultMaxResponseSize bounds buffered registry responses.
	DefaultMaxResponseSize = 4 * 1024 * 1024
)

// Timeout returns the effective per-request deadline for sys.
func (sys *SystemContext) Timeout() time.Duration {
	if sys == nil || sys.RegistryTimeout <= 0 {
		return DefaultRegistryTimeout
	}
	return sys.RegistryTimeout
}

// ResponseLimit returns the effective maximum size of a buffered registry response.
func (sys *SystemContext) ResponseLimit() int64 {
	if sys == nil || sys.MaxResponseSize <= 0 {
		return DefaultMaxResponseSize
	}
	return sys.MaxResponseSize
}

// Layer is one entry of ContainerImageSpec.Layers: either a *TarballLayer or a
// *FileSetLayer.  Consumers use a type switch; no other implementations exist.
type Layer interface {
	isLayer()
}

// TarballLayer is a layer blob already present on disk, typically a base
// image layer downloaded into the content cache.
type TarballLayer struct {
	TarballPath string
	// Size of the blob at TarballPath in bytes, as recorded by the manifest
	// descriptor.  Layers are kept as delivered, so for compressed media types
	// this is the compressed size; the uncompressed size is not known here.
	Size int64
	// MediaType of the blob as recorded by the manifest descriptor.
	MediaType string
	// Digest of the blob at TarballPath.
	Digest digest.Digest
	// DiffID is "" when the image configuration does not list one for this layer.
	DiffID digest.Digest
}

func (*TarballLayer) isLayer() {}

// FileEntry maps a host file into the image filesystem.
type FileEntry struct {
	Source      string
	Destination string
	Permissions os.FileMode
}

// FileSetLayer is a layer that still has to be packed into a tarball by the packaging stage.
type FileSetLayer struct {
	Files []FileEntry
}

func (*FileSetLayer) isLayer() {}

// LayerDiffID returns the diffID of l, or "" if l has none (yet).
func LayerDiffID(l Layer) digest.Digest {
	switch l := l.(type) {
	case *TarballLayer:
		return l.DiffID
	default:
		return ""
	}
}

// ContainerImageSpec is the assembled image, ready to be serialized into an OCI tarball.
type ContainerImageSpec struct {
	// BaseImage is the fully qualified base image reference the layers came from.
	BaseImage string
	// ManifestDigest is the digest of the base image manifest, when known.
	ManifestDigest digest.Digest

	Architecture string
	OS           string
	Cmd          []string
	Env          []string
	WorkingDir   string
	// Layers are ordered bottom-most first: base image layers, then added layers.
	Layers  []Layer
	Created time.Time
}

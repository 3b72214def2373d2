// Package assemble turns a registry base image and a local executable into a
// types.ContainerImageSpec, downloading base layers into the content cache.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/devicectl/imagekit/docker"
	"github.com/devicectl/imagekit/docker/reference"
	"github.com/devicectl/imagekit/manifest"
	"github.com/devicectl/imagekit/pkg/contentcache"
	"github.com/devicectl/imagekit/types"
	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// executableDir is where the embedded executable is placed in the image.
	executableDir = "/bin"
	// executablePerm is the mode of the embedded executable.
	executablePerm os.FileMode = 0o755
)

// Options describes one Assemble call.
type Options struct {
	// BaseImage is a reference like "debian:bookworm-slim"; docker.io is assumed when no registry is named.
	BaseImage string
	// ExecutablePath is the local file embedded as /bin/<lowercased base name>.
	ExecutablePath string
	WorkingDir     string
	Env            []string
	// Architecture requested from multi-platform base images.  Defaults to
	// SystemContext.ArchitectureChoice, then to runtime.GOARCH.
	Architecture string
	// Auth, if not nil, replaces any configured credentials for this call.
	Auth *types.DockerAuthConfig
	// Created is the image creation time; the zero value means now.
	Created time.Time
	// ReportWriter receives layer download progress bars; nil disables them.
	ReportWriter io.Writer
}

// registryClient is the part of *docker.Client used by the Assembler.
type registryClient interface {
	GetManifest(ctx context.Context, repository, ref string) (*manifest.Manifest, digest.Digest, error)
	GetIndex(ctx context.Context, repository, ref string) (*manifest.Index, error)
	GetImageConfiguration(ctx context.Context, ref reference.Reference, configDigest digest.Digest) (*imgspecv1.Image, error)
	GetBlob(ctx context.Context, repository string, dgst digest.Digest) (io.ReadCloser, int64, error)
}

// Assembler builds container image specs.  It is safe for concurrent use;
// concurrent calls share the content cache and never download the same
// layer twice at the same time.
type Assembler struct {
	sys       *types.SystemContext
	cache     *contentcache.Cache
	downloads singleflight.Group // keyed by layer digest
	newClient func(sys *types.SystemContext, registry string) (registryClient, error)

	mu       sync.Mutex
	inflight map[string]*inflightDownload // keyed by layer digest
}

// inflightDownload is the context of a shared layer download and the number
// of callers waiting for it.
type inflightDownload struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New returns an Assembler using sys (which may be nil) and the cache in
// sys.CacheDir, or contentcache.DefaultDir() if that is not set.
func New(sys *types.SystemContext) (*Assembler, error) {
	dir := ""
	if sys != nil {
		dir = sys.CacheDir
	}
	cache, err := contentcache.New(dir)
	if err != nil {
		return nil, err
	}
	return &Assembler{
		sys:      sys,
		cache:    cache,
		inflight: map[string]*inflightDownload{},
		newClient: func(sys *types.SystemContext, registry string) (registryClient, error) {
			return docker.NewClient(sys, registry)
		},
	}, nil
}

// Cache returns the content cache used by a.
func (a *Assembler) Cache() *contentcache.Cache {
	return a.cache
}

// platform returns the architecture and OS to select from an index.
func (a *Assembler) platform(opts *Options) (arch, wantedOS string) {
	arch, wantedOS = opts.Architecture, manifest.DefaultOS
	if a.sys != nil {
		if arch == "" {
			arch = a.sys.ArchitectureChoice
		}
		if a.sys.OSChoice != "" {
			wantedOS = a.sys.OSChoice
		}
	}
	if arch == "" {
		arch = runtime.GOARCH
	}
	return arch, wantedOS
}

// systemContext returns the SystemContext for one call, with opts.Auth applied.
func (a *Assembler) systemContext(opts *Options) *types.SystemContext {
	if opts.Auth == nil {
		return a.sys
	}
	sys := types.SystemContext{}
	if a.sys != nil {
		sys = *a.sys
	}
	sys.DockerAuthConfig = opts.Auth
	return &sys
}

// Assemble resolves opts.BaseImage, makes sure all of its layers are in the
// content cache, and returns the image spec with the executable layer
// appended last.  Every returned error is a *StageError.
func (a *Assembler) Assemble(ctx context.Context, opts Options) (*types.ContainerImageSpec, error) {
	execLayer, execName, err := executableLayer(opts.ExecutablePath)
	if err != nil {
		return nil, &StageError{Stage: StageEmbedExecutable, Err: err}
	}
	ref, err := reference.Parse(opts.BaseImage)
	if err != nil {
		return nil, &StageError{Stage: StageResolveBaseImage, Err: err}
	}
	arch, wantedOS := a.platform(&opts)
	client, err := a.newClient(a.systemContext(&opts), ref.Registry)
	if err != nil {
		return nil, &StageError{Stage: StageResolveBaseImage, Err: err}
	}

	m, manifestDigest, err := a.resolveManifest(ctx, client, ref, arch, wantedOS)
	if err != nil {
		return nil, &StageError{Stage: StageResolveBaseImage, Err: err}
	}
	config, err := a.imageConfiguration(ctx, client, ref, m.Config.Digest)
	if err != nil {
		return nil, &StageError{Stage: StageFetchConfiguration, Err: err}
	}

	diffIDs := config.RootFS.DiffIDs
	if len(diffIDs) != len(m.Layers) {
		logrus.Warnf("Image %s has %d layers but its configuration lists %d diff IDs; pairing them by position", ref, len(m.Layers), len(diffIDs))
	}
	layers, err := a.fetchLayers(ctx, client, ref, m.Layers, diffIDs, opts.ReportWriter)
	if err != nil {
		return nil, err
	}

	created := opts.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}
	spec := &types.ContainerImageSpec{
		BaseImage:      ref.String(),
		ManifestDigest: manifestDigest,
		Architecture:   config.Architecture,
		OS:             config.OS,
		Cmd:            []string{execLayer.Files[0].Destination},
		Env:            opts.Env,
		WorkingDir:     opts.WorkingDir,
		Layers:         append(layers, execLayer),
		Created:        created,
	}
	logrus.Debugf("Assembled %s/%s image of %s with %d base layers and executable %s", spec.OS, spec.Architecture, spec.BaseImage, len(layers), execName)
	return spec, nil
}

// executableLayer checks that path is a regular file and returns the file-set
// layer mapping it to /bin/<lowercased name>.
func executableLayer(path string) (*types.FileSetLayer, string, error) {
	if path == "" {
		return nil, "", fmt.Errorf("%w: no executable path given", ErrExecutableNotFound)
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("%w: %s", ErrExecutableNotFound, path)
		}
		return nil, "", err
	}
	if !fi.Mode().IsRegular() {
		return nil, "", fmt.Errorf("%w: %s is not a regular file", ErrExecutableNotFound, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", err
	}
	name := strings.ToLower(filepath.Base(abs))
	return &types.FileSetLayer{
		Files: []types.FileEntry{{
			Source:      abs,
			Destination: executableDir + "/" + name,
			Permissions: executablePerm,
		}},
	}, name, nil
}

// manifestCacheArch returns the architecture component of the manifest cache key.
func manifestCacheArch(arch, wantedOS string) string {
	if wantedOS == manifest.DefaultOS {
		return arch
	}
	return wantedOS + "-" + arch
}

// resolveManifest returns the single-platform manifest of ref for arch/wantedOS,
// from the cache if possible.
func (a *Assembler) resolveManifest(ctx context.Context, client registryClient, ref reference.Reference, arch, wantedOS string) (*manifest.Manifest, digest.Digest, error) {
	cacheKey, cacheArch := ref.String(), manifestCacheArch(arch, wantedOS)
	if entry, ok := a.cache.ReadManifest(cacheKey, cacheArch); ok {
		logrus.Debugf("Using cached manifest of %s for %s", ref, cacheArch)
		if entry.Fallback {
			warnPlatformFallback(ref, arch, wantedOS, entry.Platform, entry.Digest)
		}
		return entry.Manifest, entry.Digest, nil
	}

	entry := &contentcache.ManifestEntry{}
	m, d, err := client.GetManifest(ctx, ref.Repository, ref.Reference)
	if errors.Is(err, docker.ErrNotAManifest) {
		logrus.Debugf("%s is an image index, choosing the %s/%s instance", ref, wantedOS, arch)
		var idx *manifest.Index
		idx, err = client.GetIndex(ctx, ref.Repository, ref.Reference)
		if err != nil {
			return nil, "", err
		}
		var desc imgspecv1.Descriptor
		var matched bool
		desc, matched, err = manifest.ChooseInstance(idx, arch, wantedOS)
		if err != nil {
			return nil, "", fmt.Errorf("choosing an instance of %s: %w", ref, err)
		}
		if !matched {
			warnPlatformFallback(ref, arch, wantedOS, desc.Platform, desc.Digest)
			entry.Fallback, entry.Platform = true, desc.Platform
		}
		m, d, err = client.GetManifest(ctx, ref.Repository, desc.Digest.String())
	}
	if err != nil {
		return nil, "", err
	}

	entry.Manifest, entry.Digest = m, d
	if err := a.cache.WriteManifest(cacheKey, cacheArch, entry); err != nil {
		logrus.Warnf("Caching manifest of %s: %v", ref, err)
	}
	return m, d, nil
}

// warnPlatformFallback reports that ref has no wantedOS/arch instance and
// the first index entry is used instead.
func warnPlatformFallback(ref reference.Reference, arch, wantedOS string, platform *imgspecv1.Platform, d digest.Digest) {
	logrus.Warnf("Image %s has no %s/%s instance; falling back to the first one (%s, %s). The resulting image may not run on the target device",
		ref, wantedOS, arch, manifest.PlatformString(platform), d)
}

// imageConfiguration returns the configuration configDigest of ref, from the cache if possible.
func (a *Assembler) imageConfiguration(ctx context.Context, client registryClient, ref reference.Reference, configDigest digest.Digest) (*imgspecv1.Image, error) {
	if config, ok := a.cache.ReadConfig(ref.Name(), configDigest); ok {
		logrus.Debugf("Using cached configuration %s of %s", configDigest, ref.Name())
		return config, nil
	}
	config, err := client.GetImageConfiguration(ctx, ref, configDigest)
	if err != nil {
		return nil, err
	}
	if err := a.cache.WriteConfig(ref.Name(), configDigest, config); err != nil {
		logrus.Warnf("Caching configuration %s of %s: %v", configDigest, ref.Name(), err)
	}
	return config, nil
}

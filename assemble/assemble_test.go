package assemble

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devicectl/imagekit/docker"
	"github.com/devicectl/imagekit/docker/reference"
	"github.com/devicectl/imagekit/internal/testing/fakeregistry"
	"github.com/devicectl/imagekit/types"
	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRepo = "library/debian"

// newTestAssembler returns an Assembler with a private cache and no ambient credentials.
func newTestAssembler(t *testing.T, sys *types.SystemContext) *Assembler {
	ourSys := types.SystemContext{}
	if sys != nil {
		ourSys = *sys
	}
	if ourSys.CacheDir == "" {
		ourSys.CacheDir = t.TempDir()
	}
	if ourSys.DockerAuthConfig == nil {
		ourSys.DockerAuthConfig = &types.DockerAuthConfig{}
	}
	if ourSys.DockerPerHostCertDirPath == "" {
		ourSys.DockerPerHostCertDirPath = t.TempDir()
	}
	a, err := New(&ourSys)
	require.NoError(t, err)
	return a
}

func writeExecutable(t *testing.T, name string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho hello\n"), 0o755))
	return path
}

func threeLayers() [][]byte {
	return [][]byte{[]byte("base layer"), []byte("middle layer"), []byte("top layer")}
}

func tarballLayers(t *testing.T, spec *types.ContainerImageSpec) []*types.TarballLayer {
	res := []*types.TarballLayer{}
	for _, l := range spec.Layers[:len(spec.Layers)-1] {
		tl, ok := l.(*types.TarballLayer)
		require.True(t, ok, "%#v", l)
		res = append(res, tl)
	}
	return res
}

func TestAssemble(t *testing.T) {
	reg := fakeregistry.New(t)
	manifestDigest, m := reg.AddImage(testRepo, "bookworm-slim", fakeregistry.Image{
		Architecture: "arm64",
		OS:           "linux",
		Layers:       threeLayers(),
	})
	a := newTestAssembler(t, nil)
	exe := writeExecutable(t, "myapp")
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	spec, err := a.Assemble(context.Background(), Options{
		BaseImage:      reg.Host() + "/debian:bookworm-slim",
		ExecutablePath: exe,
		WorkingDir:     "/srv",
		Env:            []string{"PATH=/bin", "MODE=test"},
		Architecture:   "arm64",
		Created:        created,
	})
	require.NoError(t, err)

	assert.Equal(t, reg.Host()+"/library/debian:bookworm-slim", spec.BaseImage)
	assert.Equal(t, manifestDigest, spec.ManifestDigest)
	assert.Equal(t, "arm64", spec.Architecture)
	assert.Equal(t, "linux", spec.OS)
	assert.Equal(t, []string{"/bin/myapp"}, spec.Cmd)
	assert.Equal(t, []string{"PATH=/bin", "MODE=test"}, spec.Env)
	assert.Equal(t, "/srv", spec.WorkingDir)
	assert.Equal(t, created, spec.Created)
	require.Len(t, spec.Layers, 4)

	layers := threeLayers()
	for i, l := range tarballLayers(t, spec) {
		assert.Equal(t, m.Layers[i].Digest, l.Digest, i)
		assert.Equal(t, m.Layers[i].Digest, l.DiffID, i)
		assert.Equal(t, int64(len(layers[i])), l.Size, i)
		assert.Equal(t, imgspecv1.MediaTypeImageLayer, l.MediaType, i)
		contents, err := os.ReadFile(l.TarballPath)
		require.NoError(t, err, i)
		assert.Equal(t, layers[i], contents, i)
	}

	execLayer, ok := spec.Layers[3].(*types.FileSetLayer)
	require.True(t, ok)
	assert.Equal(t, []types.FileEntry{{Source: exe, Destination: "/bin/myapp", Permissions: 0o755}}, execLayer.Files)
	assert.Equal(t, digest.Digest(""), types.LayerDiffID(execLayer))
}

func TestAssembleDefaultsCreated(t *testing.T) {
	reg := fakeregistry.New(t)
	reg.AddImage(testRepo, "latest", fakeregistry.Image{Architecture: "arm64", OS: "linux", Layers: threeLayers()})
	a := newTestAssembler(t, &types.SystemContext{ArchitectureChoice: "arm64"})

	before := time.Now()
	spec, err := a.Assemble(context.Background(), Options{
		BaseImage:      reg.Host() + "/library/debian",
		ExecutablePath: writeExecutable(t, "app"),
	})
	require.NoError(t, err)
	assert.False(t, spec.Created.Before(before.Add(-time.Second)))
	assert.Equal(t, time.UTC, spec.Created.Location())
	assert.Equal(t, reg.Host()+"/library/debian:latest", spec.BaseImage)
}

func TestAssembleDiffIDPairing(t *testing.T) {
	diffIDs := []digest.Digest{
		digest.FromString("uncompressed base"),
		digest.FromString("uncompressed middle"),
	}
	reg := fakeregistry.New(t)
	reg.AddImage(testRepo, "short-rootfs", fakeregistry.Image{
		Architecture: "arm64",
		OS:           "linux",
		Layers:       threeLayers(),
		DiffIDs:      diffIDs,
	})
	a := newTestAssembler(t, nil)

	spec, err := a.Assemble(context.Background(), Options{
		BaseImage:      reg.Host() + "/" + testRepo + ":short-rootfs",
		ExecutablePath: writeExecutable(t, "app"),
		Architecture:   "arm64",
	})
	require.NoError(t, err)
	require.Len(t, spec.Layers, 4)
	for i, l := range spec.Layers {
		if i < len(diffIDs) {
			assert.Equal(t, diffIDs[i], types.LayerDiffID(l), i)
		} else {
			assert.Equal(t, digest.Digest(""), types.LayerDiffID(l), i)
		}
	}
}

func TestAssembleCacheIdempotence(t *testing.T) {
	reg := fakeregistry.New(t, fakeregistry.WithBearerAuth())
	reg.AddImage(testRepo, "bookworm-slim", fakeregistry.Image{Architecture: "arm64", OS: "linux", Layers: threeLayers()})
	cacheDir := t.TempDir()
	opts := Options{
		BaseImage:      reg.Host() + "/" + testRepo + ":bookworm-slim",
		ExecutablePath: writeExecutable(t, "app"),
		Architecture:   "arm64",
		Created:        time.Unix(0, 0).UTC(),
	}

	a := newTestAssembler(t, &types.SystemContext{CacheDir: cacheDir})
	first, err := a.Assemble(context.Background(), opts)
	require.NoError(t, err)
	assert.NotZero(t, reg.RegistryHits())

	// Same process, and a later invocation sharing only the cache directory.
	for _, a := range []*Assembler{a, newTestAssembler(t, &types.SystemContext{CacheDir: cacheDir})} {
		reg.ResetHits()
		second, err := a.Assemble(context.Background(), opts)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, 0, reg.RegistryHits())
		assert.Equal(t, 0, reg.TokenHits())
	}
}

func TestAssembleCacheSeparatesTags(t *testing.T) {
	reg := fakeregistry.New(t)
	oldDigest, _ := reg.AddImage(testRepo, "old", fakeregistry.Image{Architecture: "arm64", OS: "linux", Layers: [][]byte{[]byte("old")}})
	newDigest, _ := reg.AddImage(testRepo, "new", fakeregistry.Image{Architecture: "arm64", OS: "linux", Layers: [][]byte{[]byte("new")}})
	a := newTestAssembler(t, nil)
	exe := writeExecutable(t, "app")

	for _, c := range []struct {
		tag      string
		expected digest.Digest
	}{
		{"old", oldDigest},
		{"new", newDigest},
		{"old", oldDigest},
	} {
		spec, err := a.Assemble(context.Background(), Options{
			BaseImage:      reg.Host() + "/" + testRepo + ":" + c.tag,
			ExecutablePath: exe,
			Architecture:   "arm64",
		})
		require.NoError(t, err, c.tag)
		assert.Equal(t, c.expected, spec.ManifestDigest, c.tag)
	}
}

func TestAssembleIndex(t *testing.T) {
	reg := fakeregistry.New(t)
	amd64Digest, _ := reg.AddImage(testRepo, "", fakeregistry.Image{Architecture: "amd64", OS: "linux", Layers: [][]byte{[]byte("amd64 layer")}})
	arm64Digest, _ := reg.AddImage(testRepo, "", fakeregistry.Image{Architecture: "arm64", OS: "linux", Layers: [][]byte{[]byte("arm64 layer")}})
	reg.AddIndex(testRepo, "multi", []fakeregistry.IndexEntry{
		{Digest: amd64Digest, Platform: &imgspecv1.Platform{Architecture: "amd64", OS: "linux"}},
		{Digest: arm64Digest, Platform: &imgspecv1.Platform{Architecture: "arm64", OS: "linux"}},
	})
	exe := writeExecutable(t, "app")

	for _, c := range []struct {
		arch, expectedArch string
		expectedDigest     digest.Digest
	}{
		{"arm64", "arm64", arm64Digest},
		{"amd64", "amd64", amd64Digest},
		// Unlisted: the first entry, and the configuration decides the result's architecture.
		{"riscv64", "amd64", amd64Digest},
	} {
		a := newTestAssembler(t, nil)
		spec, err := a.Assemble(context.Background(), Options{
			BaseImage:      reg.Host() + "/" + testRepo + ":multi",
			ExecutablePath: exe,
			Architecture:   c.arch,
		})
		require.NoError(t, err, c.arch)
		assert.Equal(t, c.expectedDigest, spec.ManifestDigest, c.arch)
		assert.Equal(t, c.expectedArch, spec.Architecture, c.arch)
		assert.Len(t, spec.Layers, 2, c.arch)
	}
}

func TestAssembleIndexFallbackWarnsFromCache(t *testing.T) {
	reg := fakeregistry.New(t)
	amd64Digest, _ := reg.AddImage(testRepo, "", fakeregistry.Image{Architecture: "amd64", OS: "linux", Layers: [][]byte{[]byte("amd64 layer")}})
	arm64Digest, _ := reg.AddImage(testRepo, "", fakeregistry.Image{Architecture: "arm64", OS: "linux", Layers: [][]byte{[]byte("arm64 layer")}})
	reg.AddIndex(testRepo, "multi", []fakeregistry.IndexEntry{
		{Digest: amd64Digest, Platform: &imgspecv1.Platform{Architecture: "amd64", OS: "linux"}},
		{Digest: arm64Digest, Platform: &imgspecv1.Platform{Architecture: "arm64", OS: "linux"}},
	})
	a := newTestAssembler(t, nil)
	opts := Options{
		BaseImage:      reg.Host() + "/" + testRepo + ":multi",
		ExecutablePath: writeExecutable(t, "app"),
	}
	hook := test.NewGlobal()
	t.Cleanup(hook.Reset)

	fallbackWarnings := func() int {
		n := 0
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "falling back") {
				n++
			}
		}
		return n
	}

	for i, c := range []struct {
		arch     string
		warnings int
	}{
		{"riscv64", 1}, // from the registry
		{"riscv64", 1}, // from the cache
		{"arm64", 0},
		{"arm64", 0},
	} {
		hook.Reset()
		reg.ResetHits()
		opts.Architecture = c.arch
		spec, err := a.Assemble(context.Background(), opts)
		require.NoError(t, err, i)
		assert.Equal(t, c.warnings, fallbackWarnings(), i)
		if i%2 == 1 {
			assert.Equal(t, 0, reg.RegistryHits(), i)
		}
		if c.arch == "riscv64" {
			assert.Equal(t, amd64Digest, spec.ManifestDigest, i)
		} else {
			assert.Equal(t, arm64Digest, spec.ManifestDigest, i)
		}
	}
}

func TestAssembleIndexWithoutLinux(t *testing.T) {
	reg := fakeregistry.New(t)
	windowsDigest, _ := reg.AddImage(testRepo, "", fakeregistry.Image{Architecture: "amd64", OS: "windows", Layers: [][]byte{[]byte("windows layer")}})
	darwinDigest, _ := reg.AddImage(testRepo, "", fakeregistry.Image{Architecture: "arm64", OS: "darwin", Layers: [][]byte{[]byte("darwin layer")}})
	reg.AddIndex(testRepo, "exotic", []fakeregistry.IndexEntry{
		{Digest: windowsDigest, Platform: &imgspecv1.Platform{Architecture: "amd64", OS: "windows"}},
		{Digest: darwinDigest, Platform: &imgspecv1.Platform{Architecture: "arm64", OS: "darwin"}},
	})
	a := newTestAssembler(t, nil)

	spec, err := a.Assemble(context.Background(), Options{
		BaseImage:      reg.Host() + "/" + testRepo + ":exotic",
		ExecutablePath: writeExecutable(t, "app"),
		Architecture:   "arm64",
	})
	require.NoError(t, err)
	assert.Equal(t, windowsDigest, spec.ManifestDigest)
	assert.Equal(t, "windows", spec.OS)
}

func TestAssembleParallelDownloads(t *testing.T) {
	layers := [][]byte{
		[]byte("one"), []byte("two"), []byte("shared"), []byte("three"), []byte("shared"), []byte("four"),
	}
	reg := fakeregistry.New(t)
	_, m := reg.AddImage(testRepo, "many", fakeregistry.Image{Architecture: "arm64", OS: "linux", Layers: layers})
	a := newTestAssembler(t, &types.SystemContext{MaxParallelDownloads: 4})

	spec, err := a.Assemble(context.Background(), Options{
		BaseImage:      reg.Host() + "/" + testRepo + ":many",
		ExecutablePath: writeExecutable(t, "app"),
		Architecture:   "arm64",
	})
	require.NoError(t, err)
	require.Len(t, spec.Layers, len(layers)+1)
	for i, l := range tarballLayers(t, spec) {
		assert.Equal(t, m.Layers[i].Digest, l.Digest, i)
	}
	_, isFileSet := spec.Layers[len(layers)].(*types.FileSetLayer)
	assert.True(t, isFileSet)

	shared := digest.FromBytes([]byte("shared"))
	assert.Equal(t, 1, reg.Hits(fmt.Sprintf("/v2/%s/blobs/%s", testRepo, shared)))
}

func TestAssembleWithProgress(t *testing.T) {
	reg := fakeregistry.New(t)
	reg.AddImage(testRepo, "bookworm-slim", fakeregistry.Image{Architecture: "arm64", OS: "linux", Layers: threeLayers()})
	a := newTestAssembler(t, &types.SystemContext{MaxParallelDownloads: 2})
	opts := Options{
		BaseImage:      reg.Host() + "/" + testRepo + ":bookworm-slim",
		ExecutablePath: writeExecutable(t, "app"),
		Architecture:   "arm64",
	}

	// Downloads, then skipped layers; both must let the progress pool finish.
	for i := 0; i < 2; i++ {
		var report bytes.Buffer
		opts.ReportWriter = &report
		spec, err := a.Assemble(context.Background(), opts)
		require.NoError(t, err, i)
		assert.Len(t, spec.Layers, 4, i)
	}
}

func TestAssembleMissingExecutable(t *testing.T) {
	reg := fakeregistry.New(t)
	reg.AddImage(testRepo, "bookworm-slim", fakeregistry.Image{Architecture: "arm64", OS: "linux", Layers: threeLayers()})
	a := newTestAssembler(t, nil)

	for _, path := range []string{
		"",
		filepath.Join(t.TempDir(), "does-not-exist"),
		t.TempDir(), // a directory
	} {
		_, err := a.Assemble(context.Background(), Options{
			BaseImage:      reg.Host() + "/" + testRepo + ":bookworm-slim",
			ExecutablePath: path,
			Architecture:   "arm64",
		})
		assert.ErrorIs(t, err, ErrExecutableNotFound, path)
		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr, path)
		assert.Equal(t, StageEmbedExecutable, stageErr.Stage, path)
	}
	assert.Equal(t, 0, reg.RegistryHits())
}

func TestAssembleInvalidReference(t *testing.T) {
	a := newTestAssembler(t, nil)
	_, err := a.Assemble(context.Background(), Options{
		BaseImage:      "Not A Valid Reference",
		ExecutablePath: writeExecutable(t, "app"),
	})
	assert.ErrorIs(t, err, reference.ErrInvalidReference)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageResolveBaseImage, stageErr.Stage)
}

func TestAssembleRegistryErrors(t *testing.T) {
	for _, c := range []struct {
		name     string
		opts     []fakeregistry.Option
		tag      string
		auth     *types.DockerAuthConfig
		expected error
	}{
		{"unknown tag", nil, "nope", nil, docker.ErrNotFound},
		{"always unauthorized", []fakeregistry.Option{fakeregistry.WithAlwaysUnauthorized()}, "bookworm-slim", nil, docker.ErrUnauthorizedForCredentials},
		{"missing token credentials", []fakeregistry.Option{fakeregistry.WithTokenCredentials("user", "pass")}, "bookworm-slim", nil, docker.ErrUnauthorizedForCredentials},
		{"wrong token credentials", []fakeregistry.Option{fakeregistry.WithTokenCredentials("user", "pass")}, "bookworm-slim",
			&types.DockerAuthConfig{Username: "user", Password: "wrong"}, docker.ErrUnauthorizedForCredentials},
	} {
		reg := fakeregistry.New(t, c.opts...)
		reg.AddImage(testRepo, "bookworm-slim", fakeregistry.Image{Architecture: "arm64", OS: "linux", Layers: threeLayers()})
		a := newTestAssembler(t, nil)

		_, err := a.Assemble(context.Background(), Options{
			BaseImage:      reg.Host() + "/" + testRepo + ":" + c.tag,
			ExecutablePath: writeExecutable(t, "app"),
			Architecture:   "arm64",
			Auth:           c.auth,
		})
		assert.ErrorIs(t, err, c.expected, c.name)
		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr, c.name)
		assert.Equal(t, StageResolveBaseImage, stageErr.Stage, c.name)
		assert.LessOrEqual(t, reg.TokenHits(), 1, c.name)
	}
}

func TestAssembleAuthOption(t *testing.T) {
	reg := fakeregistry.New(t, fakeregistry.WithTokenCredentials("user", "pass"))
	reg.AddImage(testRepo, "bookworm-slim", fakeregistry.Image{Architecture: "arm64", OS: "linux", Layers: threeLayers()})
	a := newTestAssembler(t, nil)

	spec, err := a.Assemble(context.Background(), Options{
		BaseImage:      reg.Host() + "/" + testRepo + ":bookworm-slim",
		ExecutablePath: writeExecutable(t, "app"),
		Architecture:   "arm64",
		Auth:           &types.DockerAuthConfig{Username: "user", Password: "pass"},
	})
	require.NoError(t, err)
	assert.Len(t, spec.Layers, 4)
	assert.Equal(t, 1, reg.TokenHits())
}

func TestAssembleLayerDownloadFailure(t *testing.T) {
	reg := fakeregistry.New(t)
	configBlob, err := json.Marshal(imgspecv1.Image{
		Platform: imgspecv1.Platform{Architecture: "arm64", OS: "linux"},
		RootFS:   imgspecv1.RootFS{Type: "layers", DiffIDs: []digest.Digest{}},
	})
	require.NoError(t, err)
	present := []byte("present")
	missing := digest.FromString("never uploaded")
	m := imgspecv1.Manifest{
		MediaType: imgspecv1.MediaTypeImageManifest,
		Config: imgspecv1.Descriptor{
			MediaType: imgspecv1.MediaTypeImageConfig,
			Digest:    reg.AddBlob(configBlob),
			Size:      int64(len(configBlob)),
		},
		Layers: []imgspecv1.Descriptor{
			{MediaType: imgspecv1.MediaTypeImageLayer, Digest: reg.AddBlob(present), Size: int64(len(present))},
			{MediaType: imgspecv1.MediaTypeImageLayer, Digest: missing, Size: 14},
		},
	}
	m.SchemaVersion = 2
	manifestBlob, err := json.Marshal(m)
	require.NoError(t, err)
	reg.AddManifest(testRepo, "broken", imgspecv1.MediaTypeImageManifest, manifestBlob)
	a := newTestAssembler(t, nil)

	_, err = a.Assemble(context.Background(), Options{
		BaseImage:      reg.Host() + "/" + testRepo + ":broken",
		ExecutablePath: writeExecutable(t, "app"),
		Architecture:   "arm64",
	})
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageDownloadLayer, stageErr.Stage)
	assert.Equal(t, 1, stageErr.Layer)
	assert.Equal(t, missing, stageErr.Digest)
	assert.ErrorIs(t, err, docker.ErrNotFound)
	assert.Contains(t, err.Error(), "download layer 2")
	assert.False(t, a.Cache().HasLayer(missing))
}

func TestAssembleCancelled(t *testing.T) {
	reg := fakeregistry.New(t)
	reg.AddImage(testRepo, "bookworm-slim", fakeregistry.Image{Architecture: "arm64", OS: "linux", Layers: threeLayers()})
	a := newTestAssembler(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Assemble(ctx, Options{
		BaseImage:      reg.Host() + "/" + testRepo + ":bookworm-slim",
		ExecutablePath: writeExecutable(t, "app"),
		Architecture:   "arm64",
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAssembleCancelledCallDoesNotFailSharedDownload(t *testing.T) {
	reg := fakeregistry.New(t)
	_, m := reg.AddImage(testRepo, "bookworm-slim", fakeregistry.Image{Architecture: "arm64", OS: "linux", Layers: threeLayers()})
	cacheDir := t.TempDir()
	opts := Options{
		BaseImage:      reg.Host() + "/" + testRepo + ":bookworm-slim",
		ExecutablePath: writeExecutable(t, "app"),
		Architecture:   "arm64",
	}

	// Warm the manifest and configuration entries, then drop the layers.
	_, err := newTestAssembler(t, &types.SystemContext{CacheDir: cacheDir}).Assemble(context.Background(), opts)
	require.NoError(t, err)
	layerFiles, err := filepath.Glob(filepath.Join(cacheDir, "layers", "*"))
	require.NoError(t, err)
	for _, f := range layerFiles {
		require.NoError(t, os.Remove(f))
	}
	reg.ResetHits()
	reg.SetDelay(500 * time.Millisecond)

	a := newTestAssembler(t, &types.SystemContext{CacheDir: cacheDir, MaxParallelDownloads: 3})
	cancelledCtx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	cancelled := make(chan error, 1)
	go func() {
		_, err := a.Assemble(cancelledCtx, opts)
		cancelled <- err
	}()
	spec, err := a.Assemble(context.Background(), opts)
	require.NoError(t, err)
	assert.Len(t, spec.Layers, 4)
	assert.ErrorIs(t, <-cancelled, context.Canceled)

	for _, l := range m.Layers {
		assert.True(t, a.Cache().HasLayer(l.Digest), l.Digest)
		assert.Equal(t, 1, reg.Hits(fmt.Sprintf("/v2/%s/blobs/%s", testRepo, l.Digest)), l.Digest)
	}
}

func TestExecutableLayer(t *testing.T) {
	for _, name := range []string{"myapp", "MyApp", "MYAPP"} {
		path := writeExecutable(t, name)
		layer, execName, err := executableLayer(path)
		require.NoError(t, err, name)
		assert.Equal(t, "myapp", execName, name)
		require.Len(t, layer.Files, 1, name)
		assert.Equal(t, types.FileEntry{Source: path, Destination: "/bin/myapp", Permissions: 0o755}, layer.Files[0], name)
	}
}

func TestStageError(t *testing.T) {
	inner := fmt.Errorf("fetching blob: %w", docker.ErrNotFound)
	for _, c := range []struct {
		err      *StageError
		expected string
	}{
		{&StageError{Stage: StageResolveBaseImage, Err: inner}, "resolve base image: fetching blob: not found in registry"},
		{&StageError{Stage: StageDownloadLayer, Layer: 0, Digest: "sha256:abcd", Err: inner}, "download layer 1 (sha256:abcd): fetching blob: not found in registry"},
	} {
		assert.Equal(t, c.expected, c.err.Error())
		assert.ErrorIs(t, c.err, docker.ErrNotFound)
	}
}

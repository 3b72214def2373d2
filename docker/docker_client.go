package docker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/devicectl/imagekit/docker/reference"
	"github.com/devicectl/imagekit/manifest"
	"github.com/devicectl/imagekit/pkg/docker/config"
	"github.com/devicectl/imagekit/types"
	"github.com/docker/distribution/registry/client/auth/challenge"
	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

const (
	manifestPath = "/v2/%s/manifests/%s"
	blobsPath    = "/v2/%s/blobs/%s"
)

type certPath struct {
	path     string
	absolute bool
}

var (
	homeCertDir     = filepath.FromSlash(".devicectl/certs.d")
	perHostCertDirs = []certPath{
		{path: "/etc/containers/certs.d", absolute: true},
		{path: "/etc/docker/certs.d", absolute: true},
	}
)

// Client is a read-only Docker Registry HTTP API v2 client for one registry.
// It is safe for concurrent use.
type Client struct {
	registry  string
	transport *registryTransport
	auth      *authHandler

	mu sync.Mutex
	// challenges holds the most recent WWW-Authenticate challenges per repository,
	// so that later requests can be authenticated up front.
	challenges map[string][]challenge.Challenge
}

// NewClient returns a client for registry (host[:port]).  Credentials come from
// sys.DockerAuthConfig if set, otherwise from the auth file and credential helpers.
func NewClient(sys *types.SystemContext, registry string) (*Client, error) {
	var creds types.DockerAuthConfig
	if sys != nil && sys.DockerAuthConfig != nil {
		creds = *sys.DockerAuthConfig
	} else {
		c, err := config.GetCredentials(sys, registry)
		if err != nil {
			return nil, err
		}
		creds = c
	}
	t, err := newRegistryTransport(sys, registry)
	if err != nil {
		return nil, err
	}
	return &Client{
		registry:   registry,
		transport:  t,
		auth:       newAuthHandler(t, creds),
		challenges: map[string][]challenge.Challenge{},
	}, nil
}

// dockerCertDir returns a path to a directory to be consumed by tlsclientconfig.SetupCertificates() depending on ctx and hostPort.
func dockerCertDir(sys *types.SystemContext, hostPort string) (string, error) {
	if sys != nil && sys.DockerCertPath != "" {
		return sys.DockerCertPath, nil
	}
	if sys != nil && sys.DockerPerHostCertDirPath != "" {
		return filepath.Join(sys.DockerPerHostCertDirPath, hostPort), nil
	}

	dirs := perHostCertDirs
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append([]certPath{{path: filepath.Join(home, homeCertDir)}}, perHostCertDirs...)
	}
	var fullCertDirPath string
	for _, perHostCertDir := range dirs {
		hostCertDir := perHostCertDir.path
		if sys != nil && sys.RootForImplicitAbsolutePaths != "" && perHostCertDir.absolute {
			hostCertDir = filepath.Join(sys.RootForImplicitAbsolutePaths, perHostCertDir.path)
		}
		fullCertDirPath = filepath.Join(hostCertDir, hostPort)
		_, err := os.Stat(fullCertDirPath)
		if err == nil {
			break
		}
		if os.IsNotExist(err) {
			continue
		}
		if os.IsPermission(err) {
			logrus.Debugf("error accessing certs directory due to permissions: %v", err)
			continue
		}
		return "", err
	}
	return fullCertDirPath, nil
}

func pullScope(repository string) string {
	return fmt.Sprintf("repository:%s:pull", repository)
}

// makeRequest performs a request for a resource in repository.  If the
// registry answers 401 with a challenge we can answer, the request is retried
// exactly once with credentials; a second 401 is returned to the caller as is.
func (c *Client) makeRequest(ctx context.Context, op, repository, path string, headers map[string][]string, stream bool) (*http.Response, error) {
	scope := pullScope(repository)
	c.mu.Lock()
	challenges := c.challenges[repository]
	c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.transport.url(path), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Docker-Distribution-API-Version", "registry/2.0")
		for n, h := range headers {
			for _, hh := range h {
				req.Header.Add(n, hh)
			}
		}
		authenticated := false
		if len(challenges) > 0 {
			authenticated, err = c.auth.attachAuth(ctx, req, challenges, scope)
			if err != nil {
				return nil, err
			}
		}
		logrus.Debugf("GET %s", req.URL.Redacted())
		res, err := c.transport.do(ctx, op, req, stream)
		if err != nil {
			return nil, err
		}
		if res.StatusCode != http.StatusUnauthorized || attempt > 0 {
			return res, nil
		}

		newChallenges := challenge.ResponseChallenges(res)
		if !c.auth.canAnswer(newChallenges) {
			return res, nil
		}
		if authenticated {
			// Whatever we sent was not good enough; do not reuse it.
			c.auth.invalidate(challenges, scope)
		}
		io.Copy(io.Discard, io.LimitReader(res.Body, maxErrorBodySize)) //nolint:errcheck
		res.Body.Close()
		challenges = newChallenges
		c.mu.Lock()
		c.challenges[repository] = newChallenges
		c.mu.Unlock()
	}
}

// fetchManifest returns the raw manifest or index stored at repository:ref and its MIME type.
func (c *Client) fetchManifest(ctx context.Context, repository, ref string) ([]byte, string, error) {
	headers := map[string][]string{
		"Accept": {strings.Join(manifest.DefaultRequestedManifestMIMETypes, ", ")},
	}
	res, err := c.makeRequest(ctx, "fetching manifest", repository, fmt.Sprintf(manifestPath, repository, ref), headers, false)
	if err != nil {
		return nil, "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("reading manifest %s in %s/%s: %w", ref, c.registry, repository, registryHTTPResponseToError(res))
	}
	blob, err := c.transport.readBody(res)
	if err != nil {
		return nil, "", err
	}
	mimeType := manifest.NormalizedMIMEType(res.Header.Get("Content-Type"))
	if !manifest.IsManifestMIMEType(mimeType) && !manifest.IsIndexMIMEType(mimeType) {
		if guessed := manifest.GuessMIMEType(blob); guessed != "" {
			mimeType = guessed
		}
	}
	if d, err := digest.Parse(ref); err == nil {
		if err := verifyDigest(blob, d); err != nil {
			return nil, "", fmt.Errorf("manifest %s in %s/%s: %w", ref, c.registry, repository, err)
		}
	}
	return blob, mimeType, nil
}

func verifyDigest(blob []byte, expected digest.Digest) error {
	ok, err := manifest.MatchesDigest(blob, expected)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("content does not match digest %s (got %s)", expected, manifest.Digest(blob))
	}
	return nil
}

// GetManifest fetches the single-platform manifest at repository:ref (a tag or
// a digest) and returns it together with its digest.  If the registry returns
// an image index instead, the error is a *NotAManifestError; callers should
// then use GetIndex.
func (c *Client) GetManifest(ctx context.Context, repository, ref string) (*manifest.Manifest, digest.Digest, error) {
	blob, mimeType, err := c.fetchManifest(ctx, repository, ref)
	if err != nil {
		return nil, "", err
	}
	if manifest.IsIndexMIMEType(mimeType) {
		return nil, "", &NotAManifestError{MIMEType: mimeType}
	}
	m, err := manifest.ManifestFromBlob(blob, mimeType)
	if err != nil {
		return nil, "", fmt.Errorf("parsing manifest %s in %s/%s: %w", ref, c.registry, repository, err)
	}
	return m, manifest.Digest(blob), nil
}

// GetIndex fetches the multi-platform image index at repository:ref.
func (c *Client) GetIndex(ctx context.Context, repository, ref string) (*manifest.Index, error) {
	blob, mimeType, err := c.fetchManifest(ctx, repository, ref)
	if err != nil {
		return nil, err
	}
	if manifest.IsManifestMIMEType(mimeType) {
		return nil, fmt.Errorf("%s in %s/%s: %w", ref, c.registry, repository, ErrNotAnIndex)
	}
	idx, err := manifest.IndexFromBlob(blob, mimeType)
	if err != nil {
		return nil, fmt.Errorf("parsing index %s in %s/%s: %w", ref, c.registry, repository, err)
	}
	return idx, nil
}

// GetImageConfiguration fetches and verifies the configuration blob configDigest of ref's repository.
func (c *Client) GetImageConfiguration(ctx context.Context, ref reference.Reference, configDigest digest.Digest) (*imgspecv1.Image, error) {
	if err := configDigest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config digest %q: %w", configDigest, err)
	}
	res, err := c.makeRequest(ctx, "fetching image configuration", ref.Repository, fmt.Sprintf(blobsPath, ref.Repository, configDigest), nil, false)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching configuration %s of %s: %w", configDigest, ref.Name(), registryHTTPResponseToError(res))
	}
	blob, err := c.transport.readBody(res)
	if err != nil {
		return nil, err
	}
	if err := verifyDigest(blob, configDigest); err != nil {
		return nil, fmt.Errorf("configuration of %s: %w", ref.Name(), err)
	}
	return manifest.ConfigFromBlob(blob)
}

// GetBlob returns a stream for the blob dgst in repository and its size (-1
// if unknown).  The stream is not verified; the caller must close it.
func (c *Client) GetBlob(ctx context.Context, repository string, dgst digest.Digest) (io.ReadCloser, int64, error) {
	if err := dgst.Validate(); err != nil {
		return nil, -1, fmt.Errorf("invalid blob digest %q: %w", dgst, err)
	}
	res, err := c.makeRequest(ctx, "fetching blob", repository, fmt.Sprintf(blobsPath, repository, dgst), nil, true)
	if err != nil {
		return nil, -1, err
	}
	if res.StatusCode != http.StatusOK {
		err := registryHTTPResponseToError(res)
		res.Body.Close()
		return nil, -1, fmt.Errorf("fetching blob %s in %s/%s: %w", dgst, c.registry, repository, err)
	}
	return res.Body, res.ContentLength, nil
}

// Package fakeregistry is an in-memory Docker Registry HTTP API v2 server for tests.
package fakeregistry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// Service is the service name announced in bearer challenges.
	Service = "fakeregistry"
	// Token is the bearer token handed out by the token endpoint.
	Token = "fake-registry-token"

	tokenPath = "/token"
)

type manifestEntry struct {
	mediaType string
	blob      []byte
}

// Registry is a running fake registry.  Use New to create one.
type Registry struct {
	server *httptest.Server

	mu        sync.Mutex
	manifests map[string]manifestEntry // "repository@reference"
	blobs     map[digest.Digest][]byte
	hits      map[string]int // request path, without query
	bearer    bool
	always401 bool
	basicUser string
	basicPass string
	// basicOnly means /v2/ itself wants HTTP basic auth; there is no token endpoint.
	basicOnly    bool
	refreshToken string
	token        string
	revocations  int
	stallBlobs   bool
	delay        time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithBearerAuth makes every /v2/ request require the bearer token served at /token.
func WithBearerAuth() Option {
	return func(r *Registry) { r.bearer = true }
}

// WithTokenCredentials makes the token endpoint require HTTP basic auth.
func WithTokenCredentials(username, password string) Option {
	return func(r *Registry) {
		r.bearer = true
		r.basicUser = username
		r.basicPass = password
	}
}

// WithBasicAuth makes every /v2/ request require HTTP basic auth with
// username and password, answering a Basic challenge otherwise.
func WithBasicAuth(username, password string) Option {
	return func(r *Registry) {
		r.basicOnly = true
		r.basicUser = username
		r.basicPass = password
	}
}

// WithIdentityToken makes the token endpoint an OAuth2 endpoint that only
// accepts a POSTed refresh_token grant for refreshToken.
func WithIdentityToken(refreshToken string) Option {
	return func(r *Registry) {
		r.bearer = true
		r.refreshToken = refreshToken
	}
}

// WithAlwaysUnauthorized makes every /v2/ request fail with 401 and a bearer
// challenge, even when the token is presented.  The token endpoint still works.
func WithAlwaysUnauthorized() Option {
	return func(r *Registry) {
		r.bearer = true
		r.always401 = true
	}
}

// New starts a registry that is shut down when the test ends.
func New(t testing.TB, opts ...Option) *Registry {
	r := &Registry{
		manifests: map[string]manifestEntry{},
		blobs:     map[digest.Digest][]byte{},
		hits:      map[string]int{},
		token:     Token,
	}
	for _, o := range opts {
		o(r)
	}
	r.server = httptest.NewServer(http.HandlerFunc(r.serveHTTP))
	t.Cleanup(r.server.Close)
	return r
}

// Host returns the host:port of the registry, suitable as a reference registry.
func (r *Registry) Host() string {
	return strings.TrimPrefix(r.server.URL, "http://")
}

// SetDelay makes every /v2/ response wait d before sending headers.
func (r *Registry) SetDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

// RevokeTokens invalidates every token handed out so far; the token
// endpoint issues a new one from now on.
func (r *Registry) RevokeTokens() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revocations++
	r.token = Token + "-" + strconv.Itoa(r.revocations)
}

// SetStallBlobs makes blob responses announce the full size, send half of
// the data and then stop sending until the client goes away.
func (r *Registry) SetStallBlobs(stall bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stallBlobs = stall
}

// AddBlob stores blob and returns its digest.
func (r *Registry) AddBlob(blob []byte) digest.Digest {
	d := digest.FromBytes(blob)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[d] = blob
	return d
}

// AddManifest stores a manifest or index under repository:tag (if tag is not
// "") and under its digest, which is returned.
func (r *Registry) AddManifest(repository, tag, mediaType string, blob []byte) digest.Digest {
	d := digest.FromBytes(blob)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := manifestEntry{mediaType: mediaType, blob: blob}
	r.manifests[repository+"@"+d.String()] = e
	if tag != "" {
		r.manifests[repository+"@"+tag] = e
	}
	return d
}

// Image is a single-platform image as seen by AddImage.
type Image struct {
	Architecture string
	OS           string
	Layers       [][]byte
	// DiffIDs overrides the diff_ids recorded in the configuration; if nil
	// the layer digests are used, as for uncompressed layers.
	DiffIDs []digest.Digest
}

// AddImage stores the layers, a configuration and an OCI manifest for img
// under repository:tag.  It returns the manifest digest and the manifest.
func (r *Registry) AddImage(repository, tag string, img Image) (digest.Digest, imgspecv1.Manifest) {
	layers := make([]imgspecv1.Descriptor, 0, len(img.Layers))
	diffIDs := img.DiffIDs
	for _, l := range img.Layers {
		d := r.AddBlob(l)
		layers = append(layers, imgspecv1.Descriptor{
			MediaType: imgspecv1.MediaTypeImageLayer,
			Digest:    d,
			Size:      int64(len(l)),
		})
		if img.DiffIDs == nil {
			diffIDs = append(diffIDs, d)
		}
	}
	if diffIDs == nil {
		diffIDs = []digest.Digest{}
	}
	config := imgspecv1.Image{
		Platform: imgspecv1.Platform{Architecture: img.Architecture, OS: img.OS},
		RootFS:   imgspecv1.RootFS{Type: "layers", DiffIDs: diffIDs},
	}
	configBlob := mustMarshal(config)
	m := imgspecv1.Manifest{
		MediaType: imgspecv1.MediaTypeImageManifest,
		Config: imgspecv1.Descriptor{
			MediaType: imgspecv1.MediaTypeImageConfig,
			Digest:    r.AddBlob(configBlob),
			Size:      int64(len(configBlob)),
		},
		Layers: layers,
	}
	m.SchemaVersion = 2
	return r.AddManifest(repository, tag, imgspecv1.MediaTypeImageManifest, mustMarshal(m)), m
}

// IndexEntry is one platform of AddIndex.
type IndexEntry struct {
	Digest   digest.Digest
	Platform *imgspecv1.Platform
}

// AddIndex stores an OCI index of entries under repository:tag and returns its digest.
func (r *Registry) AddIndex(repository, tag string, entries []IndexEntry) digest.Digest {
	idx := imgspecv1.Index{MediaType: imgspecv1.MediaTypeImageIndex}
	idx.SchemaVersion = 2
	idx.Manifests = []imgspecv1.Descriptor{}
	for _, e := range entries {
		r.mu.Lock()
		m := r.manifests[repository+"@"+e.Digest.String()]
		r.mu.Unlock()
		idx.Manifests = append(idx.Manifests, imgspecv1.Descriptor{
			MediaType: imgspecv1.MediaTypeImageManifest,
			Digest:    e.Digest,
			Size:      int64(len(m.blob)),
			Platform:  e.Platform,
		})
	}
	return r.AddManifest(repository, tag, imgspecv1.MediaTypeImageIndex, mustMarshal(idx))
}

// Hits returns the number of requests received for path (e.g. "/v2/library/debian/manifests/latest").
func (r *Registry) Hits(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits[path]
}

// TokenHits returns the number of token exchanges.
func (r *Registry) TokenHits() int {
	return r.Hits(tokenPath)
}

// RegistryHits returns the number of /v2/ requests received.
func (r *Registry) RegistryHits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for p, n := range r.hits {
		if strings.HasPrefix(p, "/v2/") {
			total += n
		}
	}
	return total
}

// ResetHits clears all counters.
func (r *Registry) ResetHits() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits = map[string]int{}
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func (r *Registry) serveHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.hits[req.URL.Path]++
	delay, stall, basicOnly := r.delay, r.stallBlobs, r.basicOnly
	r.mu.Unlock()

	if req.URL.Path == tokenPath {
		r.serveToken(w, req)
		return
	}
	if !strings.HasPrefix(req.URL.Path, "/v2/") {
		http.NotFound(w, req)
		return
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-req.Context().Done():
			return
		}
	}

	rest := strings.TrimPrefix(req.URL.Path, "/v2/")
	var repository, kind, ref string
	if i := strings.LastIndex(rest, "/manifests/"); i >= 0 {
		repository, kind, ref = rest[:i], "manifests", rest[i+len("/manifests/"):]
	} else if i := strings.LastIndex(rest, "/blobs/"); i >= 0 {
		repository, kind, ref = rest[:i], "blobs", rest[i+len("/blobs/"):]
	}
	if !r.authorized(req) {
		if basicOnly {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s"`, Service))
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			return
		}
		scope := ""
		if repository != "" {
			scope = fmt.Sprintf(`,scope="repository:%s:pull"`, repository)
		}
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s%s",service="%s"%s`, r.server.URL, tokenPath, Service, scope))
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}

	switch kind {
	case "manifests":
		r.mu.Lock()
		e, ok := r.manifests[repository+"@"+ref]
		r.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "MANIFEST_UNKNOWN", "manifest unknown")
			return
		}
		w.Header().Set("Content-Type", e.mediaType)
		w.Header().Set("Docker-Content-Digest", digest.FromBytes(e.blob).String())
		w.Header().Set("Content-Length", strconv.Itoa(len(e.blob)))
		w.Write(e.blob) //nolint:errcheck
	case "blobs":
		r.mu.Lock()
		blob, ok := r.blobs[digest.Digest(ref)]
		r.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "BLOB_UNKNOWN", "blob unknown to registry")
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Docker-Content-Digest", ref)
		w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
		if stall {
			w.Write(blob[:len(blob)/2]) //nolint:errcheck
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			<-req.Context().Done()
			return
		}
		w.Write(blob) //nolint:errcheck
	default:
		// API version check
		w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
		w.WriteHeader(http.StatusOK)
	}
}

func (r *Registry) authorized(req *http.Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.always401:
		return false
	case r.basicOnly:
		u, p, ok := req.BasicAuth()
		return ok && u == r.basicUser && p == r.basicPass
	case !r.bearer:
		return true
	}
	return req.Header.Get("Authorization") == "Bearer "+r.token
}

func (r *Registry) serveToken(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	user, pass, refreshToken, token := r.basicUser, r.basicPass, r.refreshToken, r.token
	r.mu.Unlock()
	if refreshToken != "" {
		if req.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "UNSUPPORTED", "use the refresh_token grant")
			return
		}
		if err := req.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "UNSUPPORTED", err.Error())
			return
		}
		if req.PostForm.Get("grant_type") != "refresh_token" || req.PostForm.Get("refresh_token") != refreshToken ||
			req.PostForm.Get("client_id") == "" || req.PostForm.Get("service") != Service {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid refresh token")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token": %q, "expires_in": 300}`, token)
		return
	}
	if user != "" {
		u, p, ok := req.BasicAuth()
		if !ok || u != user || p != pass {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"token": %q, "expires_in": 300}`, token)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"errors": [{"code": %q, "message": %q}]}`, code, message)
}

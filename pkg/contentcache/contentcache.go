// Package contentcache stores base image manifests, configurations and layer
// blobs on disk so that repeated builds do not download them again.
//
// Entries are immutable once written.  Every write goes to a uniquely named
// temporary file which is renamed into place, so readers, including other
// processes sharing the directory, only ever see complete entries.  Reads
// never fail: anything that cannot be read or decoded is a miss.
package contentcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/devicectl/imagekit/manifest"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

const (
	manifestsDir = "manifests"
	configsDir   = "configs"
	layersDir    = "layers"
)

// ErrDigestMismatch is returned by PutLayer when the stream does not match the expected digest.
var ErrDigestMismatch = errors.New("layer content does not match its digest")

// Cache is a content cache rooted at a directory.  It is safe for concurrent use.
type Cache struct {
	dir string
}

// DefaultDir returns ~/.devicectl/cache.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining cache directory: %w", err)
	}
	return filepath.Join(home, ".devicectl", "cache"), nil
}

// New returns a cache rooted at dir, creating it if necessary.  An empty dir
// means DefaultDir().
func New(dir string) (*Cache, error) {
	if dir == "" {
		d, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	for _, sub := range []string{manifestsDir, configsDir, layersDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the root directory of the cache.
func (c *Cache) Dir() string {
	return c.dir
}

// key turns an arbitrary string into a single safe path component.
func key(s string) string {
	return url.QueryEscape(s)
}

func (c *Cache) manifestPath(repository, arch string) string {
	return filepath.Join(c.dir, manifestsDir, key(repository), key(arch)+".json")
}

func (c *Cache) configPath(repository string, d digest.Digest) string {
	return filepath.Join(c.dir, configsDir, key(repository), key(d.String())+".json")
}

// LayerPath returns where the blob d is (or would be) stored.
func (c *Cache) LayerPath(d digest.Digest) string {
	return filepath.Join(c.dir, layersDir, key(d.String()))
}

// ManifestEntry is a cached single-platform manifest.
type ManifestEntry struct {
	Digest   digest.Digest      `json:"digest,omitempty"`
	Manifest *manifest.Manifest `json:"manifest"`
	// Fallback records that the manifest was picked from an index without
	// matching the requested platform; Platform is what the index said about it.
	Fallback bool                `json:"fallback,omitempty"`
	Platform *imgspecv1.Platform `json:"platform,omitempty"`
}

// ReadManifest returns the manifest entry cached for (repository, arch).
func (c *Cache) ReadManifest(repository, arch string) (*ManifestEntry, bool) {
	path := c.manifestPath(repository, arch)
	var entry ManifestEntry
	if !c.readJSON(path, &entry) {
		return nil, false
	}
	if entry.Manifest == nil || entry.Manifest.Config.Digest.Validate() != nil {
		c.discard(path, errors.New("missing or invalid manifest"))
		return nil, false
	}
	logrus.Debugf("Manifest cache hit for %s (%s)", repository, arch)
	return &entry, true
}

// WriteManifest stores entry as the manifest of (repository, arch).
func (c *Cache) WriteManifest(repository, arch string, entry *ManifestEntry) error {
	return c.writeJSON(c.manifestPath(repository, arch), entry)
}

// ReadConfig returns the image configuration d of repository.
func (c *Cache) ReadConfig(repository string, d digest.Digest) (*imgspecv1.Image, bool) {
	path := c.configPath(repository, d)
	var cfg imgspecv1.Image
	if !c.readJSON(path, &cfg) {
		return nil, false
	}
	logrus.Debugf("Configuration cache hit for %s (%s)", repository, d)
	return &cfg, true
}

// WriteConfig stores cfg as the image configuration d of repository.
func (c *Cache) WriteConfig(repository string, d digest.Digest, cfg *imgspecv1.Image) error {
	return c.writeJSON(c.configPath(repository, d), cfg)
}

// HasLayer reports whether the blob d is complete in the cache.
func (c *Cache) HasLayer(d digest.Digest) bool {
	fi, err := os.Stat(c.LayerPath(d))
	return err == nil && fi.Mode().IsRegular()
}

// PutLayer copies r into the cache as blob d and returns the number of bytes
// written.  The blob only becomes visible if its content matches d;
// otherwise nothing is left behind and the error wraps ErrDigestMismatch.
func (c *Cache) PutLayer(d digest.Digest, r io.Reader) (int64, error) {
	if err := d.Validate(); err != nil {
		return 0, fmt.Errorf("invalid layer digest %q: %w", d, err)
	}
	verifier := d.Verifier()
	var n int64
	err := writeAtomic(c.LayerPath(d), 0o644, func(f *os.File) error {
		var err error
		n, err = io.Copy(io.MultiWriter(f, verifier), r)
		if err != nil {
			return err
		}
		if !verifier.Verified() {
			return fmt.Errorf("%w: %s", ErrDigestMismatch, d)
		}
		return nil
	})
	if err != nil {
		return n, err
	}
	logrus.Debugf("Stored layer %s (%d bytes)", d, n)
	return n, nil
}

// readJSON decodes path into v, reporting whether that worked.  Entries that
// exist but do not decode are removed.
func (c *Cache) readJSON(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.Debugf("Reading cache entry %s: %v", path, err)
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.discard(path, err)
		return false
	}
	return true
}

func (c *Cache) discard(path string, cause error) {
	logrus.Warnf("Discarding corrupt cache entry %s: %v", path, cause)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logrus.Warnf("Removing corrupt cache entry %s: %v", path, err)
	}
}

func (c *Cache) writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeAtomic(path, 0o644, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
}

// writeAtomic creates path with the content produced by fill.  fill writes
// into a temporary file in the same directory, which is synced and renamed
// over path only if fill succeeds.
func writeAtomic(path string, perm os.FileMode, fill func(*os.File) error) (retErr error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmpName := filepath.Join(dir, ".tmp-"+uuid.NewString())
	tmp, err := os.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

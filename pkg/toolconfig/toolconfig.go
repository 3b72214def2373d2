// Package toolconfig reads the tool's TOML configuration file and turns it
// into a types.SystemContext.
//
// A minimal file looks like
//
//	architecture = "arm64"
//	cache_dir = "/var/cache/devicectl"
//
//	[network]
//	timeout = "45s"
//	parallel_downloads = 4
//
//	[[registry]]
//	location = "registry.lan:5000"
//	insecure = true
package toolconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"github.com/devicectl/imagekit/types"
	perrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Duration is a time.Duration written as a string ("30s") in the file.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Network configures how registries are contacted.
type Network struct {
	// Timeout bounds every registry request.
	Timeout Duration `toml:"timeout"`
	// MaxResponseSize bounds buffered responses (manifests, configs, tokens), in bytes.
	MaxResponseSize int64 `toml:"max_response_size"`
	// Retries is the number of automatic retries of failed requests.
	Retries int `toml:"retries"`
	// ParallelDownloads is the number of layers downloaded at the same time.
	ParallelDownloads int `toml:"parallel_downloads"`
	// InsecureSkipTLSVerify disables certificate verification for all registries.
	InsecureSkipTLSVerify bool `toml:"insecure_skip_tls_verify"`
}

// Registry holds per-registry settings.
type Registry struct {
	// Location is the registry host[:port].
	Location string `toml:"location"`
	// Insecure registries are contacted over plain HTTP.
	Insecure bool `toml:"insecure"`
}

// Config is the content of the configuration file.
type Config struct {
	// Architecture requested from multi-platform base images.
	Architecture string `toml:"architecture"`
	// CacheDir is the content cache directory.
	CacheDir string `toml:"cache_dir"`
	// AuthFile overrides the docker auth file lookup.
	AuthFile string `toml:"auth_file"`
	// CertDir is a certs.d style directory with per-registry TLS material.
	CertDir string `toml:"cert_dir"`

	Network    Network    `toml:"network"`
	Registries []Registry `toml:"registry"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Architecture: "arm64",
		Network: Network{
			Timeout:           Duration{types.DefaultRegistryTimeout},
			MaxResponseSize:   types.DefaultMaxResponseSize,
			ParallelDownloads: 1,
		},
	}
}

// DefaultPath returns ~/.devicectl/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".devicectl", "config.toml"), nil
}

// Load reads path (DefaultPath() if "") and fills everything it does not set
// from Default().  A missing file yields the defaults; a malformed one is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg := Config{}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, perrors.Wrapf(err, "loading configuration file %q", path)
		}
		logrus.Debugf("No configuration file at %s, using defaults", path)
	} else {
		for _, k := range md.Undecoded() {
			logrus.Warnf("Unknown key %q in %s", k.String(), path)
		}
	}
	if err := mergo.Merge(&cfg, Default()); err != nil {
		return nil, perrors.Wrap(err, "merging configuration defaults")
	}
	if err := cfg.validate(); err != nil {
		return nil, perrors.Wrapf(err, "invalid configuration file %q", path)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Network.Timeout.Duration < 0 {
		return fmt.Errorf("negative network timeout %v", c.Network.Timeout.Duration)
	}
	if c.Network.MaxResponseSize < 0 {
		return fmt.Errorf("negative max_response_size %d", c.Network.MaxResponseSize)
	}
	if c.Network.Retries < 0 {
		return fmt.Errorf("negative retries %d", c.Network.Retries)
	}
	if c.Network.ParallelDownloads < 0 {
		return fmt.Errorf("negative parallel_downloads %d", c.Network.ParallelDownloads)
	}
	seen := map[string]bool{}
	for _, r := range c.Registries {
		if r.Location == "" {
			return errors.New("registry entry without location")
		}
		if seen[r.Location] {
			return fmt.Errorf("registry %q configured more than once", r.Location)
		}
		seen[r.Location] = true
	}
	return nil
}

// SystemContext returns the per-call configuration described by c.
func (c *Config) SystemContext() *types.SystemContext {
	sys := &types.SystemContext{
		ArchitectureChoice:       c.Architecture,
		CacheDir:                 c.CacheDir,
		AuthFilePath:             c.AuthFile,
		DockerPerHostCertDirPath: c.CertDir,
		RegistryTimeout:          c.Network.Timeout.Duration,
		MaxResponseSize:          c.Network.MaxResponseSize,
		RegistryRetries:          c.Network.Retries,
		MaxParallelDownloads:     c.Network.ParallelDownloads,
	}
	if c.Network.InsecureSkipTLSVerify {
		sys.DockerInsecureSkipTLSVerify = types.OptionalBoolTrue
	}
	for _, r := range c.Registries {
		if r.Insecure {
			sys.InsecureRegistries = append(sys.InsecureRegistries, r.Location)
		}
	}
	return sys
}

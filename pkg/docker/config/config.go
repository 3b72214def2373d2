// Package config reads registry credentials from Docker-style auth files and
// credential helpers.  It never writes credentials.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/devicectl/imagekit/types"
	helperclient "github.com/docker/docker-credential-helpers/client"
	"github.com/docker/docker-credential-helpers/credentials"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// identityTokenUsername is the username credential helpers return for identity tokens.
const identityTokenUsername = "<token>"

// dockerHubServerURL is the key docker uses for Docker Hub credentials.
const dockerHubServerURL = "https://index.docker.io/v1/"

// Auth holds per-URI-authority credentials.
type Auth struct {
	Username string
	Secret   string
}

// UnmarshalJSON interface for Auth.
func (auth *Auth) UnmarshalJSON(b []byte) error {
	var base64auth string
	if err := json.Unmarshal(b, &base64auth); err != nil {
		return err
	}
	decoded, err := base64.StdEncoding.DecodeString(base64auth)
	if err != nil {
		return err
	}
	username, secret, ok := strings.Cut(string(decoded), ":")
	if !ok {
		// if it's invalid just skip, as docker does
		*auth = Auth{}
		return nil
	}
	auth.Username = username
	auth.Secret = strings.Trim(secret, "\x00")
	return nil
}

// AuthEntry holds a value from the configurations Auths map.
type AuthEntry struct {
	Auth          Auth   `json:"auth"`
	IdentityToken string `json:"identitytoken,omitempty"`
}

// Config holds the parts of a docker config.json we care about.
type Config struct {
	Auths       map[string]AuthEntry `json:"auths"`
	CredHelpers map[string]string    `json:"credHelpers,omitempty"`
	CredsStore  string               `json:"credsStore,omitempty"`
}

type authPath struct {
	path         string
	legacyFormat bool
}

var (
	xdgRuntimeDirPath    = filepath.FromSlash("containers/auth.json")
	dockerHomePath       = filepath.FromSlash(".docker/config.json")
	dockerLegacyHomePath = ".dockercfg"
)

// authFilePaths returns the auth files to consult, most specific first.
func authFilePaths(sys *types.SystemContext) []authPath {
	if sys != nil && sys.AuthFilePath != "" {
		return []authPath{{path: sys.AuthFilePath}}
	}
	var paths []authPath
	if p := os.Getenv("REGISTRY_AUTH_FILE"); p != "" {
		paths = append(paths, authPath{path: p})
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		paths = append(paths, authPath{path: filepath.Join(runtimeDir, xdgRuntimeDirPath)})
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			authPath{path: filepath.Join(home, dockerHomePath)},
			authPath{path: filepath.Join(home, dockerLegacyHomePath), legacyFormat: true},
		)
	}
	return paths
}

// GetCredentials returns the credentials for registry (host[:port]).
// sys.DockerAuthConfig wins if set; otherwise the auth files are searched in
// order, and the first one that knows the registry, directly or through a
// credential helper, answers.  No credentials is not an error.
func GetCredentials(sys *types.SystemContext, registry string) (types.DockerAuthConfig, error) {
	if sys != nil && sys.DockerAuthConfig != nil {
		logrus.Debugf("Using credentials for %s from the system context", registry)
		return *sys.DockerAuthConfig, nil
	}
	for _, p := range authFilePaths(sys) {
		cfg, err := readAuthFile(p)
		if err != nil {
			return types.DockerAuthConfig{}, err
		}
		if cfg == nil {
			continue
		}
		creds, found, err := cfg.lookup(registry)
		if err != nil {
			return types.DockerAuthConfig{}, errors.Wrapf(err, "reading credentials for %s via %s", registry, p.path)
		}
		if found {
			logrus.Debugf("Found credentials for %s in %s", registry, p.path)
			return creds, nil
		}
	}
	logrus.Debugf("No credentials for %s found", registry)
	return types.DockerAuthConfig{}, nil
}

// readAuthFile returns nil, nil if the file does not exist.
func readAuthFile(p authPath) (*Config, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	cfg := &Config{}
	if p.legacyFormat {
		if err := json.Unmarshal(raw, &cfg.Auths); err != nil {
			return nil, errors.Wrapf(err, "unmarshaling JSON at %q", p.path)
		}
		return cfg, nil
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "unmarshaling JSON at %q", p.path)
	}
	return cfg, nil
}

// lookup finds credentials for registry: a registry-specific helper first,
// then an inline auths entry, then the default credential store.
func (c *Config) lookup(registry string) (types.DockerAuthConfig, bool, error) {
	keys := serverKeys(registry)
	for _, key := range keys {
		if helper, ok := c.CredHelpers[key]; ok {
			return getFromHelper(helper, key)
		}
	}
	normalized := normalizeRegistry(registry)
	for key, entry := range c.Auths {
		if normalizeRegistry(key) != normalized {
			continue
		}
		creds := types.DockerAuthConfig{
			Username:      entry.Auth.Username,
			Password:      entry.Auth.Secret,
			IdentityToken: entry.IdentityToken,
		}
		if !creds.IsZero() {
			return creds, true, nil
		}
	}
	if c.CredsStore != "" {
		return getFromHelper(c.CredsStore, keys[0])
	}
	return types.DockerAuthConfig{}, false, nil
}

func getFromHelper(helper, serverURL string) (types.DockerAuthConfig, bool, error) {
	p := helperclient.NewShellProgramFunc(fmt.Sprintf("docker-credential-%s", helper))
	creds, err := helperclient.Get(p, serverURL)
	if err != nil {
		if credentials.IsErrCredentialsNotFound(err) {
			return types.DockerAuthConfig{}, false, nil
		}
		return types.DockerAuthConfig{}, false, err
	}
	if creds.Username == identityTokenUsername {
		return types.DockerAuthConfig{IdentityToken: creds.Secret}, true, nil
	}
	return types.DockerAuthConfig{Username: creds.Username, Password: creds.Secret}, true, nil
}

// serverKeys returns the keys docker would use for registry, preferred first.
func serverKeys(registry string) []string {
	if normalizeRegistry(registry) == "index.docker.io" {
		return []string{dockerHubServerURL, registry}
	}
	return []string{registry}
}

// convertToHostname converts a registry url which has http|https prepended
// to just an hostname.
func convertToHostname(url string) string {
	stripped := strings.TrimPrefix(strings.TrimPrefix(url, "http://"), "https://")
	host, _, _ := strings.Cut(stripped, "/")
	return host
}

func normalizeRegistry(registry string) string {
	normalized := convertToHostname(registry)
	switch normalized {
	case "registry-1.docker.io", "docker.io":
		return "index.docker.io"
	}
	return normalized
}

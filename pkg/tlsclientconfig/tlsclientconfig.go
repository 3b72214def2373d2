// Package tlsclientconfig loads per-registry TLS material from certs.d style directories.
package tlsclientconfig

import (
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/docker/go-connections/tlsconfig"
	perrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SetupCertificates opens all .crt, .cert, and .key files in dir and appends / loads certs and key pairs as appropriate to tlsc.
// A missing dir is not an error.
func SetupCertificates(dir string, tlsc *tls.Config) error {
	logrus.Debugf("Looking for TLS certificates and private keys in %s", dir)
	fs, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		if os.IsPermission(err) {
			logrus.Debugf("Skipping scan of %s due to permission error: %v", dir, err)
			return nil
		}
		return err
	}

	for _, f := range fs {
		fullPath := filepath.Join(dir, f.Name())
		if strings.HasSuffix(f.Name(), ".crt") {
			logrus.Debugf(" crt: %s", fullPath)
			data, err := os.ReadFile(fullPath)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					// Dangling symbolic link
					continue
				}
				return err
			}
			if tlsc.RootCAs == nil {
				systemPool, err := tlsconfig.SystemCertPool()
				if err != nil {
					return perrors.Wrap(err, "unable to get system cert pool")
				}
				tlsc.RootCAs = systemPool
			}
			if !tlsc.RootCAs.AppendCertsFromPEM(data) {
				logrus.Warnf("No certificates found in %s", fullPath)
			}
		}
		if base, ok := strings.CutSuffix(f.Name(), ".cert"); ok {
			certName := f.Name()
			keyName := base + ".key"
			logrus.Debugf(" cert: %s", fullPath)
			if !hasFile(fs, keyName) {
				return perrors.Errorf("missing key %s for client certificate %s. Note that CA certificates should use the extension .crt", keyName, certName)
			}
			cert, err := tls.LoadX509KeyPair(filepath.Join(dir, certName), filepath.Join(dir, keyName))
			if err != nil {
				return perrors.Wrapf(err, "loading client certificate %s", certName)
			}
			tlsc.Certificates = append(slices.Clone(tlsc.Certificates), cert)
		}
		if base, ok := strings.CutSuffix(f.Name(), ".key"); ok {
			keyName := f.Name()
			certName := base + ".cert"
			logrus.Debugf(" key: %s", fullPath)
			if !hasFile(fs, certName) {
				return perrors.Errorf("missing client certificate %s for key %s", certName, keyName)
			}
		}
	}
	return nil
}

func hasFile(files []os.DirEntry, name string) bool {
	return slices.ContainsFunc(files, func(f os.DirEntry) bool {
		return f.Name() == name
	})
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/devicectl/imagekit/types"
	"gopkg.in/yaml.v3"
)

type outputFormat string

const (
	formatJSON outputFormat = "json"
	formatYAML outputFormat = "yaml"
)

func (f outputFormat) isUnknown() bool {
	return f != formatJSON && f != formatYAML
}

// parseCreds parses USERNAME[:PASSWORD].
func parseCreds(creds string) (*types.DockerAuthConfig, error) {
	if creds == "" {
		return nil, errors.New("credentials can't be empty")
	}
	username, password, _ := strings.Cut(creds, ":")
	if username == "" {
		return nil, errors.New("username can't be empty")
	}
	return &types.DockerAuthConfig{Username: username, Password: password}, nil
}

type fileOutput struct {
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
	Mode        string `json:"mode" yaml:"mode"`
}

type layerOutput struct {
	Type      string       `json:"type" yaml:"type"`
	Path      string       `json:"path,omitempty" yaml:"path,omitempty"`
	MediaType string       `json:"mediaType,omitempty" yaml:"mediaType,omitempty"`
	Digest    string       `json:"digest,omitempty" yaml:"digest,omitempty"`
	DiffID    string       `json:"diffID,omitempty" yaml:"diffID,omitempty"`
	Size      int64        `json:"size,omitempty" yaml:"size,omitempty"`
	Files     []fileOutput `json:"files,omitempty" yaml:"files,omitempty"`
}

// specOutput is the printed form of a types.ContainerImageSpec.
type specOutput struct {
	BaseImage      string        `json:"baseImage" yaml:"baseImage"`
	ManifestDigest string        `json:"manifestDigest,omitempty" yaml:"manifestDigest,omitempty"`
	Architecture   string        `json:"architecture" yaml:"architecture"`
	OS             string        `json:"os" yaml:"os"`
	Cmd            []string      `json:"cmd" yaml:"cmd"`
	Env            []string      `json:"env,omitempty" yaml:"env,omitempty"`
	WorkingDir     string        `json:"workingDir,omitempty" yaml:"workingDir,omitempty"`
	Created        string        `json:"created" yaml:"created"`
	Layers         []layerOutput `json:"layers" yaml:"layers"`
}

func newSpecOutput(spec *types.ContainerImageSpec) specOutput {
	out := specOutput{
		BaseImage:      spec.BaseImage,
		ManifestDigest: spec.ManifestDigest.String(),
		Architecture:   spec.Architecture,
		OS:             spec.OS,
		Cmd:            spec.Cmd,
		Env:            spec.Env,
		WorkingDir:     spec.WorkingDir,
		Created:        spec.Created.Format(time.RFC3339),
		Layers:         make([]layerOutput, 0, len(spec.Layers)),
	}
	for _, l := range spec.Layers {
		switch l := l.(type) {
		case *types.TarballLayer:
			out.Layers = append(out.Layers, layerOutput{
				Type:      "tarball",
				Path:      l.TarballPath,
				MediaType: l.MediaType,
				Digest:    l.Digest.String(),
				DiffID:    l.DiffID.String(),
				Size:      l.Size,
			})
		case *types.FileSetLayer:
			lo := layerOutput{Type: "files"}
			for _, f := range l.Files {
				lo.Files = append(lo.Files, fileOutput{
					Source:      f.Source,
					Destination: f.Destination,
					Mode:        fmt.Sprintf("%04o", f.Permissions.Perm()),
				})
			}
			out.Layers = append(out.Layers, lo)
		}
	}
	return out
}

// writeSpec prints spec to w in format.
func writeSpec(w io.Writer, format outputFormat, spec *types.ContainerImageSpec) error {
	out := newSpecOutput(spec)
	switch format {
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("encoding YAML: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
}
